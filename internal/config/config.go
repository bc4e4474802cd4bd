package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Runtime shapes of the entity scheduler.
const (
	RuntimeQueue = "queue"
	RuntimeLoop  = "loop"
)

// Bus backends.
const (
	BusRedis  = "redis"
	BusMemory = "memory"
)

// ErrMissingSetting is returned by Validate for every required value that is absent.
var ErrMissingSetting = errors.New("missing required setting")

type Config struct {
	Runtime    string          `mapstructure:"runtime"`
	Port       string          `mapstructure:"port"`
	Log        LogConfig       `mapstructure:"log"`
	DB         DBConfig        `mapstructure:"db"`
	Store      StoreConfig     `mapstructure:"store"`
	Bus        BusConfig       `mapstructure:"bus"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Scheduler  SchedulerConfig `mapstructure:"scheduler"`
	Loop       LoopConfig      `mapstructure:"loop"`
	Discovery  DiscoveryConfig `mapstructure:"discovery"`
	Auth       AuthConfig      `mapstructure:"auth"`
	Thresholds ThresholdConfig `mapstructure:"thresholds"`
	Topics     TopicConfig     `mapstructure:"topics"`
}

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type StoreConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type BusConfig struct {
	Backend string `mapstructure:"backend"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type SchedulerConfig struct {
	RecheckDelay time.Duration `mapstructure:"recheck_delay"`
	Consumers    int           `mapstructure:"consumers"`
}

type LoopConfig struct {
	MaxConcurrentPasses int64         `mapstructure:"max_concurrent_passes"`
	Pause               time.Duration `mapstructure:"pause"`
}

type DiscoveryConfig struct {
	Schedule        string        `mapstructure:"schedule"`
	Staleness       time.Duration `mapstructure:"staleness"`
	ExcludeDisabled bool          `mapstructure:"exclude_disabled"`
}

type AuthConfig struct {
	SigningKey string        `mapstructure:"signing_key"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
}

// ThresholdConfig holds minimum acceptable messages-per-second values as
// written in the environment; they are parsed by Decimals.
type ThresholdConfig struct {
	SPaT    string `mapstructure:"spat"`
	MAP     string `mapstructure:"map"`
	Message string `mapstructure:"message"`
}

// TopicConfig names the diagnostic topics of the generic message-rate checks.
type TopicConfig struct {
	HRIStatus    string `mapstructure:"hri_status"`
	MAPStatus    string `mapstructure:"map_status"`
	RSUIFMStatus string `mapstructure:"rsuifm_status"`
}

// Thresholds are the parsed minimum rates.
type Thresholds struct {
	SPaT    decimal.Decimal
	MAP     decimal.Decimal
	Message decimal.Decimal
}

// legacyEnv maps config keys onto the flat environment names used by the
// field deployments.
var legacyEnv = map[string]string{
	"thresholds.spat":      "MINIMUM_SPAT_RATE",
	"thresholds.map":       "MINIMUM_MAP_RATE",
	"thresholds.message":   "MINIMUM_MSG_RATE",
	"topics.hri_status":    "HRI_STATUS_TOPIC",
	"topics.map_status":    "MAP_STATUS_TOPIC",
	"topics.rsuifm_status": "RSUIFM_STATUS_TOPIC",
}

// Flags registers the command line flags understood by Load.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("hri-monitor", pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML config file (default configs/config.yml if present)")
	fs.String("runtime", "", "scheduler runtime: queue or loop")
	fs.String("port", "", "HTTP port for /health and /ws")
	fs.String("issue-token", "", "print a signed event-stream token for the given subject and exit")
	return fs
}

// Load reads configuration from an optional YAML file, the environment and
// the parsed flag set. fs may be nil.
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The nested name wins over the legacy one when both are set.
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, envName(key), env); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", env, err)
		}
	}
	setDefaults(v)

	path := ""
	if fs != nil {
		path, _ = fs.GetString("config")
		for _, name := range []string{"runtime", "port"} {
			if f := fs.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(name, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := readConfigFile(v, path); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyRuntimeDefaults()
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("runtime", RuntimeQueue)
	v.SetDefault("port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("db.path", "hri.db")
	v.SetDefault("store.timeout", "5s")
	v.SetDefault("bus.backend", BusRedis)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("scheduler.recheck_delay", "500ms")
	v.SetDefault("scheduler.consumers", 8)
	v.SetDefault("loop.max_concurrent_passes", 16)
	v.SetDefault("loop.pause", "0s")
	v.SetDefault("discovery.schedule", "")
	v.SetDefault("discovery.staleness", "15m")
	v.SetDefault("discovery.exclude_disabled", true)
	v.SetDefault("auth.signing_key", "")
	v.SetDefault("auth.token_ttl", "720h")
}

// envName is the environment variable AutomaticEnv derives for key.
func envName(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// readConfigFile loads an explicit path, or configs/config.yml when it exists.
func readConfigFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %q: %w", path, err)
		}
		return nil
	}

	v.AddConfigPath("configs")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// applyRuntimeDefaults fills values whose default depends on the runtime.
func (c *Config) applyRuntimeDefaults() {
	c.Runtime = strings.ToLower(strings.TrimSpace(c.Runtime))
	if c.Discovery.Schedule != "" {
		return
	}
	if c.Runtime == RuntimeLoop {
		c.Discovery.Schedule = "@every 60s"
	} else {
		c.Discovery.Schedule = "@every 10m"
	}
}

// Validate fails fast on absent or malformed values that every pass depends on.
func (c Config) Validate() error {
	var errs []error

	switch c.Runtime {
	case RuntimeQueue, RuntimeLoop:
	default:
		errs = append(errs, fmt.Errorf("runtime %q: want %q or %q", c.Runtime, RuntimeQueue, RuntimeLoop))
	}
	switch c.Bus.Backend {
	case BusRedis, BusMemory:
	default:
		errs = append(errs, fmt.Errorf("bus.backend %q: want %q or %q", c.Bus.Backend, BusRedis, BusMemory))
	}
	if c.Runtime == RuntimeQueue && c.Scheduler.Consumers <= 0 {
		errs = append(errs, errors.New("scheduler.consumers must be positive"))
	}
	if c.Runtime == RuntimeLoop && c.Loop.MaxConcurrentPasses <= 0 {
		errs = append(errs, errors.New("loop.max_concurrent_passes must be positive"))
	}
	if c.Discovery.Staleness <= 0 {
		errs = append(errs, errors.New("discovery.staleness must be positive"))
	}

	if _, err := c.Thresholds.Decimals(); err != nil {
		errs = append(errs, err)
	}
	for env, val := range map[string]string{
		legacyEnv["topics.hri_status"]:    c.Topics.HRIStatus,
		legacyEnv["topics.map_status"]:    c.Topics.MAPStatus,
		legacyEnv["topics.rsuifm_status"]: c.Topics.RSUIFMStatus,
	} {
		if strings.TrimSpace(val) == "" {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissingSetting, env))
		}
	}

	return errors.Join(errs...)
}

// Decimals parses all three thresholds.
func (t ThresholdConfig) Decimals() (Thresholds, error) {
	var (
		out  Thresholds
		errs []error
	)
	for _, f := range []struct {
		env string
		raw string
		dst *decimal.Decimal
	}{
		{legacyEnv["thresholds.spat"], t.SPaT, &out.SPaT},
		{legacyEnv["thresholds.map"], t.MAP, &out.MAP},
		{legacyEnv["thresholds.message"], t.Message, &out.Message},
	} {
		d, err := parseThreshold(f.env, f.raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*f.dst = d
	}
	if len(errs) > 0 {
		return Thresholds{}, errors.Join(errs...)
	}
	return out, nil
}

func parseThreshold(env, raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrMissingSetting, env)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s=%q: %w", env, raw, err)
	}
	if d.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("%s=%q: must not be negative", env, raw)
	}
	return d, nil
}
