package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hri_monitor/internal/bus"
	"hri_monitor/internal/config"
	"hri_monitor/internal/handlers"
	"hri_monitor/internal/logger"
	"hri_monitor/internal/repository"
	"hri_monitor/internal/repository/db"
	"hri_monitor/internal/server"
	"hri_monitor/internal/service"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
)

const (
	shutdownTimeout = 10 * time.Second
	busPingTimeout  = 5 * time.Second
)

func main() {
	fs := config.Flags()
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// init logger
	log := logger.Get(cfg.Log.Level, cfg.Log.Encoding)

	if subject, _ := fs.GetString("issue-token"); subject != "" {
		err = issueToken(cfg, subject)
	} else {
		err = run(cfg, log)
	}
	if err != nil {
		log.Errorw("monitor_aborted", "err", err)
		_ = log.Sync()
		os.Exit(1)
	}
	_ = log.Sync()
}

// run wires the monitor and blocks until shutdown. Every resource it opens is
// closed before it returns.
func run(cfg config.Config, log *logger.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	thresholds, err := cfg.Thresholds.Decimals()
	if err != nil {
		return fmt.Errorf("invalid thresholds: %w", err)
	}
	checks := service.DefaultChecks(thresholds, cfg.Topics)
	if err := service.ValidateChecks(checks); err != nil {
		return fmt.Errorf("invalid checks: %w", err)
	}

	// open DB
	conn, err := db.InitDB(cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("init sqlite at %q: %w", cfg.DB.Path, err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			log.Errorw("failed to close sqlite", "err", cerr)
		}
	}()

	b, err := openBus(cfg)
	if err != nil {
		return fmt.Errorf("open %s bus: %w", cfg.Bus.Backend, err)
	}
	defer func() { _ = b.Close() }()

	// wire dependencies
	repos := repository.NewRepository(conn, log)
	services := service.NewService(repos, b, service.Options{
		Checks:       checks,
		StoreTimeout: cfg.Store.Timeout,
		SigningKey:   cfg.Auth.SigningKey,
		TokenTTL:     cfg.Auth.TokenTTL,
	}, log)
	for i, c := range services.Fault.Checks() {
		log.Infow("fault_check", "order", i+1, "name", c.Name, "code", c.Code,
			"threshold", c.Threshold.Decimal.String(), "topic", c.Topic)
	}
	if !services.Tokens.Enabled() {
		log.Warnw("event stream is unauthenticated; set auth.signing_key to require tokens")
	}

	// context for background goroutines
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runtime := newRuntime(ctx, cfg, b, services, log)
	discovery := service.NewDiscovery(repos.Entities, runtime, service.DiscoveryOptions{
		Staleness:       cfg.Discovery.Staleness,
		ExcludeDisabled: cfg.Discovery.ExcludeDisabled,
		StoreTimeout:    cfg.Store.Timeout,
	}, log)
	scans, err := discovery.Start(ctx, cfg.Discovery.Schedule)
	if err != nil {
		return err
	}

	runtimeErr := make(chan error, 1)
	go func() { runtimeErr <- runtime.Run(ctx) }()
	log.Infow("monitor_started", "runtime", cfg.Runtime, "bus", cfg.Bus.Backend, "discovery", cfg.Discovery.Schedule)

	// start HTTP server
	srv := &server.Server{}
	apiHandler := handlers.NewHandler(services, conn, b, log)
	serverErr := runHTTPServer(srv, cfg.Port, apiHandler)

	// graceful shutdown
	return waitForShutdown(cancel, runtimeErr, serverErr, scans, srv, log)
}

// openBus connects the configured message bus. Redis is pinged so a wrong
// address fails at startup rather than on the first pass.
func openBus(cfg config.Config) (bus.Bus, error) {
	if cfg.Bus.Backend == config.BusMemory {
		return bus.NewMemory(0), nil
	}
	r := bus.NewRedis(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), busPingTimeout)
	defer cancel()
	if err := r.Ping(ctx); err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", cfg.Redis.Addr, err)
	}
	return r, nil
}

// newRuntime picks the scheduler shape named by cfg.Runtime.
func newRuntime(ctx context.Context, cfg config.Config, b bus.Bus, services *service.Service, log *logger.Logger) service.Runtime {
	if cfg.Runtime == config.RuntimeLoop {
		return service.NewLoopScheduler(ctx, services.Preemption, services.Fault, service.LoopOptions{
			MaxConcurrentPasses: cfg.Loop.MaxConcurrentPasses,
			Pause:               cfg.Loop.Pause,
		}, log)
	}
	return service.NewQueueScheduler(b, services.Preemption, services.Fault, service.QueueOptions{
		RecheckDelay: cfg.Scheduler.RecheckDelay,
		Consumers:    cfg.Scheduler.Consumers,
		ActiveWindow: cfg.Discovery.Staleness,
	}, log)
}

// issueToken prints a subscriber token for /ws.
func issueToken(cfg config.Config, subject string) error {
	token, err := service.NewTokenService(cfg.Auth.SigningKey, cfg.Auth.TokenTTL).IssueToken(subject)
	if err != nil {
		return fmt.Errorf("issue token for %q: %w", subject, err)
	}
	fmt.Println(token)
	return nil
}

// runHTTPServer runs the HTTP server in a separate goroutine. The returned
// channel receives the error if the server stops on its own.
func runHTTPServer(srv *server.Server, port string, handler *handlers.Handler) <-chan error {
	errc := make(chan error, 1)
	go func() {
		if err := srv.Run(port, handler.InitRoutes()); err != nil {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()
	return errc
}

// waitForShutdown blocks until a termination signal, a runtime failure or an
// HTTP server failure, then stops discovery, the runtime and the HTTP server in
// that order. It returns the failure, if any.
func waitForShutdown(cancel context.CancelFunc, runtimeErr, serverErr <-chan error, scans *cron.Cron, srv *server.Server, log *logger.Logger) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var failure error
	runtimeDone := false
	select {
	case sig := <-quit:
		log.Infow("shutting down...", "signal", sig.String())
	case err := <-serverErr:
		failure = err
	case err := <-runtimeErr:
		runtimeDone = true
		failure = err
		if failure == nil {
			failure = errors.New("scheduler stopped unexpectedly")
		}
	}

	// let a running scan finish, then stop background goroutines
	<-scans.Stop().Done()
	cancel()
	if !runtimeDone {
		if err := <-runtimeErr; err != nil && failure == nil {
			failure = err
		}
	}

	// allow in-flight requests to complete
	ctx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("server forced to shutdown", "err", err)
	}
	return failure
}
