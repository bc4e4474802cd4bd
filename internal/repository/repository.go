package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"hri_monitor/internal/logger"
	"hri_monitor/internal/models"
)

// ErrNotFound is returned by reads when no matching row exists.
var ErrNotFound = errors.New("not found")

// DisabledErrorCode marks a crossing that was taken out of service on purpose.
const DisabledErrorCode = 311

// RateSource identifies the table a rate check reads from.
type RateSource int

const (
	SourceSPaTRate RateSource = iota
	SourceMAPRate
	SourceMessageRate
)

func (s RateSource) String() string {
	switch s {
	case SourceSPaTRate:
		return "spat_rate"
	case SourceMAPRate:
		return "map_rate"
	case SourceMessageRate:
		return "message_rate"
	default:
		return "unknown"
	}
}

// Topical reports whether rows of this source are keyed by topic.
func (s RateSource) Topical() bool { return s == SourceMessageRate }

// FaultTransition carries the arguments of a raise or recover write.
type FaultTransition struct {
	HRIID     int64
	Source    RateSource
	Topic     string
	Threshold float64
	Code      int    // stored error code, i.e. check code + 1
	Message   string // written on raise only
	Now       time.Time
}

// StaleQuery selects crossings needing a monitoring cycle.
type StaleQuery struct {
	Before          time.Time
	FirstRun        bool
	ExcludeDisabled bool
}

// EntityRepo mutates hri_activation_status rows. Every transition is a single
// conditional UPDATE; the boolean result reports whether a row changed.
type EntityRepo interface {
	ActivatePreemption(ctx context.Context, hriID int64, now time.Time) (bool, error)
	DeactivatePreemption(ctx context.Context, hriID int64, now time.Time) (bool, error)
	RaiseFault(ctx context.Context, t FaultTransition) (bool, error)
	RecoverFault(ctx context.Context, t FaultTransition) (bool, error)
	Touch(ctx context.Context, hriID int64, now time.Time) error
	Get(ctx context.Context, hriID int64) (models.MonitoredEntity, error)
	ListStale(ctx context.Context, q StaleQuery) ([]int64, error)
}

// TelemetryRepo reads rows maintained by the ingestion pipeline.
type TelemetryRepo interface {
	SignalState(ctx context.Context, hriID int64) (models.SignalState, error)
	Rate(ctx context.Context, src RateSource, hriID int64, topic string) (models.RateSample, error)
}

type Repository struct {
	Entities  EntityRepo
	Telemetry TelemetryRepo
}

// NewRepository wires SQLite-backed repositories. log may be nil.
func NewRepository(db *sql.DB, log *logger.Logger) *Repository {
	return &Repository{
		Entities:  NewEntitySQLite(db, log),
		Telemetry: NewTelemetrySQLite(db),
	}
}
