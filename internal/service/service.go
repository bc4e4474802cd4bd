package service

import (
	"context"
	"time"

	"hri_monitor/internal/bus"
	"hri_monitor/internal/logger"
	"hri_monitor/internal/repository"
)

// Checker runs one monitoring pass for a crossing.
type Checker interface {
	Check(ctx context.Context, hriID int64) PassResult
}

// Scheduler starts monitoring a crossing. It reports false when the crossing
// is already being monitored.
type Scheduler interface {
	Schedule(ctx context.Context, hriID int64) bool
}

// Runtime is a Scheduler that drives its passes until ctx is done or a pass
// reports a configuration failure.
type Runtime interface {
	Scheduler
	Run(ctx context.Context) error
}

// Options configures NewService.
type Options struct {
	Checks       []FaultCheck
	StoreTimeout time.Duration
	SigningKey   string
	TokenTTL     time.Duration
}

// Service aggregates the evaluators and their collaborators.
type Service struct {
	Preemption *PreemptionService
	Fault      *FaultService
	Publisher  *EventPublisher
	Monitoring *MonitoringService
	Tokens     *TokenService
}

// NewService wires repositories and the bus into the evaluators.
func NewService(repos *repository.Repository, b bus.Bus, opts Options, log *logger.Logger) *Service {
	publisher := NewEventPublisher(b, log)
	return &Service{
		Preemption: NewPreemptionService(repos.Entities, publisher, opts.StoreTimeout, log),
		Fault:      NewFaultService(repos.Entities, repos.Telemetry, publisher, opts.Checks, opts.StoreTimeout, log),
		Publisher:  publisher,
		Monitoring: NewMonitoringService(repos.Entities, repos.Telemetry, opts.StoreTimeout),
		Tokens:     NewTokenService(opts.SigningKey, opts.TokenTTL),
	}
}

// withTimeout bounds a single store round-trip. d <= 0 leaves ctx unchanged.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

func utcNow() time.Time { return time.Now().UTC() }
