package service

import (
	"context"
	"fmt"
	"time"

	"hri_monitor/internal/logger"
	"hri_monitor/internal/models"
	"hri_monitor/internal/repository"
)

// FaultService maintains the single-active-fault state of a crossing.
//
// For each check, in order, it tries to raise the check's fault, then to
// recover it, and otherwise records a heartbeat. The first raise or recover
// ends the pass. Because raising requires no active fault and recovering
// requires the stored code to match, earlier checks mask later ones and only
// the check that raised a fault can clear it.
type FaultService struct {
	entities  repository.EntityRepo
	telemetry repository.TelemetryRepo
	publisher Publisher
	checks    []FaultCheck
	log       *logger.Logger
	timeout   time.Duration
	now       func() time.Time
}

func NewFaultService(entities repository.EntityRepo, telemetry repository.TelemetryRepo, publisher Publisher,
	checks []FaultCheck, timeout time.Duration, log *logger.Logger) *FaultService {
	return &FaultService{
		entities:  entities,
		telemetry: telemetry,
		publisher: publisher,
		checks:    checks,
		log:       log,
		timeout:   timeout,
		now:       utcNow,
	}
}

// Checks returns the ordered check list.
func (s *FaultService) Checks() []FaultCheck {
	out := make([]FaultCheck, len(s.checks))
	copy(out, s.checks)
	return out
}

// Check runs one fault pass over the full check list.
func (s *FaultService) Check(ctx context.Context, hriID int64) PassResult {
	s.log.Debugw("checking_communication", "hri", hriID)

	for _, c := range s.checks {
		if err := c.Validate(); err != nil {
			return passFatalConfig(err)
		}
		tr := c.transition(hriID, s.now())

		raised, err := s.write(ctx, s.entities.RaiseFault, tr)
		if err != nil {
			return passTransient(fmt.Errorf("raise %s fault for hri %d: %w", c.Name, hriID, err), nil)
		}
		if raised {
			s.logObservedRate(ctx, c, hriID)
			return s.emit(ctx, models.StatusEvent{HRI: hriID, Code: c.RaisedCode(), Message: c.DroppedMessage()})
		}

		recovered, err := s.write(ctx, s.entities.RecoverFault, tr)
		if err != nil {
			return passTransient(fmt.Errorf("recover %s fault for hri %d: %w", c.Name, hriID, err), nil)
		}
		if recovered {
			return s.emit(ctx, models.StatusEvent{HRI: hriID, Code: c.Code, Message: c.RestoredMessage()})
		}

		tctx, cancel := withTimeout(ctx, s.timeout)
		err = s.entities.Touch(tctx, hriID, tr.Now)
		cancel()
		if err != nil {
			return passTransient(fmt.Errorf("heartbeat after %s check for hri %d: %w", c.Name, hriID, err), nil)
		}
	}
	return passOK(nil)
}

func (s *FaultService) write(ctx context.Context, fn func(context.Context, repository.FaultTransition) (bool, error),
	tr repository.FaultTransition) (bool, error) {
	tctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	return fn(tctx, tr)
}

func (s *FaultService) emit(ctx context.Context, ev models.StatusEvent) PassResult {
	tctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.publisher.Publish(tctx, ev); err != nil {
		return passTransient(err, &ev)
	}
	return passOK(&ev)
}

// logObservedRate records the sample that tripped a check. Best effort.
func (s *FaultService) logObservedRate(ctx context.Context, c FaultCheck, hriID int64) {
	if s.telemetry == nil {
		return
	}
	tctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	sample, err := s.telemetry.Rate(tctx, c.Source, hriID, c.Topic)
	if err != nil {
		s.log.Debugw("observed_rate_unavailable", "hri", hriID, "check", c.Name, "err", err)
		return
	}
	s.log.Warnw("rate_below_threshold", "hri", hriID, "check", c.Name, "rate", sample.MsgRate,
		"threshold", c.Threshold.Decimal.String(), "topic", sample.Topic)
}
