package service

import (
	"context"
	"fmt"
	"time"

	"hri_monitor/internal/logger"
	"hri_monitor/internal/models"
	"hri_monitor/internal/repository"
)

const (
	preemptionActivatedCode      = 1
	preemptionDeactivatedCode    = 0
	preemptionActivatedMessage   = "Preemption signal activated"
	preemptionDeactivatedMessage = "Preemption signal deactivated"
)

// PreemptionService flips a crossing's preemption flag to match its signal telemetry.
type PreemptionService struct {
	entities  repository.EntityRepo
	publisher Publisher
	log       *logger.Logger
	timeout   time.Duration
	now       func() time.Time
}

func NewPreemptionService(entities repository.EntityRepo, publisher Publisher, timeout time.Duration, log *logger.Logger) *PreemptionService {
	return &PreemptionService{
		entities:  entities,
		publisher: publisher,
		log:       log,
		timeout:   timeout,
		now:       utcNow,
	}
}

// Check tries activation first and deactivation only if activation did not
// apply. Both are conditional writes, so an unchanged signal writes nothing.
func (s *PreemptionService) Check(ctx context.Context, hriID int64) PassResult {
	s.log.Debugw("checking_preemption", "hri", hriID)

	steps := []struct {
		name  string
		write func(context.Context, int64, time.Time) (bool, error)
		event models.StatusEvent
	}{
		{"activate", s.entities.ActivatePreemption, preemptionEvent(hriID, true)},
		{"deactivate", s.entities.DeactivatePreemption, preemptionEvent(hriID, false)},
	}

	for _, step := range steps {
		tctx, cancel := withTimeout(ctx, s.timeout)
		applied, err := step.write(tctx, hriID, s.now())
		cancel()
		if err != nil {
			return passTransient(fmt.Errorf("%s preemption for hri %d: %w", step.name, hriID, err), nil)
		}
		if applied {
			return s.emit(ctx, step.event)
		}
	}
	return passOK(nil)
}

func (s *PreemptionService) emit(ctx context.Context, ev models.StatusEvent) PassResult {
	tctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.publisher.Publish(tctx, ev); err != nil {
		return passTransient(err, &ev)
	}
	return passOK(&ev)
}

func preemptionEvent(hriID int64, active bool) models.StatusEvent {
	ev := models.StatusEvent{HRI: hriID, Active: &active}
	if active {
		ev.Code, ev.Message = preemptionActivatedCode, preemptionActivatedMessage
	} else {
		ev.Code, ev.Message = preemptionDeactivatedCode, preemptionDeactivatedMessage
	}
	return ev
}
