package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"hri_monitor/internal/bus"
	"hri_monitor/internal/logger"
	"hri_monitor/internal/models"
)

// EventsTopic receives every status transition.
const EventsTopic = "cbs.events"

// Publisher emits status events.
type Publisher interface {
	Publish(ctx context.Context, ev models.StatusEvent) error
}

// EventPublisher publishes status events on EventsTopic with the crossing id
// as subject.
type EventPublisher struct {
	bus bus.Bus
	log *logger.Logger
	now func() time.Time
}

func NewEventPublisher(b bus.Bus, log *logger.Logger) *EventPublisher {
	return &EventPublisher{bus: b, log: log, now: time.Now}
}

// Publish logs events carrying a non-zero code at error level, others at info.
func (p *EventPublisher) Publish(ctx context.Context, ev models.StatusEvent) error {
	fields := []any{"hri", ev.HRI, "code", ev.Code, "message", ev.Message}
	if ev.Active != nil {
		fields = append(fields, "active", *ev.Active)
	}
	if ev.Code != 0 {
		p.log.Errorw("hri_event", fields...)
	} else {
		p.log.Infow("hri_event", fields...)
	}

	env, err := bus.NewEnvelope(strconv.FormatInt(ev.HRI, 10), ev, p.now())
	if err != nil {
		return err
	}
	if err := p.bus.Publish(ctx, EventsTopic, env); err != nil {
		return fmt.Errorf("publish event for hri %d: %w", ev.HRI, err)
	}
	return nil
}
