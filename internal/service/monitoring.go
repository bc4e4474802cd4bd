package service

import (
	"context"
	"errors"
	"time"

	"hri_monitor/internal/models"
	"hri_monitor/internal/repository"
)

// CrossingStatus is the persisted health of a crossing together with the
// signal telemetry it was last judged against.
type CrossingStatus struct {
	models.MonitoredEntity
	Signal *models.SignalState `json:"signal,omitempty"`
}

// MonitoringService answers read-only status queries.
type MonitoringService struct {
	entities  repository.EntityRepo
	telemetry repository.TelemetryRepo
	timeout   time.Duration
}

func NewMonitoringService(entities repository.EntityRepo, telemetry repository.TelemetryRepo, timeout time.Duration) *MonitoringService {
	return &MonitoringService{entities: entities, telemetry: telemetry, timeout: timeout}
}

// GetStatus returns the crossing's row. A missing signal row is not an error.
func (s *MonitoringService) GetStatus(ctx context.Context, hriID int64) (CrossingStatus, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	e, err := s.entities.Get(ctx, hriID)
	if err != nil {
		return CrossingStatus{}, err
	}
	e.LastUpdated = toUTC(e.LastUpdated)
	status := CrossingStatus{MonitoredEntity: e}

	if s.telemetry == nil {
		return status, nil
	}
	sig, err := s.telemetry.SignalState(ctx, hriID)
	switch {
	case err == nil:
		status.Signal = &sig
	case !errors.Is(err, repository.ErrNotFound):
		return CrossingStatus{}, err
	}
	return status, nil
}

// toUTC normalizes non-zero time to UTC, preserving zero values.
func toUTC(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}
