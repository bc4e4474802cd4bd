package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"hri_monitor/internal/models"
)

// TelemetrySQLite reads the rbs_incoming_* tables.
type TelemetrySQLite struct {
	db *sql.DB
}

func NewTelemetrySQLite(db *sql.DB) *TelemetrySQLite { return &TelemetrySQLite{db: db} }

const (
	selectSignalStateSQL = `
		SELECT hri_id, active_signal_group, hri_active
		FROM rbs_incoming_spat_status WHERE hri_id = ?
	`
	selectSPaTRateSQL    = `SELECT hri_id, msg_rate FROM rbs_incoming_spat_rate WHERE hri_id = ?`
	selectMAPRateSQL     = `SELECT hri_id, msg_rate FROM rbs_incoming_map_rate WHERE hri_id = ?`
	selectMessageRateSQL = `SELECT hri_id, msg_rate FROM rbs_incoming_message_rate WHERE hri_id = ? AND topic = ?`
)

// SignalState returns the latest signal-phase row for a crossing.
func (r *TelemetrySQLite) SignalState(ctx context.Context, hriID int64) (models.SignalState, error) {
	var s models.SignalState
	err := r.db.QueryRowContext(ctx, selectSignalStateSQL, hriID).Scan(&s.HRIID, &s.ActiveSignalGroup, &s.HRIActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.SignalState{}, fmt.Errorf("signal state for hri %d: %w", hriID, ErrNotFound)
		}
		return models.SignalState{}, err
	}
	return s, nil
}

// Rate returns the current messages-per-second value of one source. topic is
// ignored for sources that are not topical.
func (r *TelemetrySQLite) Rate(ctx context.Context, src RateSource, hriID int64, topic string) (models.RateSample, error) {
	var (
		query string
		args  = []any{hriID}
	)
	switch src {
	case SourceSPaTRate:
		query = selectSPaTRateSQL
	case SourceMAPRate:
		query = selectMAPRateSQL
	case SourceMessageRate:
		query = selectMessageRateSQL
		args = append(args, topic)
	default:
		return models.RateSample{}, fmt.Errorf("unknown rate source %d", src)
	}

	s := models.RateSample{Topic: topic}
	if !src.Topical() {
		s.Topic = ""
	}
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&s.HRIID, &s.MsgRate); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.RateSample{}, fmt.Errorf("%s for hri %d: %w", src, hriID, ErrNotFound)
		}
		return models.RateSample{}, err
	}
	return s, nil
}
