package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"hri_monitor/internal/logger"
	"hri_monitor/internal/models"
)

// EntitySQLite implements EntityRepo on the hri_activation_status table.
type EntitySQLite struct {
	db  *sql.DB
	log *logger.Logger
}

func NewEntitySQLite(db *sql.DB, log *logger.Logger) *EntitySQLite {
	return &EntitySQLite{db: db, log: log}
}

// TimestampLayout is fixed-width so stored timestamps order lexically.
const TimestampLayout = "2006-01-02 15:04:05.000000"

// FormatTimestamp renders t in UTC using TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

const (
	activatePreemptionSQL = `
		UPDATE hri_activation_status
		SET preemption_status = 1, last_updated = ?
		WHERE hri_id = ?
		  AND rbs_operational = 1
		  AND error_code IS NULL
		  AND preemption_status <> 1
		  AND EXISTS (
		      SELECT 1 FROM rbs_incoming_spat_status s
		      WHERE s.hri_id = hri_activation_status.hri_id
		        AND s.active_signal_group > 0
		        AND s.hri_active = 1)
	`

	deactivatePreemptionSQL = `
		UPDATE hri_activation_status
		SET preemption_status = 0, last_updated = ?
		WHERE hri_id = ?
		  AND rbs_operational = 1
		  AND error_code IS NULL
		  AND preemption_status <> 0
		  AND EXISTS (
		      SELECT 1 FROM rbs_incoming_spat_status s
		      WHERE s.hri_id = hri_activation_status.hri_id
		        AND s.active_signal_group > 0
		        AND s.hri_active = 0)
	`

	touchSQL = `
		UPDATE hri_activation_status
		SET last_updated = ?
		WHERE hri_id = ?
	`

	selectEntitySQL = `
		SELECT hri_id, preemption_status, rbs_operational, error_code, error_message, last_updated
		FROM hri_activation_status WHERE hri_id = ?
	`

	selectStaleSQL = `
		SELECT DISTINCT hri_id
		FROM hri_activation_status
		WHERE (? = 0 OR error_code IS NULL OR error_code <> ?)
		  AND (last_updated < ? OR ? = 1)
		ORDER BY hri_id
	`
)

// rateStatements holds the raise/recover pair for one rate table. Topical
// statements take the topic as their last argument.
type rateStatements struct {
	raise   string
	recover string
}

var faultStatements = map[RateSource]rateStatements{
	SourceSPaTRate: {
		raise: `
			UPDATE hri_activation_status
			SET rbs_operational = 0, error_code = ?, error_message = ?, last_updated = ?
			WHERE hri_id = ?
			  AND error_code IS NULL
			  AND rbs_operational = 1
			  AND EXISTS (
			      SELECT 1 FROM rbs_incoming_spat_rate r
			      WHERE r.hri_id = hri_activation_status.hri_id
			        AND r.msg_rate < ?)
		`,
		recover: `
			UPDATE hri_activation_status
			SET rbs_operational = 1, error_code = NULL, error_message = NULL, last_updated = ?
			WHERE hri_id = ?
			  AND error_code = ?
			  AND rbs_operational = 0
			  AND EXISTS (
			      SELECT 1 FROM rbs_incoming_spat_rate r
			      WHERE r.hri_id = hri_activation_status.hri_id
			        AND r.msg_rate >= ?)
		`,
	},
	SourceMAPRate: {
		raise: `
			UPDATE hri_activation_status
			SET rbs_operational = 0, error_code = ?, error_message = ?, last_updated = ?
			WHERE hri_id = ?
			  AND error_code IS NULL
			  AND rbs_operational = 1
			  AND EXISTS (
			      SELECT 1 FROM rbs_incoming_map_rate r
			      WHERE r.hri_id = hri_activation_status.hri_id
			        AND r.msg_rate < ?)
		`,
		recover: `
			UPDATE hri_activation_status
			SET rbs_operational = 1, error_code = NULL, error_message = NULL, last_updated = ?
			WHERE hri_id = ?
			  AND error_code = ?
			  AND rbs_operational = 0
			  AND EXISTS (
			      SELECT 1 FROM rbs_incoming_map_rate r
			      WHERE r.hri_id = hri_activation_status.hri_id
			        AND r.msg_rate >= ?)
		`,
	},
	SourceMessageRate: {
		raise: `
			UPDATE hri_activation_status
			SET rbs_operational = 0, error_code = ?, error_message = ?, last_updated = ?
			WHERE hri_id = ?
			  AND error_code IS NULL
			  AND rbs_operational = 1
			  AND EXISTS (
			      SELECT 1 FROM rbs_incoming_message_rate r
			      WHERE r.hri_id = hri_activation_status.hri_id
			        AND r.msg_rate < ?
			        AND r.topic = ?)
		`,
		recover: `
			UPDATE hri_activation_status
			SET rbs_operational = 1, error_code = NULL, error_message = NULL, last_updated = ?
			WHERE hri_id = ?
			  AND error_code = ?
			  AND rbs_operational = 0
			  AND EXISTS (
			      SELECT 1 FROM rbs_incoming_message_rate r
			      WHERE r.hri_id = hri_activation_status.hri_id
			        AND r.msg_rate >= ?
			        AND r.topic = ?)
		`,
	},
}

// ActivatePreemption sets preemption_status when the crossing is healthy and
// its signal row shows an active HRI.
func (r *EntitySQLite) ActivatePreemption(ctx context.Context, hriID int64, now time.Time) (bool, error) {
	return r.conditional(ctx, "activate_preemption", activatePreemptionSQL, FormatTimestamp(now), hriID)
}

// DeactivatePreemption clears preemption_status when the signal row shows an
// inactive HRI.
func (r *EntitySQLite) DeactivatePreemption(ctx context.Context, hriID int64, now time.Time) (bool, error) {
	return r.conditional(ctx, "deactivate_preemption", deactivatePreemptionSQL, FormatTimestamp(now), hriID)
}

// RaiseFault marks a healthy crossing non-operational when its rate is below threshold.
func (r *EntitySQLite) RaiseFault(ctx context.Context, t FaultTransition) (bool, error) {
	stmts, err := statementsFor(t.Source)
	if err != nil {
		return false, err
	}
	args := []any{t.Code, t.Message, FormatTimestamp(t.Now), t.HRIID, t.Threshold}
	if t.Source.Topical() {
		args = append(args, t.Topic)
	}
	return r.conditional(ctx, "raise_fault", stmts.raise, args...)
}

// RecoverFault clears the fault only when the stored code matches t.Code and
// the rate is back at or above threshold.
func (r *EntitySQLite) RecoverFault(ctx context.Context, t FaultTransition) (bool, error) {
	stmts, err := statementsFor(t.Source)
	if err != nil {
		return false, err
	}
	args := []any{FormatTimestamp(t.Now), t.HRIID, t.Code, t.Threshold}
	if t.Source.Topical() {
		args = append(args, t.Topic)
	}
	return r.conditional(ctx, "recover_fault", stmts.recover, args...)
}

// Touch records a monitoring cycle without changing state.
func (r *EntitySQLite) Touch(ctx context.Context, hriID int64, now time.Time) error {
	_, err := r.exec(ctx, "touch", touchSQL, FormatTimestamp(now), hriID)
	return err
}

// Get loads one row.
func (r *EntitySQLite) Get(ctx context.Context, hriID int64) (models.MonitoredEntity, error) {
	row := r.db.QueryRowContext(ctx, selectEntitySQL, hriID)

	var (
		e       models.MonitoredEntity
		code    sql.NullInt64
		message sql.NullString
		updated any
	)
	if err := row.Scan(&e.HRIID, &e.PreemptionStatus, &e.RBSOperational, &code, &message, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.MonitoredEntity{}, fmt.Errorf("hri %d: %w", hriID, ErrNotFound)
		}
		return models.MonitoredEntity{}, err
	}
	if code.Valid {
		c := int(code.Int64)
		e.ErrorCode = &c
	}
	if message.Valid {
		m := message.String
		e.ErrorMessage = &m
	}
	ts, err := parseTimestamp(updated)
	if err != nil {
		return models.MonitoredEntity{}, fmt.Errorf("hri %d last_updated: %w", hriID, err)
	}
	e.LastUpdated = ts
	return e, nil
}

// ListStale returns the distinct ids due for a monitoring cycle, ascending.
func (r *EntitySQLite) ListStale(ctx context.Context, q StaleQuery) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, selectStaleSQL,
		boolToInt(q.ExcludeDisabled),
		DisabledErrorCode,
		FormatTimestamp(q.Before),
		boolToInt(q.FirstRun),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *EntitySQLite) conditional(ctx context.Context, name, query string, args ...any) (bool, error) {
	n, err := r.exec(ctx, name, query, args...)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// exec runs a statement and returns the affected row count, logging its duration.
func (r *EntitySQLite) exec(ctx context.Context, name, query string, args ...any) (int64, error) {
	start := time.Now()
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		if r.log != nil {
			r.log.Errorw("sql_failed", "stmt", name, "args", args, "err", err)
		}
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s rows affected: %w", name, err)
	}
	if r.log != nil {
		r.log.Debugw("sql_exec", "stmt", name, "args", args, "rows", n, "took", time.Since(start))
	}
	return n, nil
}

func statementsFor(src RateSource) (rateStatements, error) {
	stmts, ok := faultStatements[src]
	if !ok {
		return rateStatements{}, fmt.Errorf("unknown rate source %d", src)
	}
	return stmts, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// parseTimestamp accepts the driver's native time or the stored text form.
func parseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return parseTimestampText(t)
	case []byte:
		return parseTimestampText(string(t))
	case nil:
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func parseTimestampText(s string) (time.Time, error) {
	for _, layout := range []string{TimestampLayout, "2006-01-02 15:04:05", time.RFC3339Nano} {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
