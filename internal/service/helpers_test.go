package service

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"hri_monitor/internal/bus"
	"hri_monitor/internal/config"
	"hri_monitor/internal/logger"
	"hri_monitor/internal/models"
	"hri_monitor/internal/repository"
	"hri_monitor/internal/repository/db"

	"github.com/shopspring/decimal"
)

// entityRepoStub satisfies repository.EntityRepo; nil funcs report "nothing changed".
type entityRepoStub struct {
	mu sync.Mutex

	activateFn   func(hriID int64) (bool, error)
	deactivateFn func(hriID int64) (bool, error)
	raiseFn      func(t repository.FaultTransition) (bool, error)
	recoverFn    func(t repository.FaultTransition) (bool, error)
	touchErr     error
	staleFn      func(q repository.StaleQuery) ([]int64, error)

	calls   []string
	touches int
	queries []repository.StaleQuery
}

func (s *entityRepoStub) record(call string) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

func (s *entityRepoStub) ActivatePreemption(ctx context.Context, hriID int64, now time.Time) (bool, error) {
	s.record("activate")
	if s.activateFn == nil {
		return false, nil
	}
	return s.activateFn(hriID)
}

func (s *entityRepoStub) DeactivatePreemption(ctx context.Context, hriID int64, now time.Time) (bool, error) {
	s.record("deactivate")
	if s.deactivateFn == nil {
		return false, nil
	}
	return s.deactivateFn(hriID)
}

func (s *entityRepoStub) RaiseFault(ctx context.Context, t repository.FaultTransition) (bool, error) {
	s.record("raise:" + checkKey(t))
	if s.raiseFn == nil {
		return false, nil
	}
	return s.raiseFn(t)
}

func (s *entityRepoStub) RecoverFault(ctx context.Context, t repository.FaultTransition) (bool, error) {
	s.record("recover:" + checkKey(t))
	if s.recoverFn == nil {
		return false, nil
	}
	return s.recoverFn(t)
}

func (s *entityRepoStub) Touch(ctx context.Context, hriID int64, now time.Time) error {
	s.mu.Lock()
	s.touches++
	s.mu.Unlock()
	return s.touchErr
}

func (s *entityRepoStub) Get(ctx context.Context, hriID int64) (models.MonitoredEntity, error) {
	return models.MonitoredEntity{}, repository.ErrNotFound
}

func (s *entityRepoStub) ListStale(ctx context.Context, q repository.StaleQuery) ([]int64, error) {
	s.mu.Lock()
	s.queries = append(s.queries, q)
	s.mu.Unlock()
	if s.staleFn == nil {
		return nil, nil
	}
	return s.staleFn(q)
}

// checkKey is "<source>" or "<source>/<topic>", e.g. "message_rate/map_status".
func checkKey(t repository.FaultTransition) string {
	if t.Topic == "" {
		return t.Source.String()
	}
	return t.Source.String() + "/" + t.Topic
}

// publisherStub records published events.
type publisherStub struct {
	mu     sync.Mutex
	err    error
	events []models.StatusEvent
}

func (p *publisherStub) Publish(ctx context.Context, ev models.StatusEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *publisherStub) published() []models.StatusEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.StatusEvent, len(p.events))
	copy(out, p.events)
	return out
}

func testChecks() []FaultCheck {
	return DefaultChecks(config.Thresholds{
		SPaT:    decimal.NewFromInt(5),
		MAP:     decimal.RequireFromString("0.5"),
		Message: decimal.NewFromInt(1),
	}, config.TopicConfig{
		HRIStatus:    "hri_status",
		MAPStatus:    "map_status",
		RSUIFMStatus: "rsuifm_status",
	})
}

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.InitDB(filepath.Join(t.TempDir(), "hri.db"))
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func mustExec(t *testing.T, conn *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := conn.Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

// seedHealthy inserts an operational crossing whose every rate is above the
// thresholds of testChecks.
func seedHealthy(t *testing.T, conn *sql.DB, hriID int64) {
	t.Helper()
	mustExec(t, conn, `INSERT INTO hri_activation_status (hri_id) VALUES (?)`, hriID)
	mustExec(t, conn, `INSERT INTO rbs_incoming_spat_rate (hri_id, msg_rate) VALUES (?, 10)`, hriID)
	mustExec(t, conn, `INSERT INTO rbs_incoming_map_rate (hri_id, msg_rate) VALUES (?, 1)`, hriID)
	for _, topic := range []string{"hri_status", "map_status", "rsuifm_status"} {
		mustExec(t, conn, `INSERT INTO rbs_incoming_message_rate (hri_id, topic, msg_rate) VALUES (?, ?, 2)`, hriID, topic)
	}
}

// newTestService builds a Service over a fresh SQLite database and memory bus.
func newTestService(t *testing.T) (*Service, *sql.DB, *bus.Memory) {
	t.Helper()
	conn := openSQLite(t)
	b := bus.NewMemory(64)
	t.Cleanup(func() { _ = b.Close() })
	svc := NewService(repository.NewRepository(conn, nil), b, Options{
		Checks:       testChecks(),
		StoreTimeout: time.Second,
	}, logger.Nop())
	return svc, conn, b
}

func entityOf(t *testing.T, conn *sql.DB, hriID int64) models.MonitoredEntity {
	t.Helper()
	e, err := repository.NewEntitySQLite(conn, nil).Get(context.Background(), hriID)
	if err != nil {
		t.Fatalf("Get(%d): %v", hriID, err)
	}
	return e
}
