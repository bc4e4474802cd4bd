package service

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hri_monitor/internal/logger"
)

func TestLoopScheduler_RunsFaultThenPreemption(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) Checker {
		return checkerFunc(func(context.Context, int64) PassResult {
			mu.Lock()
			defer mu.Unlock()
			if len(order) < 4 {
				order = append(order, name)
			}
			return passOK(nil)
		})
	}

	l := NewLoopScheduler(context.Background(), record("preemption"), record("fault"), LoopOptions{Pause: time.Millisecond}, logger.Nop())
	defer l.Close()

	if !l.Schedule(context.Background(), 1) {
		t.Fatal("Schedule returned false")
	}
	waitFor(t, "four passes", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"fault", "preemption", "fault", "preemption"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("order: got %v, want %v", order, want)
	}
}

func TestLoopScheduler_ScheduleStopActive(t *testing.T) {
	ok := checkerFunc(func(context.Context, int64) PassResult { return passOK(nil) })
	l := NewLoopScheduler(context.Background(), ok, ok, LoopOptions{Pause: time.Millisecond}, logger.Nop())
	defer l.Close()
	ctx := context.Background()

	for _, id := range []int64{2, 1} {
		if !l.Schedule(ctx, id) {
			t.Fatalf("Schedule(%d) returned false", id)
		}
	}
	if l.Schedule(ctx, 2) {
		t.Fatal("duplicate Schedule returned true")
	}
	if got := l.Active(); !reflect.DeepEqual(got, []int64{1, 2}) {
		t.Fatalf("Active: got %v, want [1 2]", got)
	}

	if !l.Stop(2) {
		t.Fatal("Stop(2) returned false")
	}
	if l.Stop(2) {
		t.Fatal("second Stop(2) returned true")
	}
	if got := l.Active(); !reflect.DeepEqual(got, []int64{1}) {
		t.Fatalf("Active after Stop: got %v, want [1]", got)
	}
	if !l.Schedule(ctx, 2) {
		t.Fatal("Schedule after Stop returned false")
	}

	l.Close()
	if l.Schedule(ctx, 3) {
		t.Fatal("Schedule after Close returned true")
	}
}

func TestLoopScheduler_BoundsConcurrentPasses(t *testing.T) {
	var inFlight, peak atomic.Int64
	var passes atomic.Int64
	slow := checkerFunc(func(context.Context, int64) PassResult {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		passes.Add(1)
		return passOK(nil)
	})

	l := NewLoopScheduler(context.Background(), slow, slow, LoopOptions{MaxConcurrentPasses: 2}, logger.Nop())
	for id := int64(1); id <= 6; id++ {
		l.Schedule(context.Background(), id)
	}
	waitFor(t, "passes", func() bool { return passes.Load() >= 30 })
	l.Close()

	if p := peak.Load(); p > 2 {
		t.Fatalf("peak concurrent passes: %d; want <= 2", p)
	}
}

func TestLoopScheduler_RunReturnsFatalConfig(t *testing.T) {
	ok := checkerFunc(func(context.Context, int64) PassResult { return passOK(nil) })
	fatal := checkerFunc(func(context.Context, int64) PassResult {
		return passFatalConfig(errors.New("threshold missing"))
	})

	l := NewLoopScheduler(context.Background(), ok, fatal, LoopOptions{}, logger.Nop())
	l.Schedule(context.Background(), 5)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := l.Run(ctx)
	if !errors.Is(err, ErrFatalConfig) {
		t.Fatalf("Run: want ErrFatalConfig, got %v", err)
	}
	if got := l.Active(); len(got) != 0 {
		t.Fatalf("Active after fatal: %v", got)
	}
}

func TestLoopScheduler_RunReturnsOnCancel(t *testing.T) {
	ok := checkerFunc(func(context.Context, int64) PassResult { return passOK(nil) })
	l := NewLoopScheduler(context.Background(), ok, ok, LoopOptions{Pause: time.Millisecond}, logger.Nop())
	l.Schedule(context.Background(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestLoopScheduler_PublishesOnlyTransitions(t *testing.T) {
	svc, conn, b := newTestService(t)
	seedHealthy(t, conn, 6)
	mustExec(t, conn, `INSERT INTO rbs_incoming_spat_status (hri_id, active_signal_group, hri_active) VALUES (6, 2, 1)`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := b.Subscribe(ctx, EventsTopic)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	l := NewLoopScheduler(ctx, svc.Preemption, svc.Fault, LoopOptions{Pause: time.Millisecond}, logger.Nop())
	l.Schedule(ctx, 6)

	select {
	case env := <-events:
		if env.Subject != "6" {
			t.Errorf("subject: want 6, got %q", env.Subject)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no activation event")
	}
	// Let the loop spin over an unchanged crossing.
	time.Sleep(50 * time.Millisecond)
	l.Close()

	select {
	case env := <-events:
		t.Fatalf("unexpected second event: %s", env.Body)
	default:
	}
}

func TestLoopScheduler_TransientFailureKeepsLooping(t *testing.T) {
	var calls atomic.Int64
	flaky := checkerFunc(func(context.Context, int64) PassResult {
		if calls.Add(1) == 1 {
			return passTransient(errors.New("database is locked"), nil)
		}
		return passOK(nil)
	})
	ok := checkerFunc(func(context.Context, int64) PassResult { return passOK(nil) })

	l := NewLoopScheduler(context.Background(), ok, flaky, LoopOptions{Pause: time.Millisecond}, logger.Nop())
	defer l.Close()
	l.Schedule(context.Background(), 4)

	waitFor(t, "second fault pass", func() bool { return calls.Load() >= 2 })
	if got := l.Active(); !reflect.DeepEqual(got, []int64{4}) {
		t.Fatalf("Active after transient failure: got %v, want [4]", got)
	}
}
