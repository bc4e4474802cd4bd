package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"hri_monitor/internal/logger"

	"golang.org/x/sync/semaphore"
)

const defaultMaxConcurrentPasses = 16

// LoopOptions configures a LoopScheduler.
type LoopOptions struct {
	// MaxConcurrentPasses bounds how many crossings run a pass at once.
	MaxConcurrentPasses int64
	// Pause between iterations of one crossing. Zero runs back to back.
	Pause time.Duration
}

// LoopScheduler is the perpetual-loop runtime: one goroutine per crossing runs
// a fault pass then a preemption pass, forever, until stopped.
type LoopScheduler struct {
	preemption Checker
	fault      Checker
	sem        *semaphore.Weighted
	pause      time.Duration
	log        *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	tasks map[int64]*loopTask
	wg    sync.WaitGroup
	fatal chan error
}

type loopTask struct {
	cancel context.CancelFunc
}

// NewLoopScheduler returns a scheduler whose tasks live until ctx is done,
// Stop is called for their crossing, or Close is called.
func NewLoopScheduler(ctx context.Context, preemption, fault Checker, opts LoopOptions, log *logger.Logger) *LoopScheduler {
	limit := opts.MaxConcurrentPasses
	if limit <= 0 {
		limit = defaultMaxConcurrentPasses
	}
	lctx, cancel := context.WithCancel(ctx)
	return &LoopScheduler{
		preemption: preemption,
		fault:      fault,
		sem:        semaphore.NewWeighted(limit),
		pause:      opts.Pause,
		log:        log,
		ctx:        lctx,
		cancel:     cancel,
		tasks:      make(map[int64]*loopTask),
		fatal:      make(chan error, 1),
	}
}

// Schedule starts the crossing's task. The caller's ctx only bounds the call;
// the task itself lives on the scheduler's context.
func (l *LoopScheduler) Schedule(_ context.Context, hriID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return false
	}
	if _, ok := l.tasks[hriID]; ok {
		return false
	}
	tctx, cancel := context.WithCancel(l.ctx)
	task := &loopTask{cancel: cancel}
	l.tasks[hriID] = task
	l.wg.Add(1)
	go l.monitor(tctx, hriID, task)
	return true
}

// Stop tears down a crossing's task. It reports false if none was running.
func (l *LoopScheduler) Stop(hriID int64) bool {
	l.mu.Lock()
	task, ok := l.tasks[hriID]
	delete(l.tasks, hriID)
	l.mu.Unlock()
	if ok {
		task.cancel()
	}
	return ok
}

// Active returns the monitored crossing ids in ascending order.
func (l *LoopScheduler) Active() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]int64, 0, len(l.tasks))
	for id := range l.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Run blocks until ctx is done or a pass reports a configuration failure,
// then stops every task.
func (l *LoopScheduler) Run(ctx context.Context) error {
	defer l.Close()
	select {
	case <-ctx.Done():
		return nil
	case <-l.ctx.Done():
		return nil
	case err := <-l.fatal:
		return err
	}
}

// Close cancels every task and waits for them to return.
func (l *LoopScheduler) Close() {
	l.cancel()
	l.wg.Wait()
}

func (l *LoopScheduler) monitor(ctx context.Context, hriID int64, task *loopTask) {
	defer l.wg.Done()
	defer l.release(hriID, task)

	l.log.Infow("monitor_started", "hri", hriID)
	for ctx.Err() == nil {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			return
		}
		fatal := l.iterate(ctx, hriID)
		l.sem.Release(1)
		if fatal {
			return
		}

		if l.pause > 0 {
			t := time.NewTimer(l.pause)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	}
}

// iterate runs the fault pass then the preemption pass.
func (l *LoopScheduler) iterate(ctx context.Context, hriID int64) (fatal bool) {
	for _, p := range []struct {
		name    string
		checker Checker
	}{
		{"fault", l.fault},
		{"preemption", l.preemption},
	} {
		res := p.checker.Check(ctx, hriID)
		if ctx.Err() != nil {
			return false
		}
		if logPass(l.log, p.name, hriID, res) {
			select {
			case l.fatal <- fatalError(p.name, hriID, res.Err):
			default:
			}
			return true
		}
	}
	return false
}

// release drops the task entry unless Stop already replaced or removed it.
func (l *LoopScheduler) release(hriID int64, task *loopTask) {
	l.mu.Lock()
	if l.tasks[hriID] == task {
		delete(l.tasks, hriID)
	}
	l.mu.Unlock()
	task.cancel()
	l.log.Infow("monitor_stopped", "hri", hriID)
}
