package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"hri_monitor/internal/bus"
	"hri_monitor/internal/logger"

	"golang.org/x/sync/errgroup"
)

// Scheduler queues. Each message asks for one pass over one crossing.
const (
	PreemptionQueue = "cbs.scheduler.hri-check"
	FaultQueue      = "cbs.scheduler.rbs-check"
)

const dequeueBackoff = time.Second

// ErrMissingEntityID is reported for scheduler messages without an HRI id.
var ErrMissingEntityID = errors.New("scheduler message has no HRI id")

// checkRequest is the body of a scheduler message. The id may arrive as a
// JSON number or a numeric string.
type checkRequest struct {
	HRI *json.Number `json:"HRI"`
}

type queueRoute struct {
	queue   string
	subject string
	pass    string
	checker Checker
}

// QueueOptions configures a QueueScheduler.
type QueueOptions struct {
	RecheckDelay time.Duration
	Consumers    int
	// ActiveWindow is how long a crossing counts as monitored after its last
	// handled message; Schedule is a no-op inside the window.
	ActiveWindow time.Duration
}

// QueueScheduler is the message-triggered runtime: every handled message runs
// one pass and re-enqueues the same message after RecheckDelay.
type QueueScheduler struct {
	bus       bus.Bus
	routes    []queueRoute
	delay     time.Duration
	consumers int
	window    time.Duration
	log       *logger.Logger
	now       func() time.Time

	mu       sync.Mutex
	lastSeen map[int64]time.Time

	requeues sync.WaitGroup
	fatal    chan error
}

func NewQueueScheduler(b bus.Bus, preemption, fault Checker, opts QueueOptions, log *logger.Logger) *QueueScheduler {
	consumers := opts.Consumers
	if consumers <= 0 {
		consumers = 1
	}
	return &QueueScheduler{
		bus: b,
		routes: []queueRoute{
			{queue: PreemptionQueue, subject: "HRI", pass: "preemption", checker: preemption},
			{queue: FaultQueue, subject: "RBS", pass: "fault", checker: fault},
		},
		delay:     opts.RecheckDelay,
		consumers: consumers,
		window:    opts.ActiveWindow,
		log:       log,
		now:       time.Now,
		lastSeen:  make(map[int64]time.Time),
		fatal:     make(chan error, 1),
	}
}

// Schedule seeds both message chains for a crossing unless a message for it
// was handled within the active window.
func (q *QueueScheduler) Schedule(ctx context.Context, hriID int64) bool {
	q.mu.Lock()
	if seen, ok := q.lastSeen[hriID]; ok && q.now().Sub(seen) < q.window {
		q.mu.Unlock()
		return false
	}
	q.lastSeen[hriID] = q.now()
	q.mu.Unlock()

	for _, r := range q.routes {
		if err := q.enqueue(ctx, r, hriID); err != nil {
			q.log.Errorw("schedule_failed", "queue", r.queue, "hri", hriID, "err", err)
			q.forget(hriID)
			return false
		}
	}
	return true
}

// Run consumes both queues until ctx is done or a pass reports a
// configuration failure, which is returned.
func (q *QueueScheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range q.routes {
		for i := 0; i < q.consumers; i++ {
			r := r
			g.Go(func() error {
				q.consume(gctx, r)
				return nil
			})
		}
	}
	g.Go(func() error {
		select {
		case err := <-q.fatal:
			return err
		case <-gctx.Done():
			return nil
		}
	})

	err := g.Wait()
	q.requeues.Wait()
	return err
}

func (q *QueueScheduler) consume(ctx context.Context, r queueRoute) {
	for {
		env, err := q.bus.Dequeue(ctx, r.queue)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, bus.ErrClosed) {
				return
			}
			q.log.Errorw("dequeue_failed", "queue", r.queue, "err", err)
			if errors.Is(err, bus.ErrMalformedEnvelope) {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueBackoff):
			}
			continue
		}
		q.Handle(ctx, r.queue, env)
	}
}

// Handle runs the pass a scheduler message asks for and re-enqueues it. A
// message without a crossing id ends its chain.
func (q *QueueScheduler) Handle(ctx context.Context, queue string, env bus.Envelope) {
	r, ok := q.route(queue)
	if !ok {
		q.log.Errorw("scheduler_queue_unknown", "queue", queue)
		return
	}

	hriID, err := decodeCheckRequest(env)
	if err != nil {
		q.log.Errorw("scheduler_message_invalid", "queue", queue, "body", string(env.Body), "err", err)
		return
	}
	q.touch(hriID)

	res := r.checker.Check(ctx, hriID)
	if fatal := logPass(q.log, r.pass, hriID, res); fatal {
		q.reportFatal(fatalError(r.pass, hriID, res.Err))
		return
	}
	q.requeueAfterDelay(ctx, r, hriID)
}

func decodeCheckRequest(env bus.Envelope) (int64, error) {
	var req checkRequest
	if err := env.Decode(&req); err != nil {
		return 0, err
	}
	if req.HRI == nil || *req.HRI == "" {
		return 0, ErrMissingEntityID
	}
	id, err := req.HRI.Int64()
	if err != nil {
		return 0, fmt.Errorf("HRI %q: %w", req.HRI.String(), err)
	}
	return id, nil
}

func (q *QueueScheduler) requeueAfterDelay(ctx context.Context, r queueRoute, hriID int64) {
	q.requeues.Add(1)
	go func() {
		defer q.requeues.Done()
		if q.delay > 0 {
			t := time.NewTimer(q.delay)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
		if err := q.enqueue(ctx, r, hriID); err != nil && ctx.Err() == nil {
			q.log.Errorw("requeue_failed", "queue", r.queue, "hri", hriID, "err", err)
		}
	}()
}

func (q *QueueScheduler) enqueue(ctx context.Context, r queueRoute, hriID int64) error {
	id := json.Number(strconv.FormatInt(hriID, 10))
	env, err := bus.NewEnvelope(r.subject, checkRequest{HRI: &id}, q.now())
	if err != nil {
		return err
	}
	return q.bus.Enqueue(ctx, r.queue, env)
}

func (q *QueueScheduler) route(queue string) (queueRoute, bool) {
	for _, r := range q.routes {
		if r.queue == queue {
			return r, true
		}
	}
	return queueRoute{}, false
}

func (q *QueueScheduler) touch(hriID int64) {
	q.mu.Lock()
	q.lastSeen[hriID] = q.now()
	q.mu.Unlock()
}

func (q *QueueScheduler) forget(hriID int64) {
	q.mu.Lock()
	delete(q.lastSeen, hriID)
	q.mu.Unlock()
}

func (q *QueueScheduler) reportFatal(err error) {
	select {
	case q.fatal <- err:
	default:
	}
}
