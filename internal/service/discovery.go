package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hri_monitor/internal/logger"
	"hri_monitor/internal/repository"

	"github.com/robfig/cron/v3"
)

// DiscoveryOptions configures a Discovery.
type DiscoveryOptions struct {
	Staleness       time.Duration
	ExcludeDisabled bool
	StoreTimeout    time.Duration
}

// Discovery hands crossings that need a monitoring cycle to a Scheduler. The
// first successful scan after construction selects every crossing; later
// scans select only those not updated within the staleness window.
type Discovery struct {
	entities  repository.EntityRepo
	scheduler Scheduler
	opts      DiscoveryOptions
	log       *logger.Logger
	now       func() time.Time

	mu       sync.Mutex
	firstRun bool
}

func NewDiscovery(entities repository.EntityRepo, scheduler Scheduler, opts DiscoveryOptions, log *logger.Logger) *Discovery {
	return &Discovery{
		entities:  entities,
		scheduler: scheduler,
		opts:      opts,
		log:       log,
		now:       utcNow,
		firstRun:  true,
	}
}

// Scan runs one discovery query and schedules the result. It returns how many
// crossings were newly scheduled.
func (d *Discovery) Scan(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := repository.StaleQuery{
		Before:          d.now().Add(-d.opts.Staleness),
		FirstRun:        d.firstRun,
		ExcludeDisabled: d.opts.ExcludeDisabled,
	}
	tctx, cancel := withTimeout(ctx, d.opts.StoreTimeout)
	ids, err := d.entities.ListStale(tctx, q)
	cancel()
	if err != nil {
		d.log.Errorw("discovery_failed", "first_run", q.FirstRun, "err", err)
		return 0, err
	}

	started := 0
	for _, id := range ids {
		if d.scheduler.Schedule(ctx, id) {
			started++
			d.log.Infow("hri_discovered", "hri", id)
		}
	}
	d.firstRun = false
	d.log.Debugw("discovery_done", "candidates", len(ids), "scheduled", started)
	return started, nil
}

// Start scans once immediately and then on the given cron spec. Stop the
// returned cron to end discovery.
func (d *Discovery) Start(ctx context.Context, spec string) (*cron.Cron, error) {
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(spec, func() { _, _ = d.Scan(ctx) }); err != nil {
		return nil, fmt.Errorf("discovery schedule %q: %w", spec, err)
	}

	_, _ = d.Scan(ctx)
	c.Start()
	return c, nil
}
