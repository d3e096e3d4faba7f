package collab

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"collabSync/backend/internal/logging"
	"collabSync/backend/internal/metrics"
)

type ReaperOptions struct {
	Interval time.Duration
	// IdleTimeout is how long a participant may stay silent.
	IdleTimeout time.Duration
	// EvictGrace is how long an empty session is kept before eviction.
	EvictGrace time.Duration
	Now        func() time.Time
}

// Reaper periodically disconnects idle participants and evicts empty
// sessions.
type Reaper struct {
	manager *Manager
	cron    *cron.Cron
	opts    ReaperOptions
	logger  logging.Logger
	metrics *metrics.Collab
}

func NewReaper(m *Manager, opts ReaperOptions, logger logging.Logger, mc *metrics.Collab) *Reaper {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.EvictGrace < 0 {
		opts.EvictGrace = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Reaper{
		manager: m,
		cron:    cron.New(),
		opts:    opts,
		logger:  logger.With("component", "reaper"),
		metrics: mc,
	}
}

// Start schedules Sweep every Interval.
func (r *Reaper) Start() error {
	_, err := r.cron.AddFunc(fmt.Sprintf("@every %s", r.opts.Interval), func() {
		r.Sweep(context.Background())
	})
	if err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop halts scheduling and waits for a running sweep.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
}

// Sweep runs one pass and returns how many connections it closed. Each
// session is locked only while its idle connections are collected; the
// disconnects happen afterwards.
func (r *Reaper) Sweep(ctx context.Context) (reaped int) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error(ctx, "sweep panicked", "panic", rec)
		}
	}()

	now := r.opts.Now()
	reg := r.manager.Registry()

	var victims []string
	for _, s := range reg.Sessions() {
		victims = append(victims, s.idleConnections(now, r.opts.IdleTimeout)...)
	}
	victims = append(victims, r.manager.staleConnections(now, r.opts.IdleTimeout)...)

	for _, connID := range victims {
		r.manager.ForceDisconnect(ctx, connID)
		r.metrics.ConnectionReaped()
		reaped++
	}

	evicted := reg.EvictIdle(now, r.opts.EvictGrace)
	if reaped > 0 || evicted > 0 {
		r.logger.Info(ctx, "sweep finished", "reaped", reaped, "evicted", evicted)
	}
	return reaped
}
