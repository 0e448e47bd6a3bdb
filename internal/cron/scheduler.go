package cron

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"cronfleet/internal/eventbus"
	"cronfleet/internal/metrics"
	"cronfleet/pkg/logx"
)

// DefaultLeaseDuration bounds how long one worker may hold exclusive
// scheduling rights over a job's bookkeeping. It does not bound the job's
// task runtime, which proceeds in the engine independent of the lease.
const DefaultLeaseDuration = 10 * time.Minute

// SchedulerConfig controls one scheduling pass.
type SchedulerConfig struct {
	// LeaseDuration for per-job leases; DefaultLeaseDuration when zero.
	LeaseDuration time.Duration
}

// Scheduler drives RunOnce: it iterates known jobs, leases each, and runs
// the job state machine under that lease. Failures are isolated per job.
type Scheduler struct {
	cfg    SchedulerConfig
	store  Store
	engine TaskEngine
	mx     *metrics.Metrics
	bus    eventbus.Bus
	log    logx.Logger

	now func() time.Time

	// Repeated per-tick failures (a store outage, a wedged job) would
	// otherwise flood the log every tick.
	warnLimit *rate.Limiter
}

func NewScheduler(cfg SchedulerConfig, store Store, engine TaskEngine, mx *metrics.Metrics, bus eventbus.Bus, log logx.Logger) *Scheduler {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		cfg:       cfg,
		store:     store,
		engine:    engine,
		mx:        mx,
		bus:       bus,
		log:       log,
		now:       time.Now,
		warnLimit: rate.NewLimiter(rate.Every(10*time.Second), 5),
	}
}

// SetClock injects a clock for tests.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// RunOnce attempts one scheduling pass over the given jobs (all known jobs
// when names is nil).
//
// Per job: acquire a non-blocking lease; skip silently when another worker
// holds it; otherwise run the state machine and release. An error in one job
// never aborts the rest — it is logged, counted, and folded into the joined
// error returned for callers (like ForceRun) that want feedback. The worker
// loop only logs that error; a tick as a whole never fails.
func (s *Scheduler) RunOnce(ctx context.Context, names []string, force bool) error {
	if names == nil {
		var err error
		names, err = s.store.ListJobs(ctx)
		if err != nil {
			s.mx.IncInternalError()
			return err
		}
	}

	var errs []error
	for _, name := range names {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.runJob(ctx, name, force); err != nil {
			s.mx.IncInternalError()
			if s.warnLimit.Allow() {
				s.log.Warn("job pass failed", logx.String("job", name), logx.Err(err))
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) runJob(ctx context.Context, name string, force bool) error {
	lease, err := s.store.AcquireLease(ctx, name, s.cfg.LeaseDuration)
	if errors.Is(err, ErrLeaseUnavailable) {
		// Another worker owns this job for now. Not an error.
		s.log.Trace("job leased elsewhere; skipping", logx.String("job", name))
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		// Deleted between enumeration and lease. Not an error.
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { _ = lease.Release(ctx) }()

	job := &Job{
		lease:  lease,
		engine: s.engine,
		mx:     s.mx,
		bus:    s.bus,
		log:    s.log,
		now:    s.now,
	}
	return job.Run(ctx, force)
}
