package cron

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"cronfleet/internal/leader"
	"cronfleet/internal/metrics"
	"cronfleet/pkg/logx"
)

// DefaultTick is the interval between scheduling passes.
const DefaultTick = 5 * time.Minute

// WorkerConfig controls the per-process scheduling loop.
type WorkerConfig struct {
	// Tick between scheduling passes; DefaultTick when zero.
	Tick time.Duration

	// EnabledSystemJobs lists the built-in job types that should run in this
	// deployment. Types not listed are still registered, but disabled.
	// A listed name with no catalog entry aborts bootstrap.
	EnabledSystemJobs []string
}

// Worker is the per-process background loop: it bootstraps the built-in
// jobs once, then periodically invokes the scheduler while this process
// holds scheduling leadership. Non-leaders sit out their ticks entirely.
type Worker struct {
	cfg     WorkerConfig
	sched   *Scheduler
	reg     *Registry
	catalog *Catalog
	elector leader.Elector
	mx      *metrics.Metrics
	log     logx.Logger

	now func() time.Time
	rng *rand.Rand
}

func NewWorker(cfg WorkerConfig, sched *Scheduler, reg *Registry, catalog *Catalog, elector leader.Elector, mx *metrics.Metrics, log logx.Logger) *Worker {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Worker{
		cfg:     cfg,
		sched:   sched,
		reg:     reg,
		catalog: catalog,
		elector: elector,
		mx:      mx,
		log:     log,
		now:     time.Now,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetClock injects a clock for tests.
func (w *Worker) SetClock(now func() time.Time) { w.now = now }

// SetRand injects the randomization source used for initial start times.
func (w *Worker) SetRand(rng *rand.Rand) { w.rng = rng }

// Bootstrap idempotently registers every catalog job type as a persisted
// job. Types named in EnabledSystemJobs are enabled, the rest disabled.
//
// This is the only place a configuration problem is fatal: an enabled name
// without a catalog entry means the deployment expects a job this binary
// does not carry.
func (w *Worker) Bootstrap(ctx context.Context) error {
	enabled := make(map[string]bool, len(w.cfg.EnabledSystemJobs))
	for _, name := range w.cfg.EnabledSystemJobs {
		if _, ok := w.catalog.Lookup(name); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownSystemJob, name)
		}
		enabled[name] = true
	}

	for _, name := range w.catalog.Names() {
		jt, _ := w.catalog.Lookup(name)
		spec := JobSpec{
			TaskName:    jt.Name,
			Periodicity: jt.Periodicity,
			Lifetime:    jt.Lifetime,
			StartTime:   w.startTime(jt),
		}
		// Schedule preserves a previously persisted StartTime, so repeated
		// bootstraps across the fleet keep the first worker's randomization.
		if _, err := w.reg.Schedule(ctx, spec, WithName(jt.Name), WithDisabled(!enabled[jt.Name])); err != nil {
			return fmt.Errorf("bootstrap %s: %w", jt.Name, err)
		}
	}

	w.log.Info("system jobs bootstrapped",
		logx.Int("types", len(w.catalog.Names())),
		logx.Int("enabled", len(enabled)))
	return nil
}

// startTime computes a job type's initial start time: now, or spread
// uniformly over [now, now+periodicity) when the type randomizes its start.
func (w *Worker) startTime(jt JobType) time.Time {
	now := w.now()
	if !jt.RandomizeStart {
		return now
	}
	return now.Add(time.Duration(w.rng.Int63n(int64(jt.Periodicity))))
}

// Run loops until ctx is cancelled. A failed pass is logged and the loop
// keeps going; one bad tick must never take the worker down.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("cron worker started", logx.Duration("tick", w.cfg.Tick))

	for {
		if w.elector.IsLeader() {
			w.mx.SetLeader(true)
			w.mx.IncTick()
			if err := w.sched.RunOnce(ctx, nil, false); err != nil && ctx.Err() == nil {
				w.log.Warn("scheduling tick had failures", logx.Err(err))
			}
		} else {
			w.mx.SetLeader(false)
			w.log.Trace("not scheduling leader; sleeping")
		}

		select {
		case <-ctx.Done():
			w.log.Info("cron worker stopped")
			return ctx.Err()
		case <-time.After(w.cfg.Tick):
		}
	}
}
