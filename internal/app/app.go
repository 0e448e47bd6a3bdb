// Package app wires the daemon together: config, logging, store, catalog,
// task engine, scheduler, leadership and the worker loop.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cronfleet/internal/config"
	"cronfleet/internal/cron"
	"cronfleet/internal/eventbus"
	"cronfleet/internal/jobstore"
	"cronfleet/internal/leader"
	"cronfleet/internal/metrics"
	"cronfleet/internal/observability/pprof"
	"cronfleet/internal/runtime/supervisor"
	"cronfleet/internal/taskengine"
	"cronfleet/pkg/logx"
	"cronfleet/pkg/systemd"
)

const defaultMetricsAddr = "127.0.0.1:9153"

type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   jobstore.Store
	mx      *metrics.Metrics
	catalog *cron.Catalog
	reg     *cron.Registry
	engine  *taskengine.Engine
	sched   *cron.Scheduler
	worker  *cron.Worker
	manager *cron.Manager

	elector      leader.Elector
	leaseElector *leader.LeaseElector // nil unless leader.mode is "lease"

	pprof *pprof.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := jobstore.Open(jobstore.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "jobstore")))
	if err != nil {
		return nil, err
	}

	var mx *metrics.Metrics
	if cfg.Metrics.Enabled {
		mx = metrics.New()
	}

	retention, err := config.ParseDurationOrDefault("cron.run_retention", cfg.Cron.RunRetention, cron.DefaultRunRetention)
	if err != nil {
		return nil, err
	}
	catalog := cron.NewCatalog()
	if err := cron.RegisterSystemJobs(catalog, store, retention, log.With(logx.String("comp", "cron"))); err != nil {
		return nil, err
	}

	reg := cron.NewRegistry(store, log.With(logx.String("comp", "registry")))

	engine := taskengine.New(taskengine.Config{
		Workers:   cfg.TaskEngine.Workers,
		QueueSize: cfg.TaskEngine.QueueSize,
	}, catalog, store, reg, bus, log.With(logx.String("comp", "taskengine")))

	leaseDur, err := config.ParseDurationOrDefault("cron.lease_duration", cfg.Cron.LeaseDuration, cron.DefaultLeaseDuration)
	if err != nil {
		return nil, err
	}
	sched := cron.NewScheduler(cron.SchedulerConfig{LeaseDuration: leaseDur},
		store, engine, mx, bus, log.With(logx.String("comp", "scheduler")))

	elector, leaseElector, err := buildElector(cfg, store, log)
	if err != nil {
		return nil, err
	}

	tick, err := config.ParseDurationOrDefault("cron.tick", cfg.Cron.Tick, cron.DefaultTick)
	if err != nil {
		return nil, err
	}
	enabledJobs := cfg.Cron.SystemJobs
	if enabledJobs == nil {
		// Omitted means all built-ins run.
		enabledJobs = catalog.Names()
	}
	worker := cron.NewWorker(cron.WorkerConfig{
		Tick:              tick,
		EnabledSystemJobs: enabledJobs,
	}, sched, reg, catalog, elector, mx, log.With(logx.String("comp", "worker")))

	return &App{
		cfgPath:      cfgPath,
		cfgm:         cfgm,
		log:          log,
		logs:         logSvc,
		bus:          bus,
		store:        store,
		mx:           mx,
		catalog:      catalog,
		reg:          reg,
		engine:       engine,
		sched:        sched,
		worker:       worker,
		manager:      cron.NewManager(reg, sched),
		elector:      elector,
		leaseElector: leaseElector,
		pprof: pprof.New(pprof.Config{
			Enabled:              cfg.Pprof.Enabled,
			Addr:                 cfg.Pprof.Addr,
			Prefix:               cfg.Pprof.Prefix,
			Token:                cfg.Pprof.Token,
			AllowInsecure:        cfg.Pprof.AllowInsecure,
			MutexProfileFraction: cfg.Pprof.MutexProfileFraction,
			BlockProfileRate:     cfg.Pprof.BlockProfileRate,
			MemProfileRate:       cfg.Pprof.MemProfileRate,
		}, log.With(logx.String("comp", "pprof"))),
	}, nil
}

func buildElector(cfg *config.Config, store jobstore.Store, log logx.Logger) (leader.Elector, *leader.LeaseElector, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Leader.Mode))
	switch mode {
	case "always":
		return leader.Static(true), nil, nil
	case "never":
		return leader.Static(false), nil, nil
	case "", "lease":
		ttl, err := config.ParseDurationOrDefault("leader.ttl", cfg.Leader.TTL, leader.DefaultTTL)
		if err != nil {
			return nil, nil, err
		}
		le := leader.NewLeaseElector(leader.Config{
			Key: cfg.Leader.Key,
			TTL: ttl,
		}, store, log.With(logx.String("comp", "leader")))
		return le, le, nil
	default:
		return nil, nil, fmt.Errorf("leader.mode: unknown mode %q", cfg.Leader.Mode)
	}
}

// Manager is the management surface over jobs (create/enable/disable/delete/
// force-run) for embedding callers.
func (a *App) Manager() *cron.Manager { return a.manager }

// Registry exposes job CRUD for embedding callers.
func (a *App) Registry() *cron.Registry { return a.reg }

// Done is closed when the app supervisor context is cancelled (fatal error
// or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	// Bootstrap is the one fatal step: a deployment that enables a job type
	// this binary does not carry must not come up half-working.
	if err := a.worker.Bootstrap(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("taskengine", a.engine.Run)

	if a.leaseElector != nil {
		a.sup.GoRestart("leader.elect", a.leaseElector.Run)
	}

	a.sup.Go("cron.worker", a.worker.Run)

	if a.mx != nil {
		if err := a.startMetrics(); err != nil {
			return err
		}
	}

	if a.pprof.Enabled() {
		a.sup.GoRestart("pprof", a.pprof.Run,
			supervisor.WithPublishFirstError(true),
			supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	}

	// Debug-level event tap for observability.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.startReloadLoop()

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.RunWatchdog(c, a.log)
	})

	systemd.NotifyReady(a.log)
	a.log.Info("crond started")
	return nil
}

func (a *App) startMetrics() error {
	cfg := a.cfgm.Get()
	addr := strings.TrimSpace(cfg.Metrics.Addr)
	if addr == "" {
		addr = defaultMetricsAddr
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.mx.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	a.sup.Go("metrics.http", func(c context.Context) error {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	a.sup.Go0("metrics.shutdown", func(c context.Context) {
		<-c.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	})

	a.log.Info("metrics endpoint up", logx.String("addr", addr))
	return nil
}

// startReloadLoop applies hot-reloadable config (logging) and flags the rest
// as restart-required. Scheduling topology (storage, leader, tick) is pinned
// for the process lifetime: jobs hold leases, and swapping stores or
// leadership mid-flight would break the exclusivity story.
func (a *App) startReloadLoop() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeChange(lastApplied, newCfg)
				lastApplied = newCfg
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}

				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})

				for _, s := range sections {
					switch s {
					case "logging":
						// Applied live above.
					default:
						a.log.Warn("config section changed; restart required to take effect",
							logx.String("section", s))
					}
				}

				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			}
		}
	})
}

func (a *App) Stop(ctx context.Context) error {
	systemd.NotifyStopping(a.log)

	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	}

	if cerr := a.store.Close(); cerr != nil {
		a.log.Warn("job store close failed", logx.Err(cerr))
	}
	a.log.Info("crond stopped")
	_ = a.logs.Close()
	return err
}

// validate rejects configs that would fail at use time. Used both at startup
// and as the hot-reload gate.
func validate(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	for _, f := range []struct{ path, raw string }{
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"cron.tick", cfg.Cron.Tick},
		{"cron.lease_duration", cfg.Cron.LeaseDuration},
		{"cron.run_retention", cfg.Cron.RunRetention},
		{"leader.ttl", cfg.Leader.TTL},
	} {
		if _, err := config.ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Leader.Mode)) {
	case "", "lease", "always", "never":
	default:
		return fmt.Errorf("leader.mode: unknown mode %q", cfg.Leader.Mode)
	}

	if cfg.TaskEngine.Workers < 0 {
		return errors.New("task_engine.workers must be >= 0")
	}
	if cfg.TaskEngine.QueueSize < 0 {
		return errors.New("task_engine.queue_size must be >= 0")
	}
	return nil
}
