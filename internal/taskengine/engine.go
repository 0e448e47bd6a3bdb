// Package taskengine executes job payloads asynchronously on a bounded
// worker pool. Runs survive as store records, so their outcome is
// reconstructable after the worker that reported a handle has died.
package taskengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"cronfleet/internal/cron"
	"cronfleet/internal/eventbus"
	"cronfleet/internal/runtime/supervisor"
	"cronfleet/pkg/logx"
)

var (
	// ErrUnknownTaskType: the payload name is not in the catalog.
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrUnknownTask: no live run and no persisted record under the handle.
	ErrUnknownTask = errors.New("unknown task")

	// ErrQueueFull: the engine could not accept the run without blocking.
	ErrQueueFull = errors.New("task queue full")

	// ErrStopped: the engine is not running.
	ErrStopped = errors.New("task engine stopped")
)

// Config controls pool sizing.
type Config struct {
	Workers   int
	QueueSize int
}

// Engine implements cron.TaskEngine in-process: payloads come from the
// job-type catalog, execution records go to the store.
type Engine struct {
	cfg     Config
	catalog *cron.Catalog
	store   cron.Store
	states  cron.StateAccessor
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time

	mu      sync.Mutex
	q       chan *run
	sup     *supervisor.Supervisor
	running bool
	live    map[string]*run
}

// run tracks one accepted execution from enqueue to terminal state.
type run struct {
	id   string
	spec cron.TaskSpec
	jt   cron.JobType

	mu         sync.Mutex
	status     cron.TaskStatus
	cancel     context.CancelFunc // set once execution begins
	termReason string             // non-empty once termination was requested
}

func (r *run) currentStatus() cron.TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func New(cfg Config, catalog *cron.Catalog, store cron.Store, states cron.StateAccessor, bus eventbus.Bus, log logx.Logger) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:     cfg,
		catalog: catalog,
		store:   store,
		states:  states,
		bus:     bus,
		log:     log,
		now:     time.Now,
		live:    make(map[string]*run),
	}
}

// SetClock replaces the time source. Test hook.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Run hosts the worker pool until ctx is cancelled. Start/Status/Terminate
// are only serviceable while Run is active.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("task engine already running")
	}
	e.q = make(chan *run, e.cfg.QueueSize)
	e.sup = supervisor.New(ctx, supervisor.WithLogger(e.log))
	e.running = true
	sup, q := e.sup, e.q
	e.mu.Unlock()

	for i := 0; i < e.cfg.Workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			e.worker(c, q)
			return c.Err()
		})
	}

	e.log.Info("task engine started", logx.Int("workers", e.cfg.Workers), logx.Int("queue", e.cfg.QueueSize))
	<-ctx.Done()

	e.mu.Lock()
	e.running = false
	e.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := sup.Stop(waitCtx)
	e.log.Info("task engine stopped")
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.New("task engine: workers did not drain in time")
	}
	return nil
}

// Start accepts an execution, files its run record and enqueues it. The
// returned handle is stable across worker restarts: outcomes are resolvable
// through the store even after this process dies.
func (e *Engine) Start(ctx context.Context, spec cron.TaskSpec) (string, error) {
	jt, ok := e.catalog.Lookup(spec.TaskName)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTaskType, spec.TaskName)
	}

	e.mu.Lock()
	q, running := e.q, e.running
	e.mu.Unlock()
	if !running {
		return "", ErrStopped
	}

	id := uuid.NewString()
	rec := cron.RunRecord{
		TaskID:   id,
		JobName:  spec.Parent,
		TaskName: spec.TaskName,
		Started:  e.now(),
		State:    cron.RunStateRunning,
	}
	if err := e.store.AppendRun(ctx, rec); err != nil {
		return "", fmt.Errorf("taskengine: file run record: %w", err)
	}

	r := &run{id: id, spec: spec, jt: jt, status: cron.TaskRunning}
	e.mu.Lock()
	e.live[id] = r
	e.mu.Unlock()

	select {
	case q <- r:
	default:
		e.mu.Lock()
		delete(e.live, id)
		e.mu.Unlock()
		if err := e.store.FinishRun(ctx, id, e.now(), cron.RunStateFailed, "queue full"); err != nil {
			e.log.Warn("failed closing rejected run record", logx.String("task", id), logx.Err(err))
		}
		return "", ErrQueueFull
	}

	e.publish("task.started", cron.JobEvent{Job: spec.Parent, Task: id})
	return id, nil
}

// Status resolves a handle. Live runs answer from memory; anything else
// falls back to the persisted run record. A record still marked RUNNING
// with no live run belongs to a dead worker and reports as failed.
func (e *Engine) Status(ctx context.Context, handle string) (cron.TaskStatus, error) {
	e.mu.Lock()
	r, ok := e.live[handle]
	e.mu.Unlock()
	if ok {
		return r.currentStatus(), nil
	}

	rec, err := e.store.GetRun(ctx, handle)
	if errors.Is(err, cron.ErrNotFound) {
		return cron.TaskFailed, fmt.Errorf("%w: %s", ErrUnknownTask, handle)
	}
	if err != nil {
		return cron.TaskFailed, fmt.Errorf("taskengine: resolve %s: %w", handle, err)
	}

	switch rec.State {
	case cron.RunStateSucceeded:
		return cron.TaskSucceeded, nil
	case cron.RunStateRunning:
		// Orphan: the worker executing it is gone.
		return cron.TaskFailed, nil
	default:
		return cron.TaskFailed, nil
	}
}

// Terminate requests that a run stop. Queued runs are dropped before they
// execute; executing runs get their context cancelled. Terminating an
// already-finished or orphaned run settles its record and is not an error.
func (e *Engine) Terminate(ctx context.Context, handle, reason string, force bool) error {
	e.mu.Lock()
	r, ok := e.live[handle]
	e.mu.Unlock()

	if ok {
		r.mu.Lock()
		if r.termReason == "" {
			r.termReason = reason
		}
		cancel := r.cancel
		r.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		e.log.Info("task termination requested",
			logx.String("task", handle), logx.String("job", r.spec.Parent),
			logx.String("reason", reason), logx.Bool("force", force))
		return nil
	}

	rec, err := e.store.GetRun(ctx, handle)
	if errors.Is(err, cron.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownTask, handle)
	}
	if err != nil {
		return fmt.Errorf("taskengine: resolve %s: %w", handle, err)
	}
	if rec.State == cron.RunStateRunning {
		// Orphan from a dead worker; settle the record so it stops reading
		// as outstanding.
		if err := e.store.FinishRun(ctx, handle, e.now(), cron.RunStateTerminated, reason); err != nil {
			return fmt.Errorf("taskengine: settle orphan %s: %w", handle, err)
		}
	}
	return nil
}

func (e *Engine) worker(ctx context.Context, q chan *run) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-q:
			e.execute(ctx, r)
		}
	}
}

func (e *Engine) execute(ctx context.Context, r *run) {
	var (
		rctx   context.Context
		cancel context.CancelFunc
	)
	if r.jt.Lifetime > 0 {
		// Hard ceiling; the scheduler normally terminates overruns first.
		rctx, cancel = context.WithTimeout(ctx, r.jt.Lifetime)
	} else {
		rctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	r.mu.Lock()
	if r.termReason != "" {
		// Terminated while still queued.
		r.status = cron.TaskFailed
		reason := r.termReason
		r.mu.Unlock()
		e.finish(r, cron.RunStateTerminated, reason)
		return
	}
	r.cancel = cancel
	r.mu.Unlock()

	started := e.now()
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("payload panicked: %v", p)
			}
		}()
		return r.jt.Run(rctx, cron.RunContext{
			Job:    r.spec.Parent,
			Task:   r.spec.TaskName,
			Args:   r.spec.Args,
			States: e.states,
		})
	}()
	elapsed := e.now().Sub(started)

	r.mu.Lock()
	terminated := r.termReason != ""
	reason := r.termReason
	if err == nil && !terminated {
		r.status = cron.TaskSucceeded
	} else {
		r.status = cron.TaskFailed
	}
	r.mu.Unlock()

	switch {
	case terminated:
		e.finish(r, cron.RunStateTerminated, reason)
		e.log.Warn("task terminated", logx.String("task", r.id), logx.String("job", r.spec.Parent), logx.String("reason", reason), logx.Duration("elapsed", elapsed))
	case err != nil:
		e.finish(r, cron.RunStateFailed, err.Error())
		e.log.Warn("task failed", logx.String("task", r.id), logx.String("job", r.spec.Parent), logx.Err(err), logx.Duration("elapsed", elapsed))
	default:
		e.finish(r, cron.RunStateSucceeded, "")
		e.log.Debug("task succeeded", logx.String("task", r.id), logx.String("job", r.spec.Parent), logx.Duration("elapsed", elapsed))
	}
}

// finish persists the terminal state, then drops the live entry so later
// Status calls resolve through the store.
func (e *Engine) finish(r *run, state cron.RunState, errMsg string) {
	// Shutdown must not lose terminal states; give the write its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.FinishRun(ctx, r.id, e.now(), state, errMsg); err != nil {
		e.log.Error("failed persisting run outcome", logx.String("task", r.id), logx.String("state", string(state)), logx.Err(err))
	}

	e.mu.Lock()
	delete(e.live, r.id)
	e.mu.Unlock()

	e.publish("task.finished", cron.JobEvent{Job: r.spec.Parent, Task: r.id, Reason: errMsg})
}

func (e *Engine) publish(typ string, data cron.JobEvent) {
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: typ, Time: e.now(), Data: data})
	}
}
