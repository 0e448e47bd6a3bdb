package cron_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronfleet/internal/cron"
	"cronfleet/internal/jobstore"
	"cronfleet/pkg/logx"
)

// stubEngine is a TaskEngine that hands out sequential handles and reports
// whatever status the test scripts for them.
type stubEngine struct {
	mu         sync.Mutex
	startErr   error
	statuses   map[string]cron.TaskStatus
	started    []cron.TaskSpec
	terminated []string
	nextID     int
}

func (e *stubEngine) Start(ctx context.Context, spec cron.TaskSpec) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return "", e.startErr
	}
	e.nextID++
	handle := fmt.Sprintf("task-%d", e.nextID)
	e.started = append(e.started, spec)
	if e.statuses == nil {
		e.statuses = map[string]cron.TaskStatus{}
	}
	e.statuses[handle] = cron.TaskRunning
	return handle, nil
}

func (e *stubEngine) Status(ctx context.Context, handle string) (cron.TaskStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.statuses[handle]
	if !ok {
		return cron.TaskFailed, errors.New("unknown handle")
	}
	return st, nil
}

func (e *stubEngine) Terminate(ctx context.Context, handle, reason string, force bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.terminated = append(e.terminated, handle)
	return nil
}

func (e *stubEngine) finish(handle string, st cron.TaskStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statuses[handle] = st
}

func (e *stubEngine) startedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.started)
}

func newScheduler(t *testing.T, engine cron.TaskEngine) (*cron.Scheduler, *cron.Registry, *jobstore.Memory) {
	t.Helper()
	store := jobstore.NewMemory()
	reg := cron.NewRegistry(store, logx.Nop())
	sched := cron.NewScheduler(cron.SchedulerConfig{}, store, engine, nil, nil, logx.Nop())
	return sched, reg, store
}

func TestRunOnceStartsDueJob(t *testing.T) {
	eng := &stubEngine{}
	sched, reg, _ := newScheduler(t, eng)
	ctx := context.Background()

	_, err := reg.Schedule(ctx, cron.JobSpec{TaskName: "backup", Periodicity: time.Hour}, cron.WithName("backup"))
	require.NoError(t, err)

	require.NoError(t, sched.RunOnce(ctx, nil, false))

	require.Equal(t, 1, eng.startedCount())
	rec, err := reg.Get(ctx, "backup")
	require.NoError(t, err)
	assert.Equal(t, "task-1", rec.CurrentTaskID)

	// Same tick again: the run is outstanding and not timed out, nothing new
	// starts.
	require.NoError(t, sched.RunOnce(ctx, nil, false))
	assert.Equal(t, 1, eng.startedCount())
}

func TestRunOnceReconcilesAcrossTicks(t *testing.T) {
	eng := &stubEngine{}
	sched, reg, _ := newScheduler(t, eng)
	ctx := context.Background()

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	sched.SetClock(func() time.Time { return now })

	_, err := reg.Schedule(ctx, cron.JobSpec{TaskName: "backup", Periodicity: time.Hour}, cron.WithName("backup"))
	require.NoError(t, err)

	require.NoError(t, sched.RunOnce(ctx, nil, false))
	eng.finish("task-1", cron.TaskSucceeded)

	// Next tick, past the periodicity: reconcile the finished run and start
	// the next one in the same pass.
	now = now.Add(2 * time.Hour)
	require.NoError(t, sched.RunOnce(ctx, nil, false))

	rec, err := reg.Get(ctx, "backup")
	require.NoError(t, err)
	assert.Equal(t, cron.RunStatusOK, rec.LastRunStatus)
	assert.Equal(t, "task-2", rec.CurrentTaskID)
}

func TestRunOnceSkipsLeasedJob(t *testing.T) {
	eng := &stubEngine{}
	sched, reg, store := newScheduler(t, eng)
	ctx := context.Background()

	_, err := reg.Schedule(ctx, cron.JobSpec{TaskName: "backup", Periodicity: time.Hour}, cron.WithName("backup"))
	require.NoError(t, err)

	// Another worker holds the lease: the pass is a silent no-op.
	lease, err := store.AcquireLease(ctx, "backup", time.Minute)
	require.NoError(t, err)

	require.NoError(t, sched.RunOnce(ctx, nil, false))
	assert.Zero(t, eng.startedCount())

	require.NoError(t, lease.Release(ctx))
	require.NoError(t, sched.RunOnce(ctx, nil, false))
	assert.Equal(t, 1, eng.startedCount())
}

func TestRunOnceSkipsVanishedJob(t *testing.T) {
	eng := &stubEngine{}
	sched, _, _ := newScheduler(t, eng)

	// A name enumerated earlier but deleted since is not an error.
	require.NoError(t, sched.RunOnce(context.Background(), []string{"ghost"}, false))
	assert.Zero(t, eng.startedCount())
}

func TestRunOnceIsolatesPerJobFailures(t *testing.T) {
	eng := &stubEngine{startErr: errors.New("engine down")}
	sched, reg, _ := newScheduler(t, eng)
	ctx := context.Background()

	for _, name := range []string{"a", "b"} {
		_, err := reg.Schedule(ctx, cron.JobSpec{TaskName: name, Periodicity: time.Hour}, cron.WithName(name))
		require.NoError(t, err)
	}

	err := sched.RunOnce(ctx, []string{"a", "b"}, false)
	require.Error(t, err)
	assert.ErrorContains(t, err, "engine down")

	// Neither job wedged: both were attempted and both leases released.
	eng.startErr = nil
	require.NoError(t, sched.RunOnce(ctx, []string{"a", "b"}, false))
	assert.Equal(t, 2, eng.startedCount())
}

func TestForceRunRespectsOverrunPolicy(t *testing.T) {
	eng := &stubEngine{}
	sched, reg, _ := newScheduler(t, eng)
	mgr := cron.NewManager(reg, sched)
	ctx := context.Background()

	_, err := reg.Schedule(ctx, cron.JobSpec{TaskName: "backup", Periodicity: time.Hour}, cron.WithName("backup"))
	require.NoError(t, err)

	require.NoError(t, mgr.ForceRun(ctx, "backup"))
	require.Equal(t, 1, eng.startedCount())

	// Forcing again while the run is outstanding must not double-start.
	require.NoError(t, mgr.ForceRun(ctx, "backup"))
	assert.Equal(t, 1, eng.startedCount())
}

func TestManagerCreateJobStartsDisabled(t *testing.T) {
	eng := &stubEngine{}
	sched, reg, _ := newScheduler(t, eng)
	mgr := cron.NewManager(reg, sched)
	ctx := context.Background()

	id, err := mgr.CreateJob(ctx, cron.JobSpec{TaskName: "backup", Periodicity: time.Hour})
	require.NoError(t, err)

	rec, err := mgr.GetJob(ctx, id)
	require.NoError(t, err)
	require.True(t, rec.Disabled)

	require.NoError(t, sched.RunOnce(ctx, nil, false))
	assert.Zero(t, eng.startedCount(), "disabled jobs never run")

	require.NoError(t, mgr.EnableJob(ctx, id))
	require.NoError(t, sched.RunOnce(ctx, nil, false))
	assert.Equal(t, 1, eng.startedCount())
}
