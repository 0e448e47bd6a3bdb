package taskengine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronfleet/internal/cron"
	"cronfleet/internal/jobstore"
	"cronfleet/pkg/logx"
)

func startEngine(t *testing.T, cfg Config, catalog *cron.Catalog, store cron.Store) *Engine {
	t.Helper()
	e := New(cfg, catalog, store, nil, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(15 * time.Second):
			t.Fatal("engine did not shut down")
		}
	})

	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.running
	}, time.Second, 5*time.Millisecond, "engine never came up")
	return e
}

func waitStatus(t *testing.T, e *Engine, handle string, want cron.TaskStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := e.Status(context.Background(), handle)
		return err == nil && st == want
	}, 5*time.Second, 5*time.Millisecond, "task %s never reached %v", handle, want)
}

func TestStartExecutesPayload(t *testing.T) {
	store := jobstore.NewMemory()
	catalog := cron.NewCatalog()
	gotArgs := make(chan []byte, 1)
	catalog.MustRegister(cron.JobType{
		Name:        "echo",
		Periodicity: time.Hour,
		Run: func(ctx context.Context, rc cron.RunContext) error {
			gotArgs <- rc.Args
			return nil
		},
	})

	e := startEngine(t, Config{}, catalog, store)

	handle, err := e.Start(context.Background(), cron.TaskSpec{TaskName: "echo", Args: []byte("payload"), Parent: "job-1"})
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	waitStatus(t, e, handle, cron.TaskSucceeded)

	select {
	case args := <-gotArgs:
		assert.Equal(t, []byte("payload"), args)
	default:
		t.Fatal("payload never ran")
	}

	rec, err := store.GetRun(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, cron.RunStateSucceeded, rec.State)
	assert.Equal(t, "job-1", rec.JobName)
	assert.False(t, rec.Finished.IsZero())
}

func TestStartUnknownTaskType(t *testing.T) {
	e := startEngine(t, Config{}, cron.NewCatalog(), jobstore.NewMemory())

	_, err := e.Start(context.Background(), cron.TaskSpec{TaskName: "nope"})
	require.ErrorIs(t, err, ErrUnknownTaskType)
}

func TestPayloadErrorFailsRun(t *testing.T) {
	store := jobstore.NewMemory()
	catalog := cron.NewCatalog()
	catalog.MustRegister(cron.JobType{
		Name:        "boom",
		Periodicity: time.Hour,
		Run: func(ctx context.Context, rc cron.RunContext) error {
			return errors.New("exploded")
		},
	})

	e := startEngine(t, Config{}, catalog, store)
	handle, err := e.Start(context.Background(), cron.TaskSpec{TaskName: "boom", Parent: "job-1"})
	require.NoError(t, err)

	waitStatus(t, e, handle, cron.TaskFailed)

	rec, err := store.GetRun(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, cron.RunStateFailed, rec.State)
	assert.Equal(t, "exploded", rec.Error)
}

func TestPayloadPanicFailsRun(t *testing.T) {
	store := jobstore.NewMemory()
	catalog := cron.NewCatalog()
	catalog.MustRegister(cron.JobType{
		Name:        "panic",
		Periodicity: time.Hour,
		Run: func(ctx context.Context, rc cron.RunContext) error {
			panic("oh no")
		},
	})

	e := startEngine(t, Config{}, catalog, store)
	handle, err := e.Start(context.Background(), cron.TaskSpec{TaskName: "panic", Parent: "job-1"})
	require.NoError(t, err)

	waitStatus(t, e, handle, cron.TaskFailed)

	rec, err := store.GetRun(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, cron.RunStateFailed, rec.State)
	assert.Contains(t, rec.Error, "panicked")
}

func TestQueueFull(t *testing.T) {
	store := jobstore.NewMemory()
	catalog := cron.NewCatalog()
	executing := make(chan struct{}, 3)
	unblock := make(chan struct{})
	catalog.MustRegister(cron.JobType{
		Name:        "slow",
		Periodicity: time.Hour,
		Run: func(ctx context.Context, rc cron.RunContext) error {
			executing <- struct{}{}
			select {
			case <-unblock:
			case <-ctx.Done():
			}
			return nil
		},
	})
	defer close(unblock)

	e := startEngine(t, Config{Workers: 1, QueueSize: 1}, catalog, store)
	ctx := context.Background()

	// First run occupies the single worker...
	_, err := e.Start(ctx, cron.TaskSpec{TaskName: "slow", Parent: "job-1"})
	require.NoError(t, err)
	<-executing

	// ...second fills the queue...
	_, err = e.Start(ctx, cron.TaskSpec{TaskName: "slow", Parent: "job-1"})
	require.NoError(t, err)

	// ...third is rejected without blocking, and its record is closed out.
	handle, err := e.Start(ctx, cron.TaskSpec{TaskName: "slow", Parent: "job-1"})
	require.ErrorIs(t, err, ErrQueueFull)
	assert.Empty(t, handle)

	runs, err := store.ListRuns(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, runs, 3)

	var rejected int
	for _, run := range runs {
		if run.State == cron.RunStateFailed && run.Error == "queue full" {
			rejected++
		}
	}
	assert.Equal(t, 1, rejected)
}

func TestTerminateRunningTask(t *testing.T) {
	store := jobstore.NewMemory()
	catalog := cron.NewCatalog()
	executing := make(chan struct{})
	catalog.MustRegister(cron.JobType{
		Name:        "wait",
		Periodicity: time.Hour,
		Run: func(ctx context.Context, rc cron.RunContext) error {
			close(executing)
			<-ctx.Done()
			return ctx.Err()
		},
	})

	e := startEngine(t, Config{}, catalog, store)
	ctx := context.Background()

	handle, err := e.Start(ctx, cron.TaskSpec{TaskName: "wait", Parent: "job-1"})
	require.NoError(t, err)
	<-executing

	require.NoError(t, e.Terminate(ctx, handle, "lifetime exceeded", true))
	waitStatus(t, e, handle, cron.TaskFailed)

	rec, err := store.GetRun(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, cron.RunStateTerminated, rec.State)
	assert.Equal(t, "lifetime exceeded", rec.Error)
}

func TestTerminateQueuedTask(t *testing.T) {
	store := jobstore.NewMemory()
	catalog := cron.NewCatalog()
	executing := make(chan struct{}, 2)
	unblock := make(chan struct{})
	catalog.MustRegister(cron.JobType{
		Name:        "slow",
		Periodicity: time.Hour,
		Run: func(ctx context.Context, rc cron.RunContext) error {
			executing <- struct{}{}
			select {
			case <-unblock:
			case <-ctx.Done():
			}
			return nil
		},
	})

	e := startEngine(t, Config{Workers: 1, QueueSize: 4}, catalog, store)
	ctx := context.Background()

	_, err := e.Start(ctx, cron.TaskSpec{TaskName: "slow", Parent: "job-1"})
	require.NoError(t, err)
	<-executing

	queued, err := e.Start(ctx, cron.TaskSpec{TaskName: "slow", Parent: "job-1"})
	require.NoError(t, err)

	require.NoError(t, e.Terminate(ctx, queued, "cancelled before start", false))
	close(unblock)

	require.Eventually(t, func() bool {
		rec, err := store.GetRun(ctx, queued)
		return err == nil && rec.State == cron.RunStateTerminated
	}, 5*time.Second, 5*time.Millisecond)
}

func TestLifetimeCeilingCancelsPayload(t *testing.T) {
	store := jobstore.NewMemory()
	catalog := cron.NewCatalog()
	catalog.MustRegister(cron.JobType{
		Name:        "bounded",
		Periodicity: time.Hour,
		Lifetime:    20 * time.Millisecond,
		Run: func(ctx context.Context, rc cron.RunContext) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	e := startEngine(t, Config{}, catalog, store)
	handle, err := e.Start(context.Background(), cron.TaskSpec{TaskName: "bounded", Parent: "job-1"})
	require.NoError(t, err)

	waitStatus(t, e, handle, cron.TaskFailed)

	rec, err := store.GetRun(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, cron.RunStateFailed, rec.State)
}

func TestStatusResolvesThroughStore(t *testing.T) {
	store := jobstore.NewMemory()
	e := startEngine(t, Config{}, cron.NewCatalog(), store)
	ctx := context.Background()

	_, err := e.Status(ctx, "never-existed")
	require.ErrorIs(t, err, ErrUnknownTask)

	// A persisted SUCCEEDED record answers from the store.
	require.NoError(t, store.AppendRun(ctx, cron.RunRecord{
		TaskID: "done", JobName: "job-1", Started: time.Now(), State: cron.RunStateSucceeded,
	}))
	st, err := e.Status(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, cron.TaskSucceeded, st)

	// A RUNNING record with no live run is an orphan from a dead worker.
	require.NoError(t, store.AppendRun(ctx, cron.RunRecord{
		TaskID: "orphan", JobName: "job-1", Started: time.Now(), State: cron.RunStateRunning,
	}))
	st, err = e.Status(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, cron.TaskFailed, st)
}

func TestTerminateSettlesOrphan(t *testing.T) {
	store := jobstore.NewMemory()
	e := startEngine(t, Config{}, cron.NewCatalog(), store)
	ctx := context.Background()

	require.NoError(t, store.AppendRun(ctx, cron.RunRecord{
		TaskID: "orphan", JobName: "job-1", Started: time.Now(), State: cron.RunStateRunning,
	}))

	require.NoError(t, e.Terminate(ctx, "orphan", "reaped", true))

	rec, err := store.GetRun(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, cron.RunStateTerminated, rec.State)

	require.ErrorIs(t, e.Terminate(ctx, "never-existed", "x", false), ErrUnknownTask)
}

func TestStartWhileStopped(t *testing.T) {
	catalog := cron.NewCatalog()
	catalog.MustRegister(cron.JobType{
		Name:        "x",
		Periodicity: time.Hour,
		Run:         func(ctx context.Context, rc cron.RunContext) error { return nil },
	})

	e := New(Config{}, catalog, jobstore.NewMemory(), nil, nil, logx.Nop())
	_, err := e.Start(context.Background(), cron.TaskSpec{TaskName: "x"})
	require.ErrorIs(t, err, ErrStopped)
}
