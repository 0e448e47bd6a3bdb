package jobstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronfleet/internal/cron"
	"cronfleet/pkg/logx"
)

// forEachDriver runs fn against every store implementation. The clock setter
// lets lease-expiry cases advance time without sleeping.
func forEachDriver(t *testing.T, fn func(t *testing.T, s Store, setClock func(func() time.Time))) {
	t.Run("memory", func(t *testing.T) {
		m := NewMemory()
		fn(t, m, m.SetClock)
	})

	t.Run("sqlite", func(t *testing.T) {
		s, err := openSQLite(Config{Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s, func(now func() time.Time) { s.now = now })
	})
}

func seedJob(t *testing.T, s Store, name string) {
	t.Helper()
	err := s.Upsert(context.Background(), name, func(rec *cron.JobRecord, found bool) (bool, error) {
		rec.Spec = cron.JobSpec{TaskName: "noop", Periodicity: time.Hour}
		return true, nil
	})
	require.NoError(t, err)
}

func TestJobCRUD(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Store, _ func(func() time.Time)) {
		ctx := context.Background()

		_, err := s.Read(ctx, "missing")
		require.ErrorIs(t, err, cron.ErrNotFound)
		require.ErrorIs(t, s.Delete(ctx, "missing"), cron.ErrNotFound)

		start := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
		err = s.Upsert(ctx, "backup", func(rec *cron.JobRecord, found bool) (bool, error) {
			require.False(t, found)
			rec.Spec = cron.JobSpec{
				TaskName:    "backup",
				TaskArgs:    []byte(`{"target":"s3"}`),
				Periodicity: time.Hour,
				Lifetime:    10 * time.Minute,
				StartTime:   start,
			}
			return true, nil
		})
		require.NoError(t, err)

		rec, err := s.Read(ctx, "backup")
		require.NoError(t, err)
		assert.Equal(t, "backup", rec.Name)
		assert.Equal(t, []byte(`{"target":"s3"}`), rec.Spec.TaskArgs)
		assert.True(t, rec.Spec.StartTime.Equal(start))
		assert.EqualValues(t, 1, rec.Version)

		// Unchanged callbacks skip the write.
		err = s.Upsert(ctx, "backup", func(rec *cron.JobRecord, found bool) (bool, error) {
			require.True(t, found)
			return false, nil
		})
		require.NoError(t, err)
		rec, err = s.Read(ctx, "backup")
		require.NoError(t, err)
		assert.EqualValues(t, 1, rec.Version)

		err = s.Upsert(ctx, "backup", func(rec *cron.JobRecord, found bool) (bool, error) {
			rec.Disabled = true
			return true, nil
		})
		require.NoError(t, err)
		rec, err = s.Read(ctx, "backup")
		require.NoError(t, err)
		assert.True(t, rec.Disabled)
		assert.EqualValues(t, 2, rec.Version)

		seedJob(t, s, "alpha")
		names, err := s.ListJobs(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"alpha", "backup"}, names)

		require.NoError(t, s.Delete(ctx, "backup"))
		_, err = s.Read(ctx, "backup")
		require.ErrorIs(t, err, cron.ErrNotFound)
	})
}

func TestLeaseExclusivity(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Store, _ func(func() time.Time)) {
		ctx := context.Background()
		seedJob(t, s, "backup")

		_, err := s.AcquireLease(ctx, "missing", time.Minute)
		require.ErrorIs(t, err, cron.ErrNotFound)

		lease, err := s.AcquireLease(ctx, "backup", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, "backup", lease.Name())

		_, err = s.AcquireLease(ctx, "backup", time.Minute)
		require.ErrorIs(t, err, cron.ErrLeaseUnavailable)

		require.NoError(t, lease.Release(ctx))

		relock, err := s.AcquireLease(ctx, "backup", time.Minute)
		require.NoError(t, err)
		require.NoError(t, relock.Release(ctx))
	})
}

func TestLeaseExpiryAndFencing(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Store, setClock func(func() time.Time)) {
		ctx := context.Background()
		seedJob(t, s, "backup")

		now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
		setClock(func() time.Time { return now })

		first, err := s.AcquireLease(ctx, "backup", time.Minute)
		require.NoError(t, err)

		// Expired grant, no successor: the write still lands.
		now = now.Add(2 * time.Minute)
		err = first.Update(ctx, func(rec *cron.JobRecord) error {
			rec.CurrentTaskID = "t-1"
			return nil
		})
		require.NoError(t, err)

		// A successor takes over the expired lease; the old holder is fenced
		// out from then on.
		second, err := s.AcquireLease(ctx, "backup", time.Minute)
		require.NoError(t, err)

		err = first.Update(ctx, func(rec *cron.JobRecord) error {
			rec.CurrentTaskID = "stale"
			return nil
		})
		require.ErrorIs(t, err, cron.ErrLeaseLost)

		err = second.Update(ctx, func(rec *cron.JobRecord) error {
			rec.CurrentTaskID = "t-2"
			return nil
		})
		require.NoError(t, err)

		rec, err := s.Read(ctx, "backup")
		require.NoError(t, err)
		assert.Equal(t, "t-2", rec.CurrentTaskID, "the fenced write must not clobber the successor")

		// Releasing a lost lease is a no-op, not an error.
		require.NoError(t, first.Release(ctx))
		_, err = s.AcquireLease(ctx, "backup", time.Minute)
		require.ErrorIs(t, err, cron.ErrLeaseUnavailable, "the loser's release must not free the successor's grant")
	})
}

func TestLeaseUpdateBumpsVersion(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Store, _ func(func() time.Time)) {
		ctx := context.Background()
		seedJob(t, s, "backup")

		lease, err := s.AcquireLease(ctx, "backup", time.Minute)
		require.NoError(t, err)

		before := lease.Record().Version
		err = lease.Update(ctx, func(rec *cron.JobRecord) error {
			rec.LastRunStatus = cron.RunStatusOK
			return nil
		})
		require.NoError(t, err)

		assert.Equal(t, before+1, lease.Record().Version)
		assert.Equal(t, cron.RunStatusOK, lease.Record().LastRunStatus, "the cached snapshot refreshes after update")

		rec, err := s.Read(ctx, "backup")
		require.NoError(t, err)
		assert.Equal(t, before+1, rec.Version)
	})
}

func TestRunRecords(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Store, _ func(func() time.Time)) {
		ctx := context.Background()
		base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

		require.ErrorIs(t, s.FinishRun(ctx, "missing", base, cron.RunStateFailed, "x"), cron.ErrNotFound)

		for i, id := range []string{"t-1", "t-2"} {
			require.NoError(t, s.AppendRun(ctx, cron.RunRecord{
				TaskID:   id,
				JobName:  "backup",
				TaskName: "backup",
				Started:  base.Add(time.Duration(i) * time.Minute),
				State:    cron.RunStateRunning,
			}))
		}

		require.NoError(t, s.FinishRun(ctx, "t-1", base.Add(30*time.Second), cron.RunStateSucceeded, ""))

		run, err := s.GetRun(ctx, "t-1")
		require.NoError(t, err)
		assert.Equal(t, cron.RunStateSucceeded, run.State)
		assert.True(t, run.Finished.Equal(base.Add(30*time.Second)))

		runs, err := s.ListRuns(ctx, "backup")
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, "t-1", runs[0].TaskID, "runs list in start order")

		pruned, err := s.PruneRuns(ctx, base.Add(30*time.Second))
		require.NoError(t, err)
		assert.EqualValues(t, 1, pruned)

		require.NoError(t, s.DeleteRuns(ctx, "backup"))
		runs, err = s.ListRuns(ctx, "backup")
		require.NoError(t, err)
		assert.Empty(t, runs)
	})
}

func TestNamedLocks(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Store, setClock func(func() time.Time)) {
		ctx := context.Background()
		now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
		setClock(func() time.Time { return now })

		ok, err := s.TryLock(ctx, "leader/cron", "a", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.TryLock(ctx, "leader/cron", "b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "a held lock rejects other owners")

		// The holder renews freely.
		ok, err = s.TryLock(ctx, "leader/cron", "a", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		// Unlock by a non-owner changes nothing.
		require.NoError(t, s.Unlock(ctx, "leader/cron", "b"))
		ok, err = s.TryLock(ctx, "leader/cron", "b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		// Expiry hands the lock over.
		now = now.Add(2 * time.Minute)
		ok, err = s.TryLock(ctx, "leader/cron", "b", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, s.Unlock(ctx, "leader/cron", "b"))
		ok, err = s.TryLock(ctx, "leader/cron", "a", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "an unlocked key is immediately acquirable")
	})
}

func TestSQLiteRoundTripsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	ctx := context.Background()

	s, err := openSQLite(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	seedJob(t, s, "backup")
	require.NoError(t, s.Close())

	s, err = openSQLite(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	defer s.Close()

	rec, err := s.Read(ctx, "backup")
	require.NoError(t, err)
	assert.Equal(t, "noop", rec.Spec.TaskName)
}

func TestOpenSelectsDriver(t *testing.T) {
	s, err := Open(Config{Driver: "memory"}, logx.Nop())
	require.NoError(t, err)
	_, ok := s.(*Memory)
	assert.True(t, ok)

	_, err = Open(Config{Driver: "postgres"}, logx.Nop())
	require.Error(t, err)

	s, err = Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
