package jobstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"cronfleet/internal/cron"
)

// Memory is a process-local store. Semantics mirror the sqlite driver,
// including owner-fenced lease writes.
type Memory struct {
	mu    sync.Mutex
	jobs  map[string]*memJob
	runs  map[string]cron.RunRecord
	locks map[string]memLock
	now   func() time.Time
}

type memJob struct {
	rec        cron.JobRecord
	leaseOwner string
	leaseUntil time.Time
}

type memLock struct {
	owner string
	until time.Time
}

func NewMemory() *Memory {
	return &Memory{
		jobs:  make(map[string]*memJob),
		runs:  make(map[string]cron.RunRecord),
		locks: make(map[string]memLock),
		now:   time.Now,
	}
}

// SetClock replaces the time source. Test hook.
func (m *Memory) SetClock(now func() time.Time) { m.now = now }

func (m *Memory) Close() error { return nil }

// ---- job records ----

func (m *Memory) Read(ctx context.Context, name string) (cron.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[name]
	if !ok {
		return cron.JobRecord{}, cron.ErrNotFound
	}
	return cloneRecord(j.rec), nil
}

func (m *Memory) Upsert(ctx context.Context, name string, fn cron.UpsertFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, found := m.jobs[name]
	var rec cron.JobRecord
	if found {
		rec = cloneRecord(j.rec)
	} else {
		rec = cron.JobRecord{Name: name}
	}

	changed, err := fn(&rec, found)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	rec.Name = name
	rec.Version++
	if found {
		j.rec = rec
	} else {
		m.jobs[name] = &memJob{rec: rec}
	}
	return nil
}

func (m *Memory) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[name]; !ok {
		return cron.ErrNotFound
	}
	delete(m.jobs, name)
	return nil
}

func (m *Memory) ListJobs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.jobs))
	for name := range m.jobs {
		names = append(names, name)
	}
	return names, nil
}

// ---- leases ----

func (m *Memory) AcquireLease(ctx context.Context, name string, d time.Duration) (cron.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[name]
	if !ok {
		return nil, cron.ErrNotFound
	}
	now := m.now()
	if j.leaseOwner != "" && j.leaseUntil.After(now) {
		return nil, cron.ErrLeaseUnavailable
	}

	owner := uuid.NewString()
	j.leaseOwner = owner
	j.leaseUntil = now.Add(d)
	return &memLease{m: m, name: name, owner: owner, rec: cloneRecord(j.rec)}, nil
}

type memLease struct {
	m     *Memory
	name  string
	owner string

	mu  sync.Mutex
	rec cron.JobRecord
}

func (l *memLease) Name() string { return l.name }

func (l *memLease) Record() cron.JobRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return cloneRecord(l.rec)
}

func (l *memLease) Update(ctx context.Context, fn cron.UpdateFunc) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := cloneRecord(l.rec)
	if err := fn(&rec); err != nil {
		return err
	}
	rec.Name = l.name
	rec.Version = l.rec.Version + 1

	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	j, ok := l.m.jobs[l.name]
	if !ok || j.leaseOwner != l.owner {
		return cron.ErrLeaseLost
	}
	j.rec = cloneRecord(rec)
	l.rec = rec
	return nil
}

func (l *memLease) Release(ctx context.Context) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	if j, ok := l.m.jobs[l.name]; ok && j.leaseOwner == l.owner {
		j.leaseOwner = ""
		j.leaseUntil = time.Time{}
	}
	return nil
}

// ---- run records ----

func (m *Memory) AppendRun(ctx context.Context, run cron.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.runs[run.TaskID] = run
	return nil
}

func (m *Memory) FinishRun(ctx context.Context, taskID string, finishedAt time.Time, state cron.RunState, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[taskID]
	if !ok {
		return cron.ErrNotFound
	}
	run.Finished = finishedAt
	run.State = state
	run.Error = errMsg
	m.runs[taskID] = run
	return nil
}

func (m *Memory) GetRun(ctx context.Context, taskID string) (cron.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[taskID]
	if !ok {
		return cron.RunRecord{}, cron.ErrNotFound
	}
	return run, nil
}

func (m *Memory) ListRuns(ctx context.Context, job string) ([]cron.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var runs []cron.RunRecord
	for _, run := range m.runs {
		if run.JobName == job {
			runs = append(runs, run)
		}
	}
	sortRuns(runs)
	return runs, nil
}

func (m *Memory) DeleteRuns(ctx context.Context, job string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, run := range m.runs {
		if run.JobName == job {
			delete(m.runs, id)
		}
	}
	return nil
}

func (m *Memory) PruneRuns(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, run := range m.runs {
		if run.Started.Before(olderThan) {
			delete(m.runs, id)
			n++
		}
	}
	return n, nil
}

// ---- named locks ----

func (m *Memory) TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	lk, held := m.locks[key]
	if held && lk.owner != owner && lk.until.After(now) {
		return false, nil
	}
	m.locks[key] = memLock{owner: owner, until: now.Add(ttl)}
	return true, nil
}

func (m *Memory) Unlock(ctx context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lk, ok := m.locks[key]; ok && lk.owner == owner {
		delete(m.locks, key)
	}
	return nil
}

// ---- helpers ----

func cloneRecord(rec cron.JobRecord) cron.JobRecord {
	cp := rec
	cp.Spec.TaskArgs = append([]byte(nil), rec.Spec.TaskArgs...)
	cp.CustomState = append([]byte(nil), rec.CustomState...)
	return cp
}

func sortRuns(runs []cron.RunRecord) {
	sort.Slice(runs, func(i, j int) bool { return runs[i].Started.Before(runs[j].Started) })
}
