package cron

import (
	"context"
	"errors"
	"time"
)

// Store errors. Implementations must return these sentinels (possibly
// wrapped) so callers can branch with errors.Is.
var (
	// ErrNotFound: no record under the given name.
	ErrNotFound = errors.New("job record not found")

	// ErrLeaseUnavailable: the record's lease is held by another worker.
	// Expected during normal operation; never treated as a failure.
	ErrLeaseUnavailable = errors.New("job lease unavailable")

	// ErrLeaseLost: a write through a lease whose grant has expired or been
	// taken over. The mutation was NOT applied.
	ErrLeaseLost = errors.New("job lease lost")
)

// UpsertFunc mutates a record inside a versioned read-modify-write. found
// reports whether a record already existed. Returning changed=false skips
// the write entirely (no version bump).
type UpsertFunc func(rec *JobRecord, found bool) (changed bool, err error)

// UpdateFunc mutates a record through a held lease.
type UpdateFunc func(rec *JobRecord) error

// Store is the persistence layer the scheduler coordinates through.
// Implementations live in internal/jobstore (sqlite, memory).
type Store interface {
	// Read returns a snapshot of the record. The read is not lease-guarded
	// and may be stale with respect to a concurrent lease holder.
	Read(ctx context.Context, name string) (JobRecord, error)

	// Upsert runs fn inside a versioned read-modify-write transaction.
	Upsert(ctx context.Context, name string, fn UpsertFunc) error

	// AcquireLease grants exclusive write access to the record for at most d.
	// It never blocks: if the lease is held it fails fast with
	// ErrLeaseUnavailable.
	AcquireLease(ctx context.Context, name string, d time.Duration) (Lease, error)

	// Delete removes the job record. Child run records are removed separately
	// (DeleteRuns); the registry sequences the two.
	Delete(ctx context.Context, name string) error

	// ListJobs enumerates all job names. Order is unspecified.
	ListJobs(ctx context.Context) ([]string, error)

	// Run records: child execution artifacts filed under their parent job.
	AppendRun(ctx context.Context, run RunRecord) error
	FinishRun(ctx context.Context, taskID string, finishedAt time.Time, status RunState, errMsg string) error
	GetRun(ctx context.Context, taskID string) (RunRecord, error)
	ListRuns(ctx context.Context, job string) ([]RunRecord, error)
	DeleteRuns(ctx context.Context, job string) error
	PruneRuns(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}

// Lease is a held, time-bounded, exclusive grant on one job record.
//
// Every write is fenced by the lease's owner token: if the grant expired and
// another worker took over, Update fails with ErrLeaseLost and the record is
// untouched. This keeps a slow holder from clobbering a successor's state
// even though task lifetimes may exceed the lease duration.
type Lease interface {
	Name() string

	// Record returns the snapshot read at acquisition, refreshed after each
	// successful Update.
	Record() JobRecord

	// Update applies fn to the current record and persists it, bumping the
	// version. Fails with ErrLeaseLost if the lease is no longer held.
	Update(ctx context.Context, fn UpdateFunc) error

	// Release gives the lease up early. Releasing an already-lost lease is
	// not an error.
	Release(ctx context.Context) error
}

// RunState is the persisted lifecycle state of one execution record.
type RunState string

const (
	RunStateRunning    RunState = "RUNNING"
	RunStateSucceeded  RunState = "SUCCEEDED"
	RunStateFailed     RunState = "FAILED"
	RunStateTerminated RunState = "TERMINATED"
)

// RunRecord is the child execution artifact a job files for each run it
// starts. Deleting a job reclaims all of its run records.
type RunRecord struct {
	TaskID   string    `json:"task_id"`
	JobName  string    `json:"job_name"`
	TaskName string    `json:"task_name"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished,omitempty"`
	State    RunState  `json:"state"`
	Error    string    `json:"error,omitempty"`
}
