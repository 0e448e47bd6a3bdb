package cron

import (
	"bytes"
	"context"
	"time"

	robfig "github.com/robfig/cron/v3"
)

// RunStatus records the terminal outcome of a job's most recent run.
// It stays empty until the first run completes.
type RunStatus string

const (
	RunStatusNone    RunStatus = ""
	RunStatusOK      RunStatus = "OK"
	RunStatusError   RunStatus = "ERROR"
	RunStatusTimeout RunStatus = "TIMEOUT"
)

// JobSpec is the definition supplied when a job is scheduled. It is treated
// as immutable by the scheduler; re-scheduling under the same name replaces
// the spec wholesale (except StartTime, which the registry preserves).
type JobSpec struct {
	// TaskName identifies the payload in the job-type catalog.
	TaskName string `json:"task_name"`
	// TaskArgs is an opaque blob handed to the task engine.
	TaskArgs []byte `json:"task_args,omitempty"`

	// Periodicity is the interval between runs.
	Periodicity time.Duration `json:"periodicity"`
	// Schedule optionally replaces Periodicity with a cron expression
	// (standard 5-field syntax or a descriptor like "@daily"). When set,
	// the next due time is Schedule evaluated from the last run time.
	Schedule string `json:"schedule,omitempty"`

	// Lifetime bounds a single run; 0 means unbounded. Runs exceeding it are
	// forcibly terminated and recorded as TIMEOUT.
	Lifetime time.Duration `json:"lifetime,omitempty"`

	// StartTime is the earliest instant the job may first run.
	StartTime time.Time `json:"start_time,omitempty"`

	// AllowOverruns permits starting a new run while a previous one is still
	// executing.
	AllowOverruns bool `json:"allow_overruns,omitempty"`
}

// Equal reports whether two specs are identical field-for-field.
func (s JobSpec) Equal(o JobSpec) bool {
	return s.TaskName == o.TaskName &&
		bytes.Equal(s.TaskArgs, o.TaskArgs) &&
		s.Periodicity == o.Periodicity &&
		s.Schedule == o.Schedule &&
		s.Lifetime == o.Lifetime &&
		s.StartTime.Equal(o.StartTime) &&
		s.AllowOverruns == o.AllowOverruns
}

// JobRecord is the persisted, mutable state of one job, keyed by Name.
// All mutation happens under the record's lease (or through the store's
// versioned upsert); plain reads tolerate staleness.
type JobRecord struct {
	Name string `json:"name"`

	Spec     JobSpec `json:"spec"`
	Disabled bool    `json:"disabled"`

	// CurrentTaskID is set iff the scheduler believes a run is outstanding.
	// It is cleared in the same write that records the run's terminal status.
	CurrentTaskID string `json:"current_task_id,omitempty"`

	// LastRunTime is set when a run is started, never on reconciliation.
	LastRunTime   time.Time `json:"last_run_time,omitempty"`
	LastRunStatus RunStatus `json:"last_run_status,omitempty"`

	// CustomState carries opaque per-job state between iterations.
	CustomState []byte `json:"custom_state,omitempty"`

	// Version is store bookkeeping for optimistic concurrency.
	Version int64 `json:"version"`
}

// IsRunning reports whether a run is believed outstanding. Informational
// only: the underlying read may be stale.
func (r JobRecord) IsRunning() bool { return r.CurrentTaskID != "" }

// nextDue returns the instant the job's periodicity expires, given the last
// run time. A zero lastRun counts as already expired.
func (r JobRecord) nextDue() (time.Time, bool) {
	if r.LastRunTime.IsZero() {
		return time.Time{}, true
	}
	if r.Spec.Schedule != "" {
		sched, err := ParseSchedule(r.Spec.Schedule)
		if err == nil {
			return sched.Next(r.LastRunTime), false
		}
		// Unparseable schedules fall back to plain periodicity; the registry
		// validates expressions up front, so this only covers hand-edited rows.
	}
	return r.LastRunTime.Add(r.Spec.Periodicity), false
}

// DueToRun decides whether the job should start a new run at now.
//
// The decision is a pure function of the record and the clock:
//   - disabled jobs are never due;
//   - the periodicity (or cron schedule) must have expired since the last run;
//   - the job's start time must have passed;
//   - unless overruns are allowed, no run may currently be outstanding.
func (r JobRecord) DueToRun(now time.Time) bool {
	if r.Disabled {
		return false
	}

	due, expired := r.nextDue()
	if !expired && !now.After(due) {
		return false
	}
	if now.Before(r.Spec.StartTime) {
		return false
	}
	if r.Spec.AllowOverruns {
		return true
	}
	return r.CurrentTaskID == ""
}

// ParseSchedule parses a cron expression using the standard 5-field parser
// with descriptor support ("@daily", "@every 4h", ...).
func ParseSchedule(expr string) (robfig.Schedule, error) {
	return robfig.ParseStandard(expr)
}

// ---- Task engine contract ----

// TaskStatus is the execution state reported by the task engine.
type TaskStatus int

const (
	TaskRunning TaskStatus = iota
	TaskSucceeded
	TaskFailed
)

func (s TaskStatus) Terminal() bool { return s != TaskRunning }

func (s TaskStatus) String() string {
	switch s {
	case TaskRunning:
		return "running"
	case TaskSucceeded:
		return "succeeded"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TaskSpec describes one asynchronous execution of a job's payload.
type TaskSpec struct {
	TaskName string
	Args     []byte
	// Parent is the owning job name; execution records are filed under it.
	Parent string
}

// TaskEngine starts, queries and terminates asynchronous task executions.
// Start must return immediately; the run proceeds independently of any lease
// the caller holds.
type TaskEngine interface {
	Start(ctx context.Context, spec TaskSpec) (handle string, err error)
	Status(ctx context.Context, handle string) (TaskStatus, error)
	// Terminate is best-effort; callers do not wait for confirmation.
	Terminate(ctx context.Context, handle, reason string, force bool) error
}

// JobEvent is published on the event bus for job lifecycle transitions.
type JobEvent struct {
	Job     string        `json:"job"`
	Task    string        `json:"task,omitempty"`
	Status  RunStatus     `json:"status,omitempty"`
	Elapsed time.Duration `json:"elapsed,omitempty"`
	Reason  string        `json:"reason,omitempty"`
}
