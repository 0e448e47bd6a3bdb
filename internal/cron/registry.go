package cron

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"cronfleet/pkg/logx"
)

// State access errors for stateful jobs.
var (
	ErrStateRead  = errors.New("job state read failed")
	ErrStateWrite = errors.New("job state write failed")
)

// stateLeaseDuration bounds the short lease taken for a CustomState write.
const stateLeaseDuration = 30 * time.Second

// Registry is CRUD over job definitions: a thin layer on the store that owns
// the upsert semantics (startTime preservation, change-only writes).
type Registry struct {
	store Store
	log   logx.Logger
}

func NewRegistry(store Store, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{store: store, log: log}
}

// ScheduleOption tweaks a single Schedule call.
type ScheduleOption func(*scheduleOpts)

type scheduleOpts struct {
	name     string
	disabled bool
}

// WithName pins the job name instead of synthesizing one. Used for system
// jobs, which need well-defined persistent names.
func WithName(name string) ScheduleOption {
	return func(o *scheduleOpts) { o.name = name }
}

// WithDisabled creates (or flips) the job in the disabled state.
func WithDisabled(disabled bool) ScheduleOption {
	return func(o *scheduleOpts) { o.disabled = disabled }
}

// Schedule upserts a job definition and returns its name.
//
// Re-registration under an existing name is idempotent with one deliberate
// exception: a previously persisted StartTime always wins, so the randomized
// first-run offset survives worker restarts. Writes are skipped entirely
// when neither the spec nor the disabled flag changed.
func (r *Registry) Schedule(ctx context.Context, spec JobSpec, opts ...ScheduleOption) (string, error) {
	var o scheduleOpts
	for _, opt := range opts {
		opt(&o)
	}

	if err := validateSpec(spec); err != nil {
		return "", err
	}

	name := strings.TrimSpace(o.name)
	if name == "" {
		name = synthesizeName(spec.TaskName)
	}

	err := r.store.Upsert(ctx, name, func(rec *JobRecord, found bool) (bool, error) {
		if !found {
			rec.Name = name
			rec.Spec = spec
			rec.Disabled = o.disabled
			return true, nil
		}

		// Never overwrite an established start time.
		if !rec.Spec.StartTime.IsZero() {
			spec.StartTime = rec.Spec.StartTime
		}

		changed := false
		if !rec.Spec.Equal(spec) {
			rec.Spec = spec
			changed = true
		}
		if rec.Disabled != o.disabled {
			rec.Disabled = o.disabled
			changed = true
		}
		return changed, nil
	})
	if err != nil {
		return "", fmt.Errorf("schedule %s: %w", name, err)
	}

	r.log.Debug("job scheduled", logx.String("job", name), logx.String("task", spec.TaskName), logx.Bool("disabled", o.disabled))
	return name, nil
}

// List enumerates all known job names.
func (r *Registry) List(ctx context.Context) ([]string, error) {
	return r.store.ListJobs(ctx)
}

// Get returns a (possibly stale) snapshot of a job record.
func (r *Registry) Get(ctx context.Context, name string) (JobRecord, error) {
	return r.store.Read(ctx, name)
}

// Enable clears the disabled flag. Idempotent.
func (r *Registry) Enable(ctx context.Context, name string) error {
	return r.setDisabled(ctx, name, false)
}

// Disable sets the disabled flag. Idempotent.
func (r *Registry) Disable(ctx context.Context, name string) error {
	return r.setDisabled(ctx, name, true)
}

func (r *Registry) setDisabled(ctx context.Context, name string, disabled bool) error {
	err := r.store.Upsert(ctx, name, func(rec *JobRecord, found bool) (bool, error) {
		if !found {
			return false, ErrNotFound
		}
		if rec.Disabled == disabled {
			return false, nil
		}
		rec.Disabled = disabled
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("set disabled=%v on %s: %w", disabled, name, err)
	}
	return nil
}

// Delete removes the job record and reclaims every execution record the job
// spawned.
func (r *Registry) Delete(ctx context.Context, name string) error {
	if err := r.store.DeleteRuns(ctx, name); err != nil {
		return fmt.Errorf("delete runs of %s: %w", name, err)
	}
	if err := r.store.Delete(ctx, name); err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	r.log.Info("job deleted", logx.String("job", name))
	return nil
}

// Runs lists the execution records filed under a job.
func (r *Registry) Runs(ctx context.Context, name string) ([]RunRecord, error) {
	return r.store.ListRuns(ctx, name)
}

// ---- Stateful job support ----

// ReadState returns the job's persisted custom state. The read is
// informational and not lease-guarded.
func (r *Registry) ReadState(ctx context.Context, job string) ([]byte, error) {
	rec, err := r.store.Read(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStateRead, job, err)
	}
	return rec.CustomState, nil
}

// WriteState persists the job's custom state under a short lease on the
// record. Because payloads run concurrently with scheduling ticks, lease
// contention here is expected; we retry briefly before giving up.
func (r *Registry) WriteState(ctx context.Context, job string, state []byte) error {
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %s: %v", ErrStateWrite, job, ctx.Err())
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}

		lease, err := r.store.AcquireLease(ctx, job, stateLeaseDuration)
		if errors.Is(err, ErrLeaseUnavailable) {
			lastErr = err
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrStateWrite, job, err)
		}

		err = lease.Update(ctx, func(rec *JobRecord) error {
			rec.CustomState = state
			return nil
		})
		_ = lease.Release(ctx)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrStateWrite, job, err)
		}
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrStateWrite, job, lastErr)
}

func validateSpec(spec JobSpec) error {
	if strings.TrimSpace(spec.TaskName) == "" {
		return fmt.Errorf("job spec: task name is required")
	}
	if spec.Schedule != "" {
		if _, err := ParseSchedule(spec.Schedule); err != nil {
			return fmt.Errorf("job spec: invalid schedule %q: %w", spec.Schedule, err)
		}
	} else if spec.Periodicity <= 0 {
		return fmt.Errorf("job spec: periodicity must be > 0")
	}
	if spec.Lifetime < 0 {
		return fmt.Errorf("job spec: lifetime must be >= 0")
	}
	return nil
}

// synthesizeName builds a unique job name from the task name plus a short
// random suffix.
func synthesizeName(taskName string) string {
	suffix := uuid.NewString()[:8]
	return fmt.Sprintf("%s-%s", taskName, suffix)
}
