package cron

import "context"

// Manager is the management surface over jobs. Access control is the
// caller's responsibility; these operations trust their input.
type Manager struct {
	reg   *Registry
	sched *Scheduler
}

func NewManager(reg *Registry, sched *Scheduler) *Manager {
	return &Manager{reg: reg, sched: sched}
}

// CreateJob registers a new job in the disabled state. Anyone may create a
// job; enabling it is a separate, auditable step.
func (m *Manager) CreateJob(ctx context.Context, spec JobSpec) (string, error) {
	return m.reg.Schedule(ctx, spec, WithDisabled(true))
}

func (m *Manager) EnableJob(ctx context.Context, id string) error  { return m.reg.Enable(ctx, id) }
func (m *Manager) DisableJob(ctx context.Context, id string) error { return m.reg.Disable(ctx, id) }
func (m *Manager) DeleteJob(ctx context.Context, id string) error  { return m.reg.Delete(ctx, id) }

// ForceRun drives one scheduling pass for a single job regardless of its
// due time or disabled flag. The run still respects the lease protocol and
// overrun policy.
func (m *Manager) ForceRun(ctx context.Context, id string) error {
	return m.sched.RunOnce(ctx, []string{id}, true)
}

// ListJobs enumerates all job names.
func (m *Manager) ListJobs(ctx context.Context) ([]string, error) {
	return m.reg.List(ctx)
}

// GetJob returns a snapshot of one job record.
func (m *Manager) GetJob(ctx context.Context, id string) (JobRecord, error) {
	return m.reg.Get(ctx, id)
}
