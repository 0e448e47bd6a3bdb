package cron

import (
	"context"
	"fmt"
	"time"

	"cronfleet/internal/eventbus"
	"cronfleet/internal/metrics"
	"cronfleet/pkg/logx"
)

// Job binds a leased record to the collaborators needed to drive one
// scheduling pass. It exists only while its lease is held; the scheduler
// constructs one per leased job and discards it when the pass ends.
type Job struct {
	lease  Lease
	engine TaskEngine
	mx     *metrics.Metrics
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time
}

// Run advances the job's state machine. Steps are evaluated in a fixed
// order; all of them happen under the job's lease:
//
//  1. kill an overrunning task whose lifetime expired (and stop);
//  2. reconcile a finished run into LastRunStatus;
//  3. stop unless forced or due to run;
//  4. start a new run.
func (j *Job) Run(ctx context.Context, force bool) error {
	killed, err := j.killOverrun(ctx)
	if err != nil {
		return err
	}
	if killed {
		// No new run starts in the same pass that enforced a timeout.
		return nil
	}

	if err := j.reconcile(ctx); err != nil {
		return err
	}

	rec := j.lease.Record()
	if !force && !rec.DueToRun(j.now()) {
		return nil
	}
	// Forcing bypasses the due-time gate, never the overrun policy.
	if force && !rec.Spec.AllowOverruns && rec.CurrentTaskID != "" {
		return nil
	}

	return j.start(ctx)
}

// killOverrun enforces the job spec's lifetime bound on the outstanding run.
// The termination request is best-effort: bookkeeping is cleared whether or
// not the engine confirms.
func (j *Job) killOverrun(ctx context.Context) (bool, error) {
	rec := j.lease.Record()
	if rec.CurrentTaskID == "" || rec.Spec.Lifetime <= 0 {
		return false, nil
	}

	now := j.now()
	elapsed := now.Sub(rec.LastRunTime)
	if elapsed <= rec.Spec.Lifetime {
		return false, nil
	}

	handle := rec.CurrentTaskID
	if err := j.engine.Terminate(ctx, handle, "job lifetime exceeded", true); err != nil {
		j.log.Warn("terminate request failed",
			logx.String("job", rec.Name), logx.String("task_id", handle), logx.Err(err))
	}

	err := j.lease.Update(ctx, func(rec *JobRecord) error {
		rec.LastRunStatus = RunStatusTimeout
		rec.CurrentTaskID = ""
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("record timeout of %s: %w", rec.Name, err)
	}

	j.mx.IncJobTimeout(rec.Name)
	j.mx.ObserveJobLatency(rec.Name, elapsed)
	j.publish("job.timeout", JobEvent{Job: rec.Name, Task: handle, Status: RunStatusTimeout, Elapsed: elapsed, Reason: "lifetime exceeded"})
	j.log.Warn("job run killed: lifetime exceeded",
		logx.String("job", rec.Name),
		logx.String("task_id", handle),
		logx.Duration("elapsed", elapsed),
		logx.Duration("lifetime", rec.Spec.Lifetime))
	return true, nil
}

// reconcile folds a finished run's outcome into the record. A handle the
// engine no longer recognizes means the worker executing it died mid-run;
// that counts as a failure.
func (j *Job) reconcile(ctx context.Context) error {
	rec := j.lease.Record()
	if rec.CurrentTaskID == "" {
		return nil
	}

	status, err := j.engine.Status(ctx, rec.CurrentTaskID)
	if err != nil {
		j.log.Warn("task status unknown; treating as failed",
			logx.String("job", rec.Name), logx.String("task_id", rec.CurrentTaskID), logx.Err(err))
		status = TaskFailed
	}
	if !status.Terminal() {
		return nil
	}

	outcome := RunStatusOK
	if status == TaskFailed {
		outcome = RunStatusError
	}
	elapsed := j.now().Sub(rec.LastRunTime)
	handle := rec.CurrentTaskID

	err = j.lease.Update(ctx, func(rec *JobRecord) error {
		rec.LastRunStatus = outcome
		rec.CurrentTaskID = ""
		return nil
	})
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", rec.Name, err)
	}

	if outcome == RunStatusError {
		j.mx.IncJobFailure(rec.Name)
		j.publish("job.failed", JobEvent{Job: rec.Name, Task: handle, Status: outcome, Elapsed: elapsed})
	} else {
		j.publish("job.finished", JobEvent{Job: rec.Name, Task: handle, Status: outcome, Elapsed: elapsed})
	}
	j.mx.ObserveJobLatency(rec.Name, elapsed)
	j.log.Info("job run reconciled",
		logx.String("job", rec.Name),
		logx.String("task_id", handle),
		logx.String("status", string(outcome)),
		logx.Duration("elapsed", elapsed))
	return nil
}

// start launches a new run through the task engine and records it. Start is
// fire-and-forget: the payload executes beyond this lease's lifetime.
func (j *Job) start(ctx context.Context) error {
	rec := j.lease.Record()

	handle, err := j.engine.Start(ctx, TaskSpec{
		TaskName: rec.Spec.TaskName,
		Args:     rec.Spec.TaskArgs,
		Parent:   rec.Name,
	})
	if err != nil {
		return fmt.Errorf("start task for %s: %w", rec.Name, err)
	}

	started := j.now()
	err = j.lease.Update(ctx, func(rec *JobRecord) error {
		rec.CurrentTaskID = handle
		rec.LastRunTime = started
		return nil
	})
	if err != nil {
		// The task is already off; ask the engine to stop it so a lost lease
		// doesn't leave an untracked run behind.
		_ = j.engine.Terminate(ctx, handle, "bookkeeping write failed", true)
		return fmt.Errorf("record start of %s: %w", rec.Name, err)
	}

	j.publish("job.started", JobEvent{Job: rec.Name, Task: handle})
	j.log.Info("job run started",
		logx.String("job", rec.Name),
		logx.String("task", rec.Spec.TaskName),
		logx.String("task_id", handle))
	return nil
}

func (j *Job) publish(typ string, ev JobEvent) {
	if j.bus == nil {
		return
	}
	j.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
