package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cronfleet/pkg/logx"
)

// ErrUnknownSystemJob: an enabled system job name has no catalog entry.
// This indicates a deployment mismatch and aborts initialization.
var ErrUnknownSystemJob = errors.New("enabled system job is not a known job type")

// Built-in job type names.
const (
	JobTypeRunJanitor     = "run-janitor"
	JobTypeStoreHeartbeat = "store-heartbeat"
)

// DefaultRunRetention is how long finished execution records are kept before
// the janitor reclaims them.
const DefaultRunRetention = 7 * 24 * time.Hour

// heartbeatState is the custom state the heartbeat job carries between
// iterations.
type heartbeatState struct {
	Beats  uint64    `json:"beats"`
	LastAt time.Time `json:"last_at"`
}

// RegisterSystemJobs installs the built-in job types into the catalog.
//
// run-janitor prunes old execution records from the store; store-heartbeat
// is a cheap stateful liveness job that counts its own iterations in the
// job's custom state (and exercises the state path end to end).
func RegisterSystemJobs(c *Catalog, store Store, retention time.Duration, log logx.Logger) error {
	if retention <= 0 {
		retention = DefaultRunRetention
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	janitor := JobType{
		Name:           JobTypeRunJanitor,
		Periodicity:    24 * time.Hour,
		Lifetime:       20 * time.Hour,
		RandomizeStart: true,
		Run: func(ctx context.Context, rc RunContext) error {
			cutoff := time.Now().Add(-retention)
			n, err := store.PruneRuns(ctx, cutoff)
			if err != nil {
				return fmt.Errorf("prune run records: %w", err)
			}
			log.Info("run records pruned", logx.Int64("count", n), logx.Time("cutoff", cutoff))
			return nil
		},
	}

	heartbeat := JobType{
		Name:        JobTypeStoreHeartbeat,
		Periodicity: time.Hour,
		Lifetime:    10 * time.Minute,
		// Heartbeats should fire promptly after a fleet restart, so no
		// start-time randomization.
		RandomizeStart: false,
		Run: func(ctx context.Context, rc RunContext) error {
			var st heartbeatState
			raw, err := rc.States.ReadState(ctx, rc.Job)
			if err != nil {
				return err
			}
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &st); err != nil {
					// Corrupt state restarts the counter rather than wedging
					// the job forever.
					log.Warn("heartbeat state unreadable; resetting", logx.String("job", rc.Job), logx.Err(err))
					st = heartbeatState{}
				}
			}
			st.Beats++
			st.LastAt = time.Now()

			out, err := json.Marshal(st)
			if err != nil {
				return fmt.Errorf("encode heartbeat state: %w", err)
			}
			return rc.States.WriteState(ctx, rc.Job, out)
		},
	}

	for _, jt := range []JobType{janitor, heartbeat} {
		if err := c.Register(jt); err != nil {
			return err
		}
	}
	return nil
}
