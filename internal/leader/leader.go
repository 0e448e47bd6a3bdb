// Package leader decides which process in the fleet performs scheduling
// work. The scheduler itself is safe to run anywhere (per-job leases protect
// the records); leadership just keeps non-leaders from burning ticks.
package leader

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"cronfleet/pkg/logx"
)

// Elector reports whether this process currently holds scheduling
// leadership. Implementations must be cheap: the worker loop asks on every
// tick.
type Elector interface {
	IsLeader() bool
}

// Static is a fixed answer, for deployments where leadership is decided
// externally (or single-process setups).
type Static bool

func (s Static) IsLeader() bool { return bool(s) }

// Locker is the store-side primitive a LeaseElector coordinates through.
// TryLock acquires (or renews, when owner already holds it) a named lock for
// ttl, without blocking.
type Locker interface {
	TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, owner string) error
}

const (
	// DefaultKey is the well-known lock name for scheduling leadership.
	DefaultKey = "leader/cron"

	// DefaultTTL bounds how long a dead leader blocks the fleet.
	DefaultTTL = 60 * time.Second
)

// Config controls a LeaseElector.
type Config struct {
	Key string
	TTL time.Duration
}

// LeaseElector maintains a store lock under a process-unique owner token.
// Whoever holds the lock is leader; when the holder dies, its grant expires
// and another process wins the next renewal round.
type LeaseElector struct {
	cfg    Config
	locker Locker
	owner  string
	log    logx.Logger

	leading atomic.Bool
}

func NewLeaseElector(cfg Config, locker Locker, log logx.Logger) *LeaseElector {
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LeaseElector{
		cfg:    cfg,
		locker: locker,
		owner:  uuid.NewString(),
		log:    log,
	}
}

func (e *LeaseElector) IsLeader() bool { return e.leading.Load() }

// Owner returns the process-unique token this elector locks with.
func (e *LeaseElector) Owner() string { return e.owner }

// Run acquires and renews the leadership lock until ctx is cancelled, then
// releases it so a successor doesn't have to wait out the TTL. Renewal runs
// at a third of the TTL so one missed round doesn't drop leadership.
func (e *LeaseElector) Run(ctx context.Context) error {
	interval := e.cfg.TTL / 3
	if interval < time.Second {
		interval = time.Second
	}

	for {
		ok, err := e.locker.TryLock(ctx, e.cfg.Key, e.owner, e.cfg.TTL)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			e.log.Warn("leadership lock attempt failed", logx.Err(err))
			ok = false
		}

		was := e.leading.Swap(ok)
		switch {
		case ok && !was:
			e.log.Info("acquired scheduling leadership", logx.String("key", e.cfg.Key))
		case !ok && was:
			e.log.Warn("lost scheduling leadership", logx.String("key", e.cfg.Key))
		}

		select {
		case <-ctx.Done():
			goto done
		case <-time.After(interval):
		}
	}

done:
	e.leading.Store(false)
	// Best-effort handover; the TTL covers us if this fails.
	releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.locker.Unlock(releaseCtx, e.cfg.Key, e.owner); err != nil {
		e.log.Debug("leadership unlock failed", logx.Err(err))
	}
	return ctx.Err()
}
