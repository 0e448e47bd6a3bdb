package jobstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cronfleet/internal/cron"
	"cronfleet/pkg/logx"
)

// Config configures the job store.
//
// Driver values:
//   - "sqlite": SQLite database file (the default production driver)
//   - "memory": process-local store (tests, ephemeral runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the full persistence surface: the scheduler's record/lease API
// plus the fleet-wide named locks used for leader election.
type Store interface {
	cron.Store

	// TryLock acquires or renews a named lock for ttl without blocking.
	// It reports false when another owner holds an unexpired grant.
	TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, owner string) error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory", "mem":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown jobstore driver: " + cfg.Driver)
	}
}
