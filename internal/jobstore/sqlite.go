package jobstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"cronfleet/internal/cron"
	"cronfleet/pkg/logx"
)

//go:embed migrations.sql
var migrations string

const defaultBusyTimeout = 5 * time.Second

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./crond.db"
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("jobstore: create db dir: %w", err)
		}
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path, busy.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("jobstore: open sqlite: %w", err)
	}
	// Single connection: the sqlite driver serializes writers anyway, and one
	// conn keeps read-modify-write sequences from interleaving.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("jobstore: migrate: %w", err)
	}

	log.Debug("job store opened", logx.String("driver", "sqlite"), logx.String("path", path))
	return &sqliteStore{db: db, log: log, now: time.Now}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

// ---- job records ----

const jobColumns = `name, task_name, task_args, periodicity_ms, schedule, lifetime_ms,
	start_time_ms, allow_overruns, disabled, current_task_id, last_run_ms,
	last_run_status, custom_state, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (cron.JobRecord, error) {
	var (
		rec           cron.JobRecord
		periodicityMs int64
		lifetimeMs    int64
		startMs       int64
		lastRunMs     int64
		allowOverruns int
		disabled      int
	)
	err := row.Scan(
		&rec.Name, &rec.Spec.TaskName, &rec.Spec.TaskArgs, &periodicityMs,
		&rec.Spec.Schedule, &lifetimeMs, &startMs, &allowOverruns, &disabled,
		&rec.CurrentTaskID, &lastRunMs, (*string)(&rec.LastRunStatus),
		&rec.CustomState, &rec.Version,
	)
	if err != nil {
		return cron.JobRecord{}, err
	}
	rec.Spec.Periodicity = time.Duration(periodicityMs) * time.Millisecond
	rec.Spec.Lifetime = time.Duration(lifetimeMs) * time.Millisecond
	rec.Spec.StartTime = msToTime(startMs)
	rec.Spec.AllowOverruns = allowOverruns != 0
	rec.Disabled = disabled != 0
	rec.LastRunTime = msToTime(lastRunMs)
	return rec, nil
}

func jobArgs(rec cron.JobRecord) []any {
	return []any{
		rec.Spec.TaskName, rec.Spec.TaskArgs, rec.Spec.Periodicity.Milliseconds(),
		rec.Spec.Schedule, rec.Spec.Lifetime.Milliseconds(), timeToMs(rec.Spec.StartTime),
		boolToInt(rec.Spec.AllowOverruns), boolToInt(rec.Disabled), rec.CurrentTaskID,
		timeToMs(rec.LastRunTime), string(rec.LastRunStatus), rec.CustomState, rec.Version,
	}
}

func (s *sqliteStore) Read(ctx context.Context, name string) (cron.JobRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE name = ?`, name)
	rec, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return cron.JobRecord{}, cron.ErrNotFound
	}
	if err != nil {
		return cron.JobRecord{}, fmt.Errorf("jobstore: read %q: %w", name, err)
	}
	return rec, nil
}

func (s *sqliteStore) Upsert(ctx context.Context, name string, fn cron.UpsertFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("jobstore: begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE name = ?`, name)
	rec, err := scanJob(row)
	found := true
	if errors.Is(err, sql.ErrNoRows) {
		rec, found = cron.JobRecord{Name: name}, false
	} else if err != nil {
		return fmt.Errorf("jobstore: upsert read %q: %w", name, err)
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
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET
			task_name = ?, task_args = ?, periodicity_ms = ?, schedule = ?,
			lifetime_ms = ?, start_time_ms = ?, allow_overruns = ?, disabled = ?,
			current_task_id = ?, last_run_ms = ?, last_run_status = ?,
			custom_state = ?, version = ?
			WHERE name = ?`, append(jobArgs(rec), name)...)
	} else {
		_, err = tx.ExecContext(ctx, `INSERT INTO jobs (task_name, task_args,
			periodicity_ms, schedule, lifetime_ms, start_time_ms, allow_overruns,
			disabled, current_task_id, last_run_ms, last_run_status, custom_state,
			version, name)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, append(jobArgs(rec), name)...)
	}
	if err != nil {
		return fmt.Errorf("jobstore: upsert write %q: %w", name, err)
	}
	return tx.Commit()
}

func (s *sqliteStore) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("jobstore: delete %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cron.ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListJobs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM jobs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("jobstore: list jobs: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// ---- leases ----

func (s *sqliteStore) AcquireLease(ctx context.Context, name string, d time.Duration) (cron.Lease, error) {
	owner := uuid.NewString()
	now := s.now()
	until := now.Add(d)

	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET lease_owner = ?, lease_until_ms = ?
		WHERE name = ? AND (lease_owner = '' OR lease_until_ms < ?)`,
		owner, timeToMs(until), name, timeToMs(now))
	if err != nil {
		return nil, fmt.Errorf("jobstore: acquire lease %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Held, or gone. Distinguish the two.
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE name = ?`, name).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, cron.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("jobstore: acquire lease %q: %w", name, err)
		}
		return nil, cron.ErrLeaseUnavailable
	}

	rec, err := s.Read(ctx, name)
	if err != nil {
		return nil, err
	}
	return &sqliteLease{s: s, name: name, owner: owner, rec: rec}, nil
}

// sqliteLease fences every write on its owner token. A write after the grant
// expired still lands as long as no successor took over; once one has, the
// token no longer matches and the write fails with ErrLeaseLost.
type sqliteLease struct {
	s     *sqliteStore
	name  string
	owner string

	mu  sync.Mutex
	rec cron.JobRecord
}

func (l *sqliteLease) Name() string { return l.name }

func (l *sqliteLease) Record() cron.JobRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rec
}

func (l *sqliteLease) Update(ctx context.Context, fn cron.UpdateFunc) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.rec
	if err := fn(&rec); err != nil {
		return err
	}
	rec.Name = l.name
	rec.Version = l.rec.Version + 1

	res, err := l.s.db.ExecContext(ctx, `UPDATE jobs SET
		task_name = ?, task_args = ?, periodicity_ms = ?, schedule = ?,
		lifetime_ms = ?, start_time_ms = ?, allow_overruns = ?, disabled = ?,
		current_task_id = ?, last_run_ms = ?, last_run_status = ?,
		custom_state = ?, version = ?
		WHERE name = ? AND lease_owner = ?`, append(jobArgs(rec), l.name, l.owner)...)
	if err != nil {
		return fmt.Errorf("jobstore: lease update %q: %w", l.name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cron.ErrLeaseLost
	}
	l.rec = rec
	return nil
}

func (l *sqliteLease) Release(ctx context.Context) error {
	_, err := l.s.db.ExecContext(ctx, `UPDATE jobs SET lease_owner = '', lease_until_ms = 0
		WHERE name = ? AND lease_owner = ?`, l.name, l.owner)
	if err != nil {
		return fmt.Errorf("jobstore: release lease %q: %w", l.name, err)
	}
	return nil
}

// ---- run records ----

func (s *sqliteStore) AppendRun(ctx context.Context, run cron.RunRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO runs
		(task_id, job_name, task_name, started_ms, finished_ms, state, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.TaskID, run.JobName, run.TaskName, timeToMs(run.Started),
		timeToMs(run.Finished), string(run.State), run.Error)
	if err != nil {
		return fmt.Errorf("jobstore: append run %q: %w", run.TaskID, err)
	}
	return nil
}

func (s *sqliteStore) FinishRun(ctx context.Context, taskID string, finishedAt time.Time, state cron.RunState, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET finished_ms = ?, state = ?, error = ?
		WHERE task_id = ?`, timeToMs(finishedAt), string(state), errMsg, taskID)
	if err != nil {
		return fmt.Errorf("jobstore: finish run %q: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cron.ErrNotFound
	}
	return nil
}

func (s *sqliteStore) GetRun(ctx context.Context, taskID string) (cron.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT task_id, job_name, task_name, started_ms,
		finished_ms, state, error FROM runs WHERE task_id = ?`, taskID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return cron.RunRecord{}, cron.ErrNotFound
	}
	if err != nil {
		return cron.RunRecord{}, fmt.Errorf("jobstore: get run %q: %w", taskID, err)
	}
	return run, nil
}

func (s *sqliteStore) ListRuns(ctx context.Context, job string) ([]cron.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id, job_name, task_name, started_ms,
		finished_ms, state, error FROM runs WHERE job_name = ? ORDER BY started_ms`, job)
	if err != nil {
		return nil, fmt.Errorf("jobstore: list runs %q: %w", job, err)
	}
	defer rows.Close()

	var runs []cron.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *sqliteStore) DeleteRuns(ctx context.Context, job string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE job_name = ?`, job)
	if err != nil {
		return fmt.Errorf("jobstore: delete runs %q: %w", job, err)
	}
	return nil
}

// PruneRuns also sweeps rows still marked RUNNING past the cutoff: those are
// orphans from workers that died mid-run, and the retention window is far
// longer than any job lifetime.
func (s *sqliteStore) PruneRuns(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_ms < ?`, timeToMs(olderThan))
	if err != nil {
		return 0, fmt.Errorf("jobstore: prune runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanRun(row rowScanner) (cron.RunRecord, error) {
	var (
		run        cron.RunRecord
		startedMs  int64
		finishedMs int64
	)
	err := row.Scan(&run.TaskID, &run.JobName, &run.TaskName, &startedMs,
		&finishedMs, (*string)(&run.State), &run.Error)
	if err != nil {
		return cron.RunRecord{}, err
	}
	run.Started = msToTime(startedMs)
	run.Finished = msToTime(finishedMs)
	return run, nil
}

// ---- named locks ----

func (s *sqliteStore) TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `INSERT INTO locks (key, owner, until_ms) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET owner = excluded.owner, until_ms = excluded.until_ms
		WHERE locks.owner = excluded.owner OR locks.until_ms < ?`,
		key, owner, timeToMs(now.Add(ttl)), timeToMs(now))
	if err != nil {
		return false, fmt.Errorf("jobstore: try lock %q: %w", key, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) Unlock(ctx context.Context, key, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE key = ? AND owner = ?`, key, owner)
	if err != nil {
		return fmt.Errorf("jobstore: unlock %q: %w", key, err)
	}
	return nil
}

// ---- helpers ----

func timeToMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
