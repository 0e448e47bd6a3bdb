package config

// Config is the on-disk daemon configuration. JSON and YAML are both
// accepted; YAML is coerced to JSON and decoded strictly, so unknown keys
// are rejected in either format.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Metrics MetricsConfig `json:"metrics,omitempty"`
	Pprof   PprofConfig   `json:"pprof,omitempty"`

	// Cron controls the scheduling worker loop.
	Cron CronConfig `json:"cron"`

	// Leader controls how this process decides whether it schedules.
	Leader LeaderConfig `json:"leader,omitempty"`

	// TaskEngine controls payload execution.
	TaskEngine TaskEngineConfig `json:"task_engine,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the job store backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "/var/lib/crond/crond.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// MetricsConfig controls the Prometheus endpoint. Prefer binding to
// localhost unless the scrape network is trusted.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9153"
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly
//     allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// CronConfig controls the scheduling loop.
//
// Defaults (when fields are omitted/zero):
//   - tick: "5m"
//   - lease_duration: "10m"
//   - run_retention: "168h"
//   - system_jobs: all registered system job types enabled
type CronConfig struct {
	Tick          string `json:"tick,omitempty"`
	LeaseDuration string `json:"lease_duration,omitempty"`

	// RunRetention bounds how long finished execution records are kept.
	RunRetention string `json:"run_retention,omitempty"`

	// SystemJobs names the built-in job types to enable. Omitted means all;
	// an unknown name is a startup error.
	SystemJobs []string `json:"system_jobs,omitempty"`
}

// LeaderConfig controls scheduling leadership.
//
// Mode values:
//   - "lease" (default): compete for a store-backed leadership lock
//   - "always": schedule unconditionally (single-process deployments)
//   - "never": never schedule (management-only instances)
type LeaderConfig struct {
	Mode string `json:"mode,omitempty"`
	Key  string `json:"key,omitempty"`
	TTL  string `json:"ttl,omitempty"`
}

// TaskEngineConfig controls the payload worker pool.
//
// Defaults: workers 4, queue_size 64.
type TaskEngineConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`
}
