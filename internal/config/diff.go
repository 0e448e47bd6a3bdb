package config

import (
	"reflect"
	"sort"
	"strings"

	"cronfleet/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging the reload.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Metrics, newCfg.Metrics) {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(newCfg.Metrics.Addr)),
		)
	}

	// Never log the pprof token; surface only whether one is set.
	if !reflect.DeepEqual(oldCfg.Pprof, newCfg.Pprof) {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Cron, newCfg.Cron) {
		changed = append(changed, "cron")
		attrs = append(attrs,
			logx.String("cron.tick", strings.TrimSpace(newCfg.Cron.Tick)),
			logx.String("cron.lease_duration", strings.TrimSpace(newCfg.Cron.LeaseDuration)),
			logx.Int("cron.system_jobs", len(newCfg.Cron.SystemJobs)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Leader, newCfg.Leader) {
		changed = append(changed, "leader")
		attrs = append(attrs,
			logx.String("leader.mode", strings.TrimSpace(newCfg.Leader.Mode)),
			logx.String("leader.ttl", strings.TrimSpace(newCfg.Leader.TTL)),
		)
	}

	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
			logx.Int("task_engine.queue_size", newCfg.TaskEngine.QueueSize),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
