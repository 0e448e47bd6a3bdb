package config

import (
	"fmt"
	"strings"
	"time"
)

// Interval settings (cron.tick, cron.lease_duration, leader.ttl, ...) are
// Go duration strings in the config file. They stay raw strings on the
// Config structs; callers parse them here so a bad value names the exact
// field in the error.

// ParseDurationField parses one duration setting. Empty means unset and
// parses to zero; negative values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for unset
// fields, used for the settings that carry a built-in default.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
