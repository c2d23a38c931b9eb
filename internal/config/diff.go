package config

import (
	"reflect"
	"strings"

	logx "taskclock/pkg/logx"
)

// SummarizeChange returns the changed sections and fields suitable for a
// single reload log line.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 8)

	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Clock != newCfg.Clock {
		changed = append(changed, "clock")
		attrs = append(attrs,
			logx.Int("clock.queue_capacity", newCfg.Clock.QueueCapacity),
			logx.String("clock.max_sleep", newCfg.Clock.MaxSleep),
			logx.Int("clock.workers", newCfg.Clock.Workers),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
		attrs = append(attrs, logx.Bool("systemd.watchdog", newCfg.Systemd.Watchdog))
	}

	// never log the token
	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
		)
	}

	if oldCfg.Output != newCfg.Output {
		changed = append(changed, "output")
		attrs = append(attrs, logx.String("output.path", strings.TrimSpace(newCfg.Output.Path)))
	}

	if !reflect.DeepEqual(oldCfg.Jobs, newCfg.Jobs) {
		changed = append(changed, "jobs")
		attrs = append(attrs, logx.Int("jobs.count", len(newCfg.Jobs)))
	}

	return changed, attrs
}

// RequiresRestart reports whether the change touches settings that only take
// effect when the clock is rebuilt.
func RequiresRestart(changed []string) bool {
	for _, s := range changed {
		switch s {
		case "clock", "jobs", "systemd", "output":
			return true
		}
	}
	return false
}
