package config

import (
	"strings"
	"time"

	"taskclock/internal/clock"
	"taskclock/internal/observability/debughttp"
	logx "taskclock/pkg/logx"
)

// Config is the clockd configuration file. Durations are Go duration strings
// (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Clock   ClockConfig   `json:"clock"`
	Systemd SystemdConfig `json:"systemd,omitempty"`
	Debug   DebugConfig   `json:"debug,omitempty"`
	Output  OutputConfig  `json:"output,omitempty"`
	Jobs    []JobConfig   `json:"jobs,omitempty"`
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

// ClockConfig controls the timer loop and dispatch workers.
//
// Defaults (when fields are omitted/zero):
//   - queue_capacity: 4096
//   - max_sleep: "12s"
//   - workers: 1
type ClockConfig struct {
	QueueCapacity  int    `json:"queue_capacity,omitempty"`
	MaxSleep       string `json:"max_sleep,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	RestartWorkers bool   `json:"restart_workers,omitempty"`
}

type SystemdConfig struct {
	// Watchdog pings the systemd watchdog from a clock job when WATCHDOG_USEC is set.
	Watchdog bool `json:"watchdog,omitempty"`
}

// DebugConfig controls the diagnostics HTTP server (/healthz, /debug/clock,
// /debug/pprof/). It binds to loopback unless a token is set.
type DebugConfig struct {
	Enabled       bool   `json:"enabled,omitempty"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// OutputConfig appends one length-prefixed frame per job run to Path.
type OutputConfig struct {
	Path      string `json:"path,omitempty"`
	Checksum  bool   `json:"checksum,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`
}

func (o OutputConfig) Enabled() bool { return strings.TrimSpace(o.Path) != "" }

// JobConfig is a job registered at startup. Exactly one of Every or Delay
// is set; Every accepts anything schedule.ParseInterval does.
type JobConfig struct {
	Name    string `json:"name"`
	Every   string `json:"every,omitempty"`
	Delay   string `json:"delay,omitempty"`
	Message string `json:"message,omitempty"`
}

func (j JobConfig) Periodic() bool { return strings.TrimSpace(j.Every) != "" }

// LogxConfig maps the logging block to the logging service config.
func (c *Config) LogxConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}

func (c *Config) DebugHTTPConfig() debughttp.Config {
	return debughttp.Config{
		Enabled:       c.Debug.Enabled,
		Addr:          strings.TrimSpace(c.Debug.Addr),
		Token:         strings.TrimSpace(c.Debug.Token),
		AllowInsecure: c.Debug.AllowInsecure,
	}
}

// ClockConfig maps the clock block. Call Validate first; invalid durations
// fall back to defaults here.
func (c *Config) ClockConfig() clock.Config {
	maxSleep, err := ParseDurationField("clock.max_sleep", c.Clock.MaxSleep)
	if err != nil {
		maxSleep = 0
	}
	return clock.Config{
		QueueCapacity:  c.Clock.QueueCapacity,
		MaxSleep:       maxSleep,
		Workers:        c.Clock.Workers,
		RestartWorkers: c.Clock.RestartWorkers,
	}
}

// JobDelay returns the parsed one-shot delay of j.
func (j JobConfig) JobDelay() (time.Duration, error) {
	return ParseDurationField("jobs."+j.Name+".delay", j.Delay)
}
