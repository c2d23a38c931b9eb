package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"taskclock/internal/schedule"
	logx "taskclock/pkg/logx"
)

var ErrInvalid = errors.New("invalid config")

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if lvl := strings.TrimSpace(c.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		bad("logging.level %q", lvl)
	}
	if c.Clock.QueueCapacity < 0 {
		bad("clock.queue_capacity must be >= 0")
	}
	if c.Clock.Workers < 0 {
		bad("clock.workers must be >= 0")
	}
	if _, err := ParseDurationField("clock.max_sleep", c.Clock.MaxSleep); err != nil {
		errs = append(errs, err)
	}

	if addr := strings.TrimSpace(c.Debug.Addr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			bad("debug.addr %q: %v", addr, err)
		}
	}

	if c.Output.QueueSize < 0 {
		bad("output.queue_size must be >= 0")
	}

	seen := make(map[string]struct{}, len(c.Jobs))
	for i, j := range c.Jobs {
		name := strings.TrimSpace(j.Name)
		if name == "" {
			bad("jobs[%d]: name required", i)
			continue
		}
		if _, dup := seen[name]; dup {
			bad("jobs[%d]: duplicate name %q", i, name)
		}
		seen[name] = struct{}{}

		hasDelay := strings.TrimSpace(j.Delay) != ""
		switch {
		case j.Periodic() && hasDelay:
			bad("jobs.%s: set either every or delay, not both", name)
		case j.Periodic():
			if _, err := schedule.ParseInterval(j.Every); err != nil {
				errs = append(errs, fmt.Errorf("jobs.%s.every: %w", name, err))
			}
		case hasDelay:
			if _, err := j.JobDelay(); err != nil {
				errs = append(errs, err)
			}
		default:
			bad("jobs.%s: every or delay required", name)
		}
	}
	return errors.Join(errs...)
}
