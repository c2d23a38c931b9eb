package schedule

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ParsedInterval is a fixed repeat interval parsed from a string.
type ParsedInterval struct {
	Every  time.Duration
	Source string // "every" | "duration" | "hhmm"
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

var descriptorParser = cron.NewParser(cron.Descriptor | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseInterval parses a fixed-interval schedule string.
//
// Supported forms:
//   - "@every 1m30s" (cron descriptor; whole seconds, minimum 1s)
//   - Go duration: "55m", "2h30m", "250ms"
//   - HH:MM interval: "00:50" (50 minutes), "02:30"
//   - Optional "every:" or "interval:" prefix before a duration or HH:MM
//
// Calendar expressions such as "*/5 * * * *" or "@hourly" parse as cron but
// are rejected with ErrCalendarSpec.
func ParseInterval(raw string) (ParsedInterval, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedInterval{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	for _, prefix := range []string{"every:", "interval:"} {
		if strings.HasPrefix(low, prefix) {
			return parsePlainInterval(strings.TrimSpace(s[len(prefix):]))
		}
	}

	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		sched, err := descriptorParser.Parse(s)
		if err != nil {
			return ParsedInterval{}, fmt.Errorf("invalid schedule %q: %w", raw, err)
		}
		cd, ok := sched.(cron.ConstantDelaySchedule)
		if !ok {
			return ParsedInterval{}, fmt.Errorf("%q: %w", raw, ErrCalendarSpec)
		}
		return ParsedInterval{Every: cd.Delay, Source: "every"}, nil
	}

	p, err := parsePlainInterval(s)
	if err != nil {
		return ParsedInterval{}, fmt.Errorf(
			"invalid schedule %q (use '@every 5m', HH:MM like '02:30', or duration like '55m')",
			raw,
		)
	}
	return p, nil
}

func parsePlainInterval(v string) (ParsedInterval, error) {
	if v == "" {
		return ParsedInterval{}, fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMMDuration(v)
		return ParsedInterval{Every: d, Source: "hhmm"}, err
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return ParsedInterval{}, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m')", v)
	}
	if d <= 0 {
		return ParsedInterval{}, ErrInvalidPeriod
	}
	return ParsedInterval{Every: d, Source: "duration"}, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, ErrInvalidPeriod
	}
	return d, nil
}
