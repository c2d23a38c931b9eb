package schedule

import (
	"errors"
	"testing"
	"time"
)

func TestParseIntervalVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		raw    string
		source string
		every  time.Duration
	}{
		{name: "every descriptor", raw: "@every 1m30s", source: "every", every: 90 * time.Second},
		{name: "every rounds to seconds", raw: "@every 250ms", source: "every", every: time.Second},
		{name: "duration", raw: "10m", source: "duration", every: 10 * time.Minute},
		{name: "sub-second duration", raw: "250ms", source: "duration", every: 250 * time.Millisecond},
		{name: "prefixed interval", raw: "interval:45s", source: "duration", every: 45 * time.Second},
		{name: "prefixed every hhmm", raw: "every:00:05", source: "hhmm", every: 5 * time.Minute},
		{name: "hhmm", raw: "01:30", source: "hhmm", every: 90 * time.Minute},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseInterval(tt.raw)
			if err != nil {
				t.Fatalf("ParseInterval(%q) error: %v", tt.raw, err)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if got.Every != tt.every {
				t.Fatalf("Every = %v, want %v", got.Every, tt.every)
			}
		})
	}
}

func TestParseIntervalRejectsCalendarSpecs(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"*/5 * * * *", "@hourly", "0 9 * * 1"} {
		_, err := ParseInterval(raw)
		if err == nil {
			t.Fatalf("ParseInterval(%q): expected error", raw)
		}
		if !errors.Is(err, ErrCalendarSpec) {
			t.Fatalf("ParseInterval(%q) = %v, want ErrCalendarSpec", raw, err)
		}
	}
}

func TestParseIntervalInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "00:00", "-5s", "interval:", "01:75"} {
		if _, err := ParseInterval(raw); err == nil {
			t.Fatalf("ParseInterval(%q): expected error", raw)
		}
	}
}
