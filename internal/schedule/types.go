package schedule

import (
	"time"

	"taskclock/internal/timesource"
)

// Action is a zero-argument unit of work. Its result, if any, is ignored.
type Action = func()

// Handler receives actions that became due. It is called while the
// Schedule lock is held, so it must be fast and must not call back into
// the Schedule.
type Handler interface {
	Handle(action Action)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(action Action)

func (f HandlerFunc) Handle(action Action) { f(action) }

// DropAwareHandler is a Handler that may discard actions it accepted, for
// example a bounded queue under backpressure. dropped is nil or called at
// most once, only when action will never run. It must not block.
type DropAwareHandler interface {
	Handler
	HandleDroppable(name string, action Action, dropped func())
}

// DefaultMaxSleep caps a single wait of the timer loop.
const DefaultMaxSleep = 12 * time.Second

type Config struct {
	// MaxSleep bounds how long the timer loop waits before re-checking.
	// <= 0 uses DefaultMaxSleep.
	MaxSleep time.Duration
	// Source defaults to the wall clock.
	Source timesource.Source
}

// Key is the opaque handle returned by Register. It identifies one
// registration for its whole lifetime; periodic keys are reinserted after
// every run.
type Key struct {
	name   string
	period time.Duration // 0 means one-shot
	action Action
}

func (k *Key) Name() string { return k.name }

// Period returns the repeat interval, and false for one-shot keys.
func (k *Key) Period() (time.Duration, bool) { return k.period, k.period > 0 }

func (k *Key) periodic() bool { return k.period > 0 }

// RegisterOption configures Register.
type RegisterOption func(*registration)

type registration struct {
	name      string
	period    time.Duration
	periodSet bool
	delay     time.Duration
	delaySet  bool
}

// WithPeriod makes the registration periodic. d must be positive.
func WithPeriod(d time.Duration) RegisterOption {
	return func(r *registration) {
		r.period = d
		r.periodSet = true
	}
}

// WithDelay postpones the first run by d. d must not be negative.
func WithDelay(d time.Duration) RegisterOption {
	return func(r *registration) {
		r.delay = d
		r.delaySet = true
	}
}

// WithName labels the key in logs, events and snapshots.
func WithName(name string) RegisterOption {
	return func(r *registration) { r.name = name }
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Pending    int       `json:"pending"`
	Next       time.Time `json:"next"`
	Registered uint64    `json:"registered"`
	Fired      uint64    `json:"fired"`
	Readmitted uint64    `json:"readmitted"`
	Overruns   uint64    `json:"overruns"`
	Dropped    uint64    `json:"dropped"`
}

// FiredEvent is published on eventbus.TaskFired when an entry is handed off.
type FiredEvent struct {
	Name     string    `json:"name"`
	Due      time.Time `json:"due"`
	Fired    time.Time `json:"fired"`
	Periodic bool      `json:"periodic"`
}

// OverrunEvent is published on eventbus.TaskOverrun when a periodic action
// ran longer than its period.
type OverrunEvent struct {
	Name    string        `json:"name"`
	Period  time.Duration `json:"period"`
	Overrun time.Duration `json:"overrun"`
	Next    time.Time     `json:"next"`
}
