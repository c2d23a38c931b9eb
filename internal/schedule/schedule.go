// Package schedule is the timer engine: a min-heap of pending entries keyed
// by absolute fire time, drained by a single timer loop that hands due
// actions to a Handler.
//
// Periodic keys are readmitted by the action wrapper after each run, under
// the same lock that guards registration and popping. Drift is measured from
// the start of each execution; a run that outlasts its period is rescheduled
// to fire again immediately instead of being skipped.
package schedule

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"taskclock/internal/activeloop"
	"taskclock/internal/eventbus"
	"taskclock/internal/timesource"
	logx "taskclock/pkg/logx"
)

const overrunWarnEvery = 5 * time.Second

type Schedule struct {
	activeloop.AlwaysActive

	handler  Handler
	src      timesource.Source
	maxSleep time.Duration
	log      logx.Logger
	bus      eventbus.Bus

	mu      sync.Mutex
	entries entryHeap
	seq     uint64
	// wake has capacity 1; a pending token means "re-check the heap".
	wake chan struct{}

	// dropped holds periodic keys whose run was discarded downstream. They
	// are pushed back onto the heap by the next call holding mu.
	dropMu  sync.Mutex
	dropped []*Key

	registered atomic.Uint64
	fired      atomic.Uint64
	readmitted atomic.Uint64
	overruns   atomic.Uint64
	drops      atomic.Uint64

	overrunWarn rate.Sometimes
}

func New(handler Handler, cfg Config, log logx.Logger, bus eventbus.Bus) *Schedule {
	if cfg.MaxSleep <= 0 {
		cfg.MaxSleep = DefaultMaxSleep
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Schedule{
		handler:     handler,
		src:         timesource.OrWall(cfg.Source),
		maxSleep:    cfg.MaxSleep,
		log:         log,
		bus:         bus,
		wake:        make(chan struct{}, 1),
		overrunWarn: rate.Sometimes{Interval: overrunWarnEvery},
	}
}

// Register schedules action to run after the optional delay, once or every
// period. It fails synchronously on invalid options.
func (s *Schedule) Register(action Action, opts ...RegisterOption) (*Key, error) {
	if action == nil {
		return nil, ErrNilAction
	}
	var r registration
	for _, o := range opts {
		o(&r)
	}
	if r.periodSet && r.period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if r.delaySet && r.delay < 0 {
		return nil, ErrInvalidDelay
	}

	key := &Key{name: r.name, period: r.period, action: action}
	next := s.src.Now().Add(r.delay)

	s.mu.Lock()
	s.pushLocked(next, key)
	s.mu.Unlock()

	s.registered.Add(1)
	s.log.Debug("task registered",
		logx.String("task", key.name),
		logx.Duration("period", key.period),
		logx.Duration("delay", r.delay),
		logx.Time("next", next),
	)
	return key, nil
}

// pushLocked inserts an entry and wakes the timer loop. Call with s.mu held.
func (s *Schedule) pushLocked(next time.Time, key *Key) {
	s.seq++
	heap.Push(&s.entries, entry{next: next, seq: s.seq, key: key})
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// HandleOne blocks until the earliest entry is due, pops it and passes its
// action to the handler. It returns ctx.Err() if ctx ends first.
func (s *Schedule) HandleOne(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		handled, wait := s.step()
		if handled {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-s.src.After(wait):
		}
	}
}

// HandleExpired hands off the earliest entry if it is due, without waiting.
func (s *Schedule) HandleExpired() bool {
	handled, _ := s.step()
	return handled
}

// step pops and hands off a due entry, or reports how long to wait.
func (s *Schedule) step() (handled bool, wait time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.absorbDroppedLocked()
	now := s.src.Now()
	e, ok := s.entries.peek()
	if !ok {
		return false, s.maxSleep
	}
	if until := e.next.Sub(now); until > 0 {
		return false, min(s.maxSleep, until)
	}

	heap.Pop(&s.entries)
	s.fired.Add(1)
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskFired, Time: now, Data: FiredEvent{
		Name: e.key.name, Due: e.next, Fired: now, Periodic: e.key.periodic(),
	}})
	s.handOff(e.key)
	return true, 0
}

// handOff passes key's action to the handler. A drop-aware handler gets a
// callback that readmits periodic keys whose run it discards.
func (s *Schedule) handOff(key *Key) {
	action := s.dispatchable(key)
	h, ok := s.handler.(DropAwareHandler)
	if !ok {
		s.handler.Handle(action)
		return
	}
	var dropped func()
	if key.periodic() {
		dropped = func() { s.requeueDropped(key) }
	}
	h.HandleDroppable(key.name, action, dropped)
}

// requeueDropped may run while mu is held by step, so it only records the
// key and wakes the timer loop.
func (s *Schedule) requeueDropped(key *Key) {
	s.dropMu.Lock()
	s.dropped = append(s.dropped, key)
	s.dropMu.Unlock()
	s.drops.Add(1)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// absorbDroppedLocked readmits dropped keys one period from now, skipping
// the discarded run. Call with s.mu held.
func (s *Schedule) absorbDroppedLocked() {
	s.dropMu.Lock()
	keys := s.dropped
	s.dropped = nil
	s.dropMu.Unlock()
	if len(keys) == 0 {
		return
	}

	now := s.src.Now()
	for _, key := range keys {
		next := now.Add(key.period)
		s.pushLocked(next, key)
		s.readmitted.Add(1)
		s.bus.Publish(eventbus.Event{Type: eventbus.TaskReadmitted, Time: now, Data: key.name})
		s.log.Debug("dropped task readmitted", logx.String("task", key.name), logx.Time("next", next))
	}
}

// dispatchable returns the action to hand off for key. One-shot keys run
// their raw action; periodic keys get a wrapper that readmits the key.
func (s *Schedule) dispatchable(key *Key) Action {
	if !key.periodic() {
		return key.action
	}
	return func() {
		nominal := s.src.Now().Add(key.period)
		// Readmit even if the action panics, so the key is never lost.
		defer s.readmit(key, nominal)
		key.action()
	}
}

func (s *Schedule) readmit(key *Key, nominal time.Time) {
	current := s.src.Now()
	next := nominal
	if nominal.Before(current) {
		next = current
		s.onOverrun(key, current.Sub(nominal), next)
	}

	s.mu.Lock()
	s.pushLocked(next, key)
	s.mu.Unlock()

	s.readmitted.Add(1)
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskReadmitted, Time: current, Data: key.name})
}

func (s *Schedule) onOverrun(key *Key, late time.Duration, next time.Time) {
	n := s.overruns.Add(1)
	s.bus.Publish(eventbus.Event{Type: eventbus.TaskOverrun, Data: OverrunEvent{
		Name: key.name, Period: key.period, Overrun: late, Next: next,
	}})
	s.overrunWarn.Do(func() {
		s.log.Warn("task ran longer than its period",
			logx.String("task", key.name),
			logx.Duration("period", key.period),
			logx.Duration("overrun", late),
			logx.Uint64("overruns", n),
		)
	})
}

// HasExpired reports whether the earliest entry is due.
func (s *Schedule) HasExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.absorbDroppedLocked()
	e, ok := s.entries.peek()
	return ok && !e.next.After(s.src.Now())
}

// Next returns the fire time of the earliest pending entry.
func (s *Schedule) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.absorbDroppedLocked()
	e, ok := s.entries.peek()
	return e.next, ok
}

// Len returns the number of pending entries.
func (s *Schedule) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.absorbDroppedLocked()
	return s.entries.Len()
}

func (s *Schedule) Snapshot() Snapshot {
	next, _ := s.Next()
	return Snapshot{
		Pending:    s.Len(),
		Next:       next,
		Registered: s.registered.Load(),
		Fired:      s.fired.Load(),
		Readmitted: s.readmitted.Load(),
		Overruns:   s.overruns.Load(),
		Dropped:    s.drops.Load(),
	}
}
