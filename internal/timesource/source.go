// Package timesource abstracts "now" and "sleep until" so the timer engine
// can be driven by the wall clock in production and by a deterministic
// sequence in tests.
package timesource

import (
	"sync"
	"time"
)

// Source supplies the current time and a way to wait on that same clock.
type Source interface {
	Now() time.Time
	// After fires once d has elapsed on this source. d <= 0 fires immediately.
	After(d time.Duration) <-chan time.Time
}

type wall struct{}

func (wall) Now() time.Time                         { return time.Now() }
func (wall) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Wall returns the wall-clock source.
func Wall() Source { return wall{} }

// Func adapts a zero-argument time function. Waiting uses the wall clock.
type Func func() time.Time

func (f Func) Now() time.Time                         { return f() }
func (f Func) After(d time.Duration) <-chan time.Time { return time.After(d) }

// OrWall returns src, or the wall clock when src is nil.
func OrWall(src Source) Source {
	if src == nil {
		return Wall()
	}
	return src
}

// Sequence is a deterministic source. Every Now() returns the current value
// and then moves it forward by Step. After never blocks, so a loop waiting on
// a Sequence re-checks immediately and observes time advancing call by call.
type Sequence struct {
	mu   sync.Mutex
	cur  time.Time
	step time.Duration
}

// NewSequence starts at start and advances by step on each Now call.
func NewSequence(start time.Time, step time.Duration) *Sequence {
	return &Sequence{cur: start, step: step}
}

func (s *Sequence) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.cur
	s.cur = s.cur.Add(s.step)
	return t
}

// Peek returns the value the next Now call will return, without advancing.
func (s *Sequence) Peek() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Advance moves the sequence forward by d.
func (s *Sequence) Advance(d time.Duration) {
	s.mu.Lock()
	s.cur = s.cur.Add(d)
	s.mu.Unlock()
}

func (s *Sequence) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- s.Peek()
	return ch
}
