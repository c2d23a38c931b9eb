// Package dispatch holds ready-to-run actions in a bounded FIFO and hands
// them to worker loops.
//
// The queue favors freshness over completeness: when full, the oldest
// pending action is evicted to admit the new one.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"taskclock/internal/activeloop"
	"taskclock/internal/eventbus"
	"taskclock/internal/ring"
	logx "taskclock/pkg/logx"
)

// Action is a zero-argument unit of work. Its result, if any, is ignored.
type Action = func()

const DefaultCapacity = 4096

const evictWarnEvery = 5 * time.Second

type Config struct {
	// Capacity bounds the number of pending actions. <= 0 uses DefaultCapacity.
	Capacity int
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Len      int    `json:"len"`
	Cap      int    `json:"cap"`
	Enqueued uint64 `json:"enqueued"`
	Evicted  uint64 `json:"evicted"`
	Executed uint64 `json:"executed"`
}

// EvictedEvent is published on eventbus.TaskEvicted. Name is empty for
// actions enqueued without one.
type EvictedEvent struct {
	Name    string `json:"name,omitempty"`
	Cap     int    `json:"cap"`
	Evicted uint64 `json:"evicted"`
}

type item struct {
	name    string
	run     Action
	dropped func()
}

// Queue is a bounded, drop-oldest FIFO of actions. Any number of workers may
// call HandleOne concurrently; each action is delivered to exactly one.
type Queue struct {
	activeloop.AlwaysActive

	mu   sync.Mutex
	cond *sync.Cond
	buf  *ring.Buffer[item]

	log logx.Logger
	bus eventbus.Bus

	enqueued atomic.Uint64
	evicted  atomic.Uint64
	executed atomic.Uint64

	evictWarn rate.Sometimes
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	q := &Queue{
		buf:       ring.New[item](cfg.Capacity),
		log:       log,
		bus:       bus,
		evictWarn: rate.Sometimes{Interval: evictWarnEvery},
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends action, evicting the oldest pending action when full.
// It never blocks on consumers. Nil actions are ignored.
func (q *Queue) Enqueue(action Action) {
	q.push(item{run: action})
}

// EnqueueNamed is Enqueue for a labeled action. If the action is later
// evicted, dropped (when non-nil) is called once, outside the queue lock.
func (q *Queue) EnqueueNamed(name string, action Action, dropped func()) {
	q.push(item{name: name, run: action, dropped: dropped})
}

// Handle lets the queue serve as the timer engine's handoff target.
func (q *Queue) Handle(action Action) { q.Enqueue(action) }

// HandleDroppable lets the timer engine learn which of its actions were
// evicted.
func (q *Queue) HandleDroppable(name string, action Action, dropped func()) {
	q.EnqueueNamed(name, action, dropped)
}

func (q *Queue) push(it item) {
	if it.run == nil {
		return
	}
	q.mu.Lock()
	old, evicted := q.buf.Push(it)
	q.cond.Signal()
	q.mu.Unlock()

	q.enqueued.Add(1)
	if evicted {
		q.onEvicted(old)
	}
}

func (q *Queue) onEvicted(old item) {
	n := q.evicted.Add(1)
	q.bus.Publish(eventbus.Event{Type: eventbus.TaskEvicted, Data: EvictedEvent{Name: old.name, Cap: q.buf.Cap(), Evicted: n}})
	q.evictWarn.Do(func() {
		q.log.Warn("task evicted: queue full",
			logx.String("task", old.name),
			logx.Int("queue_cap", q.buf.Cap()),
			logx.Uint64("evicted", n),
		)
	})
	if old.dropped != nil {
		old.dropped()
	}
}

// HandleOne waits for an action, removes it, and runs it on the calling
// goroutine outside the queue lock. It returns ctx.Err() if ctx ends while
// waiting. A panicking action propagates to the caller.
func (q *Queue) HandleOne(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	for q.buf.Len() == 0 {
		if err := ctx.Err(); err != nil {
			q.mu.Unlock()
			return err
		}
		q.cond.Wait()
	}
	it, _ := q.buf.Pop()
	q.cond.Signal()
	q.mu.Unlock()

	q.run(it.run)
	return nil
}

// TryHandleOne runs the oldest pending action if there is one.
func (q *Queue) TryHandleOne() bool {
	q.mu.Lock()
	it, ok := q.buf.Pop()
	q.mu.Unlock()
	if !ok {
		return false
	}
	q.run(it.run)
	return true
}

func (q *Queue) run(action Action) {
	action()
	q.executed.Add(1)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buf.Len()
}

func (q *Queue) Cap() int { return q.buf.Cap() }

// Pending returns the queued actions, oldest first, without removing them.
func (q *Queue) Pending() []Action {
	q.mu.Lock()
	items := q.buf.Items()
	q.mu.Unlock()

	out := make([]Action, len(items))
	for i, it := range items {
		out[i] = it.run
	}
	return out
}

func (q *Queue) Snapshot() Snapshot {
	return Snapshot{
		Len:      q.Len(),
		Cap:      q.Cap(),
		Enqueued: q.enqueued.Load(),
		Evicted:  q.evicted.Load(),
		Executed: q.executed.Load(),
	}
}
