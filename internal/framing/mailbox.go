package framing

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"taskclock/internal/ring"
	logx "taskclock/pkg/logx"
)

const DefaultQueueSize = 4096

// mailbox is a closable drop-oldest buffer of messages.
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    *ring.Buffer[[]byte]
	closed bool

	dropped  atomic.Uint64
	dropWarn rate.Sometimes
	log      logx.Logger
}

func newMailbox(size int, log logx.Logger) *mailbox {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &mailbox{buf: ring.New[[]byte](size), log: log, dropWarn: rate.Sometimes{Interval: 5 * time.Second}}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *mailbox) put(msg []byte) {
	m.mu.Lock()
	_, evicted := m.buf.Push(msg)
	m.cond.Signal()
	m.mu.Unlock()
	if evicted {
		n := m.dropped.Add(1)
		m.dropWarn.Do(func() {
			m.log.Warn("message dropped: queue full", logx.Int("queue_cap", m.buf.Cap()), logx.Uint64("dropped", n))
		})
	}
}

// take waits for a message. ok is false once the mailbox is closed and empty.
func (m *mailbox) take(ctx context.Context) (msg []byte, ok bool, err error) {
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for m.buf.Len() == 0 && !m.closed {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		m.cond.Wait()
	}
	m.cond.Signal()
	msg, ok = m.buf.Pop()
	return msg, ok, nil
}

func (m *mailbox) tryTake() ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.Pop()
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

func (m *mailbox) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.Len()
}
