package framing

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	logx "taskclock/pkg/logx"
)

type Config struct {
	// QueueSize bounds buffered messages. <= 0 uses DefaultQueueSize.
	QueueSize int
	// Envelope wraps outgoing and unwraps incoming payloads. Nil means Identity.
	Envelope Envelope
}

func (c Config) envelope() Envelope {
	if c.Envelope == nil {
		return Identity{}
	}
	return c.Envelope
}

// Stats is a lightweight view for diagnostics.
type Stats struct {
	Queued    int    `json:"queued"`
	Dropped   uint64 `json:"dropped"`
	Delivered uint64 `json:"delivered"`
	Rejected  uint64 `json:"rejected,omitempty"`
}

// QueuedSender buffers outgoing messages and writes them as frames from its
// loop. Send never blocks on the stream.
type QueuedSender struct {
	dst io.Writer
	env Envelope
	box *mailbox

	writeMu sync.Mutex
	sent    atomic.Uint64
}

func NewQueuedSender(dst io.Writer, cfg Config, log logx.Logger) *QueuedSender {
	return &QueuedSender{dst: dst, env: cfg.envelope(), box: newMailbox(cfg.QueueSize, log.With(logx.String("comp", "framing.sender")))}
}

// Send queues msg, dropping the oldest queued message when full.
func (s *QueuedSender) Send(msg []byte) { s.box.put(msg) }

// IsActive is false once Close was called.
func (s *QueuedSender) IsActive() bool { return !s.box.isClosed() }

// HandleOne writes the oldest queued message. It returns nil without writing
// when the sender is closed and empty.
func (s *QueuedSender) HandleOne(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	msg, ok, err := s.box.take(ctx)
	if err != nil || !ok {
		return err
	}
	if err := WriteFrame(s.dst, s.env.Wrap(msg)); err != nil {
		return err
	}
	s.sent.Add(1)
	return nil
}

// Flush writes every queued message on the calling goroutine. An idle loop
// holds the writer, so call it after Close or when no loop is running.
func (s *QueuedSender) Flush() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for {
		msg, ok := s.box.tryTake()
		if !ok {
			return nil
		}
		if err := WriteFrame(s.dst, s.env.Wrap(msg)); err != nil {
			return err
		}
		s.sent.Add(1)
	}
}

// Close stops the loop after its current message.
func (s *QueuedSender) Close() { s.box.close() }

func (s *QueuedSender) Stats() Stats {
	return Stats{Queued: s.box.len(), Dropped: s.box.dropped.Load(), Delivered: s.sent.Load()}
}

// QueuedReceiver reads frames from its loop into a buffer that Receive drains.
// End of stream closes it.
type QueuedReceiver struct {
	src io.Reader
	env Envelope
	box *mailbox
	log logx.Logger

	received atomic.Uint64
	rejected atomic.Uint64
}

func NewQueuedReceiver(src io.Reader, cfg Config, log logx.Logger) *QueuedReceiver {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "framing.receiver"))
	return &QueuedReceiver{src: src, env: cfg.envelope(), box: newMailbox(cfg.QueueSize, log), log: log}
}

// IsActive is false once the stream ended or Close was called.
func (r *QueuedReceiver) IsActive() bool { return !r.box.isClosed() }

// HandleOne reads one frame. The read itself does not observe ctx; close the
// underlying reader to interrupt it. Payloads the envelope rejects are
// counted and skipped.
func (r *QueuedReceiver) HandleOne(ctx context.Context) error {
	frame, err := ReadFrame(r.src)
	if err != nil {
		r.box.close()
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	msg, err := r.env.Unwrap(frame)
	if err != nil {
		r.rejected.Add(1)
		r.log.Warn("message rejected", logx.Int("size", len(frame)), logx.Err(err))
		return nil
	}
	r.received.Add(1)
	r.box.put(msg)
	return nil
}

// Receive returns the oldest buffered message, waiting for one if needed.
// It returns io.EOF once the receiver is closed and drained.
func (r *QueuedReceiver) Receive(ctx context.Context) ([]byte, error) {
	msg, ok, err := r.box.take(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, io.EOF
	}
	return msg, nil
}

// Close wakes pending Receive calls; buffered messages can still be drained.
func (r *QueuedReceiver) Close() { r.box.close() }

func (r *QueuedReceiver) Stats() Stats {
	return Stats{Queued: r.box.len(), Dropped: r.box.dropped.Load(), Delivered: r.received.Load(), Rejected: r.rejected.Load()}
}
