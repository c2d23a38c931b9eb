// Package activeloop drives "do one unit of work, repeat while active"
// handlers, either on the calling goroutine or on a supervised one.
//
// The timer engine, the dispatch queue and the framing queued actors all
// implement Handler.
package activeloop

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"taskclock/internal/runtime/supervisor"
)

// Handler is one blocking (or attempted) unit of work.
type Handler interface {
	IsActive() bool
	HandleOne(ctx context.Context) error
}

// AlwaysActive can be embedded by handlers that never stop on their own.
type AlwaysActive struct{}

func (AlwaysActive) IsActive() bool { return true }

// ErrCrashed is matched by errors.Is for any *CrashError.
var ErrCrashed = errors.New("loop crashed")

// CrashError reports a panic that escaped HandleOne.
type CrashError struct {
	Value any
	Stack string
}

func (e *CrashError) Error() string        { return fmt.Sprintf("loop crashed: %v", e.Value) }
func (e *CrashError) Is(target error) bool { return target == ErrCrashed }

// Run calls h.HandleOne while h.IsActive() holds. It returns the first error
// from HandleOne, ctx.Err() once ctx is done, or nil when h becomes inactive.
// Panics are not recovered.
func Run(ctx context.Context, h Handler) error {
	for h.IsActive() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h.HandleOne(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Loop is a handle to a loop started with Start.
type Loop struct {
	name string
	done chan struct{}
	err  error
}

func (l *Loop) Name() string { return l.name }

// Done is closed once the loop has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Err is the reason the loop exited. Valid after Done is closed.
func (l *Loop) Err() error {
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}

// Start runs h on a goroutine owned by sup. A panic stops the loop and is
// reported as a *CrashError; no further work runs on it.
func Start(sup *supervisor.Supervisor, name string, h Handler) *Loop {
	l := &Loop{name: name, done: make(chan struct{})}
	sup.Go(name, func(ctx context.Context) error {
		err := guarded(ctx, h)
		l.err = err
		close(l.done)
		return err
	})
	return l
}

// StartRestart is Start with the supervisor restarting the loop after a crash
// or error. Done is closed once the loop goroutine has returned: after a
// clean exit, when the supervisor gives up, or when the supervisor is
// canceled and the running action has finished.
func StartRestart(sup *supervisor.Supervisor, name string, h Handler, opts ...supervisor.RestartOption) *Loop {
	l := &Loop{name: name, done: make(chan struct{})}
	// last is the handler's own exit reason, which names the cause more
	// precisely than the supervisor's context error.
	var last error
	opts = append(opts, supervisor.WithOnExit(func(err error) {
		if last != nil {
			err = last
		}
		l.err = err
		close(l.done)
	}))
	sup.GoRestart(name, func(ctx context.Context) error {
		err := guarded(ctx, h)
		if err == nil || ctx.Err() != nil {
			last = err
			return nil
		}
		return err
	}, opts...)
	return l
}

func guarded(ctx context.Context, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &CrashError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return Run(ctx, h)
}
