package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGoRecordsFirstError(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	boom := errors.New("boom")
	s.Go("worker.0", func(context.Context) error { return boom })

	require.ErrorIs(t, s.Wait(waitCtx(t)), boom)
	snap := s.Snapshot()
	require.Len(t, snap.Loops, 1)
	assert.Equal(t, "worker.0", snap.Loops[0].Name)
	assert.Contains(t, snap.Loops[0].LastErr, "boom")
	assert.EqualValues(t, 1, snap.Counters.Started)
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("crashy", func(context.Context) error { panic("kaboom") })

	err := s.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.EqualValues(t, 1, s.Snapshot().Loops[0].Panics)
}

func TestCancelIsCleanStop(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("timer", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, s.Stop(waitCtx(t)))
	assert.Zero(t, s.Counters().Active)
}

func TestCancelOnError(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("bad", func(context.Context) error { return errors.New("bad") })
	select {
	case <-s.Context().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context was not canceled")
	}
}

func TestGoRestartRestartsUntilSuccess(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("worker.1", func(context.Context) error {
		if runs.Add(1) < 3 {
			panic("again")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	require.NoError(t, s.Wait(waitCtx(t)))
	assert.EqualValues(t, 3, runs.Load())
	st := s.Snapshot().Loops[0]
	assert.EqualValues(t, 2, st.Restarts)
	assert.EqualValues(t, 2, st.Panics)
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		runs.Add(1)
		return errors.New("nope")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	require.Error(t, s.Wait(waitCtx(t)))
	assert.EqualValues(t, 3, runs.Load())
}

func TestGoRestartOnExitDuringBackoff(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	failed := make(chan struct{})
	exited := make(chan error, 1)
	var once atomic.Bool
	s.GoRestart("slow", func(context.Context) error {
		if once.CompareAndSwap(false, true) {
			close(failed)
		}
		return errors.New("nope")
	}, WithRestartBackoff(time.Hour, time.Hour), WithOnExit(func(err error) { exited <- err }))

	<-failed
	s.Cancel()
	select {
	case err := <-exited:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("exit callback not called")
	}
}
