package clock

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskclock/internal/activeloop"
	"taskclock/internal/eventbus"
	"taskclock/internal/schedule"
	"taskclock/internal/timesource"
	logx "taskclock/pkg/logx"
)

func newTestClock(t *testing.T, cfg Config) *Clock {
	t.Helper()
	c := New(cfg, logx.Nop(), eventbus.New())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	})
	return c
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestOneShotRunsOnWorker(t *testing.T) {
	t.Parallel()
	c := newTestClock(t, Config{MaxSleep: 50 * time.Millisecond})

	ran := make(chan struct{})
	_, err := c.AddOnce("once", 10*time.Millisecond, func() { close(ran) })
	require.NoError(t, err)

	c.Start(context.Background())
	waitFor(t, ran, "one-shot action")

	require.Eventually(t, func() bool { return c.Snapshot().Queue.Executed == 1 }, time.Second, 5*time.Millisecond)
	snap := c.Snapshot()
	assert.Equal(t, 0, snap.Schedule.Pending)
	assert.Equal(t, uint64(1), snap.Schedule.Fired)
}

func TestIntervalKeepsFiring(t *testing.T) {
	t.Parallel()
	c := newTestClock(t, Config{MaxSleep: 20 * time.Millisecond, Workers: 2})

	var n atomic.Int32
	done := make(chan struct{})
	_, err := c.AddInterval("tick", 5*time.Millisecond, func() {
		if n.Add(1) == 3 {
			close(done)
		}
	})
	require.NoError(t, err)

	c.Start(context.Background())
	waitFor(t, done, "three ticks")
	require.Eventually(t, func() bool { return c.Snapshot().Schedule.Readmitted >= 3 }, time.Second, 5*time.Millisecond)
}

func TestAddScheduleParsesInterval(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := timesource.NewSequence(start, 0)
	c := newTestClock(t, Config{Source: src})

	key, err := c.AddSchedule("heartbeat", "@every 1m", func() {})
	require.NoError(t, err)
	p, ok := key.Period()
	require.True(t, ok)
	assert.Equal(t, time.Minute, p)

	next, ok := c.Schedule().Next()
	require.True(t, ok)
	assert.Equal(t, start.Add(time.Minute), next)

	_, err = c.AddSchedule("report", "0 9 * * 1", func() {})
	assert.ErrorIs(t, err, schedule.ErrCalendarSpec)

	_, err = c.AddSchedule("", "5s", func() {})
	assert.Error(t, err)

	_, err = c.AddInterval("bad", 0, func() {})
	assert.ErrorIs(t, err, schedule.ErrInvalidPeriod)
}

func TestDeterministicHandOff(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := timesource.NewSequence(start, 0)
	c := newTestClock(t, Config{Source: src})

	var got []string
	_, err := c.AddOnce("b", 2*time.Second, func() { got = append(got, "b") })
	require.NoError(t, err)
	_, err = c.AddOnce("a", time.Second, func() { got = append(got, "a") })
	require.NoError(t, err)

	assert.False(t, c.Schedule().HandleExpired())
	src.Advance(3 * time.Second)
	for c.Schedule().HandleExpired() {
	}
	for c.Queue().TryHandleOne() {
	}
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestEvictedPeriodicKeyIsReadmitted(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := timesource.NewSequence(start, 0)
	c := newTestClock(t, Config{Source: src, QueueCapacity: 1})

	var ticks, onces atomic.Int32
	_, err := c.AddInterval("tick", 10*time.Second, func() { ticks.Add(1) })
	require.NoError(t, err)
	_, err = c.AddOnce("once", 0, func() { onces.Add(1) })
	require.NoError(t, err)

	// Both are due; the one-shot pushes the tick wrapper out of the queue.
	require.True(t, c.Schedule().HandleExpired())
	require.True(t, c.Schedule().HandleExpired())
	for c.Queue().TryHandleOne() {
	}
	assert.EqualValues(t, 1, onces.Load())
	assert.Zero(t, ticks.Load())

	snap := c.Snapshot()
	assert.EqualValues(t, 1, snap.Queue.Evicted)
	assert.Equal(t, 1, snap.Schedule.Pending)
	assert.EqualValues(t, 1, snap.Schedule.Dropped)
	next, ok := c.Schedule().Next()
	require.True(t, ok)
	assert.Equal(t, start.Add(10*time.Second), next)

	src.Advance(10 * time.Second)
	require.True(t, c.Schedule().HandleExpired())
	require.True(t, c.Queue().TryHandleOne())
	assert.EqualValues(t, 1, ticks.Load())
	assert.Equal(t, 1, c.Schedule().Len())
}

func TestStartSchedulerIsIdempotent(t *testing.T) {
	t.Parallel()
	c := newTestClock(t, Config{MaxSleep: 20 * time.Millisecond})
	ctx := context.Background()

	first := c.StartScheduler(ctx)
	second := c.StartScheduler(ctx)
	assert.Same(t, first, second)

	require.NoError(t, c.Stop(ctx))
	waitFor(t, first.Done(), "timer loop exit")

	third := c.StartScheduler(ctx)
	assert.NotSame(t, first, third)
}

func TestCrashedWorkerStaysDown(t *testing.T) {
	t.Parallel()
	c := newTestClock(t, Config{MaxSleep: 20 * time.Millisecond})
	ctx := context.Background()

	c.Queue().Enqueue(func() { panic("boom") })
	worker := c.StartHandler(ctx)
	waitFor(t, worker.Done(), "worker crash")

	var crash *activeloop.CrashError
	require.True(t, errors.As(worker.Err(), &crash))
	assert.Equal(t, "boom", crash.Value)

	c.Queue().Enqueue(func() {})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, c.Queue().Len())
}

func TestRestartedWorkerResumes(t *testing.T) {
	t.Parallel()
	c := newTestClock(t, Config{MaxSleep: 20 * time.Millisecond, RestartWorkers: true})
	ctx := context.Background()

	ran := make(chan struct{})
	c.Queue().Enqueue(func() { panic("boom") })
	c.Queue().Enqueue(func() { close(ran) })
	c.StartHandler(ctx)
	waitFor(t, ran, "action after restart")

	require.Eventually(t, func() bool {
		for _, l := range c.Snapshot().Supervisor.Loops {
			if l.Name == "dispatch.0" && l.Restarts >= 1 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestStopKeepsPendingWork(t *testing.T) {
	t.Parallel()
	c := newTestClock(t, Config{MaxSleep: 20 * time.Millisecond})
	ctx := context.Background()

	_, err := c.AddOnce("later", time.Hour, func() {})
	require.NoError(t, err)
	c.Start(ctx)
	require.NoError(t, c.Stop(ctx))
	assert.Equal(t, 1, c.Schedule().Len())
	require.NoError(t, c.Stop(ctx))
}

func TestRunSchedulerReturnsOnCancel(t *testing.T) {
	t.Parallel()
	c := newTestClock(t, Config{MaxSleep: 10 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := c.RunScheduler(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel2()
	assert.ErrorIs(t, c.RunHandler(ctx2), context.DeadlineExceeded)
}
