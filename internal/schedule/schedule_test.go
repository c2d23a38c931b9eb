package schedule

import (
	"bytes"
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskclock/internal/eventbus"
	"taskclock/internal/timesource"
	logx "taskclock/pkg/logx"
)

var epoch = time.Unix(0, 0)

// collector stores handed-off actions instead of running them, since the
// handler runs under the schedule lock.
type collector struct {
	mu      sync.Mutex
	actions []Action
}

func (c *collector) Handle(a Action) {
	c.mu.Lock()
	c.actions = append(c.actions, a)
	c.mu.Unlock()
}

func (c *collector) take() []Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.actions
	c.actions = nil
	return out
}

func newTestSchedule(t *testing.T, src timesource.Source, bus eventbus.Bus) (*Schedule, *collector) {
	t.Helper()
	c := &collector{}
	return New(c, Config{Source: src}, logx.Nop(), bus), c
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	s, _ := newTestSchedule(t, timesource.NewSequence(epoch, 0), nil)
	noop := func() {}

	_, err := s.Register(noop, WithPeriod(0))
	assert.ErrorIs(t, err, ErrInvalidPeriod)
	_, err = s.Register(noop, WithPeriod(-time.Second))
	assert.ErrorIs(t, err, ErrInvalidPeriod)
	_, err = s.Register(noop, WithDelay(-time.Second))
	assert.ErrorIs(t, err, ErrInvalidDelay)
	_, err = s.Register(nil)
	assert.ErrorIs(t, err, ErrNilAction)
	assert.Zero(t, s.Len())
}

func TestZeroAndAbsentDelayScheduleNow(t *testing.T) {
	t.Parallel()
	src := timesource.NewSequence(epoch, 0)
	s, _ := newTestSchedule(t, src, nil)

	k1, err := s.Register(func() {}, WithDelay(0), WithName("zero"))
	require.NoError(t, err)
	k2, err := s.Register(func() {}, WithName("absent"))
	require.NoError(t, err)

	assert.Equal(t, "zero", k1.Name())
	_, periodic := k2.Period()
	assert.False(t, periodic)

	next, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, epoch, next)
	assert.True(t, s.HasExpired())
	assert.True(t, s.HandleExpired())
	assert.True(t, s.HandleExpired())
	assert.False(t, s.HandleExpired())
}

func TestOneShotFiresOnceAfterDelay(t *testing.T) {
	t.Parallel()
	src := timesource.NewSequence(epoch, time.Second)
	bus := eventbus.New()
	fired, unsub := bus.Subscribe(16, eventbus.TaskFired)
	defer unsub()
	s, c := newTestSchedule(t, src, bus)

	var runs atomic.Int32
	_, err := s.Register(func() { runs.Add(1) }, WithDelay(5*time.Second), WithName("once"))
	require.NoError(t, err)

	for src.Peek().Before(epoch.Add(10 * time.Second)) {
		s.HandleExpired()
	}
	actions := c.take()
	require.Len(t, actions, 1)
	actions[0]()
	assert.EqualValues(t, 1, runs.Load())

	require.Len(t, fired, 1)
	ev := (<-fired).Data.(FiredEvent)
	assert.Equal(t, "once", ev.Name)
	assert.Equal(t, epoch.Add(5*time.Second), ev.Due)
	assert.False(t, ev.Fired.Before(epoch.Add(5*time.Second)))

	assert.False(t, s.HandleExpired())
	assert.Zero(t, s.Len())
}

func TestPeriodicReadmitsFromExecutionStart(t *testing.T) {
	t.Parallel()
	src := timesource.NewSequence(epoch, 0)
	s, c := newTestSchedule(t, src, nil)

	key, err := s.Register(func() { src.Advance(time.Second) }, WithPeriod(3*time.Second), WithName("tick"))
	require.NoError(t, err)
	period, ok := key.Period()
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, period)

	var fireTimes []time.Time
	for round := 0; round < 3; round++ {
		next, ok := s.Next()
		require.True(t, ok)
		src.Advance(next.Sub(src.Peek()))
		fireTimes = append(fireTimes, src.Peek())

		require.True(t, s.HandleExpired())
		assert.Zero(t, s.Len(), "entry is popped until the run completes")
		actions := c.take()
		require.Len(t, actions, 1)
		actions[0]()
		assert.Equal(t, 1, s.Len(), "exactly one pending entry per periodic key")
	}

	for i := 1; i < len(fireTimes); i++ {
		assert.Equal(t, 3*time.Second, fireTimes[i].Sub(fireTimes[i-1]))
	}
	snap := s.Snapshot()
	assert.EqualValues(t, 3, snap.Readmitted)
	assert.Zero(t, snap.Overruns)
}

// dropAll discards every action it is handed, reporting the drop at once.
type dropAll struct{ names []string }

func (d *dropAll) Handle(Action) {}

func (d *dropAll) HandleDroppable(name string, _ Action, dropped func()) {
	d.names = append(d.names, name)
	if dropped != nil {
		dropped()
	}
}

func TestDroppedPeriodicRunIsSkippedNotLost(t *testing.T) {
	t.Parallel()
	src := timesource.NewSequence(epoch, 0)
	d := &dropAll{}
	s := New(d, Config{Source: src}, logx.Nop(), nil)

	_, err := s.Register(func() {}, WithPeriod(5*time.Second), WithName("tick"))
	require.NoError(t, err)
	_, err = s.Register(func() {}, WithName("once"))
	require.NoError(t, err)

	require.True(t, s.HandleExpired())
	require.True(t, s.HandleExpired())
	assert.Equal(t, []string{"tick", "once"}, d.names)

	assert.Equal(t, 1, s.Len(), "only the periodic key comes back")
	next, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, epoch.Add(5*time.Second), next)
	assert.False(t, s.HasExpired())

	snap := s.Snapshot()
	assert.EqualValues(t, 1, snap.Dropped)
	assert.EqualValues(t, 1, snap.Readmitted)
}

func TestPeriodicOverrunCatchesUpNow(t *testing.T) {
	t.Parallel()
	src := timesource.NewSequence(epoch, 0)
	bus := eventbus.New()
	overruns, unsub := bus.Subscribe(4, eventbus.TaskOverrun)
	defer unsub()
	var logs bytes.Buffer
	s := New(&collector{}, Config{Source: src}, logx.NewJSON(&logs, "warn"), bus)
	c := s.handler.(*collector)

	_, err := s.Register(func() { src.Advance(5 * time.Second) }, WithPeriod(3*time.Second), WithName("slow"))
	require.NoError(t, err)

	require.True(t, s.HandleExpired())
	c.take()[0]()

	next, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, epoch.Add(5*time.Second), next, "rescheduled at post-execution time, not start+period")
	assert.True(t, s.HasExpired())

	assert.EqualValues(t, 1, s.Snapshot().Overruns)
	require.Len(t, overruns, 1)
	ev := (<-overruns).Data.(OverrunEvent)
	assert.Equal(t, "slow", ev.Name)
	assert.Equal(t, 2*time.Second, ev.Overrun)
	assert.Contains(t, logs.String(), "task ran longer than its period")
}

func TestPopsEarliestFirst(t *testing.T) {
	t.Parallel()
	src := timesource.NewSequence(epoch, 0)
	s, c := newTestSchedule(t, src, nil)

	var order []string
	_, err := s.Register(func() { order = append(order, "twenty") }, WithDelay(20*time.Second))
	require.NoError(t, err)
	_, err = s.Register(func() { order = append(order, "ten") }, WithDelay(10*time.Second))
	require.NoError(t, err)

	next, _ := s.Next()
	assert.Equal(t, epoch.Add(10*time.Second), next)

	src.Advance(30 * time.Second)
	for s.HandleExpired() {
	}
	for _, a := range c.take() {
		a()
	}
	assert.Equal(t, []string{"ten", "twenty"}, order)
}

func TestEqualFireTimesKeepInsertionOrder(t *testing.T) {
	t.Parallel()
	s, c := newTestSchedule(t, timesource.NewSequence(epoch, 0), nil)

	var order []int
	for i := 0; i < 5; i++ {
		id := i
		_, err := s.Register(func() { order = append(order, id) })
		require.NoError(t, err)
	}
	for s.HandleExpired() {
	}
	for _, a := range c.take() {
		a()
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestPopOrderIsNonDecreasing(t *testing.T) {
	t.Parallel()
	src := timesource.NewSequence(epoch, 0)
	bus := eventbus.New()
	fired, unsub := bus.Subscribe(512, eventbus.TaskFired)
	defer unsub()
	s, _ := newTestSchedule(t, src, bus)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 300; i++ {
		_, err := s.Register(func() {}, WithDelay(time.Duration(rng.Intn(1000))*time.Millisecond))
		require.NoError(t, err)
	}
	src.Advance(time.Hour)
	for s.HandleExpired() {
	}
	require.Len(t, fired, 300)

	var prev time.Time
	for i := 0; i < 300; i++ {
		due := (<-fired).Data.(FiredEvent).Due
		assert.False(t, due.Before(prev), "pop %d out of order", i)
		prev = due
	}
}

func TestPanickingPeriodicActionIsReadmitted(t *testing.T) {
	t.Parallel()
	s, c := newTestSchedule(t, timesource.NewSequence(epoch, 0), nil)
	_, err := s.Register(func() { panic("boom") }, WithPeriod(time.Second))
	require.NoError(t, err)

	require.True(t, s.HandleExpired())
	assert.Panics(t, c.take()[0])
	assert.Equal(t, 1, s.Len())
}

func TestConcurrentReadmissionKeepsOneEntryPerKey(t *testing.T) {
	t.Parallel()
	const keys = 16
	src := timesource.NewSequence(epoch, 0)
	s, c := newTestSchedule(t, src, nil)

	var runs [keys]atomic.Int32
	for i := 0; i < keys; i++ {
		id := i
		_, err := s.Register(func() { runs[id].Add(1) }, WithPeriod(time.Second))
		require.NoError(t, err)
	}

	for round := 0; round < 5; round++ {
		for s.HandleExpired() {
		}
		var wg sync.WaitGroup
		for _, a := range c.take() {
			wg.Add(1)
			go func(a Action) {
				defer wg.Done()
				a()
			}(a)
		}
		// Registrations racing with readmission.
		_, err := s.Register(func() {}, WithDelay(time.Hour))
		require.NoError(t, err)
		wg.Wait()
		require.Equal(t, keys+round+1, s.Len())
		src.Advance(time.Second)
	}
	for i := range runs {
		assert.EqualValues(t, 5, runs[i].Load())
	}
}

func TestHandleOneWaitsOnWallClock(t *testing.T) {
	t.Parallel()
	s, c := newTestSchedule(t, nil, nil)
	start := time.Now()
	_, err := s.Register(func() {}, WithDelay(30*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.HandleOne(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Len(t, c.take(), 1)
}

func TestRegisterWakesSleepingLoop(t *testing.T) {
	t.Parallel()
	s, c := newTestSchedule(t, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- s.HandleOne(ctx) }()
	time.Sleep(20 * time.Millisecond)
	_, err := s.Register(func() {})
	require.NoError(t, err)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timer loop did not wake for new registration")
	}
	assert.Len(t, c.take(), 1)
}

func TestHandleOneReturnsOnCancel(t *testing.T) {
	t.Parallel()
	s, _ := newTestSchedule(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.HandleOne(ctx) }()
	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("HandleOne ignored cancellation")
	}
}

func TestSleepIsCappedByMaxSleep(t *testing.T) {
	t.Parallel()
	src := timesource.NewSequence(epoch, 0)
	s := New(&collector{}, Config{Source: src, MaxSleep: time.Second}, logx.Nop(), nil)

	_, wait := s.step()
	assert.Equal(t, time.Second, wait, "empty schedule sleeps MaxSleep")

	_, err := s.Register(func() {}, WithDelay(time.Minute))
	require.NoError(t, err)
	_, wait = s.step()
	assert.Equal(t, time.Second, wait)

	src.Advance(time.Minute - 300*time.Millisecond)
	_, wait = s.step()
	assert.Equal(t, 300*time.Millisecond, wait)
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	s := New(HandlerFunc(func(Action) {}), Config{}, logx.Logger{}, nil)
	assert.Equal(t, DefaultMaxSleep, s.maxSleep)
	assert.True(t, s.IsActive())
}
