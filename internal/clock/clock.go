// Package clock wires the timer engine to the dispatch queue.
//
// The Schedule decides when an action is due; the Queue decides who runs
// it. Callers pick the goroutine topology: run both loops on one goroutine
// each, or start several dispatch workers for independent actions.
package clock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"taskclock/internal/activeloop"
	"taskclock/internal/dispatch"
	"taskclock/internal/eventbus"
	"taskclock/internal/runtime/supervisor"
	"taskclock/internal/schedule"
	"taskclock/internal/timesource"
	logx "taskclock/pkg/logx"
)

var _ schedule.DropAwareHandler = (*dispatch.Queue)(nil)

type Config struct {
	QueueCapacity int
	MaxSleep      time.Duration
	// Workers is the number of dispatch loops Start launches. <= 0 means 1.
	Workers int
	// RestartWorkers restarts a dispatch loop after an action panics.
	// Otherwise a crashed worker stays down.
	RestartWorkers bool
	Source         timesource.Source
}

type Clock struct {
	cfg   Config
	log   logx.Logger
	sched *schedule.Schedule
	queue *dispatch.Queue

	mu      sync.Mutex
	sup     *supervisor.Supervisor
	timer   *activeloop.Loop
	workers []*activeloop.Loop
}

// Snapshot aggregates diagnostics from both engines and their loops.
type Snapshot struct {
	Schedule   schedule.Snapshot   `json:"schedule"`
	Queue      dispatch.Snapshot   `json:"queue"`
	Supervisor supervisor.Snapshot `json:"supervisor"`
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Clock {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	q := dispatch.New(dispatch.Config{Capacity: cfg.QueueCapacity}, log.With(logx.String("comp", "dispatch")), bus)
	s := schedule.New(q, schedule.Config{MaxSleep: cfg.MaxSleep, Source: cfg.Source}, log.With(logx.String("comp", "schedule")), bus)
	return &Clock{cfg: cfg, log: log, sched: s, queue: q}
}

func (c *Clock) Schedule() *schedule.Schedule { return c.sched }

func (c *Clock) Queue() *dispatch.Queue { return c.queue }

// Register is a pass-through to the Schedule.
func (c *Clock) Register(action schedule.Action, opts ...schedule.RegisterOption) (*schedule.Key, error) {
	return c.sched.Register(action, opts...)
}

// AddOnce runs action once after delay.
func (c *Clock) AddOnce(name string, delay time.Duration, action schedule.Action) (*schedule.Key, error) {
	return c.sched.Register(action, schedule.WithName(name), schedule.WithDelay(delay))
}

// AddInterval runs action every period, starting one period from now.
func (c *Clock) AddInterval(name string, every time.Duration, action schedule.Action) (*schedule.Key, error) {
	if every <= 0 {
		return nil, schedule.ErrInvalidPeriod
	}
	return c.sched.Register(action, schedule.WithName(name), schedule.WithPeriod(every), schedule.WithDelay(every))
}

// AddSchedule parses expr with schedule.ParseInterval and registers an interval.
func (c *Clock) AddSchedule(name, expr string, action schedule.Action) (*schedule.Key, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("name required")
	}
	p, err := schedule.ParseInterval(expr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return c.AddInterval(name, p.Every, action)
}

// RunScheduler runs the timer loop on the calling goroutine until ctx ends.
func (c *Clock) RunScheduler(ctx context.Context) error {
	return activeloop.Run(ctx, c.sched)
}

// RunHandler runs one dispatch loop on the calling goroutine until ctx ends
// or an action panics.
func (c *Clock) RunHandler(ctx context.Context) error {
	return activeloop.Run(ctx, c.queue)
}

func (c *Clock) supervisorLocked(ctx context.Context) *supervisor.Supervisor {
	if c.sup == nil || c.sup.Context().Err() != nil {
		c.sup = supervisor.New(ctx, supervisor.WithLogger(c.log.With(logx.String("comp", "clock"))))
	}
	return c.sup
}

// StartScheduler starts the timer loop on a background goroutine. Only one
// timer loop runs per Clock; while it is running the existing handle is
// returned.
func (c *Clock) StartScheduler(ctx context.Context) *activeloop.Loop {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil && c.sup != nil && c.sup.Context().Err() == nil {
		select {
		case <-c.timer.Done():
		default:
			c.log.Debug("timer loop already running")
			return c.timer
		}
	}
	c.timer = activeloop.Start(c.supervisorLocked(ctx), "timer", c.sched)
	return c.timer
}

// StartHandler starts one more dispatch loop on a background goroutine.
func (c *Clock) StartHandler(ctx context.Context) *activeloop.Loop {
	c.mu.Lock()
	defer c.mu.Unlock()
	sup := c.supervisorLocked(ctx)
	name := fmt.Sprintf("dispatch.%d", len(c.workers))
	var l *activeloop.Loop
	if c.cfg.RestartWorkers {
		l = activeloop.StartRestart(sup, name, c.queue)
	} else {
		l = activeloop.Start(sup, name, c.queue)
	}
	c.workers = append(c.workers, l)
	return l
}

// Start launches the timer loop and cfg.Workers dispatch loops.
func (c *Clock) Start(ctx context.Context) {
	c.StartScheduler(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		c.StartHandler(ctx)
	}
	c.log.Info("clock started",
		logx.Int("workers", c.cfg.Workers),
		logx.Int("queue_cap", c.queue.Cap()),
		logx.Bool("restart_workers", c.cfg.RestartWorkers),
	)
}

// Stop cancels every background loop and waits for them to exit.
// Pending entries and queued actions are kept.
func (c *Clock) Stop(ctx context.Context) error {
	c.mu.Lock()
	sup := c.sup
	c.sup = nil
	c.timer = nil
	c.workers = nil
	c.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	c.log.Info("clock stopped", logx.Int("pending", c.sched.Len()), logx.Int("queued", c.queue.Len()))
	return err
}

func (c *Clock) Snapshot() Snapshot {
	c.mu.Lock()
	sup := c.sup
	c.mu.Unlock()
	return Snapshot{
		Schedule:   c.sched.Snapshot(),
		Queue:      c.queue.Snapshot(),
		Supervisor: sup.Snapshot(),
	}
}
