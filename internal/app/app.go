// Package app assembles clockd: config, logging, the event bus and the
// clock, plus the jobs declared in the config file.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"taskclock/internal/activeloop"
	"taskclock/internal/clock"
	"taskclock/internal/config"
	"taskclock/internal/eventbus"
	"taskclock/internal/observability/debughttp"
	"taskclock/internal/runtime/supervisor"
	"taskclock/internal/timesource"
	logx "taskclock/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	src  timesource.Source

	clock    *clock.Clock
	notifier Notifier
	out      *output
	debugMu  sync.Mutex
	debug    *debughttp.Server
	jobs     []*Job
}

// Options overrides collaborators, mostly for tests.
type Options struct {
	Notifier Notifier
	Source   timesource.Source
}

func NewApp(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.Logger{})
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(cfg.LogxConfig())
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()
	src := timesource.OrWall(opts.Source)
	cc := cfg.ClockConfig()
	cc.Source = src
	clk := clock.New(cc, log, bus)

	n := opts.Notifier
	if n == nil {
		n = SystemdNotifier{}
	}

	out, err := openOutput(cfg.Output, log.With(logx.String("comp", "output")))
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	a := &App{
		out:      out,
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logs:     logs,
		bus:      bus,
		src:      src,
		clock:    clk,
		notifier: n,
	}
	if err := a.registerJobs(cfg); err != nil {
		_ = out.close()
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) Clock() *clock.Clock { return a.clock }

func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Jobs() []*Job { return a.jobs }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if err := a.startWatchdog(); err != nil {
		return err
	}
	a.clock.Start(a.sup.Context())
	a.startDebug(a.cfgm.Get())
	if a.out != nil {
		a.out.loop = activeloop.Start(a.sup, "output.sender", a.out.sender)
	}

	events, unsubscribe := a.bus.Subscribe(256)
	a.sup.Go("events.log", func(c context.Context) error {
		defer unsubscribe()
		return a.logEvents(c, events)
	})

	updates := a.cfgm.Subscribe(1)
	a.sup.Go("config.apply", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(updates)
		return a.applyLoop(c, updates)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if _, err := a.notifier.Ready(); err != nil {
		a.log.Warn("ready notification failed", logx.Err(err))
	}
	a.log.Info("app started", logx.Int("jobs", len(a.jobs)))
	return nil
}

func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			a.log.Trace("event", logx.String("type", ev.Type), logx.Any("data", ev.Data))
		}
	}
}

func (a *App) applyLoop(ctx context.Context, updates <-chan *config.Config) error {
	current := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-updates:
			if !ok {
				return nil
			}
			changed, attrs := config.SummarizeChange(current, next)
			if len(changed) == 0 {
				continue
			}
			if slices.Contains(changed, "logging") {
				a.logs.Apply(next.LogxConfig())
			}
			fields := append([]logx.Field{logx.Any("changed", changed)}, attrs...)
			a.log.Info("config reloaded", fields...)
			if slices.Contains(changed, "debug") {
				a.stopDebug(ctx)
				a.startDebug(next)
			}
			if config.RequiresRestart(changed) {
				a.log.Warn("config change takes effect on restart", logx.Any("changed", changed))
			}
			current = next
		}
	}
}

// Stop shuts the clock down, then waits for the remaining loops. Each step is
// bounded so one component can't stall the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := a.notifier.Stopping(); err != nil {
		a.log.Debug("stopping notification failed", logx.Err(err))
	}
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		c, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(c); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}
	step("clock", 3*time.Second, a.clock.Stop)
	step("debug", time.Second, func(c context.Context) error { a.stopDebug(c); return nil })
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("output", time.Second, func(context.Context) error { return a.out.close() })

	snap := a.clock.Snapshot()
	a.log.Info("stopped",
		logx.Uint64("fired", snap.Schedule.Fired),
		logx.Uint64("executed", snap.Queue.Executed),
		logx.Uint64("evicted", snap.Queue.Evicted),
		logx.Uint64("overruns", snap.Schedule.Overruns),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// Debug server failures are logged, never fatal.
func (a *App) startDebug(cfg *config.Config) {
	if cfg == nil || !cfg.Debug.Enabled {
		return
	}
	srv := debughttp.New(cfg.DebugHTTPConfig(), func() any { return a.clock.Snapshot() }, a.log.With(logx.String("comp", "debug")))
	if err := srv.Start(a.sup.Context()); err != nil {
		a.log.Warn("debug server not started", logx.Err(err))
		return
	}
	a.debugMu.Lock()
	a.debug = srv
	a.debugMu.Unlock()
}

func (a *App) stopDebug(ctx context.Context) {
	a.debugMu.Lock()
	srv := a.debug
	a.debug = nil
	a.debugMu.Unlock()
	if srv == nil {
		return
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		a.log.Debug("debug server stop", logx.Err(err))
	}
}

// DebugAddr is the debug server's bound address, or "" when it is not running.
func (a *App) DebugAddr() string {
	a.debugMu.Lock()
	defer a.debugMu.Unlock()
	if a.debug == nil {
		return ""
	}
	return a.debug.Addr()
}
