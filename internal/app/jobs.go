package app

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"taskclock/internal/config"
	"taskclock/internal/schedule"
	logx "taskclock/pkg/logx"
)

// Job is a config-declared task. Each run logs its message under a fresh run id.
type Job struct {
	Name    string
	Every   time.Duration
	Delay   time.Duration
	Message string

	key     *schedule.Key
	runs    atomic.Uint64
	lastRun atomic.Value // stores string
	log     logx.Logger
	out     *output
	now     func() time.Time
}

func (j *Job) Runs() uint64 { return j.runs.Load() }

func (j *Job) Key() *schedule.Key { return j.key }

// LastRunID is the id of the most recent run, or "" before the first run.
func (j *Job) LastRunID() string {
	s, _ := j.lastRun.Load().(string)
	return s
}

func (j *Job) run() {
	id := uuid.NewString()
	j.lastRun.Store(id)
	n := j.runs.Add(1)
	msg := j.Message
	if strings.TrimSpace(msg) == "" {
		msg = "job ran"
	}
	j.log.Info(msg, logx.String("run_id", id), logx.Uint64("run", n))
	j.out.send(RunRecord{Job: j.Name, RunID: id, Run: n, At: j.now(), Message: j.Message})
}

func (a *App) registerJobs(cfg *config.Config) error {
	for _, jc := range cfg.Jobs {
		j := &Job{
			Name:    jc.Name,
			Message: jc.Message,
			log:     a.log.With(logx.String("comp", "job"), logx.String("job", jc.Name)),
			out:     a.out,
			now:     a.src.Now,
		}
		var err error
		if jc.Periodic() {
			p, perr := schedule.ParseInterval(jc.Every)
			if perr != nil {
				return fmt.Errorf("jobs.%s: %w", jc.Name, perr)
			}
			j.Every = p.Every
			j.key, err = a.clock.AddInterval(jc.Name, p.Every, j.run)
		} else {
			if j.Delay, err = jc.JobDelay(); err != nil {
				return err
			}
			j.key, err = a.clock.AddOnce(jc.Name, j.Delay, j.run)
		}
		if err != nil {
			return fmt.Errorf("jobs.%s: %w", jc.Name, err)
		}
		a.jobs = append(a.jobs, j)
		a.log.Debug("job registered", logx.String("job", j.Name), logx.Duration("every", j.Every), logx.Duration("delay", j.Delay))
	}
	return nil
}
