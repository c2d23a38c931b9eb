package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"taskclock/internal/activeloop"
	"taskclock/internal/config"
	"taskclock/internal/framing"
	"taskclock/internal/runtime/supervisor"
	logx "taskclock/pkg/logx"
)

// RunRecord is written as one frame per job run when output is configured.
type RunRecord struct {
	Job     string    `json:"job"`
	RunID   string    `json:"run_id"`
	Run     uint64    `json:"run"`
	At      time.Time `json:"at"`
	Message string    `json:"message,omitempty"`
}

// FramingConfig maps the output block to the framing queue config.
func FramingConfig(o config.OutputConfig) framing.Config {
	cfg := framing.Config{QueueSize: o.QueueSize}
	if o.Checksum {
		cfg.Envelope = framing.NewChecksum()
	}
	return cfg
}

type output struct {
	file   *os.File
	sender *framing.QueuedSender
	loop   *activeloop.Loop
	log    logx.Logger
}

func openOutput(o config.OutputConfig, log logx.Logger) (*output, error) {
	if !o.Enabled() {
		return nil, nil
	}
	f, err := os.OpenFile(strings.TrimSpace(o.Path), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &output{file: f, sender: framing.NewQueuedSender(f, FramingConfig(o), log), log: log}, nil
}

func (o *output) send(rec RunRecord) {
	if o == nil {
		return
	}
	b, err := json.Marshal(rec)
	if err != nil {
		o.log.Warn("run record encode failed", logx.Err(err))
		return
	}
	o.sender.Send(b)
}

func (o *output) close() error {
	if o == nil {
		return nil
	}
	o.sender.Close()
	if o.loop != nil {
		<-o.loop.Done()
	}
	return errors.Join(o.sender.Flush(), o.file.Close())
}

// Tail decodes run records from r until end of stream and calls fn for each.
func Tail(ctx context.Context, r io.Reader, cfg framing.Config, log logx.Logger, fn func(RunRecord) error) error {
	recv := framing.NewQueuedReceiver(r, cfg, log)
	sup := supervisor.New(ctx, supervisor.WithLogger(log))
	loop := activeloop.Start(sup, "output.receiver", recv)
	defer func() { _ = sup.Stop(context.WithoutCancel(ctx)) }()

	for {
		msg, err := recv.Receive(ctx)
		if errors.Is(err, io.EOF) {
			<-loop.Done()
			return loop.Err()
		}
		if err != nil {
			return err
		}
		var rec RunRecord
		if err := json.Unmarshal(msg, &rec); err != nil {
			log.Warn("run record decode failed", logx.Err(err))
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
