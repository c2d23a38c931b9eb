package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"taskclock/internal/app"
	"taskclock/internal/config"
	logx "taskclock/pkg/logx"
)

var version = "dev"

func main() {
	cliApp := cli.App{
		Name:      "clockd",
		HelpName:  "clockd",
		Usage:     "run configured jobs on a timer",
		Version:   version,
		UsageText: "clockd [--config path] [--check]",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "config, c",
				Value: "./clockd.yaml",
				Usage: "path to config yaml or json",
			},
			cli.BoolFlag{
				Name:  "check",
				Usage: "validate the config and exit",
			},
		},
		Action: run,
		Commands: []cli.Command{
			{
				Name:      "tail",
				Usage:     "print run records from an output file",
				ArgsUsage: "<file>",
				Flags: []cli.Flag{
					cli.BoolFlag{
						Name:  "checksum",
						Usage: "records were written with output.checksum enabled",
					},
				},
				Action: tail,
			},
		},
	}
	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfgPath := c.String("config")
	if c.Bool("check") {
		cfg, err := config.NewManager(cfgPath, logx.NewConsole("info")).Load()
		if err != nil {
			return err
		}
		fmt.Printf("%s: ok (%d jobs)\n", cfgPath, len(cfg.Jobs))
		return nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath, app.Options{})
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	reason := app.StopSignal
	if ctx.Err() == nil {
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	return a.Err()
}

func tail(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return cli.NewExitError("tail: file argument required", 2)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fcfg := app.FramingConfig(config.OutputConfig{Checksum: c.Bool("checksum")})
	return app.Tail(context.Background(), f, fcfg, logx.NewConsole("warn"), func(r app.RunRecord) error {
		_, err := fmt.Printf("%s %-20s run=%d id=%s %s\n", r.At.Format(time.RFC3339), r.Job, r.Run, r.RunID, r.Message)
		return err
	})
}
