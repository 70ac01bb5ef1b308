package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"joinbot/internal/app"
	"joinbot/internal/config"
	"joinbot/pkg/logx"
)

const usage = `usage: joinbot [-config path] <command>

commands:
  check    fetch unread mail and process commands
  run      execute one scheduling pass
  daemon   run both passes on their schedules until terminated
`

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	cmd := flag.Arg(0)
	if cmd == "" {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(cfgPath, cmd); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(cfgPath, cmd string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.ConsoleLogging(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	switch cmd {
	case "check":
		a, err := app.New(cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.CheckInbox(ctx)

	case "run":
		a, err := app.New(cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.RunSchedule(ctx)

	case "daemon":
		mgr := config.NewManager(cfgPath, log.With(logx.String("component", "config")))
		if _, err := mgr.Load(); err != nil {
			return err
		}
		return app.NewDaemon(mgr, log).Run(ctx)

	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}
