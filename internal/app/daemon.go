package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	sdaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"joinbot/internal/config"
	"joinbot/pkg/logx"
)

// Daemon is the resident mode: both passes run on cron schedules inside one
// process, the config file is watched for changes, and systemd is kept
// informed when running as a unit.
type Daemon struct {
	mgr *config.Manager
	log logx.Logger

	mu  sync.RWMutex
	app *App

	// A pass that is still running when its next tick arrives is not queued
	// behind itself; the tick is skipped.
	checkMu sync.Mutex
	runMu   sync.Mutex
}

func NewDaemon(mgr *config.Manager, log logx.Logger) *Daemon {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Daemon{mgr: mgr, log: log}
}

func (d *Daemon) current() *App {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.app
}

// swap installs the new app, then closes the old one. A tick captures the app
// at entry and may keep using its store for minutes, so the close waits until
// both pass locks are free; ticks arriving meanwhile are skipped, not queued.
func (d *Daemon) swap(next *App) {
	d.mu.Lock()
	prev := d.app
	d.app = next
	d.mu.Unlock()
	if prev == nil {
		return
	}

	d.checkMu.Lock()
	d.runMu.Lock()
	err := prev.Close()
	d.runMu.Unlock()
	d.checkMu.Unlock()
	if err != nil {
		d.log.Warn("closing previous app", logx.Err(err))
	}
}

// Run blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	cfg := d.mgr.Get()
	if cfg == nil {
		var err error
		if cfg, err = d.mgr.Load(); err != nil {
			return err
		}
	}

	app, err := New(cfg, d.log)
	if err != nil {
		return err
	}
	d.swap(app)
	defer d.swap(nil)

	c, err := d.schedule(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { <-c.Stop().Done() }()

	updates := d.mgr.Subscribe(1)
	go func() {
		if err := d.mgr.Watch(ctx); err != nil && ctx.Err() == nil {
			d.log.Warn("config watcher stopped", logx.Err(err))
		}
	}()

	d.notifyReady()
	stopWatchdog := d.startWatchdog(ctx, cfg.Daemon.Watchdog.Std())
	defer stopWatchdog()

	d.log.Info("daemon started",
		logx.String("check_schedule", cfg.Daemon.CheckSchedule),
		logx.String("run_schedule", cfg.Daemon.RunSchedule))

	for {
		select {
		case <-ctx.Done():
			d.log.Info("daemon stopping")
			return nil
		case next := <-updates:
			c, cfg = d.reload(ctx, c, cfg, next)
		}
	}
}

// schedule registers both passes on a fresh, started cron runner.
func (d *Daemon) schedule(ctx context.Context, cfg *config.Config) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(cfg.Daemon.CheckSchedule, func() { d.checkTick(ctx) }); err != nil {
		return nil, fmt.Errorf("check_schedule %q: %w", cfg.Daemon.CheckSchedule, err)
	}
	if _, err := c.AddFunc(cfg.Daemon.RunSchedule, func() { d.runTick(ctx) }); err != nil {
		return nil, fmt.Errorf("run_schedule %q: %w", cfg.Daemon.RunSchedule, err)
	}
	c.Start()
	return c, nil
}

func (d *Daemon) checkTick(ctx context.Context) {
	if !d.checkMu.TryLock() {
		d.log.Debug("inbox check still running; tick skipped")
		return
	}
	defer d.checkMu.Unlock()
	if err := d.current().CheckInbox(ctx); err != nil {
		d.log.Error("inbox check failed", logx.Err(err))
	}
}

func (d *Daemon) runTick(ctx context.Context) {
	if !d.runMu.TryLock() {
		d.log.Debug("scheduling pass still running; tick skipped")
		return
	}
	defer d.runMu.Unlock()
	if err := d.current().RunSchedule(ctx); err != nil {
		d.log.Error("scheduling pass failed", logx.Err(err))
	}
}

// reload rebuilds the app from the freshly committed config and, when the
// pass schedules changed, replaces the cron runner. A config that parses but
// cannot start (bad token file, unopenable store) keeps the previous app and
// schedules running.
func (d *Daemon) reload(ctx context.Context, c *cron.Cron, prev, next *config.Config) (*cron.Cron, *config.Config) {
	app, err := New(next, d.log)
	if err != nil {
		d.log.Error("reload rejected; keeping previous app", logx.Err(err))
		return c, prev
	}
	d.swap(app)
	d.log.Info("app rebuilt from reloaded config")

	if next.Daemon.CheckSchedule != prev.Daemon.CheckSchedule ||
		next.Daemon.RunSchedule != prev.Daemon.RunSchedule {
		nc, err := d.schedule(ctx, next)
		if err != nil {
			d.log.Error("reloaded schedules rejected; keeping previous ones", logx.Err(err))
			return c, next
		}
		c.Stop()
		c = nc
		d.log.Info("pass schedules replaced",
			logx.String("check_schedule", next.Daemon.CheckSchedule),
			logx.String("run_schedule", next.Daemon.RunSchedule))
	}
	return c, next
}

func (d *Daemon) notifyReady() {
	sent, err := sdaemon.SdNotify(false, sdaemon.SdNotifyReady)
	if err != nil {
		d.log.Warn("sd_notify failed", logx.Err(err))
		return
	}
	if sent {
		d.log.Debug("notified systemd: ready")
	}
}

// startWatchdog pets the systemd watchdog at half the configured interval.
// Outside systemd, or with no WatchdogSec, this is a no-op.
func (d *Daemon) startWatchdog(ctx context.Context, override time.Duration) func() {
	interval, err := sdaemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		if override == 0 {
			return func() {}
		}
		interval = override
	}

	tctx, cancel := context.WithCancel(ctx)
	go func() {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-tctx.Done():
				return
			case <-t.C:
				if _, err := sdaemon.SdNotify(false, sdaemon.SdNotifyWatchdog); err != nil {
					d.log.Warn("watchdog notify failed", logx.Err(err))
				}
			}
		}
	}()
	return cancel
}
