// Package app wires the components and runs the two passes. The inbox-check
// pass and the scheduling pass share nothing live; the event store is the
// only handoff between them.
package app

import (
	"joinbot/internal/config"
	"joinbot/internal/dwell"
	"joinbot/internal/mail"
	"joinbot/internal/mail/gmail"
	"joinbot/internal/notify"
	"joinbot/internal/schedule"
	"joinbot/internal/site"
	"joinbot/internal/store"
	"joinbot/internal/tenant"
	"joinbot/pkg/logx"
)

type App struct {
	cfg      *config.Config
	log      logx.Logger
	store    store.Store
	inbox    mail.Inbox
	auth     *tenant.Authority
	sessions site.Factory
	clock    *dwell.Clock
	coord    *schedule.Coordinator

	systemAddress string
}

// New builds the app. Startup faults here (missing token file, unopenable
// store, no default tenant bundle) are unrecoverable and surface as a
// non-zero exit; everything later is handled per message or per tenant.
func New(cfg *config.Config, log logx.Logger) (*App, error) {
	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeout.Std(),
	}, log.With(logx.String("component", "store")))
	if err != nil {
		return nil, err
	}

	inbox, err := gmail.New(gmail.Config{
		TokenFile:     cfg.Mail.TokenFile,
		SystemAddress: cfg.Mail.SystemAddress,
		RatePerSec:    cfg.Mail.RatePerSec,
	}, log.With(logx.String("component", "gmail")))
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	auth := tenant.NewAuthority(cfg.TenantsDir, log.With(logx.String("component", "tenant")))
	if _, err := auth.Validate(tenant.DefaultID); err != nil {
		_ = st.Close()
		return nil, err
	}

	sessions := site.NewChromeFactory(site.Config{
		ExecPath:    cfg.Site.ExecPath,
		Headful:     cfg.Site.Headful,
		StepTimeout: cfg.Site.StepTimeout.Std(),
	})

	clock := dwell.New(log.With(logx.String("component", "dwell")))
	notifier := notify.New(notify.Config{RatePerMin: cfg.Notify.RatePerMin},
		inbox, log.With(logx.String("component", "notify")))

	coord := schedule.NewCoordinator(schedule.Config{
		HoldBuffer:  cfg.HoldBuffer(),
		LoginBuffer: cfg.LoginBuffer(),
		FireDelay:   cfg.FireDelay(),
		MaxWorkers:  cfg.Schedule.MaxWorkers,
		Retention:   cfg.Retention(),
	}, st, clock, auth, sessions, notifier, log.With(logx.String("component", "schedule")))

	return &App{
		cfg:           cfg,
		log:           log,
		store:         st,
		inbox:         inbox,
		auth:          auth,
		sessions:      sessions,
		clock:         clock,
		coord:         coord,
		systemAddress: cfg.Mail.SystemAddress,
	}, nil
}

func (a *App) Close() error {
	return a.store.Close()
}
