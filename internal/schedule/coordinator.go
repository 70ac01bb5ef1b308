// Package schedule runs the registration pass: pick the nearest batch, hold,
// log in, dwell to the instant, fire one registration per tenant.
package schedule

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"joinbot/internal/dwell"
	"joinbot/internal/faults"
	"joinbot/internal/site"
	"joinbot/internal/store"
	"joinbot/internal/tenant"
	"joinbot/pkg/logx"
)

// Config carries the pass timing knobs.
type Config struct {
	// HoldBuffer is how far before the registration instant a pass is
	// willing to start holding. A batch further away than this aborts the
	// pass; the next periodic invocation will pick it up.
	HoldBuffer time.Duration

	// LoginBuffer is how far before the instant tenants log in.
	LoginBuffer time.Duration

	// FireDelay shifts the click slightly past the nominal instant to
	// absorb network and render latency; the join control only activates
	// at the instant itself.
	FireDelay time.Duration

	// MaxWorkers caps concurrent tenant registrations.
	MaxWorkers int

	// Retention is the purge horizon for completed rows.
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.HoldBuffer <= 0 {
		c.HoldBuffer = 10 * time.Minute
	}
	if c.LoginBuffer <= 0 {
		c.LoginBuffer = time.Minute
	}
	if c.FireDelay <= 0 {
		c.FireDelay = 500 * time.Millisecond
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 4
	}
	if c.Retention <= 0 {
		c.Retention = store.DefaultRetention
	}
	return c
}

// Outcome is the per-tenant result of one pass, aggregated in memory for the
// duration of the pass and discarded after notifications fire.
type Outcome struct {
	TenantID string
	Spec     string
	Success  bool
	Error    string
}

// Notifier receives per-tenant failures after the batch completes.
type Notifier interface {
	NotifyFailure(ctx context.Context, o Outcome)
}

// Coordinator drives one scheduling pass at a time.
type Coordinator struct {
	cfg      Config
	store    store.Store
	clock    *dwell.Clock
	auth     *tenant.Authority
	sessions site.Factory
	notifier Notifier
	log      logx.Logger
	now      func() time.Time
}

func NewCoordinator(cfg Config, st store.Store, clock *dwell.Clock, auth *tenant.Authority, sessions site.Factory, notifier Notifier, log logx.Logger) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{
		cfg:      cfg.withDefaults(),
		store:    st,
		clock:    clock,
		auth:     auth,
		sessions: sessions,
		notifier: notifier,
		log:      log,
		now:      time.Now,
	}
}

// RunPass executes one pass. It returns the per-tenant outcomes, or nil when
// there was nothing due. A storage failure or a batch with no loadable
// credentials aborts the pass with an error; per-tenant registration
// failures do not.
func (c *Coordinator) RunPass(ctx context.Context) ([]Outcome, error) {
	passID := uuid.NewString()[:8]
	log := c.log.With(logx.String("pass", passID))

	batch, err := c.store.NextBatchAfter(ctx, c.now())
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		log.Info("no upcoming events")
		return nil, nil
	}

	at := batch[0].RegistrationTime
	log.Info("batch selected",
		logx.Time("registration_time", at),
		logx.Int("tenants", len(batch)))

	// Too far in the future: abort the whole pass, no partial state.
	if !c.clock.WithinWindow(at, c.cfg.HoldBuffer) {
		log.Info("registration time outside hold window; skipping pass",
			logx.Duration("hold_buffer", c.cfg.HoldBuffer))
		return nil, nil
	}

	// Resolve credentials up front. A tenant without a bundle becomes a
	// failed outcome; if nobody in the batch has credentials there is no
	// work to do and the pass itself is at fault.
	type job struct {
		ev   store.Event
		cred tenant.Credential
	}
	jobs := make([]job, 0, len(batch))
	outcomes := make([]Outcome, 0, len(batch))
	for _, ev := range batch {
		cred, err := c.auth.Load(ev.TenantID)
		if err != nil {
			log.Warn("tenant credentials unavailable",
				logx.String("tenant", ev.TenantID), logx.Err(err))
			outcomes = append(outcomes, Outcome{TenantID: ev.TenantID, Spec: ev.Spec, Error: err.Error()})
			continue
		}
		jobs = append(jobs, job{ev: ev, cred: cred})
	}
	if len(jobs) == 0 {
		return nil, faults.Configuration("no tenant in the batch at %s has usable credentials", at)
	}

	// HOLDING: one central dwell to the hold point.
	c.clock.UntilOffset(at, c.cfg.HoldBuffer)

	// Fan out one task per tenant on a bounded pool. Tasks share nothing
	// but the outcome channel; each owns its session exclusively, so one
	// tenant's latency cannot delay another's click.
	workers := c.cfg.MaxWorkers
	if len(jobs) < workers {
		workers = len(jobs)
	}
	jobCh := make(chan job, len(jobs))
	resCh := make(chan Outcome, len(jobs))

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := range jobCh {
				resCh <- c.registerTenant(ctx, log, at, j.ev, j.cred)
			}
		}()
	}
	// Enqueue in tenant order (the batch is already tenant-ascending).
	// This fixes the login log order; firing order is unspecified.
	for _, j := range jobs {
		jobCh <- j
	}
	close(jobCh)
	wg.Wait()
	close(resCh)

	for o := range resCh {
		outcomes = append(outcomes, o)
	}

	for _, o := range outcomes {
		if o.Success {
			log.Info("registration succeeded",
				logx.String("tenant", o.TenantID), logx.String("spec", o.Spec))
			continue
		}
		log.Warn("registration failed",
			logx.String("tenant", o.TenantID), logx.String("spec", o.Spec), logx.String("err", o.Error))
		if c.notifier != nil {
			c.notifier.NotifyFailure(ctx, o)
		}
	}

	// Opportunistic purge, strictly after firing so it can never delay a
	// registration.
	if _, err := c.store.PurgeOlderThan(ctx, c.cfg.Retention); err != nil {
		log.Warn("purge failed", logx.Err(err))
	}
	return outcomes, nil
}

// registerTenant runs one tenant's LOGGING_IN -> ARMED -> FIRING sequence.
// Any panic or error is converted into a failed Outcome at this boundary;
// nothing escapes to sibling tenants.
func (c *Coordinator) registerTenant(ctx context.Context, log logx.Logger, at time.Time, ev store.Event, cred tenant.Credential) (out Outcome) {
	out = Outcome{TenantID: ev.TenantID, Spec: ev.Spec}
	tlog := log.With(logx.String("tenant", ev.TenantID))

	defer func() {
		if r := recover(); r != nil {
			out.Success = false
			out.Error = fmt.Sprintf("panic: %v", r)
			tlog.Error("registration task panicked",
				logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	session, err := c.sessions(tlog)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	defer func() { _ = session.Close() }()

	// LOGGING_IN
	c.clock.UntilOffset(at, c.cfg.LoginBuffer)
	if err := session.Login(ctx, cred); err != nil {
		out.Error = err.Error()
		return out
	}

	h, err := session.LocateEvent(ctx, ev.EventDate, ev.TimeRange)
	if err != nil {
		out.Error = err.Error()
		return out
	}

	// ARMED: dwell through the instant plus the latency compensation.
	c.clock.UntilOffset(at, -c.cfg.FireDelay)

	// FIRING
	if err := session.ClickJoin(ctx, h); err != nil {
		out.Error = err.Error()
		return out
	}
	out.Success = true
	return out
}
