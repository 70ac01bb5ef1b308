package site

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"joinbot/internal/faults"
	"joinbot/internal/tenant"
	"joinbot/pkg/logx"
)

// Config tunes the headless browser adapter.
type Config struct {
	// ExecPath points at the Chrome/Chromium binary. Empty lets chromedp
	// find one.
	ExecPath string

	// Headless defaults to true; set false only for local debugging.
	Headful bool

	// StepTimeout bounds each browser-driven step (login, locate, click).
	// A step that overruns is surfaced as an InteractionError, never a
	// process crash. Defaults to 30s.
	StepTimeout time.Duration
}

func (c Config) stepTimeout() time.Duration {
	if c.StepTimeout <= 0 {
		return 30 * time.Second
	}
	return c.StepTimeout
}

// chromeSession drives one headless Chrome via the DevTools protocol.
type chromeSession struct {
	cfg Config
	log logx.Logger

	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserStop context.CancelFunc

	loggedIn bool
	domain   string
	events   string
}

// NewChromeFactory returns a Factory producing independent browser sessions.
func NewChromeFactory(cfg Config) Factory {
	return func(log logx.Logger) (Session, error) {
		return newChromeSession(cfg, log)
	}
}

func newChromeSession(cfg Config, log logx.Logger) (*chromeSession, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.Headful {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserStop := chromedp.NewContext(allocCtx)

	s := &chromeSession{
		cfg:         cfg,
		log:         log,
		allocCancel: allocCancel,
		browserCtx:  browserCtx,
		browserStop: browserStop,
	}
	// Start the browser eagerly so a missing binary fails at construction,
	// not in the middle of a timed dwell.
	if err := chromedp.Run(browserCtx); err != nil {
		allocCancel()
		return nil, faults.Interaction("start", err)
	}
	return s, nil
}

// step runs actions under the configured per-step timeout.
func (s *chromeSession) step(ctx context.Context, op string, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(s.browserCtx, s.cfg.stepTimeout())
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return faults.Interaction(op, err)
	}
	return nil
}

func (s *chromeSession) Login(ctx context.Context, cred tenant.Credential) error {
	if s.loggedIn {
		s.log.Debug("already logged in")
		return nil
	}
	u, err := url.Parse(cred.LoginURL)
	if err != nil {
		return faults.Interaction("login", fmt.Errorf("bad login url %q: %w", cred.LoginURL, err))
	}
	s.domain = strings.ToLower(u.Host)
	s.events = cred.EventsURL
	if s.events == "" {
		s.events = u.Scheme + "://" + u.Host + "/"
	}

	s.log.Info("logging in", logx.String("domain", s.domain))
	err = s.step(ctx, "login",
		chromedp.Navigate(cred.LoginURL),
		chromedp.WaitVisible(`input[name="email"]`, chromedp.ByQuery),
		chromedp.SendKeys(`input[name="email"]`, cred.Email, chromedp.ByQuery),
		chromedp.SendKeys(`input[name="password"]`, cred.Password, chromedp.ByQuery),
		chromedp.Click(`//button[contains(text(), 'Login')]`),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return err
	}
	s.loggedIn = true
	s.log.Info("logged in")
	return nil
}

func (s *chromeSession) LocateEvent(ctx context.Context, eventDate, timeRange string) (Handle, error) {
	// Event cards link to their detail page; match on the date and time
	// text the card renders.
	xpath := fmt.Sprintf(
		`//a[contains(., %s) and contains(., %s)]`,
		xpathString(eventDate), xpathString(timeRange),
	)

	var href string
	var found bool
	err := s.step(ctx, "locate",
		chromedp.Navigate(s.events),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.AttributeValue(xpath, "href", &href, &found),
	)
	if err != nil {
		return Handle{}, err
	}
	if !found || href == "" {
		return Handle{}, ErrNotFound
	}
	abs, err := s.resolveURL(href)
	if err != nil {
		return Handle{}, faults.Interaction("locate", err)
	}
	s.log.Debug("event located", logx.String("url", abs))
	return Handle{URL: abs}, nil
}

func (s *chromeSession) ReadAccessWindow(ctx context.Context, h Handle) (Window, error) {
	if err := s.sameDomain(h); err != nil {
		return Window{}, err
	}

	var dateText, info string
	var joinable bool
	err := s.step(ctx, "read_window",
		chromedp.Navigate(h.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		// "This event is not joinable until Jan 12" style indicator.
		chromedp.Evaluate(`(() => {
			const h6 = [...document.querySelectorAll('h6')].find(e => e.textContent.includes('not joinable'));
			return h6 ? h6.textContent : '';
		})()`, &dateText),
		chromedp.Evaluate(`(() => {
			const btns = [...document.querySelectorAll('button')];
			return btns.some(b => b.textContent.includes('Join') && !b.disabled);
		})()`, &joinable),
		// Body content after the header carries tier/eligibility caveats.
		chromedp.Evaluate(`(() => {
			let els = [...document.querySelectorAll('header ~ *')];
			for (let i = 0; i < 10 && els.length === 1; i++) {
				els = [...els[0].children];
			}
			return els.length ? els[0].innerText.replaceAll('\n', ' - ') : '';
		})()`, &info),
	)
	if err != nil {
		return Window{}, err
	}
	return Window{DateText: dateText, Joinable: joinable, Info: info}, nil
}

func (s *chromeSession) ClickJoin(ctx context.Context, h Handle) error {
	if err := s.sameDomain(h); err != nil {
		return err
	}
	s.log.Info("clicking join", logx.String("url", h.URL))
	err := s.step(ctx, "join",
		chromedp.Navigate(h.URL),
		chromedp.WaitVisible(`//button[contains(text(), 'Join')]`),
		chromedp.Click(`//button[contains(text(), 'Join')]`),
		// Give the site a moment to commit the registration before the
		// session is torn down.
		chromedp.Sleep(5*time.Second),
	)
	if err != nil {
		return err
	}
	s.log.Info("join clicked", logx.String("url", h.URL))
	return nil
}

func (s *chromeSession) Close() error {
	s.browserStop()
	s.allocCancel()
	return nil
}

// sameDomain refuses to operate on a handle outside the login domain.
func (s *chromeSession) sameDomain(h Handle) error {
	u, err := url.Parse(h.URL)
	if err != nil {
		return faults.Interaction("navigate", err)
	}
	if s.domain != "" && !strings.EqualFold(u.Host, s.domain) {
		return faults.Interaction("navigate", fmt.Errorf("event host %q does not match site %q", u.Host, s.domain))
	}
	return nil
}

func (s *chromeSession) resolveURL(href string) (string, error) {
	ref, err := url.Parse(href)
	if err != nil {
		return "", err
	}
	base, err := url.Parse(s.events)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// xpathString quotes s as an XPath string literal, handling embedded quotes.
func xpathString(s string) string {
	if !strings.Contains(s, `'`) {
		return "'" + s + "'"
	}
	parts := strings.Split(s, `'`)
	return `concat('` + strings.Join(parts, `', "'", '`) + `')`
}
