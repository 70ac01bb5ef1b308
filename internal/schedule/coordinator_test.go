package schedule

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"joinbot/internal/dwell"
	"joinbot/internal/faults"
	"joinbot/internal/site"
	"joinbot/internal/store"
	"joinbot/internal/tenant"
	"joinbot/pkg/logx"
)

// fakeTime is a shared simulated wall clock; Sleep advances it.
type fakeTime struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeTime) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeTime) Sleep(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// scriptedSession fails configured steps and records join clicks.
type scriptedSession struct {
	tenantOf func(cred tenant.Credential) string
	fail     map[string]string // tenant -> step ("login" or "join")
	record   func(tenant string)

	mu     sync.Mutex
	tenant string
}

func (s *scriptedSession) Login(_ context.Context, cred tenant.Credential) error {
	s.mu.Lock()
	s.tenant = s.tenantOf(cred)
	step := s.fail[s.tenant]
	s.mu.Unlock()
	if step == "login" {
		return faults.Interaction("login", errors.New("bad password"))
	}
	return nil
}

func (s *scriptedSession) LocateEvent(context.Context, string, string) (site.Handle, error) {
	return site.Handle{URL: "https://site.example/events/1"}, nil
}

func (s *scriptedSession) ReadAccessWindow(context.Context, site.Handle) (site.Window, error) {
	return site.Window{}, nil
}

func (s *scriptedSession) ClickJoin(context.Context, site.Handle) error {
	s.mu.Lock()
	tag := s.tenant
	s.mu.Unlock()
	if s.fail[tag] == "join" {
		return faults.Interaction("join", errors.New("join button vanished"))
	}
	s.record(tag)
	return nil
}

func (s *scriptedSession) Close() error { return nil }

type recordingNotifier struct {
	mu       sync.Mutex
	failures []Outcome
}

func (n *recordingNotifier) NotifyFailure(_ context.Context, o Outcome) {
	n.mu.Lock()
	n.failures = append(n.failures, o)
	n.mu.Unlock()
}

type fixture struct {
	store    store.Store
	auth     *tenant.Authority
	ft       *fakeTime
	notifier *recordingNotifier

	clickMu sync.Mutex
	clicked []string
}

func (f *fixture) recordClick(tag string) {
	f.clickMu.Lock()
	f.clicked = append(f.clicked, tag)
	f.clickMu.Unlock()
}

func newFixture(t *testing.T, start time.Time, tenants []string, fail map[string]string) (*fixture, *Coordinator) {
	t.Helper()

	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "events.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	dir := t.TempDir()
	for _, tag := range tenants {
		bundle := "login_url: https://site.example/login\nemail: " + tag + "@site.example\npassword: x\nauthorized_senders: [" + tag + "@x.com]\n"
		if err := os.WriteFile(filepath.Join(dir, tag+".yaml"), []byte(bundle), 0o600); err != nil {
			t.Fatalf("write bundle: %v", err)
		}
	}
	auth := tenant.NewAuthority(dir, logx.Nop())

	f := &fixture{
		store:    st,
		auth:     auth,
		ft:       &fakeTime{now: start},
		notifier: &recordingNotifier{},
	}

	factory := func(logx.Logger) (site.Session, error) {
		return &scriptedSession{
			tenantOf: func(cred tenant.Credential) string {
				// bundle email is <tag>@site.example
				return cred.Email[:len(cred.Email)-len("@site.example")]
			},
			fail:   fail,
			record: f.recordClick,
		}, nil
	}

	c := NewCoordinator(Config{}, st, dwell.NewFake(f.ft.Now, f.ft.Sleep), auth, factory, f.notifier, logx.Nop())
	c.now = f.ft.Now
	return f, c
}

func seed(t *testing.T, st store.Store, tag string, at time.Time) {
	t.Helper()
	err := st.Upsert(context.Background(), store.Event{
		EventDate: "Mon, Jan 12", TimeRange: "6:00pm - 7:00pm",
		Spec:     store.SpecKey("Mon, Jan 12", "6:00pm - 7:00pm"),
		TenantID: tag, RegistrationTime: at,
	})
	if err != nil {
		t.Fatalf("seed upsert: %v", err)
	}
}

func TestRunPassFiresWholeBatchWithFailureIsolation(t *testing.T) {
	at := time.Date(2025, 1, 12, 10, 0, 0, 0, time.UTC)
	start := at.Add(-5 * time.Minute) // inside the 10m hold window

	f, c := newFixture(t, start, []string{"bob", "carol"}, map[string]string{"bob": "login"})
	seed(t, f.store, "bob", at)
	seed(t, f.store, "carol", at)

	outcomes, err := c.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(outcomes))
	}

	byTenant := map[string]Outcome{}
	for _, o := range outcomes {
		byTenant[o.TenantID] = o
	}
	if byTenant["bob"].Success {
		t.Error("bob's login was scripted to fail but the outcome is success")
	}
	if byTenant["bob"].Error == "" {
		t.Error("failed outcome carries no error text")
	}
	// Failure isolation: carol still fires despite bob's failure.
	if !byTenant["carol"].Success {
		t.Errorf("carol failed: %q", byTenant["carol"].Error)
	}
	if len(f.clicked) != 1 || f.clicked[0] != "carol" {
		t.Errorf("clicked = %v, want only carol", f.clicked)
	}

	if len(f.notifier.failures) != 1 || f.notifier.failures[0].TenantID != "bob" {
		t.Errorf("failure notifications = %+v, want one for bob", f.notifier.failures)
	}
}

func TestRunPassAllTenantsSucceed(t *testing.T) {
	at := time.Date(2025, 1, 12, 10, 0, 0, 0, time.UTC)
	f, c := newFixture(t, at.Add(-time.Minute), []string{"alice", "bob", "carol"}, nil)
	for _, tag := range []string{"alice", "bob", "carol"} {
		seed(t, f.store, tag, at)
	}

	outcomes, err := c.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(outcomes))
	}
	for _, o := range outcomes {
		if !o.Success {
			t.Errorf("tenant %s failed: %q", o.TenantID, o.Error)
		}
	}
	got := append([]string(nil), f.clicked...)
	sort.Strings(got)
	if len(got) != 3 {
		t.Fatalf("clicks = %v, want all three tenants", got)
	}
	if len(f.notifier.failures) != 0 {
		t.Errorf("unexpected failure notifications: %+v", f.notifier.failures)
	}
}

func TestRunPassSkipsBatchOutsideHoldWindow(t *testing.T) {
	at := time.Date(2025, 1, 12, 10, 0, 0, 0, time.UTC)
	f, c := newFixture(t, at.Add(-2*time.Hour), []string{"bob"}, nil)
	seed(t, f.store, "bob", at)

	outcomes, err := c.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}
	if outcomes != nil {
		t.Fatalf("outcomes = %+v, want nil for an out-of-window batch", outcomes)
	}
	if len(f.clicked) != 0 {
		t.Fatalf("clicked = %v, want none", f.clicked)
	}
	// The row must still be there for the next invocation.
	left, err := f.store.ListForTenant(context.Background(), "bob")
	if err != nil {
		t.Fatalf("ListForTenant failed: %v", err)
	}
	if len(left) != 1 {
		t.Fatalf("rows = %d, want the untouched event", len(left))
	}
}

func TestRunPassNothingDue(t *testing.T) {
	_, c := newFixture(t, time.Date(2025, 1, 12, 10, 0, 0, 0, time.UTC), nil, nil)
	outcomes, err := c.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}
	if outcomes != nil {
		t.Fatalf("outcomes = %+v, want nil", outcomes)
	}
}

func TestRunPassAbortsWhenNoCredentialsInBatch(t *testing.T) {
	at := time.Date(2025, 1, 12, 10, 0, 0, 0, time.UTC)
	f, c := newFixture(t, at.Add(-time.Minute), nil /* no bundles on disk */, nil)
	seed(t, f.store, "ghost", at)

	_, err := c.RunPass(context.Background())
	if !faults.IsConfiguration(err) {
		t.Fatalf("err = %v, want ConfigurationError for a batch with no usable credentials", err)
	}
}

func TestRunPassPurgesOldRowsAfterFiring(t *testing.T) {
	at := time.Date(2025, 1, 12, 10, 0, 0, 0, time.UTC)
	f, c := newFixture(t, at.Add(-time.Minute), []string{"bob"}, nil)
	seed(t, f.store, "bob", at)
	// A long-expired row from a past cycle.
	err := f.store.Upsert(context.Background(), store.Event{
		EventDate: "Mon, Dec 1", TimeRange: "6:00pm - 7:00pm",
		Spec:     store.SpecKey("Mon, Dec 1", "6:00pm - 7:00pm"),
		TenantID: "bob", RegistrationTime: at.Add(-30 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("seed old row: %v", err)
	}

	if _, err := c.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass failed: %v", err)
	}

	left, err := f.store.ListForTenant(context.Background(), "bob")
	if err != nil {
		t.Fatalf("ListForTenant failed: %v", err)
	}
	for _, ev := range left {
		if ev.Spec == store.SpecKey("Mon, Dec 1", "6:00pm - 7:00pm") {
			t.Fatal("expired row survived the post-pass purge")
		}
	}
}
