// Package site defines the browser-driven page-interaction contracts. The
// scheduling core only sees these interfaces; the chromedp adapter lives
// alongside them.
package site

import (
	"context"
	"errors"

	"joinbot/internal/tenant"
	"joinbot/pkg/logx"
)

// ErrNotFound means the event card could not be located on the schedule page.
var ErrNotFound = errors.New("site: event not found")

// Handle references a located event.
type Handle struct {
	URL string
}

// Window is what the event page says about joinability.
type Window struct {
	// DateText is the raw "not joinable until ..." indicator text, empty
	// when the page shows no opening date.
	DateText string

	// Joinable reports an active join control, i.e. the event is already
	// open for registration.
	Joinable bool

	// Info is free-text page content (eligibility tiers and similar
	// caveats), surfaced back to the requester.
	Info string
}

// Session is one logged-in browser session. A session belongs to exactly one
// tenant task and is never shared; concurrent registrations each own their
// own session.
type Session interface {
	// Login authenticates against the site. Idempotent when already
	// logged in.
	Login(ctx context.Context, cred tenant.Credential) error

	// LocateEvent finds the event card matching the date and time range.
	// Returns ErrNotFound when no card matches.
	LocateEvent(ctx context.Context, eventDate, timeRange string) (Handle, error)

	// ReadAccessWindow reads the joinability indicator for a located event.
	ReadAccessWindow(ctx context.Context, h Handle) (Window, error)

	// ClickJoin performs the registration click.
	ClickJoin(ctx context.Context, h Handle) error

	Close() error
}

// Factory builds a fresh session. The coordinator calls it once per tenant
// per batch.
type Factory func(log logx.Logger) (Session, error)
