// Package resolve turns a page's joinability indicator into an absolute
// registration instant.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"joinbot/internal/faults"
	"joinbot/internal/site"
	"joinbot/pkg/logx"
)

// State is the explicit outcome classification. The page only distinguishes
// these cases heuristically, so the split lives here, in one place, instead
// of being encoded in a null/non-null pair.
type State int

const (
	// StateUnknown: the event could not be located on the schedule page.
	StateUnknown State = iota

	// StateOpensAt: the page shows a future opening date; OpensAt is set.
	StateOpensAt

	// StateAlreadyOpen: the join control is already active. There is
	// nothing to schedule; the requester should just join.
	StateAlreadyOpen

	// StateIneligible: no opening date and no join control, typically a
	// tier restriction. Info carries whatever the page said.
	StateIneligible
)

func (s State) String() string {
	switch s {
	case StateOpensAt:
		return "opens_at"
	case StateAlreadyOpen:
		return "already_open"
	case StateIneligible:
		return "ineligible"
	default:
		return "unknown"
	}
}

// Resolution is the resolver's answer for one event.
type Resolution struct {
	State   State
	OpensAt time.Time // valid only for StateOpensAt
	Info    string    // caveat text surfaced to the requester
}

// Resolver asks a page session when an event opens.
type Resolver struct {
	session site.Session
	now     func() time.Time
	log     logx.Logger
}

func New(session site.Session, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{session: session, now: time.Now, log: log}
}

// "Jan 12" inside the indicator text.
var openDatePattern = regexp.MustCompile(`\b([A-Z][a-z]{2}) (\d{1,2})\b`)

// Resolve locates the event and classifies its access window.
// defaultTimeOfDay ("15:04:05", may be empty) supplies the time component
// when the page shows a bare date.
func (r *Resolver) Resolve(ctx context.Context, eventDate, timeRange, defaultTimeOfDay string) (Resolution, error) {
	h, err := r.session.LocateEvent(ctx, eventDate, timeRange)
	if errors.Is(err, site.ErrNotFound) {
		r.log.Info("event not found on schedule page",
			logx.String("event_date", eventDate), logx.String("time_range", timeRange))
		return Resolution{State: StateUnknown}, nil
	}
	if err != nil {
		return Resolution{}, err
	}

	w, err := r.session.ReadAccessWindow(ctx, h)
	if err != nil {
		return Resolution{}, err
	}

	if w.DateText == "" {
		if w.Joinable {
			return Resolution{State: StateAlreadyOpen, Info: w.Info}, nil
		}
		return Resolution{State: StateIneligible, Info: w.Info}, nil
	}

	opens, err := r.parseOpenDate(w.DateText, defaultTimeOfDay)
	if err != nil {
		// The page claims a gated event but the indicator cannot be turned
		// into an instant. That is an ambiguity to report back, not a silent
		// unknown: the requester may be able to retry with corrected intent.
		r.log.Warn("unparseable opening indicator",
			logx.String("text", w.DateText), logx.Err(err))
		return Resolution{}, &faults.AmbiguousError{Info: w.Info}
	}
	return Resolution{State: StateOpensAt, OpensAt: opens, Info: w.Info}, nil
}

// Handle re-locates the event for a follow-up click.
func (r *Resolver) Handle(ctx context.Context, eventDate, timeRange string) (site.Handle, error) {
	return r.session.LocateEvent(ctx, eventDate, timeRange)
}

// parseOpenDate extracts "Jan 12" from the indicator, attaches the
// registration time-of-day, and rolls the year forward when the computed
// instant has already passed.
func (r *Resolver) parseOpenDate(text, defaultTimeOfDay string) (time.Time, error) {
	m := openDatePattern.FindStringSubmatch(text)
	if m == nil {
		return time.Time{}, fmt.Errorf("no date in %q", text)
	}
	base, err := time.Parse("Jan 2", m[1]+" "+m[2])
	if err != nil {
		return time.Time{}, err
	}

	var hour, min, sec int
	if defaultTimeOfDay != "" {
		tod, err := time.Parse("15:04:05", defaultTimeOfDay)
		if err != nil {
			return time.Time{}, fmt.Errorf("bad default registration time %q: %w", defaultTimeOfDay, err)
		}
		hour, min, sec = tod.Hour(), tod.Minute(), tod.Second()
	}

	now := r.now()
	opens := time.Date(now.Year(), base.Month(), base.Day(), hour, min, sec, 0, now.Location())
	if opens.Before(now) {
		opens = time.Date(now.Year()+1, base.Month(), base.Day(), hour, min, sec, 0, now.Location())
	}
	return opens, nil
}
