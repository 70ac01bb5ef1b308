package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"joinbot/internal/faults"
	"joinbot/internal/intent"
	"joinbot/internal/mail"
	"joinbot/internal/resolve"
	"joinbot/internal/store"
	"joinbot/internal/tenant"
	"joinbot/pkg/logx"
)

// CheckInbox fetches unread mail and processes each message independently.
// A failure on one message never blocks the rest; unauthorized mail is
// dropped without a reply so the mailbox does not confirm its own existence
// to strangers.
func (a *App) CheckInbox(ctx context.Context) error {
	msgs, err := a.inbox.FetchUnread(ctx)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		a.log.Debug("inbox check: no unread mail")
		return nil
	}
	a.log.Info("inbox check", logx.Int("messages", len(msgs)))

	for _, m := range msgs {
		id := uuid.NewString()[:8]
		log := a.log.With(logx.String("msg", m.ID()), logx.String("pass", id))
		if err := a.handleMessage(ctx, log, m); err != nil {
			log.Error("message handling failed", logx.Err(err))
		}
	}
	return nil
}

func (a *App) handleMessage(ctx context.Context, log logx.Logger, m mail.Message) error {
	sender := mail.CanonicalAddress(m.From())

	known, err := a.inbox.KnownContact(ctx, sender)
	if err != nil {
		return fmt.Errorf("contact lookup for %s: %w", sender, err)
	}
	if !known {
		log.Warn("dropping mail from unknown sender", logx.String("from", sender))
		return a.inbox.MarkRead(ctx, m)
	}

	tenantID, err := tenant.ExtractTenantID(m.To(), a.systemAddress)
	if err != nil {
		log.Warn("dropping mail with ambiguous tenant", logx.Err(err))
		return a.inbox.MarkRead(ctx, m)
	}
	if _, err := a.auth.Validate(tenantID); err != nil {
		log.Warn("dropping mail for unknown tenant",
			logx.String("tenant", tenantID), logx.Err(err))
		return a.inbox.MarkRead(ctx, m)
	}
	if !a.auth.IsSenderAuthorized(sender, tenantID) {
		log.Warn("dropping mail from unauthorized sender",
			logx.String("from", sender), logx.String("tenant", tenantID))
		return a.inbox.MarkRead(ctx, m)
	}

	log = log.With(logx.String("tenant", tenantID))
	cmd := intent.Parse(m)
	log.Info("command parsed",
		logx.String("action", cmd.Action.String()),
		logx.String("event_date", cmd.EventDate),
		logx.String("time_range", cmd.TimeRange))

	var reply mail.Reply
	switch cmd.Action {
	case intent.ActionReport:
		reply, err = a.buildReport(ctx, tenantID)
	case intent.ActionRemove:
		reply, err = a.removeEvent(ctx, tenantID, cmd)
	case intent.ActionAdd:
		reply, err = a.addEvent(ctx, log, tenantID, cmd)
	default:
		reply = mail.Reply{Text: "Could not find an event date and time range in your message.\n" +
			"Example: Mon, Jan 12 6:00pm - 7:00pm"}
	}
	if err != nil {
		return err
	}

	if err := a.inbox.Reply(ctx, m, reply); err != nil {
		return fmt.Errorf("reply: %w", err)
	}
	if err := a.inbox.MarkRead(ctx, m); err != nil {
		return err
	}
	return a.inbox.Archive(ctx, m)
}

func (a *App) buildReport(ctx context.Context, tenantID string) (mail.Reply, error) {
	events, err := a.store.ListForTenant(ctx, tenantID)
	if err != nil {
		return mail.Reply{}, err
	}
	if len(events) == 0 {
		return mail.Reply{
			Text:    "No registrations are scheduled.",
			Subject: "Scheduled registrations",
		}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d scheduled registration(s):\n\n", len(events))
	for _, ev := range events {
		fmt.Fprintf(&b, "  %s %s  (registers %s)\n",
			ev.EventDate, ev.TimeRange, ev.RegistrationTime.Local().Format("Mon Jan 2 15:04:05"))
		if ev.AdditionalInfo != "" {
			fmt.Fprintf(&b, "    note: %s\n", ev.AdditionalInfo)
		}
	}
	return mail.Reply{Text: b.String(), Subject: "Scheduled registrations"}, nil
}

func (a *App) removeEvent(ctx context.Context, tenantID string, cmd intent.Intent) (mail.Reply, error) {
	if err := a.store.Remove(ctx, cmd.EventDate, cmd.TimeRange, tenantID); err != nil {
		return mail.Reply{}, err
	}
	return mail.Reply{
		Text: fmt.Sprintf("Cancelled the registration for %s %s.", cmd.EventDate, cmd.TimeRange),
	}, nil
}

// addEvent logs in, asks the schedule page when the event opens, and stores
// or explains the outcome. Resolution that needs no scheduling (already open,
// ineligible, unlocatable) still gets a reply: silence is reserved for
// unauthorized mail.
func (a *App) addEvent(ctx context.Context, log logx.Logger, tenantID string, cmd intent.Intent) (mail.Reply, error) {
	cred, err := a.auth.Load(tenantID)
	if err != nil {
		return mail.Reply{}, err
	}

	session, err := a.sessions(log.With(logx.String("component", "site")))
	if err != nil {
		return mail.Reply{}, err
	}
	defer session.Close()

	if err := session.Login(ctx, cred); err != nil {
		return mail.Reply{}, err
	}

	res, err := resolve.New(session, log).Resolve(ctx, cmd.EventDate, cmd.TimeRange, cred.DefaultRegistrationTime)
	var amb *faults.AmbiguousError
	if errors.As(err, &amb) {
		text := fmt.Sprintf("Could not determine when registration for %s %s opens. Nothing was scheduled.",
			cmd.EventDate, cmd.TimeRange)
		if amb.Info != "" {
			text += "\n" + amb.Info
		}
		return mail.Reply{Text: text}, nil
	}
	if err != nil {
		return mail.Reply{}, err
	}

	switch res.State {
	case resolve.StateOpensAt:
		if err := a.scheduleEvent(ctx, log, tenantID, cmd, res); err != nil {
			return mail.Reply{}, err
		}
		text := fmt.Sprintf("Scheduled: %s %s registers at %s.",
			cmd.EventDate, cmd.TimeRange, res.OpensAt.Local().Format("Mon Jan 2 15:04:05"))
		if res.Info != "" {
			text += "\nNote: " + res.Info
		}
		return mail.Reply{Text: text}, nil

	case resolve.StateAlreadyOpen:
		return mail.Reply{Text: fmt.Sprintf(
			"Registration for %s %s is already open. Join it directly; nothing was scheduled.",
			cmd.EventDate, cmd.TimeRange)}, nil

	case resolve.StateIneligible:
		text := fmt.Sprintf("Registration for %s %s is not available for this account.",
			cmd.EventDate, cmd.TimeRange)
		if res.Info != "" {
			text += "\n" + res.Info
		}
		return mail.Reply{Text: text}, nil

	default:
		text := fmt.Sprintf("Could not find %s %s on the schedule page. Nothing was scheduled.",
			cmd.EventDate, cmd.TimeRange)
		if res.Info != "" {
			text += "\n" + res.Info
		}
		return mail.Reply{Text: text}, nil
	}
}

// scheduleEvent replaces any stale row at the same instant before upserting.
// A changed date or time range produces a new spec key, so the old row would
// otherwise fire alongside the new one.
func (a *App) scheduleEvent(ctx context.Context, log logx.Logger, tenantID string, cmd intent.Intent, res resolve.Resolution) error {
	spec := store.SpecKey(cmd.EventDate, cmd.TimeRange)

	existing, err := a.store.FindByRegistrationTime(ctx, res.OpensAt, tenantID)
	if err != nil {
		return err
	}
	for _, ev := range existing {
		if ev.Spec == spec {
			continue
		}
		log.Info("replacing stale entry at same instant", logx.String("old_spec", ev.Spec))
		if err := a.store.Remove(ctx, ev.EventDate, ev.TimeRange, tenantID); err != nil {
			return err
		}
	}

	return a.store.Upsert(ctx, store.Event{
		Spec:             spec,
		TenantID:         tenantID,
		EventDate:        cmd.EventDate,
		TimeRange:        cmd.TimeRange,
		RegistrationTime: res.OpensAt,
		AdditionalInfo:   res.Info,
	})
}
