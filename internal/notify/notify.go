// Package notify delivers registration outcomes over the mail transport.
package notify

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"joinbot/internal/mail"
	"joinbot/internal/schedule"
	"joinbot/pkg/logx"
)

// Config controls outbound notification throttling.
type Config struct {
	// RatePerMin bounds notification sends; a stuck batch retrying every
	// pass must not flood the mailbox. Defaults to 6.
	RatePerMin int
}

// Service sends per-tenant failure notices. Append-only from the caller's
// point of view: sends are throttled but never reordered.
type Service struct {
	inbox   mail.Inbox
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, inbox mail.Inbox, log logx.Logger) *Service {
	rpm := cfg.RatePerMin
	if rpm <= 0 {
		rpm = 6
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		inbox:   inbox,
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
		log:     log,
	}
}

// NotifyFailure implements schedule.Notifier.
func (s *Service) NotifyFailure(ctx context.Context, o schedule.Outcome) {
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	subject := fmt.Sprintf("Registration failed: %s", o.Spec)
	body := fmt.Sprintf(
		"The registration for %s (tenant %s) did not go through.\n\nError: %s\n\nThe event remains scheduled; it will not be retried automatically.\n",
		o.Spec, o.TenantID, o.Error,
	)
	if err := s.inbox.SendNotification(ctx, subject, body, o.TenantID); err != nil {
		s.log.Warn("failure notification not delivered",
			logx.String("tenant", o.TenantID), logx.Err(err))
		return
	}
	s.log.Info("failure notification sent",
		logx.String("tenant", o.TenantID), logx.String("spec", o.Spec))
}

var _ schedule.Notifier = (*Service)(nil)
