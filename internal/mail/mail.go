// Package mail defines the inbound-message transport contracts. The core
// never talks to a mail provider directly; it consumes these interfaces.
package mail

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

// Message is one inbound mail with named accessors. Construction validates
// the fields the passes depend on, so downstream code never deals with a
// half-populated header bag.
type Message struct {
	id       string
	threadID string
	from     string
	to       []string
	subject  string
	body     string
}

// NewMessage builds a Message. From and at least one To address are required.
func NewMessage(id, threadID, from string, to []string, subject, body string) (Message, error) {
	if strings.TrimSpace(id) == "" {
		return Message{}, errors.New("mail: message id is required")
	}
	if strings.TrimSpace(from) == "" {
		return Message{}, errors.New("mail: from address is required")
	}
	if len(to) == 0 {
		return Message{}, errors.New("mail: at least one recipient is required")
	}
	return Message{id: id, threadID: threadID, from: from, to: append([]string(nil), to...), subject: subject, body: body}, nil
}

func (m Message) ID() string       { return m.id }
func (m Message) ThreadID() string { return m.threadID }
func (m Message) From() string     { return m.from }
func (m Message) To() []string     { return append([]string(nil), m.to...) }
func (m Message) Subject() string  { return m.subject }
func (m Message) Body() string     { return m.body }

// Reply carries the pieces of an outbound reply. HTML is optional; Subject
// overrides the default "Re: <original>" when non-empty.
type Reply struct {
	Text    string
	HTML    string
	Subject string
}

// Inbox is the transport consumed by the inbox-check pass.
type Inbox interface {
	FetchUnread(ctx context.Context) ([]Message, error)
	MarkRead(ctx context.Context, m Message) error
	Archive(ctx context.Context, m Message) error
	Delete(ctx context.Context, m Message) error
	Reply(ctx context.Context, m Message, r Reply) error

	// SendNotification delivers an out-of-band notice (registration
	// outcome, failure alert) addressed for the given tenant.
	SendNotification(ctx context.Context, subject, body, tenantID string) error

	// KnownContact is the global sender layer: it reports whether addr is a
	// known contact of the system at all. The tenant-specific allow-list
	// check happens separately, after this one passes.
	KnownContact(ctx context.Context, addr string) (bool, error)
}

var addrPattern = regexp.MustCompile(`^.*<(.+@.+)>$`)

// CanonicalAddress reduces a display-form header value
// ("Bob Example <bob@example.com>") to the bare lower-cased address.
func CanonicalAddress(header string) string {
	s := strings.TrimSpace(header)
	if m := addrPattern.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	return strings.ToLower(strings.TrimSpace(s))
}
