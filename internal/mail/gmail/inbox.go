package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"joinbot/internal/mail"
	"joinbot/pkg/logx"
)

// API payload shapes (only the fields we read).

type listResponse struct {
	Messages []struct {
		ID       string `json:"id"`
		ThreadID string `json:"threadId"`
	} `json:"messages"`
	NextPageToken string `json:"nextPageToken"`
}

type apiMessage struct {
	ID       string     `json:"id"`
	ThreadID string     `json:"threadId"`
	Payload  apiPayload `json:"payload"`
}

type apiPayload struct {
	MimeType string       `json:"mimeType"`
	Headers  []apiHeader  `json:"headers"`
	Body     apiBody      `json:"body"`
	Parts    []apiPayload `json:"parts"`
}

type apiHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type apiBody struct {
	Data string `json:"data"`
}

// FetchUnread lists unread inbox mail, following list pagination, and
// materializes each message.
func (c *Client) FetchUnread(ctx context.Context) ([]mail.Message, error) {
	var out []mail.Message
	pageToken := ""
	for {
		u := c.gmailBase + "/messages?labelIds=INBOX&q=" + url.QueryEscape("is:unread")
		if pageToken != "" {
			u += "&pageToken=" + url.QueryEscape(pageToken)
		}
		var list listResponse
		if err := c.call(ctx, "GET", u, nil, "", &list); err != nil {
			return nil, err
		}

		for _, ref := range list.Messages {
			var am apiMessage
			if err := c.call(ctx, "GET", c.gmailBase+"/messages/"+ref.ID+"?format=full", nil, "", &am); err != nil {
				return nil, err
			}
			m, err := toMessage(am)
			if err != nil {
				// A message we cannot shape (no From, no To) is skipped, not fatal:
				// mailing-list bounces and calendar invites land here.
				c.log.Warn("skipping malformed message", logx.String("id", ref.ID), logx.Err(err))
				continue
			}
			out = append(out, m)
		}

		if list.NextPageToken == "" {
			return out, nil
		}
		pageToken = list.NextPageToken
	}
}

func toMessage(am apiMessage) (mail.Message, error) {
	var from, subject string
	var to []string
	for _, h := range am.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "from":
			from = mail.CanonicalAddress(h.Value)
		case "to", "delivered-to", "cc":
			for _, part := range strings.Split(h.Value, ",") {
				if addr := mail.CanonicalAddress(part); addr != "" {
					to = append(to, addr)
				}
			}
		case "subject":
			subject = h.Value
		}
	}
	body := plainTextBody(am.Payload)
	return mail.NewMessage(am.ID, am.ThreadID, from, to, subject, body)
}

// plainTextBody walks the MIME tree for the first text/plain part.
func plainTextBody(p apiPayload) string {
	if strings.HasPrefix(p.MimeType, "text/plain") && p.Body.Data != "" {
		if b, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(strings.TrimRight(p.Body.Data, "=")); err == nil {
			return string(b)
		}
	}
	for _, part := range p.Parts {
		if s := plainTextBody(part); s != "" {
			return s
		}
	}
	return ""
}

func (c *Client) MarkRead(ctx context.Context, m mail.Message) error {
	return c.modify(ctx, m.ID(), []string{"UNREAD"})
}

func (c *Client) Archive(ctx context.Context, m mail.Message) error {
	return c.modify(ctx, m.ID(), []string{"INBOX"})
}

func (c *Client) modify(ctx context.Context, id string, removeLabels []string) error {
	body, _ := json.Marshal(map[string]any{"removeLabelIds": removeLabels})
	return c.call(ctx, "POST", c.gmailBase+"/messages/"+id+"/modify", bytes.NewReader(body), "application/json", nil)
}

// Delete moves the message to trash. The permanent delete endpoint needs a
// broader OAuth scope and there is no reason to hold it.
func (c *Client) Delete(ctx context.Context, m mail.Message) error {
	return c.call(ctx, "POST", c.gmailBase+"/messages/"+m.ID()+"/trash", nil, "", nil)
}

// Reply sends a plaintext (optionally multipart with HTML) reply on the
// message's thread.
func (c *Client) Reply(ctx context.Context, m mail.Message, r mail.Reply) error {
	subject := r.Subject
	if subject == "" {
		subject = m.Subject()
		if !strings.HasPrefix(strings.ToLower(subject), "re:") {
			subject = "Re: " + subject
		}
	}
	raw := buildMIME(c.cfg.SystemAddress, m.From(), subject, r.Text, r.HTML)
	payload, _ := json.Marshal(map[string]string{
		"raw":      base64.URLEncoding.EncodeToString(raw),
		"threadId": m.ThreadID(),
	})
	return c.call(ctx, "POST", c.gmailBase+"/messages/send", bytes.NewReader(payload), "application/json", nil)
}

// SendNotification mails the system's own plus-tagged address so the notice
// lands in the tenant's thread of record.
func (c *Client) SendNotification(ctx context.Context, subject, body, tenantID string) error {
	to := tagAddress(c.cfg.SystemAddress, tenantID)
	raw := buildMIME(c.cfg.SystemAddress, to, subject, body, "")
	payload, _ := json.Marshal(map[string]string{
		"raw": base64.URLEncoding.EncodeToString(raw),
	})
	return c.call(ctx, "POST", c.gmailBase+"/messages/send", bytes.NewReader(payload), "application/json", nil)
}

// KnownContact lists the account's contacts and reports whether addr is one
// of them. This is the global authorization layer; the per-tenant allow-list
// is checked separately.
func (c *Client) KnownContact(ctx context.Context, addr string) (bool, error) {
	addr = mail.CanonicalAddress(addr)
	if addr == "" {
		return false, nil
	}

	type connectionsResponse struct {
		Connections []struct {
			EmailAddresses []struct {
				Value string `json:"value"`
			} `json:"emailAddresses"`
		} `json:"connections"`
		NextPageToken string `json:"nextPageToken"`
	}

	pageToken := ""
	for {
		u := c.peopleBase + "/people/me/connections?personFields=emailAddresses&pageSize=200"
		if pageToken != "" {
			u += "&pageToken=" + url.QueryEscape(pageToken)
		}
		var resp connectionsResponse
		if err := c.call(ctx, "GET", u, nil, "", &resp); err != nil {
			return false, err
		}
		for _, person := range resp.Connections {
			for _, e := range person.EmailAddresses {
				if mail.CanonicalAddress(e.Value) == addr {
					return true, nil
				}
			}
		}
		if resp.NextPageToken == "" {
			return false, nil
		}
		pageToken = resp.NextPageToken
	}
}

// buildMIME assembles an RFC 2822 message, multipart/alternative when an
// HTML body is present.
func buildMIME(from, to, subject, text, html string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")

	if html == "" {
		b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")
		b.WriteString(text)
		return b.Bytes()
	}

	const boundary = "joinbot-alt-boundary"
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)
	fmt.Fprintf(&b, "--%s\r\nContent-Type: text/plain; charset=\"UTF-8\"\r\n\r\n%s\r\n", boundary, text)
	fmt.Fprintf(&b, "--%s\r\nContent-Type: text/html; charset=\"UTF-8\"\r\n\r\n%s\r\n", boundary, html)
	fmt.Fprintf(&b, "--%s--\r\n", boundary)
	return b.Bytes()
}

// tagAddress inserts a plus tag into the local part of addr.
func tagAddress(addr, tag string) string {
	if tag == "" {
		return addr
	}
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return addr
	}
	local := addr[:at]
	if i := strings.Index(local, "+"); i >= 0 {
		local = local[:i]
	}
	return local + "+" + tag + addr[at:]
}
