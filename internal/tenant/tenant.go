// Package tenant resolves which account an inbound command acts for and
// whether the sender may act for it.
package tenant

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	yaml "go.yaml.in/yaml/v3"

	"joinbot/internal/faults"
	"joinbot/internal/mail"
	"joinbot/pkg/logx"
)

// DefaultID is the reserved tag used when a recipient address carries no
// plus suffix.
const DefaultID = "default"

// tagPattern is deliberately narrow: the tag becomes part of a file path, so
// anything outside this set is rejected before the bundle lookup.
var tagPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Credential is one tenant's bundle: the site login, the fallback
// registration time-of-day, and the senders allowed to act for the tenant.
type Credential struct {
	LoginURL string `yaml:"login_url"`

	// EventsURL is the schedule listing page. Defaults to LoginURL's origin
	// when omitted; event cards are located by their date and time text.
	EventsURL string `yaml:"events_url"`

	Email    string `yaml:"email"`
	Password string `yaml:"password"`

	// DefaultRegistrationTime is "15:04:05", applied when the page shows an
	// opening date without a time.
	DefaultRegistrationTime string `yaml:"default_registration_time"`

	AuthorizedSenders []string `yaml:"authorized_senders"`
}

// Authority loads bundles from a directory of <tag>.yaml files and answers
// the identity and authorization questions.
type Authority struct {
	dir string
	log logx.Logger
}

func NewAuthority(dir string, log logx.Logger) *Authority {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Authority{dir: dir, log: log}
}

// ExtractTenantID derives the tag from the recipient list.
//
// Only recipients sharing the system address's base local part and domain
// are considered; this stops a spoofed recipient list from selecting an
// unintended tenant. When systemAddress is empty and more than one recipient
// is present there is nothing to disambiguate with, which is a configuration
// error rather than a guess.
func ExtractTenantID(recipients []string, systemAddress string) (string, error) {
	systemAddress = mail.CanonicalAddress(systemAddress)

	candidates := make([]string, 0, len(recipients))
	for _, r := range recipients {
		addr := mail.CanonicalAddress(r)
		if addr == "" {
			continue
		}
		if systemAddress != "" && baseAddress(addr) != baseAddress(systemAddress) {
			continue
		}
		candidates = append(candidates, addr)
	}

	if len(candidates) == 0 {
		return DefaultID, nil
	}
	if systemAddress == "" && len(candidates) > 1 {
		return "", faults.Configuration("multiple recipients %v with no system address to disambiguate", candidates)
	}

	tags := map[string]bool{}
	for _, addr := range candidates {
		tags[addressTag(addr)] = true
	}
	delete(tags, DefaultID)

	switch len(tags) {
	case 0:
		return DefaultID, nil
	case 1:
		for tag := range tags {
			return tag, nil
		}
	}
	return "", faults.Configuration("recipients resolve to multiple tenant tags %v", keys(tags))
}

// addressTag returns the lower-cased plus suffix of the local part, or
// DefaultID when there is none.
func addressTag(addr string) string {
	local := addr
	if at := strings.LastIndex(addr, "@"); at >= 0 {
		local = addr[:at]
	}
	if i := strings.Index(local, "+"); i >= 0 && i+1 < len(local) {
		return strings.ToLower(local[i+1:])
	}
	return DefaultID
}

// baseAddress strips any plus suffix from the local part.
func baseAddress(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return addr
	}
	local := addr[:at]
	if i := strings.Index(local, "+"); i >= 0 {
		local = local[:i]
	}
	return local + addr[at:]
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Validate checks the tag's charset and that a credential bundle exists for
// it. Absence of a bundle is a hard failure, never a silent default.
func (a *Authority) Validate(tenantID string) (string, error) {
	if !tagPattern.MatchString(tenantID) {
		return "", fmt.Errorf("%w: %q", faults.ErrInvalidTenantID, tenantID)
	}
	if _, err := os.Stat(a.bundlePath(tenantID)); err != nil {
		return "", fmt.Errorf("%w: no credential bundle for %q", faults.ErrUnknownTenant, tenantID)
	}
	return tenantID, nil
}

// Load reads and parses the tenant's credential bundle.
func (a *Authority) Load(tenantID string) (Credential, error) {
	if !tagPattern.MatchString(tenantID) {
		return Credential{}, fmt.Errorf("%w: %q", faults.ErrInvalidTenantID, tenantID)
	}
	b, err := os.ReadFile(a.bundlePath(tenantID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Credential{}, fmt.Errorf("%w: no credential bundle for %q", faults.ErrUnknownTenant, tenantID)
		}
		return Credential{}, err
	}
	var cred Credential
	if err := yaml.Unmarshal(b, &cred); err != nil {
		return Credential{}, faults.Configuration("tenant %q: bad credential bundle: %v", tenantID, err)
	}
	if strings.TrimSpace(cred.LoginURL) == "" || strings.TrimSpace(cred.Email) == "" {
		return Credential{}, faults.Configuration("tenant %q: bundle is missing login_url or email", tenantID)
	}
	return cred, nil
}

// IsSenderAuthorized is fail-closed: true only when the sender is on the
// tenant's allow-list or is the tenant's own site login address. A tenant
// with an empty allow-list authorizes nobody, not even its own login
// address: an empty list is treated as "locked", never as "anyone".
func (a *Authority) IsSenderAuthorized(sender, tenantID string) bool {
	sender = mail.CanonicalAddress(sender)
	if sender == "" {
		return false
	}
	cred, err := a.Load(tenantID)
	if err != nil {
		a.log.Warn("sender authorization failed closed",
			logx.String("tenant", tenantID), logx.Err(err))
		return false
	}
	if len(cred.AuthorizedSenders) == 0 {
		return false
	}
	for _, allowed := range cred.AuthorizedSenders {
		if mail.CanonicalAddress(allowed) == sender {
			return true
		}
	}
	return mail.CanonicalAddress(cred.Email) == sender
}

func (a *Authority) bundlePath(tenantID string) string {
	return filepath.Join(a.dir, tenantID+".yaml")
}
