// Package gmail implements the mail.Inbox contract against the Gmail and
// People REST APIs.
//
// Authentication uses an authorized-user token file (client id/secret plus
// refresh token); access tokens are refreshed in-process and never persisted.
// Every API call passes through a shared rate limiter so a burst of unread
// mail cannot trip Gmail quotas.
package gmail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"joinbot/pkg/logx"
)

const (
	gmailBase  = "https://gmail.googleapis.com/gmail/v1/users/me"
	peopleBase = "https://people.googleapis.com/v1"
	tokenURL   = "https://oauth2.googleapis.com/token"
)

// Config configures the adapter.
type Config struct {
	// TokenFile is an authorized-user JSON file holding client_id,
	// client_secret and refresh_token.
	TokenFile string

	// SystemAddress is the mailbox's own address. Notifications are sent to
	// this address with the tenant tag appended to the local part.
	SystemAddress string

	// RatePerSec bounds Gmail/People API calls. Defaults to 5.
	RatePerSec int

	// HTTPTimeout bounds each API round trip. Defaults to 30s.
	HTTPTimeout time.Duration
}

type authorizedUser struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
}

// Client talks to the Gmail and People APIs. It implements mail.Inbox.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger

	// Endpoint roots, fixed in New. Fields rather than the package constants
	// so tests can point the client at a local server.
	gmailBase  string
	peopleBase string
	tokenURL   string

	mu      sync.Mutex
	user    authorizedUser
	token   string
	expires time.Time
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.TokenFile) == "" {
		return nil, errors.New("gmail: token file is required")
	}
	if strings.TrimSpace(cfg.SystemAddress) == "" {
		return nil, errors.New("gmail: system address is required")
	}
	b, err := os.ReadFile(cfg.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("gmail: read token file: %w", err)
	}
	var user authorizedUser
	if err := json.Unmarshal(b, &user); err != nil {
		return nil, fmt.Errorf("gmail: parse token file: %w", err)
	}
	if user.RefreshToken == "" || user.ClientID == "" || user.ClientSecret == "" {
		return nil, errors.New("gmail: token file is missing client_id, client_secret or refresh_token")
	}

	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:        cfg,
		http:       &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), rps),
		log:        log,
		gmailBase:  gmailBase,
		peopleBase: peopleBase,
		tokenURL:   tokenURL,
		user:       user,
	}, nil
}

// SystemAddress returns the mailbox's own address.
func (c *Client) SystemAddress() string { return c.cfg.SystemAddress }

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Refresh a minute early so an in-flight call never carries a token
	// that expires mid-request.
	if c.token != "" && time.Now().Before(c.expires.Add(-time.Minute)) {
		return c.token, nil
	}

	form := url.Values{
		"client_id":     {c.user.ClientID},
		"client_secret": {c.user.ClientSecret},
		"refresh_token": {c.user.RefreshToken},
		"grant_type":    {"refresh_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("gmail: token refresh: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("gmail: token refresh: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("gmail: token refresh decode: %w", err)
	}
	c.token = tok.AccessToken
	c.expires = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	c.log.Debug("access token refreshed", logx.Time("expires", c.expires))
	return c.token, nil
}

// call performs one authenticated API round trip and decodes the JSON
// response into out (out may be nil).
func (c *Client) call(ctx context.Context, method, rawURL string, body io.Reader, contentType string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	tok, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("gmail: %s %s: status %d: %s", method, rawURL, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
