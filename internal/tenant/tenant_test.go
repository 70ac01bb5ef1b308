package tenant

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"joinbot/internal/faults"
	"joinbot/pkg/logx"
)

func TestExtractTenantID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		recipients []string
		system     string
		want       string
		wantErr    bool
	}{
		{
			name:       "tagged recipient beside the bare system address",
			recipients: []string{"a+bob@x.com", "a@x.com"},
			system:     "a@x.com",
			want:       "bob",
		},
		{
			name:       "no suffix means default",
			recipients: []string{"a@x.com"},
			system:     "a@x.com",
			want:       DefaultID,
		},
		{
			name:       "two different tags is ambiguous",
			recipients: []string{"a+bob@x.com", "a+carol@x.com"},
			system:     "a@x.com",
			wantErr:    true,
		},
		{
			name:       "multiple recipients without system address",
			recipients: []string{"a+bob@x.com", "b@y.com"},
			system:     "",
			wantErr:    true,
		},
		{
			name:       "single recipient without system address",
			recipients: []string{"a+carol@x.com"},
			system:     "",
			want:       "carol",
		},
		{
			name:       "foreign recipients are ignored",
			recipients: []string{"other+mallory@y.com", "a+bob@x.com"},
			system:     "a@x.com",
			want:       "bob",
		},
		{
			name:       "tag is case-normalized",
			recipients: []string{"A+BOB@X.com"},
			system:     "a@x.com",
			want:       "bob",
		},
		{
			name:       "no recipients falls back to default",
			recipients: nil,
			system:     "a@x.com",
			want:       DefaultID,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ExtractTenantID(tt.recipients, tt.system)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected configuration error, got tag %q", got)
				}
				if !faults.IsConfiguration(err) {
					t.Fatalf("error %v is not a ConfigurationError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ExtractTenantID failed: %v", err)
			}
			if got != tt.want {
				t.Fatalf("tag = %q, want %q", got, tt.want)
			}
		})
	}
}

func writeBundle(t *testing.T, dir, tag, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, tag+".yaml"), []byte(content), 0o600); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
}

const bobBundle = `login_url: https://site.example/login
email: bob@site.example
password: hunter2
default_registration_time: "10:00:00"
authorized_senders:
  - bob@x.com
  - helper@x.com
`

func TestValidate(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeBundle(t, dir, "bob", bobBundle)
	a := NewAuthority(dir, logx.Nop())

	if got, err := a.Validate("bob"); err != nil || got != "bob" {
		t.Fatalf("Validate(bob) = %q, %v", got, err)
	}
	if _, err := a.Validate("nobody"); !errors.Is(err, faults.ErrUnknownTenant) {
		t.Fatalf("Validate(nobody) error = %v, want ErrUnknownTenant", err)
	}
	for _, bad := range []string{"../etc", "a/b", "a b", "", "a.b"} {
		if _, err := a.Validate(bad); !errors.Is(err, faults.ErrInvalidTenantID) {
			t.Errorf("Validate(%q) error = %v, want ErrInvalidTenantID", bad, err)
		}
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeBundle(t, dir, "bob", bobBundle)
	writeBundle(t, dir, "broken", "login_url: [unclosed\n")
	writeBundle(t, dir, "partial", "email: only@site.example\n")
	a := NewAuthority(dir, logx.Nop())

	cred, err := a.Load("bob")
	if err != nil {
		t.Fatalf("Load(bob) failed: %v", err)
	}
	if cred.Email != "bob@site.example" || cred.DefaultRegistrationTime != "10:00:00" {
		t.Fatalf("unexpected bundle: %+v", cred)
	}
	if _, err := a.Load("broken"); !faults.IsConfiguration(err) {
		t.Errorf("Load(broken) error = %v, want ConfigurationError", err)
	}
	if _, err := a.Load("partial"); !faults.IsConfiguration(err) {
		t.Errorf("Load(partial) error = %v, want ConfigurationError", err)
	}
}

func TestIsSenderAuthorized(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeBundle(t, dir, "bob", bobBundle)
	writeBundle(t, dir, "locked", `login_url: https://site.example/login
email: locked@site.example
password: x
authorized_senders: []
`)
	a := NewAuthority(dir, logx.Nop())

	tests := []struct {
		name   string
		sender string
		tenant string
		want   bool
	}{
		{"allow-list entry", "bob@x.com", "bob", true},
		{"display form of allow-list entry", "Bob <BOB@X.com>", "bob", true},
		{"tenant's own login address", "bob@site.example", "bob", true},
		{"stranger", "eve@x.com", "bob", false},
		{"empty allow-list authorizes nobody", "eve@x.com", "locked", false},
		{"empty allow-list blocks even the login address", "locked@site.example", "locked", false},
		{"unknown tenant fails closed", "bob@x.com", "ghost", false},
		{"empty sender fails closed", "", "bob", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := a.IsSenderAuthorized(tt.sender, tt.tenant); got != tt.want {
				t.Fatalf("IsSenderAuthorized(%q, %q) = %v, want %v", tt.sender, tt.tenant, got, tt.want)
			}
		})
	}
}
