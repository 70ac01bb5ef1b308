package config

import (
	"strings"
	"testing"
	"time"
)

const minimal = `
mail:
  token_file: ./email_token.json
  system_address: scheduler@x.com
`

func TestParseAppliesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Parse([]byte(minimal))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("level = %q, want info", cfg.Logging.Level)
	}
	if !cfg.ConsoleLogging() {
		t.Error("console logging should default to true")
	}
	if cfg.Storage.Path != "./events.db" {
		t.Errorf("storage path = %q", cfg.Storage.Path)
	}
	if cfg.TenantsDir != "./tenants" {
		t.Errorf("tenants dir = %q", cfg.TenantsDir)
	}
	if got := cfg.HoldBuffer(); got != 10*time.Minute {
		t.Errorf("hold buffer = %v, want 10m", got)
	}
	if got := cfg.LoginBuffer(); got != time.Minute {
		t.Errorf("login buffer = %v, want 1m", got)
	}
	if got := cfg.FireDelay(); got != 500*time.Millisecond {
		t.Errorf("fire delay = %v, want 500ms", got)
	}
	if got := cfg.Retention(); got != 8*24*time.Hour {
		t.Errorf("retention = %v, want 192h", got)
	}
}

func TestParseOverrides(t *testing.T) {
	t.Parallel()
	cfg, err := Parse([]byte(minimal + `
logging:
  level: debug
  console: false
schedule:
  hold_buffer: 20m
  fire_delay: 250ms
  max_workers: 2
daemon:
  check_schedule: "*/10 * * * *"
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.ConsoleLogging() {
		t.Errorf("logging overrides not applied: %+v", cfg.Logging)
	}
	if cfg.HoldBuffer() != 20*time.Minute || cfg.FireDelay() != 250*time.Millisecond {
		t.Errorf("schedule overrides not applied: %+v", cfg.Schedule)
	}
	if cfg.Schedule.MaxWorkers != 2 {
		t.Errorf("max_workers = %d", cfg.Schedule.MaxWorkers)
	}
	if cfg.Daemon.CheckSchedule != "*/10 * * * *" {
		t.Errorf("check_schedule = %q", cfg.Daemon.CheckSchedule)
	}
}

func TestParseRejectsUnknownFieldsAndBadValues(t *testing.T) {
	t.Parallel()
	if _, err := Parse([]byte(minimal + "typo_field: 1\n")); err == nil {
		t.Error("expected error for unknown field")
	}
	if _, err := Parse([]byte(minimal + "schedule:\n  hold_buffer: banana\n")); err == nil {
		t.Error("expected error for bad duration")
	}
	if _, err := Parse([]byte(minimal + "schedule:\n  hold_buffer: -5m\n")); err == nil {
		t.Error("expected error for negative duration")
	}
	if _, err := Parse([]byte("logging:\n  level: info\n")); err == nil || !strings.Contains(err.Error(), "token_file") {
		t.Errorf("expected token_file validation error, got %v", err)
	}
	if _, err := Parse([]byte("mail:\n  token_file: t.json\n  system_address: not-an-address\n")); err == nil {
		t.Error("expected error for malformed system address")
	}
	if _, err := Parse([]byte(minimal + "daemon:\n  check_schedule: \"not a cron spec\"\n")); err == nil {
		t.Error("expected error for invalid cron spec")
	}
}
