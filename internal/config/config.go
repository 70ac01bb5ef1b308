// Package config loads and watches the application configuration.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Storage  StorageConfig  `yaml:"storage"`
	Mail     MailConfig     `yaml:"mail"`
	Site     SiteConfig     `yaml:"site"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Notify   NotifyConfig   `yaml:"notify"`
	Daemon   DaemonConfig   `yaml:"daemon"`

	// TenantsDir holds one <tag>.yaml credential bundle per tenant.
	TenantsDir string `yaml:"tenants_dir"`
}

type LoggingConfig struct {
	Level   string        `yaml:"level"`
	Console *bool         `yaml:"console"` // pointer: omitted defaults to true
	File    LogFileConfig `yaml:"file"`
}

type LogFileConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type StorageConfig struct {
	Path        string   `yaml:"path"`
	BusyTimeout Duration `yaml:"busy_timeout"`
}

type MailConfig struct {
	TokenFile     string `yaml:"token_file"`
	SystemAddress string `yaml:"system_address"`
	RatePerSec    int    `yaml:"rate_per_sec"`
}

type SiteConfig struct {
	ExecPath    string   `yaml:"exec_path"`
	Headful     bool     `yaml:"headful"`
	StepTimeout Duration `yaml:"step_timeout"`
}

// ScheduleConfig tunes the registration pass.
//
// All durations are Go duration strings (e.g. "500ms", "1m", "10m").
// Defaults: hold_buffer 10m, login_buffer 1m, fire_delay 500ms,
// max_workers 4, retention 192h (8 days).
type ScheduleConfig struct {
	HoldBuffer  Duration `yaml:"hold_buffer"`
	LoginBuffer Duration `yaml:"login_buffer"`
	FireDelay   Duration `yaml:"fire_delay"`
	MaxWorkers  int      `yaml:"max_workers"`
	Retention   Duration `yaml:"retention"`
}

type NotifyConfig struct {
	RatePerMin int `yaml:"rate_per_min"`
}

// DaemonConfig drives the resident mode: cron specs for the two passes and
// an optional systemd watchdog interval.
type DaemonConfig struct {
	CheckSchedule string   `yaml:"check_schedule"`
	RunSchedule   string   `yaml:"run_schedule"`
	Watchdog      Duration `yaml:"watchdog"`
}

// Load reads, strictly decodes, and normalizes the config at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes raw YAML. Unknown fields are rejected so a typo never
// silently falls back to a default.
func Parse(raw []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Console == nil {
		v := true
		c.Logging.Console = &v
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = "./events.db"
	}
	if strings.TrimSpace(c.TenantsDir) == "" {
		c.TenantsDir = "./tenants"
	}
	if strings.TrimSpace(c.Daemon.CheckSchedule) == "" {
		c.Daemon.CheckSchedule = "*/5 * * * *"
	}
	if strings.TrimSpace(c.Daemon.RunSchedule) == "" {
		c.Daemon.RunSchedule = "* * * * *"
	}
}

// Validate checks the fields that would otherwise fail deep inside a pass.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Mail.TokenFile) == "" {
		return fmt.Errorf("mail.token_file is required")
	}
	if strings.TrimSpace(c.Mail.SystemAddress) == "" {
		return fmt.Errorf("mail.system_address is required")
	}
	if !strings.Contains(c.Mail.SystemAddress, "@") {
		return fmt.Errorf("mail.system_address %q is not an address", c.Mail.SystemAddress)
	}
	// Cron specs are checked here so a broken hot reload is rejected before
	// it is committed, not when the daemon re-registers its jobs.
	if _, err := cron.ParseStandard(c.Daemon.CheckSchedule); err != nil {
		return fmt.Errorf("daemon.check_schedule %q: %w", c.Daemon.CheckSchedule, err)
	}
	if _, err := cron.ParseStandard(c.Daemon.RunSchedule); err != nil {
		return fmt.Errorf("daemon.run_schedule %q: %w", c.Daemon.RunSchedule, err)
	}
	return nil
}

// Convenience accessors with defaults applied.

func (c *Config) ConsoleLogging() bool { return c.Logging.Console == nil || *c.Logging.Console }

func (c *Config) HoldBuffer() time.Duration  { return c.Schedule.HoldBuffer.orDefault(10 * time.Minute) }
func (c *Config) LoginBuffer() time.Duration { return c.Schedule.LoginBuffer.orDefault(time.Minute) }
func (c *Config) FireDelay() time.Duration {
	return c.Schedule.FireDelay.orDefault(500 * time.Millisecond)
}
func (c *Config) Retention() time.Duration {
	return c.Schedule.Retention.orDefault(8 * 24 * time.Hour)
}
