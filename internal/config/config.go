// Package config provides configuration management for PropPilot.
// Configuration is loaded from ./.proppilot/config.yaml with sensible defaults.
// A .env file in the working directory and environment variables override
// secrets and connection settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/pearcec/proppilot/internal/booking"
	"github.com/pearcec/proppilot/internal/scheduler"
)

const (
	// DefaultConfigPath is the default location for the config file.
	DefaultConfigPath = "./.proppilot/config.yaml"

	// DefaultPIDPath is where the scheduler daemon records its PID.
	DefaultPIDPath = "./.proppilot/scheduler.pid"
)

// Environment variables consulted by Load.
const (
	EnvConfigPath = "PROPPILOT_CONFIG"
	EnvDatabase   = "DATABASE_URL"
	EnvLogLevel   = "PROPPILOT_LOG_LEVEL"
	EnvStatusAddr = "PROPPILOT_STATUS_ADDR"
	EnvEmailInbox = "PROPPILOT_EMAIL_INBOX"
)

// Config holds the PropPilot configuration.
type Config struct {
	Database   DatabaseConfig     `yaml:"database"`
	Log        LogConfig          `yaml:"log"`
	Timezone   string             `yaml:"timezone"`
	Sync       SyncConfig         `yaml:"sync"`
	Properties []booking.Property `yaml:"properties"`
	Messages   MessagesConfig     `yaml:"messages"`
	Cleaning   CleaningConfig     `yaml:"cleaning"`
	Status     StatusConfig       `yaml:"status"`
	Email      EmailConfig        `yaml:"email"`
	PIDFile    string             `yaml:"pid_file"`

	// Path is the file the configuration was read from, if any.
	Path string `yaml:"-"`
}

// DatabaseConfig selects the store. An empty URL keeps bookings in memory.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SyncConfig controls feed polling.
type SyncConfig struct {
	Interval             time.Duration `yaml:"interval"`
	FetchTimeout         time.Duration `yaml:"fetch_timeout"`
	MissingPollThreshold int           `yaml:"missing_poll_threshold"`
	UserAgent            string        `yaml:"user_agent"`
	Concurrency          int           `yaml:"concurrency"`
	// StaleAfter flags a property whose last successful poll is older.
	StaleAfter time.Duration `yaml:"stale_after"`
}

// MessagesConfig controls timed guest messages.
type MessagesConfig struct {
	Every             time.Duration `yaml:"every"`
	CheckInLeadHours  int           `yaml:"check_in_lead_hours"`
	CheckoutLeadHours int           `yaml:"checkout_lead_hours"`
	ReviewWithinHours int           `yaml:"review_within_hours"`
}

// CleaningConfig controls cleaner notifications.
type CleaningConfig struct {
	NotifyEvery    time.Duration `yaml:"notify_every"`
	MorningCron    string        `yaml:"morning_cron"`
	NotifyLeadDays int           `yaml:"notify_lead_days"`
}

// StatusConfig controls the status HTTP server. An empty address disables it.
type StatusConfig struct {
	Addr string `yaml:"addr"`
}

// EmailConfig controls the platform email inbox. An empty InboxDir disables
// the inbox job.
type EmailConfig struct {
	// InboxDir holds one RFC 5322 message per file, such as a maildir's new/.
	InboxDir string        `yaml:"inbox_dir"`
	Every    time.Duration `yaml:"every"`
	// RetryFor keeps retrying a message that matches no booking yet.
	RetryFor time.Duration `yaml:"retry_for"`
	// Senders limits processing to these addresses. Empty accepts any sender.
	Senders []string `yaml:"senders"`
}

// DefaultSenders are the addresses Airbnb notifications come from.
var DefaultSenders = []string{
	"automated@airbnb.com",
	"express@airbnb.com",
	"noreply@airbnb.com",
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Log:      LogConfig{Level: "info", Format: "text"},
		Timezone: "UTC",
		Sync: SyncConfig{
			Interval:             15 * time.Minute,
			FetchTimeout:         30 * time.Second,
			MissingPollThreshold: 2,
			UserAgent:            "proppilot/1.0",
			Concurrency:          4,
			StaleAfter:           2 * time.Hour,
		},
		Messages: MessagesConfig{
			Every:             30 * time.Minute,
			CheckInLeadHours:  24,
			CheckoutLeadHours: 18,
			ReviewWithinHours: 48,
		},
		Cleaning: CleaningConfig{
			NotifyEvery:    time.Hour,
			MorningCron:    "0 7 * * *",
			NotifyLeadDays: 1,
		},
		Email: EmailConfig{
			Every:    3 * time.Minute,
			RetryFor: 72 * time.Hour,
			Senders:  append([]string(nil), DefaultSenders...),
		},
		PIDFile: DefaultPIDPath,
	}
}

// Load reads configuration from path. An empty path falls back to
// $PROPPILOT_CONFIG and then DefaultConfigPath. A missing file yields the
// defaults. The result has environment overrides applied and is validated.
func Load(path string) (*Config, error) {
	// .env is optional.
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := Default()
	expanded := expandPath(path)
	data, err := os.ReadFile(expanded)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", expanded, err)
		}
		cfg.Path = expanded
	case errors.Is(err, os.ErrNotExist):
		// Config file doesn't exist - use defaults
	default:
		return nil, err
	}

	cfg.applyEnv()
	cfg.PIDFile = expandPath(cfg.PIDFile)
	cfg.Email.InboxDir = expandPath(cfg.Email.InboxDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDatabase); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvStatusAddr); v != "" {
		c.Status.Addr = v
	}
	if v := os.Getenv(EnvEmailInbox); v != "" {
		c.Email.InboxDir = v
	}
}

// Validate checks settings that would otherwise fail at runtime.
func (c *Config) Validate() error {
	var errs []error
	if c.Sync.Interval <= 0 {
		errs = append(errs, errors.New("sync.interval must be positive"))
	}
	if c.Sync.FetchTimeout <= 0 {
		errs = append(errs, errors.New("sync.fetch_timeout must be positive"))
	}
	if c.Sync.MissingPollThreshold < 1 {
		errs = append(errs, errors.New("sync.missing_poll_threshold must be at least 1"))
	}
	if c.Messages.Every <= 0 {
		errs = append(errs, errors.New("messages.every must be positive"))
	}
	if c.Cleaning.NotifyEvery <= 0 {
		errs = append(errs, errors.New("cleaning.notify_every must be positive"))
	}
	if c.Cleaning.NotifyLeadDays < 0 {
		errs = append(errs, errors.New("cleaning.notify_lead_days must not be negative"))
	}
	if c.Cleaning.MorningCron != "" {
		if err := scheduler.ValidateSpec(c.Cleaning.MorningCron); err != nil {
			errs = append(errs, fmt.Errorf("cleaning.morning_cron: %w", err))
		}
	}
	if c.Email.InboxDir != "" && c.Email.Every <= 0 {
		errs = append(errs, errors.New("email.every must be positive"))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}

	seen := make(map[string]bool, len(c.Properties))
	for i, p := range c.Properties {
		switch {
		case p.ID == "":
			errs = append(errs, fmt.Errorf("properties[%d]: id is required", i))
		case seen[p.ID]:
			errs = append(errs, fmt.Errorf("properties[%d]: duplicate id %q", i, p.ID))
		}
		seen[p.ID] = true
		if p.FeedURL == "" && !p.Disabled {
			errs = append(errs, fmt.Errorf("property %q: feed_url is required", p.ID))
		}
		for _, clock := range []string{p.CheckInTime, p.CheckOutTime} {
			if clock == "" {
				continue
			}
			if _, err := time.Parse("15:04", clock); err != nil {
				errs = append(errs, fmt.Errorf("property %q: bad time %q", p.ID, clock))
			}
		}
	}
	return errors.Join(errs...)
}

// Location returns the configured time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Directory indexes the configured properties.
func (c *Config) Directory() booking.Directory {
	return booking.NewDirectory(c.Properties)
}

// expandPath expands ~ to the home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}
