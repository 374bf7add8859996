// Package config loads the service configuration.
// It uses koanf to read an optional YAML file; environment variables take precedence over file values.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // Europe/Rome must resolve in minimal containers

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"
)

// Email providers.
const (
	ProviderMock  = "mock"
	ProviderGmail = "gmail"
	ProviderBrevo = "brevo"
)

// Config holds all configuration values for the service.
type Config struct {
	Location *time.Location `koanf:"-"` // Resolved from Timezone

	// Server
	Port    int    `koanf:"port"`
	BaseURL string `koanf:"base_url"`

	// Storage: a GCS bucket, or a local directory when no bucket is set
	StorageBucket string `koanf:"storage_bucket"`
	LocalStorage  string `koanf:"local_storage"`

	// Pipeline
	ListingURL     string        `koanf:"listing_url"`
	Schedule       string        `koanf:"schedule"` // Standard 5-field cron or descriptor
	Timezone       string        `koanf:"timezone"`
	RunTimeout     time.Duration `koanf:"run_timeout"`
	DetailTimeout  time.Duration `koanf:"detail_timeout"`
	ReminderCutoff time.Duration `koanf:"reminder_cutoff"` // Time of day after which OPEN reminders are no longer issued
	DetailWorkers  int           `koanf:"detail_workers"`

	// Email
	EmailProvider         string `koanf:"email_provider"`
	Recipient             string `koanf:"recipient"`
	FromAddress           string `koanf:"from_address"`
	FromName              string `koanf:"from_name"`
	BrevoAPIKey           string `koanf:"brevo_api_key"`
	GoogleCredentialsJSON string `koanf:"google_credentials_json"`

	LogLevel string `koanf:"log_level"`
}

// Configuration validation errors.
var (
	ErrInvalidNumber     = errors.New("must be a valid integer")
	ErrInvalidDuration   = errors.New("must be a valid duration")
	ErrInvalidTimezone   = errors.New("TIMEZONE is not a known IANA zone")
	ErrInvalidSchedule   = errors.New("SCHEDULE is not a valid cron expression")
	ErrInvalidProvider   = errors.New("EMAIL_PROVIDER must be mock, gmail or brevo")
	ErrMissingBrevoKey   = errors.New("BREVO_API_KEY is required for the brevo provider")
	ErrMissingFrom       = errors.New("EMAIL_FROM is required for the brevo provider")
	ErrMissingRecipient  = errors.New("NOTIFY_EMAIL is required unless the mock provider is used")
	ErrMissingBaseURL    = errors.New("BASE_URL is required when STORAGE_BUCKET is set")
	ErrInvalidPort       = errors.New("PORT must be between 1 and 65535")
	ErrInvalidWorkers    = errors.New("DETAIL_WORKERS must be positive")
	ErrInvalidLogLevel   = errors.New("LOG_LEVEL must be debug, info, warn or error")
	ErrNonPositiveTiming = errors.New("timeouts must be positive")
)

// Defaults.
const (
	DefaultPort           = 8080
	DefaultLocalStorage   = "./data"
	DefaultListingURL     = "https://buonacaccia.net/Events.aspx"
	DefaultSchedule       = "0 * * * *"
	DefaultTimezone       = "Europe/Rome"
	DefaultRunTimeout     = 45 * time.Second
	DefaultDetailTimeout  = 10 * time.Second
	DefaultReminderCutoff = 9 * time.Hour
	DefaultDetailWorkers  = 4
	DefaultFromName       = "BuonaCaccia Notifier"
	DefaultLogLevel       = "info"
)

// Load reads configuration from an optional YAML file and the environment.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, only that error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("load config file %s: %w", configFilePath, err)}
		}
	}

	var errs []error
	intVal := func(envKey, key string, def int) int {
		v, err := envInt(envKey, k, key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	durVal := func(envKey, key string, def time.Duration) time.Duration {
		v, err := envDuration(envKey, k, key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := &Config{
		Port:                  intVal("PORT", "port", DefaultPort),
		BaseURL:               envString("BASE_URL", k, "base_url", ""),
		StorageBucket:         envString("STORAGE_BUCKET", k, "storage_bucket", ""),
		LocalStorage:          envString("LOCAL_STORAGE", k, "local_storage", ""),
		ListingURL:            envString("LISTING_URL", k, "listing_url", DefaultListingURL),
		Schedule:              envString("SCHEDULE", k, "schedule", DefaultSchedule),
		Timezone:              envString("TIMEZONE", k, "timezone", DefaultTimezone),
		RunTimeout:            durVal("RUN_TIMEOUT", "run_timeout", DefaultRunTimeout),
		DetailTimeout:         durVal("DETAIL_TIMEOUT", "detail_timeout", DefaultDetailTimeout),
		ReminderCutoff:        durVal("REMINDER_CUTOFF", "reminder_cutoff", DefaultReminderCutoff),
		DetailWorkers:         intVal("DETAIL_WORKERS", "detail_workers", DefaultDetailWorkers),
		EmailProvider:         strings.ToLower(envString("EMAIL_PROVIDER", k, "email_provider", "")),
		Recipient:             envString("NOTIFY_EMAIL", k, "recipient", ""),
		FromAddress:           envString("EMAIL_FROM", k, "from_address", ""),
		FromName:              envString("EMAIL_FROM_NAME", k, "from_name", DefaultFromName),
		BrevoAPIKey:           envString("BREVO_API_KEY", k, "brevo_api_key", ""),
		GoogleCredentialsJSON: envString("GOOGLE_CREDENTIALS_JSON", k, "google_credentials_json", ""),
		LogLevel:              strings.ToLower(envString("LOG_LEVEL", k, "log_level", DefaultLogLevel)),
	}

	// Default to local development mode if no bucket is specified
	if cfg.StorageBucket == "" && cfg.LocalStorage == "" {
		cfg.LocalStorage = DefaultLocalStorage
	}
	if cfg.BaseURL == "" && cfg.StorageBucket == "" {
		cfg.BaseURL = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}
	if cfg.EmailProvider == "" {
		cfg.EmailProvider = detectProvider(cfg)
	}

	errs = append(errs, cfg.Validate()...)
	return cfg, errs
}

// detectProvider picks a provider from the credentials present.
func detectProvider(cfg *Config) string {
	switch {
	case cfg.BrevoAPIKey != "":
		return ProviderBrevo
	case cfg.GoogleCredentialsJSON != "":
		return ProviderGmail
	default:
		return ProviderMock
	}
}

// Validate checks the configuration and resolves Location.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, ErrInvalidPort)
	}
	if c.StorageBucket != "" && c.BaseURL == "" {
		errs = append(errs, ErrMissingBaseURL)
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalidTimezone, c.Timezone))
	} else {
		c.Location = loc
	}

	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalidSchedule, err))
	}

	if c.RunTimeout <= 0 || c.DetailTimeout <= 0 || c.ReminderCutoff <= 0 {
		errs = append(errs, ErrNonPositiveTiming)
	}
	if c.DetailWorkers <= 0 {
		errs = append(errs, ErrInvalidWorkers)
	}

	switch c.EmailProvider {
	case ProviderMock:
	case ProviderGmail:
		if c.Recipient == "" {
			errs = append(errs, ErrMissingRecipient)
		}
	case ProviderBrevo:
		if c.BrevoAPIKey == "" {
			errs = append(errs, ErrMissingBrevoKey)
		}
		if c.FromAddress == "" {
			errs = append(errs, ErrMissingFrom)
		}
		if c.Recipient == "" {
			errs = append(errs, ErrMissingRecipient)
		}
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidProvider, c.EmailProvider))
	}

	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errs
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() (slog.Level, error) {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.LogLevel)
	}
}

// envString returns the environment variable value if set, otherwise the koanf value, or default.
func envString(envKey string, k *koanf.Koanf, key, def string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if val := k.String(key); val != "" {
		return val
	}
	return def
}

// envInt is envString for integers. A set but unparsable variable is an error.
func envInt(envKey string, k *koanf.Koanf, key string, def int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return def, fmt.Errorf("%s %w", envKey, ErrInvalidNumber)
		}
		return i, nil
	}
	if k.Exists(key) {
		return k.Int(key), nil
	}
	return def, nil
}

// envDuration is envString for durations such as "45s" or "9h".
func envDuration(envKey string, k *koanf.Koanf, key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(envKey)
	source := envKey
	if raw == "" && k.Exists(key) {
		raw = k.String(key)
		source = key
	}
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def, fmt.Errorf("%s %w: %q", source, ErrInvalidDuration, raw)
	}
	return d, nil
}
