// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config is the complete process configuration.
type Config struct {
	AppEnv    string
	LogLevel  string
	LogFormat string

	HTTPListenAddr string
	PublicBasePath string

	DatabaseDriver string
	DatabaseURL    string
	DatabaseSchema string
	SQLitePath     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool
	LimitsKey     string

	MetricsNamespace string

	Broadcast Broadcast
	Notify    Notify
	WhatsApp  WhatsApp
	Jobs      Jobs
}

// Broadcast holds the broadcast business rules. The policy file may
// override any of them except PolicyFile.
type Broadcast struct {
	Timezone              string
	DailyLimit            int
	HourlyLimit           int
	CooldownMinutes       int
	BypassRoles           []string
	Cost                  int64
	DefaultRecipients     int
	MaxRecipients         int
	MaxFilteredRecipients int
	SelectionStrategy     string
	CandidatePoolLimit    int
	FanoutMode            string
	ContentTypes          []string
	DefaultCaption        string

	PolicyFile string
}

// Notify configures the notification dispatcher.
type Notify struct {
	Workers    int
	RatePerSec int
	RetryMax   int
	QueueSize  int
}

// WhatsApp configures the WhatsApp notification transport.
type WhatsApp struct {
	Enabled   bool
	StorePath string
	LogLevel  string
}

// Jobs configures the background fan-out runner.
type Jobs struct {
	Workers       int
	RetryMax      int
	SweepSchedule string
	SweepGrace    time.Duration
}

// Load reads .env when present, then the environment, then the optional
// broadcast policy file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup. Tests pass a map-backed lookup.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	e := env{lookup: lookup}
	cfg := &Config{
		AppEnv:    e.str("APP_ENV", "development"),
		LogLevel:  e.str("LOG_LEVEL", "info"),
		LogFormat: e.str("LOG_FORMAT", "text"),

		HTTPListenAddr: e.str("HTTP_LISTEN_ADDR", ":8080"),
		PublicBasePath: e.str("PUBLIC_BASE_PATH", ""),

		DatabaseDriver: strings.ToLower(e.str("DATABASE_DRIVER", DriverPostgres)),
		DatabaseURL:    e.str("DATABASE_URL", ""),
		DatabaseSchema: e.str("DATABASE_SCHEMA", ""),
		SQLitePath:     e.str("SQLITE_PATH", "data/voicecast.db"),

		RedisAddr:     e.str("REDIS_ADDR", ""),
		RedisPassword: e.str("REDIS_PASSWORD", ""),
		RedisDB:       e.integer("REDIS_DB", 0),
		RedisTLS:      e.boolean("REDIS_TLS", false),
		LimitsKey:     e.str("REDIS_LIMITS_KEY", "voicecast:broadcast_limits"),

		MetricsNamespace: e.str("METRICS_NAMESPACE", "voicecast"),

		Broadcast: Broadcast{
			Timezone:              e.str("BROADCAST_TIMEZONE", "Asia/Jakarta"),
			DailyLimit:            e.integer("BROADCAST_DAILY_LIMIT", 20),
			HourlyLimit:           e.integer("BROADCAST_HOURLY_LIMIT", 0),
			CooldownMinutes:       e.integer("BROADCAST_COOLDOWN_MINUTES", 0),
			BypassRoles:           e.list("BROADCAST_BYPASS_ROLES", []string{"admin"}),
			Cost:                  int64(e.integer("BROADCAST_COST", 10)),
			DefaultRecipients:     e.integer("BROADCAST_DEFAULT_RECIPIENTS", 5),
			MaxRecipients:         e.integer("BROADCAST_MAX_RECIPIENTS", 10),
			MaxFilteredRecipients: e.integer("BROADCAST_MAX_FILTERED_RECIPIENTS", 100),
			SelectionStrategy:     e.str("BROADCAST_SELECTION_STRATEGY", "random"),
			CandidatePoolLimit:    e.integer("BROADCAST_CANDIDATE_POOL_LIMIT", 500),
			FanoutMode:            strings.ToLower(e.str("BROADCAST_FANOUT_MODE", "sync")),
			ContentTypes:          e.list("BROADCAST_CONTENT_TYPES", nil),
			DefaultCaption:        e.str("BROADCAST_DEFAULT_CAPTION", "Voice broadcast"),
			PolicyFile:            e.str("BROADCAST_POLICY_FILE", ""),
		},

		Notify: Notify{
			Workers:    e.integer("NOTIFY_WORKERS", 4),
			RatePerSec: e.integer("NOTIFY_RATE_PER_SEC", 20),
			RetryMax:   e.integer("NOTIFY_RETRY_MAX", 2),
			QueueSize:  e.integer("NOTIFY_QUEUE_SIZE", 1024),
		},

		WhatsApp: WhatsApp{
			Enabled:   e.boolean("WHATSAPP_ENABLED", false),
			StorePath: e.str("WHATSAPP_STORE_PATH", "data/whatsapp.db"),
			LogLevel:  e.str("WHATSAPP_LOG_LEVEL", "INFO"),
		},

		Jobs: Jobs{
			Workers:       e.integer("JOBS_WORKERS", 2),
			RetryMax:      e.integer("JOBS_RETRY_MAX", 3),
			SweepSchedule: e.str("JOBS_SWEEP_SCHEDULE", "@every 1m"),
			SweepGrace:    e.duration("JOBS_SWEEP_GRACE", 2*time.Minute),
		},
	}
	if len(e.errs) > 0 {
		return nil, errors.Join(e.errs...)
	}

	if cfg.Broadcast.PolicyFile != "" {
		if err := cfg.Broadcast.applyPolicyFile(cfg.Broadcast.PolicyFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Location resolves the broadcast timezone.
func (b Broadcast) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", b.Timezone, err)
	}
	return loc, nil
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	var errs []error
	switch c.DatabaseDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown DATABASE_DRIVER %q", c.DatabaseDriver))
	}

	b := c.Broadcast
	if _, err := b.Location(); err != nil {
		errs = append(errs, err)
	}
	if b.DailyLimit < 0 || b.HourlyLimit < 0 || b.CooldownMinutes < 0 {
		errs = append(errs, errors.New("broadcast limits must not be negative"))
	}
	if b.Cost < 0 {
		errs = append(errs, errors.New("broadcast cost must not be negative"))
	}
	if b.MaxRecipients <= 0 || b.DefaultRecipients <= 0 {
		errs = append(errs, errors.New("recipient counts must be positive"))
	}
	if b.MaxFilteredRecipients < b.MaxRecipients {
		errs = append(errs, errors.New("max filtered recipients must be at least max recipients"))
	}
	if b.FanoutMode != "sync" && b.FanoutMode != "async" {
		errs = append(errs, fmt.Errorf("unknown BROADCAST_FANOUT_MODE %q", b.FanoutMode))
	}
	if c.Notify.Workers <= 0 || c.Jobs.Workers <= 0 {
		errs = append(errs, errors.New("worker counts must be positive"))
	}
	if c.WhatsApp.Enabled && c.WhatsApp.StorePath == "" {
		errs = append(errs, errors.New("WHATSAPP_STORE_PATH is required when WhatsApp is enabled"))
	}
	return errors.Join(errs...)
}

type env struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *env) str(key, fallback string) string {
	if v, ok := e.lookup(key); ok {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return fallback
}

func (e *env) integer(key string, fallback int) int {
	raw := e.str(key, "")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", key, raw))
		return fallback
	}
	return n
}

func (e *env) boolean(key string, fallback bool) bool {
	raw := e.str(key, "")
	if raw == "" {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid boolean %q", key, raw))
		return fallback
	}
	return b
}

func (e *env) duration(key string, fallback time.Duration) time.Duration {
	raw := e.str(key, "")
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid duration %q", key, raw))
		return fallback
	}
	return d
}

func (e *env) list(key string, fallback []string) []string {
	raw := e.str(key, "")
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
