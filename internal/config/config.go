// Package config defines the service configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/updown-engine/internal/session"
)

// Config is the root configuration. Fields are populated from an optional
// TOML file and then overridden by UPDOWN_* environment variables.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	Session    SessionConfig    `toml:"session"`
	Settlement SettlementConfig `toml:"settlement"`
	Limits     LimitsConfig     `toml:"limits"`
	Journal    JournalConfig    `toml:"journal"`
	LogLevel   string           `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// PostgresConfig holds the primary store connection. An empty URL selects
// the in-memory store.
type PostgresConfig struct {
	URL           string `toml:"url"`
	MaxConns      int    `toml:"max_conns"`
	MinConns      int    `toml:"min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds the cache and event bus connection. An empty URL
// disables both.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL duration `toml:"cache_ttl"`
	Channel  string   `toml:"channel"`
}

// SessionConfig controls session windows.
type SessionConfig struct {
	// Width must be whole minutes and divide a day.
	Width    duration `toml:"width"`
	AutoOpen bool     `toml:"auto_open"`
}

// SettlementConfig controls the settlement pass and its scheduler.
type SettlementConfig struct {
	// PayoutRatio is the net profit per unit of stake on a win, as a
	// decimal string ("0.9").
	PayoutRatio        decimal.Decimal `toml:"payout_ratio"`
	Interval           duration        `toml:"interval"`
	Timeout            duration        `toml:"timeout"`
	Concurrency        int             `toml:"concurrency"`
	BalanceCASAttempts int             `toml:"balance_cas_attempts"`
	SchedulerEnabled   bool            `toml:"scheduler_enabled"`
}

// LimitsConfig holds stake limits as decimal strings. Zero disables a limit.
type LimitsConfig struct {
	MinStake      decimal.Decimal `toml:"min_stake"`
	MaxStake      decimal.Decimal `toml:"max_stake"`
	MaxPerSession decimal.Decimal `toml:"max_per_session"`
}

// JournalConfig selects where settled sessions are recorded.
type JournalConfig struct {
	WAL WALConfig `toml:"wal"`
	S3  S3Config  `toml:"s3"`
}

// WALConfig holds the local settlement WAL settings.
type WALConfig struct {
	Enabled   bool   `toml:"enabled"`
	Dir       string `toml:"dir"`
	SyncWrite bool   `toml:"sync_write"`
}

// S3Config holds the settlement archive bucket.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a configuration that runs locally with no external
// services.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     duration{10 * time.Second},
			WriteTimeout:    duration{10 * time.Second},
			ShutdownTimeout: duration{5 * time.Second},
		},
		Postgres: PostgresConfig{
			MaxConns:      10,
			MinConns:      2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			CacheTTL: duration{30 * time.Second},
			Channel:  "updown:settlements",
		},
		Session: SessionConfig{
			Width:    duration{time.Minute},
			AutoOpen: true,
		},
		Settlement: SettlementConfig{
			PayoutRatio:        decimal.RequireFromString("0.9"),
			Interval:           duration{5 * time.Second},
			Timeout:            duration{30 * time.Second},
			Concurrency:        4,
			BalanceCASAttempts: 5,
			SchedulerEnabled:   true,
		},
		Journal: JournalConfig{
			WAL: WALConfig{Dir: "./wal/settlements", SyncWrite: true},
			S3:  S3Config{Region: "us-east-1", Prefix: "settlements", UseSSL: true},
		},
		LogLevel: "info",
	}
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}

	if c.Postgres.URL != "" {
		if c.Postgres.MaxConns < 1 {
			errs = append(errs, "postgres: max_conns must be >= 1")
		}
		if c.Postgres.MinConns < 0 || c.Postgres.MinConns > c.Postgres.MaxConns {
			errs = append(errs, "postgres: min_conns must be between 0 and max_conns")
		}
	}

	if err := session.ValidateWidth(c.Session.Width.Duration); err != nil {
		errs = append(errs, fmt.Sprintf("session: width must be whole minutes dividing a day, got %s", c.Session.Width.Duration))
	}

	s := c.Settlement
	if !s.PayoutRatio.IsPositive() {
		errs = append(errs, "settlement: payout_ratio must be > 0")
	}
	if s.Interval.Duration <= 0 {
		errs = append(errs, "settlement: interval must be > 0")
	}
	if s.Timeout.Duration <= 0 {
		errs = append(errs, "settlement: timeout must be > 0")
	}
	if s.Concurrency < 1 {
		errs = append(errs, "settlement: concurrency must be >= 1")
	}
	if s.BalanceCASAttempts < 1 {
		errs = append(errs, "settlement: balance_cas_attempts must be >= 1")
	}

	l := c.Limits
	if l.MinStake.IsNegative() || l.MaxStake.IsNegative() || l.MaxPerSession.IsNegative() {
		errs = append(errs, "limits: stake limits must not be negative")
	}
	if l.MaxStake.IsPositive() && l.MinStake.GreaterThan(l.MaxStake) {
		errs = append(errs, "limits: min_stake must not exceed max_stake")
	}

	if c.Journal.WAL.Enabled && c.Journal.WAL.Dir == "" {
		errs = append(errs, "journal.wal: dir must not be empty")
	}
	if c.Journal.S3.Enabled {
		if c.Journal.S3.Bucket == "" {
			errs = append(errs, "journal.s3: bucket must not be empty")
		}
		if c.Journal.S3.Region == "" {
			errs = append(errs, "journal.s3: region must not be empty")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
