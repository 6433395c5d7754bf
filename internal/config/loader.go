package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load merges an optional TOML file at path over Defaults, loads .env if
// present and applies environment overrides. A missing file is not an
// error. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads UPDOWN_* variables and a few conventional
// platform names and overwrites the matching fields when set.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "PORT") // platform convention
	setInt(&cfg.Server.Port, "UPDOWN_SERVER_PORT")
	setDuration(&cfg.Server.ReadTimeout, "UPDOWN_SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "UPDOWN_SERVER_WRITE_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "UPDOWN_SERVER_SHUTDOWN_TIMEOUT")

	// ── Postgres ──
	setStr(&cfg.Postgres.URL, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.URL, "UPDOWN_POSTGRES_URL")
	setInt(&cfg.Postgres.MaxConns, "UPDOWN_POSTGRES_MAX_CONNS")
	setInt(&cfg.Postgres.MinConns, "UPDOWN_POSTGRES_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "UPDOWN_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "REDIS_URL") // compatibility alias
	setStr(&cfg.Redis.URL, "UPDOWN_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "UPDOWN_REDIS_CACHE_TTL")
	setStr(&cfg.Redis.Channel, "UPDOWN_REDIS_CHANNEL")

	// ── Session ──
	setDuration(&cfg.Session.Width, "UPDOWN_SESSION_WIDTH")
	setBool(&cfg.Session.AutoOpen, "UPDOWN_SESSION_AUTO_OPEN")

	// ── Settlement ──
	setDecimal(&cfg.Settlement.PayoutRatio, "UPDOWN_SETTLEMENT_PAYOUT_RATIO")
	setDuration(&cfg.Settlement.Interval, "UPDOWN_SETTLEMENT_INTERVAL")
	setDuration(&cfg.Settlement.Timeout, "UPDOWN_SETTLEMENT_TIMEOUT")
	setInt(&cfg.Settlement.Concurrency, "UPDOWN_SETTLEMENT_CONCURRENCY")
	setInt(&cfg.Settlement.BalanceCASAttempts, "UPDOWN_SETTLEMENT_BALANCE_CAS_ATTEMPTS")
	setBool(&cfg.Settlement.SchedulerEnabled, "UPDOWN_SETTLEMENT_SCHEDULER_ENABLED")

	// ── Limits ──
	setDecimal(&cfg.Limits.MinStake, "UPDOWN_LIMITS_MIN_STAKE")
	setDecimal(&cfg.Limits.MaxStake, "UPDOWN_LIMITS_MAX_STAKE")
	setDecimal(&cfg.Limits.MaxPerSession, "UPDOWN_LIMITS_MAX_PER_SESSION")

	// ── Journal ──
	setBool(&cfg.Journal.WAL.Enabled, "UPDOWN_JOURNAL_WAL_ENABLED")
	setStr(&cfg.Journal.WAL.Dir, "UPDOWN_JOURNAL_WAL_DIR")
	setBool(&cfg.Journal.WAL.SyncWrite, "UPDOWN_JOURNAL_WAL_SYNC_WRITE")
	setBool(&cfg.Journal.S3.Enabled, "UPDOWN_JOURNAL_S3_ENABLED")
	setStr(&cfg.Journal.S3.Endpoint, "UPDOWN_JOURNAL_S3_ENDPOINT")
	setStr(&cfg.Journal.S3.Region, "UPDOWN_JOURNAL_S3_REGION")
	setStr(&cfg.Journal.S3.Bucket, "UPDOWN_JOURNAL_S3_BUCKET")
	setStr(&cfg.Journal.S3.Prefix, "UPDOWN_JOURNAL_S3_PREFIX")
	setStr(&cfg.Journal.S3.AccessKey, "UPDOWN_JOURNAL_S3_ACCESS_KEY")
	setStr(&cfg.Journal.S3.SecretKey, "UPDOWN_JOURNAL_S3_SECRET_KEY")
	setBool(&cfg.Journal.S3.UseSSL, "UPDOWN_JOURNAL_S3_USE_SSL")
	setBool(&cfg.Journal.S3.ForcePathStyle, "UPDOWN_JOURNAL_S3_FORCE_PATH_STYLE")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "UPDOWN_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present, non-empty and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}
