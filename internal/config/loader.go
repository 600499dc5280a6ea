package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies SETTLE_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known SETTLE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setDuration(&cfg.Engine.TickInterval, "SETTLE_ENGINE_TICK_INTERVAL")
	setInt(&cfg.Engine.TickBudget, "SETTLE_ENGINE_TICK_BUDGET")
	setStr(&cfg.Engine.CommandStream, "SETTLE_ENGINE_COMMAND_STREAM")
	setStr(&cfg.Engine.EventStream, "SETTLE_ENGINE_EVENT_STREAM")
	setStr(&cfg.Engine.EventChannel, "SETTLE_ENGINE_EVENT_CHANNEL")
	setInt(&cfg.Engine.BatchSize, "SETTLE_ENGINE_BATCH_SIZE")
	setDuration(&cfg.Engine.PollInterval, "SETTLE_ENGINE_POLL_INTERVAL")
	setDuration(&cfg.Engine.LeaderLockTTL, "SETTLE_ENGINE_LEADER_LOCK_TTL")
	setDuration(&cfg.Engine.MaxClockSkew, "SETTLE_ENGINE_MAX_CLOCK_SKEW")
	setInt(&cfg.Engine.ChainID, "SETTLE_ENGINE_CHAIN_ID")
	setStr(&cfg.Engine.OperatorKey, "SETTLE_ENGINE_OPERATOR_KEY")
	setStr(&cfg.Engine.EncryptedKeyPath, "SETTLE_ENGINE_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Engine.KeyPassword, "SETTLE_ENGINE_KEY_PASSWORD")

	// ── Escrow / identity ──
	setBool(&cfg.Escrow.StartPaused, "SETTLE_ESCROW_START_PAUSED")
	setBool(&cfg.Identity.Enforced, "SETTLE_IDENTITY_ENFORCED")
	setInt(&cfg.Identity.MinLevel, "SETTLE_IDENTITY_MIN_LEVEL")
	setStringSlice(&cfg.Identity.Exempt, "SETTLE_IDENTITY_EXEMPT")

	// ── Order / arbitration ──
	setDuration(&cfg.Order.AcceptWindow, "SETTLE_ORDER_ACCEPT_WINDOW")
	setDuration(&cfg.Order.PaymentWindow, "SETTLE_ORDER_PAYMENT_WINDOW")
	setDuration(&cfg.Order.ConfirmWindow, "SETTLE_ORDER_CONFIRM_WINDOW")
	setUint64(&cfg.Order.MinAmount, "SETTLE_ORDER_MIN_AMOUNT")
	setInt(&cfg.Order.MaxOpens, "SETTLE_ORDER_MAX_OPENS")
	setDuration(&cfg.Order.ArchiveAfter, "SETTLE_ORDER_ARCHIVE_AFTER")
	setUint64(&cfg.Arbitration.DisputeDeposit, "SETTLE_ARBITRATION_DISPUTE_DEPOSIT")

	// ── Governance ──
	setStringSlice(&cfg.Governance.Admins, "SETTLE_GOVERNANCE_ADMINS")
	setStringSlice(&cfg.Governance.Arbiters, "SETTLE_GOVERNANCE_ARBITERS")
	setStringSlice(&cfg.Governance.IdentityOracles, "SETTLE_GOVERNANCE_IDENTITY_ORACLES")
	setStringSlice(&cfg.Governance.SettlementModules, "SETTLE_GOVERNANCE_SETTLEMENT_MODULES")
	setStringSlice(&cfg.Governance.Hosts, "SETTLE_GOVERNANCE_HOSTS")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "SETTLE_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "SETTLE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SETTLE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SETTLE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SETTLE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SETTLE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SETTLE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "SETTLE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "SETTLE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "SETTLE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "SETTLE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SETTLE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SETTLE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "SETTLE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "SETTLE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "SETTLE_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.ReputationTTL, "SETTLE_REDIS_REPUTATION_TTL")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "SETTLE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SETTLE_S3_REGION")
	setStr(&cfg.S3.Bucket, "SETTLE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SETTLE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SETTLE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "SETTLE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "SETTLE_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "SETTLE_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "SETTLE_ARCHIVE_CRON")
	setStr(&cfg.Archive.Prefix, "SETTLE_ARCHIVE_PREFIX")
	setInt(&cfg.Archive.BatchSize, "SETTLE_ARCHIVE_BATCH_SIZE")
	setDuration(&cfg.Archive.MinAge, "SETTLE_ARCHIVE_MIN_AGE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SETTLE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SETTLE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SETTLE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SETTLE_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "SETTLE_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "SETTLE_SERVER_RATE_WINDOW")
	setDuration(&cfg.Server.ReplicaMaxAge, "SETTLE_SERVER_REPLICA_MAX_AGE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "SETTLE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SETTLE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "SETTLE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "SETTLE_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "SETTLE_MODE")
	setStr(&cfg.LogLevel, "SETTLE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

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

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
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

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
