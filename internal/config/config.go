// Package config defines the top-level configuration for the settlement
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/otcsettle/internal/credit"
	"github.com/alanyoungcy/otcsettle/internal/domain"
	"github.com/alanyoungcy/otcsettle/internal/engine"
	"github.com/alanyoungcy/otcsettle/internal/identity"
	"github.com/alanyoungcy/otcsettle/internal/order"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SETTLE_* environment variables.
type Config struct {
	Engine      EngineConfig      `toml:"engine"`
	Escrow      EscrowConfig      `toml:"escrow"`
	Identity    IdentityConfig    `toml:"identity"`
	Credit      CreditConfig      `toml:"credit"`
	Order       OrderConfig       `toml:"order"`
	Arbitration ArbitrationConfig `toml:"arbitration"`
	Governance  GovernanceConfig  `toml:"governance"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Archive     ArchiveConfig     `toml:"archive"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// EngineConfig controls the command consumer and the tick loop.
type EngineConfig struct {
	TickInterval  duration `toml:"tick_interval"`
	TickBudget    int      `toml:"tick_budget"`
	CommandStream string   `toml:"command_stream"`
	EventStream   string   `toml:"event_stream"`
	EventChannel  string   `toml:"event_channel"`
	BatchSize     int      `toml:"batch_size"`
	PollInterval  duration `toml:"poll_interval"`
	LeaderLockTTL duration `toml:"leader_lock_ttl"`
	// MaxClockSkew bounds how far a command timestamp may lead the host clock.
	MaxClockSkew duration `toml:"max_clock_skew"`
	// DedupCapacity sizes the bloom filter of applied command ids.
	DedupCapacity uint    `toml:"dedup_capacity"`
	DedupFPRate   float64 `toml:"dedup_fp_rate"`

	// ChainID scopes command and batch signatures.
	ChainID int `toml:"chain_id"`
	// Operator key used to sign published event batches.
	OperatorKey      string `toml:"operator_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// EscrowConfig holds the initial escrow governance state.
type EscrowConfig struct {
	StartPaused bool `toml:"start_paused"`
}

// IdentityConfig holds the identity gate policy.
type IdentityConfig struct {
	Enforced bool     `toml:"enforced"`
	MinLevel int      `toml:"min_level"`
	Exempt   []string `toml:"exempt"`
}

// CreditConfig holds the credit gate tunables.
type CreditConfig struct {
	MaxOrderRisk       uint16 `toml:"max_order_risk"`
	OverlayOrders      uint32 `toml:"overlay_orders"`
	EndorseMaxRisk     uint16 `toml:"endorse_max_risk"`
	MinimumBalance     uint64 `toml:"minimum_balance"`
	MakerInitialScore  uint16 `toml:"maker_initial_score"`
	MakerCompleteBonus uint16 `toml:"maker_complete_bonus"`
	MakerTimeoutCost   uint16 `toml:"maker_timeout_cost"`
	MakerDisputeCost   uint16 `toml:"maker_dispute_cost"`
}

// OrderConfig holds order lifecycle windows and limits.
type OrderConfig struct {
	AcceptWindow  duration `toml:"accept_window"`
	PaymentWindow duration `toml:"payment_window"`
	ConfirmWindow duration `toml:"confirm_window"`
	MinAmount     uint64   `toml:"min_amount"`
	OpenWindow    duration `toml:"open_window"`
	MaxOpens      int      `toml:"max_opens"`
	MinAssurance  int      `toml:"min_assurance"`
	ArchiveAfter  duration `toml:"archive_after"`
}

// ArbitrationConfig holds dispute parameters.
type ArbitrationConfig struct {
	DisputeDeposit uint64 `toml:"dispute_deposit"`
}

// GovernanceConfig maps account addresses to capabilities.
type GovernanceConfig struct {
	Admins            []string `toml:"admins"`
	Arbiters          []string `toml:"arbiters"`
	IdentityOracles   []string `toml:"identity_oracles"`
	SettlementModules []string `toml:"settlement_modules"`
	Hosts             []string `toml:"hosts"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr          string   `toml:"addr"`
	Password      string   `toml:"password"`
	DB            int      `toml:"db"`
	PoolSize      int      `toml:"pool_size"`
	MaxRetries    int      `toml:"max_retries"`
	TLSEnabled    bool     `toml:"tls_enabled"`
	ReputationTTL duration `toml:"reputation_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls export of archived records to cold storage.
type ArchiveConfig struct {
	Enabled   bool     `toml:"enabled"`
	Cron      string   `toml:"cron"`
	Prefix    string   `toml:"prefix"`
	BatchSize int      `toml:"batch_size"`
	MinAge    duration `toml:"min_age"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
	// ReplicaMaxAge bounds how stale the read model may be in processes
	// that do not run the engine.
	ReplicaMaxAge duration `toml:"replica_max_age"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	cp := credit.DefaultParams()
	oc := order.DefaultConfig()
	return Config{
		Engine: EngineConfig{
			TickInterval:  duration{5 * time.Second},
			TickBudget:    256,
			CommandStream: "settle:commands",
			EventStream:   "settle:events",
			EventChannel:  "settle:events:live",
			BatchSize:     64,
			PollInterval:  duration{500 * time.Millisecond},
			LeaderLockTTL: duration{15 * time.Second},
			MaxClockSkew:  duration{2 * time.Minute},
			DedupCapacity: 1_000_000,
			DedupFPRate:   0.001,
			ChainID:       1,
		},
		Identity: IdentityConfig{
			Enforced: true,
			MinLevel: 1,
		},
		Credit: CreditConfig{
			MaxOrderRisk:       cp.MaxOrderRisk,
			OverlayOrders:      cp.OverlayOrders,
			EndorseMaxRisk:     cp.EndorseMaxRisk,
			MinimumBalance:     cp.MinimumBalance,
			MakerInitialScore:  cp.MakerInitialScore,
			MakerCompleteBonus: cp.MakerCompleteBonus,
			MakerTimeoutCost:   cp.MakerTimeoutCost,
			MakerDisputeCost:   cp.MakerDisputeCost,
		},
		Order: OrderConfig{
			AcceptWindow:  duration{oc.AcceptWindow},
			PaymentWindow: duration{oc.PaymentWindow},
			ConfirmWindow: duration{oc.ConfirmWindow},
			MinAmount:     oc.MinAmount,
			OpenWindow:    duration{oc.OpenWindow},
			MaxOpens:      oc.MaxOpens,
			MinAssurance:  oc.MinAssurance,
			ArchiveAfter:  duration{oc.ArchiveAfter},
		},
		Arbitration: ArbitrationConfig{
			DisputeDeposit: oc.DisputeDeposit,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "otcsettle",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			PoolSize:      20,
			MaxRetries:    3,
			ReputationTTL: duration{10 * time.Minute},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "otcsettle-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:   true,
			Cron:      "0 3 * * *",
			Prefix:    "archive",
			BatchSize: 5000,
			MinAge:    duration{time.Hour},
		},
		Server: ServerConfig{
			Enabled:       true,
			Port:          8000,
			CORSOrigins:   []string{"http://localhost:3000"},
			RateLimit:     120,
			RateWindow:    duration{time.Minute},
			ReplicaMaxAge: duration{2 * time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{"OrderDisputed", "CaseResolved", "UserBanned", "GovernanceAction"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// EngineParams converts the component sections into the engine's config.
func (c *Config) EngineParams() engine.Config {
	return engine.Config{
		Identity: identity.Policy{
			Enforced: c.Identity.Enforced,
			MinLevel: c.Identity.MinLevel,
		},
		Credit: credit.Params{
			MaxOrderRisk:       c.Credit.MaxOrderRisk,
			OverlayOrders:      c.Credit.OverlayOrders,
			EndorseMaxRisk:     c.Credit.EndorseMaxRisk,
			MinimumBalance:     c.Credit.MinimumBalance,
			MakerInitialScore:  c.Credit.MakerInitialScore,
			MakerCompleteBonus: c.Credit.MakerCompleteBonus,
			MakerTimeoutCost:   c.Credit.MakerTimeoutCost,
			MakerDisputeCost:   c.Credit.MakerDisputeCost,
		},
		Order: order.Config{
			AcceptWindow:   c.Order.AcceptWindow.Duration,
			PaymentWindow:  c.Order.PaymentWindow.Duration,
			ConfirmWindow:  c.Order.ConfirmWindow.Duration,
			MinAmount:      c.Order.MinAmount,
			OpenWindow:     c.Order.OpenWindow.Duration,
			MaxOpens:       c.Order.MaxOpens,
			MinAssurance:   c.Order.MinAssurance,
			DisputeDeposit: c.Arbitration.DisputeDeposit,
			ArchiveAfter:   c.Order.ArchiveAfter.Duration,
		},
	}
}

// Capabilities builds the account-to-capability table from the governance
// section. Addresses are normalised.
func (c *Config) Capabilities() map[domain.AccountID]domain.Capability {
	caps := make(map[domain.AccountID]domain.Capability)
	grant := func(addrs []string, cap domain.Capability) {
		for _, a := range addrs {
			caps[domain.NormalizeAccount(a)] |= cap
		}
	}
	grant(c.Governance.Admins, domain.CapAdmin)
	grant(c.Governance.Arbiters, domain.CapArbiter)
	grant(c.Governance.IdentityOracles, domain.CapIdentityOracle)
	grant(c.Governance.SettlementModules, domain.CapSettlement)
	grant(c.Governance.Hosts, domain.CapHost)
	return caps
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"engine":  true,
	"server":  true,
	"archive": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: engine, server, archive, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Engine
	runsEngine := mode == "engine" || mode == "full"
	if c.Engine.TickInterval.Duration <= 0 {
		errs = append(errs, "engine: tick_interval must be > 0")
	}
	if c.Engine.TickBudget < 1 {
		errs = append(errs, "engine: tick_budget must be >= 1")
	}
	if c.Engine.CommandStream == "" {
		errs = append(errs, "engine: command_stream must not be empty")
	}
	if c.Engine.EventStream == "" {
		errs = append(errs, "engine: event_stream must not be empty")
	}
	if c.Engine.BatchSize < 1 {
		errs = append(errs, "engine: batch_size must be >= 1")
	}
	if c.Engine.LeaderLockTTL.Duration <= c.Engine.TickInterval.Duration {
		errs = append(errs, "engine: leader_lock_ttl must exceed tick_interval")
	}
	if c.Engine.ChainID <= 0 {
		errs = append(errs, "engine: chain_id must be positive")
	}
	if c.Engine.DedupFPRate <= 0 || c.Engine.DedupFPRate >= 1 {
		errs = append(errs, "engine: dedup_fp_rate must be in (0, 1)")
	}
	if runsEngine && c.Engine.EncryptedKeyPath != "" && c.Engine.KeyPassword == "" {
		errs = append(errs, "engine: key_password is required when encrypted_key_path is set")
	}

	// Identity
	if c.Identity.MinLevel < 0 {
		errs = append(errs, "identity: min_level must be >= 0")
	}

	// Credit
	if c.Credit.MaxOrderRisk > credit.MaxRisk {
		errs = append(errs, fmt.Sprintf("credit: max_order_risk must be <= %d", credit.MaxRisk))
	}
	if c.Credit.EndorseMaxRisk > credit.MaxRisk {
		errs = append(errs, fmt.Sprintf("credit: endorse_max_risk must be <= %d", credit.MaxRisk))
	}
	if c.Credit.MakerInitialScore > credit.MaxScore {
		errs = append(errs, fmt.Sprintf("credit: maker_initial_score must be <= %d", credit.MaxScore))
	}
	if c.Credit.MinimumBalance == 0 {
		errs = append(errs, "credit: minimum_balance must be > 0")
	}

	// Order
	for name, d := range map[string]duration{
		"accept_window":  c.Order.AcceptWindow,
		"payment_window": c.Order.PaymentWindow,
		"confirm_window": c.Order.ConfirmWindow,
		"open_window":    c.Order.OpenWindow,
		"archive_after":  c.Order.ArchiveAfter,
	} {
		if d.Duration <= 0 {
			errs = append(errs, "order: "+name+" must be > 0")
		}
	}
	if c.Order.MinAmount == 0 {
		errs = append(errs, "order: min_amount must be > 0")
	}
	if c.Order.MaxOpens < 1 {
		errs = append(errs, "order: max_opens must be >= 1")
	}

	// Governance
	for _, list := range [][]string{
		c.Governance.Admins, c.Governance.Arbiters, c.Governance.IdentityOracles,
		c.Governance.SettlementModules, c.Governance.Hosts, c.Identity.Exempt,
	} {
		for _, a := range list {
			if !common.IsHexAddress(a) {
				errs = append(errs, fmt.Sprintf("governance: %q is not a hex address", a))
			}
		}
	}
	if runsEngine && len(c.Governance.Admins) == 0 {
		errs = append(errs, "governance: at least one admin is required for mode "+c.Mode)
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 and archive
	if c.Archive.Enabled && (mode == "archive" || mode == "full") {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if len(strings.Fields(c.Archive.Cron)) != 5 {
			errs = append(errs, fmt.Sprintf("archive: cron %q must have five fields", c.Archive.Cron))
		}
		if c.Archive.BatchSize < 1 {
			errs = append(errs, "archive: batch_size must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
		if c.Server.ReplicaMaxAge.Duration < 0 {
			errs = append(errs, "server: replica_max_age must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
