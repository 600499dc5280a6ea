package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/otcsettle/internal/blob/s3"
	"github.com/alanyoungcy/otcsettle/internal/cache/redis"
	"github.com/alanyoungcy/otcsettle/internal/config"
	"github.com/alanyoungcy/otcsettle/internal/crypto"
	"github.com/alanyoungcy/otcsettle/internal/domain"
	"github.com/alanyoungcy/otcsettle/internal/notify"
	"github.com/alanyoungcy/otcsettle/internal/store/postgres"
)

// Dependencies bundles every concrete dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	Postgres     *postgres.Client
	StateStore   *postgres.StateStore
	OrderStore   *postgres.OrderStore
	EventStore   *postgres.EventStore
	ArchiveStore *postgres.ArchiveStore
	AuditStore   *postgres.AuditStore

	// Redis
	Redis       *redis.Client
	SignalBus   *redis.SignalBus
	LockManager *redis.LockManager
	RateLimiter *redis.RateLimiter
	Reputation  *redis.ReputationCache

	// Blob storage; nil when the mode does not touch the archive.
	S3         *s3blob.Client
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	Notifier *notify.Notifier
	// Signer signs event batch headers; nil leaves them unsigned.
	Signer *crypto.Signer
}

// needsS3 returns true for modes that read or write the cold archive.
func needsS3(cfg *config.Config) bool {
	if !cfg.Archive.Enabled {
		return false
	}
	switch strings.ToLower(cfg.Mode) {
	case "archive", "full":
		return true
	case "server":
		return cfg.Server.Enabled
	default:
		return false
	}
}

// needsSigner returns true for modes that run the engine.
func needsSigner(mode string) bool {
	switch strings.ToLower(mode) {
	case "engine", "full":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		return fail("postgres", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fail("postgres migrations", err)
		}
	}

	pool := pgClient.Pool()
	deps.Postgres = pgClient
	deps.StateStore = postgres.NewStateStore(pgClient)
	deps.OrderStore = postgres.NewOrderStore(pool)
	deps.EventStore = postgres.NewEventStore(pool)
	deps.ArchiveStore = postgres.NewArchiveStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return fail("redis", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Redis = redisClient
	deps.SignalBus = redis.NewSignalBus(redisClient)
	// The command log is the system of record for submissions; it is never
	// trimmed.
	deps.SignalBus.SetStreamCap(cfg.Engine.CommandStream, 0)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.Reputation = redis.NewReputationCache(redisClient, cfg.Redis.ReputationTTL.Duration)

	// --- S3 blob storage ---
	if needsS3(cfg) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.S3 = s3Client
		deps.BlobWriter = s3blob.NewWriter(s3Client)
		reader := s3blob.NewReader(s3Client)
		deps.BlobReader = reader
		deps.Archiver = s3blob.NewArchiver(
			deps.BlobWriter,
			reader,
			deps.ArchiveStore,
			deps.AuditStore,
			s3blob.ArchiveOptions{
				Prefix:    cfg.Archive.Prefix,
				BatchSize: cfg.Archive.BatchSize,
			},
		)
	}

	// --- Operator key ---
	if needsSigner(cfg.Mode) {
		signer, err := crypto.LoadSigner(crypto.KeyConfig{
			RawPrivateKey:    cfg.Engine.OperatorKey,
			EncryptedKeyPath: cfg.Engine.EncryptedKeyPath,
			KeyPassword:      cfg.Engine.KeyPassword,
		}, cfg.Engine.ChainID)
		if err != nil {
			return fail("operator key", err)
		}
		if signer == nil {
			logger.Warn("no operator key configured, event batches will be unsigned")
		} else {
			logger.Info("operator key loaded", slog.String("address", signer.Address().Hex()))
		}
		deps.Signer = signer
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
