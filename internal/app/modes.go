package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/otcsettle/internal/cache/redis"
	"github.com/alanyoungcy/otcsettle/internal/pipeline"
	"github.com/alanyoungcy/otcsettle/internal/server"
	"github.com/alanyoungcy/otcsettle/internal/server/handler"
	"github.com/alanyoungcy/otcsettle/internal/server/ws"
	"github.com/alanyoungcy/otcsettle/internal/service"
)

const leaderKey = "engine-leader"

// EngineMode runs the command consumer and the tick loop while this
// replica holds the leader lease.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	o := pipeline.NewOrchestrator(a.logger)
	a.addEngine(o, deps)
	return a.run(ctx, o)
}

// ServerMode serves the read API, the websocket event stream and metrics.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	o := pipeline.NewOrchestrator(a.logger)
	a.addServer(o, deps, nil)
	return a.run(ctx, o)
}

// ArchiveMode runs the scheduled cold-storage export.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	o := pipeline.NewOrchestrator(a.logger)
	a.addArchive(o, deps)
	return a.run(ctx, o)
}

// FullMode runs every component in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	o := pipeline.NewOrchestrator(a.logger)
	a.addEngine(o, deps)
	arch := a.addArchive(o, deps)
	a.addServer(o, deps, arch)
	return a.run(ctx, o)
}

func (a *App) run(ctx context.Context, o *pipeline.Orchestrator) error {
	if len(o.Jobs()) == 0 {
		return fmt.Errorf("app: mode %q has nothing to run with this configuration", a.cfg.Mode)
	}
	return o.Run(ctx)
}

// newSettlement builds the engine owner from the config.
func (a *App) newSettlement(deps *Dependencies) *service.Settlement {
	cfg := a.cfg
	sd := service.Deps{
		State:      deps.StateStore,
		Commands:   deps.EventStore,
		Bus:        deps.SignalBus,
		Reputation: deps.Reputation,
		Notifier:   deps.Notifier,
		Logger:     a.logger,
	}
	if deps.Signer != nil {
		sd.Signer = deps.Signer
	}
	return service.New(service.Options{
		Engine:        cfg.EngineParams(),
		Capabilities:  cfg.Capabilities(),
		ChainID:       cfg.Engine.ChainID,
		MaxClockSkew:  cfg.Engine.MaxClockSkew.Duration,
		TickBudget:    cfg.Engine.TickBudget,
		DedupCapacity: cfg.Engine.DedupCapacity,
		DedupFPRate:   cfg.Engine.DedupFPRate,
		EventStream:   cfg.Engine.EventStream,
		EventChannel:  cfg.Engine.EventChannel,
		Exempt:        cfg.Identity.Exempt,
		StartPaused:   cfg.Escrow.StartPaused,
	}, sd)
}

func (a *App) addEngine(o *pipeline.Orchestrator, deps *Dependencies) {
	settlement := a.newSettlement(deps)
	runCfg := service.RunConfig{
		CommandStream: a.cfg.Engine.CommandStream,
		BatchSize:     a.cfg.Engine.BatchSize,
		PollInterval:  a.cfg.Engine.PollInterval.Duration,
		TickInterval:  a.cfg.Engine.TickInterval.Duration,
		LeaderKey:     leaderKey,
		LeaderTTL:     a.cfg.Engine.LeaderLockTTL.Duration,
	}
	o.Add("engine", func(ctx context.Context) error {
		return settlement.RunLeader(ctx, leaseFunc(deps.LockManager), runCfg)
	})
}

// leaseFunc adapts the Redis lock manager to the engine's leader contest.
func leaseFunc(lm *redis.LockManager) service.LeaseFunc {
	return func(ctx context.Context, key string, ttl time.Duration) (service.Lease, error) {
		l, err := lm.AcquireLease(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
}

// addArchive registers the export cron and returns the archiver so a
// co-located server can trigger it. It returns nil when archiving is off.
func (a *App) addArchive(o *pipeline.Orchestrator, deps *Dependencies) *pipeline.Archiver {
	if deps.Archiver == nil {
		a.logger.Info("archive export disabled")
		return nil
	}
	arch := pipeline.NewArchiver(
		deps.Archiver,
		deps.LockManager,
		a.cfg.Archive.MinAge.Duration,
		a.logger.With(slog.String("component", "archive")),
	)
	o.Add("archive", func(ctx context.Context) error {
		return arch.RunCron(ctx, a.cfg.Archive.Cron)
	})
	return arch
}

// addServer registers the HTTP server and the websocket hub. arch may be nil.
func (a *App) addServer(o *pipeline.Orchestrator, deps *Dependencies, arch *pipeline.Archiver) {
	if !a.cfg.Server.Enabled {
		a.logger.Info("http server disabled")
		return
	}
	logger := a.logger.With(slog.String("component", "server"))

	replica := service.NewReplica(deps.StateStore, a.cfg.EngineParams(), a.cfg.Server.ReplicaMaxAge.Duration, logger)
	reputation := service.NewReputation(deps.Reputation, replica, logger)

	health := handler.NewHealthHandler(logger).
		WithCheck("postgres", func(ctx context.Context) error { return deps.Postgres.Pool().Ping(ctx) }).
		WithCheck("redis", deps.Redis.Ping)
	if deps.S3 != nil {
		health.WithCheck("s3", deps.S3.Health)
	}

	handlers := server.Handlers{
		Health:   health,
		Status:   handler.NewStatusHandler(replica, a.cfg.Mode, logger),
		Accounts: handler.NewAccountHandler(reputation, replica, logger),
		Orders:   handler.NewOrderHandler(deps.OrderStore, logger),
		Cases:    handler.NewCaseHandler(replica, logger),
		Events:   handler.NewEventHandler(deps.EventStore, logger),
		Audit:    handler.NewAuditHandler(deps.AuditStore, logger),
	}
	if deps.BlobReader != nil {
		handlers.Archive = handler.NewArchiveHandler(deps.BlobReader, a.cfg.Archive.Prefix, logger)
		if arch != nil {
			handlers.Archive.WithTrigger(arch.Trigger)
		}
	}

	hub := ws.NewHub(deps.SignalBus, logger, ws.Config{
		Channel:        a.cfg.Engine.EventChannel,
		AllowedOrigins: a.cfg.Server.CORSOrigins,
		Status: func(ctx context.Context) (any, error) {
			return replica.Status(ctx)
		},
	})

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, logger)

	o.Add("ws-hub", hub.Run)
	o.Add("http", srv.Run)
}
