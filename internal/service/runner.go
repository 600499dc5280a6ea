package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/otcsettle/internal/domain"
)

// Lease is a renewable exclusive hold on the engine.
type Lease interface {
	Refresh(ctx context.Context) error
	Release()
}

// LeaseFunc acquires the named lease or fails with domain.ErrLockHeld.
type LeaseFunc func(ctx context.Context, key string, ttl time.Duration) (Lease, error)

// RunConfig drives the engine loops.
type RunConfig struct {
	CommandStream string
	BatchSize     int
	PollInterval  time.Duration
	TickInterval  time.Duration
	LeaderKey     string
	LeaderTTL     time.Duration
}

var errLeaseLost = errors.New("service: leader lease lost")

// Consume applies submission log entries in order until ctx is done. An
// infrastructure failure stops the batch; the same entry is retried after
// the poll interval.
func (s *Settlement) Consume(ctx context.Context, cfg RunConfig) error {
	if s.deps.Bus == nil {
		return fmt.Errorf("service: consume without a bus")
	}
	for {
		msgs, err := s.deps.Bus.StreamRead(ctx, cfg.CommandStream, s.Cursor(), cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("read command stream", slog.String("error", err.Error()))
		}

		stalled := err != nil
		for _, m := range msgs {
			if _, err := s.SubmitRaw(ctx, m.ID, m.Payload); err != nil {
				stalled = true
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Error("apply command",
					slog.String("stream_id", m.ID),
					slog.String("error", err.Error()),
				)
				break
			}
		}

		if len(msgs) == cfg.BatchSize && !stalled {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.PollInterval):
		}
	}
}

// RunTicks calls Tick every interval until ctx is done. A failed tick is
// logged and retried on the next interval.
func (s *Settlement) RunTicks(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.logger.Error("tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunLeader competes for the leader lease and, while holding it, reloads
// the engine from the store and runs the consumer and the tick loop. Losing
// the lease stops both and the contest starts again.
func (s *Settlement) RunLeader(ctx context.Context, acquire LeaseFunc, cfg RunConfig) error {
	retry := cfg.LeaderTTL / 3
	if retry <= 0 {
		retry = time.Second
	}

	for {
		lease, err := acquire(ctx, cfg.LeaderKey, cfg.LeaderTTL)
		switch {
		case err == nil:
			err = s.lead(ctx, lease, cfg, retry)
			lease.Release()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("stepped down as leader", slog.String("error", err.Error()))
		case errors.Is(err, domain.ErrLockHeld):
			s.logger.Debug("leader lease held elsewhere")
		default:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("acquire leader lease", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retry):
		}
	}
}

func (s *Settlement) lead(ctx context.Context, lease Lease, cfg RunConfig, refresh time.Duration) error {
	s.logger.Info("acquired leader lease", slog.String("key", cfg.LeaderKey))
	if err := s.Load(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(refresh)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := lease.Refresh(gctx); err != nil {
					if errors.Is(err, domain.ErrLockHeld) {
						return errLeaseLost
					}
					s.logger.Warn("refresh leader lease", slog.String("error", err.Error()))
				}
			}
		}
	})
	g.Go(func() error { return s.Consume(gctx, cfg) })
	g.Go(func() error { return s.RunTicks(gctx, cfg.TickInterval) })
	return g.Wait()
}
