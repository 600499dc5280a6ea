// Package pipeline runs the background jobs that sit beside the engine:
// the scheduled cold-storage export and the job orchestrator that
// supervises long-running loops.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/otcsettle/internal/domain"
)

const archiveLockKey = "archive-export"

// Archiver moves archived engine records from the database to cold storage.
type Archiver struct {
	blobArchiver domain.Archiver
	locks        domain.LockManager
	minAge       time.Duration
	lockTTL      time.Duration
	trigger      chan struct{}
	logger       *slog.Logger
	now          func() time.Time
}

// NewArchiver creates a new Archiver. Records younger than minAge are left
// for a later run. locks may be nil for a single-replica deployment.
func NewArchiver(blobArchiver domain.Archiver, locks domain.LockManager, minAge time.Duration, logger *slog.Logger) *Archiver {
	return &Archiver{
		blobArchiver: blobArchiver,
		locks:        locks,
		minAge:       minAge,
		lockTTL:      30 * time.Minute,
		trigger:      make(chan struct{}, 1),
		logger:       logger,
		now:          time.Now,
	}
}

// Trigger asks RunCron for an immediate run. It reports false when a run
// is already queued.
func (a *Archiver) Trigger() bool {
	select {
	case a.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run executes a single export run and returns how many records it moved.
// A run already in progress on another replica is not an error.
func (a *Archiver) Run(ctx context.Context) (int64, error) {
	if a.locks != nil {
		unlock, err := a.locks.Acquire(ctx, archiveLockKey, a.lockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			a.logger.Info("archive run skipped, another replica holds the lock")
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("acquiring archive lock: %w", err)
		}
		defer unlock()
	}

	cutoff := a.now().UTC().Add(-a.minAge)
	a.logger.Info("starting archive run", slog.Time("cutoff", cutoff))

	start := time.Now()
	n, err := a.blobArchiver.ArchiveRecords(ctx, cutoff)
	if err != nil {
		return n, fmt.Errorf("archiving records before %v: %w", cutoff, err)
	}

	a.logger.Info("archive run complete",
		slog.Int64("exported", n),
		slog.Duration("took", time.Since(start)),
	)
	return n, nil
}

// RunCron runs the archiver on a cron schedule until the context is cancelled.
// The expression uses the 5-field format
// "minute hour day-of-month month day-of-week", e.g. "0 3 * * *".
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	sched, err := parseCron(cronExpr)
	if err != nil {
		return fmt.Errorf("parsing cron expression %q: %w", cronExpr, err)
	}
	a.logger.Info("archiver cron started", slog.String("cron", cronExpr))

	for {
		next, err := sched.next(a.now().UTC())
		if err != nil {
			return fmt.Errorf("cron %q: %w", cronExpr, err)
		}

		wait := time.Until(next)
		a.logger.Debug("archiver waiting for next cron trigger",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info("archiver cron stopped")
			return ctx.Err()
		case <-a.trigger:
			timer.Stop()
			a.logger.Info("archive run requested")
			a.runLogged(ctx)
		case <-timer.C:
			a.runLogged(ctx)
		}
	}
}

func (a *Archiver) runLogged(ctx context.Context) {
	if _, err := a.Run(ctx); err != nil {
		a.logger.Error("archive run failed", slog.String("error", err.Error()))
	}
}
