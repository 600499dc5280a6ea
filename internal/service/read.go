package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/otcsettle/internal/domain"
	"github.com/alanyoungcy/otcsettle/internal/engine"
)

// Status summarises the engine for health checks and dashboards.
type Status struct {
	LastSeq      uint64 `json:"last_seq"`
	Paused       bool   `json:"paused"`
	Custodied    uint64 `json:"custodied"`
	Balances     uint64 `json:"balances"`
	LiveOrders   int    `json:"live_orders"`
	PendingCases int    `json:"pending_cases"`
	Cursor       string `json:"cursor,omitempty"`
}

// ReadModel is the query surface the HTTP API serves.
type ReadModel interface {
	BuyerReputation(ctx context.Context, account domain.AccountID) (domain.BuyerReputation, error)
	MakerReputation(ctx context.Context, account domain.AccountID) (domain.MakerReputation, error)
	Balance(ctx context.Context, account domain.AccountID) (uint64, error)
	Case(ctx context.Context, id domain.CaseID) (domain.DisputeCase, error)
	PendingCases(ctx context.Context) ([]domain.DisputeCase, error)
	Status(ctx context.Context) (Status, error)
}

// view runs fn against an engine under a lock.
type view func(fn func(eng *engine.Engine, now time.Time)) error

func (v view) buyer(a domain.AccountID) (r domain.BuyerReputation, err error) {
	err = v(func(eng *engine.Engine, now time.Time) { r = eng.BuyerReputation(a, now) })
	return r, err
}

func (v view) maker(a domain.AccountID) (r domain.MakerReputation, err error) {
	err = v(func(eng *engine.Engine, now time.Time) { r = eng.MakerReputation(a, now) })
	return r, err
}

func (v view) balance(a domain.AccountID) (b uint64, err error) {
	err = v(func(eng *engine.Engine, _ time.Time) { b = eng.Balance(a) })
	return b, err
}

func (v view) caseByID(id domain.CaseID) (c domain.DisputeCase, err error) {
	var lookup error
	if err = v(func(eng *engine.Engine, _ time.Time) { c, lookup = eng.Case(id) }); err != nil {
		return c, err
	}
	return c, lookup
}

func (v view) pending() (cs []domain.DisputeCase, err error) {
	err = v(func(eng *engine.Engine, _ time.Time) { cs = eng.PendingCases() })
	return cs, err
}

func statusOf(eng *engine.Engine) Status {
	return Status{
		LastSeq:      eng.LastSeq(),
		Paused:       eng.Paused(),
		Custodied:    eng.TotalCustodied(),
		Balances:     eng.TotalBalances(),
		LiveOrders:   len(eng.Orders()),
		PendingCases: len(eng.PendingCases()),
	}
}

func (s *Settlement) view(fn func(eng *engine.Engine, now time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.eng, s.now().UTC())
	return nil
}

func (s *Settlement) BuyerReputation(_ context.Context, a domain.AccountID) (domain.BuyerReputation, error) {
	return view(s.view).buyer(a)
}

func (s *Settlement) MakerReputation(_ context.Context, a domain.AccountID) (domain.MakerReputation, error) {
	return view(s.view).maker(a)
}

func (s *Settlement) Balance(_ context.Context, a domain.AccountID) (uint64, error) {
	return view(s.view).balance(a)
}

func (s *Settlement) Case(_ context.Context, id domain.CaseID) (domain.DisputeCase, error) {
	return view(s.view).caseByID(id)
}

func (s *Settlement) PendingCases(context.Context) ([]domain.DisputeCase, error) {
	return view(s.view).pending()
}

func (s *Settlement) Status(context.Context) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := statusOf(s.eng)
	st.Cursor = s.cursor
	return st, nil
}

// Replica serves the read model in processes that do not run the engine.
// It restores a private engine from the state store and reloads it once it
// is older than maxAge.
type Replica struct {
	mu       sync.Mutex
	state    domain.StateStore
	cfg      engine.Config
	maxAge   time.Duration
	eng      *engine.Engine
	loadedAt time.Time
	logger   *slog.Logger
	now      func() time.Time
}

// NewReplica creates a Replica. Nothing is loaded until the first query.
func NewReplica(state domain.StateStore, cfg engine.Config, maxAge time.Duration, logger *slog.Logger) *Replica {
	return &Replica{
		state:  state,
		cfg:    cfg,
		maxAge: maxAge,
		logger: logger.With(slog.String("component", "replica")),
		now:    time.Now,
	}
}

// refresh must be called with mu held.
func (r *Replica) refresh(ctx context.Context) error {
	if r.eng != nil && r.now().Sub(r.loadedAt) < r.maxAge {
		return nil
	}
	rows, err := r.state.Load(ctx)
	if err != nil {
		if r.eng != nil {
			r.logger.Warn("replica reload failed, serving stale state", slog.String("error", err.Error()))
			return nil
		}
		return fmt.Errorf("service: replica load: %w", err)
	}
	eng, err := engine.Restore(r.cfg, rows)
	if err != nil {
		return fmt.Errorf("service: replica restore: %w", err)
	}
	r.eng, r.loadedAt = eng, r.now()
	return nil
}

func (r *Replica) viewCtx(ctx context.Context) view {
	return func(fn func(eng *engine.Engine, now time.Time)) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		if err := r.refresh(ctx); err != nil {
			return err
		}
		fn(r.eng, r.now().UTC())
		return nil
	}
}

func (r *Replica) BuyerReputation(ctx context.Context, a domain.AccountID) (domain.BuyerReputation, error) {
	return r.viewCtx(ctx).buyer(a)
}

func (r *Replica) MakerReputation(ctx context.Context, a domain.AccountID) (domain.MakerReputation, error) {
	return r.viewCtx(ctx).maker(a)
}

func (r *Replica) Balance(ctx context.Context, a domain.AccountID) (uint64, error) {
	return r.viewCtx(ctx).balance(a)
}

func (r *Replica) Case(ctx context.Context, id domain.CaseID) (domain.DisputeCase, error) {
	return r.viewCtx(ctx).caseByID(id)
}

func (r *Replica) PendingCases(ctx context.Context) ([]domain.DisputeCase, error) {
	return r.viewCtx(ctx).pending()
}

func (r *Replica) Status(ctx context.Context) (Status, error) {
	var st Status
	err := r.viewCtx(ctx)(func(eng *engine.Engine, _ time.Time) { st = statusOf(eng) })
	return st, err
}

// Reputation serves reputation views from the cache, falling back to the
// read model and filling the cache on a miss.
type Reputation struct {
	cache  domain.ReputationCache
	model  ReadModel
	logger *slog.Logger
}

// NewReputation creates a Reputation reader. cache may be nil.
func NewReputation(cache domain.ReputationCache, model ReadModel, logger *slog.Logger) *Reputation {
	return &Reputation{cache: cache, model: model, logger: logger}
}

// Buyer returns the buyer view of account.
func (r *Reputation) Buyer(ctx context.Context, account domain.AccountID) (domain.BuyerReputation, error) {
	if r.cache != nil {
		v, err := r.cache.GetBuyer(ctx, account)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			r.logger.Warn("reputation cache read", slog.String("error", err.Error()))
		}
	}
	v, err := r.model.BuyerReputation(ctx, account)
	if err != nil {
		return v, err
	}
	if r.cache != nil {
		if err := r.cache.SetBuyer(ctx, v); err != nil {
			r.logger.Warn("reputation cache fill", slog.String("error", err.Error()))
		}
	}
	return v, nil
}

// Maker returns the maker view of account.
func (r *Reputation) Maker(ctx context.Context, account domain.AccountID) (domain.MakerReputation, error) {
	if r.cache != nil {
		v, err := r.cache.GetMaker(ctx, account)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			r.logger.Warn("reputation cache read", slog.String("error", err.Error()))
		}
	}
	v, err := r.model.MakerReputation(ctx, account)
	if err != nil {
		return v, err
	}
	if r.cache != nil {
		if err := r.cache.SetMaker(ctx, v); err != nil {
			r.logger.Warn("reputation cache fill", slog.String("error", err.Error()))
		}
	}
	return v, nil
}

var (
	_ ReadModel = (*Settlement)(nil)
	_ ReadModel = (*Replica)(nil)
)
