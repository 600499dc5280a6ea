package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/otcsettle/internal/crypto"
	"github.com/alanyoungcy/otcsettle/internal/domain"
	"github.com/alanyoungcy/otcsettle/internal/engine"
	"github.com/alanyoungcy/otcsettle/internal/metrics"
)

// configCaller applies bootstrap settings from the config file.
var configCaller = domain.Caller{Account: "config", Caps: domain.CapAdmin}

// EventNotifier forwards committed events to operators.
type EventNotifier interface {
	NotifyEvent(ctx context.Context, ev domain.Event) error
}

// BatchSigner signs the header of each published event batch.
type BatchSigner interface {
	SignBatch(b crypto.EventBatch) (string, error)
	Address() common.Address
}

// Options tunes a Settlement.
type Options struct {
	Engine        engine.Config
	Capabilities  map[domain.AccountID]domain.Capability
	ChainID       int
	MaxClockSkew  time.Duration
	TickBudget    int
	DedupCapacity uint
	DedupFPRate   float64
	DedupWarm     int
	EventStream   string
	EventChannel  string
	Exempt        []string
	StartPaused   bool
}

// Deps are the collaborators of a Settlement. Only State is required.
type Deps struct {
	State      domain.StateStore
	Commands   domain.CommandStore
	Bus        domain.SignalBus
	Reputation domain.ReputationCache
	Notifier   EventNotifier
	Signer     BatchSigner
	Logger     *slog.Logger
}

// Receipt reports how a command was handled.
type Receipt struct {
	CommandID string           `json:"command_id"`
	Op        Op               `json:"op"`
	Caller    domain.AccountID `json:"caller"`
	OrderID   domain.OrderID   `json:"order_id,omitempty"`
	CaseID    domain.CaseID    `json:"case_id,omitempty"`
	Events    []domain.Event   `json:"events,omitempty"`
	Duplicate bool             `json:"duplicate,omitempty"`
	Error     string           `json:"error,omitempty"`
	Err       error            `json:"-"`
}

// Accepted reports whether the command changed the engine.
func (r Receipt) Accepted() bool {
	return r.Err == nil && !r.Duplicate
}

// Settlement owns the engine. Commands and ticks are applied one at a time;
// each resulting change set is persisted before it is committed in memory,
// so the database never lags the engine.
type Settlement struct {
	mu     sync.Mutex
	eng    *engine.Engine
	cursor string

	// fanMu orders fan-out by commit order. It is taken before mu is
	// released.
	fanMu sync.Mutex

	opts   Options
	deps   Deps
	domain crypto.Domain
	dedup  *dedup
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Settlement with an empty engine. Call Load before applying
// commands.
func New(opts Options, deps Deps) *Settlement {
	if opts.TickBudget <= 0 {
		opts.TickBudget = 256
	}
	if opts.DedupWarm <= 0 {
		opts.DedupWarm = 100_000
	}
	if opts.Capabilities == nil {
		opts.Capabilities = map[domain.AccountID]domain.Capability{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Settlement{
		eng:    engine.New(opts.Engine),
		opts:   opts,
		deps:   deps,
		domain: crypto.NewDomain(opts.ChainID),
		dedup:  newDedup(deps.Commands, opts.DedupCapacity, opts.DedupFPRate),
		logger: logger.With(slog.String("component", "settlement")),
		now:    time.Now,
	}
}

// Load rebuilds the engine from the state store. An empty store is
// bootstrapped from the config: identity exemptions and the start-paused
// flag are applied and persisted.
func (s *Settlement) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.deps.State.Load(ctx)
	if err != nil {
		return fmt.Errorf("service: load state: %w", err)
	}
	cursor, err := s.deps.State.Cursor(ctx)
	if err != nil {
		return fmt.Errorf("service: load cursor: %w", err)
	}

	if len(rows) == 0 {
		s.eng = engine.New(s.opts.Engine)
		s.cursor = cursor
		if err := s.bootstrap(ctx); err != nil {
			return err
		}
	} else {
		eng, err := engine.Restore(s.opts.Engine, rows)
		if err != nil {
			return fmt.Errorf("service: restore engine: %w", err)
		}
		s.eng = eng
		s.cursor = cursor
	}

	n, err := s.dedup.warm(ctx, s.opts.DedupWarm)
	if err != nil {
		return err
	}
	s.refreshGauges()
	s.logger.Info("engine loaded",
		slog.Int("entities", len(rows)),
		slog.String("cursor", s.cursor),
		slog.Uint64("last_seq", s.eng.LastSeq()),
		slog.Int("dedup_warm", n),
	)
	return nil
}

func (s *Settlement) bootstrap(ctx context.Context) error {
	now := s.now().UTC()
	for _, a := range s.opts.Exempt {
		if err := s.eng.AddIdentityExemption(configCaller, domain.NormalizeAccount(a), now); err != nil {
			s.eng.Discard()
			return fmt.Errorf("service: bootstrap exemption %s: %w", a, err)
		}
	}
	if s.opts.StartPaused {
		if err := s.eng.SetPaused(configCaller, true, now); err != nil {
			s.eng.Discard()
			return fmt.Errorf("service: bootstrap pause: %w", err)
		}
	}

	res, err := s.eng.Pending()
	if err != nil {
		s.eng.Discard()
		return err
	}
	if res.Empty() {
		return nil
	}
	if err := s.deps.State.Apply(ctx, batchOf(res, "", "")); err != nil {
		s.eng.Discard()
		return fmt.Errorf("service: persist bootstrap: %w", err)
	}
	s.eng.Commit()
	s.logger.Info("bootstrapped empty state",
		slog.Int("exemptions", len(s.opts.Exempt)),
		slog.Bool("paused", s.opts.StartPaused),
	)
	return nil
}

// Cursor returns the submission log id of the last handled entry.
func (s *Settlement) Cursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// SubmitRaw decodes and applies one submission log entry. Entries that are
// malformed, badly signed, duplicated or rejected by the engine produce a
// receipt with Err set; the returned error is reserved for infrastructure
// failures, after which the same entry must be retried.
func (s *Settlement) SubmitRaw(ctx context.Context, streamID string, raw []byte) (Receipt, error) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		return s.skip(ctx, streamID, Receipt{}, err)
	}
	return s.Submit(ctx, streamID, env)
}

// Submit verifies and applies one command.
func (s *Settlement) Submit(ctx context.Context, streamID string, env Envelope) (Receipt, error) {
	start := time.Now()
	rc := Receipt{CommandID: env.ID, Op: env.Op, Caller: env.Account()}

	if err := env.Verify(s.domain); err != nil {
		return s.skip(ctx, streamID, rc, err)
	}

	s.mu.Lock()
	locked := true
	defer func() {
		if locked {
			s.mu.Unlock()
		}
	}()

	seen, err := s.dedup.seen(ctx, env.ID)
	if err != nil {
		return rc, err
	}
	if seen {
		return s.duplicate(rc, streamID), nil
	}

	now := s.now().UTC()
	caller := domain.Caller{Account: env.Account(), Caps: s.opts.Capabilities[env.Account()]}

	out, opErr := s.checkSkew(env, now)
	if opErr == nil {
		out, opErr = dispatch(s.eng, caller, env, now)
	}

	res, err := s.eng.Pending()
	if err != nil {
		s.eng.Discard()
		return rc, err
	}
	if err := s.deps.State.Apply(ctx, batchOf(res, env.ID, streamID)); err != nil {
		s.eng.Discard()
		if errors.Is(err, domain.ErrAlreadyExists) {
			s.dedup.add(env.ID)
			return s.duplicate(rc, streamID), nil
		}
		metrics.PersistFailures.Inc()
		return rc, fmt.Errorf("service: persist command %s: %w", env.ID, err)
	}
	s.eng.Commit()
	s.dedup.add(env.ID)
	if streamID != "" {
		s.cursor = streamID
	}

	rc.OrderID, rc.CaseID = out.OrderID, out.CaseID
	if opErr != nil {
		rc.Err, rc.Error = opErr, opErr.Error()
		metrics.CommandsTotal.WithLabelValues(string(env.Op), "rejected").Inc()
		s.logger.Info("command rejected",
			slog.String("id", env.ID),
			slog.String("op", string(env.Op)),
			slog.String("caller", string(caller.Account)),
			slog.String("error", opErr.Error()),
		)
		return rc, nil
	}

	rc.Events = res.Events
	metrics.CommandsTotal.WithLabelValues(string(env.Op), "ok").Inc()
	metrics.ObserveSince(metrics.CommandLatency.WithLabelValues(string(env.Op)), start)

	plan := s.planFanout(res.Events, now)
	s.fanMu.Lock()
	s.mu.Unlock()
	locked = false
	defer s.fanMu.Unlock()
	s.fanout(ctx, plan)
	return rc, nil
}

func (s *Settlement) checkSkew(env Envelope, now time.Time) (outcome, error) {
	if s.opts.MaxClockSkew <= 0 {
		return outcome{}, nil
	}
	skew := now.Sub(time.Unix(env.IssuedAt, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > s.opts.MaxClockSkew {
		return outcome{}, fmt.Errorf("service: command %s issued %s from now: %w", env.ID, skew.Round(time.Second), domain.ErrInvalidArgument)
	}
	return outcome{}, nil
}

// skip records an entry that never reached the engine so the cursor moves
// past it.
func (s *Settlement) skip(ctx context.Context, streamID string, rc Receipt, cause error) (Receipt, error) {
	rc.Err, rc.Error = cause, cause.Error()
	metrics.CommandsTotal.WithLabelValues(string(rc.Op), "invalid").Inc()
	s.logger.Warn("command discarded",
		slog.String("stream_id", streamID),
		slog.String("id", rc.CommandID),
		slog.String("error", cause.Error()),
	)

	s.mu.Lock()
	defer s.mu.Unlock()
	if streamID == "" {
		return rc, nil
	}
	if err := s.deps.State.Apply(ctx, domain.Batch{Cursor: streamID}); err != nil {
		metrics.PersistFailures.Inc()
		return rc, fmt.Errorf("service: persist cursor %s: %w", streamID, err)
	}
	s.cursor = streamID
	return rc, nil
}

// duplicate must be called with mu held. The cursor advances in memory
// only; a restart re-reads the entry and finds it duplicated again.
func (s *Settlement) duplicate(rc Receipt, streamID string) Receipt {
	rc.Duplicate = true
	if streamID != "" {
		s.cursor = streamID
	}
	metrics.CommandsTotal.WithLabelValues(string(rc.Op), "duplicate").Inc()
	s.logger.Debug("duplicate command", slog.String("id", rc.CommandID))
	return rc
}

// Tick runs the engine's background work and persists it.
func (s *Settlement) Tick(ctx context.Context) (engine.TickReport, error) {
	s.mu.Lock()
	locked := true
	defer func() {
		if locked {
			s.mu.Unlock()
		}
	}()

	now := s.now().UTC()
	rep := s.eng.Tick(now, s.opts.TickBudget)

	res, err := s.eng.Pending()
	if err != nil {
		s.eng.Discard()
		return rep, err
	}
	if !res.Empty() {
		if err := s.deps.State.Apply(ctx, batchOf(res, "", "")); err != nil {
			s.eng.Discard()
			metrics.PersistFailures.Inc()
			return rep, fmt.Errorf("service: persist tick: %w", err)
		}
	}
	s.eng.Commit()

	metrics.TickItems.WithLabelValues("sweep", "ok").Add(float64(rep.Sweep.Processed - len(rep.Sweep.Failed)))
	metrics.TickItems.WithLabelValues("sweep", "failed").Add(float64(len(rep.Sweep.Failed)))
	metrics.TickItems.WithLabelValues("archive", "ok").Add(float64(rep.Archived))
	metrics.TickItems.WithLabelValues("archive", "failed").Add(float64(rep.ArchiveFailed))
	metrics.ArchiveBacklog.Set(float64(rep.ArchiveBacklog))
	s.refreshGauges()

	if len(res.Events) > 0 {
		s.logger.Info("tick applied",
			slog.Int("swept", rep.Sweep.Processed),
			slog.Int("archived", rep.Archived),
			slog.Int("archive_failed", rep.ArchiveFailed),
			slog.Int("events", len(res.Events)),
		)
	}

	plan := s.planFanout(res.Events, now)
	s.fanMu.Lock()
	s.mu.Unlock()
	locked = false
	defer s.fanMu.Unlock()
	s.fanout(ctx, plan)
	return rep, nil
}

// refreshGauges must be called with mu held.
func (s *Settlement) refreshGauges() {
	metrics.Custodied.Set(float64(s.eng.TotalCustodied()))
	metrics.PendingCases.Set(float64(len(s.eng.PendingCases())))

	metrics.LiveOrders.Reset()
	for _, o := range s.eng.Orders() {
		metrics.LiveOrders.WithLabelValues(string(o.State)).Inc()
	}
}

func batchOf(res engine.Result, commandID, cursor string) domain.Batch {
	return domain.Batch{
		Changes:   res.Changes,
		Orders:    res.Orders,
		Events:    res.Events,
		Archived:  res.Archived,
		CommandID: commandID,
		Cursor:    cursor,
	}
}
