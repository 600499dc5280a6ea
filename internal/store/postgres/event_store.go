package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/otcsettle/internal/domain"
)

// EventStore implements domain.EventStore and domain.CommandStore over the
// tables written by StateStore.Apply.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// ListAfter returns up to limit events with a sequence greater than seq, in
// sequence order.
func (s *EventStore) ListAfter(ctx context.Context, seq uint64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT seq, kind, order_id, case_id, account, counterparty, amount, attrs, at
		FROM engine_events WHERE seq > $1 ORDER BY seq LIMIT $2`, int64(seq), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events after %d: %w", seq, err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var (
			ev                    domain.Event
			sq                    int64
			kind                  string
			orderID, caseID, amt  *int64
			account, counterparty *string
			attrs                 []byte
		)
		if err := rows.Scan(&sq, &kind, &orderID, &caseID, &account, &counterparty, &amt, &attrs, &ev.At); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		ev.Seq = uint64(sq)
		ev.Kind = domain.EventKind(kind)
		if orderID != nil {
			ev.OrderID = domain.OrderID(*orderID)
		}
		if caseID != nil {
			ev.CaseID = domain.CaseID(*caseID)
		}
		if amt != nil {
			ev.Amount = uint64(*amt)
		}
		if account != nil {
			ev.Account = domain.AccountID(*account)
		}
		if counterparty != nil {
			ev.Counterparty = domain.AccountID(*counterparty)
		}
		if attrs != nil {
			if err := json.Unmarshal(attrs, &ev.Attrs); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal event %d attrs: %w", sq, err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list events rows: %w", err)
	}
	return out, nil
}

// LastSeq returns the highest persisted sequence, or 0.
func (s *EventStore) LastSeq(ctx context.Context) (uint64, error) {
	var seq *int64
	if err := s.pool.QueryRow(ctx, `SELECT MAX(seq) FROM engine_events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("postgres: last event seq: %w", err)
	}
	if seq == nil {
		return 0, nil
	}
	return uint64(*seq), nil
}

// Seen reports whether a command id was already applied.
func (s *EventStore) Seen(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM applied_commands WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: check command %s: %w", id, err)
	}
	return exists, nil
}

// Recent returns the most recently applied command ids, newest first.
func (s *EventStore) Recent(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM applied_commands ORDER BY applied_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent commands: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan command id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
