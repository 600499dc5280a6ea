package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/otcsettle/internal/domain"
)

// OrderStore implements domain.OrderReadStore over the orders projection
// maintained by StateStore.Apply.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const orderSelectCols = `id, buyer, maker, quantity, locked_amount, state, case_id,
	created_at, deadline, closed_at`

func queueOrderUpsert(batch *pgx.Batch, o domain.Order) {
	batch.Queue(`
		INSERT INTO orders (
			id, buyer, maker, quantity, locked_amount, state, case_id,
			created_at, deadline, closed_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			case_id = EXCLUDED.case_id,
			deadline = EXCLUDED.deadline,
			closed_at = EXCLUDED.closed_at,
			updated_at = NOW()`,
		int64(o.ID), string(o.Buyer), string(o.Maker),
		int64(o.Quantity), int64(o.LockedAmount), string(o.State),
		nullID(uint64(o.CaseID)), o.CreatedAt, nullTime(o.Deadline), nullTime(o.ClosedAt),
	)
}

// GetByID returns one order from the projection.
func (s *OrderStore) GetByID(ctx context.Context, id domain.OrderID) (domain.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderSelectCols+` FROM orders WHERE id = $1`, int64(id))
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, fmt.Errorf("postgres: order %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("postgres: get order %d: %w", id, err)
	}
	return o, nil
}

// ListByAccount returns orders where account is the buyer or the maker,
// newest first.
func (s *OrderStore) ListByAccount(ctx context.Context, account domain.AccountID, opts domain.ListOpts) ([]domain.Order, error) {
	return s.list(ctx, `(buyer = $1 OR maker = $1)`, string(account), opts)
}

// ListByState returns orders in state, newest first.
func (s *OrderStore) ListByState(ctx context.Context, state domain.OrderState, opts domain.ListOpts) ([]domain.Order, error) {
	return s.list(ctx, `state = $1`, string(state), opts)
}

func (s *OrderStore) list(ctx context.Context, where string, arg any, opts domain.ListOpts) ([]domain.Order, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders WHERE ` + where
	args := []any{arg}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list orders rows: %w", err)
	}
	return orders, nil
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		o                  domain.Order
		id, qty, locked    int64
		buyer, maker, st   string
		caseID             *int64
		deadline, closedAt *time.Time
	)
	if err := row.Scan(&id, &buyer, &maker, &qty, &locked, &st, &caseID, &o.CreatedAt, &deadline, &closedAt); err != nil {
		return domain.Order{}, err
	}
	o.ID = domain.OrderID(id)
	o.Buyer = domain.AccountID(buyer)
	o.Maker = domain.AccountID(maker)
	o.Quantity = uint64(qty)
	o.LockedAmount = uint64(locked)
	o.State = domain.OrderState(st)
	if caseID != nil {
		o.CaseID = domain.CaseID(*caseID)
	}
	if deadline != nil {
		o.Deadline = *deadline
	}
	if closedAt != nil {
		o.ClosedAt = *closedAt
	}
	return o, nil
}
