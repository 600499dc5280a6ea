package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	jsoniter "github.com/json-iterator/go"

	"github.com/alanyoungcy/otcsettle/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StateStore implements domain.StateStore. Apply writes one engine batch in
// a single transaction: entity rows, the order projection, events, audit
// entries for governance events, archive staging, the command id and the
// stream cursor.
type StateStore struct {
	c *Client
}

// NewStateStore creates a StateStore backed by the given client.
func NewStateStore(c *Client) *StateStore {
	return &StateStore{c: c}
}

// Load returns every persisted engine entity.
func (s *StateStore) Load(ctx context.Context) ([]domain.EntityRow, error) {
	rows, err := s.c.pool.Query(ctx, `SELECT tbl, key, value FROM engine_entities ORDER BY tbl, key`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load entities: %w", err)
	}
	defer rows.Close()

	var out []domain.EntityRow
	for rows.Next() {
		var r domain.EntityRow
		if err := rows.Scan(&r.Table, &r.Key, &r.Value); err != nil {
			return nil, fmt.Errorf("postgres: scan entity: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load entities rows: %w", err)
	}
	return out, nil
}

// Cursor returns the stream id of the last applied command, or "" before
// the first one.
func (s *StateStore) Cursor(ctx context.Context) (string, error) {
	var id string
	err := s.c.pool.QueryRow(ctx, `SELECT stream_id FROM engine_cursor WHERE id = 1`).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("postgres: read cursor: %w", err)
	}
	return id, nil
}

// Apply persists b atomically. A command id that was already applied fails
// with domain.ErrAlreadyExists and writes nothing.
func (s *StateStore) Apply(ctx context.Context, b domain.Batch) error {
	return s.c.WithTx(ctx, func(tx pgx.Tx) error {
		if b.CommandID != "" {
			tag, err := tx.Exec(ctx,
				`INSERT INTO applied_commands (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, b.CommandID)
			if err != nil {
				return fmt.Errorf("postgres: record command %s: %w", b.CommandID, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("postgres: command %s: %w", b.CommandID, domain.ErrAlreadyExists)
			}
		}

		batch := &pgx.Batch{}
		for _, ch := range b.Changes {
			queueChange(batch, ch)
		}
		for _, o := range b.Orders {
			queueOrderUpsert(batch, o)
		}
		for _, ev := range b.Events {
			if err := queueEvent(batch, ev); err != nil {
				return err
			}
			if ev.Kind == domain.EventGovernanceAction {
				if err := queueAudit(batch, string(ev.Kind), governanceDetail(ev)); err != nil {
					return err
				}
			}
		}
		for _, r := range b.Archived {
			queueArchived(batch, r)
		}
		if b.Cursor != "" {
			batch.Queue(`
				INSERT INTO engine_cursor (id, stream_id, updated_at) VALUES (1, $1, NOW())
				ON CONFLICT (id) DO UPDATE SET stream_id = EXCLUDED.stream_id, updated_at = NOW()`,
				b.Cursor)
		}
		if batch.Len() == 0 {
			return nil
		}

		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("postgres: apply batch item %d: %w", i, err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("postgres: close batch: %w", err)
		}
		return nil
	})
}

func queueChange(batch *pgx.Batch, ch domain.EntityChange) {
	if ch.Deleted {
		batch.Queue(`DELETE FROM engine_entities WHERE tbl = $1 AND key = $2`, ch.Table, ch.Key)
		return
	}
	batch.Queue(`
		INSERT INTO engine_entities (tbl, key, value, updated_at) VALUES ($1, $2, $3, NOW())
		ON CONFLICT (tbl, key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		ch.Table, ch.Key, ch.Value)
}

func queueEvent(batch *pgx.Batch, ev domain.Event) error {
	var attrs []byte
	if len(ev.Attrs) > 0 {
		raw, err := json.Marshal(ev.Attrs)
		if err != nil {
			return fmt.Errorf("postgres: marshal event %d attrs: %w", ev.Seq, err)
		}
		attrs = raw
	}
	batch.Queue(`
		INSERT INTO engine_events (seq, kind, order_id, case_id, account, counterparty, amount, attrs, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		int64(ev.Seq), string(ev.Kind),
		nullID(uint64(ev.OrderID)), nullID(uint64(ev.CaseID)),
		nullText(string(ev.Account)), nullText(string(ev.Counterparty)),
		nullID(ev.Amount), attrs, ev.At,
	)
	return nil
}

func queueArchived(batch *pgx.Batch, r domain.ArchivedRecord) {
	batch.Queue(`
		INSERT INTO archived_records (kind, key, payload, archived_at) VALUES ($1, $2, $3, $4)`,
		r.Kind, r.Key, r.Payload, r.ArchivedAt)
	if r.Kind == "order" {
		batch.Queue(`UPDATE orders SET archived_at = $2, updated_at = NOW() WHERE id::text = $1`,
			r.Key, r.ArchivedAt)
	}
}

func governanceDetail(ev domain.Event) map[string]any {
	d := map[string]any{"seq": ev.Seq, "at": ev.At}
	if ev.Account != "" {
		d["account"] = ev.Account
	}
	for k, v := range ev.Attrs {
		d[k] = v
	}
	return d
}

func nullID(v uint64) *int64 {
	if v == 0 {
		return nil
	}
	n := int64(v)
	return &n
}

func nullText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
