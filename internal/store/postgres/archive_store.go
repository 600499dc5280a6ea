package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/otcsettle/internal/domain"
)

// ArchiveStore implements domain.ArchiveStore over archived_records.
type ArchiveStore struct {
	pool *pgxpool.Pool
}

// NewArchiveStore creates a new ArchiveStore backed by the given connection pool.
func NewArchiveStore(pool *pgxpool.Pool) *ArchiveStore {
	return &ArchiveStore{pool: pool}
}

// ListPending returns records archived before the cutoff that have not been
// exported yet, oldest first.
func (s *ArchiveStore) ListPending(ctx context.Context, before time.Time, limit int) ([]domain.ArchivedRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, key, payload, archived_at FROM archived_records
		WHERE exported_at IS NULL AND archived_at < $1
		ORDER BY archived_at, id LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending archive: %w", err)
	}
	defer rows.Close()

	var out []domain.ArchivedRecord
	for rows.Next() {
		var r domain.ArchivedRecord
		if err := rows.Scan(&r.ID, &r.Kind, &r.Key, &r.Payload, &r.ArchivedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan archived record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list pending archive rows: %w", err)
	}
	return out, nil
}

// MarkExported records that ids were uploaded to path.
func (s *ArchiveStore) MarkExported(ctx context.Context, ids []int64, path string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE archived_records SET exported_at = NOW(), export_path = $2
		WHERE id = ANY($1) AND exported_at IS NULL`, ids, path)
	if err != nil {
		return fmt.Errorf("postgres: mark %d records exported: %w", len(ids), err)
	}
	return nil
}
