package engine

import (
	"fmt"

	"github.com/alanyoungcy/otcsettle/internal/domain"
	"github.com/alanyoungcy/otcsettle/internal/state"
)

// Snapshot returns every committed entity as persistable rows. It must be
// called with no transaction pending.
func (e *Engine) Snapshot() ([]domain.EntityRow, error) {
	if e.j.Pending() {
		return nil, fmt.Errorf("engine: snapshot with uncommitted changes: %w", domain.ErrInvalidStateTransition)
	}
	var rows []domain.EntityRow
	for _, t := range e.tables() {
		for key, v := range t.Dump() {
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("engine: snapshot %s/%s: %w", t.Name(), key, err)
			}
			rows = append(rows, domain.EntityRow{Table: t.Name(), Key: key, Value: raw})
		}
	}
	return rows, nil
}

// Restore builds an engine from persisted rows and rebuilds the derived
// schedules. Rows for unknown tables are rejected.
func Restore(cfg Config, rows []domain.EntityRow) (*Engine, error) {
	e := New(cfg)
	byName := make(map[string]state.Loader)
	for _, t := range e.tables() {
		byName[t.Name()] = t
	}
	for _, r := range rows {
		t, ok := byName[r.Table]
		if !ok {
			return nil, fmt.Errorf("engine: restore: unknown table %q: %w", r.Table, domain.ErrInvalidArgument)
		}
		if err := t.Load(r.Key, r.Value); err != nil {
			return nil, fmt.Errorf("engine: restore: %w", err)
		}
	}
	e.ledger.Rebuild()
	e.orders.Rebuild()
	return e, nil
}
