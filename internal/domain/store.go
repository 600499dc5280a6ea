package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// EntityRow is one persisted engine entity in its JSON form.
type EntityRow struct {
	Table string
	Key   string
	Value []byte
}

// EntityChange is an upsert or delete of one engine entity.
type EntityChange struct {
	Table   string
	Key     string
	Value   []byte
	Deleted bool
}

// ArchivedRecord is a terminal entity removed by the archival sweep, staged
// for export to cold storage.
type ArchivedRecord struct {
	ID         int64
	Kind       string
	Key        string
	Payload    []byte
	ArchivedAt time.Time
	ExportPath string
}

// Batch is everything one committed engine transaction persists. It is
// applied atomically: entity changes, events, archived records, the command
// id and the submission-log cursor all land together or not at all.
type Batch struct {
	Changes   []EntityChange
	Orders    []Order
	Events    []Event
	Archived  []ArchivedRecord
	CommandID string
	Cursor    string
}

// StateStore persists the engine's entity tables.
type StateStore interface {
	Load(ctx context.Context) ([]EntityRow, error)
	Apply(ctx context.Context, b Batch) error
	Cursor(ctx context.Context) (string, error)
}

// OrderReadStore serves the order projection to the read API.
type OrderReadStore interface {
	GetByID(ctx context.Context, id OrderID) (Order, error)
	ListByAccount(ctx context.Context, account AccountID, opts ListOpts) ([]Order, error)
	ListByState(ctx context.Context, state OrderState, opts ListOpts) ([]Order, error)
}

// EventStore serves the persisted event log.
type EventStore interface {
	ListAfter(ctx context.Context, seq uint64, limit int) ([]Event, error)
	LastSeq(ctx context.Context) (uint64, error)
}

// CommandStore tracks applied command ids for replay protection.
type CommandStore interface {
	Seen(ctx context.Context, id string) (bool, error)
	Recent(ctx context.Context, limit int) ([]string, error)
}

// ArchiveStore exposes archived records staged for export.
type ArchiveStore interface {
	ListPending(ctx context.Context, before time.Time, limit int) ([]ArchivedRecord, error)
	MarkExported(ctx context.Context, ids []int64, path string) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
