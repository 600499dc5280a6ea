package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/alanyoungcy/otcsettle/internal/domain"
)

// newTestClient boots a disposable Postgres and applies the migrations. It
// skips unless SETTLE_INTEGRATION=1.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	if os.Getenv("SETTLE_INTEGRATION") != "1" {
		t.Skip("set SETTLE_INTEGRATION=1 to run Postgres integration tests")
	}
	ctx := context.Background()

	pgC, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("otcsettle"),
		tcpostgres.WithUsername("settle"),
		tcpostgres.WithPassword("settle"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, pgC)
	require.NoError(t, err)

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	c, err := New(ctx, ClientConfig{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	require.NoError(t, c.RunMigrations(ctx))
	// Second run is a no-op.
	require.NoError(t, c.RunMigrations(ctx))
	return c
}

func TestStateStoreApplyAndLoad(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	st := NewStateStore(c)
	events := NewEventStore(c.Pool())
	orders := NewOrderStore(c.Pool())
	audit := NewAuditStore(c.Pool())

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := domain.Order{
		ID: 1, Buyer: "0xb0", Maker: "0xa0", Quantity: 100, LockedAmount: 100,
		State: domain.OrderCreated, CreatedAt: at, Deadline: at.Add(30 * time.Minute),
	}

	err := st.Apply(ctx, domain.Batch{
		Changes: []domain.EntityChange{
			{Table: "orders", Key: "1", Value: []byte(`{"id":1}`)},
			{Table: "balances", Key: "0xa0", Value: []byte(`900`)},
		},
		Orders: []domain.Order{o},
		Events: []domain.Event{
			{Seq: 1, Kind: domain.EventOrderCreated, At: at, OrderID: 1, Account: "0xb0", Amount: 100},
			{Seq: 2, Kind: domain.EventGovernanceAction, At: at, Account: "0xad", Attrs: map[string]string{"action": "pause"}},
		},
		CommandID: "cmd-1",
		Cursor:    "1-0",
	})
	require.NoError(t, err)

	rows, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	cursor, err := st.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1-0", cursor)

	last, err := events.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)

	evs, err := events.ListAfter(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, domain.OrderID(1), evs[0].OrderID)
	assert.Equal(t, "pause", evs[1].Attrs["action"])

	got, err := orders.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCreated, got.State)
	assert.True(t, got.Deadline.Equal(o.Deadline))

	entries, err := audit.List(ctx, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "GovernanceAction", entries[0].Event)

	seen, err := events.Seen(ctx, "cmd-1")
	require.NoError(t, err)
	assert.True(t, seen)

	t.Run("duplicate command writes nothing", func(t *testing.T) {
		err := st.Apply(ctx, domain.Batch{
			Changes:   []domain.EntityChange{{Table: "balances", Key: "0xa0", Deleted: true}},
			CommandID: "cmd-1",
		})
		require.ErrorIs(t, err, domain.ErrAlreadyExists)
		rows, err := st.Load(ctx)
		require.NoError(t, err)
		assert.Len(t, rows, 2)
	})

	t.Run("duplicate event seq rolls back the batch", func(t *testing.T) {
		err := st.Apply(ctx, domain.Batch{
			Changes: []domain.EntityChange{{Table: "balances", Key: "0xa1", Value: []byte(`5`)}},
			Events:  []domain.Event{{Seq: 2, Kind: domain.EventOrderAccepted, At: at}},
		})
		require.Error(t, err)
		rows, err := st.Load(ctx)
		require.NoError(t, err)
		assert.Len(t, rows, 2)
	})
}

func TestArchiveStagingAndExport(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	st := NewStateStore(c)
	archive := NewArchiveStore(c.Pool())
	orders := NewOrderStore(c.Pool())

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	o := domain.Order{ID: 7, Buyer: "0xb0", Maker: "0xa0", Quantity: 10, LockedAmount: 10,
		State: domain.OrderReleased, CreatedAt: at, ClosedAt: at}
	require.NoError(t, st.Apply(ctx, domain.Batch{Orders: []domain.Order{o}}))

	require.NoError(t, st.Apply(ctx, domain.Batch{
		Changes: []domain.EntityChange{{Table: "orders", Key: "7", Deleted: true}},
		Archived: []domain.ArchivedRecord{
			{Kind: "order", Key: "7", Payload: []byte(`{"id":7}`), ArchivedAt: at.Add(time.Hour)},
			{Kind: "case", Key: "3", Payload: []byte(`{"id":3}`), ArchivedAt: at.Add(time.Hour)},
		},
	}))

	pending, err := archive.ListPending(ctx, at.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	none, err := archive.ListPending(ctx, at, 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, archive.MarkExported(ctx, []int64{pending[0].ID, pending[1].ID}, "archive/x.jsonl"))
	pending, err = archive.ListPending(ctx, at.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// The projection keeps archived orders for history.
	got, err := orders.ListByAccount(ctx, "0xa0", domain.ListOpts{Limit: 5})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.OrderReleased, got[0].State)

	_, err = orders.GetByID(ctx, 99)
	require.ErrorIs(t, err, domain.ErrNotFound)
}
