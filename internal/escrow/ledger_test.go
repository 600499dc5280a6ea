package escrow

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/otcsettle/internal/domain"
	"github.com/alanyoungcy/otcsettle/internal/state"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newLedger(t *testing.T) (*Ledger, *state.Journal) {
	t.Helper()
	j := state.NewJournal()
	l := New(j, nil)
	require.NoError(t, l.Deposit("alice", 1000))
	j.Commit()
	return l, j
}

func TestLockDebitsBalance(t *testing.T) {
	l, _ := newLedger(t)

	require.NoError(t, l.Lock("alice", "order:1", 300, t0))
	require.NoError(t, l.Lock("alice", "order:1", 200, t0))

	assert.Equal(t, uint64(500), l.Balance("alice"))
	assert.Equal(t, uint64(500), l.AmountOf("order:1"))
	assert.Equal(t, uint64(500), l.TotalCustodied())

	rec, ok := l.Record("order:1")
	require.True(t, ok)
	assert.Equal(t, uint64(500), rec.Locked)
}

func TestLockErrors(t *testing.T) {
	l, _ := newLedger(t)
	require.NoError(t, l.Deposit("bob", 10))
	require.NoError(t, l.Lock("alice", "k", 1, t0))

	tests := []struct {
		name   string
		owner  domain.AccountID
		key    string
		amount uint64
		want   error
	}{
		{"insufficient", "alice", "big", 5000, domain.ErrInsufficientFunds},
		{"zero amount", "alice", "z", 0, domain.ErrInvalidArgument},
		{"empty key", "alice", "", 1, domain.ErrInvalidArgument},
		{"foreign key", "bob", "k", 1, domain.ErrNotOwner},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := l.Lock(tc.owner, tc.key, tc.amount, t0)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestReleaseIsBestEffortAndIdempotent(t *testing.T) {
	l, _ := newLedger(t)
	require.NoError(t, l.Lock("alice", "order:1", 400, t0))

	assert.Equal(t, uint64(100), l.Release("order:1", "bob", 100))
	assert.Equal(t, uint64(300), l.Release("order:1", "bob", 1000))
	assert.Equal(t, uint64(0), l.Release("order:1", "bob", 1000))
	assert.Equal(t, uint64(0), l.Refund("order:1", "alice"))

	_, ok := l.Record("order:1")
	assert.False(t, ok, "empty record is destroyed")
	assert.Equal(t, uint64(400), l.Balance("bob"))
	assert.Equal(t, uint64(0), l.Release("missing", "bob", 5))
}

func TestRefundTwice(t *testing.T) {
	l, _ := newLedger(t)
	require.NoError(t, l.Lock("alice", "order:2", 250, t0))

	assert.Equal(t, uint64(250), l.Refund("order:2", "alice"))
	assert.Equal(t, uint64(0), l.Refund("order:2", "alice"))
	assert.Equal(t, uint64(1000), l.Balance("alice"))
}

func TestPauseBlocksLockOnly(t *testing.T) {
	l, _ := newLedger(t)
	require.NoError(t, l.Lock("alice", "k", 10, t0))

	err := l.SetPaused(domain.Signed("alice"), true, t0)
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	admin := domain.Caller{Account: "gov", Caps: domain.CapAdmin}
	require.NoError(t, l.SetPaused(admin, true, t0))
	assert.ErrorIs(t, l.Lock("alice", "k2", 10, t0), domain.ErrPaused)
	assert.Equal(t, uint64(10), l.Refund("k", "alice"))
}

func TestConservationUnderRollback(t *testing.T) {
	l, j := newLedger(t)
	before := l.TotalBalances() + l.TotalCustodied()

	m := j.Mark()
	require.NoError(t, l.Lock("alice", "order:9", 700, t0))
	l.Release("order:9", "carol", 100)
	j.RollbackTo(m)

	assert.Equal(t, before, l.TotalBalances()+l.TotalCustodied())
	assert.Equal(t, uint64(1000), l.Balance("alice"))
	assert.Equal(t, uint64(0), l.Balance("carol"))
}

func TestSweepAppliesPoliciesInOrder(t *testing.T) {
	l, _ := newLedger(t)
	var handled []string
	l.RegisterHandler("order", func(rec domain.EscrowRecord, now time.Time) error {
		handled = append(handled, rec.Key)
		l.Release(rec.Key, "bob", rec.Amount)
		return nil
	})

	require.NoError(t, l.Lock("alice", "a", 10, t0))
	require.NoError(t, l.Lock("alice", "b", 20, t0))
	require.NoError(t, l.Lock("alice", "c", 30, t0))
	require.NoError(t, l.SetExpiry("a", t0.Add(time.Minute), domain.ExpiryAutoRefund, ""))
	require.NoError(t, l.SetExpiry("b", t0.Add(time.Minute), domain.ExpiryCustom, "order"))
	require.NoError(t, l.SetExpiry("c", t0.Add(time.Hour), domain.ExpiryNoop, ""))

	rep := l.SweepExpired(t0.Add(2*time.Minute), 10)
	assert.Equal(t, 2, rep.Processed)
	assert.Equal(t, uint64(10), rep.Refunded)
	assert.Empty(t, rep.Failed)
	assert.Equal(t, []string{"b"}, handled)
	assert.Equal(t, uint64(20), l.Balance("bob"))
	assert.Equal(t, 1, l.PendingExpiries())
}

func TestSweepIsBoundedAndResumable(t *testing.T) {
	l, _ := newLedger(t)
	for _, k := range []string{"k1", "k2", "k3", "k4", "k5"} {
		require.NoError(t, l.Lock("alice", k, 10, t0))
		require.NoError(t, l.SetExpiry(k, t0, domain.ExpiryAutoRefund, ""))
	}

	rep := l.SweepExpired(t0, 2)
	assert.Equal(t, 2, rep.Processed)
	assert.Equal(t, 3, rep.Remaining)
	_, ok := l.Record("k1")
	assert.False(t, ok)
	_, ok = l.Record("k3")
	assert.True(t, ok)

	rep = l.SweepExpired(t0, 2)
	assert.Equal(t, 2, rep.Processed)
	assert.Equal(t, 1, rep.Remaining)

	rep = l.SweepExpired(t0, 2)
	assert.Equal(t, 1, rep.Processed)
	assert.Zero(t, rep.Remaining)
	assert.Equal(t, uint64(1000), l.Balance("alice"))
}

func TestSweepSkipsFailingItem(t *testing.T) {
	l, _ := newLedger(t)
	l.RegisterHandler("boom", func(rec domain.EscrowRecord, now time.Time) error {
		l.Release(rec.Key, "mallory", rec.Amount)
		return errors.New("handler failed")
	})
	require.NoError(t, l.Lock("alice", "a", 10, t0))
	require.NoError(t, l.Lock("alice", "b", 10, t0))
	require.NoError(t, l.SetExpiry("a", t0, domain.ExpiryCustom, "boom"))
	require.NoError(t, l.SetExpiry("b", t0, domain.ExpiryAutoRefund, ""))

	rep := l.SweepExpired(t0, 10)
	assert.Equal(t, 2, rep.Processed)
	require.Len(t, rep.Failed, 1)
	assert.Equal(t, "a", rep.Failed[0].Key)
	assert.Equal(t, uint64(0), l.Balance("mallory"), "failed handler is rolled back")
	assert.Equal(t, uint64(10), l.AmountOf("a"))
	assert.Zero(t, l.PendingExpiries())
}

func TestSetExpiryValidation(t *testing.T) {
	l, _ := newLedger(t)
	assert.ErrorIs(t, l.SetExpiry("nope", t0, domain.ExpiryNoop, ""), domain.ErrNotFound)
	require.NoError(t, l.Lock("alice", "k", 1, t0))
	assert.ErrorIs(t, l.SetExpiry("k", t0, domain.ExpiryCustom, "unknown"), domain.ErrInvalidArgument)

	require.NoError(t, l.SetExpiry("k", t0, domain.ExpiryNoop, ""))
	require.NoError(t, l.SetExpiry("k", t0.Add(time.Hour), domain.ExpiryNoop, ""))
	assert.Equal(t, 1, l.PendingExpiries())
	l.ClearExpiry("k")
	assert.Zero(t, l.PendingExpiries())
}

func TestRebuildFromLoadedRecords(t *testing.T) {
	l, j := newLedger(t)
	require.NoError(t, l.Lock("alice", "k", 5, t0))
	require.NoError(t, l.SetExpiry("k", t0, domain.ExpiryAutoRefund, ""))
	j.Commit()

	fresh := New(state.NewJournal(), nil)
	for i, tbl := range l.Tables() {
		for key, v := range tbl.Dump() {
			raw, err := json.Marshal(v)
			require.NoError(t, err)
			require.NoError(t, fresh.Tables()[i].Load(key, raw))
		}
	}
	fresh.Rebuild()

	assert.Equal(t, 1, fresh.PendingExpiries())
	assert.Equal(t, uint64(995), fresh.Balance("alice"))
	rep := fresh.SweepExpired(t0, 1)
	assert.Equal(t, uint64(5), rep.Refunded)
}
