package order

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/otcsettle/internal/credit"
	"github.com/alanyoungcy/otcsettle/internal/domain"
	"github.com/alanyoungcy/otcsettle/internal/escrow"
	"github.com/alanyoungcy/otcsettle/internal/identity"
	"github.com/alanyoungcy/otcsettle/internal/state"
)

var (
	t0     = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	buyer  = domain.Signed("buyer")
	maker  = domain.Signed("maker")
	oracle = domain.Caller{Account: "kyc", Caps: domain.CapIdentityOracle}
	admin  = domain.Caller{Account: "gov", Caps: domain.CapAdmin}
)

type capture struct{ events []domain.Event }

func (c *capture) Emit(e domain.Event) { c.events = append(c.events, e) }

func (c *capture) kinds() []domain.EventKind {
	var out []domain.EventKind
	for _, e := range c.events {
		if e.Kind != domain.EventCreditChanged {
			out = append(out, e.Kind)
		}
	}
	return out
}

type ledgerTrust struct {
	ledger   *escrow.Ledger
	registry *identity.Registry
}

func (t ledgerTrust) Balance(a domain.AccountID) uint64 { return t.ledger.Balance(a) }

func (t ledgerTrust) AssuranceLevel(a domain.AccountID) (int, bool) {
	return t.registry.AssuranceLevel(a)
}

type fakeCases struct {
	next     domain.CaseID
	deposits []uint64
	err      error
}

func (f *fakeCases) OpenCase(_ domain.OrderID, _ domain.AccountID, _ []string, deposit uint64, _ time.Time) (domain.CaseID, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.next++
	f.deposits = append(f.deposits, deposit)
	return f.next, nil
}

type fixture struct {
	j        *state.Journal
	ledger   *escrow.Ledger
	registry *identity.Registry
	credit   *credit.Gate
	m        *Manager
	events   *capture
	cases    *fakeCases
	archived []domain.Order
}

// newFixture builds a manager where "buyer" holds 1000 tokens and identity
// level 4 (risk 780, basic tier, first-order limit 50) and "maker" holds
// 10000 tokens.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{j: state.NewJournal(), events: &capture{}, cases: &fakeCases{}}
	f.ledger = escrow.New(f.j, f.events)
	f.registry = identity.NewRegistry(f.j)
	gate := identity.New(f.j, identity.Policy{Enforced: true, MinLevel: 1}, f.registry, f.events)
	f.credit = credit.New(f.j, credit.DefaultParams(), ledgerTrust{f.ledger, f.registry}, f.events)
	f.m = New(f.j, DefaultConfig(), f.ledger, gate, f.credit, f.events)
	f.m.SetCaseOpener(f.cases)
	f.m.OnArchive(func(o domain.Order, _ time.Time) error {
		f.archived = append(f.archived, o)
		return nil
	})

	require.NoError(t, f.ledger.Deposit("buyer", 1000))
	require.NoError(t, f.ledger.Deposit("maker", 10000))
	require.NoError(t, f.registry.SetLevel(oracle, "buyer", 4, t0))
	f.j.Commit()
	f.events.events = nil
	return f
}

func (f *fixture) total() uint64 {
	return f.ledger.TotalBalances() + f.ledger.TotalCustodied()
}

func (f *fixture) order(t *testing.T, id domain.OrderID) domain.Order {
	t.Helper()
	o, err := f.m.Get(id)
	require.NoError(t, err)
	return o
}

func (f *fixture) attested(t *testing.T) domain.OrderID {
	t.Helper()
	id, err := f.m.CreateOrder(buyer, "maker", 350, 50, t0)
	require.NoError(t, err)
	require.NoError(t, f.m.Accept(maker, id, t0.Add(time.Minute)))
	require.NoError(t, f.m.AttestPayment(buyer, id, "", t0.Add(5*time.Minute)))
	return id
}

func TestHappyPath(t *testing.T) {
	f := newFixture(t)
	before := f.total()

	id, err := f.m.CreateOrder(buyer, "maker", 350, 50, t0)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderID(1), id)
	o := f.order(t, id)
	assert.Equal(t, domain.OrderCreated, o.State)
	assert.True(t, o.FirstOrder)
	assert.Equal(t, t0.Add(30*time.Minute), o.Deadline)
	assert.Equal(t, uint64(9950), f.ledger.Balance("maker"))
	assert.Equal(t, uint64(50), f.ledger.AmountOf(o.EscrowKey()))

	require.NoError(t, f.m.Accept(maker, id, t0.Add(2*time.Minute)))
	commit := "0x" + strings.Repeat("ab", 32)
	require.NoError(t, f.m.AttestPayment(buyer, id, commit, t0.Add(4*time.Minute)))
	require.NoError(t, f.m.Confirm(maker, id, t0.Add(10*time.Minute)))

	o = f.order(t, id)
	assert.Equal(t, domain.OrderReleased, o.State)
	assert.Equal(t, commit, o.PaymentCommit)
	assert.False(t, o.HasDeadline())
	assert.Equal(t, uint64(1050), f.ledger.Balance("buyer"))
	assert.Zero(t, f.ledger.AmountOf(o.EscrowKey()))
	assert.Equal(t, before, f.total())

	assert.Equal(t, uint32(1), f.credit.Buyer("buyer").Completed)
	assert.Equal(t, uint32(1), f.credit.Maker("maker").Completed)
	assert.Equal(t, uint64(360), f.credit.Maker("maker").AvgResponseSecs)

	assert.Equal(t, []domain.EventKind{
		domain.EventOrderCreated,
		domain.EventOrderAccepted,
		domain.EventPaymentAttested,
		domain.EventOrderReleased,
	}, f.events.kinds())

	require.NoError(t, f.m.RateMaker(buyer, id, 5, t0.Add(time.Hour)))
	err = f.m.RateMaker(buyer, id, 5, t0.Add(time.Hour))
	assert.ErrorIs(t, err, domain.ErrAlreadyResolved)
	assert.ErrorIs(t, f.m.RateMaker(maker, id, 5, t0), domain.ErrNotOwner)
}

func TestCreateOrderRejections(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.credit.OverrideMakerScore(admin, "bad", 700, "fraud report", t0))

	tests := []struct {
		name   string
		caller domain.Caller
		maker  domain.AccountID
		amount uint64
		want   error
	}{
		{"unverified buyer", domain.Signed("stranger"), "maker", 50, domain.ErrIdentityNotVerified},
		{"self trade", maker, "maker", 50, domain.ErrInvalidArgument},
		{"below minimum", buyer, "maker", 5, domain.ErrInvalidArgument},
		{"suspended maker", buyer, "bad", 50, domain.ErrNotAuthorized},
		{"over first-order limit", buyer, "maker", 51, domain.ErrLimitExceeded},
		{"maker short of funds", buyer, "poor", 50, domain.ErrInsufficientFunds},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mark := f.j.Mark()
			_, err := f.m.CreateOrder(tc.caller, tc.maker, 100, tc.amount, t0)
			assert.ErrorIs(t, err, tc.want)
			f.j.RollbackTo(mark)
		})
	}
	assert.Empty(t, f.m.Orders())
}

func TestConcurrentCap(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.CreateOrder(buyer, "maker", 100, 50, t0)
	require.NoError(t, err)

	_, err = f.m.CreateOrder(buyer, "maker", 100, 20, t0.Add(48*time.Hour))
	assert.ErrorIs(t, err, domain.ErrLimitExceeded)
}

func TestOpenWindowRateLimit(t *testing.T) {
	f := newFixture(t)
	f.m.cfg.MaxOpens = 1

	id, err := f.m.CreateOrder(buyer, "maker", 100, 50, t0)
	require.NoError(t, err)
	require.NoError(t, f.m.Cancel(buyer, id, t0.Add(time.Minute)))

	_, err = f.m.CreateOrder(buyer, "maker", 100, 50, t0.Add(30*time.Minute))
	assert.ErrorIs(t, err, domain.ErrLimitExceeded)
}

func TestAcceptRules(t *testing.T) {
	f := newFixture(t)
	id, err := f.m.CreateOrder(buyer, "maker", 100, 50, t0)
	require.NoError(t, err)

	assert.ErrorIs(t, f.m.Accept(buyer, id, t0), domain.ErrNotOwner)
	assert.ErrorIs(t, f.m.Accept(maker, 99, t0), domain.ErrNotFound)
	assert.ErrorIs(t, f.m.Accept(maker, id, t0.Add(30*time.Minute)), domain.ErrInvalidStateTransition)

	require.NoError(t, f.credit.OverrideMakerScore(admin, "maker", 780, "review", t0))
	assert.ErrorIs(t, f.m.Accept(maker, id, t0.Add(time.Minute)), domain.ErrNotAuthorized)
}

func TestAttestPaymentValidatesCommitment(t *testing.T) {
	f := newFixture(t)
	id, err := f.m.CreateOrder(buyer, "maker", 100, 50, t0)
	require.NoError(t, err)

	assert.ErrorIs(t, f.m.AttestPayment(buyer, id, "", t0), domain.ErrInvalidStateTransition)
	require.NoError(t, f.m.Accept(maker, id, t0))
	assert.ErrorIs(t, f.m.AttestPayment(buyer, id, "0x1234", t0), domain.ErrInvalidArgument)
	assert.ErrorIs(t, f.m.AttestPayment(maker, id, "", t0), domain.ErrNotOwner)

	require.NoError(t, f.m.AttestPayment(buyer, id, "", t0.Add(time.Minute)))
	require.NoError(t, f.m.AttestPayment(buyer, id, "", t0.Add(2*time.Minute)))
	assert.Equal(t, t0.Add(2*time.Minute+2*time.Hour), f.order(t, id).Deadline)
}

func TestTimeouts(t *testing.T) {
	t.Run("created expires to maker", func(t *testing.T) {
		f := newFixture(t)
		id, err := f.m.CreateOrder(buyer, "maker", 100, 50, t0)
		require.NoError(t, err)

		rep := f.ledger.SweepExpired(t0.Add(30*time.Minute), 10)
		require.Empty(t, rep.Failed)
		assert.Equal(t, domain.OrderExpired, f.order(t, id).State)
		assert.Equal(t, uint64(10000), f.ledger.Balance("maker"))
		assert.Zero(t, f.credit.Buyer("buyer").Defaults)
	})

	t.Run("unpaid accept refunds maker and defaults buyer", func(t *testing.T) {
		f := newFixture(t)
		id, err := f.m.CreateOrder(buyer, "maker", 100, 50, t0)
		require.NoError(t, err)
		require.NoError(t, f.m.Accept(maker, id, t0.Add(time.Minute)))

		rep := f.ledger.SweepExpired(t0.Add(time.Minute+time.Hour), 10)
		require.Empty(t, rep.Failed)
		assert.Equal(t, domain.OrderRefunded, f.order(t, id).State)
		assert.Equal(t, uint64(10000), f.ledger.Balance("maker"))
		assert.Equal(t, uint32(1), f.credit.Buyer("buyer").Defaults)
	})

	t.Run("unconfirmed payment releases to buyer and defaults maker", func(t *testing.T) {
		f := newFixture(t)
		id := f.attested(t)

		rep := f.ledger.SweepExpired(t0.Add(5*time.Minute+2*time.Hour), 10)
		require.Empty(t, rep.Failed)
		assert.Equal(t, domain.OrderReleased, f.order(t, id).State)
		assert.Equal(t, uint64(1050), f.ledger.Balance("buyer"))
		assert.Equal(t, uint32(1), f.credit.Maker("maker").Defaults)
		assert.Equal(t, uint16(810), f.credit.Maker("maker").Score)
		assert.Equal(t, uint32(1), f.credit.Buyer("buyer").Completed)
	})
}

func TestFinalizeExpired(t *testing.T) {
	f := newFixture(t)
	id, err := f.m.CreateOrder(buyer, "maker", 100, 50, t0)
	require.NoError(t, err)

	assert.ErrorIs(t, f.m.FinalizeExpired(42, t0), domain.ErrNotFound)
	assert.ErrorIs(t, f.m.FinalizeExpired(id, t0.Add(time.Minute)), domain.ErrInvalidStateTransition)
	require.NoError(t, f.m.FinalizeExpired(id, t0.Add(time.Hour)))
	assert.Equal(t, domain.OrderExpired, f.order(t, id).State)

	n := len(f.events.events)
	require.NoError(t, f.m.FinalizeExpired(id, t0.Add(2*time.Hour)))
	assert.Len(t, f.events.events, n)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	id, err := f.m.CreateOrder(buyer, "maker", 100, 50, t0)
	require.NoError(t, err)

	assert.ErrorIs(t, f.m.Cancel(domain.Signed("eve"), id, t0), domain.ErrNotOwner)
	require.NoError(t, f.m.Cancel(buyer, id, t0.Add(time.Minute)))
	assert.Equal(t, domain.OrderCancelled, f.order(t, id).State)
	assert.Equal(t, uint64(10000), f.ledger.Balance("maker"))
	assert.Equal(t, uint32(1), f.credit.Maker("maker").Cancelled)
	assert.Equal(t, uint16(820), f.credit.Maker("maker").Score)
	assert.Zero(t, f.ledger.PendingExpiries())

	assert.ErrorIs(t, f.m.Cancel(buyer, id, t0.Add(time.Minute)), domain.ErrInvalidStateTransition)
}

func TestDisputeAndResolve(t *testing.T) {
	f := newFixture(t)
	id := f.attested(t)

	assert.ErrorIs(t, f.m.FinalizeExpired(id, t0.Add(time.Minute)), domain.ErrInvalidStateTransition)
	caseID, err := f.m.Dispute(buyer, id, []string{"bank-receipt"}, t0.Add(10*time.Minute))
	require.NoError(t, err)

	o := f.order(t, id)
	assert.Equal(t, domain.OrderDisputed, o.State)
	assert.Equal(t, domain.OrderPaymentAttested, o.PreDispute)
	assert.Equal(t, caseID, o.CaseID)
	assert.Equal(t, []uint64{10}, f.cases.deposits)
	rec, ok := f.ledger.Record(o.EscrowKey())
	require.True(t, ok)
	assert.False(t, rec.Expiry.IsSet())
	assert.ErrorIs(t, f.m.FinalizeExpired(id, t0.Add(24*time.Hour)), domain.ErrInvalidStateTransition)

	require.NoError(t, f.m.ResolveDispute(id, domain.DecisionReleaseToBuyer, t0.Add(time.Hour)))
	assert.Equal(t, domain.OrderReleased, f.order(t, id).State)
	assert.Equal(t, uint64(1050), f.ledger.Balance("buyer"))
	assert.Equal(t, uint32(1), f.credit.Maker("maker").DisputeLosses)
	assert.Equal(t, uint16(800), f.credit.Maker("maker").Score)

	err = f.m.ResolveDispute(id, domain.DecisionRefundToMaker, t0.Add(time.Hour))
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
}

func TestDisputeRefundToMaker(t *testing.T) {
	f := newFixture(t)
	id := f.attested(t)
	_, err := f.m.Dispute(maker, id, nil, t0.Add(10*time.Minute))
	require.NoError(t, err)

	require.NoError(t, f.m.ResolveDispute(id, domain.DecisionRefundToMaker, t0.Add(time.Hour)))
	assert.Equal(t, domain.OrderRefunded, f.order(t, id).State)
	assert.Equal(t, uint64(10000), f.ledger.Balance("maker"))
	assert.Equal(t, uint32(1), f.credit.Buyer("buyer").Disputes)
}

func TestDisputeRules(t *testing.T) {
	f := newFixture(t)
	id, err := f.m.CreateOrder(buyer, "maker", 100, 50, t0)
	require.NoError(t, err)

	_, err = f.m.Dispute(buyer, id, nil, t0)
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	require.NoError(t, f.m.Accept(maker, id, t0))
	_, err = f.m.Dispute(domain.Signed("eve"), id, nil, t0)
	assert.ErrorIs(t, err, domain.ErrNotOwner)
	_, err = f.m.Dispute(buyer, id, nil, t0.Add(2*time.Hour))
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	f.cases.err = domain.ErrInsufficientFunds
	_, err = f.m.Dispute(buyer, id, nil, t0.Add(time.Minute))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestRevertDispute(t *testing.T) {
	t.Run("within deadline restores state and schedule", func(t *testing.T) {
		f := newFixture(t)
		id := f.attested(t)
		_, err := f.m.Dispute(buyer, id, nil, t0.Add(10*time.Minute))
		require.NoError(t, err)

		require.NoError(t, f.m.RevertDispute(id, t0.Add(20*time.Minute)))
		o := f.order(t, id)
		assert.Equal(t, domain.OrderPaymentAttested, o.State)
		assert.Empty(t, o.PreDispute)
		rec, _ := f.ledger.Record(o.EscrowKey())
		assert.Equal(t, o.Deadline, rec.Expiry.At)
		assert.Equal(t, 1, f.ledger.PendingExpiries())
	})

	t.Run("after deadline applies timeout", func(t *testing.T) {
		f := newFixture(t)
		id, err := f.m.CreateOrder(buyer, "maker", 100, 50, t0)
		require.NoError(t, err)
		require.NoError(t, f.m.Accept(maker, id, t0))
		_, err = f.m.Dispute(maker, id, nil, t0.Add(time.Minute))
		require.NoError(t, err)

		require.NoError(t, f.m.RevertDispute(id, t0.Add(3*time.Hour)))
		assert.Equal(t, domain.OrderRefunded, f.order(t, id).State)
		assert.Equal(t, uint32(1), f.credit.Buyer("buyer").Defaults)
	})
}

func TestArchiveDue(t *testing.T) {
	f := newFixture(t)
	id, err := f.m.CreateOrder(buyer, "maker", 100, 50, t0)
	require.NoError(t, err)
	require.NoError(t, f.m.Cancel(buyer, id, t0))

	assert.Zero(t, f.m.ArchiveDue(t0.Add(time.Hour), 10).Archived)
	assert.Equal(t, 1, f.m.ArchiveBacklog(t0.Add(91*24*time.Hour)))

	rep := f.m.ArchiveDue(t0.Add(91*24*time.Hour), 10)
	assert.Equal(t, 1, rep.Archived)
	_, err = f.m.Get(id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.Len(t, f.archived, 1)
	assert.Equal(t, id, f.archived[0].ID)
	assert.Equal(t, domain.EventOrderArchived, f.events.events[len(f.events.events)-1].Kind)

	next, err := f.m.CreateOrder(buyer, "maker", 100, 50, t0.Add(92*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderID(2), next, "ids are never reused")
}

func TestRebuildArchiveQueue(t *testing.T) {
	f := newFixture(t)
	id, err := f.m.CreateOrder(buyer, "maker", 100, 50, t0)
	require.NoError(t, err)
	require.NoError(t, f.m.Cancel(buyer, id, t0))
	f.j.Commit()

	f.m.archive.Reset()
	f.m.Rebuild()
	assert.Equal(t, 1, f.m.ArchiveBacklog(t0.Add(90*24*time.Hour)))
}

func TestDeadlineHandlerFailureIsIsolated(t *testing.T) {
	f := newFixture(t)
	id, err := f.m.CreateOrder(buyer, "maker", 100, 50, t0)
	require.NoError(t, err)
	f.j.Commit()

	// Force a release shortfall so the payment-attested timeout fails.
	o := f.order(t, id)
	o.State = domain.OrderPaymentAttested
	o.LockedAmount = 500
	f.m.orders.Put(id, o)

	rep := f.ledger.SweepExpired(t0.Add(time.Hour), 10)
	require.Len(t, rep.Failed, 1)
	assert.Equal(t, o.EscrowKey(), rep.Failed[0].Key)
	assert.Equal(t, domain.OrderPaymentAttested, f.order(t, id).State)
	assert.Equal(t, uint64(50), f.ledger.AmountOf(o.EscrowKey()))
	assert.ErrorIs(t, f.m.FinalizeExpired(id, t0.Add(time.Hour)), domain.ErrInsufficientFunds)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(domain.OrderCreated, domain.OrderAccepted))
	assert.True(t, CanTransition(domain.OrderDisputed, domain.OrderReleased))
	assert.False(t, CanTransition(domain.OrderDisputed, domain.OrderAccepted))
	assert.False(t, CanTransition(domain.OrderDisputed, domain.OrderPaymentAttested))
	assert.False(t, CanTransition(domain.OrderCreated, domain.OrderReleased))
	assert.False(t, CanTransition(domain.OrderReleased, domain.OrderRefunded))

	assert.True(t, CanRevert(domain.OrderDisputed, domain.OrderAccepted))
	assert.True(t, CanRevert(domain.OrderDisputed, domain.OrderPaymentAttested))
	assert.False(t, CanRevert(domain.OrderDisputed, domain.OrderReleased))
	assert.False(t, CanRevert(domain.OrderAccepted, domain.OrderCreated))
}

func TestConfirmRules(t *testing.T) {
	t.Run("only the maker confirms", func(t *testing.T) {
		f := newFixture(t)
		id := f.attested(t)

		assert.ErrorIs(t, f.m.Confirm(buyer, id, t0.Add(6*time.Minute)), domain.ErrNotOwner)
		assert.ErrorIs(t, f.m.Confirm(domain.Signed("eve"), id, t0.Add(6*time.Minute)), domain.ErrNotOwner)
		assert.Equal(t, domain.OrderPaymentAttested, f.order(t, id).State)
		assert.Equal(t, uint64(1000), f.ledger.Balance("buyer"))
		assert.Equal(t, uint64(50), f.ledger.AmountOf(domain.OrderEscrowKey(id)))
		assert.Zero(t, f.credit.Maker("maker").Completed)
	})

	t.Run("late confirm leaves the timeout policy in charge", func(t *testing.T) {
		f := newFixture(t)
		id := f.attested(t)
		deadline := f.order(t, id).Deadline

		assert.ErrorIs(t, f.m.Confirm(maker, id, deadline), domain.ErrInvalidStateTransition)
		require.NoError(t, f.m.FinalizeExpired(id, deadline))
		assert.Equal(t, domain.OrderReleased, f.order(t, id).State)
		assert.Equal(t, uint32(1), f.credit.Maker("maker").Defaults)
		assert.Zero(t, f.credit.Maker("maker").Completed)
	})
}

func TestDisputedOrderRejectsPartyTransitions(t *testing.T) {
	for _, from := range []domain.OrderState{domain.OrderAccepted, domain.OrderPaymentAttested} {
		t.Run(string(from), func(t *testing.T) {
			f := newFixture(t)
			id, err := f.m.CreateOrder(buyer, "maker", 100, 50, t0)
			require.NoError(t, err)
			require.NoError(t, f.m.Accept(maker, id, t0.Add(time.Minute)))
			if from == domain.OrderPaymentAttested {
				require.NoError(t, f.m.AttestPayment(buyer, id, "", t0.Add(2*time.Minute)))
			}
			_, err = f.m.Dispute(maker, id, nil, t0.Add(3*time.Minute))
			require.NoError(t, err)

			at := t0.Add(4 * time.Minute)
			assert.ErrorIs(t, f.m.Accept(maker, id, at), domain.ErrInvalidStateTransition)
			assert.ErrorIs(t, f.m.AttestPayment(buyer, id, "", at), domain.ErrInvalidStateTransition)
			assert.ErrorIs(t, f.m.Confirm(maker, id, at), domain.ErrInvalidStateTransition)
			assert.ErrorIs(t, f.m.Cancel(buyer, id, at), domain.ErrInvalidStateTransition)
			_, err = f.m.Dispute(buyer, id, nil, at)
			assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)

			o := f.order(t, id)
			assert.Equal(t, domain.OrderDisputed, o.State)
			assert.Equal(t, from, o.PreDispute)
			assert.Equal(t, uint64(50), f.ledger.AmountOf(o.EscrowKey()))
		})
	}
}

func TestRevealPayment(t *testing.T) {
	f := newFixture(t)
	payload, salt := []byte("sepa:DE89370400440532013000;ref=77"), []byte("pepper")
	commit := PaymentCommitment(payload, salt)

	id, err := f.m.CreateOrder(buyer, "maker", 100, 50, t0)
	require.NoError(t, err)
	require.NoError(t, f.m.Accept(maker, id, t0))
	_, err = f.m.RevealPayment(buyer, id, payload, salt, t0)
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition, "nothing committed yet")

	require.NoError(t, f.m.AttestPayment(buyer, id, commit, t0.Add(time.Minute)))
	tests := []struct {
		name    string
		caller  domain.Caller
		payload []byte
		salt    []byte
		want    error
	}{
		{"stranger", domain.Signed("eve"), payload, salt, domain.ErrNotOwner},
		{"wrong salt", buyer, payload, []byte("salt"), domain.ErrInvalidArgument},
		{"wrong payload", maker, []byte("sepa:other"), salt, domain.ErrInvalidArgument},
		{"empty payload", buyer, nil, salt, domain.ErrInvalidArgument},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.m.RevealPayment(tc.caller, id, tc.payload, tc.salt, t0.Add(2*time.Minute))
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.False(t, f.order(t, id).PaymentRevealed)

	ref, err := f.m.RevealPayment(maker, id, payload, salt, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, PaymentEvidencePrefix+commit, ref)
	assert.True(t, f.order(t, id).PaymentRevealed)
	last := f.events.events[len(f.events.events)-1]
	assert.Equal(t, domain.EventPaymentRevealed, last.Kind)
	assert.Equal(t, commit, last.Attrs["commitment"])

	_, err = f.m.RevealPayment(buyer, id, payload, salt, t0.Add(3*time.Minute))
	assert.ErrorIs(t, err, domain.ErrAlreadyResolved)
}
