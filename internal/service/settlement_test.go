package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/otcsettle/internal/crypto"
	"github.com/alanyoungcy/otcsettle/internal/domain"
	"github.com/alanyoungcy/otcsettle/internal/engine"
	"github.com/alanyoungcy/otcsettle/internal/order"
)

const testChainID = 31337

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	s        *Settlement
	opts     Options
	deps     Deps
	state    *memState
	bus      *memBus
	cache    *memCache
	notes    *recordingNotifier
	operator party
	host     party
	oracle   party
	arbiter  party
	buyer    party
	maker    party
	now      time.Time
}

func newHarness(t *testing.T, mutate func(*harness, *Options)) *harness {
	t.Helper()
	h := &harness{
		state:    newMemState(),
		bus:      newMemBus(),
		cache:    newMemCache(),
		notes:    &recordingNotifier{},
		operator: newParty(t),
		host:     newParty(t),
		oracle:   newParty(t),
		arbiter:  newParty(t),
		buyer:    newParty(t),
		maker:    newParty(t),
		now:      t0,
	}
	h.opts = Options{
		Engine: engine.DefaultConfig(),
		Capabilities: map[domain.AccountID]domain.Capability{
			h.host.account:    domain.CapHost,
			h.oracle.account:  domain.CapIdentityOracle,
			h.arbiter.account: domain.CapArbiter,
		},
		ChainID:      testChainID,
		EventStream:  "events",
		EventChannel: "live",
	}
	if mutate != nil {
		mutate(h, &h.opts)
	}
	h.deps = Deps{
		State:      h.state,
		Commands:   h.state,
		Bus:        h.bus,
		Reputation: h.cache,
		Notifier:   h.notes,
		Signer:     h.operator.signer,
		Logger:     discardLogger(),
	}
	h.s = h.open(t)
	return h
}

// open builds a fresh Settlement over the harness stores and loads it.
func (h *harness) open(t *testing.T) *Settlement {
	t.Helper()
	s := New(h.opts, h.deps)
	s.now = func() time.Time { return h.now }
	require.NoError(t, s.Load(context.Background()))
	return s
}

func (h *harness) submit(t *testing.T, p party, op Op, body any) Receipt {
	t.Helper()
	rc, err := h.s.Submit(context.Background(), "", p.cmd(t, op, body, h.now))
	require.NoError(t, err)
	return rc
}

// fund gives the buyer 1000 and identity level 4, and the maker 10000.
func (h *harness) fund(t *testing.T) {
	t.Helper()
	require.NoError(t, h.submit(t, h.host, OpDeposit, DepositBody{Account: h.buyer.account, Amount: 1000}).Err)
	require.NoError(t, h.submit(t, h.host, OpDeposit, DepositBody{Account: h.maker.account, Amount: 10000}).Err)
	require.NoError(t, h.submit(t, h.oracle, OpSetIdentityLevel, SetIdentityLevelBody{Account: h.buyer.account, Level: 4}).Err)
}

func (h *harness) balance(t *testing.T, p party) uint64 {
	t.Helper()
	b, err := h.s.Balance(context.Background(), p.account)
	require.NoError(t, err)
	return b
}

func kinds(events []domain.Event) []domain.EventKind {
	out := make([]domain.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestSubmitCreatesOrderAndFansOut(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(t)

	rc := h.submit(t, h.buyer, OpCreateOrder, CreateOrderBody{Maker: h.maker.account, Quantity: 350, LockedAmount: 50})
	require.NoError(t, rc.Err)
	assert.True(t, rc.Accepted())
	assert.Equal(t, domain.OrderID(1), rc.OrderID)
	assert.Contains(t, kinds(rc.Events), domain.EventOrderCreated)
	assert.Equal(t, uint64(9950), h.balance(t, h.maker))

	// Persisted events carry a gapless sequence.
	require.NotEmpty(t, h.state.events)
	for i, ev := range h.state.events {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}

	// Every persisted event reached the stream and the live channel.
	stream := h.bus.stream("events")
	require.Len(t, stream, len(h.state.events))
	assert.Len(t, h.bus.published["live"], len(h.state.events))

	// The last batch header is signed by the operator over the hash chain.
	headers := h.bus.stream("events:batches")
	require.NotEmpty(t, headers)
	var hdr BatchHeader
	require.NoError(t, json.Unmarshal(headers[len(headers)-1], &hdr))
	assert.Equal(t, EventRoot(stream[hdr.FromSeq-1:hdr.ToSeq]).Hex(), hdr.Root)
	addr, err := crypto.NewDomain(testChainID).RecoverBatch(crypto.EventBatch{
		FromSeq: hdr.FromSeq, ToSeq: hdr.ToSeq, Root: common.HexToHash(hdr.Root),
	}, hdr.Signature)
	require.NoError(t, err)
	assert.Equal(t, h.operator.signer.Address(), addr)

	// The touched accounts' reputation views were cached.
	cached, err := h.cache.GetBuyer(context.Background(), h.buyer.account)
	require.NoError(t, err)
	assert.Equal(t, h.buyer.account, cached.Account)
	assert.Contains(t, h.notes.kinds, domain.EventOrderCreated)
}

func TestSubmitDuplicateIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	env := h.host.cmd(t, OpDeposit, DepositBody{Account: h.buyer.account, Amount: 1000}, h.now)

	rc, err := h.s.Submit(context.Background(), "1-0", env)
	require.NoError(t, err)
	require.True(t, rc.Accepted())

	rc, err = h.s.Submit(context.Background(), "2-0", env)
	require.NoError(t, err)
	assert.True(t, rc.Duplicate)
	assert.Equal(t, uint64(1000), h.balance(t, h.buyer))
	assert.Equal(t, "2-0", h.s.Cursor())

	// A fresh process only knows the id through the store.
	h.s = h.open(t)
	rc, err = h.s.Submit(context.Background(), "3-0", env)
	require.NoError(t, err)
	assert.True(t, rc.Duplicate)
	assert.Equal(t, uint64(1000), h.balance(t, h.buyer))
}

func TestSubmitRejectsBadSignature(t *testing.T) {
	h := newHarness(t, nil)
	env := h.host.cmd(t, OpDeposit, DepositBody{Account: h.buyer.account, Amount: 1000}, h.now)
	env.Body = []byte(`{"account":"` + string(h.buyer.account) + `","amount":9999}`)
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	rc, err := h.s.SubmitRaw(context.Background(), "5-0", raw)
	require.NoError(t, err)
	require.ErrorIs(t, rc.Err, domain.ErrBadSignature)
	assert.Zero(t, h.balance(t, h.buyer))
	assert.Equal(t, "5-0", h.state.cursor, "the cursor moves past the bad entry")
}

func TestSubmitRawMalformed(t *testing.T) {
	h := newHarness(t, nil)
	rc, err := h.s.SubmitRaw(context.Background(), "1-0", []byte("not json"))
	require.NoError(t, err)
	require.ErrorIs(t, rc.Err, domain.ErrInvalidArgument)
	assert.Equal(t, "1-0", h.s.Cursor())

	rc, err = h.s.SubmitRaw(context.Background(), "2-0", nil)
	require.NoError(t, err)
	require.ErrorIs(t, rc.Err, domain.ErrInvalidArgument)
}

func TestRejectedCommandIsRecorded(t *testing.T) {
	h := newHarness(t, nil)
	env := h.buyer.cmd(t, OpWithdraw, WithdrawBody{Amount: 1}, h.now)

	rc, err := h.s.Submit(context.Background(), "1-0", env)
	require.NoError(t, err)
	require.ErrorIs(t, rc.Err, domain.ErrInsufficientFunds)
	assert.NotEmpty(t, rc.Error)
	assert.Contains(t, h.state.applied, env.ID)
	assert.Equal(t, "1-0", h.state.cursor)

	rc, err = h.s.Submit(context.Background(), "2-0", env)
	require.NoError(t, err)
	assert.True(t, rc.Duplicate)
}

func TestCapabilitiesComeFromConfig(t *testing.T) {
	h := newHarness(t, nil)
	rc := h.submit(t, h.buyer, OpDeposit, DepositBody{Account: h.buyer.account, Amount: 1000})
	require.ErrorIs(t, rc.Err, domain.ErrNotAuthorized)

	rc = h.submit(t, h.buyer, OpSetPaused, FlagBody{On: true})
	require.ErrorIs(t, rc.Err, domain.ErrNotAuthorized)

	rc = h.submit(t, h.buyer, Op("mint"), struct{}{})
	require.ErrorIs(t, rc.Err, domain.ErrInvalidArgument)
}

func TestPersistFailureLeavesEngineUnchanged(t *testing.T) {
	h := newHarness(t, nil)
	env := h.host.cmd(t, OpDeposit, DepositBody{Account: h.buyer.account, Amount: 1000}, h.now)

	h.state.failNext = errors.New("connection reset")
	_, err := h.s.Submit(context.Background(), "1-0", env)
	require.ErrorContains(t, err, "connection reset")
	assert.Zero(t, h.balance(t, h.buyer))
	assert.Empty(t, h.s.Cursor())

	rc, err := h.s.Submit(context.Background(), "1-0", env)
	require.NoError(t, err)
	require.True(t, rc.Accepted())
	assert.Equal(t, uint64(1000), h.balance(t, h.buyer))
}

func TestClockSkew(t *testing.T) {
	h := newHarness(t, func(_ *harness, o *Options) { o.MaxClockSkew = time.Minute })
	env := h.host.cmd(t, OpDeposit, DepositBody{Account: h.buyer.account, Amount: 1000}, h.now.Add(-time.Hour))

	rc, err := h.s.Submit(context.Background(), "", env)
	require.NoError(t, err)
	require.ErrorIs(t, rc.Err, domain.ErrInvalidArgument)
	assert.Zero(t, h.balance(t, h.buyer))

	rc = h.submit(t, h.host, OpDeposit, DepositBody{Account: h.buyer.account, Amount: 1000})
	require.NoError(t, rc.Err)
}

func TestTickReleasesOnMakerTimeout(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(t)

	id := h.submit(t, h.buyer, OpCreateOrder, CreateOrderBody{Maker: h.maker.account, Quantity: 350, LockedAmount: 50}).OrderID
	h.now = h.now.Add(time.Minute)
	require.NoError(t, h.submit(t, h.maker, OpAccept, OrderBody{OrderID: id}).Err)
	h.now = h.now.Add(9 * time.Minute)
	require.NoError(t, h.submit(t, h.buyer, OpAttestPayment, AttestPaymentBody{OrderID: id}).Err)

	h.now = h.now.Add(2 * time.Hour)
	rep, err := h.s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Sweep.Processed)
	assert.Equal(t, uint64(1050), h.balance(t, h.buyer))
	assert.Contains(t, kinds(h.state.events), domain.EventOrderReleased)
	assert.Contains(t, h.notes.kinds, domain.EventOrderReleased)

	// A tick with nothing due persists nothing.
	applies := h.state.applies
	_, err = h.s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, applies, h.state.applies)
}

func TestDisputeDecidedByArbiter(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(t)

	id := h.submit(t, h.buyer, OpCreateOrder, CreateOrderBody{Maker: h.maker.account, Quantity: 350, LockedAmount: 50}).OrderID
	h.now = h.now.Add(time.Minute)
	require.NoError(t, h.submit(t, h.maker, OpAccept, OrderBody{OrderID: id}).Err)
	h.now = h.now.Add(20 * time.Minute)
	rc := h.submit(t, h.maker, OpDispute, DisputeBody{OrderID: id, Evidence: []string{"no payment received"}})
	require.NoError(t, rc.Err)
	require.NotZero(t, rc.CaseID)

	pending, err := h.s.PendingCases(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)

	rc = h.submit(t, h.buyer, OpDecide, DecideBody{CaseID: rc.CaseID, Decision: domain.DecisionRefundToMaker})
	require.ErrorIs(t, rc.Err, domain.ErrNotAuthorized)

	caseID := pending[0].ID
	h.now = h.now.Add(time.Hour)
	require.NoError(t, h.submit(t, h.arbiter, OpDecide, DecideBody{CaseID: caseID, Decision: domain.DecisionRefundToMaker}).Err)
	assert.Equal(t, uint64(10000), h.balance(t, h.maker))

	rc = h.submit(t, h.arbiter, OpDecide, DecideBody{CaseID: caseID, Decision: domain.DecisionRefundToMaker})
	require.ErrorIs(t, rc.Err, domain.ErrAlreadyResolved)
}

func TestRevealPaymentCommand(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(t)
	payload, salt := []byte("sepa:DE89370400440532013000;ref=77"), []byte("pepper")

	id := h.submit(t, h.buyer, OpCreateOrder, CreateOrderBody{Maker: h.maker.account, Quantity: 350, LockedAmount: 50}).OrderID
	h.now = h.now.Add(time.Minute)
	require.NoError(t, h.submit(t, h.maker, OpAccept, OrderBody{OrderID: id}).Err)
	h.now = h.now.Add(time.Minute)
	commit := order.PaymentCommitment(payload, salt)
	require.NoError(t, h.submit(t, h.buyer, OpAttestPayment, AttestPaymentBody{OrderID: id, Commitment: commit}).Err)

	h.now = h.now.Add(time.Minute)
	rc := h.submit(t, h.buyer, OpConfirm, OrderBody{OrderID: id})
	require.ErrorIs(t, rc.Err, domain.ErrNotOwner)

	rc = h.submit(t, h.maker, OpDispute, DisputeBody{OrderID: id, Evidence: []string{"nothing arrived"}})
	require.NoError(t, rc.Err)
	caseID := rc.CaseID

	rc = h.submit(t, h.buyer, OpRevealPayment, RevealPaymentBody{OrderID: id, Payload: payload, Salt: []byte("x")})
	require.ErrorIs(t, rc.Err, domain.ErrInvalidArgument)
	require.NoError(t, h.submit(t, h.buyer, OpRevealPayment, RevealPaymentBody{OrderID: id, Payload: payload, Salt: salt}).Err)

	c, err := h.s.Case(context.Background(), caseID)
	require.NoError(t, err)
	assert.Contains(t, c.Evidence, order.PaymentEvidencePrefix+commit)
	assert.Contains(t, kinds(h.state.events), domain.EventPaymentRevealed)
}

func TestLoadRestoresCommittedState(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(t)
	require.NoError(t, h.submit(t, h.buyer, OpCreateOrder, CreateOrderBody{Maker: h.maker.account, Quantity: 350, LockedAmount: 50}).Err)

	before, err := h.s.Status(context.Background())
	require.NoError(t, err)

	h.s = h.open(t)
	after, err := h.s.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, uint64(9950), h.balance(t, h.maker))
}

func TestBootstrapFromConfig(t *testing.T) {
	h := newHarness(t, func(h *harness, o *Options) {
		o.Exempt = []string{string(h.buyer.account)}
		o.StartPaused = true
	})

	st, err := h.s.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Paused)
	assert.Equal(t, 1, h.state.applies)
	assert.Contains(t, kinds(h.state.events), domain.EventGovernanceAction)

	// Paused escrow refuses new locks.
	h.fund(t)
	rc := h.submit(t, h.buyer, OpCreateOrder, CreateOrderBody{Maker: h.maker.account, Quantity: 350, LockedAmount: 50})
	require.ErrorIs(t, rc.Err, domain.ErrPaused)

	// Existing state is never bootstrapped again.
	applies := h.state.applies
	h.opts.StartPaused = false
	h.s = h.open(t)
	st, err = h.s.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Paused)
	assert.Equal(t, applies, h.state.applies)
}

func TestConsumeAppliesStreamInOrder(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, _ = h.bus.StreamAppend(ctx, "cmds", h.host.raw(t, OpDeposit, DepositBody{Account: h.buyer.account, Amount: 700}, h.now))
	_, _ = h.bus.StreamAppend(ctx, "cmds", []byte("garbage"))
	_, _ = h.bus.StreamAppend(ctx, "cmds", h.host.raw(t, OpDeposit, DepositBody{Account: h.buyer.account, Amount: 300}, h.now))

	done := make(chan error, 1)
	go func() {
		done <- h.s.Consume(ctx, RunConfig{CommandStream: "cmds", BatchSize: 2, PollInterval: 5 * time.Millisecond})
	}()

	require.Eventually(t, func() bool { return h.s.Cursor() == "3-0" }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, uint64(1000), h.balance(t, h.buyer))
	assert.Equal(t, "3-0", h.state.cursor)
}

type fakeLease struct {
	released atomic.Bool
}

func (l *fakeLease) Refresh(context.Context) error { return nil }
func (l *fakeLease) Release()                      { l.released.Store(true) }

func TestRunLeaderWaitsForLease(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lease := &fakeLease{}
	var attempts atomic.Int32
	acquire := func(context.Context, string, time.Duration) (Lease, error) {
		if attempts.Add(1) == 1 {
			return nil, domain.ErrLockHeld
		}
		return lease, nil
	}
	_, _ = h.bus.StreamAppend(ctx, "cmds", h.host.raw(t, OpDeposit, DepositBody{Account: h.maker.account, Amount: 500}, h.now))

	done := make(chan error, 1)
	go func() {
		done <- h.s.RunLeader(ctx, acquire, RunConfig{
			CommandStream: "cmds",
			BatchSize:     10,
			PollInterval:  5 * time.Millisecond,
			TickInterval:  time.Hour,
			LeaderKey:     "leader",
			LeaderTTL:     30 * time.Millisecond,
		})
	}()

	require.Eventually(t, func() bool { return h.balance(t, h.maker) == 500 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.GreaterOrEqual(t, attempts.Load(), int32(2))
	assert.True(t, lease.released.Load())
}

func TestReputationReaderFillsCache(t *testing.T) {
	h := newHarness(t, nil)
	h.deps.Reputation = nil
	h.s = h.open(t)
	h.fund(t)

	cache := newMemCache()
	r := NewReputation(cache, h.s, discardLogger())
	ctx := context.Background()

	_, err := cache.GetBuyer(ctx, h.buyer.account)
	require.ErrorIs(t, err, domain.ErrNotFound)

	b, err := r.Buyer(ctx, h.buyer.account)
	require.NoError(t, err)
	assert.Equal(t, h.buyer.account, b.Account)

	cached, err := cache.GetBuyer(ctx, h.buyer.account)
	require.NoError(t, err)
	assert.Equal(t, b, cached)

	m, err := r.Maker(ctx, h.maker.account)
	require.NoError(t, err)
	assert.Equal(t, h.maker.account, m.Account)
}

func TestReplicaReloadsWhenStale(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(t)
	ctx := context.Background()

	rep := NewReplica(h.state, h.opts.Engine, time.Minute, discardLogger())
	clock := t0
	rep.now = func() time.Time { return clock }

	bal, err := rep.Balance(ctx, h.buyer.account)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), bal)

	require.NoError(t, h.submit(t, h.host, OpDeposit, DepositBody{Account: h.buyer.account, Amount: 5}).Err)
	bal, err = rep.Balance(ctx, h.buyer.account)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), bal, "served from the cached load")

	clock = clock.Add(2 * time.Minute)
	bal, err = rep.Balance(ctx, h.buyer.account)
	require.NoError(t, err)
	assert.Equal(t, uint64(1005), bal)

	_, err = rep.Case(ctx, 42)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEventRootChains(t *testing.T) {
	a, b := []byte(`{"seq":1}`), []byte(`{"seq":2}`)
	assert.Equal(t, common.Hash{}, EventRoot(nil))
	assert.NotEqual(t, EventRoot([][]byte{a, b}), EventRoot([][]byte{b, a}))
	assert.Equal(t, EventRoot([][]byte{a, b}), EventRoot([][]byte{a, b}))
}
