// Package order implements the order lifecycle: creation behind the
// identity and credit gates, the accept / attest / confirm path, disputes,
// timeouts driven by escrow expiry, and the archival sweep.
package order

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/otcsettle/internal/credit"
	"github.com/alanyoungcy/otcsettle/internal/domain"
	"github.com/alanyoungcy/otcsettle/internal/escrow"
	"github.com/alanyoungcy/otcsettle/internal/identity"
	"github.com/alanyoungcy/otcsettle/internal/state"
)

// Table names used in committed change sets.
const (
	TableOrders   = "orders"
	TableActivity = "order_activity"
	TableMeta     = "order_meta"
)

// DeadlineHandler is the escrow expiry handler that finalizes orders.
const DeadlineHandler = "order-deadline"

const metaNextID = "next_id"

// Config holds the order windows and admission limits.
type Config struct {
	AcceptWindow   time.Duration
	PaymentWindow  time.Duration
	ConfirmWindow  time.Duration
	MinAmount      uint64
	OpenWindow     time.Duration
	MaxOpens       int
	MinAssurance   int
	DisputeDeposit uint64
	ArchiveAfter   time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		AcceptWindow:   30 * time.Minute,
		PaymentWindow:  time.Hour,
		ConfirmWindow:  2 * time.Hour,
		MinAmount:      10,
		OpenWindow:     time.Hour,
		MaxOpens:       5,
		MinAssurance:   1,
		DisputeDeposit: 10,
		ArchiveAfter:   90 * 24 * time.Hour,
	}
}

// CaseOpener opens the arbitration case for a freshly disputed order.
type CaseOpener interface {
	OpenCase(orderID domain.OrderID, complainant domain.AccountID, evidence []string, deposit uint64, now time.Time) (domain.CaseID, error)
}

// activity tracks one buyer's open orders and recent creations.
type activity struct {
	Open   []domain.OrderID `json:"open"`
	Recent []time.Time      `json:"recent"`
}

func (a activity) Clone() activity {
	a.Open = append([]domain.OrderID(nil), a.Open...)
	a.Recent = append([]time.Time(nil), a.Recent...)
	return a
}

// Manager owns orders and drives them through the state graph.
type Manager struct {
	cfg      Config
	j        *state.Journal
	orders   *state.Table[domain.OrderID, domain.Order]
	activity *state.Table[domain.AccountID, activity]
	meta     *state.Table[string, uint64]
	archive  *state.Queue[domain.OrderID]

	ledger    *escrow.Ledger
	identity  *identity.Gate
	credit    *credit.Gate
	cases     CaseOpener
	events    domain.EventSink
	onArchive func(domain.Order, time.Time) error
}

// New creates a manager and registers its deadline handler on the ledger.
func New(j *state.Journal, cfg Config, ledger *escrow.Ledger, gate *identity.Gate, cg *credit.Gate, events domain.EventSink) *Manager {
	if events == nil {
		events = domain.DiscardEvents
	}
	m := &Manager{
		cfg:       cfg,
		j:         j,
		orders:    state.NewTable[domain.OrderID, domain.Order](j, TableOrders, state.IDKeys[domain.OrderID]()),
		activity:  state.NewTable[domain.AccountID, activity](j, TableActivity, state.TextKeys[domain.AccountID]()),
		meta:      state.NewTable[string, uint64](j, TableMeta, state.StringKeys),
		archive:   state.NewQueue[domain.OrderID](j),
		ledger:    ledger,
		identity:  gate,
		credit:    cg,
		events:    events,
		onArchive: func(domain.Order, time.Time) error { return nil },
	}
	ledger.RegisterHandler(DeadlineHandler, m.onDeadline)
	return m
}

// SetCaseOpener wires the arbitration authority.
func (m *Manager) SetCaseOpener(c CaseOpener) {
	m.cases = c
}

// OnArchive installs a hook that receives every archived order. A hook
// error keeps the order live.
func (m *Manager) OnArchive(fn func(domain.Order, time.Time) error) {
	m.onArchive = fn
}

// Get returns the order with id.
func (m *Manager) Get(id domain.OrderID) (domain.Order, error) {
	o, ok := m.orders.Get(id)
	if !ok {
		return domain.Order{}, fmt.Errorf("order: %d: %w", id, domain.ErrNotFound)
	}
	return o, nil
}

// Orders returns every live order in id order.
func (m *Manager) Orders() []domain.Order {
	out := make([]domain.Order, 0, m.orders.Len())
	m.orders.Range(func(_ domain.OrderID, o domain.Order) bool {
		out = append(out, o)
		return true
	})
	return out
}

// CreateOrder opens an order from buyer against maker, locking lockedAmount
// from the maker's balance under the order's escrow key.
func (m *Manager) CreateOrder(caller domain.Caller, maker domain.AccountID, quantity, lockedAmount uint64, now time.Time) (domain.OrderID, error) {
	buyer := caller.Account
	if buyer == "" || maker == "" || buyer == maker || quantity == 0 || lockedAmount == 0 {
		return 0, fmt.Errorf("order: create: %w", domain.ErrInvalidArgument)
	}
	if lockedAmount < m.cfg.MinAmount {
		return 0, fmt.Errorf("order: create: amount %d below minimum %d: %w", lockedAmount, m.cfg.MinAmount, domain.ErrInvalidArgument)
	}
	if !m.identity.IsEligible(buyer, m.cfg.MinAssurance) {
		return 0, fmt.Errorf("order: create: buyer %s: %w", buyer, domain.ErrIdentityNotVerified)
	}
	if m.credit.MakerStatus(maker) == domain.MakerSuspended {
		return 0, fmt.Errorf("order: create: maker %s suspended: %w", maker, domain.ErrNotAuthorized)
	}

	act, _ := m.activity.Get(buyer)
	if limit := m.credit.MaxConcurrent(buyer); len(act.Open) >= limit {
		return 0, fmt.Errorf("order: create: %s has %d open orders, cap %d: %w", buyer, len(act.Open), limit, domain.ErrLimitExceeded)
	}
	act.Recent = pruneBefore(act.Recent, now.Add(-m.cfg.OpenWindow))
	if m.cfg.MaxOpens > 0 && len(act.Recent) >= m.cfg.MaxOpens {
		return 0, fmt.Errorf("order: create: %s opened %d orders within %s: %w", buyer, len(act.Recent), m.cfg.OpenWindow, domain.ErrLimitExceeded)
	}
	firstOrder := m.credit.Buyer(buyer).Completed == 0
	if err := m.credit.Admit(buyer, lockedAmount, now); err != nil {
		return 0, fmt.Errorf("order: create: %w", err)
	}

	next, _ := m.meta.Get(metaNextID)
	id := domain.OrderID(next + 1)
	key := domain.OrderEscrowKey(id)
	if err := m.ledger.Lock(maker, key, lockedAmount, now); err != nil {
		return 0, fmt.Errorf("order: create: %w", err)
	}
	m.meta.Put(metaNextID, uint64(id))

	o := domain.Order{
		ID:           id,
		Buyer:        buyer,
		Maker:        maker,
		Quantity:     quantity,
		LockedAmount: lockedAmount,
		State:        domain.OrderCreated,
		CreatedAt:    now,
		FirstOrder:   firstOrder,
	}
	if err := m.setDeadline(&o, now.Add(m.cfg.AcceptWindow)); err != nil {
		return 0, err
	}
	m.orders.Put(id, o)

	act.Open = append(act.Open, id)
	act.Recent = append(act.Recent, now)
	m.activity.Put(buyer, act)

	m.emit(domain.EventOrderCreated, o, now, buyer, lockedAmount)
	return id, nil
}

// Accept commits the maker to the order and starts the payment window.
func (m *Manager) Accept(caller domain.Caller, id domain.OrderID, now time.Time) error {
	o, err := m.Get(id)
	if err != nil {
		return err
	}
	if caller.Account != o.Maker {
		return fmt.Errorf("order: accept %d: %w", id, domain.ErrNotOwner)
	}
	if err := m.live(o, domain.OrderAccepted, now); err != nil {
		return fmt.Errorf("order: accept %d: %w", id, err)
	}
	if st := m.credit.MakerStatus(o.Maker); st != domain.MakerActive {
		return fmt.Errorf("order: accept %d: maker %s: %w", id, st, domain.ErrNotAuthorized)
	}
	o.State = domain.OrderAccepted
	o.AcceptedAt = now
	if err := m.setDeadline(&o, now.Add(m.cfg.PaymentWindow)); err != nil {
		return err
	}
	m.orders.Put(id, o)
	m.emit(domain.EventOrderAccepted, o, now, o.Maker, 0)
	return nil
}

// AttestPayment records the buyer's claim that payment was sent. From
// PaymentAttested it refreshes the commitment and the confirmation deadline.
func (m *Manager) AttestPayment(caller domain.Caller, id domain.OrderID, commit string, now time.Time) error {
	o, err := m.Get(id)
	if err != nil {
		return err
	}
	if caller.Account != o.Buyer {
		return fmt.Errorf("order: attest %d: %w", id, domain.ErrNotOwner)
	}
	if commit != "" {
		if b, err := hexutil.Decode(commit); err != nil || len(b) != 32 {
			return fmt.Errorf("order: attest %d: payment commitment must be a 32-byte hex hash: %w", id, domain.ErrInvalidArgument)
		}
	}
	if o.State != domain.OrderPaymentAttested {
		if err := m.live(o, domain.OrderPaymentAttested, now); err != nil {
			return fmt.Errorf("order: attest %d: %w", id, err)
		}
		o.State = domain.OrderPaymentAttested
	} else if !now.Before(o.Deadline) {
		return fmt.Errorf("order: attest %d: deadline passed: %w", id, domain.ErrInvalidStateTransition)
	}
	o.AttestedAt = now
	if commit != "" {
		o.PaymentCommit = strings.ToLower(commit)
	}
	if err := m.setDeadline(&o, now.Add(m.cfg.ConfirmWindow)); err != nil {
		return err
	}
	m.orders.Put(id, o)
	m.emit(domain.EventPaymentAttested, o, now, o.Buyer, 0)
	return nil
}

// Confirm releases the escrow in full to the buyer once the maker confirms
// receipt of payment. Only the maker may confirm, and only before the
// confirmation deadline; after it the timeout policy applies.
func (m *Manager) Confirm(caller domain.Caller, id domain.OrderID, now time.Time) error {
	o, err := m.Get(id)
	if err != nil {
		return err
	}
	if caller.Account != o.Maker {
		return fmt.Errorf("order: confirm %d: %w", id, domain.ErrNotOwner)
	}
	if o.State != domain.OrderPaymentAttested {
		return fmt.Errorf("order: confirm %d from %s: %w", id, o.State, domain.ErrInvalidStateTransition)
	}
	if err := m.live(o, domain.OrderReleased, now); err != nil {
		return fmt.Errorf("order: confirm %d: %w", id, err)
	}
	return m.release(o, now, "confirmed", caller.Account, func(o domain.Order) error {
		if err := m.outcome(o.Buyer, domain.RoleBuyer, domain.OutcomeCompleted, o, paymentSecs(o), now); err != nil {
			return err
		}
		return m.outcome(o.Maker, domain.RoleMaker, domain.OutcomeCompleted, o, secsBetween(o.AttestedAt, now), now)
	})
}

// PaymentEvidencePrefix marks the evidence reference a successful payment
// reveal links to the order's case.
const PaymentEvidencePrefix = "payment-reveal:"

// RevealPayment opens the buyer's payment commitment. keccak256(payload ||
// salt) must equal the stored commitment. On success the evidence reference
// for the order's case is returned; a commitment opens once.
func (m *Manager) RevealPayment(caller domain.Caller, id domain.OrderID, payload, salt []byte, now time.Time) (string, error) {
	o, err := m.Get(id)
	if err != nil {
		return "", err
	}
	if !o.IsParty(caller.Account) {
		return "", fmt.Errorf("order: reveal %d: %w", id, domain.ErrNotOwner)
	}
	if o.PaymentCommit == "" {
		return "", fmt.Errorf("order: reveal %d: no payment commitment: %w", id, domain.ErrInvalidStateTransition)
	}
	if o.PaymentRevealed {
		return "", fmt.Errorf("order: reveal %d: %w", id, domain.ErrAlreadyResolved)
	}
	if len(payload) == 0 || PaymentCommitment(payload, salt) != o.PaymentCommit {
		return "", fmt.Errorf("order: reveal %d: payload does not match commitment: %w", id, domain.ErrInvalidArgument)
	}
	o.PaymentRevealed = true
	m.orders.Put(id, o)
	ref := PaymentEvidencePrefix + o.PaymentCommit
	m.emit(domain.EventPaymentRevealed, o, now, caller.Account, 0, "commitment", o.PaymentCommit)
	return ref, nil
}

// PaymentCommitment is the lower-case hex keccak256 of payload || salt, the
// value a buyer attests with.
func PaymentCommitment(payload, salt []byte) string {
	return strings.ToLower(crypto.Keccak256Hash(payload, salt).Hex())
}

// Dispute moves an Accepted or PaymentAttested order into arbitration. The
// complainant's deposit is locked by the case.
func (m *Manager) Dispute(caller domain.Caller, id domain.OrderID, evidence []string, now time.Time) (domain.CaseID, error) {
	o, err := m.Get(id)
	if err != nil {
		return 0, err
	}
	if !o.IsParty(caller.Account) {
		return 0, fmt.Errorf("order: dispute %d: %w", id, domain.ErrNotOwner)
	}
	if err := m.live(o, domain.OrderDisputed, now); err != nil {
		return 0, fmt.Errorf("order: dispute %d: %w", id, err)
	}
	if m.cases == nil {
		return 0, fmt.Errorf("order: dispute %d: no arbitration authority: %w", id, domain.ErrNotAuthorized)
	}
	deposit := m.cfg.DisputeDeposit
	if caller.Account == o.Maker {
		deposit = m.credit.RequiredDeposit(o.Maker, deposit)
	}

	o.PreDispute = o.State
	o.State = domain.OrderDisputed
	m.ledger.ClearExpiry(o.EscrowKey())
	m.orders.Put(id, o)

	caseID, err := m.cases.OpenCase(id, caller.Account, evidence, deposit, now)
	if err != nil {
		return 0, fmt.Errorf("order: dispute %d: %w", id, err)
	}
	o.CaseID = caseID
	m.orders.Put(id, o)
	m.emit(domain.EventOrderDisputed, o, now, caller.Account, deposit)
	return caseID, nil
}

// FinalizeExpired applies the timeout policy once the active deadline has
// passed. It is a no-op on terminal orders.
func (m *Manager) FinalizeExpired(id domain.OrderID, now time.Time) error {
	o, err := m.Get(id)
	if err != nil {
		return err
	}
	if o.State.IsTerminal() {
		return nil
	}
	if o.State == domain.OrderDisputed {
		return fmt.Errorf("order: finalize %d: disputed orders wait for arbitration: %w", id, domain.ErrInvalidStateTransition)
	}
	if !o.HasDeadline() || now.Before(o.Deadline) {
		return fmt.Errorf("order: finalize %d: deadline not reached: %w", id, domain.ErrInvalidStateTransition)
	}
	return m.timeout(o, now)
}

// Cancel withdraws an unaccepted order and refunds the maker in full.
func (m *Manager) Cancel(caller domain.Caller, id domain.OrderID, now time.Time) error {
	o, err := m.Get(id)
	if err != nil {
		return err
	}
	if !o.IsParty(caller.Account) {
		return fmt.Errorf("order: cancel %d: %w", id, domain.ErrNotOwner)
	}
	if o.State != domain.OrderCreated {
		return fmt.Errorf("order: cancel %d from %s: %w", id, o.State, domain.ErrInvalidStateTransition)
	}
	m.ledger.Refund(o.EscrowKey(), o.Maker)
	m.credit.NoteCancelled(o.Maker)
	m.close(&o, domain.OrderCancelled, now)
	m.emit(domain.EventOrderCancelled, o, now, caller.Account, o.LockedAmount)
	return nil
}

// RateMaker lets the buyer rate the maker once after a release.
func (m *Manager) RateMaker(caller domain.Caller, id domain.OrderID, stars uint8, now time.Time) error {
	o, err := m.Get(id)
	if err != nil {
		return err
	}
	if caller.Account != o.Buyer {
		return fmt.Errorf("order: rate %d: %w", id, domain.ErrNotOwner)
	}
	if o.State != domain.OrderReleased {
		return fmt.Errorf("order: rate %d from %s: %w", id, o.State, domain.ErrInvalidStateTransition)
	}
	if o.Rated {
		return fmt.Errorf("order: rate %d: %w", id, domain.ErrAlreadyResolved)
	}
	if err := m.credit.RateMaker(o.Maker, stars, now); err != nil {
		return err
	}
	o.Rated = true
	m.orders.Put(id, o)
	return nil
}

// ResolveDispute executes an arbitration decision on a disputed order and
// charges the loser a lost dispute.
func (m *Manager) ResolveDispute(id domain.OrderID, d domain.Decision, now time.Time) error {
	o, err := m.Get(id)
	if err != nil {
		return err
	}
	if o.State != domain.OrderDisputed {
		return fmt.Errorf("order: resolve %d from %s: %w", id, o.State, domain.ErrInvalidStateTransition)
	}
	switch d {
	case domain.DecisionReleaseToBuyer:
		return m.release(o, now, "arbitration", "", func(o domain.Order) error {
			return m.outcome(o.Maker, domain.RoleMaker, domain.OutcomeDisputeLost, o, 0, now)
		})
	case domain.DecisionRefundToMaker:
		return m.refund(o, now, "arbitration", func(o domain.Order) error {
			return m.outcome(o.Buyer, domain.RoleBuyer, domain.OutcomeDisputeLost, o, 0, now)
		})
	default:
		return fmt.Errorf("order: resolve %d: decision %q: %w", id, d, domain.ErrInvalidArgument)
	}
}

// RevertDispute returns a disputed order to its pre-dispute state after its
// case is withdrawn. Past the deadline, that state's timeout applies at once.
func (m *Manager) RevertDispute(id domain.OrderID, now time.Time) error {
	o, err := m.Get(id)
	if err != nil {
		return err
	}
	if !CanRevert(o.State, o.PreDispute) {
		return fmt.Errorf("order: revert %d from %s: %w", id, o.State, domain.ErrInvalidStateTransition)
	}
	o.State = o.PreDispute
	o.PreDispute = ""
	if !o.HasDeadline() || !now.Before(o.Deadline) {
		m.orders.Put(id, o)
		return m.timeout(o, now)
	}
	if err := m.setDeadline(&o, o.Deadline); err != nil {
		return err
	}
	m.orders.Put(id, o)
	return nil
}

// ArchiveReport is the work done by one ArchiveDue call.
type ArchiveReport struct {
	Archived int
	Failed   int
}

// ArchiveDue removes up to limit terminal orders whose retention window has
// elapsed. Each order is archived in its own savepoint; a failure is
// counted and skipped.
func (m *Manager) ArchiveDue(now time.Time, limit int) ArchiveReport {
	var rep ArchiveReport
	if limit <= 0 {
		return rep
	}
	for _, entry := range m.archive.Due(now.UnixNano(), limit) {
		mark := m.j.Mark()
		if err := m.archiveOne(entry, now); err != nil {
			m.j.RollbackTo(mark)
			m.archive.Remove(entry)
			rep.Failed++
			continue
		}
		rep.Archived++
	}
	return rep
}

// ArchiveBacklog returns how many archivable orders are due at now.
func (m *Manager) ArchiveBacklog(now time.Time) int {
	return len(m.archive.Due(now.UnixNano(), m.archive.Len()))
}

// Tables exposes the manager's tables for snapshot and restore.
func (m *Manager) Tables() []state.Loader {
	return []state.Loader{m.orders, m.activity, m.meta}
}

// Rebuild reconstructs the archival queue from the loaded orders.
func (m *Manager) Rebuild() {
	m.archive.Reset()
	m.orders.Range(func(id domain.OrderID, o domain.Order) bool {
		if o.State.IsTerminal() {
			m.archive.Seed(state.QueueEntry[domain.OrderID]{At: o.ClosedAt.Add(m.cfg.ArchiveAfter).UnixNano(), Key: id})
		}
		return true
	})
}

func (m *Manager) archiveOne(entry state.QueueEntry[domain.OrderID], now time.Time) error {
	o, ok := m.orders.Get(entry.Key)
	m.archive.Remove(entry)
	if !ok {
		return nil
	}
	if !o.State.IsTerminal() {
		return fmt.Errorf("order: archive %d: state %s: %w", o.ID, o.State, domain.ErrInvalidStateTransition)
	}
	if held := m.ledger.AmountOf(o.EscrowKey()); held > 0 {
		return fmt.Errorf("order: archive %d: escrow still holds %d: %w", o.ID, held, domain.ErrInvalidStateTransition)
	}
	m.orders.Delete(o.ID)
	m.credit.ForgetOutcomes(o.EscrowKey())
	if err := m.onArchive(o, now); err != nil {
		return fmt.Errorf("order: archive %d: %w", o.ID, err)
	}
	m.emit(domain.EventOrderArchived, o, now, "", 0)
	return nil
}

// onDeadline is the escrow expiry handler for order keys.
func (m *Manager) onDeadline(rec domain.EscrowRecord, now time.Time) error {
	id, err := parseEscrowKey(rec.Key)
	if err != nil {
		return err
	}
	o, err := m.Get(id)
	if err != nil {
		return err
	}
	if o.State.IsTerminal() || o.State == domain.OrderDisputed {
		return nil
	}
	return m.FinalizeExpired(id, now)
}

// timeout applies the inaction policy of o's current state.
func (m *Manager) timeout(o domain.Order, now time.Time) error {
	switch o.State {
	case domain.OrderCreated:
		m.ledger.Refund(o.EscrowKey(), o.Maker)
		m.close(&o, domain.OrderExpired, now)
		m.emit(domain.EventOrderExpired, o, now, "", o.LockedAmount)
		return nil
	case domain.OrderAccepted:
		return m.refund(o, now, "payment_timeout", func(o domain.Order) error {
			return m.outcome(o.Buyer, domain.RoleBuyer, domain.OutcomeDefaulted, o, 0, now)
		})
	case domain.OrderPaymentAttested:
		return m.release(o, now, "confirm_timeout", "", func(o domain.Order) error {
			if err := m.outcome(o.Maker, domain.RoleMaker, domain.OutcomeDefaulted, o, 0, now); err != nil {
				return err
			}
			return m.outcome(o.Buyer, domain.RoleBuyer, domain.OutcomeCompleted, o, paymentSecs(o), now)
		})
	default:
		return fmt.Errorf("order: timeout %d from %s: %w", o.ID, o.State, domain.ErrInvalidStateTransition)
	}
}

func (m *Manager) release(o domain.Order, now time.Time, reason string, by domain.AccountID, outcomes func(domain.Order) error) error {
	if held := m.ledger.AmountOf(o.EscrowKey()); held < o.LockedAmount {
		return fmt.Errorf("order: release %d: escrow holds %d of %d: %w", o.ID, held, o.LockedAmount, domain.ErrInsufficientFunds)
	}
	moved := m.ledger.Release(o.EscrowKey(), o.Buyer, o.LockedAmount)
	m.close(&o, domain.OrderReleased, now)
	if err := outcomes(o); err != nil {
		return err
	}
	m.emit(domain.EventOrderReleased, o, now, by, moved, "reason", reason)
	return nil
}

func (m *Manager) refund(o domain.Order, now time.Time, reason string, outcomes func(domain.Order) error) error {
	moved := m.ledger.Refund(o.EscrowKey(), o.Maker)
	m.close(&o, domain.OrderRefunded, now)
	if err := outcomes(o); err != nil {
		return err
	}
	m.emit(domain.EventOrderRefunded, o, now, "", moved, "reason", reason)
	return nil
}

// close moves o to a terminal state and schedules its archival.
func (m *Manager) close(o *domain.Order, to domain.OrderState, now time.Time) {
	o.State = to
	o.ClosedAt = now
	o.Deadline = time.Time{}
	o.PreDispute = ""
	m.ledger.ClearExpiry(o.EscrowKey())
	m.orders.Put(o.ID, *o)
	m.archive.Insert(state.QueueEntry[domain.OrderID]{At: now.Add(m.cfg.ArchiveAfter).UnixNano(), Key: o.ID})

	act, _ := m.activity.Get(o.Buyer)
	for i, id := range act.Open {
		if id == o.ID {
			act.Open = append(act.Open[:i], act.Open[i+1:]...)
			break
		}
	}
	if len(act.Open) == 0 && len(act.Recent) == 0 {
		m.activity.Delete(o.Buyer)
		return
	}
	m.activity.Put(o.Buyer, act)
}

// live checks that o can move to next now: the edge exists and the active
// deadline, if any, has not passed.
func (m *Manager) live(o domain.Order, next domain.OrderState, now time.Time) error {
	if !CanTransition(o.State, next) {
		return fmt.Errorf("%s -> %s: %w", o.State, next, domain.ErrInvalidStateTransition)
	}
	if o.HasDeadline() && !now.Before(o.Deadline) {
		return fmt.Errorf("deadline passed at %s: %w", o.Deadline.Format(time.RFC3339), domain.ErrInvalidStateTransition)
	}
	return nil
}

func (m *Manager) setDeadline(o *domain.Order, at time.Time) error {
	o.Deadline = at
	if err := m.ledger.SetExpiry(o.EscrowKey(), at, domain.ExpiryCustom, DeadlineHandler); err != nil {
		return fmt.Errorf("order: %d: schedule deadline: %w", o.ID, err)
	}
	return nil
}

func (m *Manager) outcome(account domain.AccountID, role domain.Role, kind domain.OutcomeKind, o domain.Order, secs uint64, now time.Time) error {
	err := m.credit.Apply(account, domain.Outcome{
		Kind:         kind,
		Role:         role,
		Ref:          o.EscrowKey(),
		Amount:       o.LockedAmount,
		ResponseSecs: secs,
		At:           now,
	})
	if err != nil {
		return fmt.Errorf("order: %d: record %s %s outcome: %w", o.ID, role, kind, err)
	}
	return nil
}

func (m *Manager) emit(kind domain.EventKind, o domain.Order, now time.Time, actor domain.AccountID, amount uint64, kv ...string) {
	e := domain.Event{
		Kind:    kind,
		At:      now,
		OrderID: o.ID,
		CaseID:  o.CaseID,
		Account: actor,
		Amount:  amount,
		Attrs: map[string]string{
			"buyer": string(o.Buyer),
			"maker": string(o.Maker),
			"state": string(o.State),
		},
	}
	if o.HasDeadline() {
		e.Attrs["deadline"] = o.Deadline.Format(time.RFC3339)
	}
	for i := 0; i+1 < len(kv); i += 2 {
		e.Attrs[kv[i]] = kv[i+1]
	}
	m.events.Emit(e)
}

func paymentSecs(o domain.Order) uint64 {
	if o.AcceptedAt.IsZero() {
		return 0
	}
	return secsBetween(o.AcceptedAt, o.AttestedAt)
}

func secsBetween(from, to time.Time) uint64 {
	if from.IsZero() || !to.After(from) {
		return 0
	}
	return uint64(to.Sub(from) / time.Second)
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	out := ts[:0]
	for _, t := range ts {
		if !t.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

func parseEscrowKey(key string) (domain.OrderID, error) {
	raw, ok := strings.CutPrefix(key, "order:")
	if !ok {
		return 0, fmt.Errorf("order: escrow key %q: %w", key, domain.ErrInvalidArgument)
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("order: escrow key %q: %w", key, domain.ErrInvalidArgument)
	}
	return domain.OrderID(n), nil
}
