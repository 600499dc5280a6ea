// Package arbitration is the dispute authority: it takes in cases against
// disputed orders, links evidence, and executes binding decisions through
// the order manager.
package arbitration

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/otcsettle/internal/domain"
	"github.com/alanyoungcy/otcsettle/internal/escrow"
	"github.com/alanyoungcy/otcsettle/internal/order"
	"github.com/alanyoungcy/otcsettle/internal/state"
)

// Table names used in committed change sets.
const (
	TableCases = "dispute_cases"
	TableMeta  = "dispute_meta"
)

// MaxEvidence bounds the evidence references linked to one case.
const MaxEvidence = 32

const metaNextID = "next_id"

// Authority owns dispute cases.
type Authority struct {
	cases  *state.Table[domain.CaseID, domain.DisputeCase]
	meta   *state.Table[string, uint64]
	ledger *escrow.Ledger
	orders *order.Manager
	events domain.EventSink
}

var _ order.CaseOpener = (*Authority)(nil)

// New creates the authority and registers it as the order manager's case
// opener.
func New(j *state.Journal, ledger *escrow.Ledger, orders *order.Manager, events domain.EventSink) *Authority {
	if events == nil {
		events = domain.DiscardEvents
	}
	a := &Authority{
		cases:  state.NewTable[domain.CaseID, domain.DisputeCase](j, TableCases, state.IDKeys[domain.CaseID]()),
		meta:   state.NewTable[string, uint64](j, TableMeta, state.StringKeys),
		ledger: ledger,
		orders: orders,
		events: events,
	}
	orders.SetCaseOpener(a)
	return a
}

// Case returns the case with id.
func (a *Authority) Case(id domain.CaseID) (domain.DisputeCase, error) {
	c, ok := a.cases.Get(id)
	if !ok {
		return domain.DisputeCase{}, fmt.Errorf("arbitration: case %d: %w", id, domain.ErrNotFound)
	}
	return c, nil
}

// Pending returns the open cases, oldest first.
func (a *Authority) Pending() []domain.DisputeCase {
	var out []domain.DisputeCase
	a.cases.Range(func(_ domain.CaseID, c domain.DisputeCase) bool {
		if c.Status == domain.CasePending {
			out = append(out, c)
		}
		return true
	})
	return out
}

// OpenCase opens a case against a disputed order and locks the
// complainant's deposit.
func (a *Authority) OpenCase(orderID domain.OrderID, complainant domain.AccountID, evidence []string, deposit uint64, now time.Time) (domain.CaseID, error) {
	o, err := a.orders.Get(orderID)
	if err != nil {
		return 0, fmt.Errorf("arbitration: open case: %w", err)
	}
	if o.State != domain.OrderDisputed {
		return 0, fmt.Errorf("arbitration: open case for order %d in %s: %w", orderID, o.State, domain.ErrInvalidStateTransition)
	}
	if o.CaseID != 0 {
		if prev, ok := a.cases.Get(o.CaseID); ok && prev.Status == domain.CasePending {
			return 0, fmt.Errorf("arbitration: order %d already has case %d: %w", orderID, prev.ID, domain.ErrAlreadyExists)
		}
	}
	if !o.IsParty(complainant) {
		return 0, fmt.Errorf("arbitration: open case for order %d: %w", orderID, domain.ErrNotOwner)
	}
	if len(evidence) > MaxEvidence {
		return 0, fmt.Errorf("arbitration: open case: %d evidence refs: %w", len(evidence), domain.ErrLimitExceeded)
	}

	next, _ := a.meta.Get(metaNextID)
	id := domain.CaseID(next + 1)
	if deposit > 0 {
		if err := a.ledger.Lock(complainant, domain.DisputeEscrowKey(id), deposit, now); err != nil {
			return 0, fmt.Errorf("arbitration: open case deposit: %w", err)
		}
	}
	a.meta.Put(metaNextID, uint64(id))

	c := domain.DisputeCase{
		ID:          id,
		OrderID:     orderID,
		Complainant: complainant,
		Respondent:  o.Counterparty(complainant),
		Deposit:     deposit,
		CreatedAt:   now,
		Status:      domain.CasePending,
	}
	c.Evidence = append(c.Evidence, evidence...)
	c.EvidenceRoot = EvidenceRoot(c.Evidence)
	a.cases.Put(id, c)

	a.events.Emit(domain.Event{
		Kind:         domain.EventCaseOpened,
		At:           now,
		OrderID:      orderID,
		CaseID:       id,
		Account:      complainant,
		Counterparty: c.Respondent,
		Amount:       deposit,
		Attrs:        map[string]string{"evidence_root": c.EvidenceRoot},
	})
	return id, nil
}

// AddEvidence links more references to a pending case. Either party may add.
func (a *Authority) AddEvidence(caller domain.Caller, id domain.CaseID, refs []string, now time.Time) error {
	c, err := a.Case(id)
	if err != nil {
		return err
	}
	if caller.Account != c.Complainant && caller.Account != c.Respondent {
		return fmt.Errorf("arbitration: add evidence to case %d: %w", id, domain.ErrNotOwner)
	}
	if c.Status != domain.CasePending {
		return fmt.Errorf("arbitration: add evidence to case %d: %w", id, domain.ErrAlreadyResolved)
	}
	if len(refs) == 0 {
		return fmt.Errorf("arbitration: add evidence to case %d: %w", id, domain.ErrInvalidArgument)
	}
	if len(c.Evidence)+len(refs) > MaxEvidence {
		return fmt.Errorf("arbitration: add evidence to case %d: %w", id, domain.ErrLimitExceeded)
	}
	c.Evidence = append(c.Evidence, refs...)
	c.EvidenceRoot = EvidenceRoot(c.Evidence)
	a.cases.Put(id, c)
	return nil
}

// Decide executes a binding decision. The complainant's deposit returns to
// them when the decision goes their way and is paid to the respondent
// otherwise.
func (a *Authority) Decide(caller domain.Caller, id domain.CaseID, d domain.Decision, now time.Time) error {
	if err := caller.Require(domain.CapArbiter); err != nil {
		return fmt.Errorf("arbitration: decide case %d: %w", id, err)
	}
	if !d.Valid() {
		return fmt.Errorf("arbitration: decide case %d: decision %q: %w", id, d, domain.ErrInvalidArgument)
	}
	c, err := a.Case(id)
	if err != nil {
		return err
	}
	if c.Status != domain.CasePending {
		return fmt.Errorf("arbitration: decide case %d: %w", id, domain.ErrAlreadyResolved)
	}
	o, err := a.orders.Get(c.OrderID)
	if err != nil {
		return fmt.Errorf("arbitration: decide case %d: %w", id, err)
	}
	if err := a.orders.ResolveDispute(c.OrderID, d, now); err != nil {
		return fmt.Errorf("arbitration: decide case %d: %w", id, err)
	}

	won := (d == domain.DecisionReleaseToBuyer && c.Complainant == o.Buyer) ||
		(d == domain.DecisionRefundToMaker && c.Complainant == o.Maker)
	payee := c.Respondent
	if won {
		payee = c.Complainant
	}
	paid := a.ledger.Refund(domain.DisputeEscrowKey(id), payee)

	c.Status = domain.CaseResolved
	c.Decision = d
	c.DecidedBy = caller.Account
	c.ClosedAt = now
	a.cases.Put(id, c)

	a.events.Emit(domain.Event{
		Kind:         domain.EventCaseResolved,
		At:           now,
		OrderID:      c.OrderID,
		CaseID:       id,
		Account:      caller.Account,
		Counterparty: payee,
		Amount:       paid,
		Attrs: map[string]string{
			"decision":    string(d),
			"complainant": string(c.Complainant),
			"upheld":      fmt.Sprint(won),
		},
	})
	return nil
}

// WithdrawCase lets the complainant drop a pending case. The deposit is
// refunded and the order returns to its pre-dispute state.
func (a *Authority) WithdrawCase(caller domain.Caller, id domain.CaseID, now time.Time) error {
	c, err := a.Case(id)
	if err != nil {
		return err
	}
	if caller.Account != c.Complainant {
		return fmt.Errorf("arbitration: withdraw case %d: %w", id, domain.ErrNotOwner)
	}
	if c.Status != domain.CasePending {
		return fmt.Errorf("arbitration: withdraw case %d: %w", id, domain.ErrAlreadyResolved)
	}
	refunded := a.ledger.Refund(domain.DisputeEscrowKey(id), c.Complainant)
	c.Status = domain.CaseWithdrawn
	c.ClosedAt = now
	a.cases.Put(id, c)

	if err := a.orders.RevertDispute(c.OrderID, now); err != nil {
		return fmt.Errorf("arbitration: withdraw case %d: %w", id, err)
	}
	a.events.Emit(domain.Event{
		Kind:    domain.EventCaseWithdrawn,
		At:      now,
		OrderID: c.OrderID,
		CaseID:  id,
		Account: caller.Account,
		Amount:  refunded,
	})
	return nil
}

// ArchiveOrderCases removes every closed case filed against orderID and
// returns them. A pending case blocks archival.
func (a *Authority) ArchiveOrderCases(orderID domain.OrderID) ([]domain.DisputeCase, error) {
	var out []domain.DisputeCase
	var pending bool
	a.cases.Range(func(_ domain.CaseID, c domain.DisputeCase) bool {
		if c.OrderID != orderID {
			return true
		}
		if c.Status == domain.CasePending {
			pending = true
			return false
		}
		out = append(out, c)
		return true
	})
	if pending {
		return nil, fmt.Errorf("arbitration: archive cases of order %d: %w", orderID, domain.ErrInvalidStateTransition)
	}
	for _, c := range out {
		a.cases.Delete(c.ID)
	}
	return out, nil
}

// Tables exposes the authority's tables for snapshot and restore.
func (a *Authority) Tables() []state.Loader {
	return []state.Loader{a.cases, a.meta}
}

// EvidenceRoot folds the references into a keccak256 chain:
// root = keccak(root || keccak(ref)) starting from the zero hash.
func EvidenceRoot(refs []string) string {
	if len(refs) == 0 {
		return ""
	}
	var root common.Hash
	for _, ref := range refs {
		leaf := crypto.Keccak256([]byte(ref))
		root = crypto.Keccak256Hash(root.Bytes(), leaf)
	}
	return root.Hex()
}
