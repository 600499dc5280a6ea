package engine

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/otcsettle/internal/credit"
	"github.com/alanyoungcy/otcsettle/internal/domain"
)

// Deposit credits account's spendable balance. Funding comes from the host.
func (e *Engine) Deposit(caller domain.Caller, account domain.AccountID, amount uint64, now time.Time) error {
	return e.run(func() error {
		if err := caller.Require(domain.CapHost); err != nil {
			return fmt.Errorf("engine: deposit: %w", err)
		}
		if err := e.ledger.Deposit(account, amount); err != nil {
			return err
		}
		e.credit.RecordTransfer(account, now)
		return nil
	})
}

// Withdraw debits the caller's own spendable balance.
func (e *Engine) Withdraw(caller domain.Caller, amount uint64, now time.Time) error {
	return e.run(func() error {
		if err := e.ledger.Withdraw(caller.Account, amount); err != nil {
			return err
		}
		e.credit.RecordTransfer(caller.Account, now)
		return nil
	})
}

// CreateOrder opens an order from the calling buyer against maker.
func (e *Engine) CreateOrder(caller domain.Caller, maker domain.AccountID, quantity, lockedAmount uint64, now time.Time) (domain.OrderID, error) {
	var id domain.OrderID
	err := e.run(func() error {
		var err error
		id, err = e.orders.CreateOrder(caller, maker, quantity, lockedAmount, now)
		return err
	})
	return id, err
}

// Accept commits the maker to an order.
func (e *Engine) Accept(caller domain.Caller, id domain.OrderID, now time.Time) error {
	return e.run(func() error { return e.orders.Accept(caller, id, now) })
}

// AttestPayment records the buyer's payment claim with an optional
// 32-byte commitment hash.
func (e *Engine) AttestPayment(caller domain.Caller, id domain.OrderID, commit string, now time.Time) error {
	return e.run(func() error { return e.orders.AttestPayment(caller, id, commit, now) })
}

// Confirm releases an attested order to the buyer.
func (e *Engine) Confirm(caller domain.Caller, id domain.OrderID, now time.Time) error {
	return e.run(func() error { return e.orders.Confirm(caller, id, now) })
}

// RevealPayment opens an order's payment commitment. While the order is
// disputed the reveal is linked to its case as evidence.
func (e *Engine) RevealPayment(caller domain.Caller, id domain.OrderID, payload, salt []byte, now time.Time) error {
	return e.run(func() error {
		ref, err := e.orders.RevealPayment(caller, id, payload, salt, now)
		if err != nil {
			return err
		}
		o, err := e.orders.Get(id)
		if err != nil {
			return err
		}
		if o.State != domain.OrderDisputed || o.CaseID == 0 {
			return nil
		}
		return e.cases.AddEvidence(caller, o.CaseID, []string{ref}, now)
	})
}

// Dispute moves an order into arbitration and returns the case id.
func (e *Engine) Dispute(caller domain.Caller, id domain.OrderID, evidence []string, now time.Time) (domain.CaseID, error) {
	var caseID domain.CaseID
	err := e.run(func() error {
		var err error
		caseID, err = e.orders.Dispute(caller, id, evidence, now)
		return err
	})
	return caseID, err
}

// FinalizeExpired applies an order's timeout policy once its deadline has
// passed. Anyone may call it.
func (e *Engine) FinalizeExpired(id domain.OrderID, now time.Time) error {
	return e.run(func() error { return e.orders.FinalizeExpired(id, now) })
}

// Cancel withdraws an unaccepted order.
func (e *Engine) Cancel(caller domain.Caller, id domain.OrderID, now time.Time) error {
	return e.run(func() error { return e.orders.Cancel(caller, id, now) })
}

// RateMaker records the buyer's rating of a released order.
func (e *Engine) RateMaker(caller domain.Caller, id domain.OrderID, stars uint8, now time.Time) error {
	return e.run(func() error { return e.orders.RateMaker(caller, id, stars, now) })
}

// AddEvidence links evidence references to a pending case.
func (e *Engine) AddEvidence(caller domain.Caller, id domain.CaseID, refs []string, now time.Time) error {
	return e.run(func() error { return e.cases.AddEvidence(caller, id, refs, now) })
}

// Decide executes an arbiter's decision.
func (e *Engine) Decide(caller domain.Caller, id domain.CaseID, d domain.Decision, now time.Time) error {
	return e.run(func() error { return e.cases.Decide(caller, id, d, now) })
}

// WithdrawCase drops a pending case at the complainant's request.
func (e *Engine) WithdrawCase(caller domain.Caller, id domain.CaseID, now time.Time) error {
	return e.run(func() error { return e.cases.WithdrawCase(caller, id, now) })
}

// RecordOutcome lets a settlement module feed an outcome to the credit gate.
func (e *Engine) RecordOutcome(caller domain.Caller, account domain.AccountID, o domain.Outcome) error {
	return e.run(func() error { return e.credit.RecordOutcome(caller, account, o) })
}

// SetReferrer records who invited the caller.
func (e *Engine) SetReferrer(caller domain.Caller, referrer domain.AccountID, now time.Time) error {
	return e.run(func() error { return e.credit.SetReferrer(caller.Account, referrer, now) })
}

// Endorse records the caller vouching for endorsee.
func (e *Engine) Endorse(caller domain.Caller, endorsee domain.AccountID, now time.Time) error {
	return e.run(func() error { return e.credit.Endorse(caller.Account, endorsee, now) })
}

// SetIdentityLevel is the identity feed writing a verified level.
func (e *Engine) SetIdentityLevel(caller domain.Caller, account domain.AccountID, level int, now time.Time) error {
	return e.run(func() error { return e.registry.SetLevel(caller, account, level, now) })
}

// SetPaused toggles the escrow governance pause.
func (e *Engine) SetPaused(caller domain.Caller, paused bool, now time.Time) error {
	return e.run(func() error { return e.ledger.SetPaused(caller, paused, now) })
}

// SetIdentityEnforcement toggles the identity check.
func (e *Engine) SetIdentityEnforcement(caller domain.Caller, on bool, now time.Time) error {
	return e.run(func() error { return e.identity.SetEnforcement(caller, on, now) })
}

// SetIdentityMinLevel changes the minimum assurance level.
func (e *Engine) SetIdentityMinLevel(caller domain.Caller, level int, now time.Time) error {
	return e.run(func() error { return e.identity.SetMinLevel(caller, level, now) })
}

// AddIdentityExemption lets account bypass the identity check.
func (e *Engine) AddIdentityExemption(caller domain.Caller, account domain.AccountID, now time.Time) error {
	return e.run(func() error { return e.identity.AddExemption(caller, account, now) })
}

// RemoveIdentityExemption revokes an exemption.
func (e *Engine) RemoveIdentityExemption(caller domain.Caller, account domain.AccountID, now time.Time) error {
	return e.run(func() error { return e.identity.RemoveExemption(caller, account, now) })
}

// SetCreditParams replaces the credit gate's tunables.
func (e *Engine) SetCreditParams(caller domain.Caller, p credit.Params, now time.Time) error {
	return e.run(func() error { return e.credit.SetParams(caller, p, now) })
}

// OverrideBuyerRisk sets a buyer's risk with an audited reason.
func (e *Engine) OverrideBuyerRisk(caller domain.Caller, account domain.AccountID, risk uint16, reason string, now time.Time) error {
	return e.run(func() error { return e.credit.OverrideBuyerRisk(caller, account, risk, reason, now) })
}

// OverrideMakerScore sets a maker's score with an audited reason.
func (e *Engine) OverrideMakerScore(caller domain.Caller, maker domain.AccountID, score uint16, reason string, now time.Time) error {
	return e.run(func() error { return e.credit.OverrideMakerScore(caller, maker, score, reason, now) })
}

// Order returns a live order.
func (e *Engine) Order(id domain.OrderID) (domain.Order, error) {
	return e.orders.Get(id)
}

// Orders returns every live order.
func (e *Engine) Orders() []domain.Order {
	return e.orders.Orders()
}

// Case returns a live dispute case.
func (e *Engine) Case(id domain.CaseID) (domain.DisputeCase, error) {
	return e.cases.Case(id)
}

// PendingCases returns the cases awaiting a decision.
func (e *Engine) PendingCases() []domain.DisputeCase {
	return e.cases.Pending()
}

// Balance returns an account's spendable balance.
func (e *Engine) Balance(account domain.AccountID) uint64 {
	return e.ledger.Balance(account)
}

// AmountOf returns what an escrow key holds.
func (e *Engine) AmountOf(key string) uint64 {
	return e.ledger.AmountOf(key)
}

// TotalCustodied sums every escrow record.
func (e *Engine) TotalCustodied() uint64 {
	return e.ledger.TotalCustodied()
}

// TotalBalances sums every spendable balance.
func (e *Engine) TotalBalances() uint64 {
	return e.ledger.TotalBalances()
}

// Paused reports the escrow governance pause.
func (e *Engine) Paused() bool {
	return e.ledger.Paused()
}

// IsEligible reports whether account passes the identity gate at minLevel.
func (e *Engine) IsEligible(account domain.AccountID, minLevel int) bool {
	return e.identity.IsEligible(account, minLevel)
}

// BuyerTier returns the buyer's level.
func (e *Engine) BuyerTier(account domain.AccountID) domain.BuyerLevel {
	return e.credit.BuyerTier(account)
}

// BuyerLimits returns the ceilings of the buyer's next order.
func (e *Engine) BuyerLimits(account domain.AccountID, now time.Time) domain.BuyerLimits {
	return e.credit.BuyerLimits(account, now)
}

// Buyer returns the buyer's credit record.
func (e *Engine) Buyer(account domain.AccountID) domain.BuyerCredit {
	return e.credit.Buyer(account)
}

// Maker returns the maker's credit record.
func (e *Engine) Maker(account domain.AccountID) domain.MakerCredit {
	return e.credit.Maker(account)
}

// MakerStatus returns the maker's service status.
func (e *Engine) MakerStatus(account domain.AccountID) domain.MakerStatus {
	return e.credit.MakerStatus(account)
}

// DepositDiscount returns the maker's collateral discount in percent.
func (e *Engine) DepositDiscount(account domain.AccountID) int {
	return e.credit.DepositDiscount(account)
}

// BuyerReputation is the dashboard view of a buyer.
func (e *Engine) BuyerReputation(account domain.AccountID, now time.Time) domain.BuyerReputation {
	return e.credit.BuyerReputation(account, now)
}

// MakerReputation is the dashboard view of a maker.
func (e *Engine) MakerReputation(account domain.AccountID, now time.Time) domain.MakerReputation {
	return e.credit.MakerReputation(account, now)
}
