package domain

import (
	"fmt"
	"time"
)

// OrderID is allocated monotonically and never reused.
type OrderID uint64

// OrderState tracks the order lifecycle.
type OrderState string

const (
	OrderCreated         OrderState = "created"
	OrderAccepted        OrderState = "accepted"
	OrderPaymentAttested OrderState = "payment_attested"
	OrderDisputed        OrderState = "disputed"
	OrderReleased        OrderState = "released"
	OrderRefunded        OrderState = "refunded"
	OrderCancelled       OrderState = "cancelled"
	OrderExpired         OrderState = "expired"
)

// IsTerminal reports whether no further mutation is possible from s.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderReleased, OrderRefunded, OrderCancelled, OrderExpired:
		return true
	default:
		return false
	}
}

// Order is one bilateral trade: the maker's tokens held in escrow against
// the buyer's off-chain payment.
type Order struct {
	ID           OrderID    `json:"id"`
	Buyer        AccountID  `json:"buyer"`
	Maker        AccountID  `json:"maker"`
	Quantity     uint64     `json:"quantity"`
	LockedAmount uint64     `json:"locked_amount"`
	State        OrderState `json:"state"`
	CreatedAt    time.Time  `json:"created_at"`
	// Deadline is the active decision deadline; zero means none.
	Deadline      time.Time  `json:"deadline"`
	AcceptedAt    time.Time  `json:"accepted_at"`
	AttestedAt    time.Time  `json:"attested_at"`
	ClosedAt      time.Time  `json:"closed_at"`
	PaymentCommit string     `json:"payment_commit,omitempty"`
	// PaymentRevealed is set once the commitment has been opened.
	PaymentRevealed bool       `json:"payment_revealed,omitempty"`
	PreDispute      OrderState `json:"pre_dispute,omitempty"`
	CaseID          CaseID     `json:"case_id,omitempty"`
	FirstOrder      bool       `json:"first_order"`
	Rated           bool       `json:"rated"`
}

// EscrowKey is the custody key holding this order's locked amount.
func (o Order) EscrowKey() string {
	return OrderEscrowKey(o.ID)
}

// HasDeadline reports whether a decision deadline is set.
func (o Order) HasDeadline() bool {
	return !o.Deadline.IsZero()
}

// IsParty reports whether a is the buyer or the maker.
func (o Order) IsParty(a AccountID) bool {
	return a == o.Buyer || a == o.Maker
}

// Counterparty returns the other party of the order.
func (o Order) Counterparty(a AccountID) AccountID {
	if a == o.Buyer {
		return o.Maker
	}
	return o.Buyer
}

// OrderEscrowKey returns the escrow key for an order id.
func OrderEscrowKey(id OrderID) string {
	return fmt.Sprintf("order:%d", id)
}

// DisputeEscrowKey returns the escrow key for a dispute case deposit.
func DisputeEscrowKey(id CaseID) string {
	return fmt.Sprintf("dispute:%d", id)
}
