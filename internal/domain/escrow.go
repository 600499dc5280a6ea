package domain

import "time"

// ExpiryPolicy selects what the sweep does when an escrow record expires.
type ExpiryPolicy uint8

const (
	ExpiryNoop ExpiryPolicy = iota
	ExpiryAutoRefund
	ExpiryCustom
)

func (p ExpiryPolicy) String() string {
	switch p {
	case ExpiryNoop:
		return "noop"
	case ExpiryAutoRefund:
		return "auto_refund"
	case ExpiryCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// Expiry attaches a policy to an escrow record. A zero At means no expiry.
type Expiry struct {
	At      time.Time    `json:"at"`
	Policy  ExpiryPolicy `json:"policy"`
	Handler string       `json:"handler,omitempty"`
}

// IsSet reports whether an expiry is scheduled.
func (e Expiry) IsSet() bool {
	return !e.At.IsZero()
}

// EscrowRecord is custody of a fixed amount under a caller-chosen key.
type EscrowRecord struct {
	Key       string    `json:"key"`
	Owner     AccountID `json:"owner"`
	Amount    uint64    `json:"amount"`
	Locked    uint64    `json:"locked"`
	CreatedAt time.Time `json:"created_at"`
	Expiry    Expiry    `json:"expiry"`
}
