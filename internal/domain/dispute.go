package domain

import "time"

// CaseID is allocated monotonically and never reused.
type CaseID uint64

// CaseStatus tracks a dispute case.
type CaseStatus string

const (
	CasePending   CaseStatus = "pending"
	CaseResolved  CaseStatus = "resolved"
	CaseWithdrawn CaseStatus = "withdrawn"
)

// Decision is the binding outcome of an arbitration case.
type Decision string

const (
	DecisionNone           Decision = ""
	DecisionReleaseToBuyer Decision = "release_to_buyer"
	DecisionRefundToMaker  Decision = "refund_to_maker"
)

// Valid reports whether d is one of the two binding decisions.
func (d Decision) Valid() bool {
	return d == DecisionReleaseToBuyer || d == DecisionRefundToMaker
}

// DisputeCase is opened against a disputed order.
type DisputeCase struct {
	ID           CaseID     `json:"id"`
	OrderID      OrderID    `json:"order_id"`
	Complainant  AccountID  `json:"complainant"`
	Respondent   AccountID  `json:"respondent"`
	Deposit      uint64     `json:"deposit"`
	Evidence     []string   `json:"evidence"`
	EvidenceRoot string     `json:"evidence_root"`
	CreatedAt    time.Time  `json:"created_at"`
	Status       CaseStatus `json:"status"`
	Decision     Decision   `json:"decision,omitempty"`
	DecidedBy    AccountID  `json:"decided_by,omitempty"`
	ClosedAt     time.Time  `json:"closed_at"`
}

// Clone returns a deep copy.
func (c DisputeCase) Clone() DisputeCase {
	c.Evidence = append([]string(nil), c.Evidence...)
	return c
}
