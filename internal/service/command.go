// Package service runs the settlement engine as a process: it verifies and
// applies signed commands from the host's submission log, persists each
// transaction, fans committed events out and serves read models.
package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/alanyoungcy/otcsettle/internal/credit"
	"github.com/alanyoungcy/otcsettle/internal/crypto"
	"github.com/alanyoungcy/otcsettle/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Op names a command.
type Op string

const (
	OpDeposit                 Op = "deposit"
	OpWithdraw                Op = "withdraw"
	OpCreateOrder             Op = "create_order"
	OpAccept                  Op = "accept"
	OpAttestPayment           Op = "attest_payment"
	OpRevealPayment           Op = "reveal_payment"
	OpConfirm                 Op = "confirm"
	OpCancel                  Op = "cancel"
	OpDispute                 Op = "dispute"
	OpFinalizeExpired         Op = "finalize_expired"
	OpRateMaker               Op = "rate_maker"
	OpAddEvidence             Op = "add_evidence"
	OpDecide                  Op = "decide"
	OpWithdrawCase            Op = "withdraw_case"
	OpRecordOutcome           Op = "record_outcome"
	OpSetReferrer             Op = "set_referrer"
	OpEndorse                 Op = "endorse"
	OpSetIdentityLevel        Op = "set_identity_level"
	OpSetPaused               Op = "set_paused"
	OpSetIdentityEnforcement  Op = "set_identity_enforcement"
	OpSetIdentityMinLevel     Op = "set_identity_min_level"
	OpAddIdentityExemption    Op = "add_identity_exemption"
	OpRemoveIdentityExemption Op = "remove_identity_exemption"
	OpSetCreditParams         Op = "set_credit_params"
	OpOverrideBuyerRisk       Op = "override_buyer_risk"
	OpOverrideMakerScore      Op = "override_maker_score"
)

// Envelope is a signed command as it travels on the submission log. Body is
// kept byte-for-byte as received because its hash is what was signed.
type Envelope struct {
	ID        string              `json:"id"`
	Caller    string              `json:"caller"`
	Op        Op                  `json:"op"`
	Body      jsoniter.RawMessage `json:"body"`
	IssuedAt  int64               `json:"issued_at"`
	Signature string              `json:"sig"`
}

// Payload returns the signed portion of the envelope.
func (e Envelope) Payload() crypto.CommandPayload {
	return crypto.CommandPayload{
		ID:       e.ID,
		Caller:   common.HexToAddress(e.Caller),
		Op:       string(e.Op),
		Body:     e.Body,
		IssuedAt: e.IssuedAt,
	}
}

// Verify checks the envelope's shape and that its signature was produced by
// the claimed caller under d.
func (e Envelope) Verify(d crypto.Domain) error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("service: envelope without id: %w", domain.ErrInvalidArgument)
	}
	if !common.IsHexAddress(e.Caller) {
		return fmt.Errorf("service: envelope %s caller %q: %w", e.ID, e.Caller, domain.ErrInvalidArgument)
	}
	if e.Signature == "" {
		return fmt.Errorf("service: envelope %s unsigned: %w", e.ID, domain.ErrBadSignature)
	}
	if err := d.VerifyCommand(e.Payload(), e.Signature); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBadSignature, err)
	}
	return nil
}

// Account is the normalised caller account.
func (e Envelope) Account() domain.AccountID {
	return domain.NormalizeAccount(e.Caller)
}

// DecodeEnvelope parses a submission log entry.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("service: decode envelope: %v: %w", err, domain.ErrInvalidArgument)
	}
	return env, nil
}

// NewEnvelope builds and signs a command with a fresh id. Tools and tests
// use it to submit commands.
func NewEnvelope(s *crypto.Signer, op Op, body any, issuedAt time.Time) (Envelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("service: encode %s body: %w", op, err)
	}
	p, sig, err := s.SignCommand(crypto.CommandPayload{
		ID:       uuid.NewString(),
		Op:       string(op),
		Body:     raw,
		IssuedAt: issuedAt.Unix(),
	})
	if err != nil {
		return Envelope{}, fmt.Errorf("service: sign %s: %w", op, err)
	}
	return Envelope{
		ID:        p.ID,
		Caller:    strings.ToLower(p.Caller.Hex()),
		Op:        op,
		Body:      raw,
		IssuedAt:  p.IssuedAt,
		Signature: sig,
	}, nil
}

// Command bodies.

type DepositBody struct {
	Account domain.AccountID `json:"account"`
	Amount  uint64           `json:"amount"`
}

type WithdrawBody struct {
	Amount uint64 `json:"amount"`
}

type CreateOrderBody struct {
	Maker        domain.AccountID `json:"maker"`
	Quantity     uint64           `json:"quantity"`
	LockedAmount uint64           `json:"locked_amount"`
}

// OrderBody addresses an existing order.
type OrderBody struct {
	OrderID domain.OrderID `json:"order_id"`
}

type AttestPaymentBody struct {
	OrderID    domain.OrderID `json:"order_id"`
	Commitment string         `json:"commitment,omitempty"`
}

// RevealPaymentBody opens a payment commitment. Payload and salt are hex.
type RevealPaymentBody struct {
	OrderID domain.OrderID `json:"order_id"`
	Payload hexutil.Bytes  `json:"payload"`
	Salt    hexutil.Bytes  `json:"salt"`
}

type DisputeBody struct {
	OrderID  domain.OrderID `json:"order_id"`
	Evidence []string       `json:"evidence"`
}

type RateMakerBody struct {
	OrderID domain.OrderID `json:"order_id"`
	Stars   uint8          `json:"stars"`
}

type AddEvidenceBody struct {
	CaseID domain.CaseID `json:"case_id"`
	Refs   []string      `json:"refs"`
}

type DecideBody struct {
	CaseID   domain.CaseID   `json:"case_id"`
	Decision domain.Decision `json:"decision"`
}

// CaseBody addresses an existing case.
type CaseBody struct {
	CaseID domain.CaseID `json:"case_id"`
}

type RecordOutcomeBody struct {
	Account domain.AccountID `json:"account"`
	Outcome domain.Outcome   `json:"outcome"`
}

// AccountBody names one account: referrer, endorsee or exemption target.
type AccountBody struct {
	Account domain.AccountID `json:"account"`
}

type SetIdentityLevelBody struct {
	Account domain.AccountID `json:"account"`
	Level   int              `json:"level"`
}

type FlagBody struct {
	On bool `json:"on"`
}

type LevelBody struct {
	Level int `json:"level"`
}

type CreditParamsBody struct {
	Params credit.Params `json:"params"`
}

type OverrideBody struct {
	Account domain.AccountID `json:"account"`
	Value   uint16           `json:"value"`
	Reason  string           `json:"reason"`
}
