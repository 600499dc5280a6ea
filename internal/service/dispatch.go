package service

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/otcsettle/internal/domain"
	"github.com/alanyoungcy/otcsettle/internal/engine"
)

// outcome is what a successful command produced besides events.
type outcome struct {
	OrderID domain.OrderID
	CaseID  domain.CaseID
}

func decodeBody[T any](env Envelope) (T, error) {
	var v T
	if len(env.Body) == 0 {
		return v, fmt.Errorf("service: %s without body: %w", env.Op, domain.ErrInvalidArgument)
	}
	if err := json.Unmarshal(env.Body, &v); err != nil {
		return v, fmt.Errorf("service: %s body: %v: %w", env.Op, err, domain.ErrInvalidArgument)
	}
	return v, nil
}

// dispatch decodes the body of env and runs the matching engine operation.
// Every engine operation is a transaction, so a returned error means the
// engine is unchanged.
func dispatch(eng *engine.Engine, caller domain.Caller, env Envelope, now time.Time) (outcome, error) {
	var out outcome
	switch env.Op {
	case OpDeposit:
		b, err := decodeBody[DepositBody](env)
		if err != nil {
			return out, err
		}
		return out, eng.Deposit(caller, domain.NormalizeAccount(string(b.Account)), b.Amount, now)

	case OpWithdraw:
		b, err := decodeBody[WithdrawBody](env)
		if err != nil {
			return out, err
		}
		return out, eng.Withdraw(caller, b.Amount, now)

	case OpCreateOrder:
		b, err := decodeBody[CreateOrderBody](env)
		if err != nil {
			return out, err
		}
		out.OrderID, err = eng.CreateOrder(caller, domain.NormalizeAccount(string(b.Maker)), b.Quantity, b.LockedAmount, now)
		return out, err

	case OpAccept, OpConfirm, OpCancel, OpFinalizeExpired:
		b, err := decodeBody[OrderBody](env)
		if err != nil {
			return out, err
		}
		out.OrderID = b.OrderID
		switch env.Op {
		case OpAccept:
			return out, eng.Accept(caller, b.OrderID, now)
		case OpConfirm:
			return out, eng.Confirm(caller, b.OrderID, now)
		case OpCancel:
			return out, eng.Cancel(caller, b.OrderID, now)
		default:
			return out, eng.FinalizeExpired(b.OrderID, now)
		}

	case OpAttestPayment:
		b, err := decodeBody[AttestPaymentBody](env)
		if err != nil {
			return out, err
		}
		out.OrderID = b.OrderID
		return out, eng.AttestPayment(caller, b.OrderID, b.Commitment, now)

	case OpRevealPayment:
		b, err := decodeBody[RevealPaymentBody](env)
		if err != nil {
			return out, err
		}
		out.OrderID = b.OrderID
		return out, eng.RevealPayment(caller, b.OrderID, b.Payload, b.Salt, now)

	case OpDispute:
		b, err := decodeBody[DisputeBody](env)
		if err != nil {
			return out, err
		}
		out.OrderID = b.OrderID
		out.CaseID, err = eng.Dispute(caller, b.OrderID, b.Evidence, now)
		return out, err

	case OpRateMaker:
		b, err := decodeBody[RateMakerBody](env)
		if err != nil {
			return out, err
		}
		out.OrderID = b.OrderID
		return out, eng.RateMaker(caller, b.OrderID, b.Stars, now)

	case OpAddEvidence:
		b, err := decodeBody[AddEvidenceBody](env)
		if err != nil {
			return out, err
		}
		out.CaseID = b.CaseID
		return out, eng.AddEvidence(caller, b.CaseID, b.Refs, now)

	case OpDecide:
		b, err := decodeBody[DecideBody](env)
		if err != nil {
			return out, err
		}
		out.CaseID = b.CaseID
		return out, eng.Decide(caller, b.CaseID, b.Decision, now)

	case OpWithdrawCase:
		b, err := decodeBody[CaseBody](env)
		if err != nil {
			return out, err
		}
		out.CaseID = b.CaseID
		return out, eng.WithdrawCase(caller, b.CaseID, now)

	case OpRecordOutcome:
		b, err := decodeBody[RecordOutcomeBody](env)
		if err != nil {
			return out, err
		}
		if b.Outcome.At.IsZero() {
			b.Outcome.At = now
		}
		return out, eng.RecordOutcome(caller, domain.NormalizeAccount(string(b.Account)), b.Outcome)

	case OpSetReferrer, OpEndorse, OpAddIdentityExemption, OpRemoveIdentityExemption:
		b, err := decodeBody[AccountBody](env)
		if err != nil {
			return out, err
		}
		acct := domain.NormalizeAccount(string(b.Account))
		switch env.Op {
		case OpSetReferrer:
			return out, eng.SetReferrer(caller, acct, now)
		case OpEndorse:
			return out, eng.Endorse(caller, acct, now)
		case OpAddIdentityExemption:
			return out, eng.AddIdentityExemption(caller, acct, now)
		default:
			return out, eng.RemoveIdentityExemption(caller, acct, now)
		}

	case OpSetIdentityLevel:
		b, err := decodeBody[SetIdentityLevelBody](env)
		if err != nil {
			return out, err
		}
		return out, eng.SetIdentityLevel(caller, domain.NormalizeAccount(string(b.Account)), b.Level, now)

	case OpSetPaused, OpSetIdentityEnforcement:
		b, err := decodeBody[FlagBody](env)
		if err != nil {
			return out, err
		}
		if env.Op == OpSetPaused {
			return out, eng.SetPaused(caller, b.On, now)
		}
		return out, eng.SetIdentityEnforcement(caller, b.On, now)

	case OpSetIdentityMinLevel:
		b, err := decodeBody[LevelBody](env)
		if err != nil {
			return out, err
		}
		return out, eng.SetIdentityMinLevel(caller, b.Level, now)

	case OpSetCreditParams:
		b, err := decodeBody[CreditParamsBody](env)
		if err != nil {
			return out, err
		}
		return out, eng.SetCreditParams(caller, b.Params, now)

	case OpOverrideBuyerRisk, OpOverrideMakerScore:
		b, err := decodeBody[OverrideBody](env)
		if err != nil {
			return out, err
		}
		acct := domain.NormalizeAccount(string(b.Account))
		if env.Op == OpOverrideBuyerRisk {
			return out, eng.OverrideBuyerRisk(caller, acct, b.Value, b.Reason, now)
		}
		return out, eng.OverrideMakerScore(caller, acct, b.Value, b.Reason, now)
	}
	return out, fmt.Errorf("service: unknown op %q: %w", env.Op, domain.ErrInvalidArgument)
}
