// Package credit implements buyer and maker reputation: tiers, limits,
// cooldowns, risk scoring from settlement outcomes and maker deposit terms.
// Scores move only through outcome feedback and audited governance
// overrides.
package credit

import (
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/otcsettle/internal/domain"
	"github.com/alanyoungcy/otcsettle/internal/sat"
	"github.com/alanyoungcy/otcsettle/internal/state"
)

// Table names used in committed change sets.
const (
	TableParams   = "credit_params"
	TableBuyers   = "credit_buyers"
	TableMakers   = "credit_makers"
	TableOutcomes = "credit_outcomes"
)

const paramsKey = "params"

// TrustSource supplies the signals behind a new buyer's initial risk.
type TrustSource interface {
	Balance(account domain.AccountID) uint64
	AssuranceLevel(account domain.AccountID) (int, bool)
}

// Gate is the credit and risk gate.
type Gate struct {
	defaults Params
	params   *state.Table[string, Params]
	buyers   *state.Table[domain.AccountID, domain.BuyerCredit]
	makers   *state.Table[domain.AccountID, domain.MakerCredit]
	outcomes *state.Table[string, outcomeSet]
	trust    TrustSource
	events   domain.EventSink
}

// outcomeSet holds the "role|account" pairs already recorded for one ref.
type outcomeSet []string

func (s outcomeSet) Clone() outcomeSet {
	return append(outcomeSet(nil), s...)
}

// New creates a gate bound to journal j.
func New(j *state.Journal, defaults Params, trust TrustSource, events domain.EventSink) *Gate {
	if events == nil {
		events = domain.DiscardEvents
	}
	return &Gate{
		defaults: defaults,
		params:   state.NewTable[string, Params](j, TableParams, state.StringKeys),
		buyers:   state.NewTable[domain.AccountID, domain.BuyerCredit](j, TableBuyers, state.TextKeys[domain.AccountID]()),
		makers:   state.NewTable[domain.AccountID, domain.MakerCredit](j, TableMakers, state.TextKeys[domain.AccountID]()),
		outcomes: state.NewTable[string, outcomeSet](j, TableOutcomes, state.StringKeys),
		trust:    trust,
		events:   events,
	}
}

// Params returns the effective parameters.
func (g *Gate) Params() Params {
	if p, ok := g.params.Get(paramsKey); ok {
		return p
	}
	return g.defaults
}

// RecordOutcome applies a settlement outcome to account. It is the contract
// exposed to settlement-adjacent modules and requires the settlement
// capability. Each (ref, role, account) is applied once.
func (g *Gate) RecordOutcome(caller domain.Caller, account domain.AccountID, o domain.Outcome) error {
	if err := caller.Require(domain.CapSettlement); err != nil {
		return fmt.Errorf("credit: record outcome: %w", err)
	}
	return g.Apply(account, o)
}

// Apply is RecordOutcome for the in-engine order manager, which already holds
// the settlement relationship.
func (g *Gate) Apply(account domain.AccountID, o domain.Outcome) error {
	if account == "" || o.Ref == "" || o.At.IsZero() {
		return fmt.Errorf("credit: outcome %q: %w", o.Ref, domain.ErrInvalidArgument)
	}
	entry := string(o.Role) + "|" + string(account)
	set, _ := g.outcomes.Get(o.Ref)
	for _, e := range set {
		if e == entry {
			return fmt.Errorf("credit: outcome %q %s: %w", o.Ref, entry, domain.ErrAlreadyResolved)
		}
	}

	switch o.Role {
	case domain.RoleBuyer:
		if err := g.applyBuyer(account, o); err != nil {
			return err
		}
	case domain.RoleMaker:
		if err := g.applyMaker(account, o); err != nil {
			return err
		}
	default:
		return fmt.Errorf("credit: outcome %q role %q: %w", o.Ref, o.Role, domain.ErrInvalidArgument)
	}
	g.outcomes.Put(o.Ref, append(set, entry))
	return nil
}

// ForgetOutcomes drops the exactly-once ledger of ref once its trade is
// archived and can no longer produce outcomes.
func (g *Gate) ForgetOutcomes(ref string) {
	g.outcomes.Delete(ref)
}

// SetParams replaces the tunable constants.
func (g *Gate) SetParams(caller domain.Caller, p Params, now time.Time) error {
	if err := caller.Require(domain.CapAdmin); err != nil {
		return fmt.Errorf("credit: set params: %w", err)
	}
	if p.MaxOrderRisk > MaxRisk || p.EndorseMaxRisk > MaxRisk || p.MakerInitialScore > MaxScore || p.MinimumBalance == 0 {
		return fmt.Errorf("credit: set params: %w", domain.ErrInvalidArgument)
	}
	g.params.Put(paramsKey, p)
	g.governance(caller, now, "credit.set_params", "", "")
	return nil
}

// OverrideBuyerRisk sets a buyer's risk directly. The reason is carried on
// the audit event.
func (g *Gate) OverrideBuyerRisk(caller domain.Caller, account domain.AccountID, risk uint16, reason string, now time.Time) error {
	if err := caller.Require(domain.CapAdmin); err != nil {
		return fmt.Errorf("credit: override risk: %w", err)
	}
	if risk > MaxRisk || reason == "" {
		return fmt.Errorf("credit: override risk %s: %w", account, domain.ErrInvalidArgument)
	}
	c := g.ensureBuyer(account, now)
	old := c.Risk
	c.Risk = risk
	g.buyers.Put(account, c)
	g.governance(caller, now, "credit.override_buyer_risk", account, reason,
		"old", strconv.Itoa(int(old)), "new", strconv.Itoa(int(risk)))
	return nil
}

// OverrideMakerScore sets a maker's score directly.
func (g *Gate) OverrideMakerScore(caller domain.Caller, maker domain.AccountID, score uint16, reason string, now time.Time) error {
	if err := caller.Require(domain.CapAdmin); err != nil {
		return fmt.Errorf("credit: override score: %w", err)
	}
	if score > MaxScore || reason == "" {
		return fmt.Errorf("credit: override score %s: %w", maker, domain.ErrInvalidArgument)
	}
	m := g.maker(maker)
	old := m.Score
	m.Score = score
	g.makers.Put(maker, m)
	g.governance(caller, now, "credit.override_maker_score", maker, reason,
		"old", strconv.Itoa(int(old)), "new", strconv.Itoa(int(score)))
	return nil
}

// Tables exposes the gate's tables for snapshot and restore.
func (g *Gate) Tables() []state.Loader {
	return []state.Loader{g.params, g.buyers, g.makers, g.outcomes}
}

func (g *Gate) governance(caller domain.Caller, now time.Time, action string, target domain.AccountID, reason string, kv ...string) {
	attrs := map[string]string{"action": action}
	if reason != "" {
		attrs["reason"] = reason
	}
	for i := 0; i+1 < len(kv); i += 2 {
		attrs[kv[i]] = kv[i+1]
	}
	g.events.Emit(domain.Event{
		Kind:         domain.EventGovernanceAction,
		At:           now,
		Account:      caller.Account,
		Counterparty: target,
		Attrs:        attrs,
	})
}

func (g *Gate) changed(account domain.AccountID, role domain.Role, reason string, value uint16, at time.Time) {
	g.events.Emit(domain.Event{
		Kind:    domain.EventCreditChanged,
		At:      at,
		Account: account,
		Attrs: map[string]string{
			"role":   string(role),
			"reason": reason,
			"value":  strconv.Itoa(int(value)),
		},
	})
}

func clampRisk(v uint16) uint16 {
	return sat.Clamp(v, 0, MaxRisk)
}
