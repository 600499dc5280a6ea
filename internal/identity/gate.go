// Package identity implements the minimum-assurance gate consulted before
// an order is created, plus the registry the host's identity feed writes to.
package identity

import (
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/otcsettle/internal/domain"
	"github.com/alanyoungcy/otcsettle/internal/state"
)

// Table names used in committed change sets.
const (
	TablePolicy     = "identity_policy"
	TableExemptions = "identity_exemptions"
	TableLevels     = "identity_levels"
)

const policyKey = "policy"

// Provider answers assurance-level queries for an account.
type Provider interface {
	AssuranceLevel(account domain.AccountID) (int, bool)
}

// Policy is the gate's own configuration.
type Policy struct {
	Enforced bool `json:"enforced"`
	MinLevel int  `json:"min_level"`
}

// Gate decides whether an account meets the minimum identity assurance.
type Gate struct {
	defaults   Policy
	policy     *state.Table[string, Policy]
	exemptions *state.Table[domain.AccountID, bool]
	provider   Provider
	events     domain.EventSink
}

// New creates a gate. A nil provider makes every non-exempt account
// ineligible while enforcement is on.
func New(j *state.Journal, defaults Policy, provider Provider, events domain.EventSink) *Gate {
	if events == nil {
		events = domain.DiscardEvents
	}
	return &Gate{
		defaults:   defaults,
		policy:     state.NewTable[string, Policy](j, TablePolicy, state.StringKeys),
		exemptions: state.NewTable[domain.AccountID, bool](j, TableExemptions, state.TextKeys[domain.AccountID]()),
		provider:   provider,
		events:     events,
	}
}

// Policy returns the effective policy.
func (g *Gate) Policy() Policy {
	if p, ok := g.policy.Get(policyKey); ok {
		return p
	}
	return g.defaults
}

// IsEligible reports whether account reaches minLevel or the policy minimum,
// whichever is higher. Exempt accounts always pass, as does everyone while
// enforcement is off.
func (g *Gate) IsEligible(account domain.AccountID, minLevel int) bool {
	p := g.Policy()
	if !p.Enforced || g.exemptions.Has(account) {
		return true
	}
	if g.provider == nil {
		return false
	}
	level, ok := g.provider.AssuranceLevel(account)
	return ok && level >= max(minLevel, p.MinLevel)
}

// Check is IsEligible at the policy minimum, as an error.
func (g *Gate) Check(account domain.AccountID) error {
	if !g.IsEligible(account, 0) {
		return fmt.Errorf("identity: %s: %w", account, domain.ErrIdentityNotVerified)
	}
	return nil
}

// IsExempt reports whether account bypasses the check.
func (g *Gate) IsExempt(account domain.AccountID) bool {
	return g.exemptions.Has(account)
}

// SetEnforcement turns the check on or off.
func (g *Gate) SetEnforcement(caller domain.Caller, on bool, now time.Time) error {
	if err := caller.Require(domain.CapAdmin); err != nil {
		return fmt.Errorf("identity: set enforcement: %w", err)
	}
	p := g.Policy()
	p.Enforced = on
	g.policy.Put(policyKey, p)
	g.audit(caller, now, "identity.set_enforcement", "", strconv.FormatBool(on))
	return nil
}

// SetMinLevel updates the minimum assurance level.
func (g *Gate) SetMinLevel(caller domain.Caller, level int, now time.Time) error {
	if err := caller.Require(domain.CapAdmin); err != nil {
		return fmt.Errorf("identity: set min level: %w", err)
	}
	if level < 0 {
		return fmt.Errorf("identity: set min level %d: %w", level, domain.ErrInvalidArgument)
	}
	p := g.Policy()
	p.MinLevel = level
	g.policy.Put(policyKey, p)
	g.audit(caller, now, "identity.set_min_level", "", strconv.Itoa(level))
	return nil
}

// AddExemption lets account bypass the check.
func (g *Gate) AddExemption(caller domain.Caller, account domain.AccountID, now time.Time) error {
	if err := caller.Require(domain.CapAdmin); err != nil {
		return fmt.Errorf("identity: add exemption: %w", err)
	}
	if account == "" {
		return fmt.Errorf("identity: add exemption: %w", domain.ErrInvalidArgument)
	}
	g.exemptions.Put(account, true)
	g.audit(caller, now, "identity.add_exemption", account, "")
	return nil
}

// RemoveExemption revokes a bypass.
func (g *Gate) RemoveExemption(caller domain.Caller, account domain.AccountID, now time.Time) error {
	if err := caller.Require(domain.CapAdmin); err != nil {
		return fmt.Errorf("identity: remove exemption: %w", err)
	}
	if !g.exemptions.Has(account) {
		return fmt.Errorf("identity: remove exemption %s: %w", account, domain.ErrNotFound)
	}
	g.exemptions.Delete(account)
	g.audit(caller, now, "identity.remove_exemption", account, "")
	return nil
}

// Tables exposes the gate's tables for snapshot and restore.
func (g *Gate) Tables() []state.Loader {
	return []state.Loader{g.policy, g.exemptions}
}

func (g *Gate) audit(caller domain.Caller, now time.Time, action string, target domain.AccountID, value string) {
	attrs := map[string]string{"action": action}
	if value != "" {
		attrs["value"] = value
	}
	g.events.Emit(domain.Event{
		Kind:         domain.EventGovernanceAction,
		At:           now,
		Account:      caller.Account,
		Counterparty: target,
		Attrs:        attrs,
	})
}
