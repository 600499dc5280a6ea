package domain

import (
	"fmt"
	"strings"
)

// AccountID identifies a participant. Accounts are lower-case hex addresses.
type AccountID string

// NormalizeAccount trims and lower-cases an account string.
func NormalizeAccount(s string) AccountID {
	return AccountID(strings.ToLower(strings.TrimSpace(s)))
}

// Capability is a bit set of administrative rights a caller may hold.
type Capability uint8

const (
	CapAdmin Capability = 1 << iota
	CapArbiter
	CapIdentityOracle
	CapSettlement
	CapHost
)

var capabilityNames = []struct {
	cap  Capability
	name string
}{
	{CapAdmin, "admin"},
	{CapArbiter, "arbiter"},
	{CapIdentityOracle, "identity_oracle"},
	{CapSettlement, "settlement"},
	{CapHost, "host"},
}

// String lists the capability names joined by '|'.
func (c Capability) String() string {
	var parts []string
	for _, n := range capabilityNames {
		if c&n.cap != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Caller is the capability object passed to every engine operation: who is
// acting and which administrative rights they hold.
type Caller struct {
	Account AccountID
	Caps    Capability
}

// Signed returns a plain caller with no capabilities.
func Signed(account AccountID) Caller {
	return Caller{Account: account}
}

// HostCaller is the caller used for unsolicited work driven by the host tick.
func HostCaller() Caller {
	return Caller{Account: "host", Caps: CapHost}
}

// Has reports whether the caller holds cap.
func (c Caller) Has(cap Capability) bool {
	return c.Caps&cap == cap
}

// Require returns ErrNotAuthorized unless the caller holds cap.
func (c Caller) Require(cap Capability) error {
	if !c.Has(cap) {
		return fmt.Errorf("%w: %s lacks %s", ErrNotAuthorized, c.Account, cap)
	}
	return nil
}
