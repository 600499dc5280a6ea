package identity

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/otcsettle/internal/domain"
	"github.com/alanyoungcy/otcsettle/internal/state"
)

// Registry is the built-in Provider: verified levels written by the host's
// identity feed.
type Registry struct {
	levels *state.Table[domain.AccountID, int]
}

var _ Provider = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry(j *state.Journal) *Registry {
	return &Registry{
		levels: state.NewTable[domain.AccountID, int](j, TableLevels, state.TextKeys[domain.AccountID]()),
	}
}

// AssuranceLevel implements Provider.
func (r *Registry) AssuranceLevel(account domain.AccountID) (int, bool) {
	return r.levels.Get(account)
}

// SetLevel records a verified level. A level of zero or less clears it.
func (r *Registry) SetLevel(caller domain.Caller, account domain.AccountID, level int, _ time.Time) error {
	if err := caller.Require(domain.CapIdentityOracle); err != nil {
		return fmt.Errorf("identity: set level: %w", err)
	}
	if account == "" {
		return fmt.Errorf("identity: set level: %w", domain.ErrInvalidArgument)
	}
	if level <= 0 {
		r.levels.Delete(account)
		return nil
	}
	r.levels.Put(account, level)
	return nil
}

// Tables exposes the registry table for snapshot and restore.
func (r *Registry) Tables() []state.Loader {
	return []state.Loader{r.levels}
}
