// Package escrow implements the custody ledger: spendable balances per
// account, keyed escrow records, and the bounded expiry sweep.
package escrow

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/otcsettle/internal/domain"
	"github.com/alanyoungcy/otcsettle/internal/sat"
	"github.com/alanyoungcy/otcsettle/internal/state"
)

// Table names used in committed change sets.
const (
	TableRecords  = "escrow_records"
	TableBalances = "balances"
	TableMeta     = "escrow_meta"
)

const metaPaused = "paused"

// ExpiryHandler runs when a record with a custom expiry policy comes due.
// Returning an error rolls back the handler's writes and counts the item as
// failed.
type ExpiryHandler func(rec domain.EscrowRecord, now time.Time) error

// Ledger custodies funds under caller-chosen keys.
type Ledger struct {
	j        *state.Journal
	records  *state.Table[string, domain.EscrowRecord]
	balances *state.Table[domain.AccountID, uint64]
	meta     *state.Table[string, bool]
	expiries *state.Queue[string]
	handlers map[string]ExpiryHandler
	events   domain.EventSink
}

// New creates an empty ledger bound to journal j.
func New(j *state.Journal, events domain.EventSink) *Ledger {
	if events == nil {
		events = domain.DiscardEvents
	}
	return &Ledger{
		j:        j,
		records:  state.NewTable[string, domain.EscrowRecord](j, TableRecords, state.StringKeys),
		balances: state.NewTable[domain.AccountID, uint64](j, TableBalances, state.TextKeys[domain.AccountID]()),
		meta:     state.NewTable[string, bool](j, TableMeta, state.StringKeys),
		expiries: state.NewQueue[string](j),
		handlers: make(map[string]ExpiryHandler),
		events:   events,
	}
}

// RegisterHandler installs a named custom expiry handler.
func (l *Ledger) RegisterHandler(name string, h ExpiryHandler) {
	l.handlers[name] = h
}

// Deposit credits spendable balance to an account. It is the host's funding
// hook; the engine never mints on its own.
func (l *Ledger) Deposit(account domain.AccountID, amount uint64) error {
	if account == "" || amount == 0 {
		return fmt.Errorf("escrow: deposit: %w", domain.ErrInvalidArgument)
	}
	bal, _ := l.balances.Get(account)
	l.balances.Put(account, sat.Add(bal, amount))
	return nil
}

// Withdraw debits spendable balance from an account.
func (l *Ledger) Withdraw(account domain.AccountID, amount uint64) error {
	if account == "" || amount == 0 {
		return fmt.Errorf("escrow: withdraw: %w", domain.ErrInvalidArgument)
	}
	bal, _ := l.balances.Get(account)
	if bal < amount {
		return fmt.Errorf("escrow: withdraw %s: %w", account, domain.ErrInsufficientFunds)
	}
	l.putBalance(account, bal-amount)
	return nil
}

// Lock moves amount from owner's spendable balance into custody under key,
// creating the record or increasing an existing one.
func (l *Ledger) Lock(owner domain.AccountID, key string, amount uint64, now time.Time) error {
	if l.Paused() {
		return fmt.Errorf("escrow: lock %s: %w", key, domain.ErrPaused)
	}
	if owner == "" || key == "" || amount == 0 {
		return fmt.Errorf("escrow: lock %s: %w", key, domain.ErrInvalidArgument)
	}
	rec, exists := l.records.Get(key)
	if exists && rec.Owner != owner {
		return fmt.Errorf("escrow: lock %s: %w", key, domain.ErrNotOwner)
	}
	bal, _ := l.balances.Get(owner)
	if bal < amount {
		return fmt.Errorf("escrow: lock %s: need %d have %d: %w", key, amount, bal, domain.ErrInsufficientFunds)
	}
	l.putBalance(owner, bal-amount)

	if !exists {
		rec = domain.EscrowRecord{Key: key, Owner: owner, CreatedAt: now}
	}
	rec.Amount = sat.Add(rec.Amount, amount)
	rec.Locked = sat.Add(rec.Locked, amount)
	l.records.Put(key, rec)
	return nil
}

// Release moves min(amount, remaining) from key to the recipient and
// returns the amount actually moved. An unknown or empty key moves zero.
func (l *Ledger) Release(key string, to domain.AccountID, amount uint64) uint64 {
	rec, ok := l.records.Get(key)
	if !ok || to == "" {
		return 0
	}
	moved := min(amount, rec.Amount)
	if moved == 0 {
		return 0
	}
	bal, _ := l.balances.Get(to)
	l.balances.Put(to, sat.Add(bal, moved))
	rec.Amount -= moved
	l.store(rec)
	return moved
}

// Refund moves the whole remaining balance of key to the recipient.
func (l *Ledger) Refund(key string, to domain.AccountID) uint64 {
	rec, ok := l.records.Get(key)
	if !ok {
		return 0
	}
	return l.Release(key, to, rec.Amount)
}

// SetExpiry attaches an expiry policy to an existing record, replacing any
// previous one.
func (l *Ledger) SetExpiry(key string, at time.Time, policy domain.ExpiryPolicy, handler string) error {
	rec, ok := l.records.Get(key)
	if !ok {
		return fmt.Errorf("escrow: set expiry %s: %w", key, domain.ErrNotFound)
	}
	if at.IsZero() {
		return fmt.Errorf("escrow: set expiry %s: zero time: %w", key, domain.ErrInvalidArgument)
	}
	if policy == domain.ExpiryCustom {
		if _, ok := l.handlers[handler]; !ok {
			return fmt.Errorf("escrow: set expiry %s: unknown handler %q: %w", key, handler, domain.ErrInvalidArgument)
		}
	}
	l.unschedule(rec)
	rec.Expiry = domain.Expiry{At: at, Policy: policy, Handler: handler}
	l.records.Put(key, rec)
	l.expiries.Insert(state.QueueEntry[string]{At: at.UnixNano(), Key: key})
	return nil
}

// ClearExpiry removes any expiry from key. Unknown keys are ignored.
func (l *Ledger) ClearExpiry(key string) {
	rec, ok := l.records.Get(key)
	if !ok || !rec.Expiry.IsSet() {
		return
	}
	l.unschedule(rec)
	rec.Expiry = domain.Expiry{}
	l.records.Put(key, rec)
}

// SetPaused toggles the governance pause. A paused ledger rejects Lock but
// still releases and refunds.
func (l *Ledger) SetPaused(caller domain.Caller, paused bool, now time.Time) error {
	if err := caller.Require(domain.CapAdmin); err != nil {
		return fmt.Errorf("escrow: set paused: %w", err)
	}
	l.meta.Put(metaPaused, paused)
	l.events.Emit(domain.Event{
		Kind:    domain.EventGovernanceAction,
		At:      now,
		Account: caller.Account,
		Attrs:   map[string]string{"action": "escrow.set_paused", "value": fmt.Sprint(paused)},
	})
	return nil
}

// Paused reports the governance pause flag.
func (l *Ledger) Paused() bool {
	p, _ := l.meta.Get(metaPaused)
	return p
}

// Record returns the escrow record stored under key.
func (l *Ledger) Record(key string) (domain.EscrowRecord, bool) {
	return l.records.Get(key)
}

// AmountOf returns the amount held under key.
func (l *Ledger) AmountOf(key string) uint64 {
	rec, _ := l.records.Get(key)
	return rec.Amount
}

// Balance returns an account's spendable balance.
func (l *Ledger) Balance(account domain.AccountID) uint64 {
	bal, _ := l.balances.Get(account)
	return bal
}

// TotalCustodied sums every escrow record.
func (l *Ledger) TotalCustodied() uint64 {
	var total uint64
	l.records.Range(func(_ string, rec domain.EscrowRecord) bool {
		total = sat.Add(total, rec.Amount)
		return true
	})
	return total
}

// TotalBalances sums every spendable balance.
func (l *Ledger) TotalBalances() uint64 {
	var total uint64
	l.balances.Range(func(_ domain.AccountID, b uint64) bool {
		total = sat.Add(total, b)
		return true
	})
	return total
}

// PendingExpiries returns the number of scheduled expirations.
func (l *Ledger) PendingExpiries() int {
	return l.expiries.Len()
}

// Tables exposes the ledger's tables for snapshot and restore.
func (l *Ledger) Tables() []state.Loader {
	return []state.Loader{l.records, l.balances, l.meta}
}

// Rebuild reconstructs the expiry queue from the loaded records.
func (l *Ledger) Rebuild() {
	l.expiries.Reset()
	l.records.Range(func(key string, rec domain.EscrowRecord) bool {
		if rec.Expiry.IsSet() {
			l.expiries.Seed(state.QueueEntry[string]{At: rec.Expiry.At.UnixNano(), Key: key})
		}
		return true
	})
}

// store writes rec back, deleting it and its schedule once empty.
func (l *Ledger) store(rec domain.EscrowRecord) {
	if rec.Amount == 0 {
		l.unschedule(rec)
		l.records.Delete(rec.Key)
		return
	}
	l.records.Put(rec.Key, rec)
}

func (l *Ledger) unschedule(rec domain.EscrowRecord) {
	if rec.Expiry.IsSet() {
		l.expiries.Remove(state.QueueEntry[string]{At: rec.Expiry.At.UnixNano(), Key: rec.Key})
	}
}

func (l *Ledger) putBalance(account domain.AccountID, bal uint64) {
	if bal == 0 {
		l.balances.Delete(account)
		return
	}
	l.balances.Put(account, bal)
}
