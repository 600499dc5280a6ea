// Package engine composes the settlement components behind one journal.
// Every operation is a transaction: it either applies completely, with its
// events sequenced, or leaves no trace. The caller drains the pending
// change set with Pending and then calls Commit or Discard.
package engine

import (
	"fmt"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/alanyoungcy/otcsettle/internal/arbitration"
	"github.com/alanyoungcy/otcsettle/internal/credit"
	"github.com/alanyoungcy/otcsettle/internal/domain"
	"github.com/alanyoungcy/otcsettle/internal/escrow"
	"github.com/alanyoungcy/otcsettle/internal/identity"
	"github.com/alanyoungcy/otcsettle/internal/order"
	"github.com/alanyoungcy/otcsettle/internal/state"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TableMeta holds engine bookkeeping such as the event sequence.
const TableMeta = "engine_meta"

const metaSeq = "event_seq"

// Config collects the component configuration.
type Config struct {
	Identity identity.Policy
	Credit   credit.Params
	Order    order.Config
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Identity: identity.Policy{Enforced: true, MinLevel: 1},
		Credit:   credit.DefaultParams(),
		Order:    order.DefaultConfig(),
	}
}

// Result is the uncommitted outcome of every transaction since the last
// Commit or Discard.
type Result struct {
	Changes  []domain.EntityChange
	Orders   []domain.Order
	Events   []domain.Event
	Archived []domain.ArchivedRecord
}

// Empty reports whether there is nothing to persist.
func (r Result) Empty() bool {
	return len(r.Changes) == 0 && len(r.Events) == 0 && len(r.Archived) == 0
}

// Engine is the deterministic settlement core. It is not safe for
// concurrent use.
type Engine struct {
	j        *state.Journal
	meta     *state.Table[string, uint64]
	ledger   *escrow.Ledger
	registry *identity.Registry
	identity *identity.Gate
	credit   *credit.Gate
	orders   *order.Manager
	cases    *arbitration.Authority

	events   *state.Log[domain.Event]
	archived *state.Log[domain.ArchivedRecord]
}

// trustSource feeds account balance and identity level into new-user risk.
type trustSource struct {
	ledger   *escrow.Ledger
	registry *identity.Registry
}

func (t trustSource) Balance(a domain.AccountID) uint64 { return t.ledger.Balance(a) }

func (t trustSource) AssuranceLevel(a domain.AccountID) (int, bool) {
	return t.registry.AssuranceLevel(a)
}

// New builds an empty engine.
func New(cfg Config) *Engine {
	e := &Engine{j: state.NewJournal()}
	sink := domain.EventSinkFunc(e.emit)

	e.meta = state.NewTable[string, uint64](e.j, TableMeta, state.StringKeys)
	e.events = state.NewLog[domain.Event](e.j)
	e.archived = state.NewLog[domain.ArchivedRecord](e.j)
	e.ledger = escrow.New(e.j, sink)
	e.registry = identity.NewRegistry(e.j)
	e.identity = identity.New(e.j, cfg.Identity, e.registry, sink)
	e.credit = credit.New(e.j, cfg.Credit, trustSource{e.ledger, e.registry}, sink)
	e.orders = order.New(e.j, cfg.Order, e.ledger, e.identity, e.credit, sink)
	e.cases = arbitration.New(e.j, e.ledger, e.orders, sink)
	e.orders.OnArchive(e.archiveOrder)
	return e
}

func (e *Engine) emit(ev domain.Event) {
	e.events.Append(ev)
}

// run executes fn as one transaction. On error every mutation, event and
// staged record produced by fn is rolled back.
func (e *Engine) run(fn func() error) error {
	mark := e.j.Mark()
	from := e.events.Len()
	if err := fn(); err != nil {
		e.j.RollbackTo(mark)
		return err
	}
	e.sequence(from)
	return nil
}

// sequence assigns strictly increasing sequence numbers to the events
// appended from index from onwards.
func (e *Engine) sequence(from int) {
	if from >= e.events.Len() {
		return
	}
	seq, _ := e.meta.Get(metaSeq)
	e.events.Update(from, func(ev *domain.Event) {
		seq++
		ev.Seq = seq
	})
	e.meta.Put(metaSeq, seq)
}

// Pending returns the change set of every transaction since the last
// Commit or Discard, without clearing it.
func (e *Engine) Pending() (Result, error) {
	var r Result
	for _, c := range e.j.Changes() {
		ch := domain.EntityChange{Table: c.Table, Key: c.Key, Deleted: c.Deleted}
		if !c.Deleted {
			raw, err := json.Marshal(c.Value)
			if err != nil {
				return Result{}, fmt.Errorf("engine: encode %s/%s: %w", c.Table, c.Key, err)
			}
			ch.Value = raw
			if o, ok := c.Value.(domain.Order); ok {
				r.Orders = append(r.Orders, o)
			}
		}
		r.Changes = append(r.Changes, ch)
	}
	r.Events = e.events.Items()
	r.Archived = e.archived.Items()
	return r, nil
}

// Commit makes the pending change set permanent.
func (e *Engine) Commit() {
	e.j.Commit()
	e.events.Reset()
	e.archived.Reset()
}

// Discard rolls back everything since the last Commit.
func (e *Engine) Discard() {
	e.j.Discard()
	e.events.Reset()
	e.archived.Reset()
}

// LastSeq returns the sequence number of the newest event.
func (e *Engine) LastSeq() uint64 {
	seq, _ := e.meta.Get(metaSeq)
	return seq
}

// archiveOrder stages an archived order and its closed cases for export.
func (e *Engine) archiveOrder(o domain.Order, at time.Time) error {
	cases, err := e.cases.ArchiveOrderCases(o.ID)
	if err != nil {
		return err
	}
	if err := e.stage("order", strconv.FormatUint(uint64(o.ID), 10), o, at); err != nil {
		return err
	}
	for _, c := range cases {
		if err := e.stage("case", strconv.FormatUint(uint64(c.ID), 10), c, at); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) stage(kind, key string, v any, at time.Time) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("engine: archive %s %s: %w", kind, key, err)
	}
	e.archived.Append(domain.ArchivedRecord{Kind: kind, Key: key, Payload: raw, ArchivedAt: at})
	return nil
}

func (e *Engine) tables() []state.Loader {
	ls := []state.Loader{e.meta}
	ls = append(ls, e.ledger.Tables()...)
	ls = append(ls, e.registry.Tables()...)
	ls = append(ls, e.identity.Tables()...)
	ls = append(ls, e.credit.Tables()...)
	ls = append(ls, e.orders.Tables()...)
	ls = append(ls, e.cases.Tables()...)
	return ls
}
