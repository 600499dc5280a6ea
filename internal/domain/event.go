package domain

import (
	"strconv"
	"time"
)

// EventKind names an engine event.
type EventKind string

const (
	EventOrderCreated     EventKind = "OrderCreated"
	EventOrderAccepted    EventKind = "OrderAccepted"
	EventPaymentAttested  EventKind = "PaymentAttested"
	EventPaymentRevealed  EventKind = "PaymentRevealed"
	EventOrderReleased    EventKind = "OrderReleased"
	EventOrderRefunded    EventKind = "OrderRefunded"
	EventOrderDisputed    EventKind = "OrderDisputed"
	EventOrderCancelled   EventKind = "OrderCancelled"
	EventOrderExpired     EventKind = "OrderExpired"
	EventOrderArchived    EventKind = "OrderArchived"
	EventCaseOpened       EventKind = "CaseOpened"
	EventCaseResolved     EventKind = "CaseResolved"
	EventCaseWithdrawn    EventKind = "CaseWithdrawn"
	EventCreditChanged    EventKind = "CreditChanged"
	EventUserBanned       EventKind = "UserBanned"
	EventGovernanceAction EventKind = "GovernanceAction"
)

// Event is emitted by a committed engine transaction. Seq is assigned by
// the engine and is strictly increasing.
type Event struct {
	Seq          uint64            `json:"seq"`
	Kind         EventKind         `json:"kind"`
	At           time.Time         `json:"at"`
	OrderID      OrderID           `json:"order_id,omitempty"`
	CaseID       CaseID            `json:"case_id,omitempty"`
	Account      AccountID         `json:"account,omitempty"`
	Counterparty AccountID         `json:"counterparty,omitempty"`
	Amount       uint64            `json:"amount,omitempty"`
	Attrs        map[string]string `json:"attrs,omitempty"`
}

// With returns a copy of e with one more attribute set.
func (e Event) With(key, value string) Event {
	attrs := make(map[string]string, len(e.Attrs)+1)
	for k, v := range e.Attrs {
		attrs[k] = v
	}
	attrs[key] = value
	e.Attrs = attrs
	return e
}

// WithInt is With for integer attributes.
func (e Event) WithInt(key string, value int64) Event {
	return e.With(key, strconv.FormatInt(value, 10))
}

// EventSink receives events from the component that produced them.
type EventSink interface {
	Emit(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

// Emit calls f(e).
func (f EventSinkFunc) Emit(e Event) { f(e) }

// DiscardEvents drops everything.
var DiscardEvents EventSink = EventSinkFunc(func(Event) {})
