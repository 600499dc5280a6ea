// Package notify alerts operators about settlement events that need a
// human: disputes, case outcomes, bans and governance actions. Messages go
// to every registered sender (Telegram, Discord) and are filtered by event
// kind so operators receive only the alerts they care about.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sony/gobreaker"

	"github.com/alanyoungcy/otcsettle/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches notifications to one or more Senders. It maintains a set
// of allowed event kinds; Notify only forwards messages whose kind is in the
// allowed set, while NotifyAll bypasses the filter.
type Notifier struct {
	senders []Sender
	events  map[string]bool // allowed event kinds
	logger  *slog.Logger
}

// NewNotifier creates a Notifier that will deliver to the given senders. Each
// sender is wrapped in its own circuit breaker so a dead webhook stops
// costing a timeout per event. If events is empty, all kinds are allowed.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	logger = logger.With(slog.String("component", "notifier"))

	wrapped := make([]Sender, len(senders))
	for i, s := range senders {
		wrapped[i] = withBreaker(s, logger)
	}
	return &Notifier{
		senders: wrapped,
		events:  allowed,
		logger:  logger,
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify sends a notification to all senders only if the event kind is in the
// allowed list.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", event),
		)
		return nil
	}

	return n.dispatch(ctx, title, message)
}

// NotifyEvent formats a committed engine event and sends it through Notify.
func (n *Notifier) NotifyEvent(ctx context.Context, ev domain.Event) error {
	if !n.Enabled() {
		return nil
	}
	title, message := FormatEvent(ev)
	return n.Notify(ctx, string(ev.Kind), title, message)
}

// NotifyAll sends a notification to all senders regardless of event kind.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// dispatch sends to every sender. A single sender failure does not prevent
// delivery to the remaining senders; failures are combined in the result.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.WarnContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		} else {
			n.logger.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("title", title),
			)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// FormatEvent renders an event as a title and a plain-text body.
func FormatEvent(ev domain.Event) (string, string) {
	var title string
	switch {
	case ev.OrderID != 0:
		title = fmt.Sprintf("%s order #%d", ev.Kind, ev.OrderID)
	case ev.CaseID != 0:
		title = fmt.Sprintf("%s case #%d", ev.Kind, ev.CaseID)
	default:
		title = string(ev.Kind)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "seq %d at %s", ev.Seq, ev.At.UTC().Format(time.RFC3339))
	if ev.CaseID != 0 && ev.OrderID != 0 {
		fmt.Fprintf(&b, "\ncase: #%d", ev.CaseID)
	}
	if ev.Account != "" {
		fmt.Fprintf(&b, "\naccount: %s", ev.Account)
	}
	if ev.Counterparty != "" {
		fmt.Fprintf(&b, "\ncounterparty: %s", ev.Counterparty)
	}
	if ev.Amount != 0 {
		fmt.Fprintf(&b, "\namount: %d", ev.Amount)
	}
	keys := make([]string, 0, len(ev.Attrs))
	for k := range ev.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, ev.Attrs[k])
	}
	return title, b.String()
}

// breakerSender trips after consecutive failures and rejects sends until the
// breaker half-opens again.
type breakerSender struct {
	Sender
	cb *gobreaker.CircuitBreaker
}

func withBreaker(s Sender, logger *slog.Logger) Sender {
	return &breakerSender{
		Sender: s,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        s.Name(),
			MaxRequests: 1,
			Timeout:     time.Minute,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("notifier breaker state changed",
					slog.String("sender", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()),
				)
			},
		}),
	}
}

func (b *breakerSender) Send(ctx context.Context, title, message string) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.Sender.Send(ctx, title, message)
	})
	return err
}
