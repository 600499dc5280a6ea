package escrow

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/otcsettle/internal/domain"
	"github.com/alanyoungcy/otcsettle/internal/sat"
	"github.com/alanyoungcy/otcsettle/internal/state"
)

// SweepFailure describes one expiry that could not be applied.
type SweepFailure struct {
	Key   string
	Error string
}

// SweepReport is the work done by one SweepExpired call.
type SweepReport struct {
	Processed int
	Refunded  uint64
	Failed    []SweepFailure
	Remaining int
}

// SweepExpired applies the expiry policy of up to maxItems records due at or
// before now, in (expiry, key) order. Every processed entry leaves the queue,
// including failed ones, so the next call resumes at the next item. A failing
// item is rolled back, counted and skipped.
func (l *Ledger) SweepExpired(now time.Time, maxItems int) SweepReport {
	var rep SweepReport
	if maxItems <= 0 {
		rep.Remaining = len(l.expiries.Due(now.UnixNano(), l.expiries.Len()))
		return rep
	}
	for _, entry := range l.expiries.Due(now.UnixNano(), maxItems) {
		mark := l.j.Mark()
		refunded, err := l.expire(entry, now)
		if err != nil {
			l.j.RollbackTo(mark)
			l.drop(entry)
			rep.Failed = append(rep.Failed, SweepFailure{Key: entry.Key, Error: err.Error()})
		} else {
			rep.Refunded = sat.Add(rep.Refunded, refunded)
		}
		rep.Processed++
	}
	rep.Remaining = len(l.expiries.Due(now.UnixNano(), l.expiries.Len()))
	return rep
}

func (l *Ledger) expire(entry state.QueueEntry[string], now time.Time) (uint64, error) {
	rec, ok := l.records.Get(entry.Key)
	if !ok {
		l.expiries.Remove(entry)
		return 0, nil
	}
	expiry := rec.Expiry
	l.ClearExpiry(entry.Key)
	l.expiries.Remove(entry)

	switch expiry.Policy {
	case domain.ExpiryNoop:
		return 0, nil
	case domain.ExpiryAutoRefund:
		return l.Refund(rec.Key, rec.Owner), nil
	case domain.ExpiryCustom:
		h, ok := l.handlers[expiry.Handler]
		if !ok {
			return 0, fmt.Errorf("escrow: expire %s: unknown handler %q", rec.Key, expiry.Handler)
		}
		rec.Expiry = domain.Expiry{}
		if err := h(rec, now); err != nil {
			return 0, fmt.Errorf("escrow: expire %s: %w", rec.Key, err)
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("escrow: expire %s: unknown policy %d", rec.Key, expiry.Policy)
	}
}

// drop removes a failed entry and its record's schedule after a rollback.
func (l *Ledger) drop(entry state.QueueEntry[string]) {
	l.expiries.Remove(entry)
	rec, ok := l.records.Get(entry.Key)
	if ok && rec.Expiry.IsSet() && rec.Expiry.At.UnixNano() == entry.At {
		rec.Expiry = domain.Expiry{}
		l.records.Put(rec.Key, rec)
	}
}
