package engine

import (
	"time"

	"github.com/alanyoungcy/otcsettle/internal/escrow"
)

// TickReport is the background work done by one Tick.
type TickReport struct {
	Sweep          escrow.SweepReport
	Archived       int
	ArchiveFailed  int
	ArchiveBacklog int
}

// Tick runs the bounded background work the host schedules: the escrow
// expiry sweep, which drives order deadlines, then archival of retired
// orders with whatever budget is left. Tick never fails; items that cannot
// be processed are counted in the report and skipped.
func (e *Engine) Tick(now time.Time, budget int) TickReport {
	var rep TickReport
	from := e.events.Len()

	rep.Sweep = e.ledger.SweepExpired(now, budget)
	if left := budget - rep.Sweep.Processed; left > 0 {
		ar := e.orders.ArchiveDue(now, left)
		rep.Archived = ar.Archived
		rep.ArchiveFailed = ar.Failed
	}
	rep.ArchiveBacklog = e.orders.ArchiveBacklog(now)

	e.sequence(from)
	return rep
}
