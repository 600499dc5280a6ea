package credit

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/otcsettle/internal/domain"
	"github.com/alanyoungcy/otcsettle/internal/sat"
)

// Maker returns the maker record, or a fresh one at the initial score.
func (g *Gate) Maker(maker domain.AccountID) domain.MakerCredit {
	return g.maker(maker)
}

// MakerStatus returns the maker's service status.
func (g *Gate) MakerStatus(maker domain.AccountID) domain.MakerStatus {
	return MakerStatusFor(g.maker(maker).Score)
}

// MakerLevel returns the maker's level.
func (g *Gate) MakerLevel(maker domain.AccountID) domain.MakerLevel {
	return MakerLevelFor(g.maker(maker).Score)
}

// DepositDiscount returns 100 minus the maker's collateral multiplier.
// Negative values are a surcharge.
func (g *Gate) DepositDiscount(maker domain.AccountID) int {
	return 100 - DepositMultiplier(g.maker(maker).Score)
}

// RequiredDeposit scales base by the maker's collateral multiplier.
func (g *Gate) RequiredDeposit(maker domain.AccountID, base uint64) uint64 {
	mult := uint64(DepositMultiplier(g.maker(maker).Score))
	return sat.Mul(base, mult) / 100
}

// RateMaker applies a 1..5 star rating to a maker's score.
func (g *Gate) RateMaker(maker domain.AccountID, stars uint8, now time.Time) error {
	if stars < 1 || stars > 5 {
		return fmt.Errorf("credit: rate %s: %d stars: %w", maker, stars, domain.ErrInvalidArgument)
	}
	m := g.maker(maker)
	m.RatingSum = sat.Add(m.RatingSum, uint32(stars))
	m.RatingCount = sat.Inc(m.RatingCount)
	m.Score = sat.AddSigned(m.Score, ratingDelta(stars), 0, MaxScore)
	g.makers.Put(maker, m)
	g.changed(maker, domain.RoleMaker, "rating", m.Score, now)
	return nil
}

// NoteCancelled counts a cancelled order against the maker's statistics.
// It has no effect on score, level or status.
func (g *Gate) NoteCancelled(maker domain.AccountID) {
	m := g.maker(maker)
	m.Cancelled = sat.Inc(m.Cancelled)
	g.makers.Put(maker, m)
}

// MakerReputation builds the read-only dashboard view.
func (g *Gate) MakerReputation(maker domain.AccountID, now time.Time) domain.MakerReputation {
	m := g.maker(maker)
	return domain.MakerReputation{
		Account:         maker,
		Score:           m.Score,
		Level:           MakerLevelFor(m.Score).String(),
		Status:          MakerStatusFor(m.Score).String(),
		DepositDiscount: 100 - DepositMultiplier(m.Score),
		UpdatedAt:       now,
	}
}

func (g *Gate) maker(maker domain.AccountID) domain.MakerCredit {
	if m, ok := g.makers.Get(maker); ok {
		return m
	}
	return domain.MakerCredit{Account: maker, Score: g.Params().MakerInitialScore}
}

func (g *Gate) applyMaker(maker domain.AccountID, o domain.Outcome) error {
	m := g.maker(maker)
	p := g.Params()
	switch o.Kind {
	case domain.OutcomeCompleted:
		m.Total = sat.Inc(m.Total)
		m.Completed = sat.Inc(m.Completed)
		bonus := p.MakerCompleteBonus
		if o.ResponseSecs < 86400 {
			m.TimelyReleases = sat.Inc(m.TimelyReleases)
			bonus = sat.Inc(bonus)
		}
		m.Score = min(sat.Add(m.Score, bonus), MaxScore)
		n := uint64(m.Completed)
		m.AvgResponseSecs = (sat.Add(sat.Mul(m.AvgResponseSecs, n-1), o.ResponseSecs)) / n
		touchActiveDays(&m, o.At)
	case domain.OutcomeDefaulted:
		m.Total = sat.Inc(m.Total)
		m.Timeouts = sat.Inc(m.Timeouts)
		m.Defaults = sat.Inc(m.Defaults)
		m.LastDefault = o.At
		m.Score = sat.Sub(m.Score, p.MakerTimeoutCost)
		touchActiveDays(&m, o.At)
	case domain.OutcomeDisputeLost:
		m.DisputeLosses = sat.Inc(m.DisputeLosses)
		m.Defaults = sat.Inc(m.Defaults)
		m.LastDefault = o.At
		m.Score = sat.Sub(m.Score, p.MakerDisputeCost)
	default:
		return fmt.Errorf("credit: outcome %q kind %q: %w", o.Ref, o.Kind, domain.ErrInvalidArgument)
	}
	g.makers.Put(maker, m)
	g.changed(maker, domain.RoleMaker, string(o.Kind), m.Score, o.At)
	return nil
}

// touchActiveDays extends the run of consecutive trading days.
func touchActiveDays(m *domain.MakerCredit, at time.Time) {
	today := dayKey(at)
	switch last := dayKey(m.LastOrder); {
	case m.LastOrder.IsZero():
		m.ConsecutiveDays = 1
	case last == today:
	case last == today-1:
		m.ConsecutiveDays = sat.Inc(m.ConsecutiveDays)
	default:
		m.ConsecutiveDays = 1
	}
	m.LastOrder = at
}
