package credit

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/otcsettle/internal/domain"
	"github.com/alanyoungcy/otcsettle/internal/sat"
)

const (
	day             = 24 * time.Hour
	historyCap      = 20
	defaultHistCap  = 50
	maxEndorsements = 10
	decayPeriod     = 30 * day
	decayStep       = 50
)

func dayKey(t time.Time) int64 {
	return t.Unix() / 86400
}

// Buyer returns the stored buyer record, or a blank one.
func (g *Gate) Buyer(account domain.AccountID) domain.BuyerCredit {
	c, ok := g.buyers.Get(account)
	if !ok {
		c.Account = account
	}
	return c
}

// BuyerTier returns the buyer level derived from completed orders.
func (g *Gate) BuyerTier(account domain.AccountID) domain.BuyerLevel {
	c, _ := g.buyers.Get(account)
	return LevelFor(c.Completed)
}

// BuyerLimits returns the ceilings that apply to the buyer's next order.
// It does not mutate state: an uninitialised buyer is evaluated as if
// initialised now.
func (g *Gate) BuyerLimits(account domain.AccountID, now time.Time) domain.BuyerLimits {
	return g.limits(g.ensureBuyer(account, now))
}

// CheckOrder returns ErrLimitExceeded when the buyer may not open an order
// of amount now. It initialises new buyers and applies pending risk decay.
func (g *Gate) CheckOrder(account domain.AccountID, amount uint64, now time.Time) error {
	c := g.ensureBuyer(account, now)
	g.decay(&c, now)
	g.buyers.Put(account, c)

	p := g.Params()
	if c.Risk > p.MaxOrderRisk {
		return fmt.Errorf("credit: %s risk %d above %d: %w", account, c.Risk, p.MaxOrderRisk, domain.ErrLimitExceeded)
	}
	lim := g.limits(c)
	if amount > lim.PerTrade {
		return fmt.Errorf("credit: %s amount %d above single limit %d: %w", account, amount, lim.PerTrade, domain.ErrLimitExceeded)
	}
	if lim.Daily > 0 {
		today := c.DayVolume
		if c.DayKey != dayKey(now) {
			today = 0
		}
		if sat.Add(today, amount) > lim.Daily {
			return fmt.Errorf("credit: %s daily volume %d+%d above %d: %w", account, today, amount, lim.Daily, domain.ErrLimitExceeded)
		}
	}
	if lim.Cooldown > 0 && !c.LastPurchase.IsZero() && now.Before(c.LastPurchase.Add(lim.Cooldown)) {
		return fmt.Errorf("credit: %s in new-user cooldown until %s: %w", account, c.LastPurchase.Add(lim.Cooldown).Format(time.RFC3339), domain.ErrLimitExceeded)
	}
	if c.Defaults > 0 {
		wait := defaultCooldown(countSince(c.DefaultHistory, now.Add(-30*day)))
		if until := c.LastDefault().Add(wait); wait > 0 && now.Before(until) {
			return fmt.Errorf("credit: %s in default cooldown until %s: %w", account, until.Format(time.RFC3339), domain.ErrLimitExceeded)
		}
	}
	return nil
}

// Admit is CheckOrder followed by reserving amount against the buyer's
// daily volume and starting the new-user cooldown.
func (g *Gate) Admit(account domain.AccountID, amount uint64, now time.Time) error {
	if err := g.CheckOrder(account, amount, now); err != nil {
		return err
	}
	c, _ := g.buyers.Get(account)
	if k := dayKey(now); c.DayKey != k {
		c.DayKey = k
		c.DayVolume = 0
	}
	c.DayVolume = sat.Add(c.DayVolume, amount)
	c.LastPurchase = now
	c.LastActivity = now
	g.buyers.Put(account, c)
	return nil
}

// MaxConcurrent returns how many open orders the buyer may hold.
func (g *Gate) MaxConcurrent(account domain.AccountID) int {
	c, _ := g.buyers.Get(account)
	return MaxConcurrentOrders(c.Completed)
}

// RecordTransfer counts a funding movement towards activity trust.
func (g *Gate) RecordTransfer(account domain.AccountID, now time.Time) {
	c := g.Buyer(account)
	if c.FirstSeen.IsZero() {
		c.FirstSeen = now
	}
	c.Transfers = sat.Inc(c.Transfers)
	g.buyers.Put(account, c)
}

// SetReferrer records who invited invitee. It can be set once.
func (g *Gate) SetReferrer(invitee, referrer domain.AccountID, now time.Time) error {
	if invitee == "" || referrer == "" || invitee == referrer {
		return fmt.Errorf("credit: set referrer: %w", domain.ErrInvalidArgument)
	}
	c := g.Buyer(invitee)
	if c.Referrer != "" {
		return fmt.Errorf("credit: set referrer %s: %w", invitee, domain.ErrAlreadyExists)
	}
	c.Referrer = referrer
	if c.FirstSeen.IsZero() {
		c.FirstSeen = now
	}
	g.buyers.Put(invitee, c)
	return nil
}

// Endorse records endorser vouching for endorsee. The endorser shares the
// endorsee's default penalties while the endorsement is active.
func (g *Gate) Endorse(endorser, endorsee domain.AccountID, now time.Time) error {
	if endorser == "" || endorsee == "" || endorser == endorsee {
		return fmt.Errorf("credit: endorse: %w", domain.ErrInvalidArgument)
	}
	e := g.ensureBuyer(endorser, now)
	g.buyers.Put(endorser, e)
	if limit := g.Params().EndorseMaxRisk; e.Risk > limit {
		return fmt.Errorf("credit: endorse: %s risk %d above %d: %w", endorser, e.Risk, limit, domain.ErrNotAuthorized)
	}
	c := g.Buyer(endorsee)
	for _, en := range c.Endorsements {
		if en.Endorser == endorser {
			return fmt.Errorf("credit: endorse %s by %s: %w", endorsee, endorser, domain.ErrAlreadyExists)
		}
	}
	if len(c.Endorsements) >= maxEndorsements {
		return fmt.Errorf("credit: endorse %s: %w", endorsee, domain.ErrLimitExceeded)
	}
	c.Endorsements = append(c.Endorsements, domain.Endorsement{Endorser: endorser, At: now, Active: true})
	g.buyers.Put(endorsee, c)
	return nil
}

// ensureBuyer returns the buyer record, computing the initial risk and
// provisional tier on first use. The caller persists it.
func (g *Gate) ensureBuyer(account domain.AccountID, now time.Time) domain.BuyerCredit {
	c := g.Buyer(account)
	if c.Initialized {
		return c
	}
	if c.FirstSeen.IsZero() {
		c.FirstSeen = now
	}
	risk := g.newUserRisk(c, now)
	c.Initialized = true
	c.Risk = risk
	c.InitialRisk = risk
	c.Tier = TierFor(risk)
	c.LastActivity = now
	return c
}

func (g *Gate) limits(c domain.BuyerCredit) domain.BuyerLimits {
	per, daily := BaseLimits(LevelFor(c.Completed))
	lim := domain.BuyerLimits{PerTrade: per, Daily: daily}
	if c.Completed < g.Params().OverlayOrders && c.Tier != domain.TierNone {
		lim = TierLimits(c.Tier)
	}
	if c.Completed == 0 {
		lim.PerTrade = max(lim.PerTrade/10, 10)
	}
	return lim
}

// decay lowers risk by 50 per full 30 days since the last default, never
// below the initial risk. Cycles already applied are remembered.
func (g *Gate) decay(c *domain.BuyerCredit, now time.Time) {
	last := c.LastDefault()
	if c.Defaults == 0 || last.IsZero() || !now.After(last) {
		return
	}
	cycles := uint32(now.Sub(last) / decayPeriod)
	if cycles <= c.DecayCycles {
		return
	}
	step := sat.Mul(uint16(min(cycles-c.DecayCycles, 1000)), decayStep)
	c.DecayCycles = cycles
	if c.Risk > c.InitialRisk {
		c.Risk = max(sat.Sub(c.Risk, step), c.InitialRisk)
	}
}

func (g *Gate) applyBuyer(account domain.AccountID, o domain.Outcome) error {
	c := g.ensureBuyer(account, o.At)
	switch o.Kind {
	case domain.OutcomeCompleted:
		g.buyerSuccess(&c, o)
		g.buyers.Put(account, c)
	case domain.OutcomeDefaulted, domain.OutcomeDisputeLost:
		if o.Kind == domain.OutcomeDisputeLost {
			c.Disputes = sat.Inc(c.Disputes)
		}
		g.buyerDefault(&c, o.At)
		g.penalizeEndorsers(&c, o.At)
		g.buyers.Put(account, c)
	default:
		return fmt.Errorf("credit: outcome %q kind %q: %w", o.Ref, o.Kind, domain.ErrInvalidArgument)
	}
	g.changed(account, domain.RoleBuyer, string(o.Kind), c.Risk, o.At)
	return nil
}

func (g *Gate) buyerSuccess(c *domain.BuyerCredit, o domain.Outcome) {
	c.Completed = sat.Inc(c.Completed)
	c.Volume = sat.Add(c.Volume, o.Amount)
	c.LastActivity = o.At

	var bonus uint16 = 10
	switch {
	case o.ResponseSecs < 300:
		bonus += 10
	case o.ResponseSecs < 600:
		bonus += 5
	}
	if o.Amount > 1000 {
		bonus += 5
	}
	c.Risk = sat.Sub(c.Risk, sat.Mul(bonus, LearningWeight(c.Completed))/10)

	if c.Completed > g.Params().OverlayOrders {
		c.Tier = domain.TierNone
	}
	if len(c.History) >= historyCap {
		c.History = c.History[len(c.History)-historyCap+1:]
	}
	c.History = append(c.History, domain.OrderSample{Amount: o.Amount, PaymentSecs: o.ResponseSecs, At: o.At})

	if c.Completed%5 == 0 && c.Completed <= 20 {
		analyzeBehaviour(c)
	}
}

// analyzeBehaviour rewards fast and consistent payers over the recent
// history.
func analyzeBehaviour(c *domain.BuyerCredit) {
	if len(c.History) < 3 {
		return
	}
	var total uint64
	lo, hi := c.History[0].Amount, c.History[0].Amount
	for _, s := range c.History {
		total = sat.Add(total, s.PaymentSecs)
		lo = min(lo, s.Amount)
		hi = max(hi, s.Amount)
	}
	fast := total/uint64(len(c.History)) < 600
	consistent := hi/max(lo, 1) < 3
	switch {
	case fast && consistent:
		c.Risk = sat.Sub(c.Risk, 200)
	case fast || consistent:
		c.Risk = sat.Sub(c.Risk, 100)
	}
}

func (g *Gate) buyerDefault(c *domain.BuyerCredit, now time.Time) {
	if len(c.DefaultHistory) >= defaultHistCap {
		c.DefaultHistory = c.DefaultHistory[len(c.DefaultHistory)-defaultHistCap+1:]
	}
	c.DefaultHistory = append(c.DefaultHistory, now)
	c.DecayCycles = 0
	c.Defaults = sat.Inc(c.Defaults)
	c.LastActivity = now

	recent := countSince(c.DefaultHistory, now.Add(-7*day))
	penalty := sat.Mul(defaultPenalty(LevelFor(c.Completed)), defaultMultiplier(recent))
	c.Risk = clampRisk(sat.Add(c.Risk, penalty))
	if recent >= 3 {
		c.Risk = MaxRisk
		g.events.Emit(domain.Event{
			Kind:    domain.EventUserBanned,
			At:      now,
			Account: c.Account,
			Attrs:   map[string]string{"reason": "3 defaults within 7 days"},
		})
	}
}

// penalizeEndorsers deactivates every active endorsement of c and charges
// each endorser 50 risk.
func (g *Gate) penalizeEndorsers(c *domain.BuyerCredit, now time.Time) {
	for i, en := range c.Endorsements {
		if !en.Active {
			continue
		}
		c.Endorsements[i].Active = false
		if en.Endorser == c.Account {
			continue
		}
		e := g.ensureBuyer(en.Endorser, now)
		e.Risk = clampRisk(sat.Add(e.Risk, 50))
		g.buyers.Put(en.Endorser, e)
		g.changed(en.Endorser, domain.RoleBuyer, "endorsee_default", e.Risk, now)
	}
}

func countSince(ts []time.Time, cutoff time.Time) int {
	n := 0
	for _, t := range ts {
		if !t.Before(cutoff) {
			n++
		}
	}
	return n
}

// BuyerReputation builds the read-only dashboard view.
func (g *Gate) BuyerReputation(account domain.AccountID, now time.Time) domain.BuyerReputation {
	c := g.ensureBuyer(account, now)
	return domain.BuyerReputation{
		Account:   account,
		Level:     LevelFor(c.Completed).String(),
		Tier:      c.Tier.String(),
		Risk:      c.Risk,
		Completed: c.Completed,
		Defaults:  c.Defaults,
		Limits:    g.limits(c),
		UpdatedAt: now,
	}
}
