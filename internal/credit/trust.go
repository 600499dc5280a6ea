package credit

import (
	"time"

	"github.com/alanyoungcy/otcsettle/internal/domain"
	"github.com/alanyoungcy/otcsettle/internal/sat"
)

// Trust signal weights, in percent.
const (
	weightAsset    = 25
	weightAge      = 20
	weightActivity = 20
	weightSocial   = 20
	weightIdentity = 15
)

// TrustSignals are the five 0..100 components of a new buyer's trust.
type TrustSignals struct {
	Asset    uint16 `json:"asset"`
	Age      uint16 `json:"age"`
	Activity uint16 `json:"activity"`
	Social   uint16 `json:"social"`
	Identity uint16 `json:"identity"`
}

// Risk converts weighted trust into a 0..1000 risk value.
func (s TrustSignals) Risk() uint16 {
	weighted := (uint32(s.Asset)*weightAsset +
		uint32(s.Age)*weightAge +
		uint32(s.Activity)*weightActivity +
		uint32(s.Social)*weightSocial +
		uint32(s.Identity)*weightIdentity) / 100
	return sat.Sub(MaxRisk, uint16(min(weighted, 100))*10)
}

// Signals evaluates the trust components of account at now.
func (g *Gate) Signals(account domain.AccountID, now time.Time) TrustSignals {
	return g.signals(g.Buyer(account), now)
}

func (g *Gate) newUserRisk(c domain.BuyerCredit, now time.Time) uint16 {
	return g.signals(c, now).Risk()
}

func (g *Gate) signals(c domain.BuyerCredit, now time.Time) TrustSignals {
	var s TrustSignals
	if g.trust != nil {
		s.Asset = assetTrust(g.trust.Balance(c.Account), g.Params().MinimumBalance)
		if level, ok := g.trust.AssuranceLevel(c.Account); ok {
			s.Identity = uint16(min(max(level, 0)*25, 100))
		}
	}
	if !c.FirstSeen.IsZero() {
		s.Age = ageTrust(now.Sub(c.FirstSeen))
	}
	s.Activity = uint16(min(sat.Mul(c.Transfers, 2), 40))
	s.Social = g.socialTrust(c)
	return s
}

func assetTrust(balance, unit uint64) uint16 {
	multiple := balance / max(unit, 1)
	switch {
	case multiple >= 10000:
		return 50
	case multiple >= 1000:
		return 30
	case multiple >= 100:
		return 15
	default:
		return 0
	}
}

func ageTrust(age time.Duration) uint16 {
	switch days := age / day; {
	case days >= 180:
		return 100
	case days >= 90:
		return 80
	case days >= 30:
		return 50
	case days >= 7:
		return 25
	default:
		return 0
	}
}

func (g *Gate) socialTrust(c domain.BuyerCredit) uint16 {
	var score uint16
	if c.Referrer != "" {
		if ref, ok := g.buyers.Get(c.Referrer); ok && ref.Initialized {
			switch {
			case ref.Risk <= 200:
				score += 40
			case ref.Risk <= 400:
				score += 25
			case ref.Risk <= 600:
				score += 10
			}
		}
	}
	var active uint16
	for _, e := range c.Endorsements {
		if e.Active {
			active++
		}
	}
	score += min(active*10, 30)
	return min(score, 100)
}
