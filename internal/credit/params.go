package credit

import (
	"time"

	"github.com/alanyoungcy/otcsettle/internal/domain"
)

// Risk and score bands.
const (
	MaxRisk  uint16 = 1000
	MaxScore uint16 = 1000
)

// Params are the governance-tunable constants of the gate.
type Params struct {
	// MaxOrderRisk rejects orders from buyers whose risk exceeds it.
	MaxOrderRisk uint16 `json:"max_order_risk"`
	// OverlayOrders is how many completions keep the new-user overlay.
	OverlayOrders uint32 `json:"overlay_orders"`
	// EndorseMaxRisk is the highest risk an endorser may carry.
	EndorseMaxRisk uint16 `json:"endorse_max_risk"`
	// MinimumBalance is the unit the asset-trust multiple is measured in.
	MinimumBalance uint64 `json:"minimum_balance"`

	MakerInitialScore  uint16 `json:"maker_initial_score"`
	MakerCompleteBonus uint16 `json:"maker_complete_bonus"`
	MakerTimeoutCost   uint16 `json:"maker_timeout_cost"`
	MakerDisputeCost   uint16 `json:"maker_dispute_cost"`
}

// DefaultParams returns the stock constants.
func DefaultParams() Params {
	return Params{
		MaxOrderRisk:       800,
		OverlayOrders:      20,
		EndorseMaxRisk:     300,
		MinimumBalance:     1,
		MakerInitialScore:  820,
		MakerCompleteBonus: 2,
		MakerTimeoutCost:   10,
		MakerDisputeCost:   20,
	}
}

// LevelFor maps a completed-order count to a buyer level.
func LevelFor(completed uint32) domain.BuyerLevel {
	switch {
	case completed <= 5:
		return domain.BuyerNewbie
	case completed <= 20:
		return domain.BuyerBronze
	case completed <= 50:
		return domain.BuyerSilver
	case completed <= 100:
		return domain.BuyerGold
	default:
		return domain.BuyerDiamond
	}
}

// BaseLimits returns the per-trade and daily ceilings of a level.
func BaseLimits(l domain.BuyerLevel) (perTrade, daily uint64) {
	switch l {
	case domain.BuyerNewbie:
		return 100, 500
	case domain.BuyerBronze:
		return 500, 2000
	case domain.BuyerSilver:
		return 2000, 10000
	case domain.BuyerGold:
		return 10000, 50000
	default:
		return 50000, 0
	}
}

// TierLimits returns the overlay ceilings and cooldown of a new-user tier.
func TierLimits(t domain.NewUserTier) domain.BuyerLimits {
	switch t {
	case domain.TierPremium:
		return domain.BuyerLimits{PerTrade: 5000, Daily: 20000}
	case domain.TierStandard:
		return domain.BuyerLimits{PerTrade: 1000, Daily: 5000, Cooldown: 12 * time.Hour}
	case domain.TierBasic:
		return domain.BuyerLimits{PerTrade: 500, Daily: 2000, Cooldown: 24 * time.Hour}
	default:
		return domain.BuyerLimits{PerTrade: 100, Daily: 500, Cooldown: 48 * time.Hour}
	}
}

// TierFor maps a new-user risk score to a provisional tier.
func TierFor(risk uint16) domain.NewUserTier {
	switch {
	case risk <= 400:
		return domain.TierPremium
	case risk <= 600:
		return domain.TierStandard
	case risk <= 800:
		return domain.TierBasic
	default:
		return domain.TierRestricted
	}
}

// LearningWeight is the score multiplier, in tenths, applied to the n-th
// completed order: early orders move the score faster.
func LearningWeight(n uint32) uint16 {
	switch {
	case n <= 3:
		return 50
	case n <= 5:
		return 30
	case n <= 10:
		return 20
	case n <= 20:
		return 15
	default:
		return 10
	}
}

// defaultPenalty is the base risk penalty of a default at level l.
func defaultPenalty(l domain.BuyerLevel) uint16 {
	switch l {
	case domain.BuyerNewbie:
		return 50
	case domain.BuyerBronze:
		return 30
	case domain.BuyerSilver:
		return 20
	case domain.BuyerGold:
		return 10
	default:
		return 5
	}
}

// defaultMultiplier escalates penalties for repeated defaults within a week.
func defaultMultiplier(recent int) uint16 {
	switch recent {
	case 0, 1:
		return 1
	case 2:
		return 2
	case 3:
		return 4
	case 4:
		return 8
	default:
		return 16
	}
}

// defaultCooldown is the wait after the latest default, by defaults in the
// last 30 days.
func defaultCooldown(recent int) time.Duration {
	days := [...]int{0, 1, 3, 7, 14, 30}
	return time.Duration(days[min(recent, len(days)-1)]) * 24 * time.Hour
}

// MaxConcurrentOrders bounds a buyer's open orders by completed history.
func MaxConcurrentOrders(completed uint32) int {
	switch {
	case completed < 3:
		return 1
	case completed < 10:
		return 2
	case completed < 50:
		return 3
	default:
		return 5
	}
}

// MakerLevelFor maps a maker score to its level.
func MakerLevelFor(score uint16) domain.MakerLevel {
	switch {
	case score >= 950:
		return domain.MakerDiamond
	case score >= 900:
		return domain.MakerPlatinum
	case score >= 850:
		return domain.MakerGold
	case score >= 820:
		return domain.MakerSilver
	default:
		return domain.MakerBronze
	}
}

// MakerStatusFor maps a maker score to its service status.
func MakerStatusFor(score uint16) domain.MakerStatus {
	switch {
	case score < 750:
		return domain.MakerSuspended
	case score < 800:
		return domain.MakerWarning
	default:
		return domain.MakerActive
	}
}

// DepositMultiplier returns the collateral percentage required of a maker.
// Status overrides level.
func DepositMultiplier(score uint16) int {
	switch MakerStatusFor(score) {
	case domain.MakerSuspended:
		return 200
	case domain.MakerWarning:
		return 120
	}
	switch MakerLevelFor(score) {
	case domain.MakerDiamond:
		return 50
	case domain.MakerPlatinum:
		return 70
	case domain.MakerGold:
		return 80
	case domain.MakerSilver:
		return 90
	default:
		return 100
	}
}

func ratingDelta(stars uint8) int64 {
	switch stars {
	case 5:
		return 5
	case 4:
		return 2
	case 3:
		return 0
	default:
		return -5
	}
}
