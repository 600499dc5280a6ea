package domain

import "time"

// BuyerLevel is the buyer tier derived from completed-order count.
type BuyerLevel uint8

const (
	BuyerNewbie BuyerLevel = iota
	BuyerBronze
	BuyerSilver
	BuyerGold
	BuyerDiamond
)

func (l BuyerLevel) String() string {
	switch l {
	case BuyerNewbie:
		return "newbie"
	case BuyerBronze:
		return "bronze"
	case BuyerSilver:
		return "silver"
	case BuyerGold:
		return "gold"
	case BuyerDiamond:
		return "diamond"
	default:
		return "unknown"
	}
}

// NewUserTier is the provisional overlay for buyers with little history.
type NewUserTier uint8

const (
	TierNone NewUserTier = iota
	TierPremium
	TierStandard
	TierBasic
	TierRestricted
)

func (t NewUserTier) String() string {
	switch t {
	case TierPremium:
		return "premium"
	case TierStandard:
		return "standard"
	case TierBasic:
		return "basic"
	case TierRestricted:
		return "restricted"
	default:
		return "none"
	}
}

// BuyerLimits bounds a buyer's next order. A zero Daily means unlimited.
type BuyerLimits struct {
	PerTrade uint64        `json:"per_trade"`
	Daily    uint64        `json:"daily"`
	Cooldown time.Duration `json:"cooldown"`
}

// OrderSample is one entry of a buyer's recent order history.
type OrderSample struct {
	Amount      uint64    `json:"amount"`
	PaymentSecs uint64    `json:"payment_secs"`
	At          time.Time `json:"at"`
}

// Endorsement is a vouch from an established buyer.
type Endorsement struct {
	Endorser AccountID `json:"endorser"`
	At       time.Time `json:"at"`
	Active   bool      `json:"active"`
}

// BuyerCredit is the per-account buyer reputation.
type BuyerCredit struct {
	Account        AccountID     `json:"account"`
	Initialized    bool          `json:"initialized"`
	Completed      uint32        `json:"completed"`
	Volume         uint64        `json:"volume"`
	Defaults       uint32        `json:"defaults"`
	Disputes       uint32        `json:"disputes"`
	Risk           uint16        `json:"risk"`
	InitialRisk    uint16        `json:"initial_risk"`
	Tier           NewUserTier   `json:"tier"`
	FirstSeen      time.Time     `json:"first_seen"`
	LastActivity   time.Time     `json:"last_activity"`
	LastPurchase   time.Time     `json:"last_purchase"`
	Transfers      uint32        `json:"transfers"`
	DefaultHistory []time.Time   `json:"default_history"`
	DecayCycles    uint32        `json:"decay_cycles"`
	History        []OrderSample `json:"history"`
	DayKey         int64         `json:"day_key"`
	DayVolume      uint64        `json:"day_volume"`
	Referrer       AccountID     `json:"referrer,omitempty"`
	Endorsements   []Endorsement `json:"endorsements"`
}

// Clone returns a deep copy.
func (c BuyerCredit) Clone() BuyerCredit {
	c.DefaultHistory = append([]time.Time(nil), c.DefaultHistory...)
	c.History = append([]OrderSample(nil), c.History...)
	c.Endorsements = append([]Endorsement(nil), c.Endorsements...)
	return c
}

// LastDefault returns the most recent default time, or zero.
func (c BuyerCredit) LastDefault() time.Time {
	if len(c.DefaultHistory) == 0 {
		return time.Time{}
	}
	return c.DefaultHistory[len(c.DefaultHistory)-1]
}

// MakerLevel is the maker tier derived from score.
type MakerLevel uint8

const (
	MakerBronze MakerLevel = iota
	MakerSilver
	MakerGold
	MakerPlatinum
	MakerDiamond
)

func (l MakerLevel) String() string {
	switch l {
	case MakerBronze:
		return "bronze"
	case MakerSilver:
		return "silver"
	case MakerGold:
		return "gold"
	case MakerPlatinum:
		return "platinum"
	case MakerDiamond:
		return "diamond"
	default:
		return "unknown"
	}
}

// MakerStatus gates whether a maker may take new orders.
type MakerStatus uint8

const (
	MakerActive MakerStatus = iota
	MakerWarning
	MakerSuspended
)

func (s MakerStatus) String() string {
	switch s {
	case MakerActive:
		return "active"
	case MakerWarning:
		return "warning"
	case MakerSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// MakerCredit is the per-maker supply-side reputation.
type MakerCredit struct {
	Account         AccountID `json:"account"`
	Score           uint16    `json:"score"`
	Total           uint32    `json:"total"`
	Completed       uint32    `json:"completed"`
	Timeouts        uint32    `json:"timeouts"`
	Cancelled       uint32    `json:"cancelled"`
	TimelyReleases  uint32    `json:"timely_releases"`
	RatingSum       uint32    `json:"rating_sum"`
	RatingCount     uint32    `json:"rating_count"`
	AvgResponseSecs uint64    `json:"avg_response_secs"`
	Defaults        uint32    `json:"defaults"`
	DisputeLosses   uint32    `json:"dispute_losses"`
	LastDefault     time.Time `json:"last_default"`
	LastOrder       time.Time `json:"last_order"`
	ConsecutiveDays uint32    `json:"consecutive_days"`
}

// OutcomeKind is the settlement outcome taxonomy.
type OutcomeKind string

const (
	OutcomeCompleted   OutcomeKind = "completed"
	OutcomeDefaulted   OutcomeKind = "defaulted"
	OutcomeDisputeLost OutcomeKind = "dispute_lost"
)

// Role says which side of a trade an outcome applies to.
type Role string

const (
	RoleBuyer Role = "buyer"
	RoleMaker Role = "maker"
)

// Outcome is fed to the credit gate once per terminal trade per party.
// Ref identifies the trade; a repeated (Ref, Role, account) is rejected with
// ErrAlreadyResolved.
type Outcome struct {
	Kind         OutcomeKind `json:"kind"`
	Role         Role        `json:"role"`
	Ref          string      `json:"ref"`
	Amount       uint64      `json:"amount"`
	ResponseSecs uint64      `json:"response_secs"`
	At           time.Time   `json:"at"`
}
