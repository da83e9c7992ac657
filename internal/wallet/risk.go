package wallet

import (
	"sort"
	"time"

	"github.com/Aidin1998/pincex_spot/pkg/money"
)

// Tier is a withdrawal size band: amounts at or above MinAmount wait Delay
// before processing.
type Tier struct {
	Name      string
	MinAmount money.Amount
	Delay     time.Duration
}

// RiskConfig holds the withdrawal review policy.
type RiskConfig struct {
	Tiers        []Tier
	DefaultTier  string
	DefaultDelay time.Duration
	// Amounts strictly above ApprovalAbove need a reviewer.
	ApprovalAbove money.Amount
}

func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		Tiers: []Tier{
			{Name: "large", MinAmount: money.New(10000), Delay: 60 * time.Minute},
			{Name: "medium", MinAmount: money.New(1000), Delay: 30 * time.Minute},
		},
		DefaultTier:   "small",
		DefaultDelay:  10 * time.Minute,
		ApprovalAbove: money.New(1000),
	}
}

// Assessment is the risk gate's verdict on one withdrawal.
type Assessment struct {
	Tier                   string
	RequiresManualApproval bool
	Delay                  time.Duration
	CanProcessAfter        time.Time
}

// RiskGate maps a withdrawal amount to its review requirements. It has no
// side effects.
type RiskGate struct {
	config RiskConfig
}

func NewRiskGate(config RiskConfig) *RiskGate {
	tiers := append([]Tier(nil), config.Tiers...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinAmount > tiers[j].MinAmount })
	config.Tiers = tiers
	return &RiskGate{config: config}
}

// Assess evaluates amount at now.
func (g *RiskGate) Assess(amount money.Amount, now time.Time) Assessment {
	a := Assessment{
		Tier:                   g.config.DefaultTier,
		Delay:                  g.config.DefaultDelay,
		RequiresManualApproval: amount > g.config.ApprovalAbove,
	}
	for _, t := range g.config.Tiers {
		if amount >= t.MinAmount {
			a.Tier, a.Delay = t.Name, t.Delay
			break
		}
	}
	a.CanProcessAfter = now.Add(a.Delay)
	return a
}
