package models

import (
	"fmt"
	"time"
)

// StrategyKind identifies which strategy variant produced a proposal or position.
type StrategyKind string

const (
	// KindIronCondor sells an OTM call spread and put spread simultaneously
	KindIronCondor StrategyKind = "iron_condor"
	// KindIronButterfly sells an ATM call and put with protective wings
	KindIronButterfly StrategyKind = "iron_butterfly"
	// KindScalper buys a single directional call or put
	KindScalper StrategyKind = "scalper"
)

// Valid returns true if the StrategyKind is one of the defined constants
func (k StrategyKind) Valid() bool {
	switch k {
	case KindIronCondor, KindIronButterfly, KindScalper:
		return true
	default:
		return false
	}
}

// StrategyProposal is an immutable entry proposal produced by a strategy.
// NetCredit, MaxLoss and MaxProfit are in option points per spread; dollar
// amounts are derived via Multiplier and Quantity. NetCredit is positive for
// credit structures and negative for debit (scalper) entries.
type StrategyProposal struct {
	Kind       StrategyKind `json:"kind"`
	Symbol     string       `json:"symbol"`
	Legs       []Leg        `json:"legs"`
	Expiry     time.Time    `json:"expiry"`
	NetCredit  float64      `json:"net_credit"`
	MaxLoss    float64      `json:"max_loss"`
	MaxProfit  float64      `json:"max_profit"`
	Quantity   int          `json:"quantity"`
	Multiplier float64      `json:"multiplier"`
	SpotPrice  float64      `json:"spot_price"`
	CreatedAt  time.Time    `json:"created_at"`
}

// MaxLossDollars returns the worst-case loss in account currency.
func (p *StrategyProposal) MaxLossDollars() float64 {
	return p.MaxLoss * p.Multiplier * float64(p.Quantity)
}

// MaxProfitDollars returns the best-case profit in account currency.
func (p *StrategyProposal) MaxProfitDollars() float64 {
	return p.MaxProfit * p.Multiplier * float64(p.Quantity)
}

// IsCredit reports whether the proposal collects premium at entry.
func (p *StrategyProposal) IsCredit() bool {
	return p.NetCredit > 0
}

// Validate checks the proposal describes a risk-defined structure consistent
// with its strategy kind: every short leg must be covered by a long leg of the
// same right, and a scalper proposal is exactly one long leg.
func (p *StrategyProposal) Validate() error {
	if !p.Kind.Valid() {
		return fmt.Errorf("invalid strategy kind %q", p.Kind)
	}
	if p.Symbol == "" {
		return fmt.Errorf("proposal missing symbol")
	}
	if p.Quantity <= 0 {
		return fmt.Errorf("proposal quantity must be > 0 (got %d)", p.Quantity)
	}
	if p.Multiplier <= 0 {
		return fmt.Errorf("proposal multiplier must be > 0 (got %.2f)", p.Multiplier)
	}
	if p.MaxLoss < 0 {
		return fmt.Errorf("proposal max loss must be >= 0 (got %.2f)", p.MaxLoss)
	}
	if len(p.Legs) == 0 {
		return fmt.Errorf("proposal has no legs")
	}
	for i := range p.Legs {
		l := &p.Legs[i]
		if !l.Right.Valid() || !l.Action.Valid() {
			return fmt.Errorf("leg %d has invalid right/action", i)
		}
		if l.Quantity <= 0 {
			return fmt.Errorf("leg %d quantity must be > 0", i)
		}
	}

	switch p.Kind {
	case KindScalper:
		if len(p.Legs) != 1 || p.Legs[0].Action != ActionBuy {
			return fmt.Errorf("scalper proposal must be a single long leg")
		}
	case KindIronCondor, KindIronButterfly:
		if len(p.Legs) != 4 {
			return fmt.Errorf("%s proposal must have 4 legs (got %d)", p.Kind, len(p.Legs))
		}
		for _, right := range []OptionRight{RightCall, RightPut} {
			if !shortCovered(p.Legs, right) {
				return fmt.Errorf("%s proposal has a naked short %s", p.Kind, right)
			}
		}
	}
	return nil
}

// shortCovered reports whether every short contract of the given right is
// matched by a long contract of the same right and quantity.
func shortCovered(legs []Leg, right OptionRight) bool {
	shortQty, longQty := 0, 0
	for i := range legs {
		if legs[i].Right != right {
			continue
		}
		switch legs[i].Action {
		case ActionSell:
			shortQty += legs[i].Quantity
		case ActionBuy:
			longQty += legs[i].Quantity
		}
	}
	return longQty >= shortQty
}
