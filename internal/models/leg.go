package models

import "time"

// OptionRight identifies a call or put contract.
type OptionRight string

const (
	// RightCall represents a call option contract
	RightCall OptionRight = "call"
	// RightPut represents a put option contract
	RightPut OptionRight = "put"
)

// Valid returns true if the OptionRight is one of the defined constants
func (r OptionRight) Valid() bool {
	return r == RightCall || r == RightPut
}

// LegAction identifies the side of a single leg.
type LegAction string

const (
	// ActionBuy opens or closes long contracts
	ActionBuy LegAction = "buy"
	// ActionSell opens or closes short contracts
	ActionSell LegAction = "sell"
)

// Valid returns true if the LegAction is one of the defined constants
func (a LegAction) Valid() bool {
	return a == ActionBuy || a == ActionSell
}

// Opposite returns the closing action for an opening action.
func (a LegAction) Opposite() LegAction {
	if a == ActionBuy {
		return ActionSell
	}
	return ActionBuy
}

// Leg is one option contract within a multi-leg position or proposal.
// FillPrice and FilledQuantity stay zero until fills arrive.
type Leg struct {
	Strike         float64     `json:"strike"`
	Expiry         time.Time   `json:"expiry"`
	Right          OptionRight `json:"right"`
	Action         LegAction   `json:"action"`
	Quantity       int         `json:"quantity"`
	FillPrice      float64     `json:"fill_price,omitempty"`
	FilledQuantity int         `json:"filled_quantity,omitempty"`
}

// Outstanding returns the unfilled contract count for the leg.
func (l *Leg) Outstanding() int {
	out := l.Quantity - l.FilledQuantity
	if out < 0 {
		return 0
	}
	return out
}

// Filled reports whether the leg is completely filled.
func (l *Leg) Filled() bool {
	return l.FilledQuantity >= l.Quantity
}

// Matches reports whether two legs describe the same contract and side.
func (l *Leg) Matches(other *Leg) bool {
	return l.Right == other.Right &&
		l.Action == other.Action &&
		sameStrike(l.Strike, other.Strike) &&
		l.Expiry.UTC().Truncate(24*time.Hour).Equal(other.Expiry.UTC().Truncate(24*time.Hour))
}

const strikeEpsilon = 1e-4

func sameStrike(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= strikeEpsilon
}
