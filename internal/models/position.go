package models

import (
	"fmt"
	"strings"
	"time"
)

// ExitReason records why a position close was triggered.
type ExitReason string

const (
	// ExitStopLoss means the unrealized loss reached the stop-loss multiple of entry credit
	ExitStopLoss ExitReason = "stop_loss"
	// ExitProfitTarget means profit reached the configured fraction of max profit
	ExitProfitTarget ExitReason = "profit_target"
	// ExitTrailingStop means profit retraced more than the trailing step from the high-water mark
	ExitTrailingStop ExitReason = "trailing_stop"
	// ExitDTE means days-to-expiration fell to the exit threshold
	ExitDTE ExitReason = "dte"
	// ExitReversal means an opposite momentum signal triggered a scalper flip
	ExitReversal ExitReason = "reversal"
	// ExitManual means the close was detected or requested outside the exit rules
	ExitManual ExitReason = "manual"
)

// Position represents one multi-leg options position through its lifecycle.
// Mutated only by the position monitor; persisted via storage.
type Position struct {
	StateMachine *StateMachine `json:"-"`     // Runtime only, excluded from JSON
	State        PositionState `json:"state"` // Canonical persisted state
	ID           string        `json:"id"`
	Kind         StrategyKind  `json:"kind"`
	Symbol       string        `json:"symbol"`
	Legs         []Leg         `json:"legs"`
	Expiry       time.Time     `json:"expiry"`
	EntryOrderID string        `json:"entry_order_id,omitempty"`
	CloseOrderID string        `json:"close_order_id,omitempty"`
	ExitReason   ExitReason    `json:"exit_reason,omitempty"`
	EntryTime    time.Time     `json:"entry_time,omitempty"`
	CloseTime    time.Time     `json:"close_time,omitempty"`
	// EntryCredit is in points per spread, positive for credit structures.
	EntryCredit float64 `json:"entry_credit"`
	// EntryLimitPrice is the combined limit the entry order was submitted at.
	EntryLimitPrice float64 `json:"entry_limit_price"`
	EntrySpot       float64 `json:"entry_spot"`
	// CurrentPnL is live realized+unrealized P&L in account currency.
	CurrentPnL  float64 `json:"current_pnl"`
	RealizedPnL float64 `json:"realized_pnl"`
	// HighWaterMark is the maximum CurrentPnL observed since entry.
	HighWaterMark  float64 `json:"high_water_mark"`
	TrailingActive bool    `json:"trailing_active"`
	// NeedsResync flags a reconciliation anomaly; trading on the underlying
	// is paused until the reconciler clears it.
	NeedsResync bool      `json:"needs_resync,omitempty"`
	Multiplier  float64   `json:"multiplier"`
	Quantity    int       `json:"quantity"`
	MaxLoss     float64   `json:"max_loss"`
	MaxProfit   float64   `json:"max_profit"`
	LastChecked time.Time `json:"last_checked,omitempty"`
	// DTE is derived; avoid persisting to prevent staleness
	DTE int `json:"-"`
}

// NewPosition creates a position in StatePending from an approved proposal.
// Proposal legs hold per-spread ratios; position legs hold absolute contract
// counts so fills accumulate against each leg's Outstanding.
func NewPosition(id string, proposal *StrategyProposal) *Position {
	legs := make([]Leg, len(proposal.Legs))
	copy(legs, proposal.Legs)
	for i := range legs {
		legs[i].Quantity *= proposal.Quantity
	}
	return &Position{
		ID:           id,
		Kind:         proposal.Kind,
		Symbol:       proposal.Symbol,
		Legs:         legs,
		Expiry:       proposal.Expiry,
		EntryCredit:  proposal.NetCredit,
		EntrySpot:    proposal.SpotPrice,
		Multiplier:   proposal.Multiplier,
		Quantity:     proposal.Quantity,
		MaxLoss:      proposal.MaxLoss,
		MaxProfit:    proposal.MaxProfit,
		StateMachine: NewStateMachine(),
		State:        StatePending,
	}
}

// CalculateDTE calculates and returns the days to expiration for the position.
func (p *Position) CalculateDTE() int {
	now := time.Now().UTC().Truncate(24 * time.Hour)
	exp := p.Expiry.UTC().Truncate(24 * time.Hour)
	days := int(exp.Sub(now).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// EntryCreditDollars returns the entry credit in account currency
// (negative for debit entries).
func (p *Position) EntryCreditDollars() float64 {
	return p.EntryCredit * p.Multiplier * float64(p.Quantity)
}

// MaxProfitDollars returns the best-case profit in account currency.
func (p *Position) MaxProfitDollars() float64 {
	return p.MaxProfit * p.Multiplier * float64(p.Quantity)
}

// MaxLossDollars returns the worst-case loss in account currency.
func (p *Position) MaxLossDollars() float64 {
	return p.MaxLoss * p.Multiplier * float64(p.Quantity)
}

// FullyFilled reports whether every leg has been completely filled.
func (p *Position) FullyFilled() bool {
	for i := range p.Legs {
		if !p.Legs[i].Filled() {
			return false
		}
	}
	return len(p.Legs) > 0
}

// ClosingLegs returns the legs with actions inverted, for building a close order.
func (p *Position) ClosingLegs() []Leg {
	out := make([]Leg, len(p.Legs))
	for i := range p.Legs {
		out[i] = p.Legs[i]
		out[i].Action = p.Legs[i].Action.Opposite()
		out[i].FillPrice = 0
		out[i].FilledQuantity = 0
	}
	return out
}

// TransitionState moves the position to a new state
func (p *Position) TransitionState(to PositionState, condition string) error {
	if err := p.ensureMachine().Transition(to, condition); err != nil {
		return fmt.Errorf("position %s state transition failed: %w", p.ID, err)
	}

	// Update canonical state
	p.State = to

	if to == StateOpen && p.EntryTime.IsZero() {
		p.EntryTime = time.Now().UTC()
	}
	if (to == StateClosed || to == StateCancelled) && p.CloseTime.IsZero() {
		p.CloseTime = time.Now().UTC()
	}
	return nil
}

// GetCurrentState returns the canonical persisted state
func (p *Position) GetCurrentState() PositionState {
	return p.State
}

// IsTerminal reports whether the position is closed or cancelled.
func (p *Position) IsTerminal() bool {
	return p.State == StateClosed || p.State == StateCancelled
}

// ensureMachine ensures the StateMachine is initialized from persisted state
func (p *Position) ensureMachine() *StateMachine {
	if p.StateMachine == nil {
		p.StateMachine = NewStateMachineFromState(p.State)
	}
	return p.StateMachine
}

// UpdateHighWaterMark raises the high-water mark monotonically and reports
// whether it changed. pnl is live realized+unrealized P&L in dollars.
func (p *Position) UpdateHighWaterMark(pnl float64) bool {
	if pnl > p.HighWaterMark {
		p.HighWaterMark = pnl
		return true
	}
	return false
}

// ValidateState ensures the position state is consistent with strong invariants
func (p *Position) ValidateState() error {
	switch p.State {
	case StatePending:
		if !p.EntryTime.IsZero() {
			return fmt.Errorf("position %s pending: EntryTime must be zero (current: %v)", p.ID, p.EntryTime)
		}
		if p.CloseOrderID != "" {
			return fmt.Errorf("position %s pending: CloseOrderID must be empty", p.ID)
		}
	case StateOpen:
		if p.EntryTime.IsZero() {
			return fmt.Errorf("position %s open: EntryTime must be set", p.ID)
		}
		if !p.CloseTime.IsZero() {
			return fmt.Errorf("position %s open: CloseTime must be zero (current: %v)", p.ID, p.CloseTime)
		}
	case StateClosing:
		if p.CloseOrderID == "" {
			return fmt.Errorf("position %s closing: CloseOrderID must be set", p.ID)
		}
		if strings.TrimSpace(string(p.ExitReason)) == "" {
			return fmt.Errorf("position %s closing: ExitReason must be set", p.ID)
		}
	case StateClosed:
		if p.EntryTime.IsZero() {
			return fmt.Errorf("position %s closed: EntryTime must be set", p.ID)
		}
		if p.CloseTime.IsZero() {
			return fmt.Errorf("position %s closed: CloseTime must be set", p.ID)
		}
	case StateCancelled:
		if !p.EntryTime.IsZero() {
			return fmt.Errorf("position %s cancelled: EntryTime must be zero (position never opened)", p.ID)
		}
	default:
		return fmt.Errorf("position %s has unknown state %q", p.ID, p.State)
	}

	if p.Quantity <= 0 {
		return fmt.Errorf("position %s: Quantity must be > 0 (current: %d)", p.ID, p.Quantity)
	}
	if p.Multiplier <= 0 {
		return fmt.Errorf("position %s: Multiplier must be > 0 (current: %.2f)", p.ID, p.Multiplier)
	}
	if !p.CloseTime.IsZero() && !p.EntryTime.IsZero() && !p.EntryTime.Before(p.CloseTime) {
		return fmt.Errorf("position %s: EntryTime (%v) must be before CloseTime (%v)", p.ID, p.EntryTime, p.CloseTime)
	}
	return nil
}

// GetStateDescription returns a human-readable state description
func (p *Position) GetStateDescription() string {
	return p.ensureMachine().GetStateDescription()
}
