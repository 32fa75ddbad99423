// Package models provides data structures and state management for trading positions.
package models

import (
	"fmt"
	"time"
)

// PositionState represents the current state of a position
type PositionState string

const (
	// StatePending means the entry order has been submitted and is awaiting fill.
	StatePending PositionState = "pending"
	// StateOpen means the entry order is fully filled and the position is being managed.
	StateOpen PositionState = "open"
	// StateClosing means a close order has been submitted and is awaiting fill.
	StateClosing PositionState = "closing"
	// StateClosed is terminal: the position is fully closed and archived.
	StateClosed PositionState = "closed"
	// StateCancelled is terminal: the entry order was cancelled or rejected before any fill.
	StateCancelled PositionState = "cancelled"
)

// Transition condition constants used by callers and ValidTransitions.
const (
	ConditionOrderFilled    = "order_filled"
	ConditionOrderCancelled = "order_cancelled"
	ConditionOrderRejected  = "order_rejected"
	ConditionOrderTimeout   = "order_timeout"
	ConditionExitTriggered  = "exit_triggered"
	ConditionCloseFilled    = "close_filled"
	ConditionCloseFailed    = "close_failed"
	ConditionBrokerClosed   = "broker_closed"
	ConditionRecovered      = "recovered_position"
)

// StateTransition defines a valid state transition
type StateTransition struct {
	From        PositionState
	To          PositionState
	Condition   string
	Description string
}

// ValidTransitions enumerates every legal position lifecycle transition.
var ValidTransitions = []StateTransition{
	{StatePending, StateOpen, ConditionOrderFilled, "Entry order fully filled"},
	{StatePending, StateOpen, ConditionRecovered, "Position recovered from broker report"},
	{StatePending, StateCancelled, ConditionOrderCancelled, "Entry order cancelled"},
	{StatePending, StateCancelled, ConditionOrderRejected, "Entry order rejected by venue"},
	{StatePending, StateCancelled, ConditionOrderTimeout, "Entry order timed out without fill"},

	{StateOpen, StateClosing, ConditionExitTriggered, "Exit rule triggered, close order submitted"},
	{StateOpen, StateClosed, ConditionBrokerClosed, "Position closed outside the bot"},

	{StateClosing, StateClosed, ConditionCloseFilled, "Close order fully filled"},
	{StateClosing, StateClosed, ConditionBrokerClosed, "Position closed outside the bot"},
	{StateClosing, StateOpen, ConditionCloseFailed, "Close order cancelled or rejected, keep holding"},
}

// StateMachine manages position state transitions
type StateMachine struct {
	transitionTime  time.Time
	transitionCount map[PositionState]int
	currentState    PositionState
	previousState   PositionState
}

// NewStateMachine creates a new state machine starting in StatePending.
func NewStateMachine() *StateMachine {
	return NewStateMachineFromState(StatePending)
}

// NewStateMachineFromState restores a state machine from a persisted state.
func NewStateMachineFromState(state PositionState) *StateMachine {
	if state == "" {
		state = StatePending
	}
	return &StateMachine{
		currentState:    state,
		previousState:   state,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[PositionState]int),
	}
}

// GetCurrentState returns the current state
func (sm *StateMachine) GetCurrentState() PositionState {
	return sm.currentState
}

// GetPreviousState returns the previous state
func (sm *StateMachine) GetPreviousState() PositionState {
	return sm.previousState
}

// IsValidTransition checks if a transition is valid from the current state.
func (sm *StateMachine) IsValidTransition(to PositionState, condition string) error {
	for _, t := range ValidTransitions {
		if t.From == sm.currentState && t.To == to && t.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s with condition %q",
		sm.currentState, to, condition)
}

// Transition moves to a new state
func (sm *StateMachine) Transition(to PositionState, condition string) error {
	if err := sm.IsValidTransition(to, condition); err != nil {
		return err
	}

	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount[to]++
	return nil
}

// GetTransitionCount returns how many times the machine has entered a state.
func (sm *StateMachine) GetTransitionCount(state PositionState) int {
	return sm.transitionCount[state]
}

// IsTerminal reports whether the machine is in a terminal state.
func (sm *StateMachine) IsTerminal() bool {
	return sm.currentState == StateClosed || sm.currentState == StateCancelled
}

// GetStateDescription returns a human-readable description of the current state
func (sm *StateMachine) GetStateDescription() string {
	switch sm.currentState {
	case StatePending:
		return "Entry order submitted, awaiting fill"
	case StateOpen:
		return "Position open, monitoring exit rules"
	case StateClosing:
		return "Close order submitted, awaiting fill"
	case StateClosed:
		return "Position closed"
	case StateCancelled:
		return "Entry order cancelled before any fill"
	default:
		return "Unknown state"
	}
}

// Copy creates a deep copy of the StateMachine
func (sm *StateMachine) Copy() *StateMachine {
	if sm == nil {
		return nil
	}
	out := &StateMachine{
		currentState:   sm.currentState,
		previousState:  sm.previousState,
		transitionTime: sm.transitionTime,
	}
	out.transitionCount = make(map[PositionState]int, len(sm.transitionCount))
	for k, v := range sm.transitionCount {
		out.transitionCount[k] = v
	}
	return out
}
