// Package models provides data structures and state management for straddle positions.
package models

import (
	"fmt"
	"time"
)

// PositionState represents the current lifecycle state of a straddle position.
type PositionState string

const (
	// StateIdle - no active position, entry not yet triggered
	StateIdle PositionState = "idle"
	// StateEntering - entry lease held, leg orders being priced and submitted
	StateEntering PositionState = "entering"
	// StateOpen - both leg orders accepted by the broker, position live
	StateOpen PositionState = "open"
	// StateClosing - exit orders submitted, waiting for fills
	StateClosing PositionState = "closing"
	// StateClosed - position fully closed, P&L realized
	StateClosed PositionState = "closed"
	// StateFailed - inconsistent leg state requiring manual intervention
	StateFailed PositionState = "failed"
)

// Transition conditions. Every TransitionState call names one of these.
const (
	ConditionEntryTriggered      = "entry_triggered"
	ConditionEntryAborted        = "entry_aborted"
	ConditionLegsSubmitted       = "legs_submitted"
	ConditionLegRejected         = "leg_rejected"
	ConditionCompensationFailed  = "compensation_failed"
	ConditionExitTriggered       = "exit_triggered"
	ConditionCloseFilled         = "close_filled"
	ConditionCloseRejected       = "close_rejected"
	ConditionRecoveredPosition   = "recovered_position"
	ConditionRecoveryDiscrepancy = "recovery_discrepancy"
	ConditionManualReset         = "manual_reset"
)

// StateTransition defines a valid state transition.
type StateTransition struct {
	From        PositionState
	To          PositionState
	Condition   string
	Description string
}

// ValidTransitions is the complete transition table for the straddle lifecycle.
var ValidTransitions = []StateTransition{
	{StateIdle, StateEntering, ConditionEntryTriggered, "Entry window hit, lease acquired"},
	{StateEntering, StateIdle, ConditionEntryAborted, "Pre-submission abort (quotes unavailable, invalid price)"},
	{StateEntering, StateOpen, ConditionLegsSubmitted, "Both leg orders accepted by broker"},
	{StateEntering, StateFailed, ConditionLegRejected, "One leg rejected, other compensated"},
	{StateEntering, StateFailed, ConditionCompensationFailed, "Leg rejected and compensation failed"},

	{StateOpen, StateClosing, ConditionExitTriggered, "Exit condition met, close orders submitted"},
	{StateOpen, StateClosed, ConditionRecoveryDiscrepancy, "Broker reports no matching legs on recovery"},

	{StateClosing, StateClosed, ConditionCloseFilled, "Close orders filled, P&L realized"},
	{StateClosing, StateOpen, ConditionCloseRejected, "Close order rejected, re-evaluating next tick"},
	{StateClosing, StateFailed, ConditionCompensationFailed, "Partial close could not be compensated"},

	{StateFailed, StateIdle, ConditionManualReset, "Manual intervention completed"},

	// Recovery can revive a position straight into open.
	{StateIdle, StateOpen, ConditionRecoveredPosition, "Broker-confirmed position adopted on restart"},
	{StateEntering, StateOpen, ConditionRecoveredPosition, "Crash mid-entry, broker confirms both legs"},
}

// StateMachine manages straddle position state transitions.
type StateMachine struct {
	currentState    PositionState
	previousState   PositionState
	transitionTime  time.Time
	transitionCount map[PositionState]int
}

// NewStateMachine creates a new state machine starting at idle.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		currentState:    StateIdle,
		previousState:   StateIdle,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[PositionState]int),
	}
}

// NewStateMachineFromState creates a state machine seeded from a persisted state.
func NewStateMachineFromState(state PositionState) *StateMachine {
	sm := NewStateMachine()
	if state != "" {
		sm.currentState = state
		sm.previousState = state
	}
	return sm
}

// GetCurrentState returns the current state.
func (sm *StateMachine) GetCurrentState() PositionState {
	return sm.currentState
}

// GetPreviousState returns the previous state.
func (sm *StateMachine) GetPreviousState() PositionState {
	return sm.previousState
}

// IsValidTransition checks whether moving to the given state under the given
// condition is defined in the transition table.
func (sm *StateMachine) IsValidTransition(to PositionState, condition string) error {
	for _, tr := range ValidTransitions {
		if tr.From == sm.currentState && tr.To == to && tr.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s with condition %q",
		sm.currentState, to, condition)
}

// Transition moves to a new state.
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

// IsTerminal reports whether the current state is a resting state that no
// scheduler or monitor acts on.
func (sm *StateMachine) IsTerminal() bool {
	return sm.currentState == StateClosed || sm.currentState == StateFailed
}

// GetStateDescription returns a human-readable description of the current state.
func (sm *StateMachine) GetStateDescription() string {
	switch sm.currentState {
	case StateIdle:
		return "No active position, waiting for entry window"
	case StateEntering:
		return "Entry in progress, submitting leg orders"
	case StateOpen:
		return "Straddle live, monitoring exit conditions"
	case StateClosing:
		return "Exit orders submitted, waiting for fills"
	case StateClosed:
		return "Position closed, P&L realized"
	case StateFailed:
		return "Inconsistent leg state - manual intervention required"
	default:
		return "Unknown state"
	}
}

// Copy creates a deep copy of the StateMachine.
func (sm *StateMachine) Copy() *StateMachine {
	if sm == nil {
		return nil
	}

	newSM := &StateMachine{
		currentState:   sm.currentState,
		previousState:  sm.previousState,
		transitionTime: sm.transitionTime,
	}
	newSM.transitionCount = make(map[PositionState]int, len(sm.transitionCount))
	for k, v := range sm.transitionCount {
		newSM.transitionCount[k] = v
	}
	return newSM
}
