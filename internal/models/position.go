package models

import (
	"fmt"
	"strings"
	"time"
)

const sharesPerContract = 100.0

// LegType identifies which side of the straddle a leg is.
type LegType string

const (
	// LegCall is the call side of the straddle
	LegCall LegType = "call"
	// LegPut is the put side of the straddle
	LegPut LegType = "put"
)

// OrderStatus mirrors the broker's order lifecycle for one leg.
type OrderStatus string

const (
	// OrderStatusPending - no broker response yet
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusSubmitted - broker accepted the order and assigned an ID
	OrderStatusSubmitted OrderStatus = "submitted"
	// OrderStatusFilled - broker reports the order filled
	OrderStatusFilled OrderStatus = "filled"
	// OrderStatusRejected - broker rejected or expired the order
	OrderStatusRejected OrderStatus = "rejected"
	// OrderStatusCanceled - order canceled, typically during compensation
	OrderStatusCanceled OrderStatus = "canceled"
)

// Leg is one side (call or put) of a straddle position.
type Leg struct {
	Type          LegType     `json:"type"`
	Symbol        string      `json:"symbol"` // OSI option symbol
	Quote         float64     `json:"quote"`  // mid quote at decision time
	LimitPrice    float64     `json:"limit_price"`
	OrderID       int         `json:"order_id,omitempty"`
	FillPrice     float64     `json:"fill_price,omitempty"` // zero means unknown
	Status        OrderStatus `json:"status"`
	ExitOrderID   int         `json:"exit_order_id,omitempty"`
	ExitFillPrice float64     `json:"exit_fill_price,omitempty"`
}

// ClosedOut reports whether this leg's closing order has filled.
func (l *Leg) ClosedOut() bool {
	return l.ExitFillPrice != 0
}

// SetFillPrice records the leg's fill price exactly once. Subsequent calls
// with a different value are ignored and return false. A fill price only
// moves from unknown to known, never back.
func (l *Leg) SetFillPrice(price float64) bool {
	if l.FillPrice != 0 || price <= 0 {
		return false
	}
	l.FillPrice = price
	return true
}

// HasFillPrice reports whether the actual fill price is known.
func (l *Leg) HasFillPrice() bool {
	return l.FillPrice != 0
}

// BestPrice returns the fill price when known, falling back to the quoted
// price used at decision time.
func (l *Leg) BestPrice() float64 {
	if l.FillPrice != 0 {
		return l.FillPrice
	}
	return l.Quote
}

// Position represents a long straddle: one call and one put on the same
// underlying, strike, and expiration, bought together. At most one instance
// is live at a time.
type Position struct {
	StateMachine  *StateMachine `json:"-"`     // Runtime only, excluded from JSON
	State         PositionState `json:"state"` // Canonical persisted state
	ID            string        `json:"id"`
	Symbol        string        `json:"symbol"` // underlying, e.g. SPX
	Strike        float64       `json:"strike"`
	Expiration    time.Time     `json:"expiration"`
	Quantity      int           `json:"quantity"` // per leg; both legs always equal
	Call          Leg           `json:"call"`
	Put           Leg           `json:"put"`
	TargetPrice   float64       `json:"target_price"`
	StopPrice     float64       `json:"stop_price,omitempty"` // zero means no stop
	EntryOrderTag string        `json:"entry_order_tag,omitempty"`
	EntryTime     time.Time     `json:"entry_time,omitempty"`
	ExitTime      time.Time     `json:"exit_time,omitempty"`
	ExitReason    string        `json:"exit_reason,omitempty"`
	RealizedPnL   float64       `json:"realized_pnl"`
}

// NewPosition creates a new straddle position with an initialized state machine.
func NewPosition(id, symbol string, strike float64, expiration time.Time, quantity int) *Position {
	return &Position{
		ID:           id,
		Symbol:       symbol,
		Strike:       strike,
		Expiration:   expiration,
		Quantity:     quantity,
		Call:         Leg{Type: LegCall, Status: OrderStatusPending},
		Put:          Leg{Type: LegPut, Status: OrderStatusPending},
		StateMachine: NewStateMachine(),
		State:        StateIdle,
	}
}

// QuotedEntryPrice returns the combined quoted price (call + put) recorded at
// decision time.
func (p *Position) QuotedEntryPrice() float64 {
	return p.Call.Quote + p.Put.Quote
}

// EntryPrice returns the best known combined entry price: fill prices where
// reconciled, quoted prices otherwise.
func (p *Position) EntryPrice() float64 {
	return p.Call.BestPrice() + p.Put.BestPrice()
}

// RefreshThresholds recomputes the target and stop prices from the best known
// entry price. stopPct <= 0 disables the stop; the position is then held to
// end of day regardless of drawdown.
func (p *Position) RefreshThresholds(targetPct, stopPct float64) {
	entry := p.EntryPrice()
	p.TargetPrice = entry * (1 + targetPct)
	if stopPct > 0 {
		p.StopPrice = entry * (1 - stopPct)
	} else {
		p.StopPrice = 0
	}
}

// Legs returns both legs for iteration, call first.
func (p *Position) Legs() []*Leg {
	return []*Leg{&p.Call, &p.Put}
}

// LegForSymbol returns the leg whose option symbol matches, or nil.
func (p *Position) LegForSymbol(symbol string) *Leg {
	switch symbol {
	case p.Call.Symbol:
		return &p.Call
	case p.Put.Symbol:
		return &p.Put
	}
	return nil
}

// UnrealizedPnL computes P&L in dollars for a given combined current price
// against the best known entry price.
func (p *Position) UnrealizedPnL(currentCombined float64) float64 {
	return (currentCombined - p.EntryPrice()) * float64(p.Quantity) * sharesPerContract
}

// TransitionState moves the position to a new state and keeps the canonical
// persisted state in sync with the runtime machine.
func (p *Position) TransitionState(to PositionState, condition string) error {
	if err := p.ensureMachine().Transition(to, condition); err != nil {
		return fmt.Errorf("position %s state transition failed: %w", p.ID, err)
	}

	p.State = to

	if to == StateOpen && p.EntryTime.IsZero() {
		p.EntryTime = time.Now().UTC()
	}
	if to == StateClosed && p.ExitTime.IsZero() {
		p.ExitTime = time.Now().UTC()
	}
	return nil
}

// GetCurrentState returns the canonical persisted state.
func (p *Position) GetCurrentState() PositionState {
	return p.State
}

// IsActive reports whether the position occupies the single live slot: any
// state other than closed counts, including failed (which blocks new entries
// until a human resets it).
func (p *Position) IsActive() bool {
	return p.State != StateClosed && p.State != ""
}

// ensureMachine ensures the StateMachine is initialized from persisted state.
func (p *Position) ensureMachine() *StateMachine {
	if p.StateMachine == nil {
		p.StateMachine = NewStateMachineFromState(p.State)
	}
	return p.StateMachine
}

// ValidateState checks that the position's data is consistent with its
// lifecycle state.
func (p *Position) ValidateState() error {
	if p.Quantity < 0 {
		return fmt.Errorf("position %s: quantity cannot be negative (current: %d)", p.ID, p.Quantity)
	}

	switch p.State {
	case StateIdle, StateEntering:
		if !p.EntryTime.IsZero() {
			return fmt.Errorf("position %s in state %s: EntryTime must be zero before submission", p.ID, p.State)
		}
		if !p.ExitTime.IsZero() {
			return fmt.Errorf("position %s in state %s: ExitTime must be zero for non-closed positions", p.ID, p.State)
		}
	case StateOpen, StateClosing:
		if p.EntryTime.IsZero() {
			return fmt.Errorf("position %s in state %s: EntryTime must be set for live positions", p.ID, p.State)
		}
		if !p.ExitTime.IsZero() {
			return fmt.Errorf("position %s in state %s: ExitTime must be zero for non-closed positions", p.ID, p.State)
		}
		if p.Quantity <= 0 {
			return fmt.Errorf("position %s in state %s: Quantity must be > 0 for live positions (current: %d)",
				p.ID, p.State, p.Quantity)
		}
		if p.Call.OrderID == 0 || p.Put.OrderID == 0 {
			return fmt.Errorf("position %s in state %s: both legs must carry broker order IDs", p.ID, p.State)
		}
	case StateClosed:
		if p.EntryTime.IsZero() || p.ExitTime.IsZero() {
			return fmt.Errorf("position %s in state %s: EntryTime and ExitTime must both be set", p.ID, p.State)
		}
		if strings.TrimSpace(p.ExitReason) == "" {
			return fmt.Errorf("position %s in state %s: ExitReason must be set for closed positions", p.ID, p.State)
		}
		if !p.EntryTime.Before(p.ExitTime) {
			return fmt.Errorf("position %s in state %s: EntryTime (%v) must be before ExitTime (%v)",
				p.ID, p.State, p.EntryTime, p.ExitTime)
		}
	case StateFailed:
		// Failed positions keep whatever leg data they had for the
		// post-mortem; no field invariants beyond the quantity check.
	}

	return nil
}

// GetStateDescription returns a human-readable state description.
func (p *Position) GetStateDescription() string {
	return p.ensureMachine().GetStateDescription()
}
