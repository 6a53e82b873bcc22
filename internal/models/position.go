package models

import "time"

// PositionState represents the lifecycle state of a position.
type PositionState string

const (
	PositionIdle       PositionState = "IDLE"
	PositionEvaluating PositionState = "EVALUATING"
	PositionEntered    PositionState = "ENTERED"
	PositionAdjusting  PositionState = "ADJUSTING"
	PositionExiting    PositionState = "EXITING"
	PositionClosed     PositionState = "CLOSED"
)

// LegRole identifies the role of a leg inside an Iron Condor.
type LegRole string

const (
	LegShortCall LegRole = "SHORT_CALL"
	LegLongCall  LegRole = "LONG_CALL"
	LegShortPut  LegRole = "SHORT_PUT"
	LegLongPut   LegRole = "LONG_PUT"
)

// IronCondorRoles lists the four legs in canonical order.
var IronCondorRoles = []LegRole{LegShortCall, LegLongCall, LegShortPut, LegLongPut}

// OptionLeg is one single-option component of a position. A leg is owned
// by exactly one position and never shared.
type OptionLeg struct {
	Role       LegRole
	Contract   OptionContract
	Side       OrderSide
	Quantity   int
	EntryPrice float64
	ExitPrice  float64
	Filled     bool // entry fill confirmed
	Closed     bool // exit fill confirmed
}

// IsShort reports whether the leg is a sold option.
func (l *OptionLeg) IsShort() bool {
	return l.Side == OrderSideSell
}

// Position represents a multi-leg option position. Exactly four legs for
// an Iron Condor; positions are mutated only by the strategy loop.
type Position struct {
	ID            string
	StrategyName  string
	Index         Index
	Legs          []OptionLeg
	State         PositionState
	Resumed       bool // rebuilt from broker positions after a restart
	EntryTime     time.Time
	ExitTime      time.Time
	ExitReason    string
	RealizedPnL   float64
	UnrealizedPnL float64
}

// Leg returns the leg with the given role, or nil.
func (p *Position) Leg(role LegRole) *OptionLeg {
	for i := range p.Legs {
		if p.Legs[i].Role == role {
			return &p.Legs[i]
		}
	}
	return nil
}

// AllFilled reports whether every leg's entry fill is confirmed.
func (p *Position) AllFilled() bool {
	if len(p.Legs) == 0 {
		return false
	}
	for i := range p.Legs {
		if !p.Legs[i].Filled {
			return false
		}
	}
	return true
}

// AllClosed reports whether every leg's closing fill is confirmed.
func (p *Position) AllClosed() bool {
	if len(p.Legs) == 0 {
		return false
	}
	for i := range p.Legs {
		if !p.Legs[i].Closed {
			return false
		}
	}
	return true
}

// NetCredit returns the net premium received at entry: short premiums
// collected minus hedge premiums paid, per unit.
func (p *Position) NetCredit() float64 {
	var credit float64
	for i := range p.Legs {
		if p.Legs[i].IsShort() {
			credit += p.Legs[i].EntryPrice
		} else {
			credit -= p.Legs[i].EntryPrice
		}
	}
	return credit
}

// Tokens returns the instrument tokens of all legs.
func (p *Position) Tokens() []string {
	tokens := make([]string, 0, len(p.Legs))
	for i := range p.Legs {
		tokens = append(tokens, p.Legs[i].Contract.Token)
	}
	return tokens
}

// IsOpen reports whether the position still occupies the strategy's
// slot. EVALUATING counts: entry orders are in flight and their fills
// may lag the next several chain updates.
func (p *Position) IsOpen() bool {
	switch p.State {
	case PositionEvaluating, PositionEntered, PositionAdjusting, PositionExiting:
		return true
	}
	return false
}
