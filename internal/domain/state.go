package domain

import (
	"errors"
	"fmt"
)

// PositionState is the lifecycle state of the position behind an entry order.
type PositionState string

const (
	StatePendingEntry  PositionState = "PENDING_ENTRY"
	StateOpenNoBracket PositionState = "OPEN_NO_BRACKET"
	StateOpenBracketed PositionState = "OPEN_BRACKETED"
	StateClosed        PositionState = "CLOSED"
)

// IsOpen reports whether the entry has filled and the position is live.
func (s PositionState) IsOpen() bool {
	return s == StateOpenNoBracket || s == StateOpenBracketed
}

// ErrInvalidTransition is returned for events that cannot apply to a state.
var ErrInvalidTransition = errors.New("invalid position state transition")

// EventKind enumerates the events driving the position state machine.
type EventKind int

const (
	EventEntryFilled EventKind = iota
	EventBracketAttached
	EventBracketBroken
	EventTakeProfitFilled
	EventStopLossFilled
	EventEntryExpired
	EventPositionClosed
)

func (k EventKind) String() string {
	switch k {
	case EventEntryFilled:
		return "EntryFilled"
	case EventBracketAttached:
		return "BracketAttached"
	case EventBracketBroken:
		return "BracketBroken"
	case EventTakeProfitFilled:
		return "TakeProfitFilled"
	case EventStopLossFilled:
		return "StopLossFilled"
	case EventEntryExpired:
		return "EntryExpired"
	case EventPositionClosed:
		return "PositionClosed"
	default:
		return "Unknown"
	}
}

// Event is a typed input to Transition.
type Event struct {
	Kind        EventKind
	TargetIndex int
	Final       bool
}

func EntryFilled() Event     { return Event{Kind: EventEntryFilled} }
func BracketAttached() Event { return Event{Kind: EventBracketAttached} }
func BracketBroken() Event   { return Event{Kind: EventBracketBroken} }
func StopLossFilled() Event  { return Event{Kind: EventStopLossFilled} }
func EntryExpired() Event    { return Event{Kind: EventEntryExpired} }
func PositionClosed() Event  { return Event{Kind: EventPositionClosed} }

// TakeProfitFilled reports the fill of target idx; final closes the position.
func TakeProfitFilled(idx int, final bool) Event {
	return Event{Kind: EventTakeProfitFilled, TargetIndex: idx, Final: final}
}

// Transition returns the state reached by applying ev to from.
func Transition(from PositionState, ev Event) (PositionState, error) {
	invalid := func() (PositionState, error) {
		return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev.Kind, from)
	}

	if from == StateClosed {
		return invalid()
	}

	switch ev.Kind {
	case EventEntryFilled:
		if from == StatePendingEntry {
			return StateOpenNoBracket, nil
		}
	case EventBracketAttached:
		if from.IsOpen() {
			return StateOpenBracketed, nil
		}
	case EventBracketBroken:
		if from.IsOpen() {
			return StateOpenNoBracket, nil
		}
	case EventTakeProfitFilled:
		if from.IsOpen() {
			if ev.Final {
				return StateClosed, nil
			}
			return from, nil
		}
	case EventStopLossFilled:
		if from.IsOpen() {
			return StateClosed, nil
		}
	case EventEntryExpired:
		if from == StatePendingEntry {
			return StateClosed, nil
		}
	case EventPositionClosed:
		return StateClosed, nil
	}
	return invalid()
}
