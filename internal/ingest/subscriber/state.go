package subscriber

import (
	"slices"
	"time"
)

// State is the connection state of the subscriber.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateListening    State = "listening"
	StateReconnecting State = "reconnecting"
	StateHalted       State = "halted"
)

// ValidTransitions defines allowed state transitions.
// Key is the current state, value is the list of valid next states.
var ValidTransitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateListening, StateReconnecting, StateDisconnected},
	StateListening:    {StateReconnecting, StateDisconnected},
	StateReconnecting: {StateConnecting, StateHalted, StateDisconnected},
	StateHalted:       {StateConnecting, StateDisconnected},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to State) bool {
	return slices.Contains(ValidTransitions[from], to)
}

// Transition represents a state change with metadata.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTransition creates a new transition record.
func NewTransition(from, to State, reason string) Transition {
	return Transition{
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

// IsValid returns true if this transition is allowed by the state machine.
func (t Transition) IsValid() bool {
	return CanTransition(t.From, t.To)
}
