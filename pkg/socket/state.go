package socket

import (
	"fmt"

	"github.com/sockbus/sockbus/pkg/types"
)

// State represents the lifecycle state of a connection
type State string

const (
	// StateConnecting is the initial state before the first frame exchange
	StateConnecting State = "connecting"
	// StateEstablished indicates the connection is live and exchanging frames
	StateEstablished State = "established"
	// StateClosing indicates teardown has begun; no new frames are encoded
	StateClosing State = "closing"
	// StateClosed is terminal
	StateClosed State = "closed"
)

// stateTransitions maps each state to the states it may move to
var stateTransitions = map[State][]State{
	StateConnecting: {
		StateEstablished,
		StateClosing,
		StateClosed,
	},
	StateEstablished: {
		StateClosing,
		StateClosed,
	},
	StateClosing: {
		StateClosed,
	},
	StateClosed: {}, // Terminal state
}

// CanTransition checks if a transition to the target state is valid
func (s State) CanTransition(target State) bool {
	allowed, exists := stateTransitions[s]
	if !exists {
		return false
	}

	for _, allowedState := range allowed {
		if allowedState == target {
			return true
		}
	}

	return false
}

// IsTerminal returns true if the state is terminal (closed)
func (s State) IsTerminal() bool {
	return s == StateClosed
}

// String returns the string representation of the state
func (s State) String() string {
	return string(s)
}

// transition validates and performs a state change. Callers hold the
// state mutex.
func transition(current State, target State) (State, error) {
	if current == target {
		return current, nil
	}

	if !current.CanTransition(target) {
		return current, types.NewError(
			types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid state transition: %s -> %s", current, target),
		)
	}

	return target, nil
}
