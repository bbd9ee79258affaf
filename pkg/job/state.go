package job

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of a job.
type State string

const (
	StatePending   State = "pending"
	StateReady     State = "ready"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
	StateCancelled State = "cancelled"
)

// allowedTransitions is the complete job FSM. Any edge not listed here is
// rejected by ValidateTransition.
var allowedTransitions = map[State]map[State]struct{}{
	StatePending: {
		StateReady:     {},
		StateCancelled: {},
	},
	StateReady: {
		StateRunning:   {},
		StateCancelled: {},
	},
	StateRunning: {
		StateCompleted: {},
		StateFailed:    {},
		StateTimedOut:  {},
		StateCancelled: {},
	},
	StateCompleted: {},
	StateFailed:    {},
	StateTimedOut:  {},
	StateCancelled: {},
}

// States lists every state in lifecycle order.
func States() []State {
	return []State{
		StatePending,
		StateReady,
		StateRunning,
		StateCompleted,
		StateFailed,
		StateTimedOut,
		StateCancelled,
	}
}

// ValidateTransition returns ErrInvalidTransition when from -> to is not an
// edge of the job FSM.
func ValidateTransition(from, to State) error {
	next, ok := allowedTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, from)
	}
	if _, ok := next[to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateCancelled:
		return true
	default:
		return false
	}
}

// Unsuccessful reports whether s is a terminal state other than Completed.
func (s State) Unsuccessful() bool {
	return s.Terminal() && s != StateCompleted
}

func (s State) String() string {
	return string(s)
}

// ParseState parses a state name, accepting upper or lower case.
func ParseState(raw string) (State, error) {
	s := State(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown job state %q", raw)
	}
	return s, nil
}
