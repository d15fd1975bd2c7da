package device

import "fmt"

type State int

const (
	StateInitializing State = iota
	StateRunning
	StateFault
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateRunning:
		return "RUNNING"
	case StateFault:
		return "FAULT"
	default:
		return "UNKNOWN"
	}
}

// ValidateTransition rejects moves the device must never make. Fault is
// terminal: a board that failed the identity check stays halted.
func ValidateTransition(from, to State) error {
	validTransitions := map[State][]State{
		StateInitializing: {StateRunning, StateFault},
		StateRunning:      {StateInitializing},
		StateFault:        {},
	}

	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("invalid current state: %s", from)
	}

	for _, validTo := range allowed {
		if validTo == to {
			return nil
		}
	}

	return fmt.Errorf("invalid state transition: %s -> %s", from, to)
}
