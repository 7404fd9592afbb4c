package entities

import "encoding/json"

// State is an instance lifecycle state.
type State int

const (
	StateInstantiating State = iota
	StateRunning
	StatePaused
	StateSuspended
	StateCrashed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInstantiating:
		return "instantiating"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateSuspended:
		return "suspended"
	case StateCrashed:
		return "crashed"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state by name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a state name.
func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, ok := ParseState(name)
	if !ok {
		return &ConfigurationError{Field: "state", Reason: "unknown state " + name}
	}
	*s = parsed
	return nil
}

// ParseState returns the state with the given name.
func ParseState(name string) (State, bool) {
	for s := StateInstantiating; s <= StateTerminated; s++ {
		if s.String() == name {
			return s, true
		}
	}
	return 0, false
}

func parseStateOr(name string, fallback State) State {
	if s, ok := ParseState(name); ok {
		return s
	}
	return fallback
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateTerminated
}

var transitions = map[State][]State{
	StateInstantiating: {StateRunning, StateCrashed},
	StateRunning:       {StatePaused, StateSuspended, StateCrashed},
	StatePaused:        {StateRunning},
	StateSuspended:     {StateRunning, StateCrashed},
	StateCrashed:       {},
}

// CanTransition reports whether the lifecycle permits from -> to. Every
// non-terminal state may move to Terminated.
func CanTransition(from, to State) bool {
	if from == StateTerminated {
		return false
	}
	if to == StateTerminated {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
