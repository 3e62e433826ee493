// ABOUTME: Machine power states and the pure transition function driven by probe results
// ABOUTME: NextState is evaluated once per machine on every refresh tick

package machine

import (
	"fmt"
)

// State is the gateway's belief about a machine's power state.
type State int

const (
	StateUnknown State = iota
	StateOn
	StateOff
	StatePendingOn
	StatePendingOff
)

var stateNames = [...]string{
	StateUnknown:    "unknown",
	StateOn:         "on",
	StateOff:        "off",
	StatePendingOn:  "pending_on",
	StatePendingOff: "pending_off",
}

// AllStates lists every state in declaration order.
func AllStates() []State {
	return []State{StateUnknown, StateOn, StateOff, StatePendingOn, StatePendingOff}
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText encodes the state in snake_case.
func (s State) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(stateNames) {
		return nil, fmt.Errorf("invalid state %d", int(s))
	}
	return []byte(stateNames[s]), nil
}

// UnmarshalText decodes a snake_case state name.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseState parses a snake_case state name.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return StateUnknown, fmt.Errorf("unknown state %q", name)
}

// NextState computes the state after a probe. sshOK is only meaningful when
// pingOK is true; a machine that does not answer ping is treated as not
// answering SSH either.
//
// Rules, first match wins:
//
//	ssh ok                                   -> On
//	ping ok, state PendingOff or On          -> PendingOff (shutting down)
//	ping ok, state Off or PendingOn          -> PendingOn  (booting)
//	ping ok, state Unknown                   -> Unknown    (ambiguous)
//	no ping, state PendingOn                 -> PendingOn  (wake grace period)
//	no ping                                  -> Off
func NextState(sshOK, pingOK bool, current State) State {
	if !pingOK {
		sshOK = false
	}

	switch {
	case sshOK:
		return StateOn
	case pingOK:
		switch current {
		case StatePendingOff, StateOn:
			return StatePendingOff
		case StateOff, StatePendingOn:
			return StatePendingOn
		default:
			return StateUnknown
		}
	case current == StatePendingOn:
		return StatePendingOn
	default:
		return StateOff
	}
}
