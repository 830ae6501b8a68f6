package session

import "fmt"

type State int

const (
	StateDisconnected State = iota
	StateInitializing
	StateAwaitingPairing
	StateConnected
)

var stateNames = map[State]string{
	StateDisconnected:    "disconnected",
	StateInitializing:    "initializing",
	StateAwaitingPairing: "awaiting-pairing",
	StateConnected:       "connected",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// disconnected -> disconnected is the retrying -> terminal downgrade.
var validTransitions = map[State][]State{
	StateDisconnected:    {StateInitializing, StateDisconnected},
	StateInitializing:    {StateAwaitingPairing, StateConnected, StateDisconnected},
	StateAwaitingPairing: {StateAwaitingPairing, StateConnected, StateDisconnected},
	StateConnected:       {StateDisconnected},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}
