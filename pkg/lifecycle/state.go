package lifecycle

import "fmt"

// State is the connection state of a single device.
type State int

const (
	Disconnected State = iota
	Discovering
	Connecting
	Connected
)

var stateNames = map[State]string{
	Disconnected: "disconnected",
	Discovering:  "discovering",
	Connecting:   "connecting",
	Connected:    "connected",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transitions lists every legal edge. Any state may fall back to Disconnected when the application
// stops the device.
var transitions = map[State][]State{
	Disconnected: {Discovering},
	Discovering:  {Connecting, Disconnected},
	Connecting:   {Connected, Discovering, Disconnected},
	Connected:    {Discovering, Disconnected},
}

// CanTransition reports whether from -> to is a legal edge. Re-entering the current state is
// always allowed and is a no-op.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
