package session

import (
	"fmt"
	"slices"
	"time"
)

// State is the lifecycle state of the coordinator.
type State int

const (
	// Idle: no session and no resources held.
	Idle State = iota

	// Connecting: resources are being acquired and the remote handshake is
	// in flight. Captured audio is discarded.
	Connecting

	// Active: the remote acknowledged the session. Audio flows both ways.
	Active

	// Closing: an orderly teardown is releasing resources.
	Closing

	// Closed: every resource is released. Immediately followed by Idle.
	Closed

	// Errored: a device or transport fault is tearing the session down. The
	// teardown is identical to Closing.
	Errored
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Errored:
		return "errored"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText implements [encoding.TextMarshaler] so states encode as names
// in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// transitions lists the legal successor states of every state.
var transitions = map[State][]State{
	Idle:       {Connecting},
	Connecting: {Active, Closing, Errored},
	Active:     {Closing, Errored},
	Closing:    {Closed, Errored},
	Errored:    {Closed},
	Closed:     {Idle},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Transition describes one state change, delivered to observers registered
// with [Coordinator.OnStateChange].
type Transition struct {
	From       State
	To         State
	SessionID  string
	Generation uint64

	// Err is the fault that caused a transition to Errored, nil otherwise.
	Err error

	At time.Time
}
