package fleet

import "fmt"

// State is a vehicle's routing state.
type State int

const (
	// StateArrived is the initial state: no active route.
	StateArrived State = iota
	// StateIdle has a route but no reservation on the next segment yet.
	StateIdle
	// StateMoving holds the reservation for the segment being driven.
	StateMoving
	// StateWaiting is blocked: planning failed or the next segment is
	// held by another vehicle and this one is queued for it.
	StateWaiting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateMoving:
		return "MOVING"
	case StateWaiting:
		return "WAITING"
	}
	return "ARRIVED"
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "ARRIVED":
		*s = StateArrived
	case "IDLE":
		*s = StateIdle
	case "MOVING":
		*s = StateMoving
	case "WAITING":
		*s = StateWaiting
	default:
		return fmt.Errorf("unknown vehicle state %q", text)
	}
	return nil
}
