package flow

import (
	"errors"
	"fmt"
)

type State int

const (
	Created State = iota
	ReservationOpen
	CollectionOpen
	Updating
	Departing
	Ended
)

var stateNames = []string{"created", "reservation-open", "collection-open", "updating", "departing", "ended"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func ParseState(v string) (State, error) {
	for i, name := range stateNames {
		if name == v {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown flow state %q", v)
}

// Accepting reports whether members may join in this state.
func (s State) Accepting() bool {
	return s == CollectionOpen || s == Updating
}

var (
	ErrEnded   = errors.New("raid has ended")
	ErrNotOpen = errors.New("raid is not accepting members yet")
	ErrClosed  = errors.New("raid is no longer accepting members")
)

// PersistenceError wraps a failed store write. The flow stops advancing until a retry succeeds.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
