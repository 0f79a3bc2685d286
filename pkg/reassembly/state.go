package reassembly

import "time"

// State is the receive-side state of one channel.
type State int

const (
	StateIdle State = iota
	StateExpectingChunks
	StateComplete
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateExpectingChunks:
		return "expecting_chunks"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// StateChange represents a state transition event.
type StateChange struct {
	From      State
	To        State
	Timestamp time.Time
	Reason    string
}

// StateListener observes reassembly state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// ListenerFunc adapts a function to StateListener.
type ListenerFunc func(StateChange)

func (f ListenerFunc) OnStateChange(event StateChange) { f(event) }

var validTransitions = map[State][]State{
	StateIdle:            {StateExpectingChunks, StateError},
	StateExpectingChunks: {StateComplete, StateError, StateIdle},
	StateComplete:        {StateExpectingChunks, StateError, StateIdle},
	StateError:           {StateIdle},
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid reassembly transition from " + e.From.String() + " to " + e.To.String()
}
