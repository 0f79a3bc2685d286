package turn

import (
	"sync"
	"time"
)

// PhaseChange represents a phase transition event.
// Elapsed is the time spent in FromPhase.
type PhaseChange struct {
	FromPhase Phase
	ToPhase   Phase
	Timestamp time.Time
	Elapsed   time.Duration
	Reason    string
}

// PhaseListener observes turn phase changes.
type PhaseListener interface {
	OnPhaseChange(event PhaseChange)
}

// ListenerFunc adapts a function to PhaseListener.
type ListenerFunc func(PhaseChange)

func (f ListenerFunc) OnPhaseChange(event PhaseChange) { f(event) }

// validTransitions allows any phase to fall back to idle on failure.
// Idle may go straight to synthesizing for a spoken error reply.
var validTransitions = map[Phase][]Phase{
	PhaseIdle:         {PhaseTranscribing, PhaseSynthesizing},
	PhaseTranscribing: {PhaseGenerating, PhaseIdle},
	PhaseGenerating:   {PhaseSynthesizing, PhaseIdle},
	PhaseSynthesizing: {PhaseTransmitting, PhaseIdle},
	PhaseTransmitting: {PhaseIdle},
}

// Tracker is the phase machine of one session's turns.
type Tracker struct {
	mu        sync.RWMutex
	current   Phase
	enteredAt time.Time
	listeners []PhaseListener
	now       func() time.Time
}

// NewTracker creates a tracker in PhaseIdle.
func NewTracker() *Tracker {
	return &Tracker{current: PhaseIdle, enteredAt: time.Now(), now: time.Now}
}

// Phase returns the current phase.
func (t *Tracker) Phase() Phase {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Busy reports whether a turn is past idle.
func (t *Tracker) Busy() bool {
	return t.Phase() != PhaseIdle
}

// AddListener registers a listener for phase change events.
func (t *Tracker) AddListener(listener PhaseListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, listener)
}

// Transition moves to a new phase with validation.
// Listeners are notified after the lock is released.
func (t *Tracker) Transition(phase Phase, reason string) error {
	t.mu.Lock()
	from := t.current
	if !transitionValid(from, phase) {
		t.mu.Unlock()
		return &InvalidTransitionError{From: from, To: phase}
	}
	now := t.now()
	event := PhaseChange{
		FromPhase: from,
		ToPhase:   phase,
		Timestamp: now,
		Elapsed:   now.Sub(t.enteredAt),
		Reason:    reason,
	}
	t.current = phase
	t.enteredAt = now
	listeners := make([]PhaseListener, len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()

	for _, listener := range listeners {
		listener.OnPhaseChange(event)
	}
	return nil
}

// Finish returns to idle from any phase. It is a no-op when already idle.
func (t *Tracker) Finish(reason string) {
	if t.Phase() == PhaseIdle {
		return
	}
	_ = t.Transition(PhaseIdle, reason)
}

func transitionValid(from, to Phase) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError represents an invalid phase transition attempt
type InvalidTransitionError struct {
	From Phase
	To   Phase
}

func (e *InvalidTransitionError) Error() string {
	return "invalid phase transition from " + e.From.String() + " to " + e.To.String()
}
