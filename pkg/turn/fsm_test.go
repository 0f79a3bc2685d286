package turn

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type captureListener struct {
	mu     sync.Mutex
	events []PhaseChange
}

func (c *captureListener) OnPhaseChange(ev PhaseChange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureListener) Phases() []Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Phase, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.ToPhase)
	}
	return out
}

func TestTrackerFullTurn(t *testing.T) {
	tr := NewTracker()
	clock := time.Unix(0, 0)
	tr.now = func() time.Time { return clock }
	tr.enteredAt = clock
	capture := &captureListener{}
	tr.AddListener(capture)

	for _, p := range []Phase{PhaseTranscribing, PhaseGenerating, PhaseSynthesizing, PhaseTransmitting, PhaseIdle} {
		clock = clock.Add(10 * time.Millisecond)
		if err := tr.Transition(p, "test"); err != nil {
			t.Fatalf("transition to %s: %v", p, err)
		}
	}
	got := capture.Phases()
	if len(got) != 5 || got[4] != PhaseIdle {
		t.Fatalf("unexpected phases %v", got)
	}
	if capture.events[1].Elapsed != 10*time.Millisecond {
		t.Fatalf("expected 10ms in transcribing, got %s", capture.events[1].Elapsed)
	}
	if tr.Busy() {
		t.Fatalf("expected idle after turn")
	}
}

func TestTrackerRejectsSkippingPhases(t *testing.T) {
	tr := NewTracker()
	err := tr.Transition(PhaseTransmitting, "test")
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if tr.Phase() != PhaseIdle {
		t.Fatalf("expected phase unchanged, got %s", tr.Phase())
	}
}

func TestTrackerFinishFromAnyPhase(t *testing.T) {
	tr := NewTracker()
	_ = tr.Transition(PhaseTranscribing, "audio")
	_ = tr.Transition(PhaseGenerating, "transcribed")
	tr.Finish("generation failed")
	if tr.Phase() != PhaseIdle {
		t.Fatalf("expected idle, got %s", tr.Phase())
	}
	tr.Finish("noop")
	if err := tr.Transition(PhaseSynthesizing, "error reply"); err != nil {
		t.Fatalf("expected idle to allow synthesizing: %v", err)
	}
}
