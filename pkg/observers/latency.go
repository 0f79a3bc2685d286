package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/voxrelay/pkg/frames"
	"github.com/harunnryd/voxrelay/pkg/metrics"
)

// LatencyObserver logs a per-turn breakdown of time spent in each phase.
// Phase events arrive in order for a session, so a breakdown is complete
// when the turn returns to idle.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	started time.Time
	phases  map[string]int64
	traceID string
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	if ev.Name != metrics.EventTurnPhase && ev.Name != metrics.EventSessionClosed {
		return
	}
	sessionID := ev.Tags[frames.MetaSessionID]
	if sessionID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if ev.Name == metrics.EventSessionClosed {
		delete(o.traces, sessionID)
		return
	}

	from, to := ev.Tags["from"], ev.Tags["to"]
	t := o.traces[sessionID]
	if from == "idle" {
		t = &trace{started: ev.Time, phases: make(map[string]int64), traceID: ev.Tags[frames.MetaTraceID]}
		o.traces[sessionID] = t
		return
	}
	if t == nil {
		return
	}
	t.phases[from] += int64(ev.Value)
	if to == "idle" {
		o.logTurnLocked(sessionID, t, ev.Time)
		delete(o.traces, sessionID)
	}
}

func (o *LatencyObserver) logTurnLocked(sessionID string, t *trace, end time.Time) {
	o.log.Info("latency",
		frames.MetaSessionID, sessionID,
		frames.MetaTraceID, t.traceID,
		"stt_ms", phaseMs(t, "transcribing"),
		"llm_ms", phaseMs(t, "generating"),
		"tts_ms", phaseMs(t, "synthesizing"),
		"transmit_ms", phaseMs(t, "transmitting"),
		"turn_ms", durationMs(t.started, end),
	)
}

func phaseMs(t *trace, phase string) int64 {
	v, ok := t.phases[phase]
	if !ok {
		return -1
	}
	return v
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
