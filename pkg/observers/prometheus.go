package observers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/harunnryd/voxrelay/pkg/frames"
	"github.com/harunnryd/voxrelay/pkg/metrics"
)

// PrometheusObserver turns relay events into Prometheus series.
type PrometheusObserver struct {
	SessionsOpened prometheus.Counter
	ActiveSessions prometheus.Gauge
	SessionSeconds prometheus.Histogram

	Transmissions      *prometheus.CounterVec
	TransmissionMillis prometheus.Histogram
	ChunksSent         prometheus.Counter
	ChunkBytes         prometheus.Histogram
	ReassemblyErrors   *prometheus.CounterVec

	TurnsStarted  prometheus.Counter
	TurnsRejected prometheus.Counter
	TurnsFailed   *prometheus.CounterVec
	TurnSeconds   prometheus.Histogram
	PhaseSeconds  *prometheus.HistogramVec

	BreakerEvents *prometheus.CounterVec
}

// NewPrometheusObserver registers all series with reg. A nil reg uses the
// default registerer.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &PrometheusObserver{
		SessionsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "voxrelay_sessions_opened_total",
			Help: "Total number of peer sessions opened",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "voxrelay_active_sessions",
			Help: "Current number of connected peers",
		}),
		SessionSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxrelay_session_duration_seconds",
			Help:    "Lifetime of peer sessions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
		}),

		Transmissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_transmissions_total",
			Help: "Finished outbound transmissions by status",
		}, []string{"status"}),
		TransmissionMillis: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxrelay_transmission_duration_milliseconds",
			Help:    "Time to send a complete framed reply",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		ChunksSent: f.NewCounter(prometheus.CounterOpts{
			Name: "voxrelay_chunks_sent_total",
			Help: "Total number of data chunks sent",
		}),
		ChunkBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxrelay_chunk_size_bytes",
			Help:    "Payload size of sent data chunks",
			Buckets: prometheus.ExponentialBuckets(256, 2, 8),
		}),
		ReassemblyErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_reassembly_errors_total",
			Help: "Inbound framing errors by reason",
		}, []string{"reason"}),

		TurnsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "voxrelay_turns_started_total",
			Help: "Total number of conversational turns started",
		}),
		TurnsRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "voxrelay_turns_rejected_total",
			Help: "Utterances rejected because a turn was in flight",
		}),
		TurnsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_turns_failed_total",
			Help: "Failed turns by reason",
		}, []string{"reason"}),
		TurnSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxrelay_turn_duration_seconds",
			Help:    "Time from utterance to last chunk sent",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		PhaseSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voxrelay_turn_phase_duration_seconds",
			Help:    "Time spent in each turn phase",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"phase"}),

		BreakerEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_breaker_events_total",
			Help: "Circuit breaker transitions and denials",
		}, []string{"component", "event"}),
	}
}

func (p *PrometheusObserver) RecordEvent(ev metrics.MetricsEvent) {
	switch ev.Name {
	case metrics.EventSessionOpened:
		p.SessionsOpened.Inc()
		p.ActiveSessions.Inc()
	case metrics.EventSessionClosed:
		p.ActiveSessions.Dec()
		p.SessionSeconds.Observe(ev.Value)
	case metrics.EventChunkSent:
		p.ChunksSent.Inc()
		p.ChunkBytes.Observe(ev.Value)
	case metrics.EventTransmissionCompleted:
		p.Transmissions.WithLabelValues("completed").Inc()
		p.TransmissionMillis.Observe(ev.Value)
	case metrics.EventTransmissionAborted:
		p.Transmissions.WithLabelValues("aborted").Inc()
	case metrics.EventReassemblyError:
		p.ReassemblyErrors.WithLabelValues(tag(ev, frames.MetaReason)).Inc()
	case metrics.EventTurnStarted:
		p.TurnsStarted.Inc()
	case metrics.EventTurnRejected:
		p.TurnsRejected.Inc()
	case metrics.EventTurnFailed:
		p.TurnsFailed.WithLabelValues(tag(ev, frames.MetaReason)).Inc()
	case metrics.EventTurnCompleted:
		p.TurnSeconds.Observe(ev.Value / 1000)
	case metrics.EventTurnPhase:
		if from := tag(ev, "from"); from != "idle" {
			p.PhaseSeconds.WithLabelValues(from).Observe(ev.Value / 1000)
		}
	case metrics.EventBreakerOpen, metrics.EventBreakerDenied, metrics.EventBreakerClosed:
		p.BreakerEvents.WithLabelValues(tag(ev, "component"), ev.Name).Inc()
	}
}

func tag(ev metrics.MetricsEvent, key string) string {
	if v := ev.Tags[key]; v != "" {
		return v
	}
	return "unknown"
}

var _ metrics.Observer = (*PrometheusObserver)(nil)
