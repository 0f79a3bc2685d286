// Package relay assembles the voice relay: transport events feed a session
// registry, sessions run turns against the configured services, and replies
// go back through the chunked transmitter.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harunnryd/voxrelay/pkg/chunking"
	"github.com/harunnryd/voxrelay/pkg/frames"
	"github.com/harunnryd/voxrelay/pkg/logging"
	"github.com/harunnryd/voxrelay/pkg/metrics"
	"github.com/harunnryd/voxrelay/pkg/observers"
	"github.com/harunnryd/voxrelay/pkg/redact"
	"github.com/harunnryd/voxrelay/pkg/runner"
	"github.com/harunnryd/voxrelay/pkg/session"
	"github.com/harunnryd/voxrelay/pkg/transmit"
	"github.com/harunnryd/voxrelay/pkg/transports"
)

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// Transport overrides the configured transport provider.
	Transport transports.Transport
	Logger    *slog.Logger
	// Registerer and Gatherer default to a private Prometheus registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Observers  []metrics.Observer
	Banner     io.Writer
	OnTurnDone func(session.TurnResult)
	// Routes are served next to /metrics and /health, keyed by path.
	Routes map[string]http.Handler
}

type Engine struct {
	cfg         Config
	providers   *ProviderRegistry
	transport   transports.Transport
	registry    *session.Registry
	transmitter *transmit.Transmitter
	codec       *chunking.Codec
	services    session.Services
	asyncObs    *metrics.AsyncObserver
	timeline    *observers.TimelineObserver
	events      *metrics.JSONLObserver
	gatherer    prometheus.Gatherer
	metricsSrv  *http.Server
	routes      map[string]http.Handler
	runner      *runner.LifecycleRunner
	onTurnDone  func(session.TurnResult)
	base        *slog.Logger
	log         *slog.Logger
	ctx         context.Context
	cancel      context.CancelFunc
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Providers == nil {
		return nil, errors.New("provider registry is required")
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)
	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}
	log := logging.NewComponentLogger(base, "relay")

	headers, err := chunking.NewHeaderCodec(cfg.Protocol.HeaderEncoding)
	if err != nil {
		return nil, err
	}
	codec := chunking.NewCodec(headers)

	reg, gatherer := opts.Registerer, opts.Gatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	chunkLog := metrics.NewSamplingObserver(
		observers.NewLoggerObserver(logging.NewComponentLogger(base, "metrics")),
		cfg.Observability.ChunkLogSampleRate, metrics.EventChunkSent,
	)
	obsList := []metrics.Observer{
		chunkLog,
		observers.NewLatencyObserver(logging.NewComponentLogger(base, "latency")),
		observers.NewPrometheusObserver(reg),
	}
	var timeline *observers.TimelineObserver
	if dir := strings.TrimSpace(cfg.Observability.ArtifactsDir); dir != "" {
		timeline = observers.NewTimelineObserver(dir)
		obsList = append(obsList, timeline)
	}
	var events *metrics.JSONLObserver
	if path := strings.TrimSpace(cfg.Observability.EventsFile); path != "" {
		if events, err = metrics.OpenJSONLFile(path); err != nil {
			return nil, err
		}
		obsList = append(obsList, events)
	}
	obsList = append(obsList, opts.Observers...)
	asyncObs := metrics.NewAsyncObserver(observers.NewMultiObserver(obsList...), 4096)

	fail := func(err error) (*Engine, error) {
		asyncObs.Close()
		if timeline != nil {
			_ = timeline.Close()
		}
		if events != nil {
			_ = events.Close()
		}
		return nil, err
	}
	transcriber, err := opts.Providers.BuildSTT(cfg, asyncObs)
	if err != nil {
		return fail(err)
	}
	generator, err := opts.Providers.BuildLLM(cfg, asyncObs)
	if err != nil {
		return fail(err)
	}
	synthesizer, err := opts.Providers.BuildTTS(cfg, asyncObs)
	if err != nil {
		return fail(err)
	}
	transport := opts.Transport
	if transport == nil {
		if transport, err = opts.Providers.BuildTransport(cfg, base); err != nil {
			return fail(err)
		}
	}

	log.Info("relay_init",
		"environment", cfg.Environment,
		"stt_provider", transcriber.Name(),
		"llm_provider", generator.Name(),
		"tts_provider", synthesizer.Name(),
		"transport", transport.Name(),
		"chunk_size", cfg.Protocol.ChunkSize,
		"header_encoding", headers.Name(),
	)

	e := &Engine{
		cfg:         cfg,
		providers:   opts.Providers,
		transport:   transport,
		transmitter: transmit.New(cfg.TransmitConfig(), codec, asyncObs, base),
		codec:       codec,
		services:    session.Services{Transcriber: transcriber, LLM: generator, Synthesizer: synthesizer},
		asyncObs:    asyncObs,
		timeline:    timeline,
		events:      events,
		gatherer:    gatherer,
		onTurnDone:  opts.OnTurnDone,
		routes:      opts.Routes,
		base:        base,
		log:         log,
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.registry = session.NewRegistry(e.newSession)
	e.runner = runner.NewLifecycleRunner(runner.DrainerFunc(e.drain), runner.Hooks{
		OnStart: e.onStart,
		OnStop:  e.onStop,
	}, 30*time.Second)
	e.runner.Banner = opts.Banner
	return e, nil
}

// Run serves until ctx is done, then drains sessions and stops.
func (e *Engine) Run(ctx context.Context) error {
	return e.runner.Run(ctx)
}

// Start runs the engine in the background.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	started := make(chan error, 1)
	go func() {
		err := e.runner.Run(ctx)
		select {
		case started <- err:
		default:
		}
	}()
	deadline := time.NewTimer(5 * time.Second)
	defer deadline.Stop()
	for {
		switch e.runner.State() {
		case runner.StateRunning:
			return nil
		case runner.StateStopped:
			return <-started
		}
		select {
		case err := <-started:
			return err
		case <-deadline.C:
			return errors.New("engine did not start")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (e *Engine) Stop() error {
	return e.runner.Stop()
}

func (e *Engine) onStart(ctx context.Context) error {
	if err := e.transport.Start(ctx); err != nil {
		return fmt.Errorf("start transport %s: %w", e.transport.Name(), err)
	}
	go e.route(ctx)
	if addr := strings.TrimSpace(e.cfg.Observability.MetricsAddr); addr != "" {
		e.metricsSrv = &http.Server{
			Addr:              addr,
			ReadHeaderTimeout: 5 * time.Second,
			Handler:           e.MetricsHandler(),
		}
		go func() {
			if err := e.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.log.Error("metrics_server_error", "error", err.Error())
			}
		}()
	}
	if e.cfg.Observability.RetentionDays > 0 {
		maxAge := time.Duration(e.cfg.Observability.RetentionDays) * 24 * time.Hour
		go observers.RunRetention(ctx, e.cfg.Observability.ArtifactsDir, maxAge, time.Hour, e.log)
	}

	fields := []any{"message", "VoxRelay Ready", "metrics_addr", e.cfg.Observability.MetricsAddr}
	if rr, ok := e.transport.(transports.ReadyReporter); ok {
		for k, v := range rr.ReadyFields() {
			fields = append(fields, k, v)
		}
	}
	e.log.Info("relay_ready", fields...)
	return nil
}

func (e *Engine) drain(ctx context.Context) error {
	e.registry.SetDraining(true)
	_ = e.transport.Stop()
	e.registry.CloseAll()
	ok := e.registry.WaitForEmpty(ctx, 50*time.Millisecond)
	e.cancel()
	if e.metricsSrv != nil {
		_ = e.metricsSrv.Shutdown(ctx)
	}
	if !ok {
		return errors.New("sessions still open after drain")
	}
	return nil
}

func (e *Engine) onStop() {
	e.asyncObs.Close()
	if e.timeline != nil {
		_ = e.timeline.Close()
	}
	if e.events != nil {
		_ = e.events.Close()
	}
	e.log.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_sessions", e.registry.Count(), "dropped_events", e.asyncObs.Dropped())
}

func (e *Engine) newSession(_ context.Context, id, traceID string, out transports.Channel) (*session.PeerSession, error) {
	return session.New(e.ctx, id, traceID, out, e.cfg.SessionConfig(), session.Deps{
		Services:    e.services,
		Transmitter: e.transmitter,
		Codec:       e.codec,
		Observer:    e.asyncObs,
		Logger:      e.base,
		OnTurnDone:  e.onTurnDone,
	}), nil
}

func (e *Engine) route(ctx context.Context) {
	events := e.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			e.handleEvent(ev)
		}
	}
}

func (e *Engine) handleEvent(ev transports.Event) {
	log := e.log.With(frames.MetaSessionID, ev.SessionID)
	switch ev.Kind {
	case transports.EventOpen:
		_, created, err := e.registry.Open(ev.SessionID, ev.TraceID, ev.Outbound)
		if err != nil {
			log.Warn("session_open_failed", "error", err.Error())
			if ev.Outbound != nil {
				_ = ev.Outbound.Close()
			}
			if d, ok := e.transport.(transports.Disconnector); ok {
				_ = d.Disconnect(ev.SessionID, "unavailable")
			}
			return
		}
		if !created {
			log.Warn("session_open_duplicate", frames.MetaTraceID, ev.TraceID)
			return
		}
		log.Info("session_opened", frames.MetaTraceID, ev.TraceID, "active_sessions", e.registry.Count())
	case transports.EventMessage:
		sess, ok := e.registry.Get(ev.SessionID)
		if !ok {
			log.Debug("message_dropped", "reason", "unknown_session")
			return
		}
		if err := sess.HandleMessage(ev.Message); err != nil {
			e.logRejected(log, err)
		}
	case transports.EventClose:
		if e.registry.Remove(ev.SessionID) {
			log.Info("session_removed", "reason", ev.Reason, "active_sessions", e.registry.Count())
		}
	}
}

func (e *Engine) logRejected(log *slog.Logger, err error) {
	switch {
	case errors.Is(err, session.ErrNotAudio), errors.Is(err, session.ErrClosed):
		log.Debug("message_rejected", "error", err.Error())
	case errors.Is(err, session.ErrTurnInFlight):
		log.Info("message_rejected", "error", err.Error())
	default:
		log.Warn("message_rejected", "error", err.Error())
	}
}

// MetricsHandler serves /metrics, /health and any extra routes.
func (e *Engine) MetricsHandler() http.Handler {
	mux := http.NewServeMux()
	for path, h := range e.routes {
		mux.Handle(path, h)
	}
	mux.Handle("/metrics", promhttp.HandlerFor(e.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]any{"status": "ok", "sessions": e.registry.Count()}
		if err := e.Health(); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = err.Error()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})
	return mux
}

func (e *Engine) Health() error {
	if e.transport == nil {
		return errors.New("missing transport")
	}
	if e.registry.Draining() {
		return errors.New("draining")
	}
	return nil
}

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Registry() *session.Registry { return e.registry }

func (e *Engine) Transport() transports.Transport { return e.transport }

func (e *Engine) Codec() *chunking.Codec { return e.codec }
