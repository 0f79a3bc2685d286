// Package session runs one conversational relay per connected peer.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/harunnryd/voxrelay/pkg/adapters/stt"
	"github.com/harunnryd/voxrelay/pkg/adapters/tts"
	"github.com/harunnryd/voxrelay/pkg/chunking"
	"github.com/harunnryd/voxrelay/pkg/errorsx"
	"github.com/harunnryd/voxrelay/pkg/frames"
	"github.com/harunnryd/voxrelay/pkg/llm"
	"github.com/harunnryd/voxrelay/pkg/logging"
	"github.com/harunnryd/voxrelay/pkg/metrics"
	"github.com/harunnryd/voxrelay/pkg/reassembly"
	"github.com/harunnryd/voxrelay/pkg/redact"
	"github.com/harunnryd/voxrelay/pkg/transmit"
	"github.com/harunnryd/voxrelay/pkg/transports"
	"github.com/harunnryd/voxrelay/pkg/turn"
)

// Config holds per-session limits and behavior.
type Config struct {
	// ServiceTimeout bounds each transcribe, generate and synthesize call.
	ServiceTimeout time.Duration
	// MaxInboundBytes rejects larger utterances. Zero disables the limit.
	MaxInboundBytes int
	// ErrorReplyText, when set, is spoken back after a transcription or
	// generation failure. Empty means failed turns are dropped silently.
	ErrorReplyText string
	SystemPrompt   string
	Reassembly     reassembly.Config
}

func (c Config) withDefaults() Config {
	if c.ServiceTimeout <= 0 {
		c.ServiceTimeout = 30 * time.Second
	}
	return c
}

// Services are the external black boxes a turn calls.
type Services struct {
	Transcriber stt.Transcriber
	LLM         llm.LLMAdapter
	Synthesizer tts.Synthesizer
}

// Deps are shared by every session of a relay.
type Deps struct {
	Services
	Transmitter *transmit.Transmitter
	Codec       *chunking.Codec
	Observer    metrics.Observer
	Logger      *slog.Logger
	// OnTurnDone is called from the turn goroutine after every turn.
	OnTurnDone func(TurnResult)
}

// TurnResult summarizes one finished turn.
type TurnResult struct {
	SessionID    string
	Turn         int64
	Transcript   string
	Reply        string
	Outcome      transmit.Outcome
	Err          error
	ErrorReplied bool
	Elapsed      time.Duration
}

// PeerSession is the relay state of one connected peer. At most one turn
// runs at a time; utterances that arrive meanwhile are rejected.
type PeerSession struct {
	ID       string
	TraceID  string
	Created  time.Time
	Outbound transports.Channel

	cfg     Config
	deps    Deps
	ctx     context.Context
	cancel  context.CancelFunc
	sem     *semaphore.Weighted
	tracker *turn.Tracker
	inbound *reassembly.Reassembler
	log     *slog.Logger

	mu        sync.Mutex
	closed    bool
	wg        sync.WaitGroup
	closeOnce sync.Once
	turns     atomic.Int64
}

// New creates a session bound to out. ctx bounds every turn of the session.
func New(ctx context.Context, id, traceID string, out transports.Channel, cfg Config, deps Deps) *PeerSession {
	if ctx == nil {
		ctx = context.Background()
	}
	if deps.Observer == nil {
		deps.Observer = metrics.NoopObserver{}
	}
	if deps.Codec == nil {
		deps.Codec = chunking.NewCodec(nil)
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &PeerSession{
		ID:       id,
		TraceID:  traceID,
		Created:  time.Now(),
		Outbound: out,
		cfg:      cfg.withDefaults(),
		deps:     deps,
		ctx:      sctx,
		cancel:   cancel,
		sem:      semaphore.NewWeighted(1),
		tracker:  turn.NewTracker(),
		inbound:  reassembly.New(cfg.Reassembly, deps.Codec),
		log: logging.NewComponentLogger(deps.Logger, "session").With(
			slog.String(frames.MetaSessionID, id),
			slog.String(frames.MetaTraceID, traceID),
		),
	}
	s.tracker.AddListener(turn.ListenerFunc(s.onPhaseChange))
	s.inbound.AddListener(reassembly.ListenerFunc(s.onInboundState))
	metrics.Record(s.deps.Observer, metrics.EventSessionOpened, 1, s.tags(nil), nil)
	return s
}

// Phase returns the phase of the current turn.
func (s *PeerSession) Phase() turn.Phase { return s.tracker.Phase() }

// Tracker exposes the phase machine so observers can subscribe.
func (s *PeerSession) Tracker() *turn.Tracker { return s.tracker }

// Turns returns how many turns were started.
func (s *PeerSession) Turns() int64 { return s.turns.Load() }

// HandleMessage routes one inbound message. Complete utterances start a turn
// in the background; the returned error only reports why a message was not
// accepted and never closes the session.
func (s *PeerSession) HandleMessage(msg transports.Message) error {
	if len(msg.Data) == 0 {
		s.log.Debug("message_ignored", "reason", "empty")
		return ErrNotAudio
	}
	audio, ready, err := s.classify(msg)
	if err != nil || !ready {
		return err
	}
	if s.cfg.MaxInboundBytes > 0 && len(audio) > s.cfg.MaxInboundBytes {
		s.log.Warn("message_ignored", "reason", "too_large", "bytes", len(audio), "limit", s.cfg.MaxInboundBytes)
		return ErrTooLarge
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.sem.TryAcquire(1) {
		s.mu.Unlock()
		metrics.Record(s.deps.Observer, metrics.EventTurnRejected, float64(len(audio)), s.tags(nil), map[string]any{
			"phase": s.tracker.Phase().String(),
		})
		s.log.Info("turn_rejected", "reason", "turn_in_flight", "phase", s.tracker.Phase().String(), "bytes", len(audio))
		return ErrTurnInFlight
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		res := s.runTurn(audio)
		s.sem.Release(1)
		if s.deps.OnTurnDone != nil {
			s.deps.OnTurnDone(res)
		}
	}()
	return nil
}

// Close cancels the in-flight turn, waits for it, and releases the channel,
// the inbound buffer and the send lock. It is idempotent.
func (s *PeerSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		s.wg.Wait()
		s.inbound.Release()
		if s.deps.Transmitter != nil {
			s.deps.Transmitter.Forget(s.Outbound.ID())
		}
		err = s.Outbound.Close()
		metrics.Record(s.deps.Observer, metrics.EventSessionClosed, time.Since(s.Created).Seconds(), s.tags(nil), map[string]any{
			"turns": s.turns.Load(),
		})
		s.log.Info("session_closed", "turns", s.turns.Load(), "age_ms", time.Since(s.Created).Milliseconds())
	})
	return err
}

func (s *PeerSession) runTurn(audio []byte) (res TurnResult) {
	ctx := s.ctx
	n := s.turns.Add(1)
	started := time.Now()
	res = TurnResult{SessionID: s.ID, Turn: n}
	tags := s.tags(map[string]string{"turn": fmt.Sprint(n)})
	metrics.Record(s.deps.Observer, metrics.EventTurnStarted, float64(len(audio)), tags, nil)
	s.log.Debug("turn_started", "turn", n, "bytes", len(audio))

	defer func() {
		s.tracker.Finish("turn done")
		res.Elapsed = time.Since(started)
	}()

	_ = s.tracker.Transition(turn.PhaseTranscribing, "audio received")
	text, err := s.transcribe(ctx, audio)
	if err != nil {
		res.Err = err
		s.fail(ctx, &res, tags, true)
		return res
	}
	res.Transcript = text
	s.log.Info("turn_transcribed", "turn", n, "transcript", redact.Preview(text, 200))

	_ = s.tracker.Transition(turn.PhaseGenerating, "transcribed")
	reply, err := s.generate(ctx, text)
	if err != nil {
		res.Err = err
		s.fail(ctx, &res, tags, true)
		return res
	}
	res.Reply = reply
	s.log.Info("turn_generated", "turn", n, "reply", redact.Preview(reply, 200))

	_ = s.tracker.Transition(turn.PhaseSynthesizing, "generated")
	speech, err := s.synthesize(ctx, reply)
	if err != nil {
		res.Err = err
		s.fail(ctx, &res, tags, false)
		return res
	}

	_ = s.tracker.Transition(turn.PhaseTransmitting, "synthesized")
	res.Outcome = s.deps.Transmitter.Transmit(ctx, s.Outbound, speech)
	if res.Outcome.Err != nil {
		res.Err = res.Outcome.Err
		s.fail(ctx, &res, tags, false)
		return res
	}
	metrics.Record(s.deps.Observer, metrics.EventTurnCompleted, float64(time.Since(started).Milliseconds()), tags, map[string]any{
		"speech_bytes": len(speech),
		"chunks":       res.Outcome.ChunksSent,
	})
	s.log.Info("turn_completed", "turn", n, "speech_bytes", len(speech), "chunks", res.Outcome.ChunksSent, "elapsed_ms", time.Since(started).Milliseconds())
	return res
}

func (s *PeerSession) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.ServiceTimeout)
}

func (s *PeerSession) transcribe(ctx context.Context, audio []byte) (string, error) {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()
	text, err := s.deps.Transcriber.Transcribe(callCtx, audio)
	if err != nil {
		return "", serviceError(opTranscribe, ErrTranscriptionFailed, errorsx.ReasonTranscriptionFailed, errorsx.ReasonSTTRateLimit, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errorsx.WrapOp(fmt.Errorf("%w: empty transcript", ErrTranscriptionFailed), errorsx.ReasonTranscriptionFailed, opTranscribe)
	}
	return text, nil
}

func (s *PeerSession) generate(ctx context.Context, text string) (string, error) {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()
	resp, err := s.deps.LLM.Generate(callCtx, llm.NewTurnContext(s.cfg.SystemPrompt, text))
	if err != nil {
		return "", serviceError(opGenerate, ErrGenerationFailed, errorsx.ReasonGenerationFailed, errorsx.ReasonLLMRateLimit, err)
	}
	reply := strings.TrimSpace(resp.Text)
	if reply == "" {
		return "", errorsx.WrapOp(fmt.Errorf("%w: empty reply", ErrGenerationFailed), errorsx.ReasonGenerationFailed, opGenerate)
	}
	return reply, nil
}

func (s *PeerSession) synthesize(ctx context.Context, text string) ([]byte, error) {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()
	audio, err := s.deps.Synthesizer.Synthesize(callCtx, text)
	if err != nil {
		return nil, serviceError(opSynthesize, ErrSynthesisFailed, errorsx.ReasonSynthesisFailed, errorsx.ReasonTTSRateLimit, err)
	}
	if len(audio) == 0 {
		return nil, errorsx.WrapOp(fmt.Errorf("%w: empty audio", ErrSynthesisFailed), errorsx.ReasonSynthesisFailed, opSynthesize)
	}
	return audio, nil
}

// fail records a failed turn. Failures before synthesis may be answered with
// the configured spoken error reply; nothing else is sent to the peer.
func (s *PeerSession) fail(ctx context.Context, res *TurnResult, tags map[string]string, beforeSynthesis bool) {
	reason := errorsx.Reason(res.Err)
	phase := s.tracker.Phase()
	failTags := frames.CloneTags(tags)
	failTags[frames.MetaReason] = string(reason)
	metrics.Record(s.deps.Observer, metrics.EventTurnFailed, 1, failTags, map[string]any{"phase": phase.String()})
	s.log.Warn("turn_failed",
		"turn", res.Turn,
		"phase", phase.String(),
		"reason_code", reason,
		"op", errorsx.Op(res.Err),
		"error", redact.Secrets(res.Err.Error()),
	)

	if !beforeSynthesis || s.cfg.ErrorReplyText == "" || ctx.Err() != nil || errors.Is(res.Err, context.Canceled) {
		return
	}
	s.tracker.Finish("turn failed")
	_ = s.tracker.Transition(turn.PhaseSynthesizing, "error reply")
	speech, err := s.synthesize(ctx, s.cfg.ErrorReplyText)
	if err != nil {
		s.log.Warn("error_reply_failed", "turn", res.Turn, "error", redact.Secrets(err.Error()))
		return
	}
	_ = s.tracker.Transition(turn.PhaseTransmitting, "error reply")
	out := s.deps.Transmitter.Transmit(ctx, s.Outbound, speech)
	res.ErrorReplied = out.Status == transmit.StatusSucceeded
}

func (s *PeerSession) onPhaseChange(ev turn.PhaseChange) {
	metrics.Record(s.deps.Observer, metrics.EventTurnPhase, float64(ev.Elapsed.Milliseconds()), s.tags(map[string]string{
		"from": strings.ToLower(ev.FromPhase.String()),
		"to":   strings.ToLower(ev.ToPhase.String()),
	}), map[string]any{"reason": ev.Reason})
}

func (s *PeerSession) tags(extra map[string]string) map[string]string {
	return frames.Tags(s.ID, s.TraceID, extra)
}
