package session

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/voxrelay/pkg/chunking"
	"github.com/harunnryd/voxrelay/pkg/errorsx"
	"github.com/harunnryd/voxrelay/pkg/frames"
	"github.com/harunnryd/voxrelay/pkg/metrics"
	providermock "github.com/harunnryd/voxrelay/pkg/providers/mock"
	"github.com/harunnryd/voxrelay/pkg/reassembly"
	"github.com/harunnryd/voxrelay/pkg/transmit"
	"github.com/harunnryd/voxrelay/pkg/transports"
	transportmock "github.com/harunnryd/voxrelay/pkg/transports/mock"
)

type harness struct {
	sess  *PeerSession
	ch    *transportmock.Channel
	stt   *providermock.Transcriber
	llm   *providermock.LLMAdapter
	tts   *providermock.Synthesizer
	obs   *metrics.MemoryObserver
	turns chan TurnResult
}

type harnessOpts struct {
	cfg Config
	stt providermock.STTConfig
	llm providermock.LLMConfig
	tts providermock.TTSConfig
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	h := &harness{
		ch:    transportmock.NewChannel("peer-1"),
		stt:   providermock.NewSTT(opts.stt),
		llm:   providermock.NewLLMAdapter(opts.llm),
		tts:   providermock.NewTTS(opts.tts),
		obs:   metrics.NewMemoryObserver(),
		turns: make(chan TurnResult, 8),
	}
	codec := chunking.NewCodec(nil)
	deps := Deps{
		Services:    Services{Transcriber: h.stt, LLM: h.llm, Synthesizer: h.tts},
		Transmitter: transmit.New(transmit.Config{ChunkSize: 16384}, codec, nil, nil),
		Codec:       codec,
		Observer:    h.obs,
		OnTurnDone:  func(r TurnResult) { h.turns <- r },
	}
	h.sess = New(context.Background(), "peer-1", "trace-1", h.ch, opts.cfg, deps)
	t.Cleanup(func() { _ = h.sess.Close() })
	return h
}

func (h *harness) waitTurn(t *testing.T) TurnResult {
	t.Helper()
	select {
	case r := <-h.turns:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for turn")
		return TurnResult{}
	}
}

func (h *harness) received(t *testing.T) [][]byte {
	t.Helper()
	r := reassembly.New(reassembly.Config{}, nil)
	var out [][]byte
	for i, m := range h.ch.Messages() {
		payload, done, err := r.FeedRaw(m.Data)
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if done {
			out = append(out, payload)
		}
	}
	return out
}

func binary(b []byte) transports.Message { return transports.Message{Data: b} }

func TestTurnRelaysSynthesizedAudio(t *testing.T) {
	h := newHarness(t, harnessOpts{
		stt: providermock.STTConfig{Transcript: "hello there"},
		llm: providermock.LLMConfig{Echo: true},
		tts: providermock.TTSConfig{Size: 40000},
	})
	if err := h.sess.HandleMessage(binary([]byte("webm-utterance"))); err != nil {
		t.Fatalf("handle: %v", err)
	}
	res := h.waitTurn(t)
	if res.Err != nil {
		t.Fatalf("turn failed: %v", res.Err)
	}
	if res.Transcript != "hello there" || res.Reply != "hello there" {
		t.Fatalf("unexpected turn %+v", res)
	}
	if res.Outcome.FramesSent != 5 {
		t.Fatalf("expected 5 frames, got %d", res.Outcome.FramesSent)
	}
	got := h.received(t)
	if len(got) != 1 || !bytes.Equal(got[0], providermock.Audio("hello there", 40000)) {
		t.Fatalf("peer did not receive the synthesized audio")
	}
	if string(h.stt.Audio()[0]) != "webm-utterance" {
		t.Fatalf("transcriber got %q", h.stt.Audio()[0])
	}
	if h.sess.Phase().String() != "IDLE" {
		t.Fatalf("expected idle after turn, got %s", h.sess.Phase())
	}
	if h.obs.Count(metrics.EventTurnCompleted) != 1 || h.obs.Count(metrics.EventTurnPhase) != 5 {
		t.Fatalf("unexpected metrics: completed=%d phases=%d", h.obs.Count(metrics.EventTurnCompleted), h.obs.Count(metrics.EventTurnPhase))
	}
}

func TestOverlappingUtteranceIsRejected(t *testing.T) {
	h := newHarness(t, harnessOpts{stt: providermock.STTConfig{Delay: 100 * time.Millisecond}})
	if err := h.sess.HandleMessage(binary([]byte("first"))); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := h.sess.HandleMessage(binary([]byte("second"))); !errors.Is(err, ErrTurnInFlight) {
		t.Fatalf("expected ErrTurnInFlight, got %v", err)
	}
	h.waitTurn(t)
	if err := h.sess.HandleMessage(binary([]byte("third"))); err != nil {
		t.Fatalf("third: %v", err)
	}
	h.waitTurn(t)
	audio := h.stt.Audio()
	if len(audio) != 2 || string(audio[0]) != "first" || string(audio[1]) != "third" {
		t.Fatalf("unexpected utterances %q", audio)
	}
	if h.obs.Count(metrics.EventTurnRejected) != 1 {
		t.Fatalf("expected one turn_rejected event")
	}
}

func TestTranscriptionFailureDropsTurnSilently(t *testing.T) {
	h := newHarness(t, harnessOpts{stt: providermock.STTConfig{Err: errors.New("stt down")}})
	_ = h.sess.HandleMessage(binary([]byte("audio")))
	res := h.waitTurn(t)
	if !errors.Is(res.Err, ErrTranscriptionFailed) {
		t.Fatalf("expected ErrTranscriptionFailed, got %v", res.Err)
	}
	if errorsx.Reason(res.Err) != errorsx.ReasonTranscriptionFailed {
		t.Fatalf("unexpected reason %s", errorsx.Reason(res.Err))
	}
	if errorsx.Op(res.Err) != opTranscribe {
		t.Fatalf("unexpected failing step %q", errorsx.Op(res.Err))
	}
	if n := len(h.ch.Messages()); n != 0 {
		t.Fatalf("expected nothing sent, got %d messages", n)
	}
	if len(h.llm.Inputs()) != 0 {
		t.Fatalf("generation must not run after a failed transcription")
	}
	if h.obs.Count(metrics.EventTurnFailed) != 1 {
		t.Fatalf("expected a turn_failed event")
	}
}

func TestEmptyTranscriptIsTranscriptionFailure(t *testing.T) {
	h := newHarness(t, harnessOpts{stt: providermock.STTConfig{Transcript: "   "}})
	_ = h.sess.HandleMessage(binary([]byte("silence")))
	if res := h.waitTurn(t); !errors.Is(res.Err, ErrTranscriptionFailed) {
		t.Fatalf("expected ErrTranscriptionFailed, got %v", res.Err)
	}
}

func TestGenerationTimeout(t *testing.T) {
	h := newHarness(t, harnessOpts{
		cfg: Config{ServiceTimeout: 20 * time.Millisecond},
		llm: providermock.LLMConfig{Block: true},
	})
	_ = h.sess.HandleMessage(binary([]byte("audio")))
	res := h.waitTurn(t)
	if !errors.Is(res.Err, ErrGenerationFailed) || !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Fatalf("expected generation timeout, got %v", res.Err)
	}
}

func TestSpokenErrorReply(t *testing.T) {
	h := newHarness(t, harnessOpts{
		cfg: Config{ErrorReplyText: "sorry, try again"},
		llm: providermock.LLMConfig{Err: errors.New("llm down")},
	})
	_ = h.sess.HandleMessage(binary([]byte("audio")))
	res := h.waitTurn(t)
	if !errors.Is(res.Err, ErrGenerationFailed) || !res.ErrorReplied {
		t.Fatalf("expected spoken error reply, got %+v", res)
	}
	got := h.received(t)
	if len(got) != 1 || string(got[0]) != "sorry, try again" {
		t.Fatalf("unexpected payloads %q", got)
	}
}

func TestSynthesisFailureIsNotAnsweredWithSpeech(t *testing.T) {
	h := newHarness(t, harnessOpts{
		cfg: Config{ErrorReplyText: "sorry"},
		tts: providermock.TTSConfig{Err: errors.New("tts down")},
	})
	_ = h.sess.HandleMessage(binary([]byte("audio")))
	res := h.waitTurn(t)
	if !errors.Is(res.Err, ErrSynthesisFailed) || res.ErrorReplied {
		t.Fatalf("unexpected result %+v", res)
	}
	if n := len(h.ch.Messages()); n != 0 {
		t.Fatalf("expected nothing sent, got %d", n)
	}
}

func TestSendFailureEndsTurnButNotSession(t *testing.T) {
	h := newHarness(t, harnessOpts{tts: providermock.TTSConfig{Size: 40000}})
	h.ch.FailAfter(1, nil)
	_ = h.sess.HandleMessage(binary([]byte("audio")))
	res := h.waitTurn(t)
	if res.Outcome.Status != transmit.StatusAborted || res.Outcome.AbortedAt != 0 {
		t.Fatalf("unexpected outcome %+v", res.Outcome)
	}
	if errorsx.Reason(res.Err) != errorsx.ReasonChannelSendFailed {
		t.Fatalf("unexpected reason %s", errorsx.Reason(res.Err))
	}
	if err := h.sess.HandleMessage(binary([]byte("again"))); err != nil {
		t.Fatalf("session should accept more audio: %v", err)
	}
	if res := h.waitTurn(t); res.Err != nil {
		t.Fatalf("second turn failed: %v", res.Err)
	}
}

func TestNonAudioMessagesAreIgnored(t *testing.T) {
	h := newHarness(t, harnessOpts{cfg: Config{MaxInboundBytes: 4}})
	if err := h.sess.HandleMessage(transports.Message{Text: true, Data: []byte("hi")}); !errors.Is(err, ErrNotAudio) {
		t.Fatalf("expected ErrNotAudio for text, got %v", err)
	}
	if err := h.sess.HandleMessage(binary(nil)); !errors.Is(err, ErrNotAudio) {
		t.Fatalf("expected ErrNotAudio for empty, got %v", err)
	}
	if err := h.sess.HandleMessage(binary([]byte("too large"))); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if h.stt.Calls() != 0 {
		t.Fatalf("nothing should reach the transcriber")
	}
}

func TestChunkedUploadIsReassembled(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	codec := chunking.NewCodec(nil)
	upload := bytes.Repeat([]byte("voice"), 10000)
	seq, _ := chunking.Encode(upload, 16384)
	for i, f := range seq {
		msg, err := codec.Marshal(f)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if err := h.sess.HandleMessage(msg); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}
	h.waitTurn(t)
	if audio := h.stt.Audio(); len(audio) != 1 || !bytes.Equal(audio[0], upload) {
		t.Fatalf("transcriber did not get the reassembled upload")
	}
}

func TestMalformedUploadIsLocalToUploads(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	codec := chunking.NewCodec(nil)
	start, _ := codec.Marshal(frames.StartFrame{TotalSize: 10, TotalChunks: 1, ChunkSize: 16})
	bad, _ := codec.Marshal(frames.DataFrame{ChunkIndex: 1, ChunkSize: 10, Payload: make([]byte, 10)})
	_ = h.sess.HandleMessage(start)
	if err := h.sess.HandleMessage(bad); !errors.Is(err, reassembly.ErrOutOfOrderChunk) {
		t.Fatalf("expected ErrOutOfOrderChunk, got %v", err)
	}
	if h.obs.Count(metrics.EventReassemblyError) != 1 {
		t.Fatalf("expected reassembly_error event")
	}
	// Whole-message utterances still work.
	if err := h.sess.HandleMessage(binary([]byte("plain audio"))); err != nil {
		t.Fatalf("plain audio: %v", err)
	}
	h.waitTurn(t)

	// ISO-BMFF audio opens with a zero byte like a chunk envelope does.
	mp4 := append([]byte{0x00, 0x00, 0x00, 0x1c}, []byte("ftypisom\x00\x00\x02\x00isomiso2mp41")...)
	for i := 0; i < 2; i++ {
		if err := h.sess.HandleMessage(binary(mp4)); err != nil {
			t.Fatalf("mp4 utterance %d: %v", i, err)
		}
		h.waitTurn(t)
	}
	if got := len(h.stt.Audio()); got != 3 {
		t.Fatalf("expected 3 transcriptions, got %d", got)
	}

	// Chunks of the failed upload are still absorbed.
	late, _ := codec.Marshal(frames.DataFrame{ChunkIndex: 0, ChunkSize: 10, Payload: make([]byte, 10)})
	if err := h.sess.HandleMessage(late); !errors.Is(err, reassembly.ErrInErrorState) {
		t.Fatalf("expected ErrInErrorState, got %v", err)
	}
}

func TestCloseCancelsInFlightTurn(t *testing.T) {
	h := newHarness(t, harnessOpts{stt: providermock.STTConfig{Delay: 5 * time.Second}})
	_ = h.sess.HandleMessage(binary([]byte("audio")))
	done := make(chan struct{})
	go func() {
		_ = h.sess.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("close did not cancel the turn")
	}
	res := h.waitTurn(t)
	if !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", res.Err)
	}
	if !h.ch.Closed() {
		t.Fatalf("expected outbound channel released")
	}
	if err := h.sess.HandleMessage(binary([]byte("late"))); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
