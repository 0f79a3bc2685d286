package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/voxrelay/pkg/adapters/stt"
	"github.com/harunnryd/voxrelay/pkg/adapters/tts"
	"github.com/harunnryd/voxrelay/pkg/llm"
	"github.com/harunnryd/voxrelay/pkg/metrics"
	providermock "github.com/harunnryd/voxrelay/pkg/providers/mock"
	"github.com/harunnryd/voxrelay/pkg/reassembly"
	"github.com/harunnryd/voxrelay/pkg/session"
	"github.com/harunnryd/voxrelay/pkg/transmit"
	"github.com/harunnryd/voxrelay/pkg/transports"
	transportmock "github.com/harunnryd/voxrelay/pkg/transports/mock"
)

func testConfig() Config {
	return Config{
		Environment: "test",
		Protocol: ProtocolConfig{
			ChunkSize:          1024,
			HeaderEncoding:     "json",
			SendAbortOnFailure: true,
		},
		Services:   ServicesConfig{TimeoutMS: 2000},
		Vendors:    VendorsConfig{STT: VendorConfig{Provider: "mock"}, LLM: VendorConfig{Provider: "mock"}, TTS: VendorConfig{Provider: "mock"}},
		Transports: TransportsConfig{Provider: "mock"},
	}
}

func testProviders(ttsSize int) *ProviderRegistry {
	reg := NewProviderRegistry()
	reg.RegisterSTT("mock", func(Config, metrics.Observer) (stt.Transcriber, error) {
		return providermock.NewSTT(providermock.STTConfig{Transcript: "what time is it"}), nil
	})
	reg.RegisterLLM("mock", func(Config, metrics.Observer) (llm.LLMAdapter, error) {
		return providermock.NewLLMAdapter(providermock.LLMConfig{ResponseText: "it is noon"}), nil
	})
	reg.RegisterTTS("mock", func(Config, metrics.Observer) (tts.Synthesizer, error) {
		return providermock.NewTTS(providermock.TTSConfig{Size: ttsSize}), nil
	})
	return reg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEngineRelaysTurnEndToEnd(t *testing.T) {
	tr := transportmock.New()
	turns := make(chan session.TurnResult, 4)
	e, err := NewEngine(EngineOptions{
		Config:     testConfig(),
		Providers:  testProviders(5000),
		Transport:  tr,
		Logger:     quietLogger(),
		OnTurnDone: func(r session.TurnResult) { turns <- r },
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	ch := tr.Open()
	waitUntil(t, "session open", func() bool { return e.Registry().Count() == 1 })
	tr.Deliver(ch.ID(), transports.Message{Data: []byte("raw utterance")})

	var res session.TurnResult
	select {
	case res = <-turns:
	case <-time.After(3 * time.Second):
		t.Fatal("turn did not finish")
	}
	if res.Err != nil || res.Outcome.Status != transmit.StatusSucceeded {
		t.Fatalf("unexpected turn result: %+v", res)
	}
	if res.Transcript != "what time is it" || res.Reply != "it is noon" {
		t.Fatalf("unexpected transcript/reply: %q / %q", res.Transcript, res.Reply)
	}

	r := reassembly.New(reassembly.Config{}, e.Codec())
	var payload []byte
	for _, m := range ch.Messages() {
		out, done, err := r.FeedRaw(m.Data)
		if err != nil {
			t.Fatalf("reassemble: %v", err)
		}
		if done {
			payload = out
		}
	}
	if !bytes.Equal(payload, providermock.Audio("it is noon", 5000)) {
		t.Fatalf("reply audio mismatch: got %d bytes", len(payload))
	}
	// start + 5 data frames + complete
	if got := len(ch.Messages()); got != 7 {
		t.Fatalf("expected 7 frames, got %d", got)
	}

	_ = tr.Disconnect(ch.ID(), "peer_closed")
	waitUntil(t, "session removed", func() bool { return e.Registry().Count() == 0 })
	if !ch.Closed() {
		t.Fatal("outbound channel should be released with the session")
	}
}

func TestEngineDuplicateOpenKeepsFirstSession(t *testing.T) {
	tr := transportmock.New()
	e, err := NewEngine(EngineOptions{Config: testConfig(), Providers: testProviders(0), Transport: tr, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	ch := tr.Open()
	waitUntil(t, "session open", func() bool { return e.Registry().Count() == 1 })
	first, _ := e.Registry().Get(ch.ID())

	tr.Push(transports.Event{Kind: transports.EventOpen, SessionID: ch.ID(), Outbound: transportmock.NewChannel(ch.ID())})
	tr.Push(transports.Event{Kind: transports.EventMessage, SessionID: "unknown", Message: transports.Message{Data: []byte("x")}})
	waitUntil(t, "events drained", func() bool { return len(tr.Events()) == 0 })

	again, ok := e.Registry().Get(ch.ID())
	if !ok || again != first {
		t.Fatal("duplicate open must not replace the live session")
	}
}

func TestEngineStopDrainsSessions(t *testing.T) {
	tr := transportmock.New()
	e, err := NewEngine(EngineOptions{Config: testConfig(), Providers: testProviders(0), Transport: tr, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	a, b := tr.Open(), tr.Open()
	waitUntil(t, "sessions open", func() bool { return e.Registry().Count() == 2 })

	if err := e.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if e.Registry().Count() != 0 {
		t.Fatalf("expected no sessions after drain, got %d", e.Registry().Count())
	}
	if !a.Closed() || !b.Closed() {
		t.Fatal("drain must release every outbound channel")
	}
	if err := e.Health(); err == nil {
		t.Fatal("health should report draining after stop")
	}
}

func TestEngineServesExtraRoutes(t *testing.T) {
	token := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"value":"ek_test"}`))
	})
	e, err := NewEngine(EngineOptions{
		Config:    testConfig(),
		Providers: testProviders(0),
		Transport: transportmock.New(),
		Logger:    quietLogger(),
		Routes:    map[string]http.Handler{"/token": token},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	srv := httptest.NewServer(e.MetricsHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/token")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != `{"value":"ek_test"}` {
		t.Fatalf("unexpected response %d %s", resp.StatusCode, body)
	}
}

func TestEngineMetricsEndpoint(t *testing.T) {
	tr := transportmock.New()
	e, err := NewEngine(EngineOptions{Config: testConfig(), Providers: testProviders(0), Transport: tr, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	tr.Open()
	srv := httptest.NewServer(e.MetricsHandler())
	defer srv.Close()

	waitUntil(t, "session metric", func() bool {
		resp, err := http.Get(srv.URL + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return strings.Contains(string(body), "voxrelay_sessions_opened_total 1")
	})

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestNewEngineRejectsUnknownProvider(t *testing.T) {
	cfg := testConfig()
	cfg.Vendors.LLM.Provider = "nope"
	_, err := NewEngine(EngineOptions{Config: cfg, Providers: testProviders(0), Transport: transportmock.New(), Logger: quietLogger()})
	if err == nil || !strings.Contains(err.Error(), "llm provider not registered") {
		t.Fatalf("expected unregistered provider error, got %v", err)
	}
}

func TestNewEngineRequiresProviders(t *testing.T) {
	_, err := NewEngine(EngineOptions{Config: testConfig(), Transport: transportmock.New()})
	if err == nil {
		t.Fatal("expected error without provider registry")
	}
}

func TestNewEngineBuildsConfiguredTransport(t *testing.T) {
	reg := testProviders(0)
	want := errors.New("boom")
	reg.RegisterTransport("mock", func(Config, *slog.Logger) (transports.Transport, error) { return nil, want })
	_, err := NewEngine(EngineOptions{Config: testConfig(), Providers: reg, Logger: quietLogger()})
	if !errors.Is(err, want) {
		t.Fatalf("expected transport factory error, got %v", err)
	}
}

func TestEngineWritesEventsFile(t *testing.T) {
	cfg := testConfig()
	cfg.Observability.EventsFile = filepath.Join(t.TempDir(), "events.jsonl")
	tr := transportmock.New()
	e, err := NewEngine(EngineOptions{Config: cfg, Providers: testProviders(0), Transport: tr, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	tr.Open()
	waitUntil(t, "session open", func() bool { return e.Registry().Count() == 1 })
	if err := e.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	b, err := os.ReadFile(cfg.Observability.EventsFile)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	for _, name := range []string{"session_opened", "session_closed"} {
		if !strings.Contains(string(b), `"name":"`+name+`"`) {
			t.Fatalf("events file missing %s:\n%s", name, b)
		}
	}
}
