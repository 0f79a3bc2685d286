package webrtc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/harunnryd/voxrelay/pkg/transports"
)

func newTestTransport(t *testing.T, cfg Config) *Transport {
	t.Helper()
	tr, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	tr.ice = StaticICE(nil)
	t.Cleanup(func() { _ = tr.Stop() })
	return tr
}

func clientOffer(t *testing.T) (*webrtc.PeerConnection, string) {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("client pc: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	if _, err := pc.CreateDataChannel("audio", nil); err != nil {
		t.Fatalf("client dc: %v", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local: %v", err)
	}
	<-gathered
	body, _ := json.Marshal(sessionDescription{SDP: pc.LocalDescription().SDP, Type: "offer"})
	return pc, string(body)
}

func TestOfferReturnsAnswerAndOpensSession(t *testing.T) {
	tr := newTestTransport(t, Config{})
	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()

	pc, body := clientOffer(t)
	resp, err := http.Post(srv.URL+"/offer", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var answer sessionDescription
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if answer.Type != "answer" || !strings.Contains(answer.SDP, "webrtc-datachannel") {
		t.Fatalf("unexpected answer %+v", answer)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		t.Fatalf("client set remote: %v", err)
	}

	select {
	case ev := <-tr.Events():
		if ev.Kind != transports.EventOpen || ev.Outbound == nil || ev.Outbound.ID() != ev.SessionID {
			t.Fatalf("unexpected event %+v", ev)
		}
		if _, ok := ev.Outbound.(transports.BufferedChannel); !ok {
			t.Fatalf("outbound channel should report buffered amount")
		}
	case <-time.After(time.Second):
		t.Fatalf("expected open event")
	}

	hr := httptest.NewRecorder()
	tr.handleHealth(hr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if !strings.Contains(hr.Body.String(), `"peers":1`) {
		t.Fatalf("unexpected health body %s", hr.Body.String())
	}
}

func TestOfferValidation(t *testing.T) {
	tr := newTestTransport(t, Config{})
	cases := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"bad json", http.MethodPost, "{", http.StatusBadRequest},
		{"not an offer", http.MethodPost, `{"sdp":"v=0","type":"answer"}`, http.StatusBadRequest},
		{"empty sdp", http.MethodPost, `{"sdp":"","type":"offer"}`, http.StatusBadRequest},
		{"garbage sdp", http.MethodPost, `{"sdp":"not sdp","type":"offer"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tr.handleOffer(w, httptest.NewRequest(tc.method, "/offer", bytes.NewBufferString(tc.body)))
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, w.Code)
			}
		})
	}
}

func TestOfferRateLimit(t *testing.T) {
	tr := newTestTransport(t, Config{OfferRate: 0.001, OfferBurst: 1})
	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		tr.handleOffer(w, httptest.NewRequest(http.MethodPost, "/offer", bytes.NewBufferString("{")))
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusBadRequest || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("unexpected codes %v", codes)
	}
}

func TestOfferCORS(t *testing.T) {
	tr := newTestTransport(t, Config{AllowedOrigins: []string{"https://app.example.com"}})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/offer", nil)
	req.Header.Set("Origin", "https://app.example.com")
	tr.handleOffer(w, req)
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Fatalf("unexpected preflight %d %v", w.Code, w.Header())
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/offer", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	tr.handleOffer(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestDrainingRejectsOffers(t *testing.T) {
	tr := newTestTransport(t, Config{})
	tr.draining.Store(true)
	w := httptest.NewRecorder()
	tr.handleOffer(w, httptest.NewRequest(http.MethodPost, "/offer", bytes.NewBufferString("{}")))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}
