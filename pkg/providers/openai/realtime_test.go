package openai

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestClientSecretsServesMintedSecret(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/realtime/client_secrets" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		want := map[string]any{
			"session": map[string]any{
				"type":  "realtime",
				"model": DefaultRealtimeModel,
				"audio": map[string]any{"output": map[string]any{"voice": "verse"}},
			},
		}
		if diff := cmp.Diff(want, req); diff != "" {
			t.Errorf("session config mismatch (-want +got):\n%s", diff)
		}
		_, _ = w.Write([]byte(`{"value":"ek_123","expires_at":1700000000}`))
	})
	srv := httptest.NewServer(NewClientSecrets(client, RealtimeSession{Voice: "verse"}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"value":"ek_123"`) {
		t.Fatalf("unexpected response %d %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestClientSecretsRejectsPost(t *testing.T) {
	secrets := NewClientSecrets(NewClient("test-key", "http://127.0.0.1:0"), RealtimeSession{})
	rec := httptest.NewRecorder()
	secrets.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/token", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestClientSecretsHidesUpstreamFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid api key sk-live", http.StatusUnauthorized)
	})
	rec := httptest.NewRecorder()
	NewClientSecrets(client, RealtimeSession{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/token", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "sk-live") {
		t.Fatalf("upstream body leaked: %s", rec.Body.String())
	}
}
