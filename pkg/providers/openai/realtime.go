package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/harunnryd/voxrelay/pkg/resilience"
)

const (
	DefaultRealtimeModel = "gpt-realtime"
	DefaultRealtimeVoice = "marin"
)

// RealtimeSession is the session a minted client secret is scoped to.
type RealtimeSession struct {
	Model string
	Voice string
}

// ClientSecrets mints short-lived realtime client secrets so browsers can
// talk to OpenAI directly without holding the API key.
type ClientSecrets struct {
	*Client
	Session RealtimeSession
}

func NewClientSecrets(client *Client, session RealtimeSession) *ClientSecrets {
	if session.Model == "" {
		session.Model = DefaultRealtimeModel
	}
	if session.Voice == "" {
		session.Voice = DefaultRealtimeVoice
	}
	return &ClientSecrets{Client: client, Session: session}
}

// Mint requests one client secret and returns the provider response as is.
func (c *ClientSecrets) Mint(ctx context.Context) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]any{
		"session": map[string]any{
			"type":  "realtime",
			"model": c.Session.Model,
			"audio": map[string]any{
				"output": map[string]any{"voice": c.Session.Voice},
			},
		},
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/realtime/client_secrets"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if !json.Valid(raw) {
		return nil, errors.New("openai: client secret response is not json")
	}
	return raw, nil
}

// ServeHTTP answers GET with a freshly minted client secret.
func (c *ClientSecrets) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw, err := c.Mint(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		status := http.StatusBadGateway
		if resilience.IsRateLimit(err) {
			status = http.StatusTooManyRequests
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "client secret unavailable"})
		return
	}
	_, _ = w.Write(raw)
}
