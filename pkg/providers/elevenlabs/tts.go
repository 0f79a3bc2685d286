package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/harunnryd/voxrelay/pkg/resilience"
)

const DefaultBaseURL = "https://api.elevenlabs.io/v1"

type Config struct {
	APIKey       string
	VoiceID      string
	ModelID      string
	OutputFormat string
	BaseURL      string
}

// ElevenLabsTTS renders one reply per request with the text-to-speech REST endpoint.
type ElevenLabsTTS struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config) (*ElevenLabsTTS, error) {
	if cfg.APIKey == "" || cfg.VoiceID == "" {
		return nil, errors.New("missing elevenlabs config")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "mp3_44100_128"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &ElevenLabsTTS{cfg: cfg, client: &http.Client{Timeout: 60 * time.Second}}, nil
}

func (s *ElevenLabsTTS) Name() string { return "elevenlabs_tts" }

func (s *ElevenLabsTTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	payload := map[string]any{"text": text}
	if s.cfg.ModelID != "" {
		payload["model_id"] = s.cfg.ModelID
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.buildURL(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("xi-api-key", s.cfg.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, resilience.StatusError{Provider: "elevenlabs", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return io.ReadAll(resp.Body)
}

func (s *ElevenLabsTTS) buildURL() string {
	q := url.Values{}
	q.Set("output_format", s.cfg.OutputFormat)
	return s.cfg.BaseURL + "/text-to-speech/" + url.PathEscape(s.cfg.VoiceID) + "?" + q.Encode()
}
