package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/harunnryd/voxrelay/pkg/adapters/tts"
)

const (
	DefaultSpeechModel = "gpt-4o-mini-tts"
	DefaultVoice       = "alloy"
	DefaultFormat      = "mp3"
)

// Speech synthesizes replies through /audio/speech.
type Speech struct {
	*Client
	cfg tts.Config
}

func NewSpeech(client *Client, cfg tts.Config) *Speech {
	if cfg.Model == "" {
		cfg.Model = DefaultSpeechModel
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	if cfg.Format == "" {
		cfg.Format = DefaultFormat
	}
	return &Speech{Client: client, cfg: cfg}
}

func (s *Speech) Name() string { return "openai" }

func (s *Speech) Synthesize(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(map[string]any{
		"model":           s.cfg.Model,
		"voice":           s.cfg.Voice,
		"input":           text,
		"response_format": s.cfg.Format,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url("/audio/speech"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
