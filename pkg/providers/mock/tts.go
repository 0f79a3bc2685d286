package mock

import (
	"context"
	"sync"
)

type TTSConfig struct {
	// Size is the length of the generated audio. Zero uses len(text) bytes.
	Size int
	Err  error
}

// Synthesizer returns deterministic bytes so tests can verify reassembly.
type Synthesizer struct {
	cfg TTSConfig

	mu    sync.Mutex
	texts []string
}

func NewTTS(cfg TTSConfig) *Synthesizer {
	return &Synthesizer{cfg: cfg}
}

func (s *Synthesizer) Name() string { return "mock_tts" }

func (s *Synthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.cfg.Err != nil {
		return nil, s.cfg.Err
	}
	return Audio(text, s.cfg.Size), nil
}

// Texts returns every text synthesized so far.
func (s *Synthesizer) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.texts))
	copy(out, s.texts)
	return out
}

// Audio is the payload Synthesize produces for text.
func Audio(text string, size int) []byte {
	if size <= 0 {
		return []byte(text)
	}
	out := make([]byte, size)
	if text == "" {
		return out
	}
	for i := range out {
		out[i] = text[i%len(text)] ^ byte(i>>8)
	}
	return out
}
