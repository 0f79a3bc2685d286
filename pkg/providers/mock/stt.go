package mock

import (
	"context"
	"sync"
	"time"
)

type STTConfig struct {
	Transcript string
	Err        error
	// Delay holds every call, honoring ctx.
	Delay time.Duration
}

type Transcriber struct {
	cfg STTConfig

	mu    sync.Mutex
	audio [][]byte
}

func NewSTT(cfg STTConfig) *Transcriber {
	if cfg.Transcript == "" {
		cfg.Transcript = "mock transcript"
	}
	return &Transcriber{cfg: cfg}
}

func (s *Transcriber) Name() string { return "mock_stt" }

func (s *Transcriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	s.mu.Lock()
	s.audio = append(s.audio, append([]byte(nil), audio...))
	s.mu.Unlock()
	if s.cfg.Delay > 0 {
		timer := time.NewTimer(s.cfg.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	if s.cfg.Err != nil {
		return "", s.cfg.Err
	}
	return s.cfg.Transcript, nil
}

// Calls reports how many utterances were received.
func (s *Transcriber) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio)
}

// Audio returns a copy of every utterance received.
func (s *Transcriber) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.audio))
	copy(out, s.audio)
	return out
}
