package stt

import (
	"context"
	"time"

	"github.com/harunnryd/voxrelay/pkg/resilience"
)

// Transcriber turns one complete utterance into text.
type Transcriber interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Transcribe returns the recognized text. An empty string is a valid
	// response; callers decide whether it counts as a failure.
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Config contains vendor-agnostic STT configuration.
type Config struct {
	Model    string
	Language string
	// FileName is the name the audio is uploaded under; vendors infer the container from it.
	FileName string
}

// Guarded wraps a Transcriber with a rate-limit circuit breaker.
type Guarded struct {
	inner   Transcriber
	breaker *resilience.CircuitBreaker
}

func NewGuarded(inner Transcriber, breaker *resilience.CircuitBreaker) *Guarded {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &Guarded{inner: inner, breaker: breaker}
}

func (g *Guarded) Name() string { return g.inner.Name() }

func (g *Guarded) Transcribe(ctx context.Context, audio []byte) (string, error) {
	var text string
	err := g.breaker.Call(g.inner.Name(), func() error {
		var err error
		text, err = g.inner.Transcribe(ctx, audio)
		return err
	})
	return text, err
}
