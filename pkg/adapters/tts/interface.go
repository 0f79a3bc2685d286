package tts

import (
	"context"
	"time"

	"github.com/harunnryd/voxrelay/pkg/resilience"
)

// Synthesizer renders text to encoded audio bytes.
type Synthesizer interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Config contains vendor-agnostic TTS configuration.
type Config struct {
	Model  string
	Voice  string
	Format string
}

// Guarded wraps a Synthesizer with a rate-limit circuit breaker.
type Guarded struct {
	inner   Synthesizer
	breaker *resilience.CircuitBreaker
}

func NewGuarded(inner Synthesizer, breaker *resilience.CircuitBreaker) *Guarded {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &Guarded{inner: inner, breaker: breaker}
}

func (g *Guarded) Name() string { return g.inner.Name() }

func (g *Guarded) Synthesize(ctx context.Context, text string) ([]byte, error) {
	var audio []byte
	err := g.breaker.Call(g.inner.Name(), func() error {
		var err error
		audio, err = g.inner.Synthesize(ctx, text)
		return err
	})
	return audio, err
}
