package relay

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/voxrelay/pkg/adapters/stt"
	"github.com/harunnryd/voxrelay/pkg/adapters/tts"
	"github.com/harunnryd/voxrelay/pkg/llm"
	"github.com/harunnryd/voxrelay/pkg/metrics"
	"github.com/harunnryd/voxrelay/pkg/transports"
)

type STTFactory func(cfg Config, obs metrics.Observer) (stt.Transcriber, error)
type LLMFactory func(cfg Config, obs metrics.Observer) (llm.LLMAdapter, error)
type TTSFactory func(cfg Config, obs metrics.Observer) (tts.Synthesizer, error)
type TransportFactory func(cfg Config, logger *slog.Logger) (transports.Transport, error)

// ProviderRegistry maps provider names from the config to constructors.
type ProviderRegistry struct {
	stt       map[string]STTFactory
	llm       map[string]LLMFactory
	tts       map[string]TTSFactory
	transport map[string]TransportFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt:       make(map[string]STTFactory),
		llm:       make(map[string]LLMFactory),
		tts:       make(map[string]TTSFactory),
		transport: make(map[string]TransportFactory),
	}
}

func providerKey(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

func (r *ProviderRegistry) RegisterSTT(name string, factory STTFactory) {
	r.stt[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterLLM(name string, factory LLMFactory) {
	r.llm[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterTTS(name string, factory TTSFactory) {
	r.tts[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterTransport(name string, factory TransportFactory) {
	r.transport[providerKey(name)] = factory
}

func (r *ProviderRegistry) BuildSTT(cfg Config, obs metrics.Observer) (stt.Transcriber, error) {
	fn := r.stt[providerKey(cfg.Vendors.STT.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", cfg.Vendors.STT.Provider)
	}
	return fn(cfg, obs)
}

func (r *ProviderRegistry) BuildLLM(cfg Config, obs metrics.Observer) (llm.LLMAdapter, error) {
	fn := r.llm[providerKey(cfg.Vendors.LLM.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", cfg.Vendors.LLM.Provider)
	}
	return fn(cfg, obs)
}

func (r *ProviderRegistry) BuildTTS(cfg Config, obs metrics.Observer) (tts.Synthesizer, error) {
	fn := r.tts[providerKey(cfg.Vendors.TTS.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", cfg.Vendors.TTS.Provider)
	}
	return fn(cfg, obs)
}

func (r *ProviderRegistry) BuildTransport(cfg Config, logger *slog.Logger) (transports.Transport, error) {
	fn := r.transport[providerKey(cfg.Transports.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("transport provider not registered: %s", cfg.Transports.Provider)
	}
	return fn(cfg, logger)
}
