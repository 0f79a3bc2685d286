package mock

import (
	"context"
	"sync"

	"github.com/harunnryd/voxrelay/pkg/llm"
)

type LLMAdapter struct {
	cfg LLMConfig

	mu     sync.Mutex
	inputs []llm.Context
}

type LLMConfig struct {
	ResponseText string
	// Echo replies with the last user message instead of ResponseText.
	Echo  bool
	Err   error
	Block bool
}

func NewLLMAdapter(cfg LLMConfig) *LLMAdapter {
	if cfg.ResponseText == "" {
		cfg.ResponseText = "mock response"
	}
	return &LLMAdapter{cfg: cfg}
}

func (a *LLMAdapter) Name() string { return "mock_llm" }

func (a *LLMAdapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	a.mu.Lock()
	a.inputs = append(a.inputs, input)
	a.mu.Unlock()
	if a.cfg.Block {
		<-ctx.Done()
		return llm.Response{}, ctx.Err()
	}
	if a.cfg.Err != nil {
		return llm.Response{}, a.cfg.Err
	}
	if a.cfg.Echo && len(input.Messages) > 0 {
		last, _ := input.Messages[len(input.Messages)-1]["content"].(string)
		return llm.Response{Text: last, FinishReason: "stop"}, nil
	}
	return llm.Response{Text: a.cfg.ResponseText, FinishReason: "stop"}, nil
}

// Inputs returns every context passed to Generate.
func (a *LLMAdapter) Inputs() []llm.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]llm.Context, len(a.inputs))
	copy(out, a.inputs)
	return out
}
