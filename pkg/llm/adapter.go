package llm

import "context"

// Context is the provider-neutral chat input: role/content messages.
type Context struct {
	Messages []map[string]any
}

// NewTurnContext builds a single-turn context with an optional system prompt.
func NewTurnContext(systemPrompt, userText string) Context {
	msgs := make([]map[string]any, 0, 2)
	if systemPrompt != "" {
		msgs = append(msgs, map[string]any{"role": "system", "content": systemPrompt})
	}
	msgs = append(msgs, map[string]any{"role": "user", "content": userText})
	return Context{Messages: msgs}
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Response struct {
	Text         string
	Usage        Usage
	FinishReason string
}

// LLMAdapter generates one reply per call. Implementations are stateless
// across turns; conversation history is not kept.
type LLMAdapter interface {
	Name() string
	Generate(ctx context.Context, input Context) (Response, error)
}
