package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/harunnryd/voxrelay/pkg/llm"
)

const DefaultChatModel = "gpt-4o-mini"

// Adapter generates replies through /chat/completions.
type Adapter struct {
	*Client
	Model string
}

func NewAdapter(client *Client, model string) *Adapter {
	if model == "" {
		model = DefaultChatModel
	}
	return &Adapter{Client: client, Model: model}
}

func (a *Adapter) Name() string { return "openai" }

func (a *Adapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	body, err := json.Marshal(map[string]any{
		"model":    a.Model,
		"messages": input.Messages,
	})
	if err != nil {
		return llm.Response{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url("/chat/completions"), bytes.NewReader(body))
	if err != nil {
		return llm.Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.do(req)
	if err != nil {
		return llm.Response{}, err
	}
	defer resp.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return llm.Response{}, err
	}
	return fromProviderFormat(payload)
}

func fromProviderFormat(m map[string]any) (llm.Response, error) {
	choices, _ := m["choices"].([]any)
	if len(choices) == 0 {
		return llm.Response{}, errors.New("openai: no choices")
	}
	first, _ := choices[0].(map[string]any)
	msg, _ := first["message"].(map[string]any)
	resp := llm.Response{Text: stringValue(msg["content"])}
	resp.FinishReason = stringValue(first["finish_reason"])
	if usage, ok := m["usage"].(map[string]any); ok {
		resp.Usage = llm.Usage{
			PromptTokens:     intValue(usage["prompt_tokens"]),
			CompletionTokens: intValue(usage["completion_tokens"]),
			TotalTokens:      intValue(usage["total_tokens"]),
		}
	}
	return resp, nil
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func intValue(v any) int {
	f, _ := v.(float64)
	return int(f)
}
