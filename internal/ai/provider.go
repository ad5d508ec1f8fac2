package ai

import "context"

// Usage carries the provider-reported token counts for one call.
type Usage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
}

// Provider abstracts the chat completion backend.
type Provider interface {
	Complete(ctx context.Context, model, system, user string) (string, Usage, error)
}
