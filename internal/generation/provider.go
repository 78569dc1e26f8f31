package generation

import (
	"context"
	"time"
)

// Provider is the chat and embedding API the pipeline depends on. Both
// operations come in a blocking form and a non-blocking form that returns a
// Call bounded by the supplied timeout.
type Provider interface {
	Chat(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Embed(ctx context.Context, text string) ([]float64, error)
	ChatAsync(ctx context.Context, systemPrompt, userPrompt string, timeout time.Duration) *Call[string]
	EmbedAsync(ctx context.Context, text string, timeout time.Duration) *Call[[]float64]
}
