package task

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/promptd/internal/domain"
	"github.com/phrazzld/promptd/internal/generation"
	"github.com/phrazzld/promptd/internal/platform/memory"
	"github.com/phrazzld/promptd/internal/queue"
	memqueue "github.com/phrazzld/promptd/internal/queue/memory"
	"github.com/stretchr/testify/require"
)

const redSwordAnalysis = `---KEYWORDS---
sword, red, weapon
---IMPROVED---
A vivid red sword, gleaming
---CATEGORIES---
Framing: close-up
File Type: digital painting
Shoot Context: studio, dramatic lighting`

// fakeProvider is a generation.Provider with func fields, mirroring the
// hand-written mocks used across the test suite.
type fakeProvider struct {
	ChatFn  func(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	EmbedFn func(ctx context.Context, text string) ([]float64, error)

	chatCalls  atomic.Int32
	embedCalls atomic.Int32
}

func (f *fakeProvider) Chat(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.chatCalls.Add(1)
	return f.ChatFn(ctx, systemPrompt, userPrompt)
}

func (f *fakeProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	f.embedCalls.Add(1)
	return f.EmbedFn(ctx, text)
}

func (f *fakeProvider) ChatAsync(ctx context.Context, systemPrompt, userPrompt string, timeout time.Duration) *generation.Call[string] {
	return generation.Go(ctx, "chat", timeout, func(ctx context.Context) (string, error) {
		return f.Chat(ctx, systemPrompt, userPrompt)
	})
}

func (f *fakeProvider) EmbedAsync(ctx context.Context, text string, timeout time.Duration) *generation.Call[[]float64] {
	return generation.Go(ctx, "embedding", timeout, func(ctx context.Context) ([]float64, error) {
		return f.Embed(ctx, text)
	})
}

func (f *fakeProvider) calls() (chat, embed int) {
	return int(f.chatCalls.Load()), int(f.embedCalls.Load())
}

func redSwordProvider() *fakeProvider {
	return &fakeProvider{
		ChatFn: func(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
			return redSwordAnalysis, nil
		},
		EmbedFn: func(ctx context.Context, text string) ([]float64, error) {
			return []float64{0.1, 0.2, 0.3}, nil
		},
	}
}

// pipeline wires a memory store and a memory broker.
type pipeline struct {
	store  *memory.Store
	broker *memqueue.Broker
	sub    queue.Subscription
}

func newPipeline(t *testing.T, maxDeliveries int) *pipeline {
	t.Helper()
	cfg := queue.DefaultConfig()
	cfg.MaxDeliveries = maxDeliveries
	cfg.VisibilityTimeout = 5 * time.Second
	cfg.Backoff = queue.Backoff{Initial: time.Millisecond, Multiplier: 1, Max: time.Millisecond}

	broker, err := memqueue.NewBroker(cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = broker.Close() })

	sub, err := broker.Subscribe(context.Background(), "test")
	require.NoError(t, err)

	return &pipeline{
		store:  memory.NewStore(nil, time.Second),
		broker: broker,
		sub:    sub,
	}
}

// submit stores a PENDING prompt and publishes its message.
func (p *pipeline) submit(t *testing.T, text string) *domain.Prompt {
	t.Helper()
	prompt, err := domain.NewPrompt(uuid.New(), text)
	require.NoError(t, err)
	require.NoError(t, p.store.Create(context.Background(), prompt))
	require.NoError(t, p.broker.Publish(context.Background(), domain.NewPromptMessage(prompt)))
	return prompt
}

func (p *pipeline) next(t *testing.T) *queue.Lease {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	lease, err := p.sub.Next(ctx)
	require.NoError(t, err)
	return lease
}

func (p *pipeline) prompt(t *testing.T, id uuid.UUID) *domain.Prompt {
	t.Helper()
	got, err := p.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	return got
}

// recordingPublisher collects published messages.
type recordingPublisher struct {
	mu   sync.Mutex
	msgs []domain.PromptMessage
	err  error
}

func (r *recordingPublisher) Publish(ctx context.Context, msg domain.PromptMessage) error {
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingPublisher) published() []domain.PromptMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.PromptMessage(nil), r.msgs...)
}
