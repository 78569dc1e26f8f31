package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/phrazzld/promptd/internal/config"
	"github.com/phrazzld/promptd/internal/generation"
	"github.com/phrazzld/promptd/internal/metrics"
	"github.com/phrazzld/promptd/internal/redact"
)

const (
	opChat  = "chat"
	opEmbed = "embed"
)

// Client talks to the chat completions and embeddings endpoints.
type Client struct {
	http    *resty.Client
	cfg     config.ProviderConfig
	limiter *RateLimiter
	logger  *slog.Logger
	metrics *metrics.Metrics
}

var _ generation.Provider = (*Client)(nil)

// NewClient validates cfg and builds a client with its own token bucket.
// m may be nil.
func NewClient(logger *slog.Logger, cfg config.ProviderConfig, m *metrics.Metrics) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("%w: logger cannot be nil", generation.ErrInvalidConfig)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: api key is required", generation.ErrInvalidConfig)
	}
	if cfg.BaseURL == "" || cfg.ChatModel == "" || cfg.EmbeddingModel == "" {
		return nil, fmt.Errorf("%w: base url and models are required", generation.ErrInvalidConfig)
	}
	if cfg.RequestsPerSecond <= 0 {
		return nil, fmt.Errorf("%w: requests per second must be positive", generation.ErrInvalidConfig)
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.HTTPTimeout > 0 {
		httpClient.SetTimeout(cfg.HTTPTimeout)
	}

	return &Client{
		http:    httpClient,
		cfg:     cfg,
		limiter: NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst, cfg.AcquireTimeout),
		logger:  logger.With("component", "openai_client"),
		metrics: m,
	}, nil
}

// Chat sends one system and one user message and returns the first
// choice's content.
func (c *Client) Chat(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	req := chatRequest{
		Model: c.cfg.ChatModel,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}

	var resp chatResponse
	if err := c.post(ctx, opChat, "/chat/completions", req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", c.parseFailure(opChat, generation.NewParseError(opChat, "response has no choices"))
	}
	return resp.Choices[0].Message.Content, nil
}

// Embed returns the embedding vector of text.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	req := embeddingRequest{Model: c.cfg.EmbeddingModel, Input: text}

	var resp embeddingResponse
	if err := c.post(ctx, opEmbed, "/embeddings", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, c.parseFailure(opEmbed, generation.NewParseError(opEmbed, "response has no embedding"))
	}

	vec := make([]float64, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		f, ok := v.(float64)
		if !ok {
			return nil, c.parseFailure(opEmbed, generation.NewParseError(opEmbed, "embedding entry %d is not a number: %v", i, v))
		}
		vec[i] = f
	}
	return vec, nil
}

// ChatAsync runs Chat in the background, bounded by timeout.
func (c *Client) ChatAsync(ctx context.Context, systemPrompt, userPrompt string, timeout time.Duration) *generation.Call[string] {
	return generation.Go(ctx, opChat, timeout, func(ctx context.Context) (string, error) {
		return c.Chat(ctx, systemPrompt, userPrompt)
	})
}

// EmbedAsync runs Embed in the background, bounded by timeout.
func (c *Client) EmbedAsync(ctx context.Context, text string, timeout time.Duration) *generation.Call[[]float64] {
	return generation.Go(ctx, opEmbed, timeout, func(ctx context.Context) ([]float64, error) {
		return c.Embed(ctx, text)
	})
}

func (c *Client) post(ctx context.Context, op, path string, body, out any) error {
	if !c.limiter.Acquire(ctx) {
		c.metrics.IncRateLimited(op)
		c.logger.WarnContext(ctx, "local rate limit exhausted", "op", op)
		return &generation.ProviderError{
			Kind:    generation.KindRateLimited,
			Op:      op,
			Message: "no rate limit token available",
			Err:     generation.ErrRateLimitExceeded,
		}
	}

	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		Post(path)
	elapsed := time.Since(start)

	if err != nil {
		pe := transportError(ctx, op, err)
		c.metrics.ObserveProvider(op, pe.Kind.String(), elapsed)
		if pe.Kind == generation.KindTimeout || errors.Is(err, context.Canceled) {
			c.logger.DebugContext(ctx, "provider call abandoned", "op", op, "error", redact.Error(err))
		} else {
			c.logger.WarnContext(ctx, "provider call failed", "op", op, "error", redact.Error(err))
		}
		return pe
	}

	if !resp.IsSuccess() {
		pe := classify(op, resp.StatusCode(), resp.Body())
		c.metrics.ObserveProvider(op, pe.Kind.String(), elapsed)
		c.logger.WarnContext(ctx, "provider returned error",
			"op", op,
			"status", resp.StatusCode(),
			"kind", pe.Kind.String(),
			"code", pe.Code)
		return pe
	}

	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return c.parseFailure(op, generation.NewParseError(op, "decode response: %v", err))
	}

	c.metrics.ObserveProvider(op, "ok", elapsed)
	c.logger.DebugContext(ctx, "provider call succeeded", "op", op, "duration_ms", elapsed.Milliseconds())
	return nil
}

func (c *Client) parseFailure(op string, pe *generation.ProviderError) error {
	c.metrics.ObserveProvider(op, "parse_error", 0)
	c.logger.Warn("provider response could not be parsed", "op", op, "error", pe.Message)
	return pe
}

func transportError(ctx context.Context, op string, err error) *generation.ProviderError {
	var netErr net.Error
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return &generation.ProviderError{
			Kind:    generation.KindTimeout,
			Op:      op,
			Message: "request deadline exceeded",
			Err:     fmt.Errorf("%w: %w", generation.ErrTimeout, err),
		}
	default:
		return &generation.ProviderError{
			Kind:    generation.KindUnknown,
			Op:      op,
			Message: redact.Error(err),
			Err:     err,
		}
	}
}
