package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/promptd/internal/domain"
	"github.com/phrazzld/promptd/internal/domain/lifecycle"
	"github.com/phrazzld/promptd/internal/generation"
	"github.com/phrazzld/promptd/internal/metrics"
	"github.com/phrazzld/promptd/internal/platform/logger"
	"github.com/phrazzld/promptd/internal/queue"
	"github.com/phrazzld/promptd/internal/redact"
	"github.com/phrazzld/promptd/internal/store"
	"golang.org/x/sync/errgroup"
)

// DefaultCallTimeout bounds the chat and embedding calls of one attempt.
const DefaultCallTimeout = 30 * time.Second

// ErrFailureNotRecorded is returned by Handle when a failed prompt could
// not be marked FAILED. The consumer that sees it must stop.
var ErrFailureNotRecorded = errors.New("failed to record prompt failure")

// LeaseHandler processes one delivery and settles it on sub. A non-nil
// error means the consumer must stop.
type LeaseHandler interface {
	Handle(ctx context.Context, sub queue.Subscription, lease *queue.Lease) error
}

// LeaseHandlerFunc adapts a function to LeaseHandler.
type LeaseHandlerFunc func(ctx context.Context, sub queue.Subscription, lease *queue.Lease) error

// Handle calls f.
func (f LeaseHandlerFunc) Handle(ctx context.Context, sub queue.Subscription, lease *queue.Lease) error {
	return f(ctx, sub, lease)
}

// Processor runs a prompt through the provider and the state machine.
//
// Each delivery is handled inside one REPEATABLE READ transaction holding
// the prompt's row lock, so duplicate deliveries serialize on the row and
// only the first one finds the prompt PENDING. The PROCESSING transition
// and the result are committed together; on failure the transaction rolls
// back and the prompt is PENDING again, which lets a retryable failure be
// redelivered. Failures that will not be retried are recorded in a second
// transaction.
type Processor struct {
	tx          store.Transactor
	provider    generation.Provider
	logger      *slog.Logger
	metrics     *metrics.Metrics
	callTimeout time.Duration
	now         func() time.Time
}

var _ LeaseHandler = (*Processor)(nil)

// NewProcessor creates a Processor. A non-positive callTimeout selects
// DefaultCallTimeout; m may be nil.
func NewProcessor(
	tx store.Transactor,
	provider generation.Provider,
	callTimeout time.Duration,
	logger *slog.Logger,
	m *metrics.Metrics,
) (*Processor, error) {
	if tx == nil {
		return nil, fmt.Errorf("transactor cannot be nil")
	}
	if provider == nil {
		return nil, fmt.Errorf("provider cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &Processor{
		tx:          tx,
		provider:    provider,
		logger:      logger.With("component", "prompt_processor"),
		metrics:     m,
		callTimeout: callTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// Handle implements LeaseHandler.
func (p *Processor) Handle(ctx context.Context, sub queue.Subscription, lease *queue.Lease) error {
	start := time.Now()
	log := logger.FromContextOrDefault(ctx, p.logger).With(
		"prompt_id", lease.Message.PromptID,
		"attempt", lease.Attempt,
		"max_attempts", lease.MaxAttempts,
	)
	ctx = logger.WithLogger(ctx, log)

	outcome, err := p.process(ctx, lease.Message)
	if err == nil {
		if ackErr := sub.Ack(ctx, lease); ackErr != nil {
			// The result is committed; a redelivery finds a terminal
			// prompt and is skipped.
			log.WarnContext(ctx, "failed to ack processed message", "error", ackErr)
		}
		p.metrics.ObserveProcessed(outcome, time.Since(start))
		return nil
	}

	if ctx.Err() != nil {
		// Shutting down: the transaction rolled back and the unsettled
		// lease is redelivered to another consumer.
		log.InfoContext(ctx, "processing interrupted by shutdown", "error", err)
		return nil
	}

	switch {
	case store.IsNotFoundError(err):
		// The message can arrive before the creating transaction commits.
		// Requeue with backoff; the broker dead-letters it once the budget
		// is spent.
		if lease.Exhausted() {
			log.WarnContext(ctx, "message references unknown prompt, dead-lettering")
			p.nack(ctx, sub, lease, true, err)
			p.metrics.ObserveProcessed(metrics.OutcomeFailed, time.Since(start))
			return nil
		}
		log.InfoContext(ctx, "prompt not visible yet, requeueing")
		p.nack(ctx, sub, lease, true, err)
		p.metrics.ObserveProcessed(metrics.OutcomeRetried, time.Since(start))
		return nil

	case store.IsTransient(err) && lease.Exhausted():
		// Another transaction holds the row and settles the prompt itself.
		// Recording FAILED would wait on the same lock.
		log.WarnContext(ctx, "prompt row held by another transaction, leaving it to the holder",
			"error", redact.Error(err))
		p.nack(ctx, sub, lease, true, err)
		p.metrics.ObserveProcessed(metrics.OutcomeSkipped, time.Since(start))
		return nil

	case !isFatal(err) && !lease.Exhausted():
		log.WarnContext(ctx, "retryable processing failure, requeueing",
			"error", redact.Error(err),
			"kind", generation.KindOf(err).String())
		p.nack(ctx, sub, lease, true, err)
		p.metrics.ObserveProcessed(metrics.OutcomeRetried, time.Since(start))
		return nil
	}

	message := redact.Message(err)
	log.ErrorContext(ctx, "prompt processing failed",
		"error", message,
		"kind", generation.KindOf(err).String(),
		"exhausted", lease.Exhausted())

	if recErr := p.recordFailure(ctx, lease.Message, message); recErr != nil {
		if store.IsTransient(recErr) {
			log.WarnContext(ctx, "prompt row held by another transaction, leaving it to the holder",
				"error", redact.Error(recErr))
			p.nack(ctx, sub, lease, !isFatal(err), err)
			p.metrics.ObserveProcessed(metrics.OutcomeSkipped, time.Since(start))
			return nil
		}
		log.ErrorContext(ctx, "could not record prompt failure, stopping consumer",
			"alert", true,
			"error", redact.Error(recErr),
			"original_error", message)
		p.metrics.IncConsumerFatal()
		return fmt.Errorf("%w: prompt %s: %w", ErrFailureNotRecorded, lease.Message.PromptID, recErr)
	}

	// An exhausted retryable failure is nacked with requeue so the broker
	// records it as over budget rather than rejected.
	p.nack(ctx, sub, lease, !isFatal(err), err)
	p.metrics.ObserveProcessed(metrics.OutcomeFailed, time.Since(start))
	return nil
}

func (p *Processor) nack(ctx context.Context, sub queue.Subscription, lease *queue.Lease, requeue bool, cause error) {
	if err := sub.Nack(ctx, lease, requeue, cause); err != nil {
		logger.FromContextOrDefault(ctx, p.logger).WarnContext(ctx, "failed to nack message",
			"requeue", requeue,
			"error", err)
	}
}

// process runs one attempt. A lock-time conflict is retried once in a
// fresh transaction; it happens before any provider call.
func (p *Processor) process(ctx context.Context, msg domain.PromptMessage) (string, error) {
	outcome, lockConflict, err := p.attempt(ctx, msg)
	if err != nil && lockConflict {
		logger.FromContextOrDefault(ctx, p.logger).InfoContext(ctx,
			"transaction conflict while locking prompt, retrying once", "error", err)
		outcome, _, err = p.attempt(ctx, msg)
	}
	return outcome, err
}

func (p *Processor) attempt(ctx context.Context, msg domain.PromptMessage) (outcome string, lockConflict bool, err error) {
	log := logger.FromContextOrDefault(ctx, p.logger)

	err = p.tx.WithinTx(ctx, sql.LevelRepeatableRead, func(ctx context.Context, prompts store.PromptStore) error {
		current, err := prompts.GetByIDForUpdate(ctx, msg.PromptID)
		if err != nil {
			lockConflict = errors.Is(err, store.ErrConflict)
			return err
		}

		if !lifecycle.CanProcess(current.Status) {
			log.InfoContext(ctx, "prompt already handled, skipping", "status", current.Status)
			outcome = metrics.OutcomeSkipped
			return nil
		}

		processing, err := lifecycle.Dequeue(current, p.now())
		if err != nil {
			return err
		}
		if err := prompts.Save(ctx, processing); err != nil {
			return err
		}

		result, err := p.generate(ctx, processing.OriginalText)
		if err != nil {
			return err
		}

		completed, err := lifecycle.Complete(processing, *result, p.now())
		if err != nil {
			return err
		}
		if err := prompts.Save(ctx, completed); err != nil {
			return err
		}

		log.InfoContext(ctx, "prompt completed",
			"keywords", len(completed.Keywords),
			"categories", len(completed.CategoryKeywords),
			"embedding_dimensions", len(completed.EmbeddingVector))
		outcome = metrics.OutcomeCompleted
		return nil
	})
	return outcome, lockConflict, err
}

// generate issues the chat and embedding calls concurrently under one
// deadline. The first failure cancels the other call.
func (p *Processor) generate(ctx context.Context, text string) (*lifecycle.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	chat := p.provider.ChatAsync(ctx, generation.AnalysisSystemPrompt, text, p.callTimeout)
	embed := p.provider.EmbedAsync(ctx, text, p.callTimeout)
	defer chat.Cancel()
	defer embed.Cancel()

	var (
		raw    string
		vector []float64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := chat.Await(gctx)
		if err != nil {
			return err
		}
		raw = v
		return nil
	})
	g.Go(func() error {
		v, err := embed.Await(gctx)
		if err != nil {
			return err
		}
		vector = v
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	analysis, err := generation.ParseAnalysis(raw)
	if err != nil {
		return nil, err
	}
	if len(vector) == 0 {
		return nil, generation.NewParseError("embedding", "empty embedding vector")
	}

	return &lifecycle.Outcome{
		ImprovedText:     analysis.ImprovedText,
		Keywords:         analysis.Keywords,
		CategoryKeywords: analysis.CategoryKeywords,
		EmbeddingVector:  vector,
	}, nil
}

// recordFailure marks the prompt FAILED in its own transaction. A prompt
// that already reached a terminal state is left alone.
func (p *Processor) recordFailure(ctx context.Context, msg domain.PromptMessage, message string) error {
	return p.tx.WithinTx(ctx, sql.LevelRepeatableRead, func(ctx context.Context, prompts store.PromptStore) error {
		current, err := prompts.GetByIDForUpdate(ctx, msg.PromptID)
		if err != nil {
			return err
		}
		if current.Status.IsTerminal() {
			return nil
		}
		failed, err := lifecycle.FailFromAny(current, message, p.now())
		if err != nil {
			return err
		}
		return prompts.Save(ctx, failed)
	})
}

// isFatal reports whether another delivery cannot change the result.
func isFatal(err error) bool {
	var pe *generation.ProviderError
	if errors.As(err, &pe) {
		return !pe.Kind.Retryable()
	}
	return errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, store.ErrInvalidEntity) ||
		errors.Is(err, lifecycle.ErrIllegalTransition) ||
		errors.Is(err, lifecycle.ErrEmptyOutcome)
}
