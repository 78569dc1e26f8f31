package task

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/promptd/internal/domain"
	"github.com/phrazzld/promptd/internal/domain/lifecycle"
	"github.com/phrazzld/promptd/internal/metrics"
	"github.com/phrazzld/promptd/internal/store"
)

// ExpiredMessage is recorded on prompts the reconciler gives up on.
const ExpiredMessage = "expired before processing"

// Reconciliation actions recorded in metrics.
const (
	ActionRepublished = "republished"
	ActionExpired     = "expired"
)

// Publisher enqueues prompt messages.
type Publisher interface {
	Publish(ctx context.Context, msg domain.PromptMessage) error
}

// ReconcilerConfig holds configuration for the reconciler
type ReconcilerConfig struct {
	// Interval defines how often to look for stale prompts.
	// Zero disables the periodic loop
	Interval time.Duration

	// RepublishAfter is how long a prompt may stay PENDING before its
	// message is published again. Zero disables republishing
	RepublishAfter time.Duration

	// ExpireAfter is how long a prompt may stay unfinished before it is
	// marked FAILED. Zero disables expiry
	ExpireAfter time.Duration

	// BatchSize caps the prompts handled per action and run
	BatchSize int
}

// DefaultReconcilerConfig returns a ReconcilerConfig with reasonable defaults
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Interval:       time.Minute,
		RepublishAfter: 10 * time.Minute,
		ExpireAfter:    24 * time.Hour,
		BatchSize:      100,
	}
}

// Reconciler periodically repairs prompts whose message was lost: stale
// PENDING prompts are published again, and prompts that stayed unfinished
// past ExpireAfter are failed.
type Reconciler struct {
	tx        store.Transactor
	prompts   store.PromptStore
	publisher Publisher
	config    ReconcilerConfig
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconciler creates a Reconciler. prompts is used for the
// non-transactional scans.
func NewReconciler(
	tx store.Transactor,
	prompts store.PromptStore,
	publisher Publisher,
	config ReconcilerConfig,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Reconciler {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		tx:        tx,
		prompts:   prompts,
		publisher: publisher,
		config:    config,
		logger:    logger.With("component", "reconciler"),
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start runs one reconciliation immediately and then one per interval.
func (r *Reconciler) Start() {
	if r.config.Interval <= 0 {
		r.logger.Info("reconciler disabled")
		return
	}
	r.wg.Add(1)
	go r.loop()
}

// Stop ends the loop and waits for a running pass to finish.
func (r *Reconciler) Stop() {
	r.cancel()
	r.wg.Wait()
}

func (r *Reconciler) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		if _, _, err := r.RunOnce(r.ctx); err != nil && r.ctx.Err() == nil {
			r.logger.Error("reconciliation failed", "error", err)
		}
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs one pass. Expiry runs first so a prompt is never both
// republished and failed in the same pass.
func (r *Reconciler) RunOnce(ctx context.Context) (republished, expired int, err error) {
	now := r.now()

	if r.config.ExpireAfter > 0 {
		expired, err = r.expire(ctx, now.Add(-r.config.ExpireAfter))
		if err != nil {
			return 0, expired, err
		}
	}
	if r.config.RepublishAfter > 0 {
		republished, err = r.republish(ctx, now.Add(-r.config.RepublishAfter))
		if err != nil {
			return republished, expired, err
		}
	}

	if republished > 0 || expired > 0 {
		r.logger.InfoContext(ctx, "reconciled stale prompts",
			"republished", republished,
			"expired", expired)
	}
	return republished, expired, nil
}

func (r *Reconciler) expire(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := r.prompts.FindStale(ctx,
		[]domain.PromptStatus{domain.PromptStatusPending, domain.PromptStatusProcessing},
		cutoff, r.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("find prompts to expire: %w", err)
	}

	count := 0
	for _, p := range stale {
		changed := false
		err := r.tx.WithinTx(ctx, sql.LevelRepeatableRead, func(ctx context.Context, prompts store.PromptStore) error {
			current, err := prompts.GetByIDForUpdate(ctx, p.ID)
			if err != nil {
				return err
			}
			if current.Status.IsTerminal() || !current.UpdatedAt.Before(cutoff) {
				return nil
			}
			failed, err := lifecycle.FailFromAny(current, ExpiredMessage, r.now())
			if err != nil {
				return err
			}
			changed = true
			return prompts.Save(ctx, failed)
		})
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to expire prompt", "prompt_id", p.ID, "error", err)
			continue
		}
		if changed {
			count++
			r.metrics.IncReconciled(ActionExpired)
			r.logger.WarnContext(ctx, "expired stale prompt", "prompt_id", p.ID, "status", p.Status)
		}
	}
	return count, nil
}

// republish touches each stale PENDING prompt and publishes its message in
// the same transaction, so the prompt is only touched if the broker
// accepted the message.
func (r *Reconciler) republish(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := r.prompts.FindStale(ctx,
		[]domain.PromptStatus{domain.PromptStatusPending},
		cutoff, r.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("find prompts to republish: %w", err)
	}

	count := 0
	for _, p := range stale {
		published := false
		err := r.tx.WithinTx(ctx, sql.LevelRepeatableRead, func(ctx context.Context, prompts store.PromptStore) error {
			current, err := prompts.GetByIDForUpdate(ctx, p.ID)
			if err != nil {
				return err
			}
			if current.Status != domain.PromptStatusPending || !current.UpdatedAt.Before(cutoff) {
				return nil
			}
			current.UpdatedAt = r.now()
			if err := prompts.Save(ctx, current); err != nil {
				return err
			}
			if err := r.publisher.Publish(ctx, domain.NewPromptMessage(current)); err != nil {
				return fmt.Errorf("publish: %w", err)
			}
			published = true
			return nil
		})
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to republish prompt", "prompt_id", p.ID, "error", err)
			continue
		}
		if published {
			count++
			r.metrics.IncReconciled(ActionRepublished)
		}
	}
	return count, nil
}
