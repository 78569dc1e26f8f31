package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/promptd/internal/domain"
)

// PromptStore defines the interface for prompt persistence.
type PromptStore interface {
	// Create inserts a new prompt.
	// Returns ErrInvalidEntity if the prompt fails domain validation and
	// ErrDuplicate if the id is taken.
	Create(ctx context.Context, prompt *domain.Prompt) error

	// GetByID retrieves a prompt without locking it.
	// Returns ErrPromptNotFound if the prompt does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Prompt, error)

	// GetByIDForUpdate retrieves a prompt and holds an exclusive row lock on
	// it until the surrounding transaction ends. A competing holder makes it
	// block up to the store's lock timeout and then return ErrLockTimeout.
	// Only meaningful inside Transactor.WithinTx.
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*domain.Prompt, error)

	// Save writes every field of the prompt (full-record upsert).
	Save(ctx context.Context, prompt *domain.Prompt) error

	// FindStale lists prompts in one of statuses whose last update is older
	// than olderThan, oldest first. At most limit prompts are returned; a
	// negative limit means no limit.
	FindStale(ctx context.Context, statuses []domain.PromptStatus, olderThan time.Time, limit int) ([]*domain.Prompt, error)
}

// Transactor runs a function inside one transaction. The PromptStore passed
// to fn is bound to that transaction. The transaction commits once when fn
// returns nil and rolls back on any error or panic.
type Transactor interface {
	WithinTx(ctx context.Context, isolation sql.IsolationLevel, fn func(ctx context.Context, prompts PromptStore) error) error
}
