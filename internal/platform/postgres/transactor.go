package postgres

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/phrazzld/promptd/internal/store"
)

// Transactor implements store.Transactor over a *sql.DB.
type Transactor struct {
	db      *sql.DB
	prompts *PromptStore
}

var _ store.Transactor = (*Transactor)(nil)

// NewTransactor creates a transactor whose stores use lockTimeout for row
// locks.
func NewTransactor(db *sql.DB, logger *slog.Logger, lockTimeout time.Duration) *Transactor {
	return &Transactor{db: db, prompts: NewPromptStore(db, logger, lockTimeout)}
}

// Prompts returns a store that runs each statement in its own implicit
// transaction, for reads outside WithinTx.
func (t *Transactor) Prompts() *PromptStore {
	return t.prompts
}

// WithinTx implements store.Transactor. Database errors surfacing from
// begin or commit are mapped to the store taxonomy, so a serialization
// failure at commit is reported as store.ErrConflict.
func (t *Transactor) WithinTx(
	ctx context.Context,
	isolation sql.IsolationLevel,
	fn func(ctx context.Context, prompts store.PromptStore) error,
) error {
	err := store.RunInTransaction(ctx, t.db, &sql.TxOptions{Isolation: isolation},
		func(ctx context.Context, tx *sql.Tx) error {
			return fn(ctx, t.prompts.WithTx(tx))
		})
	return MapError(err)
}
