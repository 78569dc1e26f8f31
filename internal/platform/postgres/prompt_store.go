package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/promptd/internal/domain"
	"github.com/phrazzld/promptd/internal/platform/logger"
	"github.com/phrazzld/promptd/internal/store"
)

const promptColumns = `id, owner_id, original_text, status, improved_text, keywords,
	category_keywords, embedding, error_message, created_at, updated_at, completed_at`

// DefaultLockTimeout bounds how long GetByIDForUpdate waits for a row lock.
const DefaultLockTimeout = 5 * time.Second

// PromptStore implements store.PromptStore on PostgreSQL.
type PromptStore struct {
	db          store.DBTX
	logger      *slog.Logger
	lockTimeout time.Duration
}

var _ store.PromptStore = (*PromptStore)(nil)

// NewPromptStore creates a store over a connection or transaction managed by
// the caller. A non-positive lockTimeout selects DefaultLockTimeout; a nil
// logger selects slog.Default().
func NewPromptStore(db store.DBTX, logger *slog.Logger, lockTimeout time.Duration) *PromptStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &PromptStore{
		db:          db,
		logger:      logger.With("component", "prompt_store"),
		lockTimeout: lockTimeout,
	}
}

// WithTx returns a copy of the store bound to tx.
func (s *PromptStore) WithTx(tx *sql.Tx) *PromptStore {
	return &PromptStore{db: tx, logger: s.logger, lockTimeout: s.lockTimeout}
}

// Create implements store.PromptStore.
func (s *PromptStore) Create(ctx context.Context, p *domain.Prompt) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := p.Validate(); err != nil {
		log.WarnContext(ctx, "prompt validation failed during create",
			"error", err,
			"prompt_id", p.ID)
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}

	args, err := promptArgs(p)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO prompts (`+promptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		args...)
	if err != nil {
		log.ErrorContext(ctx, "failed to create prompt", "error", err, "prompt_id", p.ID)
		return MapError(err)
	}

	log.DebugContext(ctx, "prompt created", "prompt_id", p.ID, "owner_id", p.OwnerID)
	return nil
}

// GetByID implements store.PromptStore.
func (s *PromptStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Prompt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+promptColumns+` FROM prompts WHERE id = $1`, id)
	return s.scanOne(ctx, row, id)
}

// GetByIDForUpdate implements store.PromptStore. The lock timeout is set
// with SET LOCAL semantics so it only affects the current transaction.
func (s *PromptStore) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*domain.Prompt, error) {
	timeout := fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())
	if _, err := s.db.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
		return nil, MapError(err)
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+promptColumns+` FROM prompts WHERE id = $1 FOR UPDATE`, id)
	p, err := s.scanOne(ctx, row, id)
	if err != nil && errors.Is(err, store.ErrLockTimeout) {
		logger.FromContextOrDefault(ctx, s.logger).InfoContext(ctx, "prompt row is locked by another transaction",
			"prompt_id", id,
			"lock_timeout", s.lockTimeout)
	}
	return p, err
}

// Save implements store.PromptStore as an upsert over every column.
func (s *PromptStore) Save(ctx context.Context, p *domain.Prompt) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}

	args, err := promptArgs(p)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO prompts (`+promptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			original_text = EXCLUDED.original_text,
			status = EXCLUDED.status,
			improved_text = EXCLUDED.improved_text,
			keywords = EXCLUDED.keywords,
			category_keywords = EXCLUDED.category_keywords,
			embedding = EXCLUDED.embedding,
			error_message = EXCLUDED.error_message,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at`,
		args...)
	if err != nil {
		log.ErrorContext(ctx, "failed to save prompt", "error", err, "prompt_id", p.ID)
		return MapError(err)
	}

	log.DebugContext(ctx, "prompt saved", "prompt_id", p.ID, "status", p.Status)
	return nil
}

// FindStale implements store.PromptStore.
func (s *PromptStore) FindStale(
	ctx context.Context,
	statuses []domain.PromptStatus,
	olderThan time.Time,
	limit int,
) ([]*domain.Prompt, error) {
	if len(statuses) == 0 || limit == 0 {
		return nil, nil
	}

	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	// LIMIT NULL is LIMIT ALL.
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+promptColumns+`
		FROM prompts
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`,
		names, olderThan.UTC(), limitArg)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return out, nil
}

func (s *PromptStore) scanOne(ctx context.Context, row *sql.Row, id uuid.UUID) (*domain.Prompt, error) {
	p, err := scanPrompt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrPromptNotFound
		}
		mapped := MapError(err)
		if !store.IsTransient(mapped) {
			logger.FromContextOrDefault(ctx, s.logger).ErrorContext(ctx, "failed to load prompt",
				"error", err,
				"prompt_id", id)
		}
		return nil, mapped
	}
	return p, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPrompt(row scanner) (*domain.Prompt, error) {
	var (
		p                               domain.Prompt
		status                          string
		improved, errMsg                sql.NullString
		keywords, categories, embedding []byte
		completedAt                     sql.NullTime
	)

	if err := row.Scan(
		&p.ID, &p.OwnerID, &p.OriginalText, &status, &improved, &keywords,
		&categories, &embedding, &errMsg, &p.CreatedAt, &p.UpdatedAt, &completedAt,
	); err != nil {
		return nil, err
	}

	p.Status = domain.PromptStatus(status)
	p.ImprovedText = improved.String
	p.ErrorMessage = errMsg.String
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		p.CompletedAt = &t
	}

	if err := unmarshalJSON(keywords, &p.Keywords); err != nil {
		return nil, fmt.Errorf("decode keywords: %w", err)
	}
	if err := unmarshalJSON(categories, &p.CategoryKeywords); err != nil {
		return nil, fmt.Errorf("decode category keywords: %w", err)
	}
	if err := unmarshalJSON(embedding, &p.EmbeddingVector); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	return &p, nil
}

func promptArgs(p *domain.Prompt) ([]any, error) {
	keywords, err := marshalJSON(p.Keywords)
	if err != nil {
		return nil, err
	}
	categories, err := marshalJSON(p.CategoryKeywords)
	if err != nil {
		return nil, err
	}
	embedding, err := marshalJSON(p.EmbeddingVector)
	if err != nil {
		return nil, err
	}

	var completedAt any
	if p.CompletedAt != nil {
		completedAt = p.CompletedAt.UTC()
	}

	return []any{
		p.ID,
		p.OwnerID,
		p.OriginalText,
		string(p.Status),
		nullString(p.ImprovedText),
		keywords,
		categories,
		embedding,
		nullString(p.ErrorMessage),
		p.CreatedAt.UTC(),
		p.UpdatedAt.UTC(),
		completedAt,
	}, nil
}

// marshalJSON returns nil (SQL NULL) for empty values and the JSON text
// otherwise.
func marshalJSON[T any](v T) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	if s := string(b); s == "null" || s == "[]" || s == "{}" {
		return nil, nil
	}
	return string(b), nil
}

func unmarshalJSON(b []byte, dst any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dst)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
