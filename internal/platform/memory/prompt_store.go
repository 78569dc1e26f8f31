package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/promptd/internal/domain"
	"github.com/phrazzld/promptd/internal/store"
)

// DefaultLockTimeout bounds how long GetByIDForUpdate waits for a row lock.
const DefaultLockTimeout = 5 * time.Second

// Store keeps prompts in a map. Outside a transaction every write is
// applied immediately; inside WithinTx writes are buffered and applied on
// commit, and row locks are held until the transaction ends.
type Store struct {
	mu          sync.RWMutex
	rows        map[uuid.UUID]*domain.Prompt
	locks       map[uuid.UUID]chan struct{}
	lockTimeout time.Duration
	logger      *slog.Logger
}

var (
	_ store.PromptStore = (*Store)(nil)
	_ store.Transactor  = (*Store)(nil)
)

// NewStore creates an empty store. A non-positive lockTimeout selects
// DefaultLockTimeout.
func NewStore(logger *slog.Logger, lockTimeout time.Duration) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &Store{
		rows:        make(map[uuid.UUID]*domain.Prompt),
		locks:       make(map[uuid.UUID]chan struct{}),
		lockTimeout: lockTimeout,
		logger:      logger.With("component", "memory_prompt_store"),
	}
}

// Create implements store.PromptStore.
func (s *Store) Create(ctx context.Context, p *domain.Prompt) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[p.ID]; ok {
		return fmt.Errorf("%w: prompt %s", store.ErrDuplicate, p.ID)
	}
	s.rows[p.ID] = p.Clone()
	return nil
}

// GetByID implements store.PromptStore.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*domain.Prompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.rows[id]
	if !ok {
		return nil, store.ErrPromptNotFound
	}
	return p.Clone(), nil
}

// GetByIDForUpdate outside a transaction only waits for concurrent lock
// holders to finish; the lock is released again before returning.
func (s *Store) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*domain.Prompt, error) {
	if err := s.lock(ctx, id); err != nil {
		return nil, err
	}
	defer s.unlock(id)
	return s.GetByID(ctx, id)
}

// Save implements store.PromptStore.
func (s *Store) Save(ctx context.Context, p *domain.Prompt) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[p.ID] = p.Clone()
	return nil
}

// FindStale implements store.PromptStore.
func (s *Store) FindStale(
	ctx context.Context,
	statuses []domain.PromptStatus,
	olderThan time.Time,
	limit int,
) ([]*domain.Prompt, error) {
	want := make(map[domain.PromptStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	s.mu.RLock()
	var out []*domain.Prompt
	for _, p := range s.rows {
		if want[p.Status] && p.UpdatedAt.Before(olderThan) {
			out = append(out, p.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// WithinTx implements store.Transactor. The isolation level is accepted for
// interface compatibility; row locks give the serialization the pipeline
// relies on.
func (s *Store) WithinTx(
	ctx context.Context,
	_ sql.IsolationLevel,
	fn func(ctx context.Context, prompts store.PromptStore) error,
) (err error) {
	tx := &txStore{parent: s, writes: make(map[uuid.UUID]*domain.Prompt)}
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			// ALLOW-PANIC: Propagating caught panic from transaction
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	tx.commit()
	return nil
}

func (s *Store) lock(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	ch, ok := s.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[id] = ch
	}
	s.mu.Unlock()

	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return nil
	case <-timer.C:
		s.logger.InfoContext(ctx, "prompt row is locked by another transaction", "prompt_id", id)
		return fmt.Errorf("%w: prompt %s", store.ErrLockTimeout, id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) unlock(id uuid.UUID) {
	s.mu.RLock()
	ch := s.locks[id]
	s.mu.RUnlock()
	<-ch
}

// txStore is the PromptStore handed to a WithinTx callback.
type txStore struct {
	parent *Store
	mu     sync.Mutex
	writes map[uuid.UUID]*domain.Prompt
	held   []uuid.UUID
	done   bool
}

func (t *txStore) Create(ctx context.Context, p *domain.Prompt) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}
	if _, err := t.GetByID(ctx, p.ID); err == nil {
		return fmt.Errorf("%w: prompt %s", store.ErrDuplicate, p.ID)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes[p.ID] = p.Clone()
	return nil
}

func (t *txStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Prompt, error) {
	t.mu.Lock()
	p, ok := t.writes[id]
	t.mu.Unlock()
	if ok {
		return p.Clone(), nil
	}
	return t.parent.GetByID(ctx, id)
}

func (t *txStore) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*domain.Prompt, error) {
	if !t.holds(id) {
		if err := t.parent.lock(ctx, id); err != nil {
			return nil, err
		}
		t.mu.Lock()
		t.held = append(t.held, id)
		t.mu.Unlock()
	}
	return t.GetByID(ctx, id)
}

func (t *txStore) Save(ctx context.Context, p *domain.Prompt) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes[p.ID] = p.Clone()
	return nil
}

func (t *txStore) FindStale(
	ctx context.Context,
	statuses []domain.PromptStatus,
	olderThan time.Time,
	limit int,
) ([]*domain.Prompt, error) {
	return t.parent.FindStale(ctx, statuses, olderThan, limit)
}

func (t *txStore) holds(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range t.held {
		if h == id {
			return true
		}
	}
	return false
}

func (t *txStore) commit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.parent.mu.Lock()
	for id, p := range t.writes {
		t.parent.rows[id] = p
	}
	t.parent.mu.Unlock()
	t.release()
}

func (t *txStore) rollback() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.writes = nil
	t.release()
}

// release must be called with t.mu held.
func (t *txStore) release() {
	for _, id := range t.held {
		t.parent.unlock(id)
	}
	t.held = nil
	t.done = true
}
