package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/promptd/internal/domain"
	"github.com/phrazzld/promptd/internal/metrics"
	"github.com/phrazzld/promptd/internal/store"
)

// Publisher enqueues prompt messages for background processing.
type Publisher interface {
	Publish(ctx context.Context, msg domain.PromptMessage) error
}

// CreatePromptRequest is the input of CreatePrompt.
type CreatePromptRequest struct {
	OwnerID        uuid.UUID
	OriginalPrompt string
}

// CreatePromptResponse acknowledges an accepted prompt.
type CreatePromptResponse struct {
	PromptID uuid.UUID
	Status   domain.PromptStatus
}

// PromptStatusResponse is the owner's view of a prompt. Derived fields are
// only set once the prompt is COMPLETED, ErrorMessage only once FAILED.
type PromptStatusResponse struct {
	PromptID         uuid.UUID
	Status           domain.PromptStatus
	OriginalPrompt   string
	ImprovedPrompt   string
	Keywords         []string
	CategoryKeywords map[string][]string
	ErrorMessage     string
	CreatedAt        time.Time
	CompletedAt      *time.Time
}

// PromptService is the entry point for submitting prompts and polling them.
type PromptService interface {
	// CreatePrompt validates the prompt, stores it PENDING and enqueues it.
	// The row and the message are committed together: if publishing fails
	// nothing is stored.
	CreatePrompt(ctx context.Context, req CreatePromptRequest) (*CreatePromptResponse, error)

	// GetPromptStatus returns the prompt if ownerID owns it. Unknown and
	// foreign ids both yield ErrPromptNotFound.
	GetPromptStatus(ctx context.Context, ownerID, promptID uuid.UUID) (*PromptStatusResponse, error)
}

// PromptServiceError wraps errors from the prompt service with context.
type PromptServiceError struct {
	// Operation is the operation that failed (e.g., "create_prompt")
	Operation string
	// Message is a human-readable description of the error
	Message string
	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for PromptServiceError.
func (e *PromptServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("prompt service %s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("prompt service %s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *PromptServiceError) Unwrap() error {
	return e.Err
}

// NewPromptServiceError creates a new PromptServiceError.
// Not-found conditions are returned as ErrPromptNotFound without wrapping.
func NewPromptServiceError(operation, message string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPromptNotFound) || store.IsNotFoundError(err) {
		return ErrPromptNotFound
	}
	return &PromptServiceError{
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}

type promptServiceImpl struct {
	tx        store.Transactor
	prompts   store.PromptStore
	publisher Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewPromptService creates a PromptService.
// It returns an error if any of the required dependencies are nil.
func NewPromptService(
	tx store.Transactor,
	prompts store.PromptStore,
	publisher Publisher,
	logger *slog.Logger,
	m *metrics.Metrics,
) (PromptService, error) {
	if tx == nil {
		return nil, &PromptServiceError{Operation: "create_service", Message: "transactor cannot be nil"}
	}
	if prompts == nil {
		return nil, &PromptServiceError{Operation: "create_service", Message: "prompt store cannot be nil"}
	}
	if publisher == nil {
		return nil, &PromptServiceError{Operation: "create_service", Message: "publisher cannot be nil"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &promptServiceImpl{
		tx:        tx,
		prompts:   prompts,
		publisher: publisher,
		logger:    logger.With("component", "prompt_service"),
		metrics:   m,
	}, nil
}

// CreatePrompt implements PromptService.
func (s *promptServiceImpl) CreatePrompt(ctx context.Context, req CreatePromptRequest) (*CreatePromptResponse, error) {
	prompt, err := domain.NewPrompt(req.OwnerID, req.OriginalPrompt)
	if err != nil {
		s.logger.DebugContext(ctx, "rejected invalid prompt",
			"error", err,
			"owner_id", req.OwnerID)
		return nil, err
	}

	err = s.tx.WithinTx(ctx, sql.LevelRepeatableRead, func(ctx context.Context, prompts store.PromptStore) error {
		if err := prompts.Create(ctx, prompt); err != nil {
			return NewPromptServiceError("create_prompt", "failed to save prompt", err)
		}
		if err := s.publisher.Publish(ctx, domain.NewPromptMessage(prompt)); err != nil {
			return NewPromptServiceError("create_prompt", "failed to enqueue prompt", err)
		}
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to create prompt",
			"error", err,
			"owner_id", req.OwnerID,
			"prompt_id", prompt.ID)
		return nil, err
	}

	s.metrics.IncPromptsCreated()
	s.logger.InfoContext(ctx, "prompt created and enqueued",
		"prompt_id", prompt.ID,
		"owner_id", req.OwnerID)

	return &CreatePromptResponse{PromptID: prompt.ID, Status: prompt.Status}, nil
}

// GetPromptStatus implements PromptService.
func (s *promptServiceImpl) GetPromptStatus(
	ctx context.Context,
	ownerID, promptID uuid.UUID,
) (*PromptStatusResponse, error) {
	prompt, err := s.prompts.GetByID(ctx, promptID)
	if err != nil {
		if store.IsNotFoundError(err) {
			return nil, ErrPromptNotFound
		}
		s.logger.ErrorContext(ctx, "failed to retrieve prompt",
			"error", err,
			"prompt_id", promptID)
		return nil, NewPromptServiceError("get_prompt_status", "failed to retrieve prompt", err)
	}

	if prompt.OwnerID != ownerID {
		s.logger.WarnContext(ctx, "prompt requested by non-owner",
			"prompt_id", promptID,
			"requester_id", ownerID)
		return nil, ErrPromptNotFound
	}

	return newPromptStatusResponse(prompt), nil
}

func newPromptStatusResponse(p *domain.Prompt) *PromptStatusResponse {
	resp := &PromptStatusResponse{
		PromptID:       p.ID,
		Status:         p.Status,
		OriginalPrompt: p.OriginalText,
		CreatedAt:      p.CreatedAt,
		CompletedAt:    p.CompletedAt,
	}
	switch p.Status {
	case domain.PromptStatusCompleted:
		resp.ImprovedPrompt = p.ImprovedText
		resp.Keywords = p.Keywords
		resp.CategoryKeywords = p.CategoryKeywords
	case domain.PromptStatusFailed:
		resp.ErrorMessage = p.ErrorMessage
	}
	return resp
}
