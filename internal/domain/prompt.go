package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// PromptStatus represents the processing state of a prompt.
type PromptStatus string

// Possible prompt status values
const (
	PromptStatusPending    PromptStatus = "PENDING"
	PromptStatusProcessing PromptStatus = "PROCESSING"
	PromptStatusCompleted  PromptStatus = "COMPLETED"
	PromptStatusFailed     PromptStatus = "FAILED"
)

// MaxPromptLength caps the original prompt text, counted in runes.
const MaxPromptLength = 4000

// Common validation errors for Prompt
var (
	ErrEmptyPromptID      = errors.New("prompt ID cannot be empty")
	ErrEmptyPromptOwnerID = errors.New("prompt owner ID cannot be empty")
	ErrEmptyPromptText    = errors.New("prompt text cannot be empty")
	ErrPromptTooLong      = fmt.Errorf("prompt text exceeds %d characters", MaxPromptLength)
)

// IsValid reports whether s is one of the known statuses.
func (s PromptStatus) IsValid() bool {
	switch s {
	case PromptStatusPending, PromptStatusProcessing, PromptStatusCompleted, PromptStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are allowed from s.
func (s PromptStatus) IsTerminal() bool {
	return s == PromptStatusCompleted || s == PromptStatusFailed
}

func (s PromptStatus) String() string {
	return string(s)
}

// Prompt is one enrichment job: a piece of user text that is analysed by the
// AI provider and enriched with keywords, an improved rewrite and an
// embedding vector.
//
// ImprovedText, Keywords, CategoryKeywords and EmbeddingVector are only
// populated once the prompt is COMPLETED. ErrorMessage is only populated
// once it is FAILED.
type Prompt struct {
	ID               uuid.UUID           `json:"id"`
	OwnerID          uuid.UUID           `json:"owner_id"`
	OriginalText     string              `json:"original_text"`
	Status           PromptStatus        `json:"status"`
	ImprovedText     string              `json:"improved_text,omitempty"`
	Keywords         []string            `json:"keywords,omitempty"`
	CategoryKeywords map[string][]string `json:"category_keywords,omitempty"`
	EmbeddingVector  []float64           `json:"embedding_vector,omitempty"`
	ErrorMessage     string              `json:"error_message,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
	CompletedAt      *time.Time          `json:"completed_at,omitempty"`
}

// NewPrompt creates a PENDING prompt for the given owner.
// The text is trimmed of surrounding whitespace before validation.
func NewPrompt(ownerID uuid.UUID, text string) (*Prompt, error) {
	now := time.Now().UTC()
	p := &Prompt{
		ID:           uuid.New(),
		OwnerID:      ownerID,
		OriginalText: strings.TrimSpace(text),
		Status:       PromptStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	return p, nil
}

// Validate checks the invariants every persisted prompt must satisfy.
// All returned errors wrap ErrValidation.
func (p *Prompt) Validate() error {
	if p.ID == uuid.Nil {
		return fmt.Errorf("%w: %w", ErrValidation, ErrEmptyPromptID)
	}
	if p.OwnerID == uuid.Nil {
		return fmt.Errorf("%w: %w", ErrValidation, ErrEmptyPromptOwnerID)
	}
	if strings.TrimSpace(p.OriginalText) == "" {
		return fmt.Errorf("%w: %w", ErrValidation, ErrEmptyPromptText)
	}
	if utf8.RuneCountInString(p.OriginalText) > MaxPromptLength {
		return fmt.Errorf("%w: %w", ErrValidation, ErrPromptTooLong)
	}
	if !p.Status.IsValid() {
		return fmt.Errorf("%w: %w", ErrValidation, ErrInvalidPromptStatus)
	}
	return nil
}

// Clone returns a deep copy, so callers can mutate the result without
// affecting the original.
func (p *Prompt) Clone() *Prompt {
	if p == nil {
		return nil
	}
	c := *p
	if p.Keywords != nil {
		c.Keywords = append([]string(nil), p.Keywords...)
	}
	if p.CategoryKeywords != nil {
		c.CategoryKeywords = make(map[string][]string, len(p.CategoryKeywords))
		for k, v := range p.CategoryKeywords {
			c.CategoryKeywords[k] = append([]string(nil), v...)
		}
	}
	if p.EmbeddingVector != nil {
		c.EmbeddingVector = append([]float64(nil), p.EmbeddingVector...)
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
