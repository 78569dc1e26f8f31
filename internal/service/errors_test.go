package service

import (
	"errors"
	"fmt"
	"testing"

	"github.com/phrazzld/promptd/internal/store"
	"github.com/stretchr/testify/assert"
)

func TestPromptServiceError(t *testing.T) {
	tests := []struct {
		name     string
		op       string
		msg      string
		err      error
		expected string
	}{
		{
			name:     "with underlying error",
			op:       "create_prompt",
			msg:      "failed to save prompt",
			err:      errors.New("database connection failed"),
			expected: "prompt service create_prompt failed: failed to save prompt: database connection failed",
		},
		{
			name:     "without underlying error",
			op:       "create_service",
			msg:      "publisher cannot be nil",
			expected: "prompt service create_service failed: publisher cannot be nil",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &PromptServiceError{Operation: tt.op, Message: tt.msg, Err: tt.err}
			assert.Equal(t, tt.expected, err.Error())
			assert.Equal(t, tt.err, errors.Unwrap(err))
		})
	}
}

func TestNewPromptServiceErrorMapsNotFound(t *testing.T) {
	wrapped := fmt.Errorf("lookup: %w", store.ErrPromptNotFound)
	assert.Equal(t, ErrPromptNotFound, NewPromptServiceError("get_prompt_status", "failed", wrapped))

	var svcErr *PromptServiceError
	err := NewPromptServiceError("create_prompt", "failed to save prompt", store.ErrDuplicate)
	assert.ErrorAs(t, err, &svcErr)
	assert.ErrorIs(t, err, store.ErrDuplicate)
}
