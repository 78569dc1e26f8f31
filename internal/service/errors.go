package service

import "errors"

// Common service errors - sentinel errors used across service implementations.
// Callers check them with errors.Is. Unexpected errors are wrapped in
// PromptServiceError instead.
var (
	// ErrPromptNotFound indicates that the prompt does not exist or belongs
	// to another owner. The two cases are deliberately indistinguishable.
	// API layer should map this to HTTP 404 Not Found.
	ErrPromptNotFound = errors.New("prompt not found")
)
