package generation

import (
	"errors"
	"fmt"
)

// Common errors returned by the generation package
var (
	// ErrRateLimitExceeded is returned when no rate-limit token could be
	// acquired within the call budget, or the provider answered 429.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrTimeout is returned when a call did not finish before its deadline.
	ErrTimeout = errors.New("provider call timed out")

	// ErrParse is returned when a provider response has the wrong shape.
	ErrParse = errors.New("malformed provider response")

	// ErrInvalidConfig is returned when the client configuration is invalid.
	ErrInvalidConfig = errors.New("invalid provider configuration")
)

// Kind classifies a provider failure by how the pipeline must react to it.
type Kind int

// Failure kinds.
const (
	KindUnknown Kind = iota
	KindUnauthorized
	KindForbidden
	KindRateLimited
	KindInvalidRequest
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindRateLimited:
		return "rate_limited"
	case KindInvalidRequest:
		return "invalid_request"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Retryable reports whether another delivery of the same message may
// succeed. Credential, model access and payload problems will not fix
// themselves.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindTimeout, KindUnknown:
		return true
	default:
		return false
	}
}

// ProviderError is a classified failure of a chat or embedding call.
type ProviderError struct {
	Kind       Kind
	Op         string // "chat" or "embed"
	StatusCode int    // zero when no HTTP response was received
	Code       string // provider error code, e.g. model_not_found
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Op, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewParseError reports a malformed response. Parse failures are fatal and
// surface as InvalidRequest.
func NewParseError(op, format string, args ...any) *ProviderError {
	return &ProviderError{
		Kind:    KindInvalidRequest,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
		Err:     ErrParse,
	}
}

// KindOf extracts the failure kind of err. Errors that carry no
// classification are reported as KindUnknown, except bare timeouts and rate
// limits which are recognised by their sentinels.
func KindOf(err error) Kind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	switch {
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrRateLimitExceeded):
		return KindRateLimited
	default:
		return KindUnknown
	}
}

// IsRetryable reports whether err is worth another delivery.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}
