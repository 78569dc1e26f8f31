package openai

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/phrazzld/promptd/internal/generation"
	"github.com/phrazzld/promptd/internal/redact"
)

// classify turns a non-2xx provider response into a ProviderError.
func classify(op string, status int, body []byte) *generation.ProviderError {
	pe := &generation.ProviderError{Op: op, StatusCode: status}

	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error.Message != "" {
		pe.Message = redact.String(er.Error.Message)
		if er.Error.Code != nil {
			pe.Code = fmt.Sprint(er.Error.Code)
		}
	} else {
		pe.Message = http.StatusText(status)
	}

	switch {
	case pe.Code == "model_not_found":
		pe.Kind = generation.KindForbidden
	case status == http.StatusUnauthorized:
		pe.Kind = generation.KindUnauthorized
	case status == http.StatusForbidden, status == http.StatusNotFound:
		pe.Kind = generation.KindForbidden
	case status == http.StatusTooManyRequests:
		pe.Kind = generation.KindRateLimited
		pe.Err = generation.ErrRateLimitExceeded
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity,
		er.Error.Type == "invalid_request_error":
		pe.Kind = generation.KindInvalidRequest
	default:
		pe.Kind = generation.KindUnknown
	}
	return pe
}
