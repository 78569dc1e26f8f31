package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/promptd/internal/api/shared"
	"github.com/phrazzld/promptd/internal/domain"
	"github.com/phrazzld/promptd/internal/platform/logger"
	"github.com/phrazzld/promptd/internal/service"
)

// CreatePromptRequest represents the request body for submitting a prompt.
// Length is checked again by the domain in runes.
type CreatePromptRequest struct {
	OriginalPrompt string `json:"originalPrompt" validate:"required"`
}

// CreatePromptResponse acknowledges an accepted prompt.
type CreatePromptResponse struct {
	PromptID string `json:"promptId"`
	Status   string `json:"status"`
}

// PromptStatusResponse is the polled view of a prompt.
type PromptStatusResponse struct {
	PromptID         string              `json:"promptId"`
	Status           string              `json:"status"`
	OriginalPrompt   string              `json:"originalPrompt"`
	ImprovedPrompt   string              `json:"improvedPrompt,omitempty"`
	Keywords         []string            `json:"keywords,omitempty"`
	CategoryKeywords map[string][]string `json:"categoryKeywords,omitempty"`
	ErrorMessage     string              `json:"errorMessage,omitempty"`
	CreatedAt        time.Time           `json:"createdAt"`
	CompletedAt      *time.Time          `json:"completedAt,omitempty"`
}

// PromptHandler handles prompt-related HTTP requests
type PromptHandler struct {
	prompts service.PromptService
	logger  *slog.Logger
}

// NewPromptHandler creates a new PromptHandler
func NewPromptHandler(prompts service.PromptService, logger *slog.Logger) *PromptHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PromptHandler{
		prompts: prompts,
		logger:  logger.With("component", "prompt_handler"),
	}
}

// CreatePrompt handles POST /v1/prompts. It answers 202 because the
// enrichment happens asynchronously.
func (h *PromptHandler) CreatePrompt(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := shared.OwnerID(r.Context())
	if !ok {
		HandleAPIError(w, r, domain.ErrUnauthorized, "")
		return
	}

	var req CreatePromptRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	resp, err := h.prompts.CreatePrompt(r.Context(), service.CreatePromptRequest{
		OwnerID:        ownerID,
		OriginalPrompt: req.OriginalPrompt,
	})
	if err != nil {
		HandleAPIError(w, r, err, "Failed to create prompt")
		return
	}

	w.Header().Set("Location", "/v1/prompts/"+resp.PromptID.String())
	shared.RespondWithJSON(w, r, http.StatusAccepted, CreatePromptResponse{
		PromptID: resp.PromptID.String(),
		Status:   resp.Status.String(),
	})
}

// GetPrompt handles GET /v1/prompts/{id}.
func (h *PromptHandler) GetPrompt(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := shared.OwnerID(r.Context())
	if !ok {
		HandleAPIError(w, r, domain.ErrUnauthorized, "")
		return
	}

	promptID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		logger.FromContextOrDefault(r.Context(), h.logger).
			Debug("invalid prompt id", "value", chi.URLParam(r, "id"))
		HandleAPIError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidID, err), "")
		return
	}

	resp, err := h.prompts.GetPromptStatus(r.Context(), ownerID, promptID)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to get prompt")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, toPromptStatusResponse(resp))
}

func toPromptStatusResponse(p *service.PromptStatusResponse) PromptStatusResponse {
	return PromptStatusResponse{
		PromptID:         p.PromptID.String(),
		Status:           p.Status.String(),
		OriginalPrompt:   p.OriginalPrompt,
		ImprovedPrompt:   p.ImprovedPrompt,
		Keywords:         p.Keywords,
		CategoryKeywords: p.CategoryKeywords,
		ErrorMessage:     p.ErrorMessage,
		CreatedAt:        p.CreatedAt,
		CompletedAt:      p.CompletedAt,
	}
}
