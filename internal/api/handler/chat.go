package handler

import (
	"net/http"

	"github.com/Rrens/llm-relay/internal/api/response"
	"github.com/Rrens/llm-relay/internal/domain"
	"github.com/Rrens/llm-relay/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// ChatHandler handles stateless chat and usage endpoints
type ChatHandler struct {
	orchestrator *service.Orchestrator
	quota        *service.QuotaTracker
}

// NewChatHandler creates a new chat handler
func NewChatHandler(orchestrator *service.Orchestrator, quota *service.QuotaTracker) *ChatHandler {
	return &ChatHandler{orchestrator: orchestrator, quota: quota}
}

// Chat runs one top-level turn
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req domain.ChatRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.orchestrator.Chat(r.Context(), req)
	if err != nil {
		log.Error().Err(err).Str("user_id", req.UserID).Msg("chat failed")
		response.InternalError(w, "chat failed: "+err.Error())
		return
	}

	response.JSON(w, resultStatus(result), result)
}

// Usage returns today's quota status of a user for every known model
func (h *ChatHandler) Usage(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		response.BadRequest(w, "missing user ID")
		return
	}

	usage, err := h.quota.Usage(r.Context(), userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to load usage")
		response.InternalError(w, "failed to load usage")
		return
	}

	response.OK(w, map[string]any{
		"user_id": userID,
		"usage":   usage,
	})
}

// resultStatus maps a chat outcome to an HTTP status. The result itself is
// always returned as data.
func resultStatus(result *domain.ChatResult) int {
	switch {
	case result.Success:
		return http.StatusOK
	case result.QuotaExceeded:
		return http.StatusTooManyRequests
	case result.Paused:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}
