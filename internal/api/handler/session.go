package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/Rrens/llm-relay/internal/api/response"
	"github.com/Rrens/llm-relay/internal/domain"
	"github.com/Rrens/llm-relay/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// SessionHandler handles thread-bound session endpoints
type SessionHandler struct {
	sessions     *service.SessionManager
	orchestrator *service.Orchestrator
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(sessions *service.SessionManager, orchestrator *service.Orchestrator) *SessionHandler {
	return &SessionHandler{sessions: sessions, orchestrator: orchestrator}
}

type createSessionRequest struct {
	ThreadID           string `json:"thread_id" validate:"required"`
	UserID             string `json:"user_id" validate:"required"`
	Model              string `json:"model"`
	EnableSearch       bool   `json:"enable_search"`
	EnableSystemPrompt bool   `json:"enable_system_prompt"`
	Language           string `json:"language" validate:"omitempty,min=2,max=8"`
	MaxMessages        int    `json:"max_messages" validate:"min=0,max=100"`
	AutoArchiveMinutes int    `json:"auto_archive_minutes" validate:"omitempty,oneof=60 1440 4320 10080"`
	PrivateThread      bool   `json:"private_thread"`
}

type messageRequest struct {
	UserID string `json:"user_id" validate:"required"`
	domain.Turn
}

// Create starts a session for a thread
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	session, err := h.sessions.Create(r.Context(), req.ThreadID, req.UserID, req.Model, domain.SessionOptions{
		EnableSearch:       req.EnableSearch,
		EnableSystemPrompt: req.EnableSystemPrompt,
		Language:           req.Language,
		MaxMessages:        req.MaxMessages,
		AutoArchiveMinutes: req.AutoArchiveMinutes,
		PrivateThread:      req.PrivateThread,
	})
	if err != nil {
		if errors.Is(err, domain.ErrSessionExists) {
			response.Error(w, http.StatusConflict, err.Error())
			return
		}
		log.Error().Err(err).Str("thread_id", req.ThreadID).Msg("failed to create session")
		response.InternalError(w, "failed to create session")
		return
	}

	response.Created(w, session)
}

// Get returns the active session of a thread
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.Get(chi.URLParam(r, "threadID"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	response.OK(w, session)
}

// Message runs one turn inside the session
func (h *SessionHandler) Message(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	threadID := chi.URLParam(r, "threadID")
	result, err := h.orchestrator.Converse(r.Context(), threadID, req.UserID, req.Turn)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	response.JSON(w, resultStatus(result), result)
}

// Pause stops the session from accepting turns
func (h *SessionHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.sessions.Pause)
}

// Resume lets a paused session accept turns again
func (h *SessionHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.sessions.Resume)
}

// Clear drops the session history
func (h *SessionHandler) Clear(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.sessions.ClearHistory)
}

// End removes the session and closes its thread
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.End(r.Context(), chi.URLParam(r, "threadID")); err != nil {
		writeSessionError(w, err)
		return
	}
	response.NoContent(w)
}

func (h *SessionHandler) mutate(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, threadID string) error) {
	threadID := chi.URLParam(r, "threadID")
	if err := op(r.Context(), threadID); err != nil {
		writeSessionError(w, err)
		return
	}

	session, err := h.sessions.Get(threadID)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	response.OK(w, session)
}

func writeSessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrSessionNotFound) {
		response.NotFound(w, err.Error())
		return
	}
	log.Error().Err(err).Msg("session operation failed")
	response.InternalError(w, "session operation failed")
}
