// Package chat exposes the conversational assistant over HTTP: turn
// initiation with a per-turn SSE event stream, the confirmation gate, and
// conversation CRUD.
package chat

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/avitale/ledgerly/internal/api"
	"github.com/avitale/ledgerly/internal/config"
	"github.com/avitale/ledgerly/internal/domain"
	"github.com/avitale/ledgerly/internal/identity"
	"github.com/avitale/ledgerly/internal/orchestrator"
	"github.com/avitale/ledgerly/internal/store"
)

const defaultMaxRequestBodySize = 1 << 20 // 1MB

// Handler handles assistant HTTP requests.
type Handler struct {
	repo        store.Repository
	orch        *orchestrator.Orchestrator
	rateLimiter *RateLimiter
	turnLog     *TurnLogger
	cfg         *config.Config
}

// NewHandler creates the chat handler.
func NewHandler(repo store.Repository, orch *orchestrator.Orchestrator, turnLog *TurnLogger, cfg *config.Config) *Handler {
	rateLimitRequests := 20
	rateLimitWindow := time.Minute
	if cfg != nil {
		rateLimitRequests = cfg.RateLimit.RequestsPerWindow
		rateLimitWindow = cfg.RateLimit.WindowDuration
	}

	return &Handler{
		repo:        repo,
		orch:        orch,
		rateLimiter: NewRateLimiter(rateLimitRequests, rateLimitWindow),
		turnLog:     turnLog,
		cfg:         cfg,
	}
}

// RegisterRoutes registers the assistant routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/chat/conversations", func(r chi.Router) {
		r.Get("/", h.handleListConversations)
		r.Post("/", h.handleCreateConversation)
		r.Route("/{conversationID}", func(r chi.Router) {
			r.Get("/", h.handleGetConversation)
			r.Patch("/", h.handleUpdateConversation)
			r.Delete("/", h.handleDeleteConversation)
			r.Post("/messages", h.handleSend)
			r.Post("/messages/{messageID}/confirm", h.handleConfirm)
			r.Post("/messages/{messageID}/reject", h.handleReject)
		})
	})
}

// Close releases handler resources.
func (h *Handler) Close() {
	if err := h.turnLog.Close(); err != nil {
		slog.Warn("failed to close turn logger", "error", err)
	}
}

func (h *Handler) maxBodySize() int64 {
	if h.cfg != nil && h.cfg.SSE.MaxRequestBodySize > 0 {
		return h.cfg.SSE.MaxRequestBodySize
	}
	return defaultMaxRequestBodySize
}

func (h *Handler) retryDelay() time.Duration {
	if h.cfg != nil {
		return h.cfg.SSE.RetryDelay
	}
	return 0
}

// requireAssistant rejects turn-initiating requests when no agent is
// configured. Conversation CRUD stays available.
func (h *Handler) requireAssistant(w http.ResponseWriter) bool {
	if h.orch == nil {
		api.Error(w, http.StatusServiceUnavailable, "assistant is not configured")
		return false
	}
	return true
}

// requireUser resolves the acting user or writes an unauthorized response.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return userID, true
}

type sendRequest struct {
	Message     string              `json:"message"`
	PageContext string              `json:"page_context,omitempty"`
	Attachments []domain.Attachment `json:"attachments,omitempty"`
}

// handleSend handles POST .../messages: it persists the user message and
// streams the turn's events until a terminal event closes the stream.
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if !h.requireAssistant(w) {
		return
	}
	if !h.rateLimiter.Allow(userID) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize())
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		api.Error(w, http.StatusBadRequest, "message is required")
		return
	}

	conversationID := chi.URLParam(r, "conversationID")
	conv, err := h.repo.GetConversation(r.Context(), userID, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		api.Error(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		api.Error(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if req.PageContext != "" {
		conv.PageContext = req.PageContext
	}

	userMsg := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           domain.RoleUser,
		Content:        req.Message,
		Attachments:    req.Attachments,
		CreatedAt:      time.Now(),
	}
	if err := h.repo.AppendMessage(r.Context(), userMsg); err != nil {
		api.Error(w, http.StatusInternalServerError, "failed to save message")
		return
	}
	if err := h.repo.TouchConversation(r.Context(), conv.ID, req.PageContext); err != nil {
		slog.Warn("failed to touch conversation", "conversation_id", conv.ID, "error", err)
	}

	reqID := chiMiddleware.GetReqID(r.Context())
	slog.Info("chat turn started",
		"user_id", userID,
		"conversation_id", conv.ID,
		"message_length", len(req.Message),
	)
	h.turnLog.Log(TurnLogEvent{
		UserID:         userID,
		ConversationID: conv.ID,
		EventType:      "user_message",
		Content:        req.Message,
		Meta:           map[string]any{"request_id": reqID},
	})

	em, err := NewSSEEmitter(w, h.retryDelay())
	if err != nil {
		api.Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	summary := h.orch.RunTurn(r.Context(), userID, conv, em)
	h.logTurnEnd(userID, conv.ID, reqID, summary)
}

type confirmRequest struct {
	Overrides map[string]any `json:"overrides,omitempty"`
}

// handleConfirm handles POST .../confirm: it executes a pending mutating
// action and streams the result plus a follow-up narration turn.
func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if !h.requireAssistant(w) {
		return
	}
	if !h.rateLimiter.Allow(userID) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	conversationID := chi.URLParam(r, "conversationID")
	messageID := chi.URLParam(r, "messageID")

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize())
	var req confirmRequest
	// An empty body means "confirm as proposed".
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.orch.CheckPending(r.Context(), userID, conversationID, messageID); err != nil {
		h.writePreconditionError(w, err)
		return
	}

	reqID := chiMiddleware.GetReqID(r.Context())
	h.turnLog.Log(TurnLogEvent{
		UserID:         userID,
		ConversationID: conversationID,
		EventType:      "action_confirmed",
		Meta:           map[string]any{"message_id": messageID, "request_id": reqID, "overridden": len(req.Overrides) > 0},
	})

	em, err := NewSSEEmitter(w, h.retryDelay())
	if err != nil {
		api.Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	summary, err := h.orch.Confirm(r.Context(), userID, conversationID, messageID, req.Overrides, em)
	if err != nil {
		// Preconditions re-failed after the stream opened (a concurrent
		// confirm slipped in); the stream just closes with an error event.
		if emitErr := em.Emit(orchestrator.EventError, orchestrator.ErrorPayload{Message: "action is no longer pending"}); emitErr != nil {
			slog.Debug("failed to emit precondition error", "error", emitErr)
		}
		return
	}
	h.logTurnEnd(userID, conversationID, reqID, summary)
}

// handleReject handles POST .../reject synchronously.
func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if !h.requireAssistant(w) {
		return
	}

	conversationID := chi.URLParam(r, "conversationID")
	messageID := chi.URLParam(r, "messageID")

	if err := h.orch.Reject(r.Context(), userID, conversationID, messageID); err != nil {
		h.writePreconditionError(w, err)
		return
	}

	h.turnLog.Log(TurnLogEvent{
		UserID:         userID,
		ConversationID: conversationID,
		EventType:      "action_rejected",
		Meta:           map[string]any{"message_id": messageID},
	})
	api.JSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (h *Handler) writePreconditionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		api.Error(w, http.StatusNotFound, "not found")
	case errors.Is(err, orchestrator.ErrNotPending):
		api.Error(w, http.StatusConflict, "action is not pending")
	default:
		api.Error(w, http.StatusInternalServerError, "failed to load action")
	}
}

func (h *Handler) logTurnEnd(userID, conversationID, reqID string, summary domain.TurnSummary) {
	meta := map[string]any{
		"request_id":        reqID,
		"mutation_proposed": summary.MutationProposed,
		"mutation_executed": summary.MutationExecuted,
	}
	if summary.Err != nil {
		meta["error"] = summary.Err.Error()
	}
	h.turnLog.Log(TurnLogEvent{
		UserID:         userID,
		ConversationID: conversationID,
		EventType:      "turn_end",
		Meta:           meta,
	})
}
