package chat

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/avitale/ledgerly/internal/api"
	"github.com/avitale/ledgerly/internal/domain"
	"github.com/avitale/ledgerly/internal/store"
)

// Conversation CRUD. These are ordinary user-initiated actions outside the
// orchestration core; they live here so the assistant surface is complete.

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	includeArchived := r.URL.Query().Get("include_archived") == "true"
	convs, err := h.repo.ListConversations(r.Context(), userID, includeArchived)
	if err != nil {
		api.Error(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if convs == nil {
		convs = []*domain.Conversation{}
	}
	api.JSON(w, http.StatusOK, convs)
}

type createConversationRequest struct {
	PageContext string `json:"page_context,omitempty"`
}

func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize())
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	now := time.Now()
	conv := &domain.Conversation{
		ID:          uuid.NewString(),
		UserID:      userID,
		Title:       domain.PlaceholderTitle,
		PageContext: req.PageContext,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.repo.CreateConversation(r.Context(), conv); err != nil {
		api.Error(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}
	api.JSON(w, http.StatusCreated, conv)
}

func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
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

	messages, err := h.repo.ListMessages(r.Context(), conversationID)
	if err != nil {
		api.Error(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if messages == nil {
		messages = []*domain.Message{}
	}
	api.JSON(w, http.StatusOK, map[string]any{
		"conversation": conv,
		"messages":     messages,
	})
}

type updateConversationRequest struct {
	Title    *string `json:"title,omitempty"`
	Archived *bool   `json:"archived,omitempty"`
}

func (h *Handler) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	conversationID := chi.URLParam(r, "conversationID")
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize())
	var req updateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title == nil && req.Archived == nil {
		api.Error(w, http.StatusBadRequest, "nothing to update")
		return
	}

	if req.Title != nil {
		if *req.Title == "" {
			api.Error(w, http.StatusBadRequest, "title cannot be empty")
			return
		}
		if err := h.repo.RenameConversation(r.Context(), userID, conversationID, *req.Title); err != nil {
			h.writeStoreError(w, err)
			return
		}
	}
	if req.Archived != nil {
		if err := h.repo.SetConversationArchived(r.Context(), userID, conversationID, *req.Archived); err != nil {
			h.writeStoreError(w, err)
			return
		}
	}

	conv, err := h.repo.GetConversation(r.Context(), userID, conversationID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, conv)
}

func (h *Handler) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	conversationID := chi.URLParam(r, "conversationID")
	if err := h.repo.DeleteConversation(r.Context(), userID, conversationID); err != nil {
		h.writeStoreError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		api.Error(w, http.StatusNotFound, "conversation not found")
		return
	}
	api.Error(w, http.StatusInternalServerError, "storage error")
}
