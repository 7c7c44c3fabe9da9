// Package handler provides HTTP handlers for the API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/forkchat/internal/middleware"
	"github.com/capitalize-ai/forkchat/internal/model"
	"github.com/capitalize-ai/forkchat/internal/service"
	"github.com/capitalize-ai/forkchat/pkg/logger"
)

// ChatHandler handles chat endpoints.
type ChatHandler struct {
	registry *service.Registry
	logger   *logger.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(registry *service.Registry, log *logger.Logger) *ChatHandler {
	return &ChatHandler{
		registry: registry,
		logger:   logger.OrNop(log),
	}
}

// session returns the open session of a chat, opening it on first use.
func (h *ChatHandler) session(ctx context.Context, chatID string) (*service.Session, error) {
	owner := middleware.GetOwner(ctx)
	s, err := h.registry.Get(owner, chatID)
	if err == nil {
		return s, nil
	}
	return h.registry.Open(ctx, owner, chatID, "")
}

// chatID validates and returns the {id} route parameter.
func chatID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}

func stateOf(s *service.Session) *model.ChatStateResponse {
	chat, _ := s.Chat()
	return &model.ChatStateResponse{
		Chat:     chat,
		Branches: s.Branches(),
		State:    s.State().String(),
		Model:    s.ModelID(),
	}
}

// Create handles POST /api/v1/chats
func (h *ChatHandler) Create(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())

	var req model.CreateChatRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if err := middleware.ValidateTitle(req.Title); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s := h.registry.Create(owner, req.Model)
	s.PresetTitle(req.Title)

	writeJSON(w, http.StatusCreated, stateOf(s))
}

// List handles GET /api/v1/chats
func (h *ChatHandler) List(w http.ResponseWriter, r *http.Request) {
	chats, err := h.registry.Chats(r.Context(), middleware.GetOwner(r.Context()))
	if err != nil {
		h.logger.Error("failed to list chats", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "chat list unavailable")
		return
	}
	writeJSON(w, http.StatusOK, &model.ListChatsResponse{Chats: chats, Total: len(chats)})
}

// Get handles GET /api/v1/chats/{id}
func (h *ChatHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := chatID(w, r)
	if !ok {
		return
	}
	s, err := h.session(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stateOf(s))
}

// Rename handles PUT /api/v1/chats/{id}
func (h *ChatHandler) Rename(w http.ResponseWriter, r *http.Request) {
	id, ok := chatID(w, r)
	if !ok {
		return
	}

	var req model.RenameChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateTitle(req.Title); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s, err := h.session(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if err := s.Rename(r.Context(), req.Title); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stateOf(s))
}

// Delete handles DELETE /api/v1/chats/{id}
func (h *ChatHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := chatID(w, r)
	if !ok {
		return
	}
	owner := middleware.GetOwner(r.Context())

	// A chat that was never persisted only has to be forgotten.
	if s, err := h.registry.Get(owner, id); err == nil && s.State() == service.StateNew {
		h.registry.Close(owner, id)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.registry.Delete(r.Context(), owner, id); err != nil {
		if !errors.Is(err, service.ErrNotFound) {
			h.logger.Error("failed to delete chat", zap.String("chat_id", id), zap.Error(err))
		}
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Fork handles POST /api/v1/chats/{id}/branches
func (h *ChatHandler) Fork(w http.ResponseWriter, r *http.Request) {
	id, ok := chatID(w, r)
	if !ok {
		return
	}

	var req model.ForkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateID(req.ForkPointMessageID); err != nil {
		writeError(w, http.StatusBadRequest, "fork_point_message_id: "+err.Error())
		return
	}

	s, err := h.session(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	branch, err := s.Fork(r.Context(), req.ForkPointMessageID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, branch)
}

// SwitchBranch handles PUT /api/v1/chats/{id}/branch
func (h *ChatHandler) SwitchBranch(w http.ResponseWriter, r *http.Request) {
	id, ok := chatID(w, r)
	if !ok {
		return
	}

	var req model.SwitchBranchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BranchID != "" {
		if err := middleware.ValidateID(req.BranchID); err != nil {
			writeError(w, http.StatusBadRequest, "branch_id: "+err.Error())
			return
		}
	}

	s, err := h.session(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if err := s.SwitchBranch(r.Context(), req.BranchID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stateOf(s))
}
