package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/forkchat/internal/middleware"
	"github.com/capitalize-ai/forkchat/internal/model"
)

// Transcript handles GET /api/v1/chats/{id}/transcript
// Supports ?branch=B for a branch other than the active one.
func (h *ChatHandler) Transcript(w http.ResponseWriter, r *http.Request) {
	id, ok := chatID(w, r)
	if !ok {
		return
	}
	s, err := h.session(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	q := r.URL.Query()
	branchID := s.ActiveBranch()
	msgs := s.Transcript()
	if q.Has("branch") {
		branchID = q.Get("branch")
		msgs = s.TranscriptFor(branchID)
	}

	writeJSON(w, http.StatusOK, &model.TranscriptResponse{
		ChatID:   id,
		BranchID: branchID,
		Messages: msgs,
	})
}

// Send handles POST /api/v1/chats/{id}/messages
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	id, ok := chatID(w, r)
	if !ok {
		return
	}

	var req model.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s, err := h.session(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.SetModel(req.Model)

	res, err := s.Send(r.Context(), req.Content)
	if err != nil {
		h.logger.Info("send rejected", zap.String("chat_id", id), zap.Error(err))
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, &model.SendMessageResponse{
		Message:  res.Message,
		Deposit:  res.Deposit.Units,
		Fallback: res.Deposit.Fallback,
	})
}

// MessageInfo handles GET /api/v1/chats/{id}/messages/{mid}
func (h *ChatHandler) MessageInfo(w http.ResponseWriter, r *http.Request) {
	id, ok := chatID(w, r)
	if !ok {
		return
	}
	mid := chi.URLParam(r, "mid")
	if err := middleware.ValidateID(mid); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s, err := h.session(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	info, err := s.MessageInfo(mid)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Estimate handles POST /api/v1/chats/{id}/estimate
func (h *ChatHandler) Estimate(w http.ResponseWriter, r *http.Request) {
	id, ok := chatID(w, r)
	if !ok {
		return
	}

	var req model.EstimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s, err := h.session(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.SetModel(req.Model)

	est := s.Estimate(req.Draft)
	writeJSON(w, http.StatusOK, &model.EstimateResponse{
		Units:       est.Units,
		InputTokens: est.InputTokens,
		Fallback:    est.Fallback,
		Warning:     est.Warning,
	})
}
