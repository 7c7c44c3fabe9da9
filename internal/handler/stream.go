package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/forkchat/internal/model"
	"github.com/capitalize-ai/forkchat/internal/service"
	"github.com/capitalize-ai/forkchat/pkg/metrics"
)

// heartbeatInterval keeps idle SSE connections open through proxies.
var heartbeatInterval = 30 * time.Second

// Stream handles GET /api/v1/chats/{id}/stream
// It sends the current transcript, then tokens, messages and chat updates
// as they happen.
func (h *ChatHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := chatID(w, r)
	if !ok {
		return
	}
	s, err := h.session(ctx, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Register before the snapshot so nothing between the two is lost.
	updates, cancel := s.Watch(256)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	metrics.SSEConnections.Inc()
	defer metrics.SSEConnections.Dec()

	sendSSEEvent(w, flusher, "connected", map[string]string{"chat_id": id})
	sendSSEEvent(w, flusher, "transcript", &model.TranscriptResponse{
		ChatID:   id,
		BranchID: s.ActiveBranch(),
		Messages: s.Transcript(),
	})

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("chat_id", id))
			return

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", map[string]time.Time{"timestamp": time.Now().UTC()})

		case u, open := <-updates:
			if !open {
				sendSSEEvent(w, flusher, "closed", map[string]string{"chat_id": id})
				return
			}
			if err := h.forward(w, flusher, s, u); err != nil {
				h.logger.Warn("SSE write failed", zap.String("chat_id", id), zap.Error(err))
				return
			}
		}
	}
}

func (h *ChatHandler) forward(w http.ResponseWriter, f http.Flusher, s *service.Session, u service.Update) error {
	switch u.Type {
	case service.UpdateToken:
		return sendSSEEvent(w, f, "token", u)
	case service.UpdateMessage:
		return sendSSEEvent(w, f, "message", u.Message)
	case service.UpdateChat:
		return sendSSEEvent(w, f, "chat", stateOf(s))
	case service.UpdateError:
		return sendSSEEvent(w, f, "error", &model.ErrorEvent{Code: "completion_error", Message: u.Error})
	default:
		return sendSSEEvent(w, f, "transcript", &model.TranscriptResponse{
			ChatID:   s.ChatID(),
			BranchID: s.ActiveBranch(),
			Messages: s.Transcript(),
		})
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
