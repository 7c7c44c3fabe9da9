package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/capitalize-ai/forkchat/internal/model"
	"github.com/capitalize-ai/forkchat/internal/service"
)

// retryAfterSeconds is suggested to clients while a chat's feed is not
// available yet.
const retryAfterSeconds = 5

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeServiceError maps session errors to status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	var (
		payErr *service.PaymentReservationError
		subErr *service.SubscriptionSetupError
	)
	switch {
	case errors.As(err, &payErr):
		writeJSON(w, http.StatusPaymentRequired, &model.ErrorEvent{
			Code:    "deposit_unavailable",
			Message: err.Error(),
		})
	case errors.As(err, &subErr), errors.Is(err, service.ErrNotReady):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		writeJSON(w, http.StatusServiceUnavailable, &model.ErrorEvent{
			Code:       "feed_unavailable",
			Message:    err.Error(),
			RetryAfter: retryAfterSeconds,
		})
	case errors.Is(err, service.ErrEmptyInput), errors.Is(err, service.ErrInputTooLong):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrNoChat),
		errors.Is(err, service.ErrUnknownBranch), errors.Is(err, service.ErrUnknownMessage):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrSessionClosed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
