package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"tableside/internal/apperr"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type errorResponse struct {
	RequestID string    `json:"requestId,omitempty"`
	Error     errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: middleware.GetReqID(r.Context()),
		Error:     errorBody{Code: code, Message: message},
	})
}

// writeDomainError renders an error returned by the order or table managers.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := mapError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, r, status, code, message)
}

func mapError(err error) (int, string, string) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
	switch appErr.Kind {
	case apperr.KindValidation:
		return http.StatusBadRequest, string(appErr.Kind), appErr.Message
	case apperr.KindInvalidTransition, apperr.KindInvalidState, apperr.KindConflict:
		return http.StatusConflict, string(appErr.Kind), appErr.Message
	case apperr.KindNotFound:
		return http.StatusNotFound, string(appErr.Kind), appErr.Message
	case apperr.KindTransient:
		return http.StatusServiceUnavailable, string(appErr.Kind), "temporarily unavailable, retry shortly"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}
