package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"equipment-rental-backend/internal/domain"
	"equipment-rental-backend/internal/logger"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Class     string `json:"class,omitempty"`
	Field     string `json:"field,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// StatusFor maps an engine error onto an HTTP status code.
func StatusFor(err error) int {
	switch domain.Code(err) {
	case "validation":
		return http.StatusBadRequest
	case "forbidden":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "insufficient_quantity", "invalid_transition", "duplicate":
		return http.StatusConflict
	case "stale_snapshot":
		return http.StatusPreconditionFailed
	case "reconciliation":
		return http.StatusLocked
	case "lock_timeout":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	detail := errorDetail{
		Code:      domain.Code(err),
		Message:   err.Error(),
		Class:     string(domain.Classify(err)),
		RequestID: logger.RequestID(r.Context()),
	}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		detail.Field = verr.Field
	}
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		detail.Message = "internal error"
	}
	writeJSON(w, status, errorBody{Error: detail})
}

func writeStatus(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}
