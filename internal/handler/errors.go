package handler

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/devrev/edgesync/internal/errors"
	"github.com/devrev/edgesync/internal/middleware"
)

// ErrorResponse represents the standard error response format.
type ErrorResponse struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

const (
	ErrorCodeInvalidRequest  = "INVALID_REQUEST"
	ErrorCodeNotFound        = "NOT_FOUND"
	ErrorCodeOfflineUncached = "OFFLINE_UNCACHED"
	ErrorCodeAlreadyExists   = "ALREADY_EXISTS"
	ErrorCodeSyncInFlight    = "SYNC_IN_FLIGHT"
	ErrorCodeServiceDown     = "SERVICE_UNAVAILABLE"
	ErrorCodeIntegrity       = "INTEGRITY_ERROR"
	ErrorCodeInternalError   = "INTERNAL_ERROR"
)

func errorCodeOf(err error) string {
	switch errors.GetCode(err) {
	case errors.ErrCodeInvalidArgument:
		return ErrorCodeInvalidRequest
	case errors.ErrCodeNotFound:
		return ErrorCodeNotFound
	case errors.ErrCodeOfflineUncached:
		return ErrorCodeOfflineUncached
	case errors.ErrCodeAlreadyExists:
		return ErrorCodeAlreadyExists
	case errors.ErrCodeSyncInFlight:
		return ErrorCodeSyncInFlight
	case errors.ErrCodeUnavailable, errors.ErrCodeTransport:
		return ErrorCodeServiceDown
	case errors.ErrCodeChecksumFailed:
		return ErrorCodeIntegrity
	default:
		return ErrorCodeInternalError
	}
}

func statusOf(err error) int {
	var se *errors.SyncError
	if stderrors.As(err, &se) {
		return se.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// handleError writes err in the standard error format
func (h *Handlers) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Operator request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
	}
	h.writeErrorResponse(w, r, status, errorCodeOf(err), err.Error())
}

func (h *Handlers) writeValidationError(w http.ResponseWriter, r *http.Request, message string) {
	h.writeErrorResponse(w, r, http.StatusBadRequest, ErrorCodeInvalidRequest, message)
}

func (h *Handlers) writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	resp := ErrorResponse{
		Status:    "error",
		ErrorCode: code,
		Message:   message,
		RequestID: middleware.GetRequestID(r.Context()),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func (h *Handlers) writeJSONResponse(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}
