package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/mrs-core/internal/mrs"
	"github.com/nerrad567/mrs-core/internal/orchestrator"
	"github.com/nerrad567/mrs-core/internal/task"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// Common error codes.
const (
	ErrCodeBadRequest         = "bad_request"
	ErrCodeNotFound           = "not_found"
	ErrCodeUnauthorized       = "unauthorised"
	ErrCodeConflict           = "conflict"
	ErrCodeInternal           = "internal_error"
	ErrCodeValidation         = "validation_error"
	ErrCodeInvalidState       = "invalid_state"
	ErrCodeNotQueued          = "not_queued"
	ErrCodeSensorUnavailable  = "sensor_unavailable"
	ErrCodeNoHeldSession      = "no_held_session"
	ErrCodeAisleNotBlocked    = "aisle_not_blocked"
	ErrCodeServiceUnavailable = "service_unavailable"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeEngineError maps an orchestrator or repository error onto a response.
// Anything unrecognised is logged by the caller and reported as a 500.
func writeEngineError(w http.ResponseWriter, err error) bool {
	var verr *orchestrator.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, Error{
			Status:  http.StatusBadRequest,
			Code:    ErrCodeValidation,
			Message: verr.Message,
			Field:   verr.Field,
		})
	case errors.Is(err, task.ErrTaskNotFound):
		writeNotFound(w, "task not found")
	case errors.Is(err, task.ErrWaitingNotFound):
		writeNotFound(w, "waiting not found")
	case errors.Is(err, mrs.ErrDeviceNotFound):
		writeNotFound(w, "device not found")
	case errors.Is(err, mrs.ErrAisleNotFound):
		writeNotFound(w, "aisle not found")
	case errors.Is(err, orchestrator.ErrNotQueued):
		writeError(w, http.StatusConflict, ErrCodeNotQueued, "task is not queued")
	case errors.Is(err, orchestrator.ErrInvalidState):
		writeError(w, http.StatusConflict, ErrCodeInvalidState, err.Error())
	case errors.Is(err, orchestrator.ErrNoHeldSession):
		writeError(w, http.StatusConflict, ErrCodeNoHeldSession, "device holds no resolvable session")
	case errors.Is(err, orchestrator.ErrAisleNotBlocked):
		writeError(w, http.StatusConflict, ErrCodeAisleNotBlocked, "aisle is not blocked")
	case errors.Is(err, orchestrator.ErrSensorUnavailable):
		writeError(w, http.StatusServiceUnavailable, ErrCodeSensorUnavailable, "aisle sensor unavailable")
	default:
		return false
	}
	return true
}
