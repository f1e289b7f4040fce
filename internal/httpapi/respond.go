package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sua-org/cam-stream/internal/analytics"
	"github.com/sua-org/cam-stream/internal/scripts"
	"github.com/sua-org/cam-stream/internal/stream"
)

type errorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	body := errorBody{Error: err.Error(), Code: code}
	var vErr *scripts.ValidationError
	if errors.As(err, &vErr) {
		body.Detail = vErr.Diagnostic
	}
	writeJSON(w, status, body)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Code: "BadRequest"})
}

// classify traduz os erros de domínio em status HTTP. A ordem importa:
// InterpreterNotFound chega embrulhado em SpawnFailed.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, scripts.ErrInterpreterNotFound):
		return http.StatusServiceUnavailable, "InterpreterNotFound"
	case errors.Is(err, scripts.ErrAlreadyRunning):
		return http.StatusConflict, "AlreadyRunning"
	case errors.Is(err, scripts.ErrNotRunning):
		return http.StatusConflict, "NotRunning"
	case errors.Is(err, scripts.ErrValidationFailed):
		return http.StatusUnprocessableEntity, "ValidationFailed"
	case errors.Is(err, scripts.ErrSpawnFailed):
		return http.StatusInternalServerError, "SpawnFailed"
	case errors.Is(err, scripts.ErrInvalidScriptID),
		errors.Is(err, stream.ErrInvalidSource),
		errors.Is(err, stream.ErrEmptyFrame),
		errors.Is(err, stream.ErrNotJPEG),
		errors.Is(err, analytics.ErrInvalidDetection):
		return http.StatusBadRequest, "BadRequest"
	case errors.Is(err, stream.ErrFrameTooLarge):
		return http.StatusRequestEntityTooLarge, "FrameTooLarge"
	case errors.Is(err, stream.ErrSourceNotFound):
		return http.StatusNotFound, "SourceNotFound"
	case errors.Is(err, analytics.ErrUnknownScript):
		return http.StatusNotFound, "UnknownScript"
	case errors.Is(err, analytics.ErrOwnershipMismatch):
		return http.StatusForbidden, "OwnershipMismatch"
	case errors.Is(err, scripts.ErrSupervisorClosed),
		errors.Is(err, stream.ErrEngineClosed):
		return http.StatusServiceUnavailable, "ShuttingDown"
	default:
		return http.StatusInternalServerError, "Internal"
	}
}
