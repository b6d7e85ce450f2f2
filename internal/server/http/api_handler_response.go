package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	pulseerrors "pulse/internal/errors"
	"pulse/internal/server/app"
)

// errorBody is the wire shape of a rejected request. Code is a stable
// machine-readable tag; Message is for humans and may change.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// classifyError maps domain and application errors onto HTTP status codes
// and stable error codes. Unrecognized errors become opaque 500s so
// internal details never leak onto the wire.
func classifyError(err error) (int, errorBody) {
	switch {
	case pulseerrors.IsNotFound(err):
		return http.StatusNotFound, errorBody{Code: "not_found", Message: err.Error()}
	case pulseerrors.IsTerminalState(err):
		return http.StatusConflict, errorBody{Code: "terminal_state", Message: err.Error()}
	case pulseerrors.IsOrchestratorActive(err):
		return http.StatusConflict, errorBody{Code: "orchestrator_active", Message: err.Error()}
	case errors.Is(err, app.ErrRunBusy):
		return http.StatusConflict, errorBody{Code: "run_busy", Message: err.Error()}
	case errors.Is(err, app.ErrValidation):
		return http.StatusBadRequest, errorBody{Code: "validation", Message: err.Error()}
	case errors.Is(err, app.ErrDraining):
		return http.StatusServiceUnavailable, errorBody{Code: "draining", Message: err.Error()}
	case pulseerrors.IsStorageUnavailable(err):
		return http.StatusServiceUnavailable, errorBody{Code: "storage_unavailable", Message: "event log temporarily unavailable"}
	default:
		return http.StatusInternalServerError, errorBody{Code: "internal", Message: "internal server error"}
	}
}

// writeError classifies err and writes the error envelope. Server faults
// log at error level, client rejections at warn.
func (h *APIHandler) writeError(c *gin.Context, err error) {
	status, body := classifyError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("HTTP %d %s - %s: %v", status, c.FullPath(), body.Code, err)
	} else {
		h.logger.Warn("HTTP %d %s - %s: %v", status, c.FullPath(), body.Code, err)
	}
	c.AbortWithStatusJSON(status, errorEnvelope{Error: body})
}

// writeValidationError rejects a request that never reached the coordinator,
// such as malformed JSON or a bad query parameter.
func (h *APIHandler) writeValidationError(c *gin.Context, message string) {
	h.logger.Warn("HTTP %d %s - validation: %s", http.StatusBadRequest, c.FullPath(), message)
	c.AbortWithStatusJSON(http.StatusBadRequest, errorEnvelope{Error: errorBody{
		Code:    "validation",
		Message: message,
	}})
}
