package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// interruptResponse acknowledges an accepted interrupt. The run winds down
// cooperatively; the terminal lifecycle event arrives over the stream.
type interruptResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// HandleGetRun handles GET /api/runs/:id.
func (h *APIHandler) HandleGetRun(c *gin.Context) {
	run, err := h.coordinator.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// HandleInterruptRun handles POST /api/runs/:id/interrupt. Interrupting an
// already-terminal run is a 409, not an error the caller can do anything
// about twice.
func (h *APIHandler) HandleInterruptRun(c *gin.Context) {
	runID := c.Param("id")
	if err := h.coordinator.Interrupt(c.Request.Context(), runID); err != nil {
		h.writeError(c, err)
		return
	}

	h.logger.Info("Interrupt accepted: run=%s", runID)
	c.JSON(http.StatusAccepted, interruptResponse{
		RunID:  runID,
		Status: "interrupting",
	})
}
