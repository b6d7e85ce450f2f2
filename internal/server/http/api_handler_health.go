package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"pulse/internal/server/app"
	"pulse/internal/server/ports"
)

// HandleHealth reports every registered component plus the worst-of overall
// status. Always 200: this endpoint answers "what state are you in", not
// "should I route to you".
func (h *APIHandler) HandleHealth(c *gin.Context) {
	components := h.health.CheckAll(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"status":     app.Overall(components),
		"components": components,
		"timestamp":  time.Now().UTC(),
	})
}

// HandleReady is the rotation gate: 503 when any component is not_ready,
// 200 otherwise. A degraded server keeps serving.
func (h *APIHandler) HandleReady(c *gin.Context) {
	components := h.health.CheckAll(c.Request.Context())
	overall := app.Overall(components)

	status := http.StatusOK
	if overall == ports.HealthStatusNotReady {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"status": overall})
}
