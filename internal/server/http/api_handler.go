// Package http is the command surface: a gin router mapping JSON requests
// onto the coordinator, plus one duplex WebSocket channel per client for
// live event delivery.
package http

import (
	"pulse/internal/logging"
	"pulse/internal/observability"
	"pulse/internal/server/app"
)

// APIHandler serves the JSON endpoints over the coordinator.
type APIHandler struct {
	coordinator *app.Coordinator
	health      *app.HealthChecker
	logger      logging.Logger
	obs         *observability.Observability
}

// APIOption configures the handler.
type APIOption func(*APIHandler)

// WithAPILogger attaches a component logger.
func WithAPILogger(logger logging.Logger) APIOption {
	return func(h *APIHandler) {
		h.logger = logging.OrNop(logger)
	}
}

// WithAPIObservability wires metrics and tracing into request handling.
func WithAPIObservability(obs *observability.Observability) APIOption {
	return func(h *APIHandler) {
		h.obs = obs
	}
}

// NewAPIHandler creates the handler over the coordinator and health checker.
func NewAPIHandler(coordinator *app.Coordinator, health *app.HealthChecker, opts ...APIOption) *APIHandler {
	h := &APIHandler{
		coordinator: coordinator,
		health:      health,
		logger:      logging.NewComponentLogger("API"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}
