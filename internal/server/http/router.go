package http

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pulse/internal/logging"
)

// NewRouter builds the gin engine with all endpoints and middleware wired.
func NewRouter(deps RouterDeps, cfg RouterConfig) *gin.Engine {
	logger := logging.NewComponentLogger("Router")
	latencyLogger := logging.NewLatencyLogger("HTTP")

	if !strings.EqualFold(cfg.Environment, "development") {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(Recovery(logger))
	engine.Use(RequestLogger(logger))
	engine.Use(CORSLayer(cfg.Environment, cfg.AllowedOrigins))
	engine.Use(RequestTimeoutMiddleware(cfg.RequestTimeout))
	engine.Use(ObservabilityMiddleware(deps.Obs, latencyLogger))

	apiHandler := NewAPIHandler(
		deps.Coordinator,
		deps.HealthChecker,
		WithAPIObservability(deps.Obs),
		WithAPILogger(logger),
	)
	wsHandler := NewWSHandler(
		deps.Coordinator,
		deps.Hub,
		WithWSReplayLimit(cfg.ReplayLimit),
	)

	api := engine.Group("/api")

	sessions := api.Group("/sessions")
	{
		sessions.POST("", apiHandler.HandleCreateSession)
		sessions.GET("", apiHandler.HandleListSessions)
		sessions.GET("/:id", apiHandler.HandleGetSession)
		sessions.POST("/:id/messages", RateLimitMiddleware(cfg.RateLimit), apiHandler.HandleSubmitMessage)
		sessions.GET("/:id/history", apiHandler.HandleSessionHistory)
		sessions.GET("/:id/events", apiHandler.HandleSessionEvents)
		sessions.GET("/:id/runs", apiHandler.HandleSessionRuns)
		sessions.GET("/:id/stream", wsHandler.HandleStream)
	}

	runs := api.Group("/runs")
	{
		runs.GET("/:id", apiHandler.HandleGetRun)
		runs.POST("/:id/interrupt", apiHandler.HandleInterruptRun)
	}

	engine.GET("/health", apiHandler.HandleHealth)
	engine.GET("/ready", apiHandler.HandleReady)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return engine
}
