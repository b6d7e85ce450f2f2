package http

import (
	"time"

	"pulse/internal/observability"
	"pulse/internal/server/app"
)

// RouterDeps holds the service dependencies needed to construct the router.
type RouterDeps struct {
	Coordinator   *app.Coordinator
	Hub           *app.Hub
	HealthChecker *app.HealthChecker
	Obs           *observability.Observability
}

// RouterConfig holds configuration values for the router.
type RouterConfig struct {
	Environment    string
	AllowedOrigins []string
	ReplayLimit    int
	RateLimit      RateLimitConfig
	RequestTimeout time.Duration
}
