package http

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"pulse/internal/logging"
)

// RequestLogger logs one line per completed request. Stream upgrades are
// skipped; their lifecycle is logged by the stream handler itself.
func RequestLogger(logger logging.Logger) gin.HandlerFunc {
	logger = logging.OrNop(logger)
	return func(c *gin.Context) {
		if isStreamRequest(c.Request) {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		logger.Info("%s %s %d %.2fms from %s",
			c.Request.Method,
			c.Request.URL.Path,
			c.Writer.Status(),
			float64(time.Since(start).Microseconds())/1000.0,
			c.ClientIP(),
		)
	}
}

// Recovery converts handler panics into opaque 500s instead of dropping the
// connection.
func Recovery(logger logging.Logger) gin.HandlerFunc {
	logger = logging.OrNop(logger)
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("Panic in %s %s: %v", c.Request.Method, c.Request.URL.Path, rec)
				c.AbortWithStatusJSON(http.StatusInternalServerError, errorEnvelope{Error: errorBody{
					Code:    "internal",
					Message: "internal server error",
				}})
			}
		}()
		c.Next()
	}
}

// CORSLayer builds the cross-origin policy. An empty allowlist outside
// production opens all origins for local dashboard development; in
// production an empty allowlist means same-origin only.
func CORSLayer(environment string, allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	cfg.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
	cfg.AllowWebSockets = true

	switch {
	case len(allowedOrigins) > 0:
		cfg.AllowOrigins = allowedOrigins
		cfg.AllowCredentials = true
	case environment != "production":
		cfg.AllowAllOrigins = true
	default:
		// Same-origin only: reject every cross-origin caller.
		cfg.AllowOriginFunc = func(origin string) bool { return false }
	}
	return cors.New(cfg)
}

func isStreamRequest(r *http.Request) bool {
	return r.Header.Get("Upgrade") == "websocket"
}
