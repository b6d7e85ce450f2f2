package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"pulse/internal/logging"
	"pulse/internal/observability"
)

// ObservabilityMiddleware instruments requests with a server span, request
// metrics and a latency log line. Routes are labelled by their gin template
// (/api/sessions/:id), never by raw path, to keep metric cardinality bounded.
func ObservabilityMiddleware(obs *observability.Observability, latencyLogger logging.Logger) gin.HandlerFunc {
	hasLatencyLogger := !logging.IsNil(latencyLogger)
	latencyLogger = logging.OrNop(latencyLogger)
	return func(c *gin.Context) {
		if obs == nil && !hasLatencyLogger {
			c.Next()
			return
		}

		start := time.Now()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		if obs != nil && obs.Tracer != nil {
			ctx, span := obs.Tracer.StartSpan(c.Request.Context(), observability.SpanHTTPServer,
				attribute.String("http.route", route),
				attribute.String("http.method", c.Request.Method),
			)
			c.Request = c.Request.WithContext(ctx)
			defer func() {
				status := c.Writer.Status()
				if status >= http.StatusInternalServerError {
					span.SetStatus(codes.Error, http.StatusText(status))
				}
				span.SetAttributes(attribute.Int("http.status_code", status))
				span.End()
			}()
		}

		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		if obs != nil {
			obs.Metrics.RecordHTTPServerRequest(c.Request.Context(), c.Request.Method, route, status, latency)
		}
		if hasLatencyLogger {
			latencyLogger.Info(
				"route=%s method=%s status=%d latency_ms=%.2f bytes=%d",
				route,
				c.Request.Method,
				status,
				float64(latency.Microseconds())/1000.0,
				c.Writer.Size(),
			)
		}
	}
}
