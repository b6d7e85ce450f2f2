package bootstrap

import (
	"strings"

	"pulse/internal/logging"
)

// LogServerConfiguration prints a redacted snapshot of the effective
// configuration. Connection strings carry credentials, so only their
// presence is logged.
func LogServerConfiguration(logger logging.Logger, cfg Config) {
	logger = logging.OrNop(logger)

	logger.Info("=== Server Configuration ===")
	logger.Info("Environment: %s", cfg.Environment)
	logger.Info("Port: %s", cfg.Port)
	logger.Info("Runner: %s", cfg.Runner)

	switch cfg.Store.Kind {
	case "sqlite":
		logger.Info("Store: sqlite (%s)", cfg.Store.SQLitePath)
	case "postgres":
		if strings.TrimSpace(cfg.Store.DatabaseURL) != "" {
			logger.Info("Store: postgres (database URL set)")
		} else {
			logger.Info("Store: postgres (database URL not set)")
		}
	default:
		logger.Info("Store: %s", cfg.Store.Kind)
	}

	if len(cfg.AllowedOrigins) > 0 {
		logger.Info("CORS Allowed Origins: %s", strings.Join(cfg.AllowedOrigins, ", "))
	} else {
		logger.Info("CORS Allowed Origins: (default for %s)", cfg.Environment)
	}

	logger.Info("HTTP Rate Limit: %d rpm (burst=%d)", cfg.RateLimitRequestsPerMinute, cfg.RateLimitBurst)
	logger.Info("HTTP Request Timeout: %s", cfg.RequestTimeout)
	logger.Info("Stream Replay Limit: %d", cfg.ReplayLimit)
	logger.Info("Interrupt Grace: %s", cfg.InterruptGrace)
	logger.Info("Max Concurrent Runs: %d", cfg.MaxConcurrentRuns)
	if cfg.Summary.Enabled {
		logger.Info("Summary Worker: enabled (interval=%s batch=%d)", cfg.Summary.Interval, cfg.Summary.BatchSize)
	} else {
		logger.Info("Summary Worker: disabled")
	}
	logger.Info("Shutdown Timeout: %s", cfg.ShutdownTimeout)
	logger.Info("===========================")
}
