package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"pulse/internal/async"
	"pulse/internal/logging"
	"pulse/internal/runner/scripted"
	"pulse/internal/server/app"
	serverHTTP "pulse/internal/server/http"
	"pulse/internal/server/ports"
	"pulse/internal/session/memstore"
	"pulse/internal/session/postgresstore"
	"pulse/internal/session/sqlitestore"
)

// RunServer assembles the relay from the given configuration and blocks
// until a shutdown signal arrives.
func RunServer(cfg Config, observabilityConfigPath string) error {
	logger := logging.NewComponentLogger("Main")
	logger.Info("Starting pulse agent session relay...")
	degraded := NewDegradedComponents()

	// ── Phase 1: Required infrastructure (failure aborts startup) ──

	obs, cleanupObs := InitObservability(observabilityConfigPath, logger)
	if cleanupObs != nil {
		defer cleanupObs()
	}

	LogServerConfiguration(logger, cfg)

	store, err := BuildStore(context.Background(), cfg.Store)
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close store: %v", err)
		}
	}()

	hub := app.NewHub()
	runner := scripted.New()
	defer runner.Release()

	coordinatorOpts := []app.CoordinatorOption{
		app.WithInterruptGrace(cfg.InterruptGrace),
		app.WithMaxConcurrentRuns(cfg.MaxConcurrentRuns),
	}
	if obs != nil {
		hub.SetMetricsCollector(obs.Metrics)
		coordinatorOpts = append(coordinatorOpts, app.WithObservability(obs))
	}
	coordinator := app.NewCoordinator(store, hub, runner, coordinatorOpts...)

	// ── Phase 2: Optional services (failure records degraded, continues) ──

	var summaryWorker *app.SummaryWorker

	optionalStages := []BootstrapStage{
		{
			Name: "store-ping", Required: false,
			Init: func() error {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				// A dead backend at startup is degraded, not fatal: the
				// persist path retries and submits fail clean until it
				// comes back.
				return store.Ping(ctx)
			},
		},
		{
			Name: "summary-worker", Required: false,
			Init: func() error {
				if !cfg.Summary.Enabled {
					return nil
				}
				workerOpts := []app.SummaryOption{
					app.WithSummaryInterval(cfg.Summary.Interval),
					app.WithSummaryBatchSize(cfg.Summary.BatchSize),
				}
				if obs != nil {
					workerOpts = append(workerOpts,
						app.WithSummaryMetrics(obs.Store),
						app.WithSummaryTracer(obs.Tracer))
				}
				summaryWorker = app.NewSummaryWorker(store, hub, nil, workerOpts...)
				summaryWorker.Start()
				return nil
			},
		},
	}

	if err := RunStages(optionalStages, degraded, logger); err != nil {
		return fmt.Errorf("optional stages: %w", err)
	}

	if summaryWorker != nil {
		defer func() {
			if err := summaryWorker.Close(); err != nil {
				logger.Warn("Failed to close summary worker: %v", err)
			}
		}()
	}

	// ── Phase 3: Health + HTTP layer ──

	healthChecker := app.NewHealthChecker()
	if obs != nil {
		healthChecker.RegisterProbe(app.NewStoreProbe(store, obs.Store))
	} else {
		healthChecker.RegisterProbe(app.NewStoreProbe(store, nil))
	}
	healthChecker.RegisterProbe(app.NewHubProbe(hub))
	healthChecker.RegisterProbe(app.NewCoordinatorProbe(coordinator))
	healthChecker.RegisterProbe(app.NewDegradedProbe(degraded))

	router := serverHTTP.NewRouter(
		serverHTTP.RouterDeps{
			Coordinator:   coordinator,
			Hub:           hub,
			HealthChecker: healthChecker,
			Obs:           obs,
		},
		serverHTTP.RouterConfig{
			Environment:    cfg.Environment,
			AllowedOrigins: cfg.AllowedOrigins,
			ReplayLimit:    cfg.ReplayLimit,
			RateLimit: serverHTTP.RateLimitConfig{
				RequestsPerMinute: cfg.RateLimitRequestsPerMinute,
				Burst:             cfg.RateLimitBurst,
			},
			RequestTimeout: cfg.RequestTimeout,
		},
	)

	if !degraded.IsEmpty() {
		logger.Warn("[Bootstrap] Server starting in degraded mode: %v", degraded.Map())
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	drain := func(ctx context.Context) {
		if err := coordinator.DrainAndStop(ctx); err != nil {
			logger.Warn("Drain incomplete: %v", err)
		}
	}

	return serveUntilSignal(server, cfg.ShutdownTimeout, logger, drain)
}

// BuildStore constructs the configured session store backend.
func BuildStore(ctx context.Context, cfg StoreConfig) (ports.SessionStore, error) {
	switch cfg.Kind {
	case "memory":
		return memstore.New(), nil
	case "sqlite":
		store, err := sqlitestore.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store %q: %w", cfg.SQLitePath, err)
		}
		return store, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		store := postgresstore.New(pool)
		schemaCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := store.EnsureSchema(schemaCtx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Kind)
	}
}

// serveUntilSignal runs the HTTP server until SIGINT/SIGTERM, then drains
// active runs and shuts the listener down within the timeout.
func serveUntilSignal(server *http.Server, timeout time.Duration, logger logging.Logger, drain func(context.Context)) error {
	logger = logging.OrNop(logger)
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	errCh := make(chan error, 1)
	async.Go(logger, "server.listen", func() {
		logger.Info("Server listening on %s", server.Addr)
		errCh <- server.ListenAndServe()
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		if err == nil || err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-quit:
		logger.Info("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		// Drain first so clients still connected see their runs wind
		// down; the listener closes after.
		if drain != nil {
			drain(ctx)
		}
		shutdownErr := server.Shutdown(ctx)

		serveErr := <-errCh
		if serveErr == http.ErrServerClosed {
			serveErr = nil
		}

		if shutdownErr != nil {
			return fmt.Errorf("shutdown: %w", shutdownErr)
		}
		if serveErr != nil {
			return fmt.Errorf("server error: %w", serveErr)
		}

		logger.Info("Server stopped")
		return nil
	}
}
