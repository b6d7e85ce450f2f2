package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	pulseerrors "pulse/internal/errors"
	"pulse/internal/logging"
	"pulse/internal/observability"
	"pulse/internal/server/ports"
)

const (
	defaultInterruptGrace    = 5 * time.Second
	defaultMaxConcurrentRuns = 16
)

// Cancellation causes propagated through context.WithCancelCause so the run
// loop can tell an operator interrupt from a shutdown drain.
var (
	errInterruptRequested = errors.New("interrupt requested")
	errDrainRequested     = errors.New("server draining")
)

// Coordinator owns run lifecycles. It starts and resumes collaborator
// executions, consumes their event stream one goroutine per run, and keeps
// the invariant that every event is durably appended to the session store
// before the hub fans it out.
type Coordinator struct {
	store  ports.SessionStore
	hub    ports.EventSink
	runner ports.Runner

	logger logging.Logger
	obs    *observability.Observability

	retry          pulseerrors.RetryConfig
	interruptGrace time.Duration

	// sem bounds how many run loops may drive a collaborator at once.
	// Admission happens inside the run goroutine so StartRun stays fast.
	sem *semaphore.Weighted

	activeMu sync.RWMutex
	active   map[string]*activeRun

	wg       sync.WaitGroup
	draining atomic.Bool
}

// activeRun tracks one in-process run loop: its cancel function for
// cooperative interruption and a done channel DrainAndStop can wait on.
type activeRun struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// coordinatorConfig collects option values before the struct is built.
type coordinatorConfig struct {
	logger         logging.Logger
	obs            *observability.Observability
	retry          pulseerrors.RetryConfig
	interruptGrace time.Duration
	maxConcurrent  int64
}

// CoordinatorOption configures optional behavior for the coordinator.
type CoordinatorOption func(*coordinatorConfig)

// WithLogger attaches a component logger.
func WithLogger(logger logging.Logger) CoordinatorOption {
	return func(cfg *coordinatorConfig) {
		cfg.logger = logger
	}
}

// WithObservability wires the observability provider into the coordinator.
func WithObservability(obs *observability.Observability) CoordinatorOption {
	return func(cfg *coordinatorConfig) {
		cfg.obs = obs
	}
}

// WithRetryConfig overrides the persist retry budget. Tests shrink it so
// storage-failure paths run in milliseconds.
func WithRetryConfig(retry pulseerrors.RetryConfig) CoordinatorOption {
	return func(cfg *coordinatorConfig) {
		cfg.retry = retry
	}
}

// WithInterruptGrace bounds how long an interrupted collaborator may keep
// the channel open before the run is forced to failed.
func WithInterruptGrace(grace time.Duration) CoordinatorOption {
	return func(cfg *coordinatorConfig) {
		if grace > 0 {
			cfg.interruptGrace = grace
		}
	}
}

// WithMaxConcurrentRuns bounds how many runs may execute simultaneously.
func WithMaxConcurrentRuns(n int) CoordinatorOption {
	return func(cfg *coordinatorConfig) {
		if n > 0 {
			cfg.maxConcurrent = int64(n)
		}
	}
}

// NewCoordinator creates a coordinator over the given store, hub and runner.
func NewCoordinator(store ports.SessionStore, hub ports.EventSink, runner ports.Runner, opts ...CoordinatorOption) *Coordinator {
	cfg := coordinatorConfig{
		logger:         logging.NewComponentLogger("Coordinator"),
		retry:          pulseerrors.DefaultRetryConfig(),
		interruptGrace: defaultInterruptGrace,
		maxConcurrent:  defaultMaxConcurrentRuns,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return &Coordinator{
		store:          store,
		hub:            hub,
		runner:         runner,
		logger:         logging.OrNop(cfg.logger),
		obs:            cfg.obs,
		retry:          cfg.retry,
		interruptGrace: cfg.interruptGrace,
		sem:            semaphore.NewWeighted(cfg.maxConcurrent),
		active:         make(map[string]*activeRun),
	}
}

// Interrupt requests cooperative cancellation of a run. A run driven by this
// process gets its context cancelled and the collaborator a grace period to
// emit its own final lifecycle event. A run nobody is driving (left behind by
// a dead process) is forced to failed directly from stored state.
func (c *Coordinator) Interrupt(ctx context.Context, runID string) error {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.IsTerminal() {
		return pulseerrors.NewTerminalState("run", run.ID, string(run.Status))
	}

	if handle := c.drivingRun(runID); handle != nil {
		logging.FromContext(ctx, c.logger).Info("Interrupting run %s (grace %s)", runID, c.interruptGrace)
		handle.cancel(errInterruptRequested)
		return nil
	}

	// Nobody in this process holds the run loop, so cooperative shutdown is
	// impossible. Force the terminal state straight in the store.
	logging.FromContext(ctx, c.logger).Warn("Interrupting orphaned run %s without a live loop", runID)
	c.forceInterrupted(ctx, run, "interrupted with no live execution attached")
	return nil
}

// DrainAndStop stops intake, interrupts every active run and waits for the
// run loops to finish. The context bounds the wait; runs that have not
// reached a terminal state by then are reported in the returned error.
func (c *Coordinator) DrainAndStop(ctx context.Context) error {
	c.draining.Store(true)

	c.activeMu.RLock()
	handles := make(map[string]*activeRun, len(c.active))
	for id, handle := range c.active {
		handles[id] = handle
	}
	c.activeMu.RUnlock()

	if len(handles) > 0 {
		c.logger.Info("Draining %d active run(s)", len(handles))
	}

	g, gctx := errgroup.WithContext(ctx)
	for id, handle := range handles {
		id, handle := id, handle
		g.Go(func() error {
			handle.cancel(errDrainRequested)
			select {
			case <-handle.done:
				return nil
			case <-gctx.Done():
				return fmt.Errorf("run %s did not stop: %w", id, gctx.Err())
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Loops unregister themselves before closing done; wg covers the tail of
	// each goroutine past that point.
	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("coordinator drain: %w", ctx.Err())
	}
}

// ActiveRunCount reports how many run loops this process is driving.
func (c *Coordinator) ActiveRunCount() int {
	c.activeMu.RLock()
	defer c.activeMu.RUnlock()
	return len(c.active)
}

// Draining reports whether DrainAndStop has begun. A draining coordinator
// rejects new intake, so readiness probes treat it as out of rotation.
func (c *Coordinator) Draining() bool {
	return c.draining.Load()
}

// claimRun registers the run as driven by this process. The claim fails
// when another segment already holds it, which is what makes concurrent
// resumes of the same run safe.
func (c *Coordinator) claimRun(runID string, cancel context.CancelCauseFunc) (*activeRun, bool) {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	if _, exists := c.active[runID]; exists {
		return nil, false
	}
	handle := &activeRun{cancel: cancel, done: make(chan struct{})}
	c.active[runID] = handle
	return handle, true
}

func (c *Coordinator) untrackRun(runID string, handle *activeRun) {
	c.activeMu.Lock()
	delete(c.active, runID)
	c.activeMu.Unlock()
	close(handle.done)
}

func (c *Coordinator) drivingRun(runID string) *activeRun {
	c.activeMu.RLock()
	defer c.activeMu.RUnlock()
	return c.active[runID]
}

// collector returns the metrics collector, nil-safe.
func (c *Coordinator) collector() *observability.MetricsCollector {
	if c.obs == nil {
		return nil
	}
	return c.obs.Metrics
}

// storeMetrics returns the persistence health recorder, nil-safe.
func (c *Coordinator) storeMetrics() *observability.StoreMetrics {
	if c.obs == nil {
		return nil
	}
	return c.obs.Store
}
