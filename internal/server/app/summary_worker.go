package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"pulse/internal/async"
	"pulse/internal/domain"
	pulseerrors "pulse/internal/errors"
	"pulse/internal/logging"
	"pulse/internal/observability"
	"pulse/internal/server/ports"
	"pulse/internal/tokens"
)

const (
	defaultSummaryInterval    = 3 * time.Second
	defaultSummaryBatchSize   = 64
	defaultSummaryCacheSize   = 512
	defaultSummaryConcurrency = 4
	summarySweepTimeout       = 10 * time.Second

	// maxSummaryTokens bounds how long a gloss may get, measured with the
	// same tokenizer the usage counters use.
	maxSummaryTokens = 32
)

// SummaryWorker back-fills one-line glosses onto persisted events. It polls
// the store for summary-less events, generates glosses through the
// Summarizer port, writes them with the exactly-once conditional update and
// announces each landed gloss to live clients as an ephemeral
// summary.backfilled broadcast.
type SummaryWorker struct {
	store      ports.SessionStore
	hub        ports.EventSink
	summarizer ports.Summarizer
	logger     logging.Logger
	metrics    *observability.StoreMetrics
	tracer     *observability.TracerProvider

	cache   *summaryCache
	breaker *pulseerrors.CircuitBreaker

	interval    time.Duration
	batchSize   int
	concurrency int

	started   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// SummaryOption configures the worker.
type SummaryOption func(*summaryConfig)

type summaryConfig struct {
	logger      logging.Logger
	metrics     *observability.StoreMetrics
	tracer      *observability.TracerProvider
	interval    time.Duration
	batchSize   int
	cacheSize   int
	concurrency int
	breaker     pulseerrors.CircuitBreakerConfig
}

// WithSummaryInterval sets how often the worker polls for pending events.
func WithSummaryInterval(interval time.Duration) SummaryOption {
	return func(cfg *summaryConfig) {
		if interval > 0 {
			cfg.interval = interval
		}
	}
}

// WithSummaryBatchSize bounds how many events one sweep picks up.
func WithSummaryBatchSize(size int) SummaryOption {
	return func(cfg *summaryConfig) {
		if size > 0 {
			cfg.batchSize = size
		}
	}
}

// WithSummaryCacheSize sets the gloss cache capacity.
func WithSummaryCacheSize(size int) SummaryOption {
	return func(cfg *summaryConfig) {
		if size > 0 {
			cfg.cacheSize = size
		}
	}
}

// WithSummaryConcurrency bounds how many glosses one sweep generates in
// parallel.
func WithSummaryConcurrency(n int) SummaryOption {
	return func(cfg *summaryConfig) {
		if n > 0 {
			cfg.concurrency = n
		}
	}
}

// WithSummaryLogger attaches a component logger.
func WithSummaryLogger(logger logging.Logger) SummaryOption {
	return func(cfg *summaryConfig) {
		cfg.logger = logger
	}
}

// WithSummaryMetrics wires the persistence health recorder.
func WithSummaryMetrics(metrics *observability.StoreMetrics) SummaryOption {
	return func(cfg *summaryConfig) {
		cfg.metrics = metrics
	}
}

// WithSummaryTracer traces each back-fill attempt.
func WithSummaryTracer(tracer *observability.TracerProvider) SummaryOption {
	return func(cfg *summaryConfig) {
		cfg.tracer = tracer
	}
}

// WithSummaryBreaker overrides the circuit breaker guarding summarizer
// calls. Tests shrink the thresholds.
func WithSummaryBreaker(config pulseerrors.CircuitBreakerConfig) SummaryOption {
	return func(cfg *summaryConfig) {
		cfg.breaker = config
	}
}

// NewSummaryWorker builds the worker. A nil summarizer falls back to the
// heuristic one; AI-backed implementations plug in behind the same port.
func NewSummaryWorker(store ports.SessionStore, hub ports.EventSink, summarizer ports.Summarizer, opts ...SummaryOption) *SummaryWorker {
	cfg := summaryConfig{
		logger:      logging.NewComponentLogger("SummaryWorker"),
		interval:    defaultSummaryInterval,
		batchSize:   defaultSummaryBatchSize,
		cacheSize:   defaultSummaryCacheSize,
		concurrency: defaultSummaryConcurrency,
		breaker:     pulseerrors.DefaultCircuitBreakerConfig(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if summarizer == nil {
		summarizer = HeuristicSummarizer{}
	}

	return &SummaryWorker{
		store:       store,
		hub:         hub,
		summarizer:  summarizer,
		logger:      logging.OrNop(cfg.logger),
		metrics:     cfg.metrics,
		tracer:      cfg.tracer,
		cache:       newSummaryCache(cfg.cacheSize),
		breaker:     pulseerrors.NewCircuitBreaker("summarizer", cfg.breaker),
		interval:    cfg.interval,
		batchSize:   cfg.batchSize,
		concurrency: cfg.concurrency,
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

// Start launches the poll loop. Calling it twice is a no-op.
func (w *SummaryWorker) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	async.Go(w.logger, "summary.worker", w.run)
}

// Close stops the loop and waits for the in-flight sweep to finish.
func (w *SummaryWorker) Close() error {
	w.closeOnce.Do(func() { close(w.done) })
	if w.started.Load() {
		<-w.stopped
	}
	return nil
}

func (w *SummaryWorker) run() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.sweep(context.Background())
		}
	}
}

// sweep glosses one batch of summary-less events, fanning the summarizer
// calls out with a bounded group.
func (w *SummaryWorker) sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, summarySweepTimeout)
	defer cancel()

	pending, err := w.store.EventsNeedingSummary(ctx, w.batchSize)
	if err != nil {
		w.logger.Warn("Summary sweep could not list pending events: %v", err)
		return
	}
	w.metrics.SetSummaryPending(len(pending))
	if len(pending) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, event := range pending {
		event := event
		g.Go(func() error {
			select {
			case <-w.done:
				return nil
			default:
			}
			w.backfill(gctx, event)
			return nil
		})
	}
	_ = g.Wait()
}

// backfill glosses one event and writes the result exactly once.
func (w *SummaryWorker) backfill(ctx context.Context, event domain.EventRecord) {
	var span trace.Span
	if w.tracer != nil {
		ctx, span = w.tracer.StartSpan(ctx, observability.SpanSummaryBackfill,
			observability.EventAttrs(string(event.Category), string(event.Type), event.Seq)...)
		defer span.End()
	}

	key := summaryKey(event)
	summary, cached := w.cache.get(key)
	if !cached {
		err := w.breaker.Execute(ctx, func(ctx context.Context) error {
			var sumErr error
			summary, sumErr = w.summarizer.Summarize(ctx, event)
			return sumErr
		})
		if err != nil {
			if span != nil {
				span.RecordError(err)
			}
			w.metrics.RecordSummaryBackfill("error")
			w.logger.Warn("Summarize failed for event %s: %v", event.ID, err)
			return
		}
		summary = strings.TrimSpace(summary)
		if summary == "" {
			w.metrics.RecordSummaryBackfill("empty")
			return
		}
		w.cache.add(key, summary)
	}

	written, err := w.store.BackfillSummary(ctx, event.ID, summary)
	if err != nil {
		if span != nil {
			span.RecordError(err)
		}
		w.metrics.RecordSummaryBackfill("error")
		w.logger.Warn("Backfill write failed for event %s: %v", event.ID, err)
		return
	}
	if !written {
		// Another writer glossed it first; ours is discarded.
		w.metrics.RecordSummaryBackfill("lost_race")
		return
	}
	w.metrics.RecordSummaryBackfill("ok")

	// Ephemeral announcement: broadcast to live clients, never appended to
	// the log.
	rc := domain.RunContext{SessionID: event.SessionID, RunID: event.OwnerID, ParentRunID: event.ParentRunID}
	w.hub.Broadcast(domain.NewEvent(rc, domain.EventSummaryBackfilled, map[string]any{
		"event_id": event.ID,
		"summary":  summary,
	}))
}

// HeuristicSummarizer glosses events from type and payload alone, no model
// call. It is the default Summarizer implementation.
type HeuristicSummarizer struct{}

// Summarize produces a short human-readable gloss for the event.
func (HeuristicSummarizer) Summarize(_ context.Context, event domain.EventRecord) (string, error) {
	var gloss string
	switch event.Type {
	case domain.EventToolInvoked:
		gloss = fmt.Sprintf("Invoked tool %s", payloadStringOr(event.Payload, "tool", "(unnamed)"))
	case domain.EventToolCompleted:
		gloss = fmt.Sprintf("Tool %s finished", payloadStringOr(event.Payload, "tool", "(unnamed)"))
	case domain.EventInputReceived:
		gloss = fmt.Sprintf("Input: %s", payloadStringOr(event.Payload, "message", "(empty)"))
	case domain.EventRunStarted:
		gloss = "Run started"
	case domain.EventRunCompleted:
		gloss = "Run completed"
	case domain.EventRunFailed:
		if detail := payloadString(event.Payload, "error"); detail != "" {
			gloss = fmt.Sprintf("Run failed: %s", detail)
		} else {
			gloss = "Run failed"
		}
	case domain.EventRunInterrupted:
		gloss = "Run interrupted"
	case domain.EventStorageDegraded:
		gloss = "Storage degraded"
	default:
		// "tool.invoked" style tags read fine with the dot swapped out.
		gloss = strings.ReplaceAll(string(event.Type), ".", " ")
	}
	return tokens.TruncateToTokens(strings.TrimSpace(gloss), maxSummaryTokens), nil
}

func payloadStringOr(payload map[string]any, key, fallback string) string {
	if s := payloadString(payload, key); s != "" {
		return s
	}
	return fallback
}
