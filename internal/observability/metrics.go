package observability

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages all metrics for the relay
type MetricsCollector struct {
	meter metric.Meter

	// Event pipeline metrics
	eventsPersisted metric.Int64Counter
	eventsBroadcast metric.Int64Counter
	eventsDropped   metric.Int64Counter
	persistLatency  metric.Float64Histogram
	fanoutLatency   metric.Float64Histogram

	// Run metrics
	runsStarted  metric.Int64Counter
	runsFinished metric.Int64Counter
	runDuration  metric.Float64Histogram

	// Usage metrics
	usageTokensInput  metric.Int64Counter
	usageTokensOutput metric.Int64Counter
	usageCost         metric.Float64Counter

	// Connection metrics
	sessionsActive metric.Int64UpDownCounter
	channelsActive metric.Int64UpDownCounter

	// HTTP server metrics
	httpRequests metric.Int64Counter
	httpLatency  metric.Float64Histogram

	// Server for Prometheus scraping
	prometheusServer *http.Server
}

// MetricsConfig configures the metrics collector
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port"`
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	// Create Prometheus exporter
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	// Create meter provider
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	// Get meter
	meter := provider.Meter("pulse")

	// Create metrics
	eventsPersisted, err := meter.Int64Counter(
		"pulse.events.persisted.total",
		metric.WithDescription("Total number of events appended to the session store"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events_persisted counter: %w", err)
	}

	eventsBroadcast, err := meter.Int64Counter(
		"pulse.events.broadcast.total",
		metric.WithDescription("Total number of event deliveries to subscriber channels"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events_broadcast counter: %w", err)
	}

	eventsDropped, err := meter.Int64Counter(
		"pulse.events.dropped.total",
		metric.WithDescription("Total number of event deliveries dropped"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events_dropped counter: %w", err)
	}

	persistLatency, err := meter.Float64Histogram(
		"pulse.events.persist.latency",
		metric.WithDescription("Event append latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create persist_latency histogram: %w", err)
	}

	fanoutLatency, err := meter.Float64Histogram(
		"pulse.events.fanout.latency",
		metric.WithDescription("Broadcast fan-out latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fanout_latency histogram: %w", err)
	}

	runsStarted, err := meter.Int64Counter(
		"pulse.runs.started.total",
		metric.WithDescription("Total number of runs started"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create runs_started counter: %w", err)
	}

	runsFinished, err := meter.Int64Counter(
		"pulse.runs.finished.total",
		metric.WithDescription("Total number of runs reaching a terminal status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create runs_finished counter: %w", err)
	}

	runDuration, err := meter.Float64Histogram(
		"pulse.runs.duration",
		metric.WithDescription("Run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run_duration histogram: %w", err)
	}

	usageTokensInput, err := meter.Int64Counter(
		"pulse.usage.tokens.input",
		metric.WithDescription("Total input tokens reported by collaborators"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage_tokens_input counter: %w", err)
	}

	usageTokensOutput, err := meter.Int64Counter(
		"pulse.usage.tokens.output",
		metric.WithDescription("Total output tokens reported by collaborators"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage_tokens_output counter: %w", err)
	}

	usageCost, err := meter.Float64Counter(
		"pulse.usage.cost.total",
		metric.WithDescription("Total estimated cost of collaborator usage"),
		metric.WithUnit("USD"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage_cost counter: %w", err)
	}

	sessionsActive, err := meter.Int64UpDownCounter(
		"pulse.sessions.active",
		metric.WithDescription("Number of sessions with a live orchestrator run"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions_active gauge: %w", err)
	}

	channelsActive, err := meter.Int64UpDownCounter(
		"pulse.channels.active",
		metric.WithDescription("Number of open subscriber channels"),
		metric.WithUnit("{channel}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create channels_active gauge: %w", err)
	}

	httpRequests, err := meter.Int64Counter(
		"pulse.http.requests.total",
		metric.WithDescription("Total number of HTTP requests served"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_requests counter: %w", err)
	}

	httpLatency, err := meter.Float64Histogram(
		"pulse.http.request.latency",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_latency histogram: %w", err)
	}

	collector := &MetricsCollector{
		meter:             meter,
		eventsPersisted:   eventsPersisted,
		eventsBroadcast:   eventsBroadcast,
		eventsDropped:     eventsDropped,
		persistLatency:    persistLatency,
		fanoutLatency:     fanoutLatency,
		runsStarted:       runsStarted,
		runsFinished:      runsFinished,
		runDuration:       runDuration,
		usageTokensInput:  usageTokensInput,
		usageTokensOutput: usageTokensOutput,
		usageCost:         usageCost,
		sessionsActive:    sessionsActive,
		channelsActive:    channelsActive,
		httpRequests:      httpRequests,
		httpLatency:       httpLatency,
	}

	// Start Prometheus HTTP server
	if config.PrometheusPort > 0 {
		if err := collector.StartPrometheusServer(config.PrometheusPort); err != nil {
			return nil, fmt.Errorf("failed to start prometheus server: %w", err)
		}
	}

	return collector, nil
}

// StartPrometheusServer starts the Prometheus metrics server
func (m *MetricsCollector) StartPrometheusServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())

	m.prometheusServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		log.Printf("Prometheus metrics server listening on :%d", port)
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Prometheus server error: %v", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics collector
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m.prometheusServer != nil {
		return m.prometheusServer.Shutdown(ctx)
	}
	return nil
}

// RecordEventPersisted records a successful append with its latency
func (m *MetricsCollector) RecordEventPersisted(ctx context.Context, category string, latency time.Duration) {
	if m.eventsPersisted == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("category", category),
	}

	m.eventsPersisted.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.persistLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(attrs...))
}

// RecordFanout records one broadcast pass over a session's subscribers
func (m *MetricsCollector) RecordFanout(ctx context.Context, delivered, dropped int, latency time.Duration) {
	if m.eventsBroadcast == nil {
		return
	}

	if delivered > 0 {
		m.eventsBroadcast.Add(ctx, int64(delivered))
	}
	if dropped > 0 {
		m.eventsDropped.Add(ctx, int64(dropped), metric.WithAttributes(
			attribute.String("reason", "slow_consumer"),
		))
	}
	m.fanoutLatency.Record(ctx, latency.Seconds())
}

// RecordEventDropped records deliveries lost for a specific reason
func (m *MetricsCollector) RecordEventDropped(ctx context.Context, reason string, count int) {
	if m.eventsDropped == nil || count <= 0 {
		return
	}
	m.eventsDropped.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordRunStarted records a run entering the active state
func (m *MetricsCollector) RecordRunStarted(ctx context.Context, kind string) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordRunFinished records a run reaching a terminal status
func (m *MetricsCollector) RecordRunFinished(ctx context.Context, kind, reason string, duration time.Duration) {
	if m.runsFinished == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
		attribute.String("reason", reason),
	}

	m.runsFinished.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordUsage records collaborator token usage and estimated cost
func (m *MetricsCollector) RecordUsage(ctx context.Context, model string, inputTokens, outputTokens int, cost float64) {
	if m.usageTokensInput == nil {
		return
	}

	modelAttr := metric.WithAttributes(attribute.String("model", model))
	m.usageTokensInput.Add(ctx, int64(inputTokens), modelAttr)
	m.usageTokensOutput.Add(ctx, int64(outputTokens), modelAttr)
	if cost > 0 {
		m.usageCost.Add(ctx, cost, modelAttr)
	}
}

// IncrementActiveSessions increments the active sessions counter
func (m *MetricsCollector) IncrementActiveSessions(ctx context.Context) {
	if m.sessionsActive == nil {
		return
	}
	m.sessionsActive.Add(ctx, 1)
}

// DecrementActiveSessions decrements the active sessions counter
func (m *MetricsCollector) DecrementActiveSessions(ctx context.Context) {
	if m.sessionsActive == nil {
		return
	}
	m.sessionsActive.Add(ctx, -1)
}

// RecordHTTPServerRequest records one served HTTP request
func (m *MetricsCollector) RecordHTTPServerRequest(ctx context.Context, method, route string, status int, latency time.Duration) {
	if m.httpRequests == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	}

	m.httpRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.httpLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
	))
}

// IncrementActiveChannels increments the open channel counter
func (m *MetricsCollector) IncrementActiveChannels(ctx context.Context) {
	if m.channelsActive == nil {
		return
	}
	m.channelsActive.Add(ctx, 1)
}

// DecrementActiveChannels decrements the open channel counter
func (m *MetricsCollector) DecrementActiveChannels(ctx context.Context) {
	if m.channelsActive == nil {
		return
	}
	m.channelsActive.Add(ctx, -1)
}
