package observability

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StoreMetrics tracks health of the persistence pipeline.
type StoreMetrics struct {
	appendRetries    prometheus.Counter
	appendFailures   prometheus.Counter
	degraded         prometheus.Gauge
	degradedFlag     atomic.Bool
	summaryBackfills prometheus.CounterVec
	summaryPending   prometheus.Gauge
	replayPages      prometheus.Counter
}

var (
	defaultStoreMetrics     *StoreMetrics
	defaultStoreMetricsOnce sync.Once
)

// NewStoreMetrics builds a StoreMetrics recorder using the default registry.
func NewStoreMetrics() *StoreMetrics {
	defaultStoreMetricsOnce.Do(func() {
		defaultStoreMetrics = newStoreMetrics(prometheus.DefaultRegisterer)
	})
	return defaultStoreMetrics
}

// NewStoreMetricsWithRegisterer allows tests to provide a dedicated registry.
func NewStoreMetricsWithRegisterer(reg prometheus.Registerer) *StoreMetrics {
	return newStoreMetrics(reg)
}

func newStoreMetrics(reg prometheus.Registerer) *StoreMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &StoreMetrics{
		appendRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Subsystem: "store",
			Name:      "append_retry_total",
			Help:      "Number of event appends that needed at least one retry",
		}),
		appendFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Subsystem: "store",
			Name:      "append_failure_total",
			Help:      "Number of event appends that exhausted their retry budget",
		}),
		degraded: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulse",
			Subsystem: "store",
			Name:      "degraded",
			Help:      "Whether the store is currently serving in degraded mode (1) or healthy (0)",
		}),
		summaryBackfills: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Subsystem: "store",
			Name:      "summary_backfill_total",
			Help:      "Summary back-fill attempts by outcome",
		}, []string{"outcome"}),
		summaryPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulse",
			Subsystem: "store",
			Name:      "summary_pending",
			Help:      "Events still waiting for a summary after the most recent sweep",
		}),
		replayPages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Subsystem: "store",
			Name:      "replay_page_total",
			Help:      "History pages served to newly attached channels",
		}),
	}
}

// RecordAppendRetry increments the append retry counter.
func (m *StoreMetrics) RecordAppendRetry() {
	if m == nil || m.appendRetries == nil {
		return
	}
	m.appendRetries.Inc()
}

// RecordAppendFailure increments the append failure counter.
func (m *StoreMetrics) RecordAppendFailure() {
	if m == nil || m.appendFailures == nil {
		return
	}
	m.appendFailures.Inc()
}

// SetDegraded flips the degraded-mode gauge. Redundant writes are absorbed
// so hot append paths can call it unconditionally.
func (m *StoreMetrics) SetDegraded(degraded bool) {
	if m == nil || m.degraded == nil {
		return
	}
	if m.degradedFlag.Swap(degraded) == degraded {
		return
	}
	if degraded {
		m.degraded.Set(1)
		return
	}
	m.degraded.Set(0)
}

// Degraded reports whether the store is currently in degraded mode. Health
// probes read it; the gauge itself is write-only.
func (m *StoreMetrics) Degraded() bool {
	return m != nil && m.degradedFlag.Load()
}

// RecordSummaryBackfill increments the back-fill counter for an outcome.
func (m *StoreMetrics) RecordSummaryBackfill(outcome string) {
	if m == nil {
		return
	}
	counter := m.summaryBackfills.WithLabelValues(outcome)
	counter.Inc()
}

// SetSummaryPending sets the latest pending-summary measurement.
func (m *StoreMetrics) SetSummaryPending(pending int) {
	if m == nil || m.summaryPending == nil {
		return
	}
	m.summaryPending.Set(float64(pending))
}

// RecordReplayPage increments the replay page counter.
func (m *StoreMetrics) RecordReplayPage() {
	if m == nil || m.replayPages == nil {
		return
	}
	m.replayPages.Inc()
}
