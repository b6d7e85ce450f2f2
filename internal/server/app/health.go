package app

import (
	"context"
	"fmt"
	"sync"

	"pulse/internal/observability"
	"pulse/internal/server/ports"
)

// HealthChecker aggregates health probes for all components.
type HealthChecker struct {
	probes []ports.HealthProbe
	mu     sync.RWMutex
}

// NewHealthChecker creates an empty health checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		probes: make([]ports.HealthProbe, 0),
	}
}

// RegisterProbe adds a health probe.
func (h *HealthChecker) RegisterProbe(probe ports.HealthProbe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes = append(h.probes, probe)
}

// CheckAll returns health status for all components.
func (h *HealthChecker) CheckAll(ctx context.Context) []ports.ComponentHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	results := make([]ports.ComponentHealth, 0, len(h.probes))
	for _, probe := range h.probes {
		results = append(results, probe.Check(ctx))
	}
	return results
}

// Overall reduces probe results to the worst status observed. Disabled
// components do not count against readiness.
func Overall(results []ports.ComponentHealth) ports.HealthStatus {
	overall := ports.HealthStatusReady
	for _, result := range results {
		switch result.Status {
		case ports.HealthStatusNotReady:
			return ports.HealthStatusNotReady
		case ports.HealthStatusDegraded:
			overall = ports.HealthStatusDegraded
		}
	}
	return overall
}

// StoreProbe checks the session store backend. An unreachable backend is
// down; a reachable one whose append path recently exhausted its retry
// budget is degraded but still serving.
type StoreProbe struct {
	store   ports.SessionStore
	metrics *observability.StoreMetrics
}

// NewStoreProbe creates a store health probe.
func NewStoreProbe(store ports.SessionStore, metrics *observability.StoreMetrics) *StoreProbe {
	return &StoreProbe{store: store, metrics: metrics}
}

// Check pings the backend and folds in degraded-mode state.
func (p *StoreProbe) Check(ctx context.Context) ports.ComponentHealth {
	if err := p.store.Ping(ctx); err != nil {
		return ports.ComponentHealth{
			Name:    "store",
			Status:  ports.HealthStatusNotReady,
			Message: fmt.Sprintf("backend unreachable: %v", err),
		}
	}
	if p.metrics.Degraded() {
		return ports.ComponentHealth{
			Name:    "store",
			Status:  ports.HealthStatusDegraded,
			Message: "append retries recently exhausted; log writes may fail",
		}
	}
	return ports.ComponentHealth{
		Name:    "store",
		Status:  ports.HealthStatusReady,
		Message: "backend reachable",
	}
}

// HubProbe reports broadcast delivery counters. The hub has no failure
// mode of its own, so it is always ready; the counters surface slow-client
// pressure.
type HubProbe struct {
	hub *Hub
}

// NewHubProbe creates a hub health probe.
func NewHubProbe(hub *Hub) *HubProbe {
	return &HubProbe{hub: hub}
}

// Check returns the hub's delivery counter snapshot.
func (p *HubProbe) Check(ctx context.Context) ports.ComponentHealth {
	metrics := p.hub.Metrics()
	return ports.ComponentHealth{
		Name:   "hub",
		Status: ports.HealthStatusReady,
		Details: map[string]any{
			"active_connections": metrics.ActiveConnections,
			"sessions":           metrics.SessionCount,
			"dropped_events":     metrics.DroppedEvents,
		},
	}
}

// CoordinatorProbe flips readiness off once draining starts so load
// balancers stop routing new work while in-flight runs wind down.
type CoordinatorProbe struct {
	coordinator *Coordinator
}

// NewCoordinatorProbe creates a coordinator health probe.
func NewCoordinatorProbe(coordinator *Coordinator) *CoordinatorProbe {
	return &CoordinatorProbe{coordinator: coordinator}
}

// Check reports intake availability and the live run count.
func (p *CoordinatorProbe) Check(ctx context.Context) ports.ComponentHealth {
	details := map[string]any{
		"active_runs": p.coordinator.ActiveRunCount(),
	}
	if p.coordinator.Draining() {
		return ports.ComponentHealth{
			Name:    "coordinator",
			Status:  ports.HealthStatusNotReady,
			Message: "draining; new runs are rejected",
			Details: details,
		}
	}
	return ports.ComponentHealth{
		Name:    "coordinator",
		Status:  ports.HealthStatusReady,
		Details: details,
	}
}

// DegradedSource exposes the bootstrap's record of optional components that
// failed to initialize.
type DegradedSource interface {
	Map() map[string]string
	IsEmpty() bool
}

// DegradedProbe surfaces components that failed optional initialization.
// The server is still serving, so this reports degraded rather than down.
type DegradedProbe struct {
	source DegradedSource
}

// NewDegradedProbe creates a probe over the bootstrap's degraded tracker.
func NewDegradedProbe(source DegradedSource) *DegradedProbe {
	return &DegradedProbe{source: source}
}

// Check returns the degraded component map.
func (p *DegradedProbe) Check(ctx context.Context) ports.ComponentHealth {
	if p.source == nil || p.source.IsEmpty() {
		return ports.ComponentHealth{
			Name:    "bootstrap",
			Status:  ports.HealthStatusReady,
			Message: "all optional components initialized",
		}
	}
	return ports.ComponentHealth{
		Name:    "bootstrap",
		Status:  ports.HealthStatusDegraded,
		Message: "some optional components failed to initialize",
		Details: p.source.Map(),
	}
}
