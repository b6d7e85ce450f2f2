package ports

import "context"

// HealthStatus classifies a component probe result.
type HealthStatus string

const (
	// HealthStatusReady means the component is fully operational.
	HealthStatusReady HealthStatus = "ready"
	// HealthStatusDegraded means the component is serving with reduced
	// guarantees, for example a store whose append path recently exhausted
	// its retry budget.
	HealthStatusDegraded HealthStatus = "degraded"
	// HealthStatusNotReady means the component cannot serve requests.
	HealthStatusNotReady HealthStatus = "not_ready"
	// HealthStatusDisabled means the component is switched off by
	// configuration and does not count against readiness.
	HealthStatusDisabled HealthStatus = "disabled"
)

// ComponentHealth is one probe's verdict.
type ComponentHealth struct {
	Name    string       `json:"name"`
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
	Details any          `json:"details,omitempty"`
}

// HealthProbe checks one component.
type HealthProbe interface {
	Check(ctx context.Context) ComponentHealth
}
