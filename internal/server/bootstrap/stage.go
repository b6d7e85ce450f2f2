package bootstrap

import (
	"fmt"
	"sync"

	"pulse/internal/logging"
)

// BootstrapStage is one ordered initialization step during server startup.
type BootstrapStage struct {
	Name     string
	Required bool // failure aborts startup; otherwise recorded as degraded
	Init     func() error
}

// DegradedComponents tracks optional components that failed to initialize.
// The health endpoint's degraded probe reads it for the lifetime of the
// process, so recording is safe from any goroutine.
type DegradedComponents struct {
	mu         sync.RWMutex
	components map[string]string
}

// NewDegradedComponents creates an empty tracker.
func NewDegradedComponents() *DegradedComponents {
	return &DegradedComponents{components: make(map[string]string)}
}

// Record marks a component as degraded with the failure description.
func (d *DegradedComponents) Record(name, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.components[name] = reason
}

// Map returns a snapshot of the degraded components.
func (d *DegradedComponents) Map() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]string, len(d.components))
	for name, reason := range d.components {
		out[name] = reason
	}
	return out
}

// IsEmpty reports whether every optional component came up.
func (d *DegradedComponents) IsEmpty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.components) == 0
}

// RunStages executes stages in order. A required stage aborts on the first
// error; an optional stage records the failure and keeps going.
func RunStages(stages []BootstrapStage, degraded *DegradedComponents, logger logging.Logger) error {
	logger = logging.OrNop(logger)
	for _, stage := range stages {
		logger.Info("[Bootstrap] Running stage: %s (required=%v)", stage.Name, stage.Required)
		if err := stage.Init(); err != nil {
			if stage.Required {
				return fmt.Errorf("required stage %q failed: %w", stage.Name, err)
			}
			logger.Warn("[Bootstrap] Optional stage %q failed: %v (continuing in degraded mode)", stage.Name, err)
			if degraded != nil {
				degraded.Record(stage.Name, err.Error())
			}
		}
	}
	return nil
}
