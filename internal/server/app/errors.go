package app

import (
	"errors"
	"fmt"
)

// Application-layer error sentinels. The domain taxonomy (NotFound,
// TerminalState, StorageUnavailable, ...) lives in internal/errors; these
// cover the conditions only the coordinator itself can detect. The HTTP
// layer maps both sets onto status codes via errors.Is / errors.As.

var (
	// ErrValidation indicates invalid input from the caller.
	ErrValidation = errors.New("validation error")

	// ErrRunBusy indicates the run is mid-segment in this process and cannot
	// accept new input until the collaborator pauses.
	ErrRunBusy = errors.New("run is currently executing")

	// ErrDraining indicates the coordinator has stopped intake for shutdown.
	ErrDraining = errors.New("server is draining")
)

// ValidationError wraps ErrValidation with a descriptive message.
func ValidationError(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrValidation)
}
