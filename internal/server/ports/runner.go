package ports

import (
	"context"

	"pulse/internal/domain"
)

// Usage reports token consumption for one collaborator step. CostUSD of 0
// means the coordinator estimates cost from the token counts.
type Usage struct {
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// RunnerEvent is one typed step yielded by the collaborating agent runtime.
// The coordinator turns it into a domain.EventRecord tagged with the run's
// context.
type RunnerEvent struct {
	Type    domain.EventType
	Payload map[string]any

	// Usage optionally reports token consumption for this step.
	Usage *Usage

	// ResumeToken is set on the first lifecycle event when the collaborator
	// supports re-attachment.
	ResumeToken string
}

// Terminal reports whether this event ends the execution.
func (e RunnerEvent) Terminal() bool {
	switch e.Type {
	case domain.EventRunCompleted, domain.EventRunFailed, domain.EventRunInterrupted:
		return true
	default:
		return false
	}
}

// Runner is the agent execution collaborator. It is opaque: the relay only
// observes the typed event sequence each call yields.
//
// The returned channel carries one segment of the execution's event stream
// and closes when the collaborator reaches a terminal state or pauses for
// more input. A segment that closes without a terminal lifecycle event
// leaves the run active and resumable. Cancelling ctx requests cooperative
// interruption; a well-behaved collaborator emits a final lifecycle event
// and closes the channel.
type Runner interface {
	// Start begins a new execution for the run.
	Start(ctx context.Context, run *domain.Run, instruction string) (<-chan RunnerEvent, error)

	// Resume feeds new input to a previously started execution identified by
	// its resume token.
	Resume(ctx context.Context, resumeToken, instruction string) (<-chan RunnerEvent, error)
}
