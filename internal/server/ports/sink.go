package ports

import (
	"context"

	"pulse/internal/domain"
)

// EventSink receives persisted events for fan-out to subscribers. The
// broadcast hub is the process-local implementation; tests substitute
// recording fakes.
type EventSink interface {
	Broadcast(event domain.EventRecord)
}

// Summarizer produces a one-line human-readable gloss for a persisted event.
// The default implementation is heuristic; an AI-backed one is an external
// collaborator behind the same contract.
type Summarizer interface {
	Summarize(ctx context.Context, event domain.EventRecord) (string, error)
}
