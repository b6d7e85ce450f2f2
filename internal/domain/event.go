// Package domain defines the event record, run, and session models shared by
// the session store, the broadcast hub, and the execution coordinator.
package domain

import (
	"fmt"
	"strings"
	"time"

	id "pulse/internal/utils/id"
)

// EventCategory groups event types by how the relay must treat them.
type EventCategory string

const (
	// CategoryHook covers tool-boundary events observed around collaborator
	// tool calls.
	CategoryHook EventCategory = "hook"
	// CategoryResponse covers generated text and thinking chunks.
	CategoryResponse EventCategory = "response"
	// CategoryLifecycle covers run state changes. Lifecycle events get a
	// bounded delivery retry in the hub; everything else is fire-and-forget.
	CategoryLifecycle EventCategory = "lifecycle"
)

// Valid reports whether the category is one of the known values.
func (c EventCategory) Valid() bool {
	switch c {
	case CategoryHook, CategoryResponse, CategoryLifecycle:
		return true
	default:
		return false
	}
}

// Critical reports whether events of this category must survive subscriber
// backpressure.
func (c EventCategory) Critical() bool {
	return c == CategoryLifecycle
}

// EventType is a dotted tag identifying what happened. The prefix determines
// the category.
type EventType string

const (
	EventToolInvoked   EventType = "tool.invoked"
	EventToolCompleted EventType = "tool.completed"
	EventInputReceived EventType = "input.received"

	EventTextChunk     EventType = "text.chunk"
	EventThinkingChunk EventType = "thinking.chunk"

	EventRunStarted      EventType = "run.started"
	EventRunCompleted    EventType = "run.completed"
	EventRunFailed       EventType = "run.failed"
	EventRunInterrupted  EventType = "run.interrupted"
	EventStorageDegraded EventType = "storage.degraded"

	// EventSummaryBackfilled is an ephemeral announcement to live clients
	// that a persisted event gained its summary. It is broadcast but never
	// appended to the log.
	EventSummaryBackfilled EventType = "summary.backfilled"
)

// Category derives the event category from the type's prefix.
func (t EventType) Category() EventCategory {
	prefix, _, _ := strings.Cut(string(t), ".")
	switch prefix {
	case "tool", "input":
		return CategoryHook
	case "text", "thinking":
		return CategoryResponse
	case "run", "storage":
		return CategoryLifecycle
	case "summary":
		return CategoryResponse
	default:
		return CategoryResponse
	}
}

// RunContext carries the identifiers an event must be tagged with. Builders
// take it explicitly so tagging is a pure function of its arguments, never of
// captured state.
type RunContext struct {
	SessionID   string
	RunID       string
	ParentRunID string
}

// EventRecord is one observed occurrence in a session's append-only log.
// After durable write only Summary may change, exactly once.
type EventRecord struct {
	ID          string         `json:"id"`
	Seq         int64          `json:"seq"` // store-assigned, 0 until persisted
	SessionID   string         `json:"session_id"`
	OwnerID     string         `json:"owner_id"` // run that produced it
	ParentRunID string         `json:"parent_run_id,omitempty"`
	Category    EventCategory  `json:"category"`
	Type        EventType      `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Summary     string         `json:"summary,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// NewEvent builds an unpersisted EventRecord tagged with rc. The store
// assigns Seq at append time.
func NewEvent(rc RunContext, eventType EventType, payload map[string]any) EventRecord {
	return EventRecord{
		ID:          id.NewEventID(),
		SessionID:   rc.SessionID,
		OwnerID:     rc.RunID,
		ParentRunID: rc.ParentRunID,
		Category:    eventType.Category(),
		Type:        eventType,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}
}

// NeedsSummary reports whether the back-fill worker should gloss this event.
// Response chunks are too granular to summarize; everything else qualifies.
func (e EventRecord) NeedsSummary() bool {
	if e.Summary != "" {
		return false
	}
	return e.Category == CategoryHook || e.Category == CategoryLifecycle
}

// Validate checks the invariants the store relies on before appending.
func (e EventRecord) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event missing id")
	}
	if e.SessionID == "" {
		return fmt.Errorf("event %s missing session id", e.ID)
	}
	if e.OwnerID == "" {
		return fmt.Errorf("event %s missing owner id", e.ID)
	}
	if e.Type == "" {
		return fmt.Errorf("event %s missing type", e.ID)
	}
	if !e.Category.Valid() {
		return fmt.Errorf("event %s has unknown category %q", e.ID, e.Category)
	}
	return nil
}
