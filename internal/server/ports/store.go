// Package ports defines the contracts between the coordinator, the session
// store backends, the broadcast hub, and the collaborating agent runtime.
package ports

import (
	"context"

	"pulse/internal/domain"
)

// SessionStore is the single transactional port covering sessions, runs, and
// the append-only event log. Implementations guarantee read-your-writes: a
// successful AppendEvent is visible to subsequent reads immediately.
//
// Three backends exist: memstore (tests, dev), sqlitestore (single node),
// postgresstore (shared).
type SessionStore interface {
	// CreateSession persists a new session.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session by ID.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// ListSessions returns sessions, newest first.
	ListSessions(ctx context.Context, limit, offset int) ([]*domain.Session, error)

	// SetSessionStatus updates the session's run-mirror status.
	SetSessionStatus(ctx context.Context, id string, status domain.SessionStatus) error

	// CreateRun persists a new run. The store enforces the single live
	// orchestrator invariant: creating a second orchestrator-kind run while
	// one is pending or active for the session fails with
	// errors.ErrOrchestratorActive.
	CreateRun(ctx context.Context, run *domain.Run) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id string) (*domain.Run, error)

	// GetRunByResumeToken retrieves the run that owns a resume token.
	GetRunByResumeToken(ctx context.Context, token string) (*domain.Run, error)

	// ListRuns returns the session's runs, newest first.
	ListRuns(ctx context.Context, sessionID string) ([]*domain.Run, error)

	// SetRunStatus updates the run status, recording termination reason and
	// error text from the options. Transitions out of terminal states are
	// rejected with a TerminalStateError.
	SetRunStatus(ctx context.Context, id string, status domain.RunStatus, opts ...domain.TransitionOption) error

	// AddRunUsage adds to the run's monotonic usage counters.
	AddRunUsage(ctx context.Context, id string, inputTokens, outputTokens int, costUSD float64) error

	// SetRunResumeToken records the collaborator's re-attachment token.
	SetRunResumeToken(ctx context.Context, id, token string) error

	// AppendEvent appends to the session's event log and assigns Seq on the
	// passed record. The write is durable before return.
	AppendEvent(ctx context.Context, event *domain.EventRecord) error

	// RecentEvents returns a bounded most-recent-first page of the session's
	// log.
	RecentEvents(ctx context.Context, sessionID string, limit int) ([]domain.EventRecord, error)

	// EventsSince returns up to limit events with Seq > afterSeq, in
	// ascending Seq order.
	EventsSince(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]domain.EventRecord, error)

	// BackfillSummary fills the event's summary exactly once. Returns false
	// when the summary was already set; the caller discards its candidate.
	BackfillSummary(ctx context.Context, eventID, summary string) (bool, error)

	// EventsNeedingSummary returns persisted events still awaiting a
	// summary, oldest first.
	EventsNeedingSummary(ctx context.Context, limit int) ([]domain.EventRecord, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}
