package domain

import "time"

// SessionStatus mirrors the latest orchestrator run of the session. The
// coordinator maintains it on lifecycle transitions.
type SessionStatus string

const (
	// SessionIdle - created, no orchestrator run yet.
	SessionIdle SessionStatus = "idle"
	// SessionActive - an orchestrator run is pending or active.
	SessionActive SessionStatus = "active"
	// SessionCompleted - the orchestrator run finished normally.
	SessionCompleted SessionStatus = "completed"
	// SessionFailed - the orchestrator run failed or was interrupted.
	SessionFailed SessionStatus = "failed"
)

// IsTerminal reports whether the session no longer accepts submits.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionFailed:
		return true
	default:
		return false
	}
}

// Session is the conversation container runs and events hang off.
type Session struct {
	ID        string            `json:"id"`
	Title     string            `json:"title,omitempty"`
	Status    SessionStatus     `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// SessionStatusForRun maps a terminal run state onto the session mirror.
func SessionStatusForRun(status RunStatus) SessionStatus {
	switch status {
	case RunPending, RunActive:
		return SessionActive
	case RunCompleted:
		return SessionCompleted
	case RunFailed:
		return SessionFailed
	default:
		return SessionIdle
	}
}
