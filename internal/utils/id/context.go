package id

import "context"

type contextKey string

const (
	sessionKey   contextKey = "pulse_session_id"
	runKey       contextKey = "pulse_run_id"
	parentRunKey contextKey = "pulse_parent_run_id"
	logKey       contextKey = "pulse_log_id"
)

// IDs captures the identifiers propagated across run execution boundaries.
type IDs struct {
	SessionID   string
	RunID       string
	ParentRunID string
	LogID       string
}

// WithSessionID stores the provided session identifier on the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}

// WithRunID stores the current run identifier on the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	if runID == "" {
		return ctx
	}
	return context.WithValue(ctx, runKey, runID)
}

// WithParentRunID stores the parent run identifier (if any) on the context.
func WithParentRunID(ctx context.Context, parentRunID string) context.Context {
	if parentRunID == "" {
		return ctx
	}
	return context.WithValue(ctx, parentRunKey, parentRunID)
}

// WithLogID stores the provided log identifier on the context.
func WithLogID(ctx context.Context, logID string) context.Context {
	if logID == "" {
		return ctx
	}
	return context.WithValue(ctx, logKey, logID)
}

// WithIDs stores any provided identifiers on the context.
func WithIDs(ctx context.Context, ids IDs) context.Context {
	if ids.SessionID != "" {
		ctx = WithSessionID(ctx, ids.SessionID)
	}
	if ids.RunID != "" {
		ctx = WithRunID(ctx, ids.RunID)
	}
	if ids.ParentRunID != "" {
		ctx = WithParentRunID(ctx, ids.ParentRunID)
	}
	if ids.LogID != "" {
		ctx = WithLogID(ctx, ids.LogID)
	}
	return ctx
}

// SessionIDFromContext extracts the session identifier from context.
func SessionIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if sessionID, ok := ctx.Value(sessionKey).(string); ok {
		return sessionID
	}
	return ""
}

// RunIDFromContext extracts the run identifier from context.
func RunIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if runID, ok := ctx.Value(runKey).(string); ok {
		return runID
	}
	return ""
}

// ParentRunIDFromContext extracts the parent run identifier from context.
func ParentRunIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if parentID, ok := ctx.Value(parentRunKey).(string); ok {
		return parentID
	}
	return ""
}

// LogIDFromContext extracts the log identifier from context.
func LogIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if logID, ok := ctx.Value(logKey).(string); ok {
		return logID
	}
	return ""
}

// IDsFromContext collects all known identifiers from the context.
func IDsFromContext(ctx context.Context) IDs {
	return IDs{
		SessionID:   SessionIDFromContext(ctx),
		RunID:       RunIDFromContext(ctx),
		ParentRunID: ParentRunIDFromContext(ctx),
		LogID:       LogIDFromContext(ctx),
	}
}

// EnsureLogID guarantees a log identifier is present on the context.
// It returns the updated context and the resulting identifier.
func EnsureLogID(ctx context.Context, generator func() string) (context.Context, string) {
	if existing := LogIDFromContext(ctx); existing != "" {
		return ctx, existing
	}
	next := ""
	if generator != nil {
		next = generator()
	}
	if next == "" {
		return ctx, ""
	}
	ctx = WithLogID(ctx, next)
	return ctx, next
}
