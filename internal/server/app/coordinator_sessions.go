package app

import (
	"context"
	"strings"
	"time"

	"pulse/internal/domain"
	"pulse/internal/logging"
	id "pulse/internal/utils/id"
)

// Session-facing surface: bounded reads and the session write, delegated to
// the store. The run lifecycle lives in coordinator_runs.go and
// coordinator_events.go.

const (
	defaultSessionPageSize = 50
	maxSessionPageSize     = 200
	defaultHistoryLimit    = 100
	maxHistoryLimit        = 500
)

// CreateSession persists a new idle session.
func (c *Coordinator) CreateSession(ctx context.Context, title string, metadata map[string]string) (*domain.Session, error) {
	ctx, _ = id.EnsureLogID(ctx, id.NewLogID)

	now := time.Now().UTC()
	session := &domain.Session{
		ID:        id.NewSessionID(),
		Title:     strings.TrimSpace(title),
		Status:    domain.SessionIdle,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	logging.FromContext(ctx, c.logger).Info("Session %s created", session.ID)
	return session, nil
}

// GetSession retrieves a session by ID.
func (c *Coordinator) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	return c.store.GetSession(ctx, sessionID)
}

// ListSessions returns sessions newest first, with a clamped page size.
func (c *Coordinator) ListSessions(ctx context.Context, limit, offset int) ([]*domain.Session, error) {
	limit = clampLimit(limit, defaultSessionPageSize, maxSessionPageSize)
	if offset < 0 {
		offset = 0
	}
	return c.store.ListSessions(ctx, limit, offset)
}

// GetRun retrieves a run by ID.
func (c *Coordinator) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	return c.store.GetRun(ctx, runID)
}

// ListRuns returns the session's runs, newest first.
func (c *Coordinator) ListRuns(ctx context.Context, sessionID string) ([]*domain.Run, error) {
	if _, err := c.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return c.store.ListRuns(ctx, sessionID)
}

// History returns a bounded most-recent-first page of the session's event
// log, read straight from the store rather than through the hub.
func (c *Coordinator) History(ctx context.Context, sessionID string, limit int) ([]domain.EventRecord, error) {
	if _, err := c.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	limit = clampLimit(limit, defaultHistoryLimit, maxHistoryLimit)
	events, err := c.store.RecentEvents(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}
	c.storeMetrics().RecordReplayPage()
	return events, nil
}

// EventsSince returns up to limit events with Seq beyond afterSeq in
// ascending order, the polling counterpart to the live stream.
func (c *Coordinator) EventsSince(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]domain.EventRecord, error) {
	if _, err := c.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	limit = clampLimit(limit, defaultHistoryLimit, maxHistoryLimit)
	return c.store.EventsSince(ctx, sessionID, afterSeq, limit)
}

func clampLimit(limit, fallback, ceiling int) int {
	switch {
	case limit <= 0:
		return fallback
	case limit > ceiling:
		return ceiling
	default:
		return limit
	}
}
