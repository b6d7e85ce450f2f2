// Package postgresstore implements the session store port on Postgres.
// The event sequence rides on BIGSERIAL and the single-live-orchestrator
// guard is a partial unique index, so both invariants hold across every
// process sharing the database.
package postgresstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pulse/internal/domain"
	pulseerrors "pulse/internal/errors"
	"pulse/internal/logging"
)

const (
	liveOrchestratorIndex = "idx_relay_runs_live_orchestrator"

	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Store is a Postgres-backed ports.SessionStore.
type Store struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// New constructs a Postgres-backed store around an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		logger: logging.NewComponentLogger("PostgresStore"),
	}
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("store not initialized")
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS relay_sessions (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'idle',
    metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_relay_sessions_created ON relay_sessions (created_at DESC, id DESC);`,
		`CREATE TABLE IF NOT EXISTS relay_runs (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES relay_sessions(id),
    parent_run_id TEXT NOT NULL DEFAULT '',
    kind TEXT NOT NULL,
    instruction TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    termination_reason TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    resume_token TEXT NOT NULL DEFAULT '',
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL,
    started_at TIMESTAMPTZ,
    updated_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ
);`,
		`CREATE INDEX IF NOT EXISTS idx_relay_runs_session ON relay_runs (session_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_relay_runs_token ON relay_runs (resume_token) WHERE resume_token <> '';`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ` + liveOrchestratorIndex + `
    ON relay_runs (session_id)
    WHERE kind = 'orchestrator' AND status IN ('pending', 'active');`,
		`CREATE TABLE IF NOT EXISTS relay_events (
    seq BIGSERIAL PRIMARY KEY,
    id TEXT NOT NULL UNIQUE,
    session_id TEXT NOT NULL REFERENCES relay_sessions(id),
    owner_id TEXT NOT NULL,
    parent_run_id TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL,
    type TEXT NOT NULL,
    payload JSONB,
    summary TEXT NOT NULL DEFAULT '',
    ts TIMESTAMPTZ NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_relay_events_session ON relay_events (session_id, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_relay_events_summary_pending ON relay_events (seq)
    WHERE summary = '' AND category IN ('hook', 'lifecycle');`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("store not initialized")
	}
	return s.pool.Ping(ctx)
}

func pgErrCode(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// CreateSession persists a new session.
func (s *Store) CreateSession(ctx context.Context, session *domain.Session) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("store not initialized")
	}
	if session == nil || session.ID == "" {
		return fmt.Errorf("session missing id")
	}

	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	if session.Status == "" {
		session.Status = domain.SessionIdle
	}
	metadata, err := json.Marshal(orEmptyMap(session.Metadata))
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO relay_sessions (id, title, status, metadata, created_at, updated_at)
VALUES ($1, $2, $3, $4::jsonb, $5, $6)`,
		session.ID, session.Title, string(session.Status), metadata,
		session.CreatedAt, session.UpdatedAt,
	)
	if pgErr, ok := pgErrCode(err); ok && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("session already exists: %s", session.ID)
	}
	return err
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	var (
		session      domain.Session
		status       string
		metadataJSON []byte
	)
	err := s.pool.QueryRow(ctx, `
SELECT id, title, status, metadata, created_at, updated_at
FROM relay_sessions WHERE id = $1`, id).Scan(
		&session.ID, &session.Title, &status, &metadataJSON,
		&session.CreatedAt, &session.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pulseerrors.NewNotFound("session", id)
	}
	if err != nil {
		return nil, err
	}
	session.Status = domain.SessionStatus(status)
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &session.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if len(session.Metadata) == 0 {
		session.Metadata = nil
	}
	return &session, nil
}

// ListSessions returns sessions, newest first. limit <= 0 means no limit.
func (s *Store) ListSessions(ctx context.Context, limit, offset int) ([]*domain.Session, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	query := `
SELECT id, title, status, metadata, created_at, updated_at
FROM relay_sessions
ORDER BY created_at DESC, id DESC
OFFSET $1`
	args := []any{offset}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]*domain.Session, 0)
	for rows.Next() {
		var (
			session      domain.Session
			status       string
			metadataJSON []byte
		)
		if err := rows.Scan(
			&session.ID, &session.Title, &status, &metadataJSON,
			&session.CreatedAt, &session.UpdatedAt,
		); err != nil {
			return nil, err
		}
		session.Status = domain.SessionStatus(status)
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &session.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		if len(session.Metadata) == 0 {
			session.Metadata = nil
		}
		sessions = append(sessions, &session)
	}
	return sessions, rows.Err()
}

// SetSessionStatus updates the session's run-mirror status.
func (s *Store) SetSessionStatus(ctx context.Context, id string, status domain.SessionStatus) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("store not initialized")
	}

	res, err := s.pool.Exec(ctx, `
UPDATE relay_sessions SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return pulseerrors.NewNotFound("session", id)
	}
	return nil
}

// CreateRun persists a new run. The partial unique index rejects a second
// live orchestrator for the same session.
func (s *Store) CreateRun(ctx context.Context, run *domain.Run) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("store not initialized")
	}
	if run == nil || run.ID == "" {
		return fmt.Errorf("run missing id")
	}
	if !run.Kind.Valid() {
		return fmt.Errorf("run %s has unknown kind %q", run.ID, run.Kind)
	}

	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = domain.RunPending
	}

	_, err := s.pool.Exec(ctx, `
INSERT INTO relay_runs (
    id, session_id, parent_run_id, kind, instruction, status,
    termination_reason, error, resume_token,
    input_tokens, output_tokens, cost_usd,
    created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		run.ID, run.SessionID, run.ParentRunID, string(run.Kind), run.Instruction, string(run.Status),
		string(run.TerminationReason), run.Error, run.ResumeToken,
		run.InputTokens, run.OutputTokens, run.CostUSD,
		run.CreatedAt, run.UpdatedAt,
	)
	if pgErr, ok := pgErrCode(err); ok {
		switch {
		case pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == liveOrchestratorIndex:
			return fmt.Errorf("create run %s: %w", run.ID, pulseerrors.ErrOrchestratorActive)
		case pgErr.Code == pgUniqueViolation:
			return fmt.Errorf("run already exists: %s", run.ID)
		case pgErr.Code == pgForeignKeyViolation:
			return pulseerrors.NewNotFound("session", run.SessionID)
		}
	}
	return err
}

const runSelect = `
SELECT id, session_id, parent_run_id, kind, instruction, status,
       termination_reason, error, resume_token,
       input_tokens, output_tokens, cost_usd,
       created_at, started_at, updated_at, completed_at
FROM relay_runs`

type pgRowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row pgRowScanner) (*domain.Run, error) {
	var (
		run                  domain.Run
		kind, status, reason string
	)
	err := row.Scan(
		&run.ID, &run.SessionID, &run.ParentRunID, &kind, &run.Instruction, &status,
		&reason, &run.Error, &run.ResumeToken,
		&run.InputTokens, &run.OutputTokens, &run.CostUSD,
		&run.CreatedAt, &run.StartedAt, &run.UpdatedAt, &run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Kind = domain.RunKind(kind)
	run.Status = domain.RunStatus(status)
	run.TerminationReason = domain.TerminationReason(reason)
	return &run, nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	run, err := scanRun(s.pool.QueryRow(ctx, runSelect+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pulseerrors.NewNotFound("run", id)
	}
	return run, err
}

// GetRunByResumeToken retrieves the run that owns a resume token.
func (s *Store) GetRunByResumeToken(ctx context.Context, token string) (*domain.Run, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	if token == "" {
		return nil, pulseerrors.NewNotFound("run", "resume-token")
	}

	run, err := scanRun(s.pool.QueryRow(ctx, runSelect+` WHERE resume_token = $1`, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pulseerrors.NewNotFound("run", "resume-token")
	}
	return run, err
}

// ListRuns returns the session's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, sessionID string) ([]*domain.Run, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.pool.Query(ctx, runSelect+`
WHERE session_id = $1
ORDER BY created_at DESC, id DESC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]*domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SetRunStatus updates the run status. The row lock makes the transition
// check and the write atomic across concurrent coordinators.
func (s *Store) SetRunStatus(ctx context.Context, id string, status domain.RunStatus, opts ...domain.TransitionOption) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("store not initialized")
	}
	params := domain.ApplyTransitionOptions(opts)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM relay_runs WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return pulseerrors.NewNotFound("run", id)
	}
	if err != nil {
		return err
	}

	from := domain.RunStatus(current)
	if from.IsTerminal() {
		return pulseerrors.NewTerminalState("run", id, current)
	}
	if !from.CanTransitionTo(status) {
		return fmt.Errorf("run %s: invalid transition %s -> %s", id, from, status)
	}

	now := time.Now().UTC()
	switch status {
	case domain.RunActive:
		_, err = tx.Exec(ctx, `
UPDATE relay_runs SET status = $1, updated_at = $2,
    started_at = COALESCE(started_at, $2)
WHERE id = $3`,
			string(status), now, id)
	case domain.RunCompleted, domain.RunFailed:
		errText := ""
		if params.ErrorText != nil {
			errText = *params.ErrorText
		}
		_, err = tx.Exec(ctx, `
UPDATE relay_runs SET status = $1, updated_at = $2,
    completed_at = COALESCE(completed_at, $2),
    termination_reason = $3, error = $4
WHERE id = $5`,
			string(status), now, string(params.Reason), errText, id)
	default:
		_, err = tx.Exec(ctx, `
UPDATE relay_runs SET status = $1, updated_at = $2 WHERE id = $3`,
			string(status), now, id)
	}
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// AddRunUsage adds to the run's monotonic usage counters.
func (s *Store) AddRunUsage(ctx context.Context, id string, inputTokens, outputTokens int, costUSD float64) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("store not initialized")
	}
	if inputTokens < 0 || outputTokens < 0 || costUSD < 0 {
		return fmt.Errorf("run %s: usage deltas must be non-negative", id)
	}

	res, err := s.pool.Exec(ctx, `
UPDATE relay_runs SET
    input_tokens = input_tokens + $1,
    output_tokens = output_tokens + $2,
    cost_usd = cost_usd + $3,
    updated_at = $4
WHERE id = $5`,
		inputTokens, outputTokens, costUSD, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return pulseerrors.NewNotFound("run", id)
	}
	return nil
}

// SetRunResumeToken records the collaborator's re-attachment token.
func (s *Store) SetRunResumeToken(ctx context.Context, id, token string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("store not initialized")
	}

	res, err := s.pool.Exec(ctx, `
UPDATE relay_runs SET resume_token = $1, updated_at = $2 WHERE id = $3`,
		token, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return pulseerrors.NewNotFound("run", id)
	}
	return nil
}

// AppendEvent appends to the session's log. RETURNING carries the
// BIGSERIAL assignment back onto the caller's record.
func (s *Store) AppendEvent(ctx context.Context, event *domain.EventRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("store not initialized")
	}
	if event == nil {
		return fmt.Errorf("nil event")
	}
	if err := event.Validate(); err != nil {
		return err
	}

	var payloadParam any
	if len(event.Payload) > 0 {
		data, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		payloadParam = data
	}

	err := s.pool.QueryRow(ctx, `
INSERT INTO relay_events (id, session_id, owner_id, parent_run_id, category, type, payload, summary, ts)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9)
RETURNING seq`,
		event.ID, event.SessionID, event.OwnerID, event.ParentRunID,
		string(event.Category), string(event.Type), payloadParam, event.Summary,
		event.Timestamp,
	).Scan(&event.Seq)
	if pgErr, ok := pgErrCode(err); ok {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("event already appended: %s", event.ID)
		case pgForeignKeyViolation:
			return pulseerrors.NewNotFound("session", event.SessionID)
		}
	}
	if err != nil {
		logging.OrNop(s.logger).Error("Failed to persist event %s: %v", event.ID, err)
		return err
	}
	return nil
}

const eventSelect = `
SELECT seq, id, session_id, owner_id, parent_run_id, category, type, payload, summary, ts
FROM relay_events`

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]domain.EventRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.EventRecord, 0)
	for rows.Next() {
		var (
			event       domain.EventRecord
			category    string
			eventType   string
			payloadJSON []byte
		)
		if err := rows.Scan(
			&event.Seq, &event.ID, &event.SessionID, &event.OwnerID, &event.ParentRunID,
			&category, &eventType, &payloadJSON, &event.Summary, &event.Timestamp,
		); err != nil {
			return nil, err
		}
		event.Category = domain.EventCategory(category)
		event.Type = domain.EventType(eventType)
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &event.Payload); err != nil {
				return nil, fmt.Errorf("decode payload for %s: %w", event.ID, err)
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// RecentEvents returns a bounded most-recent-first page of the session log.
func (s *Store) RecentEvents(ctx context.Context, sessionID string, limit int) ([]domain.EventRecord, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	if err := s.requireSession(ctx, sessionID); err != nil {
		return nil, err
	}

	query := eventSelect + `
WHERE session_id = $1
ORDER BY seq DESC`
	args := []any{sessionID}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.queryEvents(ctx, query, args...)
}

// EventsSince returns up to limit events with Seq > afterSeq in ascending order.
func (s *Store) EventsSince(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]domain.EventRecord, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	if err := s.requireSession(ctx, sessionID); err != nil {
		return nil, err
	}

	query := eventSelect + `
WHERE session_id = $1 AND seq > $2
ORDER BY seq ASC`
	args := []any{sessionID, afterSeq}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.queryEvents(ctx, query, args...)
}

// BackfillSummary fills the event's summary exactly once. The conditional
// UPDATE makes the first writer win without a transaction.
func (s *Store) BackfillSummary(ctx context.Context, eventID, summary string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("store not initialized")
	}

	res, err := s.pool.Exec(ctx, `
UPDATE relay_events SET summary = $1 WHERE id = $2 AND summary = ''`,
		summary, eventID)
	if err != nil {
		return false, err
	}
	if res.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM relay_events WHERE id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, pulseerrors.NewNotFound("event", eventID)
	}
	return false, nil
}

// EventsNeedingSummary returns events still awaiting a summary, oldest first.
func (s *Store) EventsNeedingSummary(ctx context.Context, limit int) ([]domain.EventRecord, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	query := eventSelect + `
WHERE summary = '' AND category IN ('hook', 'lifecycle')
ORDER BY seq ASC`
	var args []any
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.queryEvents(ctx, query, args...)
}

func (s *Store) requireSession(ctx context.Context, sessionID string) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM relay_sessions WHERE id = $1)`, sessionID).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return pulseerrors.NewNotFound("session", sessionID)
	}
	return nil
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
