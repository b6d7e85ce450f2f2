// Package sqlitestore implements the session store port on SQLite.
// Suitable for single-node deployments; the event sequence rides on
// AUTOINCREMENT so it is globally monotonic and never reused.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pulse/internal/domain"
	pulseerrors "pulse/internal/errors"
	"pulse/internal/logging"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// Store is a SQLite-backed ports.SessionStore.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

// Open creates the database file if needed, applies pragmas and migrates
// the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("sqlitestore: create data dir: %w", err)
		}
	}

	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlitestore: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, logger: logging.NewComponentLogger("SQLiteStore")}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: migration: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL DEFAULT 'idle',
			metadata   TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS runs (
			id                 TEXT PRIMARY KEY,
			session_id         TEXT NOT NULL,
			parent_run_id      TEXT NOT NULL DEFAULT '',
			kind               TEXT NOT NULL,
			instruction        TEXT NOT NULL DEFAULT '',
			status             TEXT NOT NULL DEFAULT 'pending',
			termination_reason TEXT NOT NULL DEFAULT '',
			error              TEXT NOT NULL DEFAULT '',
			resume_token       TEXT NOT NULL DEFAULT '',
			input_tokens       INTEGER NOT NULL DEFAULT 0,
			output_tokens      INTEGER NOT NULL DEFAULT 0,
			cost_usd           REAL NOT NULL DEFAULT 0,
			created_at         TEXT NOT NULL,
			started_at         TEXT,
			updated_at         TEXT NOT NULL,
			completed_at       TEXT,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_runs_token   ON runs(resume_token) WHERE resume_token != '';

		CREATE TABLE IF NOT EXISTS events (
			seq           INTEGER PRIMARY KEY AUTOINCREMENT,
			id            TEXT NOT NULL UNIQUE,
			session_id    TEXT NOT NULL,
			owner_id      TEXT NOT NULL,
			parent_run_id TEXT NOT NULL DEFAULT '',
			category      TEXT NOT NULL,
			type          TEXT NOT NULL,
			payload       TEXT,
			summary       TEXT NOT NULL DEFAULT '',
			ts            TEXT NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, seq);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// The single-live-orchestrator guard lives in the schema so it holds
	// across processes, not just within one coordinator.
	if _, err := s.db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_live_orchestrator
			ON runs(session_id)
			WHERE kind = 'orchestrator' AND status IN ('pending', 'active');
	`); err != nil {
		return err
	}

	_, err := s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_events_summary_pending
			ON events(seq)
			WHERE summary = '' AND category IN ('hook', 'lifecycle');
	`)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// timeLayout keeps nanoseconds fixed-width so lexicographic order on the
// TEXT column matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	return &t
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateSession persists a new session.
func (s *Store) CreateSession(ctx context.Context, session *domain.Session) error {
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

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, status, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		session.ID, session.Title, string(session.Status), string(metadata),
		formatTime(session.CreatedAt), formatTime(session.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("session already exists: %s", session.ID)
	}
	return err
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, status, metadata, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns sessions, newest first. limit <= 0 means no limit.
func (s *Store) ListSessions(ctx context.Context, limit, offset int) ([]*domain.Session, error) {
	if limit <= 0 {
		limit = -1 // SQLite: negative LIMIT means unbounded
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, status, metadata, created_at, updated_at
		FROM sessions
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	sessions := make([]*domain.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// SetSessionStatus updates the session's run-mirror status.
func (s *Store) SetSessionStatus(ctx context.Context, id string, status domain.SessionStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pulseerrors.NewNotFound("session", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var (
		session              domain.Session
		status               string
		metadata             string
		createdAt, updatedAt string
	)
	err := row.Scan(&session.ID, &session.Title, &status, &metadata, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, pulseerrors.NewNotFound("session", session.ID)
	}
	if err != nil {
		return nil, err
	}
	session.Status = domain.SessionStatus(status)
	session.CreatedAt = parseTime(createdAt)
	session.UpdatedAt = parseTime(updatedAt)
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &session.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &session, nil
}

// CreateRun persists a new run. The partial unique index rejects a second
// live orchestrator for the same session.
func (s *Store) CreateRun(ctx context.Context, run *domain.Run) error {
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (
			id, session_id, parent_run_id, kind, instruction, status,
			termination_reason, error, resume_token,
			input_tokens, output_tokens, cost_usd,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.SessionID, run.ParentRunID, string(run.Kind), run.Instruction, string(run.Status),
		string(run.TerminationReason), run.Error, run.ResumeToken,
		run.InputTokens, run.OutputTokens, run.CostUSD,
		formatTime(run.CreatedAt), formatTime(run.UpdatedAt),
	)
	if err != nil {
		// Column order matters: the orchestrator guard reports
		// runs.session_id, the primary key reports runs.id.
		if isUniqueViolation(err) {
			if strings.Contains(err.Error(), "runs.session_id") {
				return fmt.Errorf("create run %s: %w", run.ID, pulseerrors.ErrOrchestratorActive)
			}
			return fmt.Errorf("run already exists: %s", run.ID)
		}
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return pulseerrors.NewNotFound("session", run.SessionID)
		}
		return err
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx, runSelect+` WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, pulseerrors.NewNotFound("run", id)
	}
	return run, err
}

// GetRunByResumeToken retrieves the run that owns a resume token.
func (s *Store) GetRunByResumeToken(ctx context.Context, token string) (*domain.Run, error) {
	if token == "" {
		return nil, pulseerrors.NewNotFound("run", "resume-token")
	}
	row := s.db.QueryRowContext(ctx, runSelect+` WHERE resume_token = ?`, token)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, pulseerrors.NewNotFound("run", "resume-token")
	}
	return run, err
}

// ListRuns returns the session's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, sessionID string) ([]*domain.Run, error) {
	rows, err := s.db.QueryContext(ctx, runSelect+`
		WHERE session_id = ?
		ORDER BY created_at DESC, id DESC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

// SetRunStatus updates the run status inside a transaction so the
// transition check and the write are atomic.
func (s *Store) SetRunStatus(ctx context.Context, id string, status domain.RunStatus, opts ...domain.TransitionOption) error {
	params := domain.ApplyTransitionOptions(opts)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
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

	now := formatTime(time.Now())
	switch status {
	case domain.RunActive:
		_, err = tx.ExecContext(ctx, `
			UPDATE runs SET status = ?, updated_at = ?,
				started_at = COALESCE(started_at, ?)
			WHERE id = ?`,
			string(status), now, now, id)
	case domain.RunCompleted, domain.RunFailed:
		errText := ""
		if params.ErrorText != nil {
			errText = *params.ErrorText
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE runs SET status = ?, updated_at = ?,
				completed_at = COALESCE(completed_at, ?),
				termination_reason = ?, error = ?
			WHERE id = ?`,
			string(status), now, now, string(params.Reason), errText, id)
	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), now, id)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// AddRunUsage adds to the run's monotonic usage counters.
func (s *Store) AddRunUsage(ctx context.Context, id string, inputTokens, outputTokens int, costUSD float64) error {
	if inputTokens < 0 || outputTokens < 0 || costUSD < 0 {
		return fmt.Errorf("run %s: usage deltas must be non-negative", id)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			input_tokens = input_tokens + ?,
			output_tokens = output_tokens + ?,
			cost_usd = cost_usd + ?,
			updated_at = ?
		WHERE id = ?`,
		inputTokens, outputTokens, costUSD, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pulseerrors.NewNotFound("run", id)
	}
	return nil
}

// SetRunResumeToken records the collaborator's re-attachment token.
func (s *Store) SetRunResumeToken(ctx context.Context, id, token string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET resume_token = ?, updated_at = ? WHERE id = ?`,
		token, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pulseerrors.NewNotFound("run", id)
	}
	return nil
}

const runSelect = `
	SELECT id, session_id, parent_run_id, kind, instruction, status,
	       termination_reason, error, resume_token,
	       input_tokens, output_tokens, cost_usd,
	       created_at, started_at, updated_at, completed_at
	FROM runs`

func scanRun(row rowScanner) (*domain.Run, error) {
	var (
		run                    domain.Run
		kind, status, reason   string
		createdAt, updatedAt   string
		startedAt, completedAt sql.NullString
	)
	err := row.Scan(
		&run.ID, &run.SessionID, &run.ParentRunID, &kind, &run.Instruction, &status,
		&reason, &run.Error, &run.ResumeToken,
		&run.InputTokens, &run.OutputTokens, &run.CostUSD,
		&createdAt, &startedAt, &updatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Kind = domain.RunKind(kind)
	run.Status = domain.RunStatus(status)
	run.TerminationReason = domain.TerminationReason(reason)
	run.CreatedAt = parseTime(createdAt)
	run.UpdatedAt = parseTime(updatedAt)
	run.StartedAt = parseTimePtr(startedAt)
	run.CompletedAt = parseTimePtr(completedAt)
	return &run, nil
}

// AppendEvent appends to the session's log and assigns Seq on the record.
func (s *Store) AppendEvent(ctx context.Context, event *domain.EventRecord) error {
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
		payloadParam = string(data)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, session_id, owner_id, parent_run_id, category, type, payload, summary, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.SessionID, event.OwnerID, event.ParentRunID,
		string(event.Category), string(event.Type), payloadParam, event.Summary,
		formatTime(event.Timestamp),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("event already appended: %s", event.ID)
		}
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return pulseerrors.NewNotFound("session", event.SessionID)
		}
		logging.OrNop(s.logger).Error("Failed to persist event %s: %v", event.ID, err)
		return err
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}
	event.Seq = seq
	return nil
}

// RecentEvents returns a bounded most-recent-first page of the session log.
func (s *Store) RecentEvents(ctx context.Context, sessionID string, limit int) ([]domain.EventRecord, error) {
	if err := s.requireSession(ctx, sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, eventSelect+`
		WHERE session_id = ?
		ORDER BY seq DESC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsSince returns up to limit events with Seq > afterSeq in ascending order.
func (s *Store) EventsSince(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]domain.EventRecord, error) {
	if err := s.requireSession(ctx, sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, eventSelect+`
		WHERE session_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`, sessionID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// BackfillSummary fills the event's summary exactly once. The conditional
// UPDATE makes the first writer win without a transaction.
func (s *Store) BackfillSummary(ctx context.Context, eventID, summary string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET summary = ? WHERE id = ? AND summary = ''`,
		summary, eventID)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	var exists bool
	err = s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM events WHERE id = ?)`, eventID).Scan(&exists)
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
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, eventSelect+`
		WHERE summary = '' AND category IN ('hook', 'lifecycle')
		ORDER BY seq ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (s *Store) requireSession(ctx context.Context, sessionID string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM sessions WHERE id = ?)`, sessionID).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return pulseerrors.NewNotFound("session", sessionID)
	}
	return nil
}

const eventSelect = `
	SELECT seq, id, session_id, owner_id, parent_run_id, category, type, payload, summary, ts
	FROM events`

func scanEvents(rows *sql.Rows) ([]domain.EventRecord, error) {
	defer func() { _ = rows.Close() }()

	events := make([]domain.EventRecord, 0)
	for rows.Next() {
		var (
			event     domain.EventRecord
			category  string
			eventType string
			payload   sql.NullString
			ts        string
		)
		if err := rows.Scan(
			&event.Seq, &event.ID, &event.SessionID, &event.OwnerID, &event.ParentRunID,
			&category, &eventType, &payload, &event.Summary, &ts,
		); err != nil {
			return nil, err
		}
		event.Category = domain.EventCategory(category)
		event.Type = domain.EventType(eventType)
		event.Timestamp = parseTime(ts)
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &event.Payload); err != nil {
				return nil, fmt.Errorf("decode payload for %s: %w", event.ID, err)
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
