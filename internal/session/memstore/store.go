// Package memstore implements the session store port with mutex-guarded maps.
// It is the reference backend: tests run against it, and `--store memory`
// uses it for throwaway deployments. Reads return snapshot copies; event
// payloads are shared and treated as immutable after append.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"pulse/internal/domain"
	pulseerrors "pulse/internal/errors"
)

type eventRef struct {
	sessionID string
	pos       int
}

// Store is an in-memory ports.SessionStore.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
	runs     map[string]*domain.Run
	events   map[string][]domain.EventRecord // sessionID -> ascending-seq log
	byToken  map[string]string               // resume token -> run ID
	eventIdx map[string]eventRef             // event ID -> log position
	nextSeq  int64
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		sessions: make(map[string]*domain.Session),
		runs:     make(map[string]*domain.Run),
		events:   make(map[string][]domain.EventRecord),
		byToken:  make(map[string]string),
		eventIdx: make(map[string]eventRef),
	}
}

// CreateSession persists a new session.
func (s *Store) CreateSession(ctx context.Context, session *domain.Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session missing id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session already exists: %s", session.ID)
	}

	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	if session.Status == "" {
		session.Status = domain.SessionIdle
	}

	copied := *session
	s.sessions[session.ID] = &copied
	return nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[id]
	if !exists {
		return nil, pulseerrors.NewNotFound("session", id)
	}

	copied := *session
	return &copied, nil
}

// ListSessions returns sessions, newest first. limit <= 0 means no limit.
func (s *Store) ListSessions(ctx context.Context, limit, offset int) ([]*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]*domain.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		copied := *session
		sessions = append(sessions, &copied)
	}

	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
		}
		return sessions[i].ID > sessions[j].ID
	})

	if offset >= len(sessions) {
		return []*domain.Session{}, nil
	}
	sessions = sessions[offset:]
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// SetSessionStatus updates the session's run-mirror status.
func (s *Store) SetSessionStatus(ctx context.Context, id string, status domain.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[id]
	if !exists {
		return pulseerrors.NewNotFound("session", id)
	}

	session.Status = status
	session.UpdatedAt = time.Now().UTC()
	return nil
}

// CreateRun persists a new run, enforcing the single live orchestrator
// invariant under the store lock.
func (s *Store) CreateRun(ctx context.Context, run *domain.Run) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("run missing id")
	}
	if !run.Kind.Valid() {
		return fmt.Errorf("run %s has unknown kind %q", run.ID, run.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[run.SessionID]; !exists {
		return pulseerrors.NewNotFound("session", run.SessionID)
	}
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run already exists: %s", run.ID)
	}

	if run.Kind == domain.KindOrchestrator {
		for _, existing := range s.runs {
			if existing.SessionID == run.SessionID &&
				existing.Kind == domain.KindOrchestrator &&
				!existing.Status.IsTerminal() {
				return fmt.Errorf("create run %s: %w", run.ID, pulseerrors.ErrOrchestratorActive)
			}
		}
	}

	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = domain.RunPending
	}

	copied := *run
	s.runs[run.ID] = &copied
	if run.ResumeToken != "" {
		s.byToken[run.ResumeToken] = run.ID
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getRunLocked(id)
}

func (s *Store) getRunLocked(id string) (*domain.Run, error) {
	run, exists := s.runs[id]
	if !exists {
		return nil, pulseerrors.NewNotFound("run", id)
	}
	copied := *run
	return &copied, nil
}

// GetRunByResumeToken retrieves the run that owns a resume token.
func (s *Store) GetRunByResumeToken(ctx context.Context, token string) (*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runID, exists := s.byToken[token]
	if !exists {
		return nil, pulseerrors.NewNotFound("run", "resume-token")
	}
	return s.getRunLocked(runID)
}

// ListRuns returns the session's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, sessionID string) ([]*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]*domain.Run, 0)
	for _, run := range s.runs {
		if run.SessionID == sessionID {
			copied := *run
			runs = append(runs, &copied)
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.After(runs[j].CreatedAt)
		}
		return runs[i].ID > runs[j].ID
	})
	return runs, nil
}

// SetRunStatus updates the run status and transition bookkeeping.
func (s *Store) SetRunStatus(ctx context.Context, id string, status domain.RunStatus, opts ...domain.TransitionOption) error {
	params := domain.ApplyTransitionOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	run, exists := s.runs[id]
	if !exists {
		return pulseerrors.NewNotFound("run", id)
	}
	if run.Status.IsTerminal() {
		return pulseerrors.NewTerminalState("run", id, string(run.Status))
	}
	if !run.Status.CanTransitionTo(status) {
		return fmt.Errorf("run %s: invalid transition %s -> %s", id, run.Status, status)
	}

	now := time.Now().UTC()
	run.Status = status
	run.UpdatedAt = now

	switch status {
	case domain.RunActive:
		if run.StartedAt == nil {
			run.StartedAt = &now
		}
	case domain.RunCompleted, domain.RunFailed:
		if run.CompletedAt == nil {
			run.CompletedAt = &now
		}
		run.TerminationReason = params.Reason
		if params.ErrorText != nil {
			run.Error = *params.ErrorText
		}
	}
	return nil
}

// AddRunUsage adds to the run's monotonic usage counters.
func (s *Store) AddRunUsage(ctx context.Context, id string, inputTokens, outputTokens int, costUSD float64) error {
	if inputTokens < 0 || outputTokens < 0 || costUSD < 0 {
		return fmt.Errorf("run %s: usage deltas must be non-negative", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run, exists := s.runs[id]
	if !exists {
		return pulseerrors.NewNotFound("run", id)
	}

	run.InputTokens += inputTokens
	run.OutputTokens += outputTokens
	run.CostUSD += costUSD
	run.UpdatedAt = time.Now().UTC()
	return nil
}

// SetRunResumeToken records the collaborator's re-attachment token.
func (s *Store) SetRunResumeToken(ctx context.Context, id, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, exists := s.runs[id]
	if !exists {
		return pulseerrors.NewNotFound("run", id)
	}

	if run.ResumeToken != "" {
		delete(s.byToken, run.ResumeToken)
	}
	run.ResumeToken = token
	run.UpdatedAt = time.Now().UTC()
	if token != "" {
		s.byToken[token] = id
	}
	return nil
}

// AppendEvent appends to the session's log and assigns Seq on the record.
func (s *Store) AppendEvent(ctx context.Context, event *domain.EventRecord) error {
	if event == nil {
		return fmt.Errorf("nil event")
	}
	if err := event.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[event.SessionID]; !exists {
		return pulseerrors.NewNotFound("session", event.SessionID)
	}
	if _, exists := s.eventIdx[event.ID]; exists {
		return fmt.Errorf("event already appended: %s", event.ID)
	}

	s.nextSeq++
	event.Seq = s.nextSeq

	log := s.events[event.SessionID]
	s.eventIdx[event.ID] = eventRef{sessionID: event.SessionID, pos: len(log)}
	s.events[event.SessionID] = append(log, *event)
	return nil
}

// RecentEvents returns a bounded most-recent-first page of the session log.
func (s *Store) RecentEvents(ctx context.Context, sessionID string, limit int) ([]domain.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.sessions[sessionID]; !exists {
		return nil, pulseerrors.NewNotFound("session", sessionID)
	}

	log := s.events[sessionID]
	if limit <= 0 || limit > len(log) {
		limit = len(log)
	}

	page := make([]domain.EventRecord, 0, limit)
	for i := len(log) - 1; i >= len(log)-limit; i-- {
		page = append(page, log[i])
	}
	return page, nil
}

// EventsSince returns up to limit events with Seq > afterSeq in ascending order.
func (s *Store) EventsSince(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]domain.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.sessions[sessionID]; !exists {
		return nil, pulseerrors.NewNotFound("session", sessionID)
	}

	events := make([]domain.EventRecord, 0)
	for _, event := range s.events[sessionID] {
		if event.Seq <= afterSeq {
			continue
		}
		events = append(events, event)
		if limit > 0 && len(events) == limit {
			break
		}
	}
	return events, nil
}

// BackfillSummary fills the event's summary exactly once.
func (s *Store) BackfillSummary(ctx context.Context, eventID, summary string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, exists := s.eventIdx[eventID]
	if !exists {
		return false, pulseerrors.NewNotFound("event", eventID)
	}

	event := &s.events[ref.sessionID][ref.pos]
	if event.Summary != "" {
		return false, nil
	}
	event.Summary = summary
	return true, nil
}

// EventsNeedingSummary returns events still awaiting a summary, oldest first.
func (s *Store) EventsNeedingSummary(ctx context.Context, limit int) ([]domain.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := make([]domain.EventRecord, 0)
	for _, log := range s.events {
		for _, event := range log {
			if event.NeedsSummary() {
				pending = append(pending, event)
			}
		}
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Seq < pending[j].Seq
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// Ping verifies the backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return nil
}
