package memstore

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/domain"
	pulseerrors "pulse/internal/errors"
)

func newSession(t *testing.T, store *Store, id string) *domain.Session {
	t.Helper()
	session := &domain.Session{ID: id, Title: "test session"}
	require.NoError(t, store.CreateSession(context.Background(), session))
	return session
}

func newRun(t *testing.T, store *Store, sessionID, runID string, kind domain.RunKind) *domain.Run {
	t.Helper()
	run := &domain.Run{ID: runID, SessionID: sessionID, Kind: kind, Instruction: "do the thing"}
	require.NoError(t, store.CreateRun(context.Background(), run))
	return run
}

func appendEvent(t *testing.T, store *Store, sessionID, ownerID string, eventType domain.EventType) *domain.EventRecord {
	t.Helper()
	event := domain.NewEvent(domain.RunContext{SessionID: sessionID, RunID: ownerID}, eventType, nil)
	require.NoError(t, store.AppendEvent(context.Background(), &event))
	return &event
}

func TestSessionLifecycle(t *testing.T) {
	store := New()
	ctx := context.Background()

	created := newSession(t, store, "sess-1")
	assert.Equal(t, domain.SessionIdle, created.Status)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", got.ID)
	assert.Equal(t, "test session", got.Title)

	// Mutating the returned copy must not leak into the store.
	got.Title = "mutated"
	again, err := store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "test session", again.Title)

	require.NoError(t, store.SetSessionStatus(ctx, "sess-1", domain.SessionActive))
	got, err = store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, got.Status)

	_, err = store.GetSession(ctx, "missing")
	assert.True(t, pulseerrors.IsNotFound(err))
}

func TestListSessionsPagination(t *testing.T) {
	store := New()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		newSession(t, store, fmt.Sprintf("sess-%d", i))
	}

	all, err := store.ListSessions(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].CreatedAt.After(all[i-1].CreatedAt), "sessions must be newest first")
	}

	page, err := store.ListSessions(ctx, 2, 1)
	require.NoError(t, err)
	assert.Len(t, page, 2)
	assert.Equal(t, all[1].ID, page[0].ID)

	empty, err := store.ListSessions(ctx, 10, 99)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestCreateRunEnforcesSingleOrchestrator(t *testing.T) {
	store := New()
	ctx := context.Background()
	newSession(t, store, "sess-1")

	newRun(t, store, "sess-1", "run-1", domain.KindOrchestrator)

	err := store.CreateRun(ctx, &domain.Run{ID: "run-2", SessionID: "sess-1", Kind: domain.KindOrchestrator})
	assert.True(t, pulseerrors.IsOrchestratorActive(err))

	// Subagents are not constrained.
	require.NoError(t, store.CreateRun(ctx, &domain.Run{
		ID: "run-3", SessionID: "sess-1", Kind: domain.KindSubagent, ParentRunID: "run-1",
	}))

	// Once the orchestrator reaches a terminal status a new one may start.
	require.NoError(t, store.SetRunStatus(ctx, "run-1", domain.RunActive))
	require.NoError(t, store.SetRunStatus(ctx, "run-1", domain.RunCompleted,
		domain.WithTerminationReason(domain.TerminationCompleted)))
	require.NoError(t, store.CreateRun(ctx, &domain.Run{ID: "run-4", SessionID: "sess-1", Kind: domain.KindOrchestrator}))
}

func TestCreateRunConcurrentOrchestrators(t *testing.T) {
	store := New()
	newSession(t, store, "sess-1")

	const attempts = 8
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.CreateRun(context.Background(), &domain.Run{
				ID:        fmt.Sprintf("run-%d", i),
				SessionID: "sess-1",
				Kind:      domain.KindOrchestrator,
			})
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
			continue
		}
		assert.True(t, pulseerrors.IsOrchestratorActive(err), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, accepted, "exactly one orchestrator run may be created")
}

func TestCreateRunUnknownSession(t *testing.T) {
	store := New()
	err := store.CreateRun(context.Background(), &domain.Run{
		ID: "run-1", SessionID: "missing", Kind: domain.KindOrchestrator,
	})
	assert.True(t, pulseerrors.IsNotFound(err))
}

func TestRunStatusTransitions(t *testing.T) {
	store := New()
	ctx := context.Background()
	newSession(t, store, "sess-1")
	newRun(t, store, "sess-1", "run-1", domain.KindOrchestrator)

	// pending -> completed skips active and must be rejected.
	err := store.SetRunStatus(ctx, "run-1", domain.RunCompleted)
	assert.Error(t, err)

	require.NoError(t, store.SetRunStatus(ctx, "run-1", domain.RunActive))
	active, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, active.StartedAt)
	assert.Nil(t, active.CompletedAt)

	errText := "collaborator exploded"
	require.NoError(t, store.SetRunStatus(ctx, "run-1", domain.RunFailed,
		domain.WithTerminationReason(domain.TerminationError),
		domain.WithTransitionError(errText)))

	failed, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, failed.Status)
	assert.Equal(t, domain.TerminationError, failed.TerminationReason)
	assert.Equal(t, errText, failed.Error)
	require.NotNil(t, failed.CompletedAt)

	// Terminal runs reject further transitions.
	err = store.SetRunStatus(ctx, "run-1", domain.RunActive)
	assert.True(t, pulseerrors.IsTerminalState(err))
}

func TestAddRunUsageAccumulates(t *testing.T) {
	store := New()
	ctx := context.Background()
	newSession(t, store, "sess-1")
	newRun(t, store, "sess-1", "run-1", domain.KindOrchestrator)

	require.NoError(t, store.AddRunUsage(ctx, "run-1", 100, 40, 0.002))
	require.NoError(t, store.AddRunUsage(ctx, "run-1", 50, 10, 0.001))

	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 150, run.InputTokens)
	assert.Equal(t, 50, run.OutputTokens)
	assert.InDelta(t, 0.003, run.CostUSD, 1e-9)

	err = store.AddRunUsage(ctx, "run-1", -1, 0, 0)
	assert.Error(t, err, "negative deltas must be rejected")
}

func TestResumeTokenLookup(t *testing.T) {
	store := New()
	ctx := context.Background()
	newSession(t, store, "sess-1")
	newRun(t, store, "sess-1", "run-1", domain.KindOrchestrator)

	require.NoError(t, store.SetRunResumeToken(ctx, "run-1", "tok-a"))
	run, err := store.GetRunByResumeToken(ctx, "tok-a")
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.ID)

	// Replacing the token invalidates the old one.
	require.NoError(t, store.SetRunResumeToken(ctx, "run-1", "tok-b"))
	_, err = store.GetRunByResumeToken(ctx, "tok-a")
	assert.True(t, pulseerrors.IsNotFound(err))

	run, err = store.GetRunByResumeToken(ctx, "tok-b")
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.ID)
}

func TestAppendEventAssignsMonotonicSeq(t *testing.T) {
	store := New()
	newSession(t, store, "sess-1")
	newSession(t, store, "sess-2")
	newRun(t, store, "sess-1", "run-1", domain.KindOrchestrator)
	newRun(t, store, "sess-2", "run-2", domain.KindOrchestrator)

	a := appendEvent(t, store, "sess-1", "run-1", domain.EventToolInvoked)
	b := appendEvent(t, store, "sess-2", "run-2", domain.EventToolInvoked)
	c := appendEvent(t, store, "sess-1", "run-1", domain.EventToolCompleted)

	// Seq is globally monotonic across sessions.
	assert.Greater(t, b.Seq, a.Seq)
	assert.Greater(t, c.Seq, b.Seq)
}

func TestAppendEventRejectsInvalid(t *testing.T) {
	store := New()
	ctx := context.Background()
	newSession(t, store, "sess-1")

	err := store.AppendEvent(ctx, &domain.EventRecord{SessionID: "sess-1"})
	assert.Error(t, err)

	event := domain.NewEvent(domain.RunContext{SessionID: "missing", RunID: "run-1"}, domain.EventToolInvoked, nil)
	err = store.AppendEvent(ctx, &event)
	assert.True(t, pulseerrors.IsNotFound(err))
}

func TestRecentEventsNewestFirst(t *testing.T) {
	store := New()
	ctx := context.Background()
	newSession(t, store, "sess-1")
	newRun(t, store, "sess-1", "run-1", domain.KindOrchestrator)

	for i := 0; i < 5; i++ {
		appendEvent(t, store, "sess-1", "run-1", domain.EventTextChunk)
	}

	page, err := store.RecentEvents(ctx, "sess-1", 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Greater(t, page[0].Seq, page[1].Seq)
	assert.Greater(t, page[1].Seq, page[2].Seq)

	all, err := store.RecentEvents(ctx, "sess-1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestEventsSincePagesAscending(t *testing.T) {
	store := New()
	ctx := context.Background()
	newSession(t, store, "sess-1")
	newRun(t, store, "sess-1", "run-1", domain.KindOrchestrator)

	var seqs []int64
	for i := 0; i < 6; i++ {
		event := appendEvent(t, store, "sess-1", "run-1", domain.EventTextChunk)
		seqs = append(seqs, event.Seq)
	}

	page, err := store.EventsSince(ctx, "sess-1", seqs[1], 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, seqs[2], page[0].Seq)
	assert.Equal(t, seqs[3], page[1].Seq)
	assert.Equal(t, seqs[4], page[2].Seq)

	rest, err := store.EventsSince(ctx, "sess-1", page[2].Seq, 0)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, seqs[5], rest[0].Seq)
}

func TestBackfillSummaryExactlyOnce(t *testing.T) {
	store := New()
	ctx := context.Background()
	newSession(t, store, "sess-1")
	newRun(t, store, "sess-1", "run-1", domain.KindOrchestrator)

	event := appendEvent(t, store, "sess-1", "run-1", domain.EventToolInvoked)

	filled, err := store.BackfillSummary(ctx, event.ID, "ran the linter")
	require.NoError(t, err)
	assert.True(t, filled)

	// A second writer loses and must not clobber the first summary.
	filled, err = store.BackfillSummary(ctx, event.ID, "other summary")
	require.NoError(t, err)
	assert.False(t, filled)

	page, err := store.RecentEvents(ctx, "sess-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "ran the linter", page[0].Summary)

	_, err = store.BackfillSummary(ctx, "evt-missing", "x")
	assert.True(t, pulseerrors.IsNotFound(err))
}

func TestEventsNeedingSummary(t *testing.T) {
	store := New()
	ctx := context.Background()
	newSession(t, store, "sess-1")
	newRun(t, store, "sess-1", "run-1", domain.KindOrchestrator)

	hook := appendEvent(t, store, "sess-1", "run-1", domain.EventToolInvoked)
	appendEvent(t, store, "sess-1", "run-1", domain.EventTextChunk) // response chunks never qualify
	lifecycle := appendEvent(t, store, "sess-1", "run-1", domain.EventRunCompleted)

	pending, err := store.EventsNeedingSummary(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, hook.ID, pending[0].ID, "oldest first")
	assert.Equal(t, lifecycle.ID, pending[1].ID)

	filled, err := store.BackfillSummary(ctx, hook.ID, "done")
	require.NoError(t, err)
	require.True(t, filled)

	pending, err = store.EventsNeedingSummary(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, lifecycle.ID, pending[0].ID)
}
