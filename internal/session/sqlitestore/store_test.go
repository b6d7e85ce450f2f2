package sqlitestore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/internal/domain"
	pulseerrors "pulse/internal/errors"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "pulse.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedSession(t *testing.T, store *Store, id string) {
	t.Helper()
	require.NoError(t, store.CreateSession(context.Background(), &domain.Session{ID: id, Title: "t"}))
}

func seedRun(t *testing.T, store *Store, sessionID, runID string, kind domain.RunKind) {
	t.Helper()
	require.NoError(t, store.CreateRun(context.Background(), &domain.Run{
		ID: runID, SessionID: sessionID, Kind: kind, Instruction: "work",
	}))
}

func TestOpenMigratesAndPings(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Ping(context.Background()))

	var mode string
	require.NoError(t, store.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestSessionRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	session := &domain.Session{
		ID:       "sess-1",
		Title:    "debugging session",
		Metadata: map[string]string{"workspace": "/tmp/repo"},
	}
	require.NoError(t, store.CreateSession(ctx, session))

	got, err := store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "debugging session", got.Title)
	assert.Equal(t, domain.SessionIdle, got.Status)
	assert.Equal(t, "/tmp/repo", got.Metadata["workspace"])
	assert.False(t, got.CreatedAt.IsZero())

	require.NoError(t, store.SetSessionStatus(ctx, "sess-1", domain.SessionActive))
	got, err = store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, got.Status)

	err = store.CreateSession(ctx, &domain.Session{ID: "sess-1"})
	assert.Error(t, err, "duplicate session id must be rejected")

	_, err = store.GetSession(ctx, "missing")
	assert.True(t, pulseerrors.IsNotFound(err))
}

func TestListSessionsNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		seedSession(t, store, fmt.Sprintf("sess-%d", i))
	}

	all, err := store.ListSessions(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].CreatedAt.After(all[i-1].CreatedAt))
	}

	page, err := store.ListSessions(ctx, 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, all[1].ID, page[0].ID)
}

func TestOrchestratorGuardInSchema(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedSession(t, store, "sess-1")

	seedRun(t, store, "sess-1", "run-1", domain.KindOrchestrator)

	// Second live orchestrator trips the partial unique index.
	err := store.CreateRun(ctx, &domain.Run{ID: "run-2", SessionID: "sess-1", Kind: domain.KindOrchestrator})
	assert.True(t, pulseerrors.IsOrchestratorActive(err), "got: %v", err)

	// Subagents coexist freely.
	require.NoError(t, store.CreateRun(ctx, &domain.Run{
		ID: "run-3", SessionID: "sess-1", Kind: domain.KindSubagent, ParentRunID: "run-1",
	}))

	// A terminal orchestrator frees the slot.
	require.NoError(t, store.SetRunStatus(ctx, "run-1", domain.RunActive))
	require.NoError(t, store.SetRunStatus(ctx, "run-1", domain.RunFailed,
		domain.WithTerminationReason(domain.TerminationError),
		domain.WithTransitionError("boom")))
	require.NoError(t, store.CreateRun(ctx, &domain.Run{ID: "run-4", SessionID: "sess-1", Kind: domain.KindOrchestrator}))

	// Different sessions never conflict.
	seedSession(t, store, "sess-2")
	require.NoError(t, store.CreateRun(ctx, &domain.Run{ID: "run-5", SessionID: "sess-2", Kind: domain.KindOrchestrator}))
}

func TestCreateRunUnknownSession(t *testing.T) {
	store := openTestStore(t)
	err := store.CreateRun(context.Background(), &domain.Run{
		ID: "run-1", SessionID: "missing", Kind: domain.KindOrchestrator,
	})
	assert.True(t, pulseerrors.IsNotFound(err), "got: %v", err)
}

func TestRunTransitionsAndUsage(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedSession(t, store, "sess-1")
	seedRun(t, store, "sess-1", "run-1", domain.KindOrchestrator)

	err := store.SetRunStatus(ctx, "run-1", domain.RunCompleted)
	assert.Error(t, err, "pending cannot jump straight to completed")

	require.NoError(t, store.SetRunStatus(ctx, "run-1", domain.RunActive))
	require.NoError(t, store.AddRunUsage(ctx, "run-1", 120, 30, 0.004))
	require.NoError(t, store.AddRunUsage(ctx, "run-1", 80, 20, 0.002))

	require.NoError(t, store.SetRunStatus(ctx, "run-1", domain.RunCompleted,
		domain.WithTerminationReason(domain.TerminationCompleted)))

	run, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, domain.TerminationCompleted, run.TerminationReason)
	assert.Equal(t, 200, run.InputTokens)
	assert.Equal(t, 50, run.OutputTokens)
	assert.InDelta(t, 0.006, run.CostUSD, 1e-9)
	require.NotNil(t, run.StartedAt)
	require.NotNil(t, run.CompletedAt)

	err = store.SetRunStatus(ctx, "run-1", domain.RunActive)
	assert.True(t, pulseerrors.IsTerminalState(err))
}

func TestResumeTokenRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedSession(t, store, "sess-1")
	seedRun(t, store, "sess-1", "run-1", domain.KindOrchestrator)

	require.NoError(t, store.SetRunResumeToken(ctx, "run-1", "tok-a"))
	run, err := store.GetRunByResumeToken(ctx, "tok-a")
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.ID)

	_, err = store.GetRunByResumeToken(ctx, "tok-unknown")
	assert.True(t, pulseerrors.IsNotFound(err))

	_, err = store.GetRunByResumeToken(ctx, "")
	assert.True(t, pulseerrors.IsNotFound(err), "empty token must never match unset columns")
}

func TestListRunsNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedSession(t, store, "sess-1")

	seedRun(t, store, "sess-1", "run-1", domain.KindOrchestrator)
	require.NoError(t, store.CreateRun(ctx, &domain.Run{
		ID: "run-2", SessionID: "sess-1", Kind: domain.KindSubagent, ParentRunID: "run-1",
	}))

	runs, err := store.ListRuns(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.False(t, runs[1].CreatedAt.After(runs[0].CreatedAt))
}

func TestAppendEventAssignsSeqAndRoundTripsPayload(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedSession(t, store, "sess-1")
	seedRun(t, store, "sess-1", "run-1", domain.KindOrchestrator)

	first := domain.NewEvent(domain.RunContext{SessionID: "sess-1", RunID: "run-1"},
		domain.EventToolInvoked, map[string]any{"tool": "grep", "args": []any{"-r", "TODO"}})
	require.NoError(t, store.AppendEvent(ctx, &first))
	assert.Greater(t, first.Seq, int64(0), "seq must be assigned on the caller's record")

	second := domain.NewEvent(domain.RunContext{SessionID: "sess-1", RunID: "run-1"},
		domain.EventToolCompleted, nil)
	require.NoError(t, store.AppendEvent(ctx, &second))
	assert.Greater(t, second.Seq, first.Seq)

	page, err := store.EventsSince(ctx, "sess-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "grep", page[0].Payload["tool"])
	assert.Equal(t, domain.CategoryHook, page[0].Category)
	assert.Nil(t, page[1].Payload)

	err = store.AppendEvent(ctx, &first)
	assert.Error(t, err, "same event id cannot be appended twice")
}

func TestEventQueriesPageCorrectly(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedSession(t, store, "sess-1")
	seedRun(t, store, "sess-1", "run-1", domain.KindOrchestrator)

	var seqs []int64
	for i := 0; i < 6; i++ {
		event := domain.NewEvent(domain.RunContext{SessionID: "sess-1", RunID: "run-1"},
			domain.EventTextChunk, map[string]any{"i": i})
		require.NoError(t, store.AppendEvent(ctx, &event))
		seqs = append(seqs, event.Seq)
	}

	recent, err := store.RecentEvents(ctx, "sess-1", 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, seqs[5], recent[0].Seq)
	assert.Equal(t, seqs[3], recent[2].Seq)

	since, err := store.EventsSince(ctx, "sess-1", seqs[2], 2)
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, seqs[3], since[0].Seq)
	assert.Equal(t, seqs[4], since[1].Seq)

	_, err = store.RecentEvents(ctx, "missing", 5)
	assert.True(t, pulseerrors.IsNotFound(err))
}

func TestBackfillSummaryFirstWriterWins(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedSession(t, store, "sess-1")
	seedRun(t, store, "sess-1", "run-1", domain.KindOrchestrator)

	event := domain.NewEvent(domain.RunContext{SessionID: "sess-1", RunID: "run-1"},
		domain.EventToolInvoked, nil)
	require.NoError(t, store.AppendEvent(ctx, &event))

	filled, err := store.BackfillSummary(ctx, event.ID, "searched for TODOs")
	require.NoError(t, err)
	assert.True(t, filled)

	filled, err = store.BackfillSummary(ctx, event.ID, "late duplicate")
	require.NoError(t, err)
	assert.False(t, filled)

	page, err := store.RecentEvents(ctx, "sess-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "searched for TODOs", page[0].Summary)

	_, err = store.BackfillSummary(ctx, "evt-missing", "x")
	assert.True(t, pulseerrors.IsNotFound(err))
}

func TestEventsNeedingSummarySkipsResponses(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedSession(t, store, "sess-1")
	seedRun(t, store, "sess-1", "run-1", domain.KindOrchestrator)

	hook := domain.NewEvent(domain.RunContext{SessionID: "sess-1", RunID: "run-1"},
		domain.EventToolInvoked, nil)
	require.NoError(t, store.AppendEvent(ctx, &hook))

	chunk := domain.NewEvent(domain.RunContext{SessionID: "sess-1", RunID: "run-1"},
		domain.EventTextChunk, nil)
	require.NoError(t, store.AppendEvent(ctx, &chunk))

	lifecycle := domain.NewEvent(domain.RunContext{SessionID: "sess-1", RunID: "run-1"},
		domain.EventRunCompleted, nil)
	require.NoError(t, store.AppendEvent(ctx, &lifecycle))

	pending, err := store.EventsNeedingSummary(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, hook.ID, pending[0].ID)
	assert.Equal(t, lifecycle.ID, pending[1].ID)

	_, err = store.BackfillSummary(ctx, hook.ID, "done")
	require.NoError(t, err)

	pending, err = store.EventsNeedingSummary(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, lifecycle.ID, pending[0].ID)
}
