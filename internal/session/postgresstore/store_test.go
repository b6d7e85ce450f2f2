package postgresstore

import (
	"context"
	"testing"

	"pulse/internal/domain"
	pulseerrors "pulse/internal/errors"
	"pulse/internal/testutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	pool, cleanup := testutil.NewPostgresTestPool(t)
	t.Cleanup(cleanup)

	store := New(pool)
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return store
}

func TestPostgresStore_SessionAndRunRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session := &domain.Session{ID: "sess-1", Title: "pg session", Metadata: map[string]string{"k": "v"}}
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}

	loaded, err := store.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if loaded.Title != "pg session" || loaded.Metadata["k"] != "v" {
		t.Fatalf("unexpected session: %+v", loaded)
	}

	run := &domain.Run{ID: "run-1", SessionID: "sess-1", Kind: domain.KindOrchestrator, Instruction: "build"}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := store.SetRunStatus(ctx, "run-1", domain.RunActive); err != nil {
		t.Fatalf("activate run: %v", err)
	}
	if err := store.AddRunUsage(ctx, "run-1", 10, 5, 0.001); err != nil {
		t.Fatalf("add usage: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != domain.RunActive || got.InputTokens != 10 || got.StartedAt == nil {
		t.Fatalf("unexpected run: %+v", got)
	}
}

func TestPostgresStore_OrchestratorGuard(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateSession(ctx, &domain.Session{ID: "sess-1"}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := store.CreateRun(ctx, &domain.Run{ID: "run-1", SessionID: "sess-1", Kind: domain.KindOrchestrator}); err != nil {
		t.Fatalf("create first orchestrator: %v", err)
	}

	err := store.CreateRun(ctx, &domain.Run{ID: "run-2", SessionID: "sess-1", Kind: domain.KindOrchestrator})
	if !pulseerrors.IsOrchestratorActive(err) {
		t.Fatalf("expected orchestrator conflict, got %v", err)
	}

	if err := store.SetRunStatus(ctx, "run-1", domain.RunFailed,
		domain.WithTerminationReason(domain.TerminationError),
		domain.WithTransitionError("gone")); err != nil {
		t.Fatalf("fail run: %v", err)
	}
	if err := store.CreateRun(ctx, &domain.Run{ID: "run-3", SessionID: "sess-1", Kind: domain.KindOrchestrator}); err != nil {
		t.Fatalf("create orchestrator after terminal: %v", err)
	}
}

func TestPostgresStore_EventSequencingAndBackfill(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateSession(ctx, &domain.Session{ID: "sess-1"}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := store.CreateRun(ctx, &domain.Run{ID: "run-1", SessionID: "sess-1", Kind: domain.KindOrchestrator}); err != nil {
		t.Fatalf("create run: %v", err)
	}

	rc := domain.RunContext{SessionID: "sess-1", RunID: "run-1"}

	first := domain.NewEvent(rc, domain.EventToolInvoked, map[string]any{"tool": "bash"})
	if err := store.AppendEvent(ctx, &first); err != nil {
		t.Fatalf("append first: %v", err)
	}
	if first.Seq <= 0 {
		t.Fatalf("expected assigned seq, got %d", first.Seq)
	}

	second := domain.NewEvent(rc, domain.EventTextChunk, nil)
	if err := store.AppendEvent(ctx, &second); err != nil {
		t.Fatalf("append second: %v", err)
	}
	if second.Seq <= first.Seq {
		t.Fatalf("seq must increase: %d then %d", first.Seq, second.Seq)
	}

	since, err := store.EventsSince(ctx, "sess-1", first.Seq, 10)
	if err != nil {
		t.Fatalf("events since: %v", err)
	}
	if len(since) != 1 || since[0].ID != second.ID {
		t.Fatalf("unexpected page: %+v", since)
	}

	filled, err := store.BackfillSummary(ctx, first.ID, "ran a command")
	if err != nil || !filled {
		t.Fatalf("first backfill: filled=%v err=%v", filled, err)
	}
	filled, err = store.BackfillSummary(ctx, first.ID, "late duplicate")
	if err != nil || filled {
		t.Fatalf("second backfill must lose: filled=%v err=%v", filled, err)
	}

	recent, err := store.RecentEvents(ctx, "sess-1", 1)
	if err != nil {
		t.Fatalf("recent events: %v", err)
	}
	if recent[0].ID != second.ID {
		t.Fatalf("expected newest first, got %s", recent[0].ID)
	}

	pending, err := store.EventsNeedingSummary(ctx, 10)
	if err != nil {
		t.Fatalf("pending summaries: %v", err)
	}
	// The response chunk never qualifies; the hook event is already filled.
	if len(pending) != 0 {
		t.Fatalf("expected no pending summaries, got %d", len(pending))
	}
}

func TestPostgresStore_CrossInstanceVisibility(t *testing.T) {
	pool, cleanup := testutil.NewPostgresTestPool(t)
	t.Cleanup(cleanup)

	ctx := context.Background()
	storeA := New(pool)
	storeB := New(pool)

	if err := storeA.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	if err := storeA.CreateSession(ctx, &domain.Session{ID: "sess-1"}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := storeA.CreateRun(ctx, &domain.Run{ID: "run-1", SessionID: "sess-1", Kind: domain.KindOrchestrator}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := storeA.SetRunResumeToken(ctx, "run-1", "tok-1"); err != nil {
		t.Fatalf("set resume token: %v", err)
	}

	// A second relay instance sees the token and the orchestrator guard.
	run, err := storeB.GetRunByResumeToken(ctx, "tok-1")
	if err != nil || run.ID != "run-1" {
		t.Fatalf("resume token lookup from other instance: run=%+v err=%v", run, err)
	}

	err = storeB.CreateRun(ctx, &domain.Run{ID: "run-2", SessionID: "sess-1", Kind: domain.KindOrchestrator})
	if !pulseerrors.IsOrchestratorActive(err) {
		t.Fatalf("expected cross-instance orchestrator conflict, got %v", err)
	}
}
