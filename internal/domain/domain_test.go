package domain

import (
	"strings"
	"testing"
)

func TestEventTypeCategory(t *testing.T) {
	tests := []struct {
		eventType EventType
		category  EventCategory
	}{
		{EventToolInvoked, CategoryHook},
		{EventToolCompleted, CategoryHook},
		{EventInputReceived, CategoryHook},
		{EventTextChunk, CategoryResponse},
		{EventThinkingChunk, CategoryResponse},
		{EventRunStarted, CategoryLifecycle},
		{EventRunCompleted, CategoryLifecycle},
		{EventRunFailed, CategoryLifecycle},
		{EventRunInterrupted, CategoryLifecycle},
		{EventStorageDegraded, CategoryLifecycle},
		{EventSummaryBackfilled, CategoryResponse},
	}

	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			if got := tt.eventType.Category(); got != tt.category {
				t.Errorf("EventType(%q).Category() = %q, want %q", tt.eventType, got, tt.category)
			}
		})
	}
}

func TestCategoryCritical(t *testing.T) {
	if !CategoryLifecycle.Critical() {
		t.Error("lifecycle events must be critical")
	}
	if CategoryHook.Critical() || CategoryResponse.Critical() {
		t.Error("hook/response events must not be critical")
	}
}

func TestNewEventTagsFromRunContext(t *testing.T) {
	rc := RunContext{SessionID: "sess-1", RunID: "run-1", ParentRunID: "run-0"}
	event := NewEvent(rc, EventToolInvoked, map[string]any{"tool": "read_file"})

	if !strings.HasPrefix(event.ID, "evt-") {
		t.Errorf("event ID = %q, want evt- prefix", event.ID)
	}
	if event.Seq != 0 {
		t.Errorf("unpersisted event Seq = %d, want 0", event.Seq)
	}
	if event.SessionID != "sess-1" || event.OwnerID != "run-1" || event.ParentRunID != "run-0" {
		t.Errorf("event not tagged from RunContext: %+v", event)
	}
	if event.Category != CategoryHook {
		t.Errorf("Category = %q, want hook", event.Category)
	}
	if event.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
	if err := event.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestEventValidate(t *testing.T) {
	rc := RunContext{SessionID: "sess-1", RunID: "run-1"}

	missingOwner := NewEvent(RunContext{SessionID: "sess-1"}, EventTextChunk, nil)
	if err := missingOwner.Validate(); err == nil {
		t.Error("event without owner should fail validation")
	}

	badCategory := NewEvent(rc, EventTextChunk, nil)
	badCategory.Category = "bogus"
	if err := badCategory.Validate(); err == nil {
		t.Error("event with unknown category should fail validation")
	}
}

func TestRunStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status   RunStatus
		terminal bool
	}{
		{RunPending, false},
		{RunActive, false},
		{RunCompleted, true},
		{RunFailed, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.terminal {
				t.Errorf("RunStatus(%q).IsTerminal() = %v, want %v", tt.status, got, tt.terminal)
			}
		})
	}
}

func TestRunStatusCanTransitionTo(t *testing.T) {
	tests := []struct {
		from    RunStatus
		to      RunStatus
		allowed bool
	}{
		{RunPending, RunActive, true},
		{RunPending, RunFailed, true},
		{RunPending, RunCompleted, false},
		{RunActive, RunCompleted, true},
		{RunActive, RunFailed, true},
		{RunActive, RunPending, false},
		{RunCompleted, RunActive, false},
		{RunCompleted, RunFailed, false},
		{RunFailed, RunActive, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.allowed {
				t.Errorf("CanTransitionTo(%q -> %q) = %v, want %v", tt.from, tt.to, got, tt.allowed)
			}
		})
	}
}

func TestRunKindRequiresParent(t *testing.T) {
	if KindOrchestrator.RequiresParent() {
		t.Error("orchestrator runs must not require a parent")
	}
	if !KindSubagent.RequiresParent() || !KindWorkflowStep.RequiresParent() {
		t.Error("subagent and workflow-step runs must require a parent")
	}
}

func TestRunContextFromRun(t *testing.T) {
	run := &Run{ID: "run-1", SessionID: "sess-1", ParentRunID: "run-0", Kind: KindSubagent}
	rc := run.Context()

	if rc.SessionID != "sess-1" || rc.RunID != "run-1" || rc.ParentRunID != "run-0" {
		t.Errorf("Context() = %+v", rc)
	}
}

func TestApplyTransitionOptions(t *testing.T) {
	errText := "collaborator exploded"

	p := ApplyTransitionOptions([]TransitionOption{
		WithTerminationReason(TerminationError),
		WithTransitionError(errText),
		WithTransitionMeta(map[string]any{"key": "value"}),
	})

	if p.Reason != TerminationError {
		t.Errorf("Reason = %q, want %q", p.Reason, TerminationError)
	}
	if p.ErrorText == nil || *p.ErrorText != errText {
		t.Errorf("ErrorText = %v, want %q", p.ErrorText, errText)
	}
	if p.Metadata["key"] != "value" {
		t.Errorf("Metadata = %v, want key=value", p.Metadata)
	}

	empty := ApplyTransitionOptions(nil)
	if empty.Reason != TerminationNone || empty.ErrorText != nil || empty.Metadata != nil {
		t.Errorf("ApplyTransitionOptions(nil) = %+v, want zero", empty)
	}
}

func TestSessionStatusMirror(t *testing.T) {
	tests := []struct {
		run     RunStatus
		session SessionStatus
	}{
		{RunPending, SessionActive},
		{RunActive, SessionActive},
		{RunCompleted, SessionCompleted},
		{RunFailed, SessionFailed},
	}

	for _, tt := range tests {
		if got := SessionStatusForRun(tt.run); got != tt.session {
			t.Errorf("SessionStatusForRun(%q) = %q, want %q", tt.run, got, tt.session)
		}
	}

	if SessionIdle.IsTerminal() || SessionActive.IsTerminal() {
		t.Error("idle/active sessions must accept submits")
	}
	if !SessionCompleted.IsTerminal() || !SessionFailed.IsTerminal() {
		t.Error("completed/failed sessions must reject submits")
	}
}
