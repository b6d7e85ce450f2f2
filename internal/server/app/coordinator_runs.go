package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pulse/internal/domain"
	pulseerrors "pulse/internal/errors"
	"pulse/internal/logging"
	id "pulse/internal/utils/id"
)

// StartSpec describes a new run request.
type StartSpec struct {
	SessionID   string
	Kind        domain.RunKind
	ParentRunID string
	Instruction string
}

// StartRun validates the spec, persists a pending run and drives it to
// active asynchronously. Child kinds fail fast when the parent run is
// missing or terminal, before any state is written.
func (c *Coordinator) StartRun(ctx context.Context, spec StartSpec) (*domain.Run, error) {
	if c.draining.Load() {
		return nil, ErrDraining
	}
	ctx, _ = id.EnsureLogID(ctx, id.NewLogID)
	logger := logging.FromContext(ctx, c.logger)

	if err := validateStartSpec(spec); err != nil {
		return nil, err
	}

	session, err := c.store.GetSession(ctx, spec.SessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.IsTerminal() {
		return nil, pulseerrors.NewTerminalState("session", session.ID, string(session.Status))
	}

	if spec.Kind.RequiresParent() {
		parent, err := c.store.GetRun(ctx, spec.ParentRunID)
		if err != nil {
			return nil, err
		}
		if parent.SessionID != spec.SessionID {
			return nil, ValidationError(fmt.Sprintf("parent run %s belongs to session %s", parent.ID, parent.SessionID))
		}
		if parent.IsTerminal() {
			return nil, pulseerrors.NewTerminalState("run", parent.ID, string(parent.Status))
		}
	}

	now := time.Now().UTC()
	run := &domain.Run{
		ID:          id.NewRunID(),
		SessionID:   spec.SessionID,
		ParentRunID: spec.ParentRunID,
		Kind:        spec.Kind,
		Instruction: spec.Instruction,
		Status:      domain.RunPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	logger.Info("Run %s created: session=%s kind=%s parent=%s", run.ID, run.SessionID, run.Kind, orDash(run.ParentRunID))

	if err := c.launchSegment(ctx, run, segmentSpec{instruction: spec.Instruction}); err != nil {
		return nil, err
	}
	return run, nil
}

// Resume re-attaches to a paused run identified purely by its stored resume
// token, so it works across process restarts. Unknown tokens are NotFound,
// finished runs TerminalState, and a run whose segment is still streaming in
// this process ErrRunBusy.
func (c *Coordinator) Resume(ctx context.Context, resumeToken, instruction string) error {
	if c.draining.Load() {
		return ErrDraining
	}
	ctx, _ = id.EnsureLogID(ctx, id.NewLogID)

	if strings.TrimSpace(resumeToken) == "" {
		return ValidationError("resume token is required")
	}
	if strings.TrimSpace(instruction) == "" {
		return ValidationError("instruction is required")
	}

	run, err := c.store.GetRunByResumeToken(ctx, resumeToken)
	if err != nil {
		return err
	}
	if run.IsTerminal() {
		return pulseerrors.NewTerminalState("run", run.ID, string(run.Status))
	}

	logging.FromContext(ctx, c.logger).Info("Resuming run %s on session %s", run.ID, run.SessionID)
	return c.launchSegment(ctx, run, segmentSpec{instruction: instruction, resumeToken: resumeToken})
}

// Submit is the command-surface entry point. It resolves whether the message
// starts a fresh orchestrator run or resumes the session's live one, purely
// from stored state.
func (c *Coordinator) Submit(ctx context.Context, sessionID, message string) (*domain.Run, error) {
	if c.draining.Load() {
		return nil, ErrDraining
	}
	ctx, _ = id.EnsureLogID(ctx, id.NewLogID)

	if strings.TrimSpace(message) == "" {
		return nil, ValidationError("message is required")
	}

	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.IsTerminal() {
		return nil, pulseerrors.NewTerminalState("session", session.ID, string(session.Status))
	}

	orchestrator, err := c.latestOrchestrator(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch {
	case orchestrator == nil || orchestrator.IsTerminal():
		// Nothing live: the message starts a fresh orchestrator. The store
		// guard rejects the race where two submitters get here together.
		return c.StartRun(ctx, StartSpec{
			SessionID:   sessionID,
			Kind:        domain.KindOrchestrator,
			Instruction: message,
		})
	case c.drivingRun(orchestrator.ID) != nil:
		return nil, fmt.Errorf("session %s: %w", sessionID, pulseerrors.ErrOrchestratorActive)
	case orchestrator.ResumeToken != "":
		if err := c.Resume(ctx, orchestrator.ResumeToken, message); err != nil {
			return nil, err
		}
		return orchestrator, nil
	default:
		// Live orchestrator with no resume token and no loop in this
		// process. Interrupting it is the only way to free the session.
		return nil, fmt.Errorf("session %s has an unreachable orchestrator run %s: %w",
			sessionID, orchestrator.ID, pulseerrors.ErrOrchestratorActive)
	}
}

// latestOrchestrator returns the newest orchestrator-kind run of the
// session, or nil when none exists.
func (c *Coordinator) latestOrchestrator(ctx context.Context, sessionID string) (*domain.Run, error) {
	runs, err := c.store.ListRuns(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for _, run := range runs {
		if run.Kind == domain.KindOrchestrator {
			return run, nil
		}
	}
	return nil, nil
}

func validateStartSpec(spec StartSpec) error {
	if strings.TrimSpace(spec.SessionID) == "" {
		return ValidationError("session id is required")
	}
	if !spec.Kind.Valid() {
		return ValidationError(fmt.Sprintf("unknown run kind %q", spec.Kind))
	}
	if strings.TrimSpace(spec.Instruction) == "" {
		return ValidationError("instruction is required")
	}
	if spec.Kind.RequiresParent() && strings.TrimSpace(spec.ParentRunID) == "" {
		return ValidationError(fmt.Sprintf("%s runs require a parent run id", spec.Kind))
	}
	if !spec.Kind.RequiresParent() && spec.ParentRunID != "" {
		return ValidationError("orchestrator runs cannot have a parent")
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
