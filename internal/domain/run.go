package domain

import "time"

// RunKind distinguishes the three execution shapes the relay supervises.
type RunKind string

const (
	KindOrchestrator RunKind = "orchestrator"
	KindSubagent     RunKind = "subagent"
	KindWorkflowStep RunKind = "workflow-step"
)

// Valid reports whether the kind is one of the known values.
func (k RunKind) Valid() bool {
	switch k {
	case KindOrchestrator, KindSubagent, KindWorkflowStep:
		return true
	default:
		return false
	}
}

// RequiresParent reports whether runs of this kind must reference a live
// parent run.
func (k RunKind) RequiresParent() bool {
	return k == KindSubagent || k == KindWorkflowStep
}

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunActive    RunStatus = "active"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// IsTerminal reports whether the status is a final state.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the state machine permits moving to next.
// Terminal states do not transition further; there is no resurrection.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	switch s {
	case RunPending:
		return next == RunActive || next == RunFailed
	case RunActive:
		return next == RunCompleted || next == RunFailed
	default:
		return false
	}
}

// TerminationReason explains why a run reached a terminal state.
type TerminationReason string

const (
	TerminationNone               TerminationReason = ""
	TerminationCompleted          TerminationReason = "completed"
	TerminationError              TerminationReason = "error"
	TerminationInterrupted        TerminationReason = "interrupted"
	TerminationStorageUnavailable TerminationReason = "storage_unavailable"
	TerminationTimeout            TerminationReason = "timeout"
)

// Run is the execution handle for one supervised collaborator execution.
// The coordinator exclusively owns status transitions; the store exclusively
// owns durability; the hub only reads identity fields to tag events.
type Run struct {
	ID          string  `json:"id"`
	SessionID   string  `json:"session_id"`
	ParentRunID string  `json:"parent_run_id,omitempty"`
	Kind        RunKind `json:"kind"`
	Instruction string  `json:"instruction,omitempty"`

	Status            RunStatus         `json:"status"`
	TerminationReason TerminationReason `json:"termination_reason,omitempty"`
	Error             string            `json:"error,omitempty"`

	// ResumeToken is captured from the collaborator's first lifecycle event
	// and lets a later submit re-attach purely from stored state.
	ResumeToken string `json:"resume_token,omitempty"`

	// Usage counters are monotonically non-decreasing while the run is live.
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the run has finished.
func (r *Run) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// Context returns the RunContext events produced by this run are tagged with.
func (r *Run) Context() RunContext {
	return RunContext{
		SessionID:   r.SessionID,
		RunID:       r.ID,
		ParentRunID: r.ParentRunID,
	}
}

// TransitionParams holds optional fields for a SetRunStatus call.
// Populated by TransitionOption functions.
type TransitionParams struct {
	Reason    TerminationReason
	ErrorText *string
	Metadata  map[string]any
}

// TransitionOption customises a SetRunStatus call.
type TransitionOption func(*TransitionParams)

// WithTerminationReason records why the run reached its new status.
func WithTerminationReason(reason TerminationReason) TransitionOption {
	return func(p *TransitionParams) { p.Reason = reason }
}

// WithTransitionError records the failure text alongside the status change.
func WithTransitionError(errText string) TransitionOption {
	return func(p *TransitionParams) { p.ErrorText = &errText }
}

// WithTransitionMeta attaches arbitrary metadata to the transition.
func WithTransitionMeta(meta map[string]any) TransitionOption {
	return func(p *TransitionParams) { p.Metadata = meta }
}

// ApplyTransitionOptions collects all options into a TransitionParams.
func ApplyTransitionOptions(opts []TransitionOption) TransitionParams {
	var p TransitionParams
	for _, fn := range opts {
		fn(&p)
	}
	return p
}
