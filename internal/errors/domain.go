package errors

import (
	"errors"
	"fmt"
)

// ErrOrchestratorActive is returned by store implementations when a session
// already has a pending or active orchestrator run. The store enforces this
// uniqueness so concurrent submitters cannot race past a coordinator-side check.
var ErrOrchestratorActive = errors.New("session already has an active orchestrator run")

// IsOrchestratorActive reports whether err indicates a rejected duplicate run.
func IsOrchestratorActive(err error) bool {
	return errors.Is(err, ErrOrchestratorActive)
}

// NotFoundError indicates a session, run, or event that does not exist.
type NotFoundError struct {
	Resource string // "session", "run", "event"
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// NewNotFound creates a NotFoundError for the given resource
func NewNotFound(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// IsNotFound reports whether err is a missing-resource error.
func IsNotFound(err error) bool {
	var notFound *NotFoundError
	return errors.As(err, &notFound)
}

// TerminalStateError indicates an operation against a session or run that has
// already reached a terminal status and cannot accept further transitions.
type TerminalStateError struct {
	Resource string
	ID       string
	Status   string
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("%s %s is already %s", e.Resource, e.ID, e.Status)
}

// NewTerminalState creates a TerminalStateError
func NewTerminalState(resource, id, status string) *TerminalStateError {
	return &TerminalStateError{Resource: resource, ID: id, Status: status}
}

// IsTerminalState reports whether err is a terminal-state conflict.
func IsTerminalState(err error) bool {
	var terminal *TerminalStateError
	return errors.As(err, &terminal)
}

// StorageUnavailableError indicates the session store could not serve an
// operation. It classifies as transient; callers retry and then degrade.
type StorageUnavailableError struct {
	Op  string // the store operation that failed, e.g. "append_event"
	Err error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable during %s: %v", e.Op, e.Err)
}

func (e *StorageUnavailableError) Unwrap() error {
	return e.Err
}

// NewStorageUnavailable wraps a store failure with the operation name
func NewStorageUnavailable(op string, err error) *StorageUnavailableError {
	return &StorageUnavailableError{Op: op, Err: err}
}

// IsStorageUnavailable reports whether err is a store outage.
func IsStorageUnavailable(err error) bool {
	var unavailable *StorageUnavailableError
	return errors.As(err, &unavailable)
}

// DeliveryFailureError indicates an event could not be handed to a subscriber
// channel. Deliveries are best-effort for most categories, so this is usually
// logged rather than propagated.
type DeliveryFailureError struct {
	SessionID string
	EventType string
	Err       error
}

func (e *DeliveryFailureError) Error() string {
	return fmt.Sprintf("delivery of %s to session %s failed: %v", e.EventType, e.SessionID, e.Err)
}

func (e *DeliveryFailureError) Unwrap() error {
	return e.Err
}

// NewDeliveryFailure wraps a failed subscriber hand-off
func NewDeliveryFailure(sessionID, eventType string, err error) *DeliveryFailureError {
	return &DeliveryFailureError{SessionID: sessionID, EventType: eventType, Err: err}
}

// IsDeliveryFailure reports whether err is a failed subscriber hand-off.
func IsDeliveryFailure(err error) bool {
	var delivery *DeliveryFailureError
	return errors.As(err, &delivery)
}

// CollaboratorError indicates the collaborating agent behind a run failed.
// The run is marked failed with reason "error"; retryability follows the
// classification of the wrapped error.
type CollaboratorError struct {
	RunID string
	Err   error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("collaborator failed for run %s: %v", e.RunID, e.Err)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

// NewCollaboratorError wraps a runner failure with its run ID
func NewCollaboratorError(runID string, err error) *CollaboratorError {
	return &CollaboratorError{RunID: runID, Err: err}
}

// IsCollaboratorError reports whether err came from the collaborating agent.
func IsCollaboratorError(err error) bool {
	var collaborator *CollaboratorError
	return errors.As(err, &collaborator)
}
