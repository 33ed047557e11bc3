package core

import (
	"context"
	"errors"
	"fmt"
)

// The error taxonomy below is exhaustive for cross-component communication:
// every failure crossing a package boundary is one of these types or wraps
// one of them.

// ValidationError reports malformed input to a creation or transition
// request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// InvalidStateTransitionError reports a lifecycle edge that is not part of
// the transition table, including any transition out of a terminal status.
type InvalidStateTransitionError struct {
	ID   string
	From IssueStatus
	To   IssueStatus
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("issue %s: invalid transition %s -> %s", e.ID, e.From, e.To)
}

// SpawnError reports that the orchestrator declined to start a worker, for
// example because the concurrency ceiling was reached. The issue is left
// untouched and the request may be retried.
type SpawnError struct {
	IssueID string
	Reason  string
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("cannot spawn worker for issue %s: %s", e.IssueID, e.Reason)
}

// NotFoundError reports a (provider, operation) pair missing from the proxy
// registry.
type NotFoundError struct {
	Provider  string
	Operation string
}

func (e *NotFoundError) Error() string {
	if e.Operation == "" {
		return fmt.Sprintf("provider %q not registered", e.Provider)
	}
	return fmt.Sprintf("operation %q not registered on provider %q", e.Operation, e.Provider)
}

// ProviderError wraps a failure raised inside a provider operation handler.
type ProviderError struct {
	Provider  string
	Operation string
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s/%s: %v", e.Provider, e.Operation, e.Err)
}

// Unwrap exposes the handler failure for errors.Is / errors.As.
func (e *ProviderError) Unwrap() error { return e.Err }

// CancelledError reports that an analysis run was cancelled before it could
// complete. errors.Is(err, context.Canceled) holds for it.
type CancelledError struct {
	IssueID string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("analysis of issue %s cancelled", e.IssueID)
}

// Is matches context.Canceled so callers can treat cancellation uniformly.
func (e *CancelledError) Is(target error) bool { return target == context.Canceled }

// ErrWorkerTimeout marks a worker that stopped heartbeating and was declared
// dead by the orchestrator.
var ErrWorkerTimeout = errors.New("worker heartbeat timeout")
