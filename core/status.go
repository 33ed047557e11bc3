package core

import "fmt"

// IssueStatus tracks an issue through its analysis lifecycle. The string
// values are part of the external contract and are serialized exactly as
// declared.
type IssueStatus string

const (
	// StatusNew marks an issue that has been accepted but not yet picked up
	// by a worker.
	StatusNew IssueStatus = "NEW"
	// StatusAnalyzing marks an issue with an active analysis worker.
	StatusAnalyzing IssueStatus = "ANALYZING"
	// StatusResolved marks an issue whose analysis produced a solution.
	StatusResolved IssueStatus = "RESOLVED"
	// StatusFailed marks an issue whose analysis ended without a solution.
	StatusFailed IssueStatus = "FAILED"
)

// Statuses lists all valid issue statuses in lifecycle order.
func Statuses() []IssueStatus {
	return []IssueStatus{StatusNew, StatusAnalyzing, StatusResolved, StatusFailed}
}

// Valid reports whether s is one of the declared statuses.
func (s IssueStatus) Valid() bool {
	switch s {
	case StatusNew, StatusAnalyzing, StatusResolved, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether s accepts no further transitions.
func (s IssueStatus) IsTerminal() bool { return s == StatusResolved || s == StatusFailed }

// ParseStatus converts a stored string into an IssueStatus.
func ParseStatus(raw string) (IssueStatus, error) {
	s := IssueStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown issue status %q", raw)
	}
	return s, nil
}

// allowedTransitions is the single source of truth for the issue lifecycle.
// Terminal statuses have no outgoing edges.
var allowedTransitions = map[IssueStatus]map[IssueStatus]struct{}{
	StatusNew:       {StatusAnalyzing: {}},
	StatusAnalyzing: {StatusResolved: {}, StatusFailed: {}},
	StatusResolved:  {},
	StatusFailed:    {},
}

// CanTransition reports whether the edge from -> to is part of the lifecycle.
func CanTransition(from, to IssueStatus) bool {
	targets, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = targets[to]
	return ok
}

// ValidTargets returns the statuses reachable from the given status in
// lifecycle order.
func ValidTargets(from IssueStatus) []IssueStatus {
	targets := allowedTransitions[from]
	var out []IssueStatus
	for _, s := range Statuses() {
		if _, ok := targets[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// FailureReason explains why an issue ended FAILED. The string values are part
// of the external contract.
type FailureReason string

const (
	// FailureWorkerTimeout indicates the worker stopped heartbeating and was
	// declared dead by the orchestrator.
	FailureWorkerTimeout FailureReason = "worker_timeout"
	// FailureCancelled indicates analysis was cancelled before completion.
	FailureCancelled FailureReason = "cancelled"
	// FailureAnalysisError indicates the analysis engine returned an error.
	FailureAnalysisError FailureReason = "analysis_error"
)

// Valid reports whether r is one of the declared failure reasons.
func (r FailureReason) Valid() bool {
	switch r {
	case FailureWorkerTimeout, FailureCancelled, FailureAnalysisError:
		return true
	}
	return false
}
