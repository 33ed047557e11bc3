package core

import (
	"time"

	"github.com/google/uuid"
)

// IssueSource identifies the channel an issue was reported through.
type IssueSource string

const (
	// SourceAPI marks issues submitted through the HTTP API.
	SourceAPI IssueSource = "api"
	// SourceSlack marks issues forwarded from a chat integration.
	SourceSlack IssueSource = "slack"
	// SourceWeb marks issues submitted through a web console.
	SourceWeb IssueSource = "web"
	// SourceAutomated marks issues raised by monitoring automation.
	SourceAutomated IssueSource = "automated"
)

// Valid reports whether s is a known ingestion source.
func (s IssueSource) Valid() bool {
	switch s {
	case SourceAPI, SourceSlack, SourceWeb, SourceAutomated:
		return true
	}
	return false
}

// Issue is the registry record for a reported problem. After creation the
// only mutable parts are the lifecycle fields: Status, Solution (set
// atomically with RESOLVED), FailureReason (set with FAILED) and UpdatedAt.
// Everything else is immutable input captured at submission time.
type Issue struct {
	ID                 string            `json:"id"`
	Title              string            `json:"title"`
	Description        string            `json:"description"`
	Status             IssueStatus       `json:"status"`
	Source             IssueSource       `json:"source"`
	ErrorMessage       string            `json:"error_message,omitempty"`
	StackTrace         string            `json:"stack_trace,omitempty"`
	EventTransactionID string            `json:"event_transaction_id,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	Solution           *Solution         `json:"solution,omitempty"`
	FailureReason      FailureReason     `json:"failure_reason,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// NewIssueID generates a unique issue identifier.
func NewIssueID() string { return uuid.NewString() }

// Clone returns a deep copy of the issue safe for independent mutation.
func (i *Issue) Clone() *Issue {
	clone := *i
	if i.Metadata != nil {
		clone.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			clone.Metadata[k] = v
		}
	}
	if i.Solution != nil {
		clone.Solution = i.Solution.Clone()
	}
	return &clone
}
