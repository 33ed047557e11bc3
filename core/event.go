package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind classifies a stream event. The string values are part of the
// external contract.
type EventKind string

const (
	// KindMessage carries human readable analysis progress.
	KindMessage EventKind = "message"
	// KindStatus announces a lifecycle change or an informational notice.
	KindStatus EventKind = "status"
	// KindContext carries a gathered context payload.
	KindContext EventKind = "context"
	// KindSolution carries the final structured solution.
	KindSolution EventKind = "solution"
)

// Valid reports whether k is one of the declared event kinds.
func (k EventKind) Valid() bool {
	switch k {
	case KindMessage, KindStatus, KindContext, KindSolution:
		return true
	}
	return false
}

// Context payload type markers.
const (
	// ContextTypeCause labels a cause context payload.
	ContextTypeCause = "cause_context"
	// ContextTypeHistory labels a history context payload.
	ContextTypeHistory = "history_context"
)

// Message roles used in message payloads.
const (
	// RoleSystem marks messages produced by the daemon itself.
	RoleSystem = "system"
	// RoleAssistant marks messages produced on behalf of the analysis engine.
	RoleAssistant = "assistant"
)

// MessagePayload is the payload of a KindMessage event.
type MessagePayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StatusPayload is the payload of a KindStatus event. Reason is set on
// terminal FAILED announcements; Detail carries informational notices such as
// a context slot being unavailable.
type StatusPayload struct {
	Status IssueStatus   `json:"status"`
	Reason FailureReason `json:"reason,omitempty"`
	Detail string        `json:"detail,omitempty"`
}

// ContextPayload is the payload of a KindContext event.
type ContextPayload struct {
	ContextType string `json:"context_type"`
	Context     any    `json:"context"`
}

// SolutionPayload is the payload of a KindSolution event.
type SolutionPayload struct {
	Solution *Solution `json:"solution"`
}

// StreamEvent is the unit observers consume from an issue's event channel.
// After publication it must be treated as immutable. SequenceNo is assigned
// by the hub at publish time: per issue, starting at 1, contiguous. Events
// serialize with the exact field names of the external contract.
type StreamEvent struct {
	IssueID    string    `json:"issue_id"`
	SequenceNo int64     `json:"sequence_no"`
	Kind       EventKind `json:"kind"`
	Payload    any       `json:"payload"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewMessageEvent builds an unsequenced message event.
func NewMessageEvent(issueID, role, content string) StreamEvent {
	return newEvent(issueID, KindMessage, MessagePayload{Role: role, Content: content})
}

// NewStatusEvent builds an unsequenced status event announcing a lifecycle
// change.
func NewStatusEvent(issueID string, status IssueStatus) StreamEvent {
	return newEvent(issueID, KindStatus, StatusPayload{Status: status})
}

// NewFailureStatusEvent builds the terminal status event for a failed
// analysis.
func NewFailureStatusEvent(issueID string, reason FailureReason) StreamEvent {
	return newEvent(issueID, KindStatus, StatusPayload{Status: StatusFailed, Reason: reason})
}

// NewStatusNoticeEvent builds an informational status event that does not
// change the lifecycle, for example a context slot being unavailable.
func NewStatusNoticeEvent(issueID string, status IssueStatus, detail string) StreamEvent {
	return newEvent(issueID, KindStatus, StatusPayload{Status: status, Detail: detail})
}

// NewContextEvent builds an unsequenced context event. contextType should be
// ContextTypeCause or ContextTypeHistory.
func NewContextEvent(issueID, contextType string, context any) StreamEvent {
	return newEvent(issueID, KindContext, ContextPayload{ContextType: contextType, Context: context})
}

// NewSolutionEvent builds an unsequenced solution event.
func NewSolutionEvent(issueID string, solution *Solution) StreamEvent {
	return newEvent(issueID, KindSolution, SolutionPayload{Solution: solution})
}

func newEvent(issueID string, kind EventKind, payload any) StreamEvent {
	return StreamEvent{
		IssueID:   issueID,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// PayloadAs decodes the payload into v via a JSON round trip. It works both
// for freshly constructed events (typed payloads) and events decoded from the
// wire (map payloads).
func (e StreamEvent) PayloadAs(v any) error {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
