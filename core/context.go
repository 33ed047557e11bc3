package core

import "time"

// StackFrame is a single frame of a captured stack trace.
type StackFrame struct {
	FilePath   string `json:"file_path"`
	LineNumber int    `json:"line_number"`
	MethodName string `json:"method_name"`
	CodeLine   string `json:"code_line,omitempty"`
}

// StackTrace is the parsed exception stack attached to a cause context.
type StackTrace struct {
	ExceptionType    string       `json:"exception_type"`
	ExceptionMessage string       `json:"exception_message"`
	Frames           []StackFrame `json:"frames"`
}

// LogEntry is one application log line captured around the failure.
// Timestamps stay strings: they cross a loosely typed provider boundary and
// are evidence to display, not values to compute with.
type LogEntry struct {
	Timestamp  string `json:"timestamp"`
	Level      string `json:"level"`
	LoggerName string `json:"logger_name,omitempty"`
	Message    string `json:"message"`
}

// CauseContext carries the runtime evidence for a single failure: the stack
// trace plus the HTTP, messaging, database and log activity recorded around
// the originating transaction.
type CauseContext struct {
	StackTrace     *StackTrace      `json:"stack_trace,omitempty"`
	HTTPRequests   []map[string]any `json:"http_requests,omitempty"`
	HTTPResponses  []map[string]any `json:"http_responses,omitempty"`
	KafkaMessages  []map[string]any `json:"kafka_messages,omitempty"`
	DatabaseErrors []string         `json:"database_errors,omitempty"`
	Logs           []LogEntry       `json:"logs,omitempty"`
	Additional     map[string]any   `json:"additional_context,omitempty"`
}

// SimilarIssue is a previously resolved issue related to the one under
// analysis.
type SimilarIssue struct {
	IssueID         string  `json:"issue_id"`
	Title           string  `json:"title"`
	Description     string  `json:"description,omitempty"`
	RootCause       string  `json:"root_cause,omitempty"`
	Solution        string  `json:"solution,omitempty"`
	SimilarityScore float64 `json:"similarity_score"`
	ResolvedAt      string  `json:"resolved_at,omitempty"`
}

// CodeChange is a commit that may relate to the issue under analysis.
type CodeChange struct {
	CommitID     string   `json:"commit_id"`
	Author       string   `json:"author,omitempty"`
	Date         string   `json:"date,omitempty"`
	Message      string   `json:"message"`
	FilesChanged []string `json:"files_changed,omitempty"`
	Diff         string   `json:"diff,omitempty"`
}

// DeploymentEvent records a deployment near the issue's time window.
type DeploymentEvent struct {
	Timestamp   string   `json:"timestamp"`
	Version     string   `json:"version"`
	Environment string   `json:"environment,omitempty"`
	Changes     []string `json:"changes,omitempty"`
}

// HistoryContext carries organizational memory relevant to the issue: similar
// resolved issues, recent code changes and deployment activity.
type HistoryContext struct {
	SimilarIssues       []SimilarIssue    `json:"similar_issues,omitempty"`
	RelevantCodeChanges []CodeChange      `json:"relevant_code_changes,omitempty"`
	DeploymentEvents    []DeploymentEvent `json:"deployment_events,omitempty"`
}

// ContextBundle is the aggregated input handed to the analysis engine. A nil
// slot with a non-empty note means that side could not be gathered; analysis
// proceeds with whatever is present. Bundles live only for the duration of
// one analysis run and are never persisted.
type ContextBundle struct {
	Cause       *CauseContext   `json:"cause_context,omitempty"`
	CauseNote   string          `json:"cause_note,omitempty"`
	History     *HistoryContext `json:"history_context,omitempty"`
	HistoryNote string          `json:"history_note,omitempty"`
	GatheredAt  time.Time       `json:"gathered_at"`
}

// CauseAvailable reports whether the cause side of the bundle was gathered.
func (b ContextBundle) CauseAvailable() bool { return b.Cause != nil }

// HistoryAvailable reports whether the history side of the bundle was gathered.
func (b ContextBundle) HistoryAvailable() bool { return b.History != nil }

// Empty reports whether no context could be gathered at all.
func (b ContextBundle) Empty() bool { return b.Cause == nil && b.History == nil }
