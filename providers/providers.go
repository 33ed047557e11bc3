// Package providers ships the in-process context providers the daemon
// registers by default: diagnostics for runtime cause context and
// knowledgebase for historical context. They serve deterministic sample
// data shaped exactly like real integrations would return, which keeps the
// demo and the test suite honest about payload shapes.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/studiorosalind/triage/core"
	"github.com/studiorosalind/triage/proxy"
)

// Options tune the sample providers.
type Options struct {
	// Latency is simulated per call, honoring ctx. Zero answers instantly.
	Latency time.Duration
}

// asMap converts a typed value into the JSON-shaped map handlers return.
func asMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode provider payload: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("shape provider payload: %w", err)
	}
	return out, nil
}

// wait simulates provider latency while honoring cancellation.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// stringArg pulls a non-empty string out of the argument map.
func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// Diagnostics serves runtime cause context: the stack trace, surrounding
// logs and I/O captured around a failed transaction.
type Diagnostics struct {
	opts Options
}

var _ proxy.Provider = (*Diagnostics)(nil)

// NewDiagnostics creates the diagnostics provider.
func NewDiagnostics(optFns ...func(o *Options)) *Diagnostics {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Diagnostics{opts: opts}
}

// Name implements proxy.Provider.
func (d *Diagnostics) Name() string { return "diagnostics" }

// Operations implements proxy.Provider.
func (d *Diagnostics) Operations() map[string]proxy.Handler {
	return map[string]proxy.Handler{
		"getCauseContext": d.getCauseContext,
	}
}

func (d *Diagnostics) getCauseContext(ctx context.Context, args map[string]any) (map[string]any, error) {
	txnID, byTxn := stringArg(args, "eventTransactionId")
	errMsg, byMsg := stringArg(args, "errorMessage")
	if !byTxn && !byMsg {
		return nil, fmt.Errorf("eventTransactionId or errorMessage is required")
	}
	if err := wait(ctx, d.opts.Latency); err != nil {
		return nil, err
	}

	key := txnID
	if key == "" {
		key = errMsg
	}
	return asMap(sampleCause(key))
}

// sampleCause fabricates a capture for the given lookup key. The same key
// always yields the same payload.
func sampleCause(key string) *core.CauseContext {
	return &core.CauseContext{
		StackTrace: &core.StackTrace{
			ExceptionType:    "NullPointerException",
			ExceptionMessage: "Cannot invoke \"Customer.getId()\" because \"customer\" is null",
			Frames: []core.StackFrame{
				{FilePath: "com/shop/order/OrderService.java", LineNumber: 42, MethodName: "submitOrder", CodeLine: "auditLog.record(customer.getId(), order);"},
				{FilePath: "com/shop/order/OrderController.java", LineNumber: 27, MethodName: "create", CodeLine: "orderService.submitOrder(request.toOrder());"},
			},
		},
		HTTPRequests: []map[string]any{
			{"method": "POST", "path": "/api/orders", "transaction_id": key},
		},
		KafkaMessages: []map[string]any{
			{"topic": "order-events", "key": key, "offset": 118234},
		},
		DatabaseErrors: nil,
		Logs: []core.LogEntry{
			{Timestamp: "2025-06-01T09:14:55Z", Level: "INFO", LoggerName: "OrderService", Message: "submitting order for session " + key},
			{Timestamp: "2025-06-01T09:14:56Z", Level: "ERROR", LoggerName: "OrderService", Message: "order submission failed"},
		},
	}
}

// KnowledgeBase serves historical context: similar resolved issues, recent
// code changes and deployments.
type KnowledgeBase struct {
	opts Options
}

var _ proxy.Provider = (*KnowledgeBase)(nil)

// NewKnowledgeBase creates the knowledgebase provider.
func NewKnowledgeBase(optFns ...func(o *Options)) *KnowledgeBase {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &KnowledgeBase{opts: opts}
}

// Name implements proxy.Provider.
func (k *KnowledgeBase) Name() string { return "knowledgebase" }

// Operations implements proxy.Provider.
func (k *KnowledgeBase) Operations() map[string]proxy.Handler {
	return map[string]proxy.Handler{
		"getHistoryContext": k.getHistoryContext,
	}
}

func (k *KnowledgeBase) getHistoryContext(ctx context.Context, args map[string]any) (map[string]any, error) {
	if _, ok := stringArg(args, "description"); !ok {
		return nil, fmt.Errorf("description is required")
	}
	if err := wait(ctx, k.opts.Latency); err != nil {
		return nil, err
	}
	return asMap(sampleHistory())
}

func sampleHistory() *core.HistoryContext {
	return &core.HistoryContext{
		SimilarIssues: []core.SimilarIssue{
			{
				IssueID:         "8f14e45f-ea3b-4c1a-9f6d-2d0c7a51b921",
				Title:           "NPE submitting order for guest checkout",
				Description:     "guest sessions have no customer attached",
				RootCause:       "customer is resolved lazily and guest sessions never populate it",
				Solution:        "guard the audit call and backfill a guest customer record",
				SimilarityScore: 0.92,
				ResolvedAt:      "2025-04-18T11:02:00Z",
			},
			{
				IssueID:         "a3c65c29-74e6-4e8a-b1f2-5b1c8d930a44",
				Title:           "Order audit log drops entries under load",
				SimilarityScore: 0.61,
				ResolvedAt:      "2025-03-02T16:40:00Z",
			},
		},
		RelevantCodeChanges: []core.CodeChange{
			{
				CommitID:     "c9d4e1f",
				Author:       "j.park",
				Date:         "2025-05-28",
				Message:      "order: audit before persistence",
				FilesChanged: []string{"com/shop/order/OrderService.java"},
			},
		},
		DeploymentEvents: []core.DeploymentEvent{
			{
				Timestamp:   "2025-05-30T08:00:00Z",
				Version:     "order-service 2.14.0",
				Environment: "production",
				Changes:     []string{"audit ordering change", "JDK 21 base image"},
			},
		},
	}
}
