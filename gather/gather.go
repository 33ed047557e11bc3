// Package gather assembles the context bundle an analysis worker feeds to
// the engine. It fans out to the cause and history providers concurrently,
// bounds each call with its own timeout, and degrades gracefully: a failed
// slot becomes an "unavailable" note in the bundle instead of an error.
package gather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/studiorosalind/triage/core"
	"github.com/studiorosalind/triage/logging"
)

// Caller dispatches a provider operation. *proxy.Proxy satisfies it.
type Caller interface {
	Call(ctx context.Context, provider, operation string, args map[string]any) (map[string]any, error)
}

// Options configures an Aggregator.
type Options struct {
	// CauseProvider and CauseOperation locate the runtime-cause slot.
	// Defaults: "diagnostics" / "getCauseContext".
	CauseProvider  string
	CauseOperation string

	// HistoryProvider and HistoryOperation locate the historical slot.
	// Defaults: "knowledgebase" / "getHistoryContext".
	HistoryProvider  string
	HistoryOperation string

	// CauseTimeout and HistoryTimeout bound each slot independently.
	// Defaults: 3s each.
	CauseTimeout   time.Duration
	HistoryTimeout time.Duration

	// RetryTransient enables a single retry for a slot that failed with a
	// transient error. Defaults to true.
	RetryTransient bool

	// Logger receives per-slot diagnostics. Defaults to NoOp.
	Logger logging.Logger
}

// Aggregator gathers cause and history context for an issue.
type Aggregator struct {
	caller Caller
	opts   Options
	logger logging.Logger
}

// New creates an Aggregator over the given caller.
func New(caller Caller, optFns ...func(o *Options)) *Aggregator {
	opts := Options{
		CauseProvider:    "diagnostics",
		CauseOperation:   "getCauseContext",
		HistoryProvider:  "knowledgebase",
		HistoryOperation: "getHistoryContext",
		CauseTimeout:     3 * time.Second,
		HistoryTimeout:   3 * time.Second,
		RetryTransient:   true,
		Logger:           logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Aggregator{
		caller: caller,
		opts:   opts,
		logger: opts.Logger,
	}
}

// Gather collects both context slots for the issue. It always returns a
// bundle: a slot that timed out, errored, or decoded badly is represented by
// a note rather than failing the gather. The two slots run concurrently and
// a slow slot never delays the other beyond its own timeout.
func (a *Aggregator) Gather(ctx context.Context, issue *core.Issue) *core.ContextBundle {
	bundle := &core.ContextBundle{}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		var cause core.CauseContext
		if note := a.fetchSlot(ctx, slotRequest{
			label:     "cause context",
			provider:  a.opts.CauseProvider,
			operation: a.opts.CauseOperation,
			args:      a.causeArgs(issue),
			timeout:   a.opts.CauseTimeout,
		}, &cause); note != "" {
			bundle.CauseNote = note
			return
		}
		bundle.Cause = &cause
	}()

	go func() {
		defer wg.Done()
		var history core.HistoryContext
		if note := a.fetchSlot(ctx, slotRequest{
			label:     "history context",
			provider:  a.opts.HistoryProvider,
			operation: a.opts.HistoryOperation,
			args:      a.historyArgs(issue),
			timeout:   a.opts.HistoryTimeout,
		}, &history); note != "" {
			bundle.HistoryNote = note
			return
		}
		bundle.History = &history
	}()

	wg.Wait()
	bundle.GatheredAt = time.Now().UTC()
	return bundle
}

// causeArgs prefers the event transaction id; without one the provider has
// to search by error message.
func (a *Aggregator) causeArgs(issue *core.Issue) map[string]any {
	if issue.EventTransactionID != "" {
		return map[string]any{"eventTransactionId": issue.EventTransactionID}
	}
	return map[string]any{"errorMessage": issue.ErrorMessage}
}

func (a *Aggregator) historyArgs(issue *core.Issue) map[string]any {
	return map[string]any{"description": issue.Description}
}

// slotRequest describes one provider call: where to dispatch it, what to
// send, and how to name the slot in user-facing notes.
type slotRequest struct {
	label     string
	provider  string
	operation string
	args      map[string]any
	timeout   time.Duration
}

// fetchSlot runs one provider call with its own timeout and decodes the
// result into out. A non-empty return is the unavailability note.
func (a *Aggregator) fetchSlot(ctx context.Context, req slotRequest, out any) string {
	slot := req.provider + "." + req.operation
	start := time.Now()

	result, err := a.callOnce(ctx, req)
	if err != nil && a.opts.RetryTransient && IsTransient(err) && ctx.Err() == nil {
		a.logger.Debug("gather.slot.retry", "slot", slot, "cause", err.Error())
		result, err = a.callOnce(ctx, req)
	}
	if err != nil {
		a.logger.Warn("gather.slot.unavailable",
			"slot", slot,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err.Error(),
		)
		return req.label + " unavailable: " + shortReason(err)
	}

	if err := decode(result, out); err != nil {
		a.logger.Warn("gather.slot.invalid", "slot", slot, "error", err.Error())
		return req.label + " unavailable: invalid payload"
	}

	a.logger.Debug("gather.slot.ok", "slot", slot, "duration_ms", time.Since(start).Milliseconds())
	return ""
}

func (a *Aggregator) callOnce(ctx context.Context, req slotRequest) (map[string]any, error) {
	callCtx, cancel := context.WithTimeout(ctx, req.timeout)
	defer cancel()
	return a.caller.Call(callCtx, req.provider, req.operation, req.args)
}

// IsTransient reports whether an error is worth one retry: a timeout, or a
// provider error that declares itself temporary.
func IsTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var tmp interface{ Temporary() bool }
	if errors.As(err, &tmp) {
		return tmp.Temporary()
	}
	return false
}

// decode converts the provider's loose map into the typed slot struct.
func decode(in map[string]any, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode provider result: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode provider result: %w", err)
	}
	return nil
}

// shortReason trims an error chain to something fit for a user-facing note.
func shortReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	var nf *core.NotFoundError
	if errors.As(err, &nf) {
		return "no such provider operation"
	}
	return err.Error()
}
