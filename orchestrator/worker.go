package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/studiorosalind/triage/core"
	"github.com/studiorosalind/triage/engine"
	"github.com/studiorosalind/triage/registry"
)

// settleTimeout bounds the registry write that records a terminal state.
const settleTimeout = 5 * time.Second

// runWorker is the analysis pipeline for one issue: announce, gather
// context, run the engine, settle the outcome. Between stages the worker
// passes a checkpoint where cancellation is honored and a heartbeat is
// recorded. The final status event is always the last event published for
// the issue.
func (o *Orchestrator) runWorker(h *WorkerHandle, issue *core.Issue) {
	start := time.Now()

	defer o.wg.Done()
	defer close(h.done)
	defer o.removeWorker(h)
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("orchestrator.worker.panic", "issue_id", h.issueID, "panic", fmt.Sprint(r))
			o.settleFailed(h, core.FailureAnalysisError, fmt.Errorf("worker panic: %v", r))
		}
	}()

	o.workerPublish(h, core.NewStatusEvent(h.issueID, core.StatusAnalyzing))
	o.workerPublish(h, core.NewMessageEvent(h.issueID, core.RoleSystem, "Starting analysis of issue: "+issue.Title))
	if err := o.checkpoint(h); err != nil {
		o.settleFailed(h, core.FailureCancelled, err)
		return
	}

	o.workerPublish(h, core.NewMessageEvent(h.issueID, core.RoleSystem, "Gathering context information..."))
	bundle := o.gatherer.Gather(h.ctx, issue)
	if err := o.checkpoint(h); err != nil {
		o.settleFailed(h, core.FailureCancelled, err)
		return
	}
	o.publishBundle(h, bundle)

	o.workerPublish(h, core.NewMessageEvent(h.issueID, core.RoleSystem, "Analyzing issue..."))
	sol, err := o.engine.Analyze(h.ctx, engine.Request{
		Issue:  issue,
		Bundle: bundle,
		Progress: func(msg string) {
			h.Beat()
			o.workerPublish(h, core.NewMessageEvent(h.issueID, core.RoleAssistant, msg))
		},
	})
	if err != nil {
		if h.ctx.Err() != nil || errors.Is(err, context.Canceled) {
			o.settleFailed(h, core.FailureCancelled, &core.CancelledError{IssueID: h.issueID})
			return
		}
		o.settleFailed(h, core.FailureAnalysisError, err)
		return
	}
	if err := o.checkpoint(h); err != nil {
		o.settleFailed(h, core.FailureCancelled, err)
		return
	}

	o.settleResolved(h, sol, start)
}

// checkpoint records a heartbeat and honors a pending cancellation.
func (o *Orchestrator) checkpoint(h *WorkerHandle) error {
	h.Beat()
	select {
	case <-h.ctx.Done():
		return &core.CancelledError{IssueID: h.issueID}
	default:
		return nil
	}
}

// workerPublish emits a non-terminal event on the worker's behalf. Once the
// worker's outcome is settled nothing more may follow the final status
// event, so late publishes are dropped.
func (o *Orchestrator) workerPublish(h *WorkerHandle, ev core.StreamEvent) {
	if h.isFinished() {
		return
	}
	h.Beat()
	o.publish(ev)
}

// publishBundle mirrors the gather outcome onto the stream: available slots
// as context events, unavailable slots as status notices.
func (o *Orchestrator) publishBundle(h *WorkerHandle, bundle *core.ContextBundle) {
	if bundle.CauseAvailable() {
		o.workerPublish(h, core.NewContextEvent(h.issueID, core.ContextTypeCause, bundle.Cause))
	} else {
		o.workerPublish(h, core.NewStatusNoticeEvent(h.issueID, core.StatusAnalyzing, bundle.CauseNote))
	}
	if bundle.HistoryAvailable() {
		o.workerPublish(h, core.NewContextEvent(h.issueID, core.ContextTypeHistory, bundle.History))
	} else {
		o.workerPublish(h, core.NewStatusNoticeEvent(h.issueID, core.StatusAnalyzing, bundle.HistoryNote))
	}
}

// settleResolved records the solution and closes the stream. The registry
// write goes first: if another settler won the race, no further events are
// published here.
func (o *Orchestrator) settleResolved(h *WorkerHandle, sol *core.Solution, start time.Time) {
	if !h.markFinished() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if _, err := o.registry.Transition(ctx, h.issueID, core.StatusResolved, registry.WithSolution(sol)); err != nil {
		o.logger.Warn("orchestrator.resolve.lost", "issue_id", h.issueID, "error", err.Error())
		return
	}

	o.publish(core.NewSolutionEvent(h.issueID, sol))
	o.publish(core.NewStatusEvent(h.issueID, core.StatusResolved))
	o.hub.MarkTerminal(h.issueID)

	o.logger.Info("orchestrator.worker.resolved",
		"issue_id", h.issueID,
		"duration_ms", time.Since(start).Milliseconds(),
		"steps", len(sol.Steps),
	)
}

// settleFailed records a failure and closes the stream.
func (o *Orchestrator) settleFailed(h *WorkerHandle, reason core.FailureReason, cause error) {
	if !h.markFinished() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if _, err := o.registry.Transition(ctx, h.issueID, core.StatusFailed, registry.WithFailureReason(reason)); err != nil {
		o.logger.Warn("orchestrator.fail.lost", "issue_id", h.issueID, "reason", string(reason), "error", err.Error())
		return
	}

	o.publish(core.NewFailureStatusEvent(h.issueID, reason))
	o.hub.MarkTerminal(h.issueID)

	o.logger.Info("orchestrator.worker.failed",
		"issue_id", h.issueID,
		"reason", string(reason),
		"error", cause.Error(),
	)
}
