// Package orchestrator owns the analysis worker lifecycle: spawning one
// worker per issue, watching worker heartbeats, delivering cancellation, and
// making sure every analysis ends in exactly one terminal state with a final
// status event on the stream.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/studiorosalind/triage/core"
	"github.com/studiorosalind/triage/engine"
	"github.com/studiorosalind/triage/gather"
	"github.com/studiorosalind/triage/hub"
	"github.com/studiorosalind/triage/logging"
	"github.com/studiorosalind/triage/registry"
)

// Options configures an Orchestrator.
type Options struct {
	// MaxWorkers caps concurrently running analyses. Defaults to 8.
	MaxWorkers int

	// HeartbeatInterval is how often the monitor scans worker liveness.
	// Defaults to 15s.
	HeartbeatInterval time.Duration

	// HeartbeatMisses is how many intervals a worker may go without a beat
	// before it is declared dead. Defaults to 4.
	HeartbeatMisses int

	// Logger receives lifecycle diagnostics. Defaults to NoOp.
	Logger logging.Logger
}

// Orchestrator coordinates analysis workers over the registry, the event
// hub, the context aggregator and the engine.
type Orchestrator struct {
	registry *registry.Registry
	hub      *hub.Hub
	gatherer *gather.Aggregator
	engine   engine.Engine
	opts     Options
	logger   logging.Logger

	mu      sync.Mutex
	workers map[string]*WorkerHandle
	closed  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an Orchestrator and starts its heartbeat monitor.
func New(reg *registry.Registry, eventHub *hub.Hub, gatherer *gather.Aggregator, eng engine.Engine, optFns ...func(o *Options)) *Orchestrator {
	opts := Options{
		MaxWorkers:        8,
		HeartbeatInterval: 15 * time.Second,
		HeartbeatMisses:   4,
		Logger:            logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxWorkers < 1 {
		opts.MaxWorkers = 1
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.HeartbeatMisses < 1 {
		opts.HeartbeatMisses = 1
	}

	o := &Orchestrator{
		registry: reg,
		hub:      eventHub,
		gatherer: gatherer,
		engine:   eng,
		opts:     opts,
		logger:   opts.Logger,
		workers:  make(map[string]*WorkerHandle),
		stopCh:   make(chan struct{}),
	}

	o.wg.Add(1)
	go o.monitor()
	return o
}

// Spawn starts the analysis worker for an issue.
//
// Spawn is idempotent while a worker is live: a second call for the same
// issue returns the existing handle without side effects, so concurrent
// submits race safely. A fresh spawn moves the issue NEW -> ANALYZING before
// the worker starts; issues in any other state are rejected with
// *core.InvalidStateTransitionError, unknown ids with
// registry.ErrIssueNotFound. When MaxWorkers analyses are already running,
// Spawn fails with *core.SpawnError.
func (o *Orchestrator) Spawn(ctx context.Context, issueID string) (*WorkerHandle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, &core.SpawnError{IssueID: issueID, Reason: "orchestrator is shut down"}
	}
	if h, ok := o.workers[issueID]; ok {
		return h, nil
	}
	if len(o.workers) >= o.opts.MaxWorkers {
		return nil, &core.SpawnError{
			IssueID: issueID,
			Reason:  fmt.Sprintf("worker ceiling reached (max %d)", o.opts.MaxWorkers),
		}
	}

	issue, err := o.registry.Transition(ctx, issueID, core.StatusAnalyzing)
	if err != nil {
		return nil, err
	}

	h := newHandle(issueID, time.Now().UTC())
	o.workers[issueID] = h
	o.wg.Add(1)
	go o.runWorker(h, issue)

	o.logger.Info("orchestrator.worker.spawned", "issue_id", issueID, "active", len(o.workers))
	return h, nil
}

// Cancel requests cancellation of an issue's analysis.
//
// With a live worker the request is delivered asynchronously; the worker
// notices at its next checkpoint, records FAILED with reason cancelled and
// emits the final status event. Without a live worker the registry record is
// settled directly, which rejects issues that never started or already
// finished.
func (o *Orchestrator) Cancel(ctx context.Context, issueID string) error {
	o.mu.Lock()
	h, ok := o.workers[issueID]
	o.mu.Unlock()

	if ok {
		o.logger.Info("orchestrator.worker.cancel_requested", "issue_id", issueID)
		h.cancel()
		return nil
	}

	// No live worker. An ANALYZING record without one is an orphan (for
	// example after a daemon restart); settle it here. NEW and terminal
	// records fail the transition check.
	if _, err := o.registry.Transition(ctx, issueID, core.StatusFailed, registry.WithFailureReason(core.FailureCancelled)); err != nil {
		return err
	}
	o.publish(core.NewFailureStatusEvent(issueID, core.FailureCancelled))
	o.hub.MarkTerminal(issueID)
	o.logger.Info("orchestrator.orphan.cancelled", "issue_id", issueID)
	return nil
}

// Worker returns the live handle for an issue, if any.
func (o *Orchestrator) Worker(issueID string) (*WorkerHandle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.workers[issueID]
	return h, ok
}

// Active returns the ids of issues with live workers, sorted.
func (o *Orchestrator) Active() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.workers))
	for id := range o.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// WorkerCount returns the number of live workers.
func (o *Orchestrator) WorkerCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.workers)
}

// Shutdown cancels all live workers and waits for them to drain, bounded by
// ctx. In-flight analyses are recorded as FAILED with reason cancelled.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	close(o.stopCh)
	handles := make([]*WorkerHandle, 0, len(o.workers))
	for _, h := range o.workers {
		handles = append(handles, h)
	}
	o.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator shutdown: %w", ctx.Err())
	}
}

// monitor scans worker heartbeats every interval and declares workers dead
// after HeartbeatMisses silent intervals. A dead worker's issue is recorded
// as FAILED with reason worker_timeout and its slot is reclaimed, whether or
// not the goroutine ever unblocks.
func (o *Orchestrator) monitor() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.opts.HeartbeatInterval)
	defer ticker.Stop()

	stale := time.Duration(o.opts.HeartbeatMisses) * o.opts.HeartbeatInterval
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.reapStale(stale)
		}
	}
}

func (o *Orchestrator) reapStale(stale time.Duration) {
	o.mu.Lock()
	var dead []*WorkerHandle
	for _, h := range o.workers {
		if time.Since(h.LastBeat()) > stale {
			dead = append(dead, h)
		}
	}
	o.mu.Unlock()

	for _, h := range dead {
		if !h.markFinished() {
			continue
		}
		o.logger.Error("orchestrator.worker.timeout",
			"issue_id", h.issueID,
			"last_beat", h.LastBeat().Format(time.RFC3339),
		)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := o.registry.Transition(ctx, h.issueID, core.StatusFailed, registry.WithFailureReason(core.FailureWorkerTimeout)); err != nil {
			o.logger.Warn("orchestrator.timeout.transition_lost", "issue_id", h.issueID, "error", err.Error())
		} else {
			o.publish(core.NewFailureStatusEvent(h.issueID, core.FailureWorkerTimeout))
			o.hub.MarkTerminal(h.issueID)
		}
		cancel()

		h.cancel()
		o.removeWorker(h)
	}
}

// removeWorker frees the issue's slot if the map still holds this handle.
func (o *Orchestrator) removeWorker(h *WorkerHandle) {
	o.mu.Lock()
	if cur, ok := o.workers[h.issueID]; ok && cur == h {
		delete(o.workers, h.issueID)
	}
	o.mu.Unlock()
}

// publish forwards an event to the hub, logging instead of failing when the
// channel is gone.
func (o *Orchestrator) publish(ev core.StreamEvent) {
	if _, err := o.hub.Publish(ev); err != nil {
		o.logger.Debug("orchestrator.publish.dropped", "issue_id", ev.IssueID, "kind", string(ev.Kind), "error", err.Error())
	}
}
