package orchestrator

import (
	"context"
	"sync"
	"time"
)

// WorkerHandle tracks one live analysis worker. The orchestrator hands it to
// callers for observation and keeps its own reference for heartbeat
// supervision. All methods are safe for concurrent use.
type WorkerHandle struct {
	issueID   string
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}

	mu       sync.Mutex
	lastBeat time.Time
	finished bool
}

func newHandle(issueID string, now time.Time) *WorkerHandle {
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerHandle{
		issueID:   issueID,
		startedAt: now,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		lastBeat:  now,
	}
}

// IssueID returns the issue this worker analyzes.
func (h *WorkerHandle) IssueID() string { return h.issueID }

// StartedAt returns when the worker was spawned.
func (h *WorkerHandle) StartedAt() time.Time { return h.startedAt }

// Done is closed when the worker goroutine has fully exited.
func (h *WorkerHandle) Done() <-chan struct{} { return h.done }

// Beat records a liveness heartbeat. Workers call it at every checkpoint and
// on engine progress.
func (h *WorkerHandle) Beat() {
	h.mu.Lock()
	h.lastBeat = time.Now()
	h.mu.Unlock()
}

// LastBeat returns the time of the most recent heartbeat.
func (h *WorkerHandle) LastBeat() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastBeat
}

// markFinished claims the terminal bookkeeping for this worker. Exactly one
// caller gets true: either the worker's own completion path or the heartbeat
// monitor declaring it dead.
func (h *WorkerHandle) markFinished() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return false
	}
	h.finished = true
	return true
}

func (h *WorkerHandle) isFinished() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finished
}
