// Package registry is the system of record for issues. It owns creation,
// lookup and every status transition. Transitions are validated against the
// lifecycle table in core and serialized per issue: concurrent callers racing
// on the same issue see exactly one winner, the rest receive
// InvalidStateTransition.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/studiorosalind/triage/core"
	"github.com/studiorosalind/triage/logging"
)

var (
	// ErrIssueNotFound is returned when no issue exists for the given id.
	ErrIssueNotFound = errors.New("issue not found")

	// ErrStaleStatus is returned by Store.Update when the stored status no
	// longer matches the expected one. The registry maps it onto
	// InvalidStateTransition for callers.
	ErrStaleStatus = errors.New("issue status changed concurrently")
)

// ListFilter narrows List results. Zero values mean "no constraint".
type ListFilter struct {
	Status core.IssueStatus
	Limit  int
}

// Store persists issue records. Update is conditional: it must compare the
// stored status against expectStatus and return ErrStaleStatus on mismatch,
// so that lifecycle races lost below the registry's own locking still cannot
// double-apply a transition.
type Store interface {
	Create(ctx context.Context, issue *core.Issue) error
	Get(ctx context.Context, id string) (*core.Issue, error)
	List(ctx context.Context, filter ListFilter) ([]*core.Issue, error)
	Update(ctx context.Context, issue *core.Issue, expectStatus core.IssueStatus) error
	Close() error
}

// NewIssue carries the caller supplied fields of a submission.
type NewIssue struct {
	Title              string
	Description        string
	Source             core.IssueSource
	ErrorMessage       string
	StackTrace         string
	EventTransactionID string
	Metadata           map[string]string
}

// Options configures a Registry.
type Options struct {
	// Store persists records. Defaults to an in-memory implementation.
	Store Store
	// Logger receives transition diagnostics. Defaults to NoOp.
	Logger logging.Logger
	// Clock supplies timestamps; override in tests. Defaults to time.Now.
	Clock func() time.Time
}

// Registry validates and serializes all issue lifecycle operations.
type Registry struct {
	store  Store
	logger logging.Logger
	clock  func() time.Time

	// Per-issue transition locks, lazily created and retained for the
	// registry lifetime.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Registry with optional overrides.
func New(optFns ...func(o *Options)) *Registry {
	opts := Options{
		Store:  NewInMemoryStore(),
		Logger: logging.NoOpLogger{},
		Clock:  time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Registry{
		store:  opts.Store,
		logger: opts.Logger,
		clock:  opts.Clock,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Store exposes the underlying store, mainly for wiring and tests.
func (r *Registry) Store() Store { return r.store }

// Create validates the submission and persists a NEW issue.
func (r *Registry) Create(ctx context.Context, in NewIssue) (*core.Issue, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, &core.ValidationError{Field: "title", Message: "must not be empty"}
	}
	if strings.TrimSpace(in.Description) == "" {
		return nil, &core.ValidationError{Field: "description", Message: "must not be empty"}
	}
	source := in.Source
	if source == "" {
		source = core.SourceAPI
	}
	if !source.Valid() {
		return nil, &core.ValidationError{Field: "source", Message: fmt.Sprintf("unknown source %q", in.Source)}
	}

	now := r.clock().UTC()
	issue := &core.Issue{
		ID:                 core.NewIssueID(),
		Title:              in.Title,
		Description:        in.Description,
		Status:             core.StatusNew,
		Source:             source,
		ErrorMessage:       in.ErrorMessage,
		StackTrace:         in.StackTrace,
		EventTransactionID: in.EventTransactionID,
		Metadata:           in.Metadata,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := r.store.Create(ctx, issue); err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}

	r.logger.Info("registry.issue.created", "issue_id", issue.ID, "source", string(source))
	return issue.Clone(), nil
}

// Get returns the issue with the given id or ErrIssueNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*core.Issue, error) {
	return r.store.Get(ctx, id)
}

// List returns issues matching the filter, newest first.
func (r *Registry) List(ctx context.Context, filter ListFilter) ([]*core.Issue, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, &core.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", filter.Status)}
	}
	return r.store.List(ctx, filter)
}

// TransitionOption attaches payload to a transition.
type TransitionOption func(*transitionSpec)

type transitionSpec struct {
	solution *core.Solution
	reason   core.FailureReason
}

// WithSolution attaches the solution persisted atomically with the RESOLVED
// transition. Required for RESOLVED, rejected for any other target.
func WithSolution(s *core.Solution) TransitionOption {
	return func(spec *transitionSpec) { spec.solution = s }
}

// WithFailureReason attaches the reason recorded with the FAILED transition.
// Required for FAILED, rejected for any other target.
func WithFailureReason(reason core.FailureReason) TransitionOption {
	return func(spec *transitionSpec) { spec.reason = reason }
}

// Transition moves an issue to the target status, enforcing the lifecycle
// table and the payload rules: RESOLVED requires a valid solution, FAILED
// requires a failure reason. Concurrent transitions on the same issue are
// serialized; losers receive *core.InvalidStateTransitionError.
func (r *Registry) Transition(ctx context.Context, id string, target core.IssueStatus, optFns ...TransitionOption) (*core.Issue, error) {
	var spec transitionSpec
	for _, fn := range optFns {
		fn(&spec)
	}

	if !target.Valid() {
		return nil, &core.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", target)}
	}
	switch target {
	case core.StatusResolved:
		if err := spec.solution.Validate(); err != nil {
			return nil, err
		}
		if spec.reason != "" {
			return nil, &core.ValidationError{Field: "failure_reason", Message: "only valid with FAILED"}
		}
	case core.StatusFailed:
		if !spec.reason.Valid() {
			return nil, &core.ValidationError{Field: "failure_reason", Message: "required for FAILED"}
		}
		if spec.solution != nil {
			return nil, &core.ValidationError{Field: "solution", Message: "only valid with RESOLVED"}
		}
	default:
		if spec.solution != nil {
			return nil, &core.ValidationError{Field: "solution", Message: "only valid with RESOLVED"}
		}
		if spec.reason != "" {
			return nil, &core.ValidationError{Field: "failure_reason", Message: "only valid with FAILED"}
		}
	}

	lock := r.issueLock(id)
	lock.Lock()
	defer lock.Unlock()

	issue, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	from := issue.Status
	if !core.CanTransition(from, target) {
		return nil, &core.InvalidStateTransitionError{ID: id, From: from, To: target}
	}

	issue.Status = target
	issue.UpdatedAt = r.clock().UTC()
	switch target {
	case core.StatusResolved:
		issue.Solution = spec.solution.Clone()
	case core.StatusFailed:
		issue.FailureReason = spec.reason
	}

	if err := r.store.Update(ctx, issue, from); err != nil {
		if errors.Is(err, ErrStaleStatus) {
			// Lost a race below our lock (e.g. a second registry on the same
			// store). Report against the freshest status we can read.
			if fresh, gerr := r.store.Get(ctx, id); gerr == nil {
				from = fresh.Status
			}
			return nil, &core.InvalidStateTransitionError{ID: id, From: from, To: target}
		}
		return nil, fmt.Errorf("update issue: %w", err)
	}

	r.logger.Info("registry.issue.transitioned", "issue_id", id, "from", string(from), "to", string(target))
	return issue.Clone(), nil
}

func (r *Registry) issueLock(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[id] = lock
	}
	return lock
}
