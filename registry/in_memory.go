package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/studiorosalind/triage/core"
)

// InMemoryStore is a volatile Store implementation keeping issues in a
// process local map. It is safe for concurrent access and best suited for
// tests and ephemeral demo daemons. Records are cloned on the way in and out
// to prevent external mutation of internal state.
type InMemoryStore struct {
	mu     sync.RWMutex
	issues map[string]*core.Issue
	order  []string // creation order, oldest first
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore constructs an empty in-memory issue store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{issues: make(map[string]*core.Issue)}
}

// Create stores a clone of the issue, rejecting duplicate ids.
func (s *InMemoryStore) Create(_ context.Context, issue *core.Issue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.issues[issue.ID]; ok {
		return fmt.Errorf("issue %s already exists", issue.ID)
	}
	s.issues[issue.ID] = issue.Clone()
	s.order = append(s.order, issue.ID)
	return nil
}

// Get returns a clone of the stored issue or ErrIssueNotFound.
func (s *InMemoryStore) Get(_ context.Context, id string) (*core.Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	issue, ok := s.issues[id]
	if !ok {
		return nil, ErrIssueNotFound
	}
	return issue.Clone(), nil
}

// List returns clones matching the filter, newest first.
func (s *InMemoryStore) List(_ context.Context, filter ListFilter) ([]*core.Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Issue, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		issue := s.issues[s.order[i]]
		if filter.Status != "" && issue.Status != filter.Status {
			continue
		}
		out = append(out, issue.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Update replaces the stored record if its status still matches expectStatus.
func (s *InMemoryStore) Update(_ context.Context, issue *core.Issue, expectStatus core.IssueStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.issues[issue.ID]
	if !ok {
		return ErrIssueNotFound
	}
	if stored.Status != expectStatus {
		return ErrStaleStatus
	}
	s.issues[issue.ID] = issue.Clone()
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
