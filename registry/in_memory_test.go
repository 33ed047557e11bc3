package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/studiorosalind/triage/core"
)

func storeIssue(id string, status core.IssueStatus) *core.Issue {
	now := time.Now().UTC()
	return &core.Issue{
		ID:          id,
		Title:       "t",
		Description: "d",
		Status:      status,
		Source:      core.SourceAPI,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestInMemoryStore_CreateDuplicate(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	if err := s.Create(ctx, storeIssue("a", core.StatusNew)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, storeIssue("a", core.StatusNew)); err == nil {
		t.Fatal("duplicate create should fail")
	}
}

func TestInMemoryStore_UpdateStaleStatus(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	if err := s.Create(ctx, storeIssue("a", core.StatusAnalyzing)); err != nil {
		t.Fatalf("create: %v", err)
	}

	upd := storeIssue("a", core.StatusResolved)
	if err := s.Update(ctx, upd, core.StatusNew); !errors.Is(err, ErrStaleStatus) {
		t.Fatalf("expected ErrStaleStatus, got %v", err)
	}
	if err := s.Update(ctx, upd, core.StatusAnalyzing); err != nil {
		t.Fatalf("conditional update with matching status: %v", err)
	}

	got, err := s.Get(ctx, "a")
	if err != nil || got.Status != core.StatusResolved {
		t.Fatalf("Get after update = %+v, %v", got, err)
	}
}

func TestInMemoryStore_UpdateUnknown(t *testing.T) {
	s := NewInMemoryStore()
	err := s.Update(context.Background(), storeIssue("ghost", core.StatusNew), core.StatusNew)
	if !errors.Is(err, ErrIssueNotFound) {
		t.Fatalf("expected ErrIssueNotFound, got %v", err)
	}
}

func TestInMemoryStore_CloneIsolation(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	orig := storeIssue("a", core.StatusNew)
	orig.Metadata = map[string]string{"k": "v"}
	if err := s.Create(ctx, orig); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Mutating the caller's copy after Create must not affect the store.
	orig.Metadata["k"] = "changed"
	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Metadata["k"] != "v" {
		t.Error("store shares memory with caller's issue")
	}

	// Mutating a Get result must not affect the store either.
	got.Status = core.StatusFailed
	again, _ := s.Get(ctx, "a")
	if again.Status != core.StatusNew {
		t.Error("Get result shares memory with stored issue")
	}
}
