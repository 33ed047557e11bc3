package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/studiorosalind/triage/core"
)

func validSolution() *core.Solution {
	return &core.Solution{
		RootCause: "connection pool exhausted",
		Steps:     []core.SolutionStep{{StepNumber: 1, Description: "raise max pool size"}},
	}
}

func newIssue(t *testing.T, r *Registry) *core.Issue {
	t.Helper()
	issue, err := r.Create(context.Background(), NewIssue{
		Title:       "checkout timeouts",
		Description: "p99 latency above 10s since the 13:40 deploy",
	})
	require.NoError(t, err)
	return issue
}

func TestRegistry_CreateDefaults(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := New(func(o *Options) { o.Clock = func() time.Time { return fixed } })

	issue, err := r.Create(context.Background(), NewIssue{
		Title:       "payment 500s",
		Description: "error rate spike",
		Metadata:    map[string]string{"service": "payment"},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, issue.ID)
	assert.Equal(t, core.StatusNew, issue.Status)
	assert.Equal(t, core.SourceAPI, issue.Source)
	assert.Nil(t, issue.Solution)
	assert.Equal(t, fixed, issue.CreatedAt)
	assert.Equal(t, fixed, issue.UpdatedAt)

	stored, err := r.Get(context.Background(), issue.ID)
	require.NoError(t, err)
	assert.Equal(t, issue.ID, stored.ID)
}

func TestRegistry_CreateValidation(t *testing.T) {
	r := New()
	tests := []struct {
		name  string
		in    NewIssue
		field string
	}{
		{"empty title", NewIssue{Description: "d"}, "title"},
		{"blank title", NewIssue{Title: "   ", Description: "d"}, "title"},
		{"empty description", NewIssue{Title: "t"}, "description"},
		{"unknown source", NewIssue{Title: "t", Description: "d", Source: "carrier-pigeon"}, "source"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Create(context.Background(), tt.in)
			var verr *core.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := New()
	_, err := r.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrIssueNotFound)
}

func TestRegistry_HappyPathLifecycle(t *testing.T) {
	r := New()
	issue := newIssue(t, r)

	analyzing, err := r.Transition(context.Background(), issue.ID, core.StatusAnalyzing)
	require.NoError(t, err)
	assert.Equal(t, core.StatusAnalyzing, analyzing.Status)

	resolved, err := r.Transition(context.Background(), issue.ID, core.StatusResolved, WithSolution(validSolution()))
	require.NoError(t, err)
	assert.Equal(t, core.StatusResolved, resolved.Status)
	require.NotNil(t, resolved.Solution)
	assert.Equal(t, "connection pool exhausted", resolved.Solution.RootCause)

	stored, err := r.Get(context.Background(), issue.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Solution)
	assert.Equal(t, core.StatusResolved, stored.Status)
}

func TestRegistry_ResolvedRequiresSolution(t *testing.T) {
	r := New()
	issue := newIssue(t, r)
	_, err := r.Transition(context.Background(), issue.ID, core.StatusAnalyzing)
	require.NoError(t, err)

	_, err = r.Transition(context.Background(), issue.ID, core.StatusResolved)
	var verr *core.ValidationError
	assert.ErrorAs(t, err, &verr)

	// Record untouched: still analyzing, no partial write.
	stored, err := r.Get(context.Background(), issue.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusAnalyzing, stored.Status)
	assert.Nil(t, stored.Solution)
}

func TestRegistry_FailedRequiresReason(t *testing.T) {
	r := New()
	issue := newIssue(t, r)
	_, err := r.Transition(context.Background(), issue.ID, core.StatusAnalyzing)
	require.NoError(t, err)

	_, err = r.Transition(context.Background(), issue.ID, core.StatusFailed)
	var verr *core.ValidationError
	assert.ErrorAs(t, err, &verr)

	failed, err := r.Transition(context.Background(), issue.ID, core.StatusFailed, WithFailureReason(core.FailureAnalysisError))
	require.NoError(t, err)
	assert.Equal(t, core.FailureAnalysisError, failed.FailureReason)
	assert.Nil(t, failed.Solution)
}

func TestRegistry_PayloadOnWrongTarget(t *testing.T) {
	r := New()
	issue := newIssue(t, r)

	_, err := r.Transition(context.Background(), issue.ID, core.StatusAnalyzing, WithSolution(validSolution()))
	var verr *core.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = r.Transition(context.Background(), issue.ID, core.StatusAnalyzing, WithFailureReason(core.FailureCancelled))
	assert.ErrorAs(t, err, &verr)
}

func TestRegistry_InvalidEdges(t *testing.T) {
	r := New()
	issue := newIssue(t, r)

	_, err := r.Transition(context.Background(), issue.ID, core.StatusResolved, WithSolution(validSolution()))
	var terr *core.InvalidStateTransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, core.StatusNew, terr.From)
	assert.Equal(t, core.StatusResolved, terr.To)

	_, err = r.Transition(context.Background(), issue.ID, core.StatusAnalyzing)
	require.NoError(t, err)
	_, err = r.Transition(context.Background(), issue.ID, core.StatusFailed, WithFailureReason(core.FailureCancelled))
	require.NoError(t, err)

	// Terminal records accept nothing further.
	_, err = r.Transition(context.Background(), issue.ID, core.StatusAnalyzing)
	assert.ErrorAs(t, err, &terr)
}

func TestRegistry_ConcurrentTransitionsOneWinner(t *testing.T) {
	r := New()
	issue := newIssue(t, r)
	_, err := r.Transition(context.Background(), issue.ID, core.StatusAnalyzing)
	require.NoError(t, err)

	const racers = 10
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, errs[n] = r.Transition(context.Background(), issue.ID, core.StatusResolved, WithSolution(validSolution()))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		var terr *core.InvalidStateTransitionError
		assert.ErrorAs(t, err, &terr)
	}
	assert.Equal(t, 1, wins, "exactly one racer may apply the transition")

	stored, err := r.Get(context.Background(), issue.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusResolved, stored.Status)
}

func TestRegistry_List(t *testing.T) {
	r := New()
	a := newIssue(t, r)
	b := newIssue(t, r)
	_, err := r.Transition(context.Background(), b.ID, core.StatusAnalyzing)
	require.NoError(t, err)

	all, err := r.List(context.Background(), ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID, "newest first")
	assert.Equal(t, a.ID, all[1].ID)

	analyzing, err := r.List(context.Background(), ListFilter{Status: core.StatusAnalyzing})
	require.NoError(t, err)
	require.Len(t, analyzing, 1)
	assert.Equal(t, b.ID, analyzing[0].ID)

	limited, err := r.List(context.Background(), ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = r.List(context.Background(), ListFilter{Status: "bogus"})
	var verr *core.ValidationError
	assert.ErrorAs(t, err, &verr)
}
