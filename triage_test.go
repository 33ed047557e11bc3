package triage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studiorosalind/triage/config"
	"github.com/studiorosalind/triage/core"
	"github.com/studiorosalind/triage/engine"
	"github.com/studiorosalind/triage/orchestrator"
	"github.com/studiorosalind/triage/proxy"
	"github.com/studiorosalind/triage/registry"
)

func sampleIssue() registry.NewIssue {
	return registry.NewIssue{
		Title:              "NPE in OrderService",
		Description:        "Submitting an order crashes with a NullPointerException",
		Source:             core.SourceAPI,
		ErrorMessage:       "java.lang.NullPointerException: customer is null",
		EventTransactionID: "txn-42",
	}
}

func shutdown(t *testing.T, tr *Triage) {
	t.Helper()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, tr.Shutdown(ctx))
	})
}

func TestTriage_AnalyzeSyncResolves(t *testing.T) {
	tr := New()
	shutdown(t, tr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	final, events, err := tr.AnalyzeSync(ctx, sampleIssue())
	require.NoError(t, err)
	require.NotNil(t, final)

	assert.Equal(t, core.StatusResolved, final.Status)
	require.NotNil(t, final.Solution)
	assert.NoError(t, final.Solution.Validate())

	require.NotEmpty(t, events)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.SequenceNo)
	}

	first, ok := events[0].Payload.(core.StatusPayload)
	require.True(t, ok)
	assert.Equal(t, core.StatusAnalyzing, first.Status)

	last, ok := events[len(events)-1].Payload.(core.StatusPayload)
	require.True(t, ok)
	assert.Equal(t, core.StatusResolved, last.Status)

	var messages, solutions int
	for _, ev := range events {
		switch ev.Kind {
		case core.KindMessage:
			messages++
		case core.KindSolution:
			solutions++
		}
	}
	assert.GreaterOrEqual(t, messages, 3)
	assert.Equal(t, 1, solutions)
}

func TestTriage_SubmitReportsCeilingButKeepsIssue(t *testing.T) {
	tr := New(func(o *Options) {
		o.Engine = engine.NewScripted(func(so *engine.ScriptedOptions) {
			so.StepDelay = time.Hour
		})
		o.Orchestrator = orchestrator.Options{MaxWorkers: 1}
	})
	shutdown(t, tr)

	ctx := context.Background()

	busy, err := tr.Submit(ctx, sampleIssue())
	require.NoError(t, err)

	queued, err := tr.Submit(ctx, sampleIssue())
	var spawnErr *core.SpawnError
	require.ErrorAs(t, err, &spawnErr)
	require.NotNil(t, queued, "the record outlives the rejected spawn")

	got, err := tr.Get(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusNew, got.Status)

	// Freeing the slot makes the queued issue analyzable.
	require.NoError(t, tr.Cancel(ctx, busy.ID))
	require.Eventually(t, func() bool {
		return len(tr.Active()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, err = tr.Analyze(ctx, queued.ID)
	require.NoError(t, err)
	require.NoError(t, tr.Cancel(ctx, queued.ID))
}

func TestTriage_SubscribeReplaysFromStart(t *testing.T) {
	tr := New()
	shutdown(t, tr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	issue, err := tr.Submit(ctx, sampleIssue())
	require.NoError(t, err)

	sub, err := tr.Subscribe(issue.ID)
	require.NoError(t, err)
	defer sub.Close()

	var last core.StreamEvent
	for done := false; !done; {
		select {
		case <-ctx.Done():
			t.Fatal("timed out waiting for terminal status")
		case ev, ok := <-sub.Events():
			require.True(t, ok, "subscription dropped: %v", sub.Err())
			require.Equal(t, last.SequenceNo+1, ev.SequenceNo)
			last = ev
			if sp, isStatus := ev.Payload.(core.StatusPayload); isStatus && sp.Status.IsTerminal() {
				done = true
			}
		}
	}

	snap := tr.Snapshot(issue.ID)
	require.NotEmpty(t, snap)
	assert.Equal(t, last.SequenceNo, snap[len(snap)-1].SequenceNo)
}

func TestTriage_NoProvidersStillResolves(t *testing.T) {
	tr := New(func(o *Options) {
		o.Providers = []proxy.Provider{}
	})
	shutdown(t, tr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	final, events, err := tr.AnalyzeSync(ctx, sampleIssue())
	require.NoError(t, err)
	assert.Equal(t, core.StatusResolved, final.Status)

	var notices []string
	for _, ev := range events {
		if sp, ok := ev.Payload.(core.StatusPayload); ok && sp.Detail != "" {
			notices = append(notices, sp.Detail)
		}
	}
	require.Len(t, notices, 2)
	assert.Contains(t, notices[0], "unavailable")
	assert.Contains(t, notices[1], "unavailable")
}

func TestTriage_FromConfigDefaults(t *testing.T) {
	cfg := config.Default()
	tr, err := FromConfig(cfg, nil)
	require.NoError(t, err)
	shutdown(t, tr)

	assert.Equal(t, "scripted", tr.EngineName())
}

func TestTriage_FromConfigSQLite(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Driver = "sqlite"
	cfg.Store.Path = filepath.Join(t.TempDir(), "triage.db")

	tr, err := FromConfig(cfg, nil)
	require.NoError(t, err)
	shutdown(t, tr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	final, _, err := tr.AnalyzeSync(ctx, sampleIssue())
	require.NoError(t, err)
	assert.Equal(t, core.StatusResolved, final.Status)
}

func TestTriage_FromConfigUnknownEngine(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.Provider = "llama"

	_, err := FromConfig(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown engine provider")
}
