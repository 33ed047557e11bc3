package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studiorosalind/triage"
	"github.com/studiorosalind/triage/core"
	"github.com/studiorosalind/triage/engine"
	"github.com/studiorosalind/triage/hub"
	"github.com/studiorosalind/triage/orchestrator"
	"github.com/studiorosalind/triage/registry"
)

func newTestServer(t *testing.T, optFns ...func(o *triage.Options)) (*httptest.Server, *triage.Triage) {
	t.Helper()
	tr := triage.New(optFns...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, tr.Shutdown(ctx))
	})

	srv := New(tr)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, tr
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

type errEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		IssueID string `json:"issue_id"`
	} `json:"error"`
}

func sampleBody() map[string]any {
	return map[string]any{
		"title":                "NPE in OrderService",
		"description":          "Submitting an order crashes with a NullPointerException",
		"error_message":        "java.lang.NullPointerException: customer is null",
		"event_transaction_id": "txn-42",
	}
}

func TestServer_CreateAndFetchIssue(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/issues", sampleBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created core.Issue
	decodeInto(t, resp, &created)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, core.SourceAPI, created.Source)
	assert.NotEqual(t, core.StatusNew, created.Status, "analysis starts before the response returns")

	require.Eventually(t, func() bool {
		r, err := http.Get(ts.URL + "/api/issues/" + created.ID)
		if err != nil {
			return false
		}
		var got core.Issue
		decodeInto(t, r, &got)
		return got.Status == core.StatusResolved && got.Solution != nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestServer_CreateRejectsBadInput(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/issues", map[string]any{"description": "no title"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var env errEnvelope
	decodeInto(t, resp, &env)
	assert.Equal(t, "validation_error", env.Error.Code)

	resp, err := http.Post(ts.URL+"/api/issues", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	decodeInto(t, resp, &env)
	assert.Equal(t, "validation_error", env.Error.Code)
}

func TestServer_ListIssues(t *testing.T) {
	ts, tr := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		_, _, err := tr.AnalyzeSync(ctx, triageIssue())
		require.NoError(t, err)
	}

	resp, err := http.Get(ts.URL + "/api/issues")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var issues []core.Issue
	decodeInto(t, resp, &issues)
	require.Len(t, issues, 2)

	resp, err = http.Get(ts.URL + "/api/issues?status=resolved&limit=1")
	require.NoError(t, err)
	decodeInto(t, resp, &issues)
	require.Len(t, issues, 1)
	assert.Equal(t, core.StatusResolved, issues[0].Status)

	resp, err = http.Get(ts.URL + "/api/issues?status=bogus")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/api/issues?limit=zero")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestServer_GetUnknownIssue(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/issues/no-such-id")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var env errEnvelope
	decodeInto(t, resp, &env)
	assert.Equal(t, "not_found", env.Error.Code)
}

func TestServer_CeilingAndCancel(t *testing.T) {
	ts, _ := newTestServer(t, func(o *triage.Options) {
		o.Engine = engine.NewScripted(func(so *engine.ScriptedOptions) {
			so.StepDelay = time.Hour
		})
		o.Orchestrator = orchestrator.Options{MaxWorkers: 1}
	})

	resp := postJSON(t, ts.URL+"/api/issues", sampleBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var busy core.Issue
	decodeInto(t, resp, &busy)

	// Second submission hits the ceiling; the envelope carries the id of
	// the record that was still created.
	resp = postJSON(t, ts.URL+"/api/issues", sampleBody())
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var env errEnvelope
	decodeInto(t, resp, &env)
	assert.Equal(t, "spawn_error", env.Error.Code)
	require.NotEmpty(t, env.Error.IssueID)

	resp, err := http.Get(ts.URL + "/api/issues/" + env.Error.IssueID)
	require.NoError(t, err)
	var queued core.Issue
	decodeInto(t, resp, &queued)
	assert.Equal(t, core.StatusNew, queued.Status)

	// A NEW issue has no analysis to cancel.
	resp = postJSON(t, ts.URL+"/api/issues/"+queued.ID+"/cancel", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	decodeInto(t, resp, &env)
	assert.Equal(t, "invalid_state_transition", env.Error.Code)
	assert.Equal(t, queued.ID, env.Error.IssueID)

	resp = postJSON(t, ts.URL+"/api/issues/"+busy.ID+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		r, err := http.Get(ts.URL + "/api/issues/" + busy.ID)
		if err != nil {
			return false
		}
		var got core.Issue
		decodeInto(t, r, &got)
		return got.Status == core.StatusFailed && got.FailureReason == core.FailureCancelled
	}, 5*time.Second, 20*time.Millisecond)
}

func TestServer_CancelUnknownIssue(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/issues/no-such-id/cancel", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

type sseEvent struct {
	IssueID    string         `json:"issue_id"`
	SequenceNo int64          `json:"sequence_no"`
	Kind       string         `json:"kind"`
	Payload    map[string]any `json:"payload"`
	Timestamp  time.Time      `json:"timestamp"`
}

// readSSE consumes data lines until the stream ends server-side.
func readSSE(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()
	var events []sseEvent
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev sseEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	return events
}

func TestServer_SSEStreamsToTerminal(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/issues", sampleBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var issue core.Issue
	decodeInto(t, resp, &issue)

	stream, err := http.Get(ts.URL + "/api/issues/" + issue.ID + "/events")
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	events := readSSE(t, stream.Body)
	require.NotEmpty(t, events)

	var messages, solutions int
	for i, ev := range events {
		assert.Equal(t, issue.ID, ev.IssueID)
		assert.Equal(t, int64(i+1), ev.SequenceNo)
		switch ev.Kind {
		case "message":
			messages++
		case "solution":
			solutions++
		}
	}
	assert.GreaterOrEqual(t, messages, 3)
	assert.Equal(t, 1, solutions)

	last := events[len(events)-1]
	require.Equal(t, "status", last.Kind)
	assert.Equal(t, "resolved", last.Payload["status"])
}

func TestServer_SSEUnknownIssue(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/issues/no-such-id/events")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	resp.Body.Close()
}

func TestServer_SSERetiredStream(t *testing.T) {
	ts, tr := newTestServer(t, func(o *triage.Options) {
		o.Hub = hub.Options{RetireGrace: 20 * time.Millisecond}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, _, err := tr.AnalyzeSync(ctx, triageIssue())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/api/issues/" + final.ID + "/events")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusGone
	}, 2*time.Second, 20*time.Millisecond)
}

func TestServer_Providers(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/providers")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Providers []struct {
			Name       string   `json:"name"`
			Operations []string `json:"operations"`
		} `json:"providers"`
	}
	decodeInto(t, resp, &body)
	require.Len(t, body.Providers, 2)
	assert.Equal(t, "diagnostics", body.Providers[0].Name)
	assert.Equal(t, []string{"getCauseContext"}, body.Providers[0].Operations)
	assert.Equal(t, "knowledgebase", body.Providers[1].Name)
}

func TestServer_Healthz(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	decodeInto(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "scripted", body["engine"])
}

func TestServer_StartAndShutdown(t *testing.T) {
	tr := triage.New()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, tr.Shutdown(ctx))
	})

	srv := New(tr, func(o *Options) {
		o.Addr = "127.0.0.1:0"
	})
	require.NoError(t, srv.Start(context.Background()))
	require.NotEmpty(t, srv.Addr())

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, srv.Shutdown(ctx), "second shutdown is a no-op")
}

// triageIssue builds a valid submission for tests that go through the
// façade directly.
func triageIssue() registry.NewIssue {
	return registry.NewIssue{
		Title:              "NPE in OrderService",
		Description:        "Submitting an order crashes with a NullPointerException",
		Source:             core.SourceAPI,
		ErrorMessage:       "java.lang.NullPointerException: customer is null",
		EventTransactionID: "txn-42",
	}
}
