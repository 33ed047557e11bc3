// Package httpapi exposes issue submission, inspection and event streaming
// over REST and SSE. It is a thin layer over the triage façade: handlers
// translate HTTP to façade calls and map the shared error taxonomy onto
// status codes, but hold no analysis logic of their own.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/studiorosalind/triage"
	"github.com/studiorosalind/triage/core"
	"github.com/studiorosalind/triage/hub"
	"github.com/studiorosalind/triage/logging"
	"github.com/studiorosalind/triage/registry"
)

// Options configures the HTTP server.
type Options struct {
	// Addr is the listen address. Defaults to ":8383".
	Addr string

	// SSEKeepalive is the interval between comment lines on idle event
	// streams, so intermediaries do not reap the connection. Defaults to
	// 15 seconds.
	SSEKeepalive time.Duration

	// Logger receives server lifecycle and request failure diagnostics.
	// Defaults to NoOp.
	Logger logging.Logger
}

// Server serves the REST + SSE API.
type Server struct {
	opts   Options
	logger logging.Logger
	triage *triage.Triage

	mu       sync.Mutex
	httpSrv  *http.Server
	listener net.Listener
}

// New creates a Server over the given façade.
func New(t *triage.Triage, optFns ...func(o *Options)) *Server {
	opts := Options{
		Addr:         ":8383",
		SSEKeepalive: 15 * time.Second,
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Server{
		opts:   opts,
		logger: opts.Logger,
		triage: t,
	}
}

// Handler returns the route table. It is exposed so tests and embedders can
// serve the API without binding a socket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/issues", s.handleCreateIssue)
	mux.HandleFunc("GET /api/issues", s.handleListIssues)
	mux.HandleFunc("GET /api/issues/{id}", s.handleGetIssue)
	mux.HandleFunc("POST /api/issues/{id}/cancel", s.handleCancelIssue)
	mux.HandleFunc("GET /api/issues/{id}/events", s.handleStreamEvents)
	mux.HandleFunc("GET /api/providers", s.handleProviders)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// Start binds the listener and serves in the background. ctx becomes the
// base context of every request.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("httpapi: server already started")
	}

	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen %s: %w", s.opts.Addr, err)
	}
	s.listener = listener

	// WriteTimeout stays zero: a deadline would sever long-lived event
	// streams mid-analysis.
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.httpSrv = srv

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("httpapi.serve.error", "error", err.Error())
		}
	}()
	s.logger.Info("httpapi.listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address once the server has started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.httpSrv = nil
	s.listener = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// errorBody is the uniform error envelope. IssueID is set when the failure
// is tied to a specific issue, so clients can recover the record behind a
// rejected call.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	IssueID string `json:"issue_id,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps a taxonomy error onto a status code and the error
// envelope.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("httpapi.request.failed", "status", status, "code", body.Code, "error", err.Error())
	}
	writeJSON(w, status, errorResponse{Error: body})
}

func classify(err error) (int, errorBody) {
	var (
		validationErr *core.ValidationError
		transitionErr *core.InvalidStateTransitionError
		spawnErr      *core.SpawnError
		notFoundErr   *core.NotFoundError
		providerErr   *core.ProviderError
	)
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, errorBody{Code: "validation_error", Message: validationErr.Error()}
	case errors.Is(err, registry.ErrIssueNotFound):
		return http.StatusNotFound, errorBody{Code: "not_found", Message: err.Error()}
	case errors.As(err, &transitionErr):
		return http.StatusConflict, errorBody{Code: "invalid_state_transition", Message: transitionErr.Error(), IssueID: transitionErr.ID}
	case errors.As(err, &spawnErr):
		return http.StatusServiceUnavailable, errorBody{Code: "spawn_error", Message: spawnErr.Error(), IssueID: spawnErr.IssueID}
	case errors.As(err, &notFoundErr):
		return http.StatusNotFound, errorBody{Code: "not_found", Message: notFoundErr.Error()}
	case errors.As(err, &providerErr):
		return http.StatusBadGateway, errorBody{Code: "provider_error", Message: providerErr.Error()}
	case errors.Is(err, hub.ErrChannelRetired):
		return http.StatusGone, errorBody{Code: "stream_retired", Message: "the event stream has been retired; fetch the issue record instead"}
	default:
		return http.StatusInternalServerError, errorBody{Code: "internal_error", Message: err.Error()}
	}
}
