package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/studiorosalind/triage/core"
	"github.com/studiorosalind/triage/registry"
)

const maxBodyBytes = 1 << 20

type createIssueRequest struct {
	Title              string            `json:"title"`
	Description        string            `json:"description"`
	Source             string            `json:"source"`
	ErrorMessage       string            `json:"error_message"`
	StackTrace         string            `json:"stack_trace"`
	EventTransactionID string            `json:"event_transaction_id"`
	Metadata           map[string]string `json:"metadata"`
}

func (s *Server) handleCreateIssue(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: errorBody{
				Code:    "validation_error",
				Message: "request body exceeds the size limit",
			}})
			return
		}
		s.writeError(w, &core.ValidationError{Message: "unable to read request body"})
		return
	}

	var req createIssueRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, &core.ValidationError{Message: "request body is not valid JSON"})
		return
	}
	if req.Source == "" {
		req.Source = string(core.SourceAPI)
	}

	issue, err := s.triage.Submit(r.Context(), registry.NewIssue{
		Title:              req.Title,
		Description:        req.Description,
		Source:             core.IssueSource(req.Source),
		ErrorMessage:       req.ErrorMessage,
		StackTrace:         req.StackTrace,
		EventTransactionID: req.EventTransactionID,
		Metadata:           req.Metadata,
	})
	if err != nil {
		// The record may exist even when the spawn was declined; the
		// envelope carries its id so the caller can retry the analysis.
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, issue)
}

func (s *Server) handleListIssues(w http.ResponseWriter, r *http.Request) {
	var filter registry.ListFilter

	if v := r.URL.Query().Get("status"); v != "" {
		status := core.IssueStatus(v)
		if !status.Valid() {
			s.writeError(w, &core.ValidationError{Field: "status", Message: "unknown status " + strconv.Quote(v)})
			return
		}
		filter.Status = status
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			s.writeError(w, &core.ValidationError{Field: "limit", Message: "limit must be a positive integer"})
			return
		}
		filter.Limit = limit
	}

	issues, err := s.triage.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if issues == nil {
		issues = []*core.Issue{}
	}
	writeJSON(w, http.StatusOK, issues)
}

func (s *Server) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	issue, err := s.triage.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

func (s *Server) handleCancelIssue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.triage.Cancel(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":   "cancelling",
		"issue_id": id,
	})
}

type providerInfo struct {
	Name       string   `json:"name"`
	Operations []string `json:"operations"`
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	prx := s.triage.Proxy()
	infos := []providerInfo{}
	for _, name := range prx.Providers() {
		infos = append(infos, providerInfo{Name: name, Operations: prx.Operations(name)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": infos})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"engine":         s.triage.EngineName(),
		"active_workers": len(s.triage.Active()),
	})
}
