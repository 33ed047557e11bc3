// Package prompt renders issues and context bundles into model prompts and
// parses the structured solution out of model output.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/studiorosalind/triage/core"
)

// System is the instruction block shared by all model-backed engines. The
// model must answer with a single JSON object matching core.Solution.
const System = `You are an expert software incident analyst. You are given a reported issue
together with runtime cause context (stack traces, logs, recent I/O) and
historical context (similar resolved issues, recent code changes, deployments).

Determine the root cause and produce a concrete, step-by-step fix.

Respond with a single JSON object and nothing else, using exactly this shape:

{
  "root_cause": "one-paragraph diagnosis",
  "explanation": "how the evidence supports the diagnosis",
  "steps": [
    {
      "step_number": 1,
      "description": "what to do",
      "code_changes": {"path/to/file": "replacement code or diff"},
      "commands": ["commands to run, if any"]
    }
  ],
  "references": ["related issue ids or documents"]
}

Steps must be ordered and actionable. If context is marked unavailable, work
from what remains and say so in the explanation.`

// Build renders the user prompt for one analysis.
func Build(issue *core.Issue, bundle *core.ContextBundle) string {
	var b strings.Builder

	b.WriteString("# Issue\n\n")
	fmt.Fprintf(&b, "Title: %s\n", issue.Title)
	fmt.Fprintf(&b, "Description: %s\n", issue.Description)
	if issue.ErrorMessage != "" {
		fmt.Fprintf(&b, "Error message: %s\n", issue.ErrorMessage)
	}
	if issue.StackTrace != "" {
		fmt.Fprintf(&b, "\nReported stack trace:\n```\n%s\n```\n", issue.StackTrace)
	}

	b.WriteString("\n# Cause Context\n\n")
	writeSection(&b, bundle.Cause, bundle.CauseNote)

	b.WriteString("\n# History Context\n\n")
	writeSection(&b, bundle.History, bundle.HistoryNote)

	return b.String()
}

// writeSection renders a context slot as indented JSON, or its
// unavailability note.
func writeSection(b *strings.Builder, slot any, note string) {
	if note != "" {
		fmt.Fprintf(b, "(%s)\n", note)
		return
	}
	raw, err := json.MarshalIndent(slot, "", "  ")
	if err != nil {
		b.WriteString("(context could not be rendered)\n")
		return
	}
	b.Write(raw)
	b.WriteString("\n")
}

// ParseSolution extracts the solution object from model output. Models often
// wrap JSON in markdown fences or leading prose; both are tolerated.
func ParseSolution(text string) (*core.Solution, error) {
	raw := extractJSON(text)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in model output")
	}

	var sol core.Solution
	if err := json.Unmarshal([]byte(raw), &sol); err != nil {
		return nil, fmt.Errorf("decode solution: %w", err)
	}
	if err := sol.Validate(); err != nil {
		return nil, fmt.Errorf("model output is not a usable solution: %w", err)
	}

	// Normalize step numbering so downstream consumers can trust it.
	for i := range sol.Steps {
		sol.Steps[i].StepNumber = i + 1
	}
	return &sol, nil
}

// extractJSON returns the first top-level JSON object in text, honoring
// fenced blocks first.
func extractJSON(text string) string {
	if fenced := insideFence(text); fenced != "" {
		text = fenced
	}
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// insideFence returns the body of the first markdown code fence, if any.
func insideFence(text string) string {
	open := strings.Index(text, "```")
	if open < 0 {
		return ""
	}
	rest := text[open+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:] // skip the language tag line
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return ""
	}
	return rest[:end]
}
