// Package engine defines the analysis engine abstraction. An engine takes an
// issue plus its gathered context bundle and produces a structured solution.
// Implementations wrap LLM providers (see the anthropic and openai
// subpackages) or run scripted for tests and demos.
package engine

import (
	"context"

	"github.com/studiorosalind/triage/core"
)

// Request carries everything an engine needs for one analysis.
type Request struct {
	// Issue is the record under analysis. Engines must not mutate it.
	Issue *core.Issue

	// Bundle is the gathered context. Slots may be unavailable; engines
	// work with whatever is present.
	Bundle *core.ContextBundle

	// Progress, when non-nil, receives short human-readable updates while
	// the engine works. Calls must be cheap and non-blocking for the
	// engine; implementations may drop updates.
	Progress func(message string)
}

// Engine produces a solution for an issue.
//
// Analyze blocks until the solution is ready, the context ends, or the
// engine fails. Implementations honor ctx cancellation promptly.
type Engine interface {
	// Name identifies the engine ("anthropic", "openai", "scripted").
	Name() string

	Analyze(ctx context.Context, req Request) (*core.Solution, error)
}

// Report invokes the progress callback if one is set.
func (r Request) Report(message string) {
	if r.Progress != nil {
		r.Progress(message)
	}
}
