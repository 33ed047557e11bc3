package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/studiorosalind/triage/core"
)

// ScriptedOptions configures a Scripted engine.
type ScriptedOptions struct {
	// StepDelay is slept between progress updates, so demos stream visibly.
	// Zero runs at full speed.
	StepDelay time.Duration

	// Solution, when set, is returned verbatim instead of the synthesized
	// one.
	Solution *core.Solution

	// Err, when set, fails every analysis with this error.
	Err error
}

// Scripted is a deterministic in-memory engine for tests, examples and the
// demo command. It emits the same progress updates a model-backed engine
// would and synthesizes a solution from whatever context is available.
type Scripted struct {
	opts ScriptedOptions
}

var _ Engine = (*Scripted)(nil)

// NewScripted creates a Scripted engine.
func NewScripted(optFns ...func(o *ScriptedOptions)) *Scripted {
	opts := ScriptedOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Scripted{opts: opts}
}

// Name implements Engine.
func (s *Scripted) Name() string { return "scripted" }

// Analyze implements Engine.
func (s *Scripted) Analyze(ctx context.Context, req Request) (*core.Solution, error) {
	if s.opts.Err != nil {
		return nil, s.opts.Err
	}

	steps := []string{
		"Reviewing the reported error and stack trace",
		"Correlating runtime context with recent changes",
		"Drafting remediation steps",
	}
	for _, msg := range steps {
		if err := s.pause(ctx); err != nil {
			return nil, err
		}
		req.Report(msg)
	}
	if err := s.pause(ctx); err != nil {
		return nil, err
	}

	if s.opts.Solution != nil {
		return s.opts.Solution.Clone(), nil
	}
	return synthesize(req.Issue, req.Bundle), nil
}

func (s *Scripted) pause(ctx context.Context) error {
	if s.opts.StepDelay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.opts.StepDelay):
		return nil
	}
}

// synthesize builds a plausible solution out of the gathered evidence.
func synthesize(issue *core.Issue, bundle *core.ContextBundle) *core.Solution {
	sol := &core.Solution{
		RootCause:   fmt.Sprintf("Probable defect behind %q based on the gathered context.", issue.Title),
		Explanation: "Synthesized from the available cause and history context.",
	}

	if bundle != nil && bundle.CauseAvailable() && bundle.Cause.StackTrace != nil {
		st := bundle.Cause.StackTrace
		sol.RootCause = fmt.Sprintf("%s: %s", st.ExceptionType, st.ExceptionMessage)
		if len(st.Frames) > 0 {
			f := st.Frames[0]
			sol.Steps = append(sol.Steps, core.SolutionStep{
				StepNumber:  1,
				Description: fmt.Sprintf("Inspect %s line %d (%s) where the exception originates.", f.FilePath, f.LineNumber, f.MethodName),
			})
		}
	}

	if bundle != nil && bundle.HistoryAvailable() {
		for _, sim := range bundle.History.SimilarIssues {
			sol.References = append(sol.References, sim.IssueID)
		}
	}

	sol.Steps = append(sol.Steps, core.SolutionStep{
		StepNumber:  len(sol.Steps) + 1,
		Description: "Add a guard for the failing condition and cover it with a regression test.",
		Commands:    []string{"make test"},
	})
	return sol
}
