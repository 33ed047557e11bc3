package core

import (
	"fmt"
	"strings"
)

// SolutionStep is one ordered remediation action. CodeChanges maps file paths
// to suggested snippets; Commands lists shell commands to run.
type SolutionStep struct {
	StepNumber  int               `json:"step_number"`
	Description string            `json:"description"`
	CodeChanges map[string]string `json:"code_changes,omitempty"`
	Commands    []string          `json:"commands,omitempty"`
}

// Solution is the structured outcome of a successful analysis. A solution is
// attached to its issue atomically with the transition to RESOLVED and is
// never present on an issue in any other status.
type Solution struct {
	RootCause   string         `json:"root_cause"`
	Explanation string         `json:"explanation,omitempty"`
	Steps       []SolutionStep `json:"steps"`
	References  []string       `json:"references,omitempty"`
}

// Validate checks the minimum shape required to resolve an issue: a non-empty
// root cause and at least one step with a description.
func (s *Solution) Validate() error {
	if s == nil {
		return &ValidationError{Field: "solution", Message: "is required"}
	}
	if strings.TrimSpace(s.RootCause) == "" {
		return &ValidationError{Field: "solution.root_cause", Message: "must not be empty"}
	}
	if len(s.Steps) == 0 {
		return &ValidationError{Field: "solution.steps", Message: "must contain at least one step"}
	}
	for idx, step := range s.Steps {
		if strings.TrimSpace(step.Description) == "" {
			return &ValidationError{Field: "solution.steps", Message: fmt.Sprintf("step %d has no description", idx+1)}
		}
	}
	return nil
}

// Clone returns a deep copy of the solution safe for independent mutation.
func (s *Solution) Clone() *Solution {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Steps = make([]SolutionStep, len(s.Steps))
	for i, step := range s.Steps {
		cs := step
		if step.CodeChanges != nil {
			cs.CodeChanges = make(map[string]string, len(step.CodeChanges))
			for k, v := range step.CodeChanges {
				cs.CodeChanges[k] = v
			}
		}
		if step.Commands != nil {
			cs.Commands = append([]string(nil), step.Commands...)
		}
		clone.Steps[i] = cs
	}
	if s.References != nil {
		clone.References = append([]string(nil), s.References...)
	}
	return &clone
}
