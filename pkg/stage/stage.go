// Package stage implements the pipeline stage model and the runner
// that executes a scan's analysis chain.
package stage

import (
	"context"
	"fmt"
	"time"
)

// ArtifactType classifies what a stage produces.
type ArtifactType string

const (
	// ArtifactFindingList - the normalized finding list from extraction.
	ArtifactFindingList ArtifactType = "finding-list"

	// ArtifactCategoryFragment - one category's analysis narrative.
	ArtifactCategoryFragment ArtifactType = "category-fragment"

	// ArtifactFinalReport - the compiled report. Written through the
	// store's report path so the lifecycle derivation sees it.
	ArtifactFinalReport ArtifactType = "final-report"
)

// Descriptor declares one stage: its name, the prior stages whose
// artifacts it consumes, and what it produces. Descriptors are plain
// data; execution behavior is attached separately.
type Descriptor struct {
	Name      string       `json:"name"`
	DependsOn []string     `json:"depends_on,omitempty"`
	Produces  ArtifactType `json:"produces"`
}

// Inputs carries a stage's resolved dependency artifacts, keyed by
// the producing stage's name.
type Inputs struct {
	ScanID    string
	Artifacts map[string][]byte
}

// Executor runs one stage's work and returns the artifact to persist.
type Executor interface {
	Execute(ctx context.Context, in Inputs) (any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, in Inputs) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, in Inputs) (any, error) {
	return f(ctx, in)
}

// Stage binds a descriptor to its executor and execution budget.
type Stage struct {
	Descriptor

	// Timeout is the stage's execution budget. Zero means no stage-
	// level limit beyond the caller's context.
	Timeout time.Duration

	Executor Executor
}

// ValidateChain checks that the stage list forms a valid linear chain:
// unique names, and every dependency naming a previously declared
// stage. Requiring dependencies to point strictly backwards makes the
// graph acyclic by construction.
func ValidateChain(stages []Stage) error {
	declared := make(map[string]bool, len(stages))
	for i, s := range stages {
		if s.Name == "" {
			return fmt.Errorf("stage %d has no name", i)
		}
		if declared[s.Name] {
			return fmt.Errorf("duplicate stage name %q", s.Name)
		}
		if s.Executor == nil {
			return fmt.Errorf("stage %q has no executor", s.Name)
		}
		for _, dep := range s.DependsOn {
			if !declared[dep] {
				return fmt.Errorf("stage %q depends on %q, which is not declared before it", s.Name, dep)
			}
		}
		declared[s.Name] = true
	}
	if len(stages) == 0 {
		return fmt.Errorf("empty stage chain")
	}
	if stages[len(stages)-1].Produces != ArtifactFinalReport {
		return fmt.Errorf("last stage %q must produce the final report", stages[len(stages)-1].Name)
	}
	return nil
}
