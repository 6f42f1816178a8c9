package stage

import (
	"context"
	"fmt"
	"time"

	"github.com/vigiasec/scanpipe/pkg/errors"
	"github.com/vigiasec/scanpipe/pkg/logging"
)

// Store is the slice of the lifecycle store the runner needs.
type Store interface {
	HasArtifact(scanID, stage string) bool
	GetArtifact(scanID, stage string) ([]byte, error)
	PutArtifact(scanID, stage string, artifact any) error
	HasReport(scanID string) bool
	PutReport(scanID string, report any) error
}

// Runner executes a scan's stage chain strictly sequentially: each
// stage exactly once, in declared order, single-threaded. Later
// stages consume earlier stages' persisted artifacts, so no two
// stages ever run concurrently.
type Runner struct {
	store  Store
	logger logging.Logger
}

// NewRunner creates a runner over the given store.
func NewRunner(store Store, logger logging.Logger) *Runner {
	if logger == nil {
		logger = &logging.NopLogger{}
	}
	return &Runner{store: store, logger: logger}
}

// Run executes the chain for one scan. The run is idempotent: stages
// whose artifact already exists are skipped, so re-invoking the
// runner after a partial failure resumes where it left off. A missing
// dependency or a stage failure aborts the remaining stages; the
// runner never auto-retries a stage.
func (r *Runner) Run(ctx context.Context, scanID string, stages []Stage) error {
	if err := ValidateChain(stages); err != nil {
		return errors.E(errors.KindValidation, "stage.Run", "invalid stage chain", err)
	}

	for _, s := range stages {
		if r.completed(scanID, s) {
			r.logger.Info("scan %s: stage %s already complete, skipping", scanID, s.Name)
			continue
		}

		inputs, err := r.resolveInputs(scanID, s)
		if err != nil {
			return err
		}

		r.logger.Info("scan %s: running stage %s", scanID, s.Name)
		artifact, err := r.execute(ctx, s, inputs)
		if err != nil {
			return err
		}

		if err := r.persist(scanID, s, artifact); err != nil {
			return err
		}
		r.logger.Info("scan %s: stage %s complete", scanID, s.Name)
	}
	return nil
}

func (r *Runner) completed(scanID string, s Stage) bool {
	if s.Produces == ArtifactFinalReport {
		return r.store.HasReport(scanID)
	}
	return r.store.HasArtifact(scanID, s.Name)
}

// resolveInputs verifies every declared upstream artifact exists and
// is readable before the stage runs. Any gap fails fast, naming the
// stage and the missing artifact, and later stages never run.
func (r *Runner) resolveInputs(scanID string, s Stage) (Inputs, error) {
	in := Inputs{ScanID: scanID, Artifacts: make(map[string][]byte, len(s.DependsOn))}
	for _, dep := range s.DependsOn {
		if !r.store.HasArtifact(scanID, dep) {
			return Inputs{}, errors.E(errors.KindMissingDependency, "stage.Run",
				fmt.Sprintf("stage %q requires artifact %q, which does not exist for scan %s", s.Name, dep, scanID))
		}
		data, err := r.store.GetArtifact(scanID, dep)
		if err != nil {
			return Inputs{}, errors.E(errors.KindMissingDependency, "stage.Run",
				fmt.Sprintf("stage %q could not read artifact %q", s.Name, dep), err)
		}
		in.Artifacts[dep] = data
	}
	return in, nil
}

// execute runs the stage under its timeout budget. A deadline hit is
// reported as a timeout, distinct from a content error, so callers
// can tell "stuck" from "errored".
func (r *Runner) execute(ctx context.Context, s Stage, in Inputs) (any, error) {
	runCtx := ctx
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	start := time.Now()
	artifact, err := s.Executor.Execute(runCtx, in)
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, errors.E(errors.KindTimeout, "stage.Run",
				fmt.Sprintf("stage %q exceeded its %s budget", s.Name, s.Timeout), err)
		}
		return nil, errors.E(errors.GetKind(err), "stage.Run",
			fmt.Sprintf("stage %q failed after %s", s.Name, time.Since(start).Round(time.Millisecond)), err)
	}
	return artifact, nil
}

func (r *Runner) persist(scanID string, s Stage, artifact any) error {
	if s.Produces == ArtifactFinalReport {
		if err := r.store.PutReport(scanID, artifact); err != nil {
			return errors.E(errors.GetKind(err), "stage.Run",
				fmt.Sprintf("stage %q could not persist report", s.Name), err)
		}
		return nil
	}
	if err := r.store.PutArtifact(scanID, s.Name, artifact); err != nil {
		return errors.E(errors.KindInternal, "stage.Run",
			fmt.Sprintf("stage %q could not persist artifact", s.Name), err)
	}
	return nil
}
