package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/vigiasec/scanpipe/pkg/errors"
	"github.com/vigiasec/scanpipe/pkg/store"
)

func newTestStore(t *testing.T) *store.FileStore {
	t.Helper()
	s, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func recordingStage(name string, deps []string, produces ArtifactType, ran *[]string) Stage {
	return Stage{
		Descriptor: Descriptor{Name: name, DependsOn: deps, Produces: produces},
		Executor: ExecutorFunc(func(ctx context.Context, in Inputs) (any, error) {
			*ran = append(*ran, name)
			return map[string]string{"stage": name}, nil
		}),
	}
}

func TestValidateChain(t *testing.T) {
	noop := ExecutorFunc(func(ctx context.Context, in Inputs) (any, error) { return nil, nil })

	tests := []struct {
		name    string
		stages  []Stage
		wantErr string
	}{
		{
			name: "valid linear chain",
			stages: []Stage{
				{Descriptor: Descriptor{Name: "a", Produces: ArtifactFindingList}, Executor: noop},
				{Descriptor: Descriptor{Name: "b", DependsOn: []string{"a"}, Produces: ArtifactCategoryFragment}, Executor: noop},
				{Descriptor: Descriptor{Name: "c", DependsOn: []string{"a", "b"}, Produces: ArtifactFinalReport}, Executor: noop},
			},
		},
		{
			name:    "empty chain",
			stages:  nil,
			wantErr: "empty",
		},
		{
			name: "duplicate names",
			stages: []Stage{
				{Descriptor: Descriptor{Name: "a", Produces: ArtifactFindingList}, Executor: noop},
				{Descriptor: Descriptor{Name: "a", Produces: ArtifactFinalReport}, Executor: noop},
			},
			wantErr: "duplicate",
		},
		{
			name: "forward dependency",
			stages: []Stage{
				{Descriptor: Descriptor{Name: "a", DependsOn: []string{"b"}, Produces: ArtifactFindingList}, Executor: noop},
				{Descriptor: Descriptor{Name: "b", Produces: ArtifactFinalReport}, Executor: noop},
			},
			wantErr: "not declared before",
		},
		{
			name: "last stage must produce report",
			stages: []Stage{
				{Descriptor: Descriptor{Name: "a", Produces: ArtifactFindingList}, Executor: noop},
			},
			wantErr: "final report",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateChain(tt.stages)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("ValidateChain() error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ValidateChain() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestRun_SequentialExecution(t *testing.T) {
	s := newTestStore(t)
	r := NewRunner(s, nil)

	var ran []string
	stages := []Stage{
		recordingStage("extract", nil, ArtifactFindingList, &ran),
		recordingStage("analyze", []string{"extract"}, ArtifactCategoryFragment, &ran),
		recordingStage("compile", []string{"extract", "analyze"}, ArtifactFinalReport, &ran),
	}

	if err := r.Run(context.Background(), "scan1", stages); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if strings.Join(ran, ",") != "extract,analyze,compile" {
		t.Errorf("execution order = %v", ran)
	}

	// Intermediate artifacts persisted under stage names; the final
	// report through the report path.
	if !s.HasArtifact("scan1", "extract") || !s.HasArtifact("scan1", "analyze") {
		t.Error("intermediate artifacts missing")
	}
	if s.HasArtifact("scan1", "compile") {
		t.Error("final stage should not leave an intermediate artifact")
	}
	if !s.HasReport("scan1") {
		t.Error("final report missing")
	}
	if s.Status("scan1") != store.StatusCompleted {
		t.Errorf("Status = %v, want Concluído", s.Status("scan1"))
	}
}

// fakeStore lets tests simulate artifacts vanishing between runs,
// which the file store's API does not allow.
type fakeStore struct {
	artifacts map[string][]byte
	reports   map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{artifacts: make(map[string][]byte), reports: make(map[string]bool)}
}

func (f *fakeStore) key(scanID, stage string) string { return scanID + "/" + stage }

func (f *fakeStore) HasArtifact(scanID, stage string) bool {
	_, ok := f.artifacts[f.key(scanID, stage)]
	return ok
}

func (f *fakeStore) GetArtifact(scanID, stage string) ([]byte, error) {
	data, ok := f.artifacts[f.key(scanID, stage)]
	if !ok {
		return nil, errors.E(errors.KindNotFound, "fake.GetArtifact", "missing")
	}
	return data, nil
}

func (f *fakeStore) PutArtifact(scanID, stage string, artifact any) error {
	f.artifacts[f.key(scanID, stage)] = []byte("{}")
	return nil
}

func (f *fakeStore) HasReport(scanID string) bool { return f.reports[scanID] }

func (f *fakeStore) PutReport(scanID string, report any) error {
	f.reports[scanID] = true
	return nil
}

func TestRun_MissingDependencyFailsFast(t *testing.T) {
	fs := newFakeStore()
	r := NewRunner(fs, nil)

	// "extract" completed in an earlier run, so it skips. The analyze
	// stage then loses the extract artifact (simulating external
	// deletion) before "compile" checks its dependencies.
	fs.artifacts[fs.key("scan2", "extract")] = []byte("{}")

	var compiled bool
	chain := []Stage{
		{
			Descriptor: Descriptor{Name: "extract", Produces: ArtifactFindingList},
			Executor: ExecutorFunc(func(ctx context.Context, in Inputs) (any, error) {
				t.Error("completed stage must not re-run")
				return nil, nil
			}),
		},
		{
			Descriptor: Descriptor{Name: "analyze", DependsOn: []string{"extract"}, Produces: ArtifactCategoryFragment},
			Executor: ExecutorFunc(func(ctx context.Context, in Inputs) (any, error) {
				delete(fs.artifacts, fs.key("scan2", "extract"))
				return map[string]string{"narrative": "ok"}, nil
			}),
		},
		{
			Descriptor: Descriptor{Name: "compile", DependsOn: []string{"extract", "analyze"}, Produces: ArtifactFinalReport},
			Executor: ExecutorFunc(func(ctx context.Context, in Inputs) (any, error) {
				compiled = true
				return nil, nil
			}),
		},
	}

	err := r.Run(context.Background(), "scan2", chain)
	if err == nil {
		t.Fatal("expected missing-dependency failure")
	}
	if !errors.IsMissingDependency(err) {
		t.Errorf("error kind = %v, want missing_dependency", errors.GetKind(err))
	}
	if !strings.Contains(err.Error(), "compile") || !strings.Contains(err.Error(), "extract") {
		t.Errorf("error should name stage and artifact: %v", err)
	}
	if compiled {
		t.Error("compile must not run with a missing dependency")
	}
}

func TestRun_StageFailureAbortsChain(t *testing.T) {
	s := newTestStore(t)
	r := NewRunner(s, nil)

	var compiled bool
	chain := []Stage{
		{
			Descriptor: Descriptor{Name: "extract", Produces: ArtifactFindingList},
			Executor: ExecutorFunc(func(ctx context.Context, in Inputs) (any, error) {
				return map[string]string{"ok": "yes"}, nil
			}),
		},
		{
			Descriptor: Descriptor{Name: "analyze", DependsOn: []string{"extract"}, Produces: ArtifactCategoryFragment},
			Executor: ExecutorFunc(func(ctx context.Context, in Inputs) (any, error) {
				return nil, errors.E(errors.KindExternal, "test", "analysis exploded")
			}),
		},
		{
			Descriptor: Descriptor{Name: "compile", DependsOn: []string{"analyze"}, Produces: ArtifactFinalReport},
			Executor: ExecutorFunc(func(ctx context.Context, in Inputs) (any, error) {
				compiled = true
				return nil, nil
			}),
		},
	}

	err := r.Run(context.Background(), "scan3", chain)
	if err == nil {
		t.Fatal("expected stage failure")
	}
	if errors.GetKind(err) != errors.KindExternal {
		t.Errorf("error kind = %v, want external", errors.GetKind(err))
	}
	if compiled {
		t.Error("stage after a failed stage must not run")
	}
	// The failed scan never reaches Concluído.
	if s.HasReport("scan3") {
		t.Error("no report should exist after failure")
	}
}

func TestRun_IdempotentResume(t *testing.T) {
	s := newTestStore(t)
	r := NewRunner(s, nil)

	extractRuns, analyzeRuns := 0, 0
	failAnalyze := true
	chain := []Stage{
		{
			Descriptor: Descriptor{Name: "extract", Produces: ArtifactFindingList},
			Executor: ExecutorFunc(func(ctx context.Context, in Inputs) (any, error) {
				extractRuns++
				return map[string]int{"findings": 2}, nil
			}),
		},
		{
			Descriptor: Descriptor{Name: "analyze", DependsOn: []string{"extract"}, Produces: ArtifactCategoryFragment},
			Executor: ExecutorFunc(func(ctx context.Context, in Inputs) (any, error) {
				analyzeRuns++
				if failAnalyze {
					return nil, errors.E(errors.KindExternal, "test", "transient failure")
				}
				if _, ok := in.Artifacts["extract"]; !ok {
					t.Error("analyze did not receive extract artifact")
				}
				return map[string]string{"narrative": "ok"}, nil
			}),
		},
		{
			Descriptor: Descriptor{Name: "compile", DependsOn: []string{"analyze"}, Produces: ArtifactFinalReport},
			Executor: ExecutorFunc(func(ctx context.Context, in Inputs) (any, error) {
				return map[string]string{"summary": "done"}, nil
			}),
		},
	}

	if err := r.Run(context.Background(), "scan4", chain); err == nil {
		t.Fatal("first run should fail at analyze")
	}

	// Second run skips extract (artifact exists) and resumes.
	failAnalyze = false
	if err := r.Run(context.Background(), "scan4", chain); err != nil {
		t.Fatalf("second Run() error: %v", err)
	}
	if extractRuns != 1 {
		t.Errorf("extract ran %d times, want 1", extractRuns)
	}
	if analyzeRuns != 2 {
		t.Errorf("analyze ran %d times, want 2", analyzeRuns)
	}
	if !s.HasReport("scan4") {
		t.Error("report missing after resumed run")
	}

	// A third run is a no-op: the report exists, everything skips.
	if err := r.Run(context.Background(), "scan4", chain); err != nil {
		t.Fatalf("third Run() error: %v", err)
	}
	if extractRuns != 1 || analyzeRuns != 2 {
		t.Errorf("completed stages re-ran: extract=%d analyze=%d", extractRuns, analyzeRuns)
	}
}

func TestRun_DownstreamSeesCompleteArtifact(t *testing.T) {
	s := newTestStore(t)
	r := NewRunner(s, nil)

	const entries = 5000
	payload := make([]string, entries)
	for i := range payload {
		payload[i] = fmt.Sprintf("finding-%05d", i)
	}

	// Concurrent reader polling while the slow producer runs: an
	// artifact must be either absent or complete, never partial.
	stop := make(chan struct{})
	readErr := make(chan error, 1)
	go func() {
		for {
			select {
			case <-stop:
				readErr <- nil
				return
			default:
			}
			data, err := s.GetArtifact("scan6", "slow")
			if err != nil {
				continue // not yet written
			}
			var got []string
			if jerr := json.Unmarshal(data, &got); jerr != nil || len(got) != entries {
				readErr <- fmt.Errorf("torn artifact observed: err=%v len=%d", jerr, len(got))
				return
			}
		}
	}()

	chain := []Stage{
		{
			Descriptor: Descriptor{Name: "slow", Produces: ArtifactFindingList},
			Executor: ExecutorFunc(func(ctx context.Context, in Inputs) (any, error) {
				time.Sleep(30 * time.Millisecond)
				return payload, nil
			}),
		},
		{
			Descriptor: Descriptor{Name: "compile", DependsOn: []string{"slow"}, Produces: ArtifactFinalReport},
			Executor: ExecutorFunc(func(ctx context.Context, in Inputs) (any, error) {
				var got []string
				if err := json.Unmarshal(in.Artifacts["slow"], &got); err != nil {
					t.Errorf("dependent stage received undecodable artifact: %v", err)
				}
				if len(got) != entries || got[entries-1] != payload[entries-1] {
					t.Errorf("dependent stage received partial artifact: %d entries", len(got))
				}
				return map[string]string{"summary": "done"}, nil
			}),
		},
	}

	if err := r.Run(context.Background(), "scan6", chain); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	close(stop)
	if err := <-readErr; err != nil {
		t.Error(err)
	}
}

func TestRun_StageTimeout(t *testing.T) {
	s := newTestStore(t)
	r := NewRunner(s, nil)

	chain := []Stage{
		{
			Descriptor: Descriptor{Name: "slow", Produces: ArtifactFindingList},
			Timeout:    20 * time.Millisecond,
			Executor: ExecutorFunc(func(ctx context.Context, in Inputs) (any, error) {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(time.Second):
					return map[string]string{"late": "result"}, nil
				}
			}),
		},
		{
			Descriptor: Descriptor{Name: "compile", DependsOn: []string{"slow"}, Produces: ArtifactFinalReport},
			Executor:   ExecutorFunc(func(ctx context.Context, in Inputs) (any, error) { return nil, nil }),
		},
	}

	err := r.Run(context.Background(), "scan5", chain)
	if err == nil {
		t.Fatal("expected timeout")
	}
	// A budget overrun is a timeout, distinct from a content error.
	if !errors.IsTimeout(err) {
		t.Errorf("error kind = %v, want timeout", errors.GetKind(err))
	}
}
