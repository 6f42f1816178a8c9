package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vigiasec/scanpipe/pkg/audit"
	"github.com/vigiasec/scanpipe/pkg/classify"
	"github.com/vigiasec/scanpipe/pkg/errors"
	"github.com/vigiasec/scanpipe/pkg/finding"
	"github.com/vigiasec/scanpipe/pkg/llm"
	"github.com/vigiasec/scanpipe/pkg/metrics"
	"github.com/vigiasec/scanpipe/pkg/parsers"
	"github.com/vigiasec/scanpipe/pkg/report"
	"github.com/vigiasec/scanpipe/pkg/stage"
	"github.com/vigiasec/scanpipe/pkg/store"
)

// Stage names of the standard chain. Analysis stage names derive from
// the category so artifact files are self-describing on disk.
const (
	StageExtract = "extract"
	StageCompile = "compile"
)

func analysisStageName(cat finding.Category) string {
	return cat.String() + "-analysis"
}

// FindingArtifact is the extract stage's output: the normalized,
// classified finding list plus the source documents it came from.
type FindingArtifact struct {
	ScanID   string       `json:"scan_id"`
	Sources  []string     `json:"sources,omitempty"`
	Findings finding.List `json:"findings"`
}

// ChainBuilder assembles the standard analysis chain for a scan.
type ChainBuilder struct {
	store     *store.FileStore
	registry  *parsers.Registry
	completer llm.Completer
	compiler  *report.Compiler
	timeout   time.Duration
	audit     *audit.Logger
	metrics   metrics.Collector
}

// NewChainBuilder creates a builder. The audit logger may be nil; the
// metrics collector must not be (use NopCollector).
func NewChainBuilder(s *store.FileStore, reg *parsers.Registry, c llm.Completer,
	comp *report.Compiler, stageTimeout time.Duration, al *audit.Logger, mc metrics.Collector) *ChainBuilder {
	return &ChainBuilder{
		store:     s,
		registry:  reg,
		completer: c,
		compiler:  comp,
		timeout:   stageTimeout,
		audit:     al,
		metrics:   mc,
	}
}

// Build returns the standard chain: extraction, one analysis stage per
// category, then report compilation. Every stage carries the shared
// timeout budget.
func (b *ChainBuilder) Build() []stage.Stage {
	stages := []stage.Stage{{
		Descriptor: stage.Descriptor{Name: StageExtract, Produces: stage.ArtifactFindingList},
		Timeout:    b.timeout,
		Executor:   b.instrument(StageExtract, stage.ExecutorFunc(b.extract)),
	}}

	analysisNames := make([]string, 0, len(finding.Categories()))
	for _, cat := range finding.Categories() {
		name := analysisStageName(cat)
		analysisNames = append(analysisNames, name)
		stages = append(stages, stage.Stage{
			Descriptor: stage.Descriptor{
				Name:      name,
				DependsOn: []string{StageExtract},
				Produces:  stage.ArtifactCategoryFragment,
			},
			Timeout:  b.timeout,
			Executor: b.instrument(name, b.analysisExecutor(cat)),
		})
	}

	stages = append(stages, stage.Stage{
		Descriptor: stage.Descriptor{
			Name:      StageCompile,
			DependsOn: append([]string{StageExtract}, analysisNames...),
			Produces:  stage.ArtifactFinalReport,
		},
		Timeout:  b.timeout,
		Executor: b.instrument(StageCompile, stage.ExecutorFunc(b.compile)),
	})
	return stages
}

// instrument wraps an executor with audit events and stage metrics.
func (b *ChainBuilder) instrument(name string, ex stage.Executor) stage.Executor {
	return stage.ExecutorFunc(func(ctx context.Context, in stage.Inputs) (any, error) {
		b.record(audit.EventStageStarted, in.ScanID, name, "")
		start := time.Now()
		artifact, err := ex.Execute(ctx, in)
		b.metrics.HistogramObserve(metrics.StageDuration.Name, time.Since(start).Seconds(), name)
		if err != nil {
			b.metrics.CounterInc(metrics.StageRunsTotal.Name, name, "failed")
			b.record(audit.EventStageFailed, in.ScanID, name, err.Error())
			return nil, err
		}
		b.metrics.CounterInc(metrics.StageRunsTotal.Name, name, "completed")
		b.record(audit.EventStageCompleted, in.ScanID, name, "")
		return artifact, nil
	})
}

func (b *ChainBuilder) record(t audit.EventType, scanID, stageName, msg string) {
	if b.audit == nil {
		return
	}
	_ = b.audit.Record(audit.Event{Type: t, ScanID: scanID, Stage: stageName, Message: msg})
}

// =============================================================================
// Extract
// =============================================================================

// extract turns a submission's raw material into the classified
// finding list. File submissions are parsed per document; form-only
// submissions yield a synthetic informational finding for the declared
// target so the analysis stages have something to reason about.
func (b *ChainBuilder) extract(ctx context.Context, in stage.Inputs) (any, error) {
	sub, err := b.store.GetSubmission(in.ScanID)
	if err != nil {
		return nil, err
	}

	art := FindingArtifact{ScanID: in.ScanID}
	if len(sub.Files) > 0 {
		if art.Findings, art.Sources, err = b.extractFiles(in.ScanID, sub.Files); err != nil {
			return nil, err
		}
	} else {
		art.Findings = targetFindings(sub)
	}

	art.Findings = classify.Apply(art.Findings)
	return art, nil
}

func (b *ChainBuilder) extractFiles(scanID string, files []string) (finding.List, []string, error) {
	var all finding.List
	var sources []string
	for _, name := range files {
		content, err := b.store.GetUpload(scanID, name)
		if err != nil {
			return nil, nil, err
		}
		found, err := b.registry.Parse(name, content)
		if err != nil {
			return nil, nil, err
		}
		all = append(all, found...)
		sources = append(sources, name)
	}
	// Re-number across documents so ids stay unique per scan.
	for i := range all {
		all[i].ID = i + 1
	}
	return all, sources, nil
}

// targetFindings builds the synthetic finding list for a form-only
// submission. A URL target reads as a web concern, an IP as a network
// concern.
func targetFindings(sub *store.Submission) finding.List {
	var out finding.List
	id := 1
	if sub.TargetURL != "" {
		out = append(out, finding.Finding{
			ID:          id,
			Title:       "Declared web application target",
			Description: fmt.Sprintf("The submission declares the web application %s as the assessment target. No scan output was provided; the target awaits active testing.", sub.TargetURL),
			Category:    finding.CategoryWeb,
			Severity:    finding.SeverityInfo,
			Evidence:    sub.TargetURL,
		})
		id++
	}
	if sub.TargetIP != "" {
		out = append(out, finding.Finding{
			ID:          id,
			Title:       "Declared network target",
			Description: fmt.Sprintf("The submission declares the host %s as the assessment target. No scan output was provided; the target awaits active testing.", sub.TargetIP),
			Category:    finding.CategoryNetwork,
			Severity:    finding.SeverityInfo,
			Evidence:    sub.TargetIP,
			Host:        sub.TargetIP,
		})
	}
	return out
}

// =============================================================================
// Analysis
// =============================================================================

func (b *ChainBuilder) analysisExecutor(cat finding.Category) stage.Executor {
	return stage.ExecutorFunc(func(ctx context.Context, in stage.Inputs) (any, error) {
		var art FindingArtifact
		if err := json.Unmarshal(in.Artifacts[StageExtract], &art); err != nil {
			return nil, errors.E(errors.KindInternal, "worker.analysis", "decode finding artifact", err)
		}

		subset := art.Findings.ByCategory()[cat]
		frag := report.Fragment{Category: cat, Findings: subset}
		if len(subset) == 0 {
			frag.Narrative = emptyNarrative(cat)
			return frag, nil
		}

		msgs, err := analysisMessages(cat, subset)
		if err != nil {
			return nil, errors.E(errors.KindInternal, "worker.analysis", "encode findings", err)
		}
		narrative, err := b.completer.Complete(ctx, msgs)
		if err != nil {
			return nil, err
		}
		frag.Narrative = strings.TrimSpace(narrative)
		return frag, nil
	})
}

// =============================================================================
// Compile
// =============================================================================

// compile assembles the category fragments into the final report. The
// executive summary comes from one last completion call; if that call
// fails the compiler's generated summary is used instead, because a
// finished analysis should not be lost to a summary-writing hiccup.
func (b *ChainBuilder) compile(ctx context.Context, in stage.Inputs) (any, error) {
	var extract FindingArtifact
	if err := json.Unmarshal(in.Artifacts[StageExtract], &extract); err != nil {
		return nil, errors.E(errors.KindInternal, "worker.compile", "decode finding artifact", err)
	}
	// Findings no classification rule matched have no analysis stage;
	// they go into the report as an explicit unclassified list so they
	// are never silently dropped.
	unclassified := extract.Findings.ByCategory()[finding.CategoryUnknown]

	fragments := make(map[finding.Category]report.Fragment, len(finding.Categories()))
	var all finding.List
	var narratives []string
	for _, cat := range finding.Categories() {
		raw, ok := in.Artifacts[analysisStageName(cat)]
		if !ok {
			continue
		}
		var frag report.Fragment
		if err := json.Unmarshal(raw, &frag); err != nil {
			return nil, errors.E(errors.KindInternal, "worker.compile",
				fmt.Sprintf("decode %s fragment", cat), err)
		}
		fragments[cat] = frag
		all = append(all, frag.Findings...)
		narratives = append(narratives, frag.Narrative)
	}

	all = append(all, unclassified...)
	summary := ""
	if s, err := b.completer.Complete(ctx, summaryMessages(all.Count(), narratives)); err == nil {
		summary = strings.TrimSpace(s)
	}

	rep, err := b.compiler.Compile(in.ScanID, summary, fragments, unclassified)
	if err != nil {
		return nil, err
	}
	b.metrics.CounterInc(metrics.ReportsCompiledTotal.Name)
	b.record(audit.EventReportCompiled, in.ScanID, StageCompile, "")
	return rep, nil
}
