// Package report compiles per-category analysis artifacts into the
// final pentest report and renders it to Markdown and PDF.
package report

import (
	"fmt"
	"time"

	"github.com/vigiasec/scanpipe/pkg/errors"
	"github.com/vigiasec/scanpipe/pkg/finding"
)

// Fragment is one category's analysis artifact: the narrative text
// produced by the analysis stage plus the findings it covers.
type Fragment struct {
	Category  finding.Category `json:"category"`
	Narrative string           `json:"narrative"`
	Findings  finding.List     `json:"findings"`
}

// SeverityGroup is one severity bucket of the final report, in fixed
// descending order.
type SeverityGroup struct {
	Severity finding.Severity `json:"severity"`
	Findings finding.List     `json:"findings"`
}

// Section is one category's narrative in the final report.
type Section struct {
	Category  finding.Category `json:"category"`
	Narrative string           `json:"narrative"`
}

// Report is the terminal artifact of a scan. Immutable once written.
type Report struct {
	ScanID           string          `json:"scan_id"`
	GeneratedAt      time.Time       `json:"generated_at"`
	ExecutiveSummary string          `json:"executive_summary"`
	SeverityGroups   []SeverityGroup `json:"severity_groups"`
	Sections         []Section       `json:"sections"`

	// Unclassified lists findings no category rule matched. They are
	// counted and grouped by severity like every other finding; this
	// field surfaces them for manual triage since no analysis section
	// covers them.
	Unclassified finding.List `json:"unclassified,omitempty"`

	NextSteps []string              `json:"next_steps"`
	Counts    finding.SeverityCount `json:"counts"`
}

// CompilerConfig configures report compilation.
type CompilerConfig struct {
	// TolerateMissing permits compiling a partial report when some
	// category fragments are absent. Off by default: an absent
	// category is an incomplete-input error.
	TolerateMissing bool
}

// Compiler assembles the final report from category fragments.
type Compiler struct {
	cfg CompilerConfig
}

// NewCompiler creates a report compiler.
func NewCompiler(cfg CompilerConfig) *Compiler {
	return &Compiler{cfg: cfg}
}

// Compile produces the report. Every category in finding.Categories()
// must have a fragment unless the compiler tolerates missing
// sections. Unclassified findings (CategoryUnknown) have no analysis
// fragment; they are passed separately and still appear in the
// severity groups and counts. Severity groups follow the fixed
// descending order; within a group, findings keep fragment order.
func (c *Compiler) Compile(scanID, summary string, fragments map[finding.Category]Fragment, unclassified finding.List) (*Report, error) {
	var all finding.List
	var sections []Section

	for _, cat := range finding.Categories() {
		frag, ok := fragments[cat]
		if !ok {
			if c.cfg.TolerateMissing {
				continue
			}
			return nil, errors.E(errors.KindIncompleteInput, "report.Compile",
				fmt.Sprintf("missing %s analysis for scan %s", cat, scanID))
		}
		sections = append(sections, Section{Category: cat, Narrative: frag.Narrative})
		all = append(all, frag.Findings...)
	}
	all = append(all, unclassified...)

	bySev := all.BySeverity()
	var groups []SeverityGroup
	for _, sev := range finding.Severities() {
		if fs, ok := bySev[sev]; ok && len(fs) > 0 {
			groups = append(groups, SeverityGroup{Severity: sev, Findings: fs})
		}
	}

	counts := all.Count()
	if summary == "" {
		summary = defaultSummary(scanID, counts)
	}

	return &Report{
		ScanID:           scanID,
		GeneratedAt:      time.Now().UTC(),
		ExecutiveSummary: summary,
		SeverityGroups:   groups,
		Sections:         sections,
		Unclassified:     unclassified,
		NextSteps:        nextSteps(counts, len(unclassified)),
		Counts:           counts,
	}, nil
}

func defaultSummary(scanID string, c finding.SeverityCount) string {
	return fmt.Sprintf(
		"Security assessment %s identified %d findings: %d critical, %d high, %d medium, %d low and %d informational. "+
			"The highest observed severity is %s.",
		scanID, c.Total, c.Critical, c.High, c.Medium, c.Low, c.Info, c.Highest())
}

// nextSteps derives the prioritized remediation list from what the
// scan actually found, highest severity first.
func nextSteps(c finding.SeverityCount, unclassified int) []string {
	var steps []string
	if c.Critical > 0 {
		steps = append(steps, fmt.Sprintf("Remediate the %d critical findings immediately; treat them as active incidents.", c.Critical))
	}
	if c.High > 0 {
		steps = append(steps, fmt.Sprintf("Schedule urgent fixes for the %d high-severity findings within the current sprint.", c.High))
	}
	if c.Medium > 0 {
		steps = append(steps, fmt.Sprintf("Plan remediation of the %d medium-severity findings in the normal development cycle.", c.Medium))
	}
	if c.Low > 0 {
		steps = append(steps, fmt.Sprintf("Track the %d low-severity findings in the backlog.", c.Low))
	}
	if unclassified > 0 {
		steps = append(steps, fmt.Sprintf("Manually triage the %d unclassified findings; no analysis section covers them.", unclassified))
	}
	steps = append(steps, "Re-run the scan after remediation to confirm fixes and catch regressions.")
	return steps
}
