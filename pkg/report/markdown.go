package report

import (
	"fmt"
	"strings"

	"github.com/vigiasec/scanpipe/pkg/finding"
)

var severityHeadings = map[finding.Severity]string{
	finding.SeverityCritical: "Critical",
	finding.SeverityHigh:     "High",
	finding.SeverityMedium:   "Medium",
	finding.SeverityLow:      "Low",
	finding.SeverityInfo:     "Informational",
	finding.SeverityUnknown:  "Unclassified",
}

var categoryHeadings = map[finding.Category]string{
	finding.CategoryNetwork:        "Network Analysis",
	finding.CategoryWeb:            "Web Application Analysis",
	finding.CategoryInfrastructure: "Infrastructure Analysis",
	finding.CategorySystem:         "System Analysis",
}

// RenderMarkdown renders the report as a Markdown document. This is
// the source text the PDF rendition is converted from.
func RenderMarkdown(r *Report) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Security Assessment Report\n\n")
	fmt.Fprintf(&b, "**Scan:** %s  \n", r.ScanID)
	fmt.Fprintf(&b, "**Generated:** %s\n\n", r.GeneratedAt.Format("2006-01-02 15:04 UTC"))

	b.WriteString("## Executive Summary\n\n")
	b.WriteString(r.ExecutiveSummary)
	b.WriteString("\n\n")

	b.WriteString("## Findings by Severity\n\n")
	fmt.Fprintf(&b, "| Severity | Count |\n|---|---|\n")
	for _, g := range r.SeverityGroups {
		fmt.Fprintf(&b, "| %s | %d |\n", severityHeadings[g.Severity], len(g.Findings))
	}
	b.WriteString("\n")

	for _, g := range r.SeverityGroups {
		fmt.Fprintf(&b, "### %s\n\n", severityHeadings[g.Severity])
		for _, f := range g.Findings {
			fmt.Fprintf(&b, "- **%s**", f.Title)
			if f.Host != "" {
				fmt.Fprintf(&b, " (%s", f.Host)
				if f.Port > 0 {
					fmt.Fprintf(&b, ":%d/%s", f.Port, f.Protocol)
				}
				b.WriteString(")")
			}
			b.WriteString("\n")
			if f.Description != "" {
				fmt.Fprintf(&b, "  %s\n", f.Description)
			}
		}
		b.WriteString("\n")
	}

	for _, s := range r.Sections {
		heading := categoryHeadings[s.Category]
		if heading == "" {
			heading = string(s.Category)
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", heading, strings.TrimSpace(s.Narrative))
	}

	if len(r.Unclassified) > 0 {
		b.WriteString("## Unclassified Findings\n\n")
		b.WriteString("The following findings matched no analysis category and require manual triage.\n\n")
		for _, f := range r.Unclassified {
			fmt.Fprintf(&b, "- **%s**", f.Title)
			if f.Host != "" {
				fmt.Fprintf(&b, " (%s)", f.Host)
			}
			b.WriteString("\n")
			if f.Description != "" {
				fmt.Fprintf(&b, "  %s\n", f.Description)
			}
		}
		b.WriteString("\n")
	}

	b.WriteString("## Next Steps\n\n")
	for i, step := range r.NextSteps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, step)
	}

	return b.String()
}
