package worker

import (
	"encoding/json"
	"fmt"

	"github.com/vigiasec/scanpipe/pkg/finding"
	"github.com/vigiasec/scanpipe/pkg/llm"
)

// Per-category analyst personas. Each analysis stage sends its
// category's findings to the completion service under one of these
// system prompts and uses the reply verbatim as the section narrative.
var categoryPrompts = map[finding.Category]string{
	finding.CategoryNetwork: "You are a senior network security analyst writing the network " +
		"section of a penetration test report. Given a JSON list of network findings " +
		"(open ports, exposed services, protocol issues), write a concise technical " +
		"narrative: what is exposed, the realistic attack paths, and the remediation " +
		"priorities. Reference findings by their id. Do not invent findings that are " +
		"not in the input.",

	finding.CategoryWeb: "You are a senior web application security analyst writing the web " +
		"section of a penetration test report. Given a JSON list of web findings " +
		"(HTTP services, TLS issues, application-layer weaknesses), write a concise " +
		"technical narrative: the observed weaknesses, their exploitability, and the " +
		"remediation priorities. Reference findings by their id. Do not invent " +
		"findings that are not in the input.",

	finding.CategoryInfrastructure: "You are a senior infrastructure security analyst writing the " +
		"infrastructure section of a penetration test report. Given a JSON list of " +
		"infrastructure findings (DNS, mail, directory and management services), " +
		"write a concise technical narrative: the exposure, its blast radius, and " +
		"the remediation priorities. Reference findings by their id. Do not invent " +
		"findings that are not in the input.",

	finding.CategorySystem: "You are a senior host security analyst writing the system section " +
		"of a penetration test report. Given a JSON list of host-level findings " +
		"(operating system services, remote access, patch level indicators), write " +
		"a concise technical narrative: the weaknesses, likely privilege escalation " +
		"paths, and the remediation priorities. Reference findings by their id. Do " +
		"not invent findings that are not in the input.",
}

const summaryPrompt = "You are the lead consultant on a penetration test. Given the severity " +
	"counts and section narratives of a finished assessment, write a three-to-five " +
	"sentence executive summary for a non-technical audience: overall risk posture, " +
	"the most urgent problems, and the expected effort to remediate. Plain prose, " +
	"no markdown, no bullet lists."

// analysisMessages builds the chat request for one category's stage.
func analysisMessages(cat finding.Category, findings finding.List) ([]llm.Message, error) {
	payload, err := json.Marshal(findings)
	if err != nil {
		return nil, err
	}
	return []llm.Message{
		{Role: "system", Content: categoryPrompts[cat]},
		{Role: "user", Content: fmt.Sprintf("Findings (%d) as JSON:\n%s", len(findings), payload)},
	}, nil
}

// summaryMessages builds the executive summary request from the
// compiled fragments.
func summaryMessages(counts finding.SeverityCount, narratives []string) []llm.Message {
	content := fmt.Sprintf(
		"Severity counts: %d critical, %d high, %d medium, %d low, %d informational (total %d).\n\nSection narratives:\n",
		counts.Critical, counts.High, counts.Medium, counts.Low, counts.Info, counts.Total)
	for _, n := range narratives {
		content += "\n---\n" + n
	}
	return []llm.Message{
		{Role: "system", Content: summaryPrompt},
		{Role: "user", Content: content},
	}
}

// emptyNarrative is the section text used when a category has no
// findings, skipping the completion call entirely.
func emptyNarrative(cat finding.Category) string {
	return fmt.Sprintf("No %s findings were identified in the submitted scan data. "+
		"No action is required for this category.", cat)
}
