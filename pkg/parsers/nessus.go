package parsers

import (
	"bytes"
	"encoding/xml"
	"strconv"

	"github.com/vigiasec/scanpipe/pkg/finding"
)

// NessusParser extracts findings from Nessus v2 export XML
// (.nessus files and plain .xml exports).
type NessusParser struct{}

// NewNessusParser creates a Nessus XML parser.
func NewNessusParser() *NessusParser {
	return &NessusParser{}
}

func (p *NessusParser) Name() string { return "nessus" }

func (p *NessusParser) Extensions() []string { return []string{"nessus", "xml"} }

func (p *NessusParser) Sniff(head []byte) bool {
	return bytes.Contains(head, []byte("NessusClientData")) ||
		bytes.Contains(head, []byte("<ReportHost"))
}

// Nessus v2 export structure, limited to the elements we consume.
type nessusReport struct {
	XMLName xml.Name `xml:"NessusClientData_v2"`
	Report  struct {
		Hosts []nessusHost `xml:"ReportHost"`
	} `xml:"Report"`
}

type nessusHost struct {
	Name  string       `xml:"name,attr"`
	Items []nessusItem `xml:"ReportItem"`
}

type nessusItem struct {
	Port         int     `xml:"port,attr"`
	Protocol     string  `xml:"protocol,attr"`
	SvcName      string  `xml:"svc_name,attr"`
	Severity     int     `xml:"severity,attr"`
	PluginName   string  `xml:"pluginName,attr"`
	Description  string  `xml:"description"`
	Synopsis     string  `xml:"synopsis"`
	RiskFactor   string  `xml:"risk_factor"`
	CVSS3Score   string  `xml:"cvss3_base_score"`
	PluginOutput string  `xml:"plugin_output"`
	CVSSScore    float64 `xml:"cvss_base_score"`
}

// severityFromItem prefers the risk_factor label, then the CVSS v3
// score, then the numeric severity attribute (0=info .. 4=critical).
func severityFromItem(item nessusItem) finding.Severity {
	if s := finding.SeverityFromString(item.RiskFactor); s != finding.SeverityUnknown {
		return s
	}
	if item.CVSS3Score != "" {
		if score, err := strconv.ParseFloat(item.CVSS3Score, 64); err == nil {
			return finding.SeverityFromCVSS(score)
		}
	}
	switch item.Severity {
	case 4:
		return finding.SeverityCritical
	case 3:
		return finding.SeverityHigh
	case 2:
		return finding.SeverityMedium
	case 1:
		return finding.SeverityLow
	case 0:
		return finding.SeverityInfo
	}
	return finding.SeverityUnknown
}

// Parse decodes the export and emits one finding per ReportItem, in
// document order. A document that fails to decode at the top level is
// an error; individual items never are.
func (p *NessusParser) Parse(content []byte) (finding.List, error) {
	var report nessusReport
	if err := xml.Unmarshal(content, &report); err != nil {
		return nil, err
	}

	var out finding.List
	id := 0
	for _, host := range report.Report.Hosts {
		for _, item := range host.Items {
			if item.PluginName == "" {
				continue
			}
			desc := item.Description
			if desc == "" {
				desc = item.Synopsis
			}
			id++
			out = append(out, finding.Finding{
				ID:          id,
				Title:       item.PluginName,
				Description: desc,
				Severity:    severityFromItem(item),
				Evidence:    item.PluginOutput,
				Host:        host.Name,
				Port:        item.Port,
				Protocol:    item.Protocol,
				Service:     item.SvcName,
			})
		}
	}
	return out, nil
}

var _ Parser = (*NessusParser)(nil)
