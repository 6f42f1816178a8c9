package parsers

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/vigiasec/scanpipe/pkg/finding"
)

// NmapParser extracts findings from Nmap's normal text output
// (-oN or plain stdout capture).
type NmapParser struct{}

// NewNmapParser creates an Nmap text output parser.
func NewNmapParser() *NmapParser {
	return &NmapParser{}
}

func (p *NmapParser) Name() string { return "nmap" }

func (p *NmapParser) Extensions() []string { return []string{"nmap", "txt"} }

func (p *NmapParser) Sniff(head []byte) bool {
	return bytes.Contains(head, []byte("Nmap scan report")) ||
		bytes.Contains(head, []byte("Starting Nmap"))
}

// portLine matches "22/tcp  open  ssh  OpenSSH 7.4" style lines.
var portLine = regexp.MustCompile(`^(\d+)/(tcp|udp)\s+(open|open\|filtered)\s+(\S+)(?:\s+(.*))?$`)

// hostLine matches "Nmap scan report for host (10.0.0.1)" headers.
var hostLine = regexp.MustCompile(`^Nmap scan report for (?:(\S+) \()?([\d.]+|\S+)\)?`)

// riskyServices maps service names that warrant more than an
// informational severity when found exposed.
var riskyServices = map[string]finding.Severity{
	"telnet":        finding.SeverityHigh,
	"ftp":           finding.SeverityMedium,
	"rlogin":        finding.SeverityHigh,
	"rsh":           finding.SeverityHigh,
	"smb":           finding.SeverityMedium,
	"microsoft-ds":  finding.SeverityMedium,
	"netbios-ssn":   finding.SeverityMedium,
	"mysql":         finding.SeverityMedium,
	"postgresql":    finding.SeverityMedium,
	"ms-sql-s":      finding.SeverityMedium,
	"mongodb":       finding.SeverityMedium,
	"redis":         finding.SeverityMedium,
	"vnc":           finding.SeverityHigh,
	"rdp":           finding.SeverityMedium,
	"ms-wbt-server": finding.SeverityMedium,
	"snmp":          finding.SeverityMedium,
}

// Parse walks the text output line by line. Only open-port lines
// become findings; everything it cannot parse is skipped.
func (p *NmapParser) Parse(content []byte) (finding.List, error) {
	var out finding.List
	var host string
	id := 0

	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if m := hostLine.FindStringSubmatch(line); m != nil {
			host = m[2]
			if m[1] != "" {
				host = m[1]
			}
			continue
		}

		m := portLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		port, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		proto, service, version := m[2], m[4], strings.TrimSpace(m[5])

		severity := finding.SeverityInfo
		if s, ok := riskyServices[strings.ToLower(service)]; ok {
			severity = s
		}

		id++
		f := finding.Finding{
			ID:          id,
			Title:       fmt.Sprintf("Open %s port %d (%s)", proto, port, service),
			Description: describePort(service, port, proto, version),
			Severity:    severity,
			Evidence:    line,
			Host:        host,
			Port:        port,
			Protocol:    proto,
			Service:     service,
			Version:     version,
		}
		out = append(out, f)
	}
	if err := scanner.Err(); err != nil {
		return out, err
	}
	return out, nil
}

func describePort(service string, port int, proto, version string) string {
	desc := fmt.Sprintf("The %s service is exposed on %d/%s", service, port, proto)
	if version != "" {
		desc += fmt.Sprintf(" running %s", version)
	}
	return desc + ". Exposed services enlarge the attack surface and should be reviewed against the access policy."
}

var _ Parser = (*NmapParser)(nil)
