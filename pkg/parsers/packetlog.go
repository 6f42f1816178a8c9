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

// PacketLogParser extracts findings from textual packet-capture
// exports (tshark/Wireshark "Export Packet Dissections" text logs).
type PacketLogParser struct{}

// NewPacketLogParser creates a packet-capture log parser.
func NewPacketLogParser() *PacketLogParser {
	return &PacketLogParser{}
}

func (p *PacketLogParser) Name() string { return "packetlog" }

func (p *PacketLogParser) Extensions() []string { return []string{"log", "scan"} }

func (p *PacketLogParser) Sniff(head []byte) bool {
	for _, marker := range [][]byte{
		[]byte("Wireshark"),
		[]byte("tshark"),
		[]byte(" -> "),
		[]byte("Len="),
	} {
		if bytes.Contains(head, marker) {
			return true
		}
	}
	return false
}

// flowLine matches "1  0.000  192.168.1.5 -> 10.0.0.2  TCP 74 443 ..." style
// summary lines; we only need the endpoints and protocol.
var flowLine = regexp.MustCompile(`([\d.]+)(?::(\d+))?\s*(?:->|→)\s*([\d.]+)(?::(\d+))?\s+(\w+)`)

// suspicious protocol markers in capture summaries. Cleartext
// credential protocols rank higher than plain visibility findings.
var suspiciousProtocols = map[string]finding.Severity{
	"TELNET": finding.SeverityHigh,
	"FTP":    finding.SeverityMedium,
	"HTTP":   finding.SeverityLow,
	"SMTP":   finding.SeverityLow,
	"POP":    finding.SeverityMedium,
	"IMAP":   finding.SeverityMedium,
	"SNMP":   finding.SeverityMedium,
	"TFTP":   finding.SeverityMedium,
}

// Parse scans the log for flows using cleartext protocols. One finding
// is emitted per distinct (source, destination, protocol) triple, in
// first-seen order. Lines that do not look like flow summaries are
// skipped.
func (p *PacketLogParser) Parse(content []byte) (finding.List, error) {
	var out finding.List
	seen := make(map[string]bool)
	id := 0

	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		m := flowLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		src, dst, proto := m[1], m[3], strings.ToUpper(m[5])
		severity, risky := suspiciousProtocols[proto]
		if !risky {
			continue
		}

		key := src + "|" + dst + "|" + proto
		if seen[key] {
			continue
		}
		seen[key] = true

		port := 0
		if m[4] != "" {
			port, _ = strconv.Atoi(m[4])
		}

		id++
		out = append(out, finding.Finding{
			ID:       id,
			Title:    fmt.Sprintf("Cleartext %s traffic observed (%s -> %s)", proto, src, dst),
			Description: fmt.Sprintf("Captured traffic shows %s communication from %s to %s. "+
				"This protocol transmits data without encryption and can expose credentials or session contents to a network observer.",
				proto, src, dst),
			Severity: severity,
			Evidence: strings.TrimSpace(line),
			Host:     dst,
			Port:     port,
			Protocol: "tcp",
			Service:  strings.ToLower(proto),
		})
	}
	if err := scanner.Err(); err != nil {
		return out, err
	}
	return out, nil
}

var _ Parser = (*PacketLogParser)(nil)
