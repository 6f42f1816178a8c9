package finding

import "strings"

// Severity represents the severity of a security finding.
type Severity string

const (
	// SeverityCritical - Immediate action required. Actively exploited or trivially exploitable.
	SeverityCritical Severity = "critical"

	// SeverityHigh - Serious vulnerability that should be addressed urgently.
	SeverityHigh Severity = "high"

	// SeverityMedium - Moderate risk, should be addressed in normal development cycle.
	SeverityMedium Severity = "medium"

	// SeverityLow - Minor issue, address when convenient.
	SeverityLow Severity = "low"

	// SeverityInfo - Informational finding, no direct security impact.
	SeverityInfo Severity = "informational"

	// SeverityUnknown - Severity could not be determined.
	SeverityUnknown Severity = "unknown"
)

// Severities returns all severity levels in report order (highest first).
func Severities() []Severity {
	return []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo, SeverityUnknown}
}

// String returns the string representation of the severity.
func (s Severity) String() string {
	return string(s)
}

// Priority returns the numeric priority of the severity.
// Higher numbers = higher priority.
func (s Severity) Priority() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// IsHigherThan returns true if this severity is higher than the other.
func (s Severity) IsHigherThan(other Severity) bool {
	return s.Priority() > other.Priority()
}

// SeverityFromString normalizes various severity string formats.
// Handles common formats from different scanners:
//   - Nessus: Critical, High, Medium, Low, None
//   - Nmap script output: free text, usually absent
//   - CVSS-style labels: CRITICAL, HIGH, MEDIUM, LOW
func SeverityFromString(s string) Severity {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL", "CRIT":
		return SeverityCritical
	case "HIGH", "ERROR", "SEVERE":
		return SeverityHigh
	case "MEDIUM", "MODERATE", "WARNING", "WARN", "MED":
		return SeverityMedium
	case "LOW":
		return SeverityLow
	case "INFO", "INFORMATIONAL", "NOTE", "NONE":
		return SeverityInfo
	default:
		return SeverityUnknown
	}
}

// SeverityFromCVSS converts a CVSS score (0.0-10.0) to a severity.
// Based on CVSS v3.0 severity ratings.
func SeverityFromCVSS(score float64) Severity {
	switch {
	case score >= 9.0:
		return SeverityCritical
	case score >= 7.0:
		return SeverityHigh
	case score >= 4.0:
		return SeverityMedium
	case score > 0:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// SeverityCount counts findings by severity.
type SeverityCount struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"informational"`
	Unknown  int `json:"unknown"`
	Total    int `json:"total"`
}

// Increment increases the count for the given severity.
func (c *SeverityCount) Increment(s Severity) {
	c.Total++
	switch s {
	case SeverityCritical:
		c.Critical++
	case SeverityHigh:
		c.High++
	case SeverityMedium:
		c.Medium++
	case SeverityLow:
		c.Low++
	case SeverityInfo:
		c.Info++
	default:
		c.Unknown++
	}
}

// Highest returns the highest severity with a non-zero count.
func (c *SeverityCount) Highest() Severity {
	if c.Critical > 0 {
		return SeverityCritical
	}
	if c.High > 0 {
		return SeverityHigh
	}
	if c.Medium > 0 {
		return SeverityMedium
	}
	if c.Low > 0 {
		return SeverityLow
	}
	if c.Info > 0 {
		return SeverityInfo
	}
	return SeverityUnknown
}
