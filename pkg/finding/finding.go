// Package finding defines the normalized security finding model shared
// across parsers, the classifier, the pipeline, and the report compiler.
package finding

import "strings"

// Category represents the analysis category a finding belongs to.
type Category string

const (
	CategoryNetwork        Category = "network"
	CategoryWeb            Category = "web"
	CategoryInfrastructure Category = "infrastructure"
	CategorySystem         Category = "system"

	// CategoryUnknown marks a finding no classification rule matched.
	// Callers must handle it explicitly; it is never coerced to a
	// default category.
	CategoryUnknown Category = "unknown"
)

// Categories returns the fixed set of real analysis categories,
// in pipeline order. CategoryUnknown is intentionally excluded.
func Categories() []Category {
	return []Category{CategoryNetwork, CategoryWeb, CategoryInfrastructure, CategorySystem}
}

// String returns the string representation of the category.
func (c Category) String() string {
	return string(c)
}

// IsValid reports whether the category is one of the real analysis
// categories.
func (c Category) IsValid() bool {
	switch c {
	case CategoryNetwork, CategoryWeb, CategoryInfrastructure, CategorySystem:
		return true
	}
	return false
}

// CategoryFromString normalizes a category name.
func CategoryFromString(s string) Category {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "network", "rede":
		return CategoryNetwork
	case "web", "webapp", "web application":
		return CategoryWeb
	case "infrastructure", "infra", "infraestrutura":
		return CategoryInfrastructure
	case "system", "host", "sistema":
		return CategorySystem
	default:
		return CategoryUnknown
	}
}

// =============================================================================
// Finding
// =============================================================================

// Finding is one detected condition extracted from raw scan output.
// ID is unique within one parse call, assigned sequentially from 1;
// it is not globally unique across scans.
type Finding struct {
	ID          int      `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Category    Category `json:"category"`
	Severity    Severity `json:"severity"`

	// Evidence is the raw source text the finding was extracted from.
	Evidence string `json:"evidence,omitempty"`

	// Network coordinates, when the source format provides them.
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Protocol string `json:"protocol,omitempty"`
	Service  string `json:"service,omitempty"`
	Version  string `json:"version,omitempty"`
}

// List is an ordered collection of findings. Ordering follows input
// order: first detected, first in list.
type List []Finding

// BySeverity splits the list into buckets keyed by severity.
// Relative order within each bucket is preserved.
func (l List) BySeverity() map[Severity]List {
	out := make(map[Severity]List)
	for _, f := range l {
		out[f.Severity] = append(out[f.Severity], f)
	}
	return out
}

// ByCategory splits the list into buckets keyed by category.
func (l List) ByCategory() map[Category]List {
	out := make(map[Category]List)
	for _, f := range l {
		out[f.Category] = append(out[f.Category], f)
	}
	return out
}

// Count tallies the list by severity.
func (l List) Count() SeverityCount {
	var c SeverityCount
	for _, f := range l {
		c.Increment(f.Severity)
	}
	return c
}
