// Package parsers turns raw scanner output (Nmap text, Nessus XML,
// packet-capture logs) into normalized finding lists.
package parsers

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vigiasec/scanpipe/pkg/errors"
	"github.com/vigiasec/scanpipe/pkg/finding"
)

// Parser extracts findings from one raw scanner output document.
// Parsers tolerate partial input: unparseable lines are skipped, not
// fatal. Output order follows input order, and IDs are assigned
// sequentially from 1 within one Parse call.
type Parser interface {
	// Name returns the parser name (e.g., "nmap")
	Name() string

	// Extensions returns the file extensions this parser claims,
	// without the leading dot.
	Extensions() []string

	// Sniff reports whether the leading content looks like this
	// parser's format. Used for ambiguous extensions (.txt, .log).
	Sniff(head []byte) bool

	// Parse extracts findings from the raw content.
	Parse(content []byte) (finding.List, error)
}

// =============================================================================
// Registry
// =============================================================================

// Registry dispatches content to parsers by file extension, falling
// back to a content sniff for ambiguous extensions.
type Registry struct {
	mu      sync.RWMutex
	parsers []Parser
	byExt   map[string]Parser
}

// ambiguous extensions carry no format information on their own; the
// registry sniffs content for these instead of trusting the mapping.
var ambiguousExts = map[string]bool{
	"txt": true,
	"log": true,
}

// NewRegistry creates a registry with the built-in parsers registered.
func NewRegistry() *Registry {
	r := &Registry{byExt: make(map[string]Parser)}
	r.Register(NewNmapParser())
	r.Register(NewNessusParser())
	r.Register(NewPacketLogParser())
	return r
}

// Register adds a parser. Later registrations win extension conflicts.
func (r *Registry) Register(p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers = append(r.parsers, p)
	for _, ext := range p.Extensions() {
		r.byExt[strings.ToLower(ext)] = p
	}
}

// Lookup resolves the parser for a filename. For ambiguous extensions
// (.txt, .log) and unknown extensions it sniffs the leading content.
// Returns an unsupported-format error naming the offending file when
// no parser claims the input.
func (r *Registry) Lookup(filename string, head []byte) (Parser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	if p, ok := r.byExt[ext]; ok && !ambiguousExts[ext] {
		return p, nil
	}

	for _, p := range r.parsers {
		if p.Sniff(head) {
			return p, nil
		}
	}

	// Extension mapping is a last resort for ambiguous extensions
	// whose content sniff was inconclusive.
	if p, ok := r.byExt[ext]; ok {
		return p, nil
	}

	return nil, errors.E(errors.KindUnsupportedFormat, "parsers.Lookup",
		fmt.Sprintf("no parser recognizes file %q", filename))
}

// Parse resolves a parser for the file and extracts its findings.
func (r *Registry) Parse(filename string, content []byte) (finding.List, error) {
	head := content
	if len(head) > 512 {
		head = head[:512]
	}
	p, err := r.Lookup(filename, head)
	if err != nil {
		return nil, err
	}
	return p.Parse(content)
}

// Names returns the registered parser names, in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.parsers))
	for _, p := range r.parsers {
		names = append(names, p.Name())
	}
	return names
}
