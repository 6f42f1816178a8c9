// Package classify assigns an analysis category to a finding based on
// its free-text description. Classification is a pure function of the
// input text: no network dependency, no learned model.
package classify

import (
	"strings"

	"github.com/vigiasec/scanpipe/pkg/finding"
)

// Rule maps a lowercase substring to a category.
type Rule struct {
	Keyword  string
	Category finding.Category
}

// rules is the fixed, ordered rule table. First matching rule wins;
// ties are resolved purely by table order. Web rules come first so
// that e.g. "sql injection over the network" classifies as web, then
// network service keywords, then host/system keywords, then
// infrastructure. Reordering this table changes classification
// results for overlapping keywords.
var rules = []Rule{
	// Web application
	{"sql injection", finding.CategoryWeb},
	{"sqli", finding.CategoryWeb},
	{"cross-site scripting", finding.CategoryWeb},
	{"xss", finding.CategoryWeb},
	{"csrf", finding.CategoryWeb},
	{"directory traversal", finding.CategoryWeb},
	{"path traversal", finding.CategoryWeb},
	{"http header", finding.CategoryWeb},
	{"cookie", finding.CategoryWeb},
	{"web server", finding.CategoryWeb},
	{"apache", finding.CategoryWeb},
	{"nginx", finding.CategoryWeb},
	{"http", finding.CategoryWeb},

	// Network services
	{"ssh", finding.CategoryNetwork},
	{"ftp", finding.CategoryNetwork},
	{"telnet", finding.CategoryNetwork},
	{"smb", finding.CategoryNetwork},
	{"snmp", finding.CategoryNetwork},
	{"rdp", finding.CategoryNetwork},
	{"open port", finding.CategoryNetwork},
	{"porta aberta", finding.CategoryNetwork},
	{"firewall", finding.CategoryNetwork},
	{"tcp", finding.CategoryNetwork},
	{"udp", finding.CategoryNetwork},

	// Host / operating system
	{"kernel", finding.CategorySystem},
	{"privilege escalation", finding.CategorySystem},
	{"escalação de privilégio", finding.CategorySystem},
	{"patch", finding.CategorySystem},
	{"outdated version", finding.CategorySystem},
	{"end of life", finding.CategorySystem},
	{"file permission", finding.CategorySystem},
	{"registry", finding.CategorySystem},
	{"operating system", finding.CategorySystem},

	// Infrastructure
	{"dns", finding.CategoryInfrastructure},
	{"certificate", finding.CategoryInfrastructure},
	{"tls", finding.CategoryInfrastructure},
	{"ssl", finding.CategoryInfrastructure},
	{"database", finding.CategoryInfrastructure},
	{"mysql", finding.CategoryInfrastructure},
	{"postgres", finding.CategoryInfrastructure},
	{"mongodb", finding.CategoryInfrastructure},
	{"redis", finding.CategoryInfrastructure},
	{"ldap", finding.CategoryInfrastructure},
	{"active directory", finding.CategoryInfrastructure},
	{"smtp", finding.CategoryInfrastructure},
}

// Rules returns a copy of the rule table, for diagnostics.
func Rules() []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}

// Categorize returns the category for the given description text, or
// finding.CategoryUnknown when no rule matches. Callers must handle
// the unknown case explicitly.
func Categorize(description string) finding.Category {
	text := strings.ToLower(description)
	for _, r := range rules {
		if strings.Contains(text, r.Keyword) {
			return r.Category
		}
	}
	return finding.CategoryUnknown
}

// Apply sets the category on every finding in the list from its
// description plus evidence text. Findings that already carry a valid
// category keep it (the parser's preliminary hint is overridden only
// when absent or unknown).
func Apply(findings finding.List) finding.List {
	for i := range findings {
		if findings[i].Category.IsValid() {
			continue
		}
		findings[i].Category = Categorize(findings[i].Description + " " + findings[i].Evidence)
	}
	return findings
}
