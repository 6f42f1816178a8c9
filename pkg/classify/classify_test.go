package classify

import (
	"testing"

	"github.com/vigiasec/scanpipe/pkg/finding"
)

func TestCategorize(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		expected finding.Category
	}{
		{"sql injection", "SQL injection in login form parameter", finding.CategoryWeb},
		{"xss", "Reflected XSS on search page", finding.CategoryWeb},
		{"apache", "Apache 2.4.49 vulnerable to path disclosure", finding.CategoryWeb},
		{"ssh", "OpenSSH 7.4 allows password authentication", finding.CategoryNetwork},
		{"ftp anonymous", "Anonymous FTP login permitted", finding.CategoryNetwork},
		{"telnet", "Telnet service exposed on 23/tcp", finding.CategoryNetwork},
		{"kernel", "Linux kernel missing security patches", finding.CategorySystem},
		{"privesc", "Local privilege escalation via sudo misconfiguration", finding.CategorySystem},
		{"dns", "DNS zone transfer allowed", finding.CategoryInfrastructure},
		{"mysql", "MySQL reachable from the internet", finding.CategoryInfrastructure},
		{"tls cert", "Expired TLS certificate on mail server", finding.CategoryInfrastructure},
		{"no match", "something entirely unrelated", finding.CategoryUnknown},
		{"empty", "", finding.CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Categorize(tt.text); got != tt.expected {
				t.Errorf("Categorize(%q) = %v, want %v", tt.text, got, tt.expected)
			}
		})
	}
}

// Overlapping keywords resolve by rule-table order: web rules are
// listed before network rules.
func TestCategorize_RuleOrder(t *testing.T) {
	got := Categorize("SQL injection detected over tcp connection to web server")
	if got != finding.CategoryWeb {
		t.Errorf("Categorize() = %v, want web (web rules precede network rules)", got)
	}
}

func TestCategorize_CaseInsensitive(t *testing.T) {
	if got := Categorize("SSH BRUTE FORCE POSSIBLE"); got != finding.CategoryNetwork {
		t.Errorf("Categorize() = %v, want network", got)
	}
}

func TestApply(t *testing.T) {
	findings := finding.List{
		{ID: 1, Description: "Anonymous FTP login permitted"},
		{ID: 2, Description: "already classified", Category: finding.CategorySystem},
		{ID: 3, Description: "no keywords here", Evidence: "mysql 5.7 banner"},
		{ID: 4, Description: "nothing at all"},
	}

	out := Apply(findings)

	if out[0].Category != finding.CategoryNetwork {
		t.Errorf("finding 1 category = %v, want network", out[0].Category)
	}
	// Valid preliminary hints are kept.
	if out[1].Category != finding.CategorySystem {
		t.Errorf("finding 2 category = %v, want system (preserved)", out[1].Category)
	}
	// Evidence text participates in matching.
	if out[2].Category != finding.CategoryInfrastructure {
		t.Errorf("finding 3 category = %v, want infrastructure", out[2].Category)
	}
	if out[3].Category != finding.CategoryUnknown {
		t.Errorf("finding 4 category = %v, want unknown", out[3].Category)
	}
}

// Determinism: same input, same output, every time.
func TestCategorize_Deterministic(t *testing.T) {
	text := "SSH and apache and dns all at once"
	first := Categorize(text)
	for i := 0; i < 100; i++ {
		if got := Categorize(text); got != first {
			t.Fatalf("Categorize not deterministic: %v then %v", first, got)
		}
	}
}
