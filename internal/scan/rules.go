package scan

import "github.com/fyrsmithlabs/faultline/internal/signal"

// Rule is one regular-expression detector.
type Rule struct {
	ID          string
	Description string
	Pattern     string
	Severity    signal.Severity
	Remediation string
}

// ScriptRules returns the page-script detectors in the order they are
// evaluated. Matching is plain substring regex matching; `eval(` inside a
// longer identifier still counts.
func ScriptRules() []Rule {
	return []Rule{
		{
			ID:          "code-injection",
			Description: "Dynamic code evaluation (eval, Function constructor, string timers)",
			Pattern:     `eval\s*\(|new\s+Function\s*\(|set(?:Timeout|Interval)\s*\(\s*["'\x60]`,
			Severity:    signal.SeverityCritical,
			Remediation: "Replace eval/new Function/string timers with direct function references; parse data with JSON.parse.",
		},
		{
			ID:          "markup-injection",
			Description: "Unsanitized HTML assignment",
			Pattern:     `\.(?:inner|outer)HTML\s*=[^=]|\.insertAdjacentHTML\s*\(`,
			Severity:    signal.SeverityError,
			Remediation: "Use textContent, or sanitize markup (e.g. DOMPurify) before assigning innerHTML.",
		},
		{
			ID:          "document-write",
			Description: "Legacy synchronous document.write",
			Pattern:     `document\.write(?:ln)?\s*\(`,
			Severity:    signal.SeverityWarning,
			Remediation: "Build DOM nodes with createElement/appendChild instead of document.write.",
		},
		{
			ID:          "open-redirect",
			Description: "Redirect built from user-controlled input",
			Pattern:     `location(?:\.href)?\s*=\s*[^;\n]*(?:location\.(?:search|hash)|document\.referrer|searchParams|getParameter)|location\.(?:assign|replace)\s*\([^)]*(?:location\.(?:search|hash)|document\.referrer|searchParams)`,
			Severity:    signal.SeverityWarning,
			Remediation: "Validate redirect targets against an allow-list of same-origin paths before navigating.",
		},
		{
			ID:          "credential-storage",
			Description: "Credential written to persistent client storage",
			Pattern:     `(?i)(?:local|session)Storage\.setItem\s*\(\s*["'\x60][^"'\x60]*(?:token|passw(?:or)?d|secret|api[_-]?key|auth|credential)`,
			Severity:    signal.SeverityError,
			Remediation: "Keep credentials in HttpOnly, Secure cookies rather than localStorage/sessionStorage.",
		},
		{
			ID:          "plaintext-transport",
			Description: "Plaintext http:// or ws:// endpoint",
			Pattern:     `["'\x60](?:http|ws)://[^"'\x60\s]+`,
			Severity:    signal.SeverityWarning,
			Remediation: "Serve every endpoint over https:// or wss://.",
		},
		{
			ID:          "weak-randomness",
			Description: "Math.random used where unpredictability may matter",
			Pattern:     `Math\.random\s*\(\s*\)`,
			Severity:    signal.SeverityInfo,
			Remediation: "Use crypto.getRandomValues or crypto.randomUUID for tokens and identifiers.",
		},
	}
}

// SecretRules returns patterns for credentials that must not leave the page
// inside captured messages.
func SecretRules() []Rule {
	return []Rule{
		{ID: "github-token", Description: "GitHub token", Pattern: `\bgh[pousr]_[A-Za-z0-9]{36,}\b|\bgithub_pat_[A-Za-z0-9_]{22,}`},
		{ID: "aws-access-key-id", Description: "AWS access key ID", Pattern: `\b(?:AKIA|ASIA|AGPA|AROA)[A-Z0-9]{16}\b`},
		{ID: "stripe-secret", Description: "Stripe secret key", Pattern: `\b[rs]k_live_[0-9A-Za-z]{24,}\b`},
		{ID: "jwt", Description: "JSON Web Token", Pattern: `\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`},
		{ID: "bearer", Description: "Bearer credential", Pattern: `(?i)\bbearer\s+[A-Za-z0-9\-._~+/]{8,}=*`},
		{ID: "generic-secret", Description: "Assigned secret value", Pattern: `(?i)(?:api[_-]?key|secret|passw(?:or)?d|access[_-]?token)\s*[:=]\s*["']?[^\s"',;]{8,}`},
		{ID: "private-key", Description: "PEM private key header", Pattern: `-----BEGIN (?:RSA |EC |OPENSSH |DSA )?PRIVATE KEY-----`},
	}
}
