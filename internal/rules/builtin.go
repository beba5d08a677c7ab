package rules

import (
	"time"

	"github.com/purpleroc/mcp-security-inspector/pkg/types"
)

// builtinCreatedAt is a fixed timestamp for the shipped rule set so exports
// are stable across runs.
var builtinCreatedAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// Builtins returns the shipped rule set. Callers receive fresh copies.
func Builtins() []Rule {
	rs := make([]Rule, len(builtinRules))
	for i, r := range builtinRules {
		rs[i] = r.Clone()
	}
	return rs
}

var builtinRules = []Rule{
	{
		ID:                "builtin-password-assignment",
		Name:              "Password in call payload",
		Description:       "A password is passed or echoed in clear text.",
		Category:          types.CategoryPrivacy,
		Enabled:           true,
		Pattern:           `password["']?\s*[:=]\s*["']?(\S+?)["']?(?:[,}\s]|$)`,
		Flags:             "gi",
		Scope:             types.ScopeBoth,
		RiskLevel:         types.RiskCritical,
		ThreatType:        "credential_exposure",
		CaptureGroups:     []string{"password"},
		MaskSensitiveData: true,
		MaxMatches:        5,
		IsBuiltin:         true,
		Tags:              []string{"credentials", "owasp"},
		Recommendation:    "Never pass credentials through tool parameters.",
		Remediation:       "Move secrets to a credential store and reference them indirectly.",
	},
	{
		ID:                "builtin-api-key",
		Name:              "API key or token exposure",
		Category:          types.CategoryPrivacy,
		Enabled:           true,
		Pattern:           `(?:api[_-]?key|access[_-]?token|secret[_-]?key|bearer)\s*[:=]?\s*["']?([A-Za-z0-9_\-\.]{16,})`,
		Flags:             "gi",
		Scope:             types.ScopeBoth,
		RiskLevel:         types.RiskCritical,
		ThreatType:        "credential_exposure",
		CaptureGroups:     []string{"token"},
		MaskSensitiveData: true,
		MaxMatches:        5,
		IsBuiltin:         true,
		Tags:              []string{"credentials"},
		Recommendation:    "Rotate the exposed key and audit its usage.",
	},
	{
		ID:             "builtin-private-key",
		Name:           "Private key material",
		Category:       types.CategoryPrivacy,
		Enabled:        true,
		Pattern:        `-----BEGIN (?:RSA |EC |OPENSSH )?PRIVATE KEY-----`,
		Flags:          "g",
		Scope:          types.ScopeOutput,
		RiskLevel:      types.RiskCritical,
		ThreatType:     "credential_exposure",
		MaxMatches:     3,
		IsBuiltin:      true,
		Tags:           []string{"credentials", "keys"},
		Recommendation: "Revoke the key immediately; it must be considered compromised.",
	},
	{
		ID:             "builtin-ssh-path",
		Name:           "SSH credential path access",
		Description:    "Call references SSH key files or the .ssh directory.",
		Category:       types.CategorySecurity,
		Enabled:        true,
		Pattern:        `(?:~/?|/home/[^/\s]+/|/root/)?\.ssh/(?:id_[a-z0-9]+|authorized_keys|known_hosts)?`,
		Flags:          "g",
		Scope:          types.ScopeBoth,
		RiskLevel:      types.RiskHigh,
		ThreatType:     "credential_theft",
		MaxMatches:     10,
		IsBuiltin:      true,
		Tags:           []string{"filesystem", "credentials"},
		Recommendation: "Block access to SSH key material from tool calls.",
	},
	{
		ID:             "builtin-system-files",
		Name:           "Sensitive system file access",
		Category:       types.CategorySecurity,
		Enabled:        true,
		Pattern:        `/etc/(?:passwd|shadow|sudoers)|/var/log/auth\.log`,
		Flags:          "g",
		Scope:          types.ScopeBoth,
		RiskLevel:      types.RiskHigh,
		ThreatType:     "information_disclosure",
		MaxMatches:     10,
		IsBuiltin:      true,
		Tags:           []string{"filesystem"},
		Recommendation: "Restrict the server's filesystem surface.",
	},
	{
		ID:             "builtin-path-traversal",
		Name:           "Path traversal sequence",
		Category:       types.CategorySecurity,
		Enabled:        true,
		Pattern:        `(?:\.\./){2,}|%2e%2e%2f`,
		Flags:          "gi",
		Scope:          types.ScopeParameters,
		RiskLevel:      types.RiskHigh,
		ThreatType:     "path_traversal",
		MaxMatches:     10,
		IsBuiltin:      true,
		Tags:           []string{"filesystem", "injection"},
		Remediation:    "Canonicalise and validate paths server-side before use.",
		References:     []string{"https://owasp.org/www-community/attacks/Path_Traversal"},
	},
	{
		ID:            "builtin-command-injection",
		Name:          "Shell command injection",
		Description:   "Shell metacharacters combined with common binaries.",
		Category:      types.CategorySecurity,
		Enabled:       true,
		Pattern:       `(?:;|\|\||&&|\|)\s*(rm|cat|curl|wget|nc|sh|bash|python\d?)\b|\$\((?:[^)]+)\)`,
		Flags:         "gi",
		Scope:         types.ScopeParameters,
		RiskLevel:     types.RiskCritical,
		ThreatType:    "command_injection",
		CaptureGroups: []string{"binary"},
		MaxMatches:    10,
		IsBuiltin:     true,
		Tags:          []string{"injection", "shell"},
		Remediation:   "Never build shell command lines from tool arguments.",
	},
	{
		ID:            "builtin-sql-injection",
		Name:          "SQL injection probe",
		Category:      types.CategorySecurity,
		Enabled:       true,
		Pattern:       `(?:'|")\s*(?:or|and)\s+["']?\d+["']?\s*=\s*["']?\d+|union\s+(?:all\s+)?select\b|;\s*drop\s+table`,
		Flags:         "gi",
		Scope:         types.ScopeParameters,
		RiskLevel:     types.RiskHigh,
		ThreatType:    "sql_injection",
		MaxMatches:    10,
		IsBuiltin:     true,
		Tags:          []string{"injection", "database"},
		References:    []string{"https://owasp.org/www-community/attacks/SQL_Injection"},
	},
	{
		ID:             "builtin-exfiltration",
		Name:           "Data exfiltration pipeline",
		Description:    "Output or arguments pipe data to a network upload tool.",
		Category:       types.CategorySecurity,
		Enabled:        true,
		Pattern:        `(?:base64[^|]*\|\s*)?(?:curl|wget)\s+[^\s]*https?://|\bnc\s+-|\|\s*curl\b`,
		Flags:          "gi",
		Scope:          types.ScopeBoth,
		RiskLevel:      types.RiskHigh,
		ThreatType:     "exfiltration",
		MaxMatches:     10,
		IsBuiltin:      true,
		Tags:           []string{"network", "exfiltration"},
		Recommendation: "Review outbound network access granted to this server.",
	},
	{
		ID:          "builtin-prompt-injection",
		Name:        "Prompt injection directive",
		Description: "Instruction-override phrasing inside tool output or prompt text.",
		Category:    types.CategorySecurity,
		Enabled:     true,
		Pattern:     `ignore\s+(?:all\s+)?previous\s+instructions|disregard\s+(?:the\s+)?(?:above|prior)|system\s+override|do\s+not\s+(?:show|tell|reveal)\s+(?:this|the user)`,
		Flags:       "gi",
		Scope:       types.ScopeOutput,
		RiskLevel:   types.RiskHigh,
		ThreatType:  "prompt_injection",
		MaxMatches:  10,
		IsBuiltin:   true,
		Tags:        []string{"llm", "injection"},
		Remediation: "Treat tool output as untrusted data, never as instructions.",
	},
	{
		ID:          "builtin-hidden-instruction",
		Name:        "Hidden instruction marker",
		Category:    types.CategorySecurity,
		Enabled:     true,
		Pattern:     `(?:IMPORTANT|HIDDEN|SECRET)\s*:\s*(?:before|first|always|never|must|do|copy|send|upload|execute|run|delete)`,
		Flags:       "g",
		Scope:       types.ScopeBoth,
		RiskLevel:   types.RiskHigh,
		ThreatType:  "prompt_injection",
		MaxMatches:  10,
		IsBuiltin:   true,
		Tags:        []string{"llm", "injection"},
	},
	{
		ID:                "builtin-email-address",
		Name:              "Email address exposure",
		Category:          types.CategoryPrivacy,
		Enabled:           true,
		Pattern:           `([A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,})`,
		Flags:             "g",
		Scope:             types.ScopeOutput,
		RiskLevel:         types.RiskMedium,
		ThreatType:        "pii_exposure",
		CaptureGroups:     []string{"email"},
		MaskSensitiveData: true,
		MaxMatches:        20,
		IsBuiltin:         true,
		Tags:              []string{"pii"},
	},
	{
		ID:                "builtin-credit-card",
		Name:              "Payment card number",
		Category:          types.CategoryCompliance,
		Enabled:           true,
		Pattern:           `\b((?:4\d{3}|5[1-5]\d{2}|3[47]\d{2})[ \-]?\d{4}[ \-]?\d{4}[ \-]?\d{1,4})\b`,
		Flags:             "g",
		Scope:             types.ScopeBoth,
		RiskLevel:         types.RiskCritical,
		ThreatType:        "pii_exposure",
		CaptureGroups:     []string{"card"},
		MaskSensitiveData: true,
		MaxMatches:        10,
		IsBuiltin:         true,
		Tags:              []string{"pii", "pci"},
	},
	{
		ID:          "builtin-env-dump",
		Name:        "Environment variable dump",
		Description: "Output contains what looks like a bulk environment dump.",
		Category:    types.CategorySecurity,
		Enabled:     true,
		Pattern:     `environment_vars|\bprintenv\b|\benv\s*\|\s*grep|(?:AWS|GITHUB|OPENAI)_[A-Z_]*(?:KEY|TOKEN|SECRET)`,
		Flags:       "g",
		Scope:       types.ScopeOutput,
		RiskLevel:   types.RiskHigh,
		ThreatType:  "information_disclosure",
		MaxMatches:  10,
		IsBuiltin:   true,
		Tags:        []string{"environment", "credentials"},
	},
	{
		ID:          "builtin-oversized-output",
		Name:        "Oversized numeric blob",
		Description: "Long unbroken base64-like runs often indicate smuggled payloads.",
		Category:    types.CategoryDataQuality,
		Enabled:     false,
		Pattern:     `[A-Za-z0-9+/=]{512,}`,
		Flags:       "g",
		Scope:       types.ScopeOutput,
		RiskLevel:   types.RiskLow,
		ThreatType:  "suspicious_payload",
		MaxMatches:  3,
		IsBuiltin:   true,
		Tags:        []string{"encoding"},
	},
}

func init() {
	for i := range builtinRules {
		builtinRules[i].CreatedAt = builtinCreatedAt
		builtinRules[i].UpdatedAt = builtinCreatedAt
	}
}
