package rules

import (
	"fmt"
	"strings"

	"github.com/purpleroc/mcp-security-inspector/pkg/types"
)

// ValidationResult reports whether a rule draft is acceptable. Errors are
// blocking; warnings are advisory.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// maxMatchesWarnThreshold is the point at which a rule's evidence volume
// becomes a concern.
const maxMatchesWarnThreshold = 100

// Validate checks a rule draft. It is pure: it never mutates the draft and
// never touches the rule store. A pattern that fails to compile is a
// blocking error, not a panic.
func Validate(r Rule) ValidationResult {
	var res ValidationResult

	if strings.TrimSpace(r.Name) == "" {
		res.Errors = append(res.Errors, "rule name is required")
	}
	if strings.TrimSpace(r.Pattern) == "" {
		res.Errors = append(res.Errors, "rule pattern is required")
	}
	if strings.TrimSpace(r.ThreatType) == "" {
		res.Errors = append(res.Errors, "rule threatType is required")
	}

	if r.Scope != "" && !r.Scope.Valid() {
		res.Errors = append(res.Errors, fmt.Sprintf("unknown scope %q", r.Scope))
	}
	if r.Category != "" && !r.Category.Valid() {
		res.Errors = append(res.Errors, fmt.Sprintf("unknown category %q", r.Category))
	}
	if r.RiskLevel != "" && !r.RiskLevel.Valid() {
		res.Errors = append(res.Errors, fmt.Sprintf("unknown riskLevel %q", r.RiskLevel))
	}
	if r.MaxMatches < 0 {
		res.Errors = append(res.Errors, "maxMatches must be >= 1")
	}

	var re interface{ NumSubexp() int }
	if r.Pattern != "" {
		rx, _, err := Compile(r.Pattern, r.Flags)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("pattern does not compile: %v", err))
		} else {
			re = rx
		}
	}

	if re != nil && len(r.CaptureGroups) > 0 && re.NumSubexp() == 0 {
		res.Warnings = append(res.Warnings,
			"captureGroups declared but pattern has no capture groups")
	}
	if r.MaxMatches > maxMatchesWarnThreshold {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"maxMatches %d may retain excessive evidence per call", r.MaxMatches))
	}

	res.Valid = len(res.Errors) == 0
	return res
}

// normalize fills defaulted fields on an accepted rule. Called after
// Validate succeeds, on the engine's own copy.
func normalize(r *Rule) {
	if r.Scope == "" {
		r.Scope = types.ScopeBoth
	}
	if r.Flags == "" {
		r.Flags = DefaultFlags
	}
	if r.Category == "" {
		r.Category = types.CategoryCustom
	}
	if r.RiskLevel == "" {
		r.RiskLevel = types.RiskMedium
	}
	if r.MaxMatches <= 0 {
		r.MaxMatches = DefaultMaxMatches
	}
}
