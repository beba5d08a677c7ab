// Package rules implements the detection rule set and the engine that
// applies it to MCP call traffic. Rules are regular expressions scoped to a
// call's parameters and/or output; matches become threats with optionally
// masked evidence.
package rules

import (
	"regexp"
	"strings"
	"time"

	"github.com/purpleroc/mcp-security-inspector/pkg/types"
)

// Rule is a single detection rule. Built-in rules ship with the binary and
// cannot be deleted or have their identity changed; custom rules are
// persisted through the RuleStore collaborator.
type Rule struct {
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	Description       string             `json:"description,omitempty"`
	Category          types.RuleCategory `json:"category"`
	Enabled           bool               `json:"enabled"`
	Pattern           string             `json:"pattern"`
	Flags             string             `json:"flags,omitempty"`
	Scope             types.RuleScope    `json:"scope,omitempty"`
	RiskLevel         types.RiskLevel    `json:"riskLevel"`
	ThreatType        string             `json:"threatType"`
	CaptureGroups     []string           `json:"captureGroups,omitempty"`
	MaskSensitiveData bool               `json:"maskSensitiveData,omitempty"`
	MaxMatches        int                `json:"maxMatches,omitempty"`
	IsBuiltin         bool               `json:"isBuiltin,omitempty"`
	Tags              []string           `json:"tags,omitempty"`
	Recommendation    string             `json:"recommendation,omitempty"`
	Remediation       string             `json:"remediation,omitempty"`
	References        []string           `json:"references,omitempty"`
	CreatedAt         time.Time          `json:"createdAt,omitempty"`
	UpdatedAt         time.Time          `json:"updatedAt,omitempty"`
}

// Clone returns a deep copy so callers can never mutate engine state
// through a returned rule.
func (r Rule) Clone() Rule {
	c := r
	c.CaptureGroups = append([]string(nil), r.CaptureGroups...)
	c.Tags = append([]string(nil), r.Tags...)
	c.References = append([]string(nil), r.References...)
	return c
}

// sensitive reports whether findings from this rule should additionally be
// recorded as sensitive-data leaks.
func (r Rule) sensitive() bool {
	if r.Category == types.CategoryPrivacy {
		return true
	}
	t := strings.ToLower(r.ThreatType)
	return strings.Contains(t, "sensitive") || strings.Contains(t, "leak") ||
		strings.Contains(t, "credential") || strings.Contains(t, "pii")
}

const (
	// DefaultFlags is applied when a rule omits flags: global scan,
	// case-insensitive.
	DefaultFlags = "gi"

	// DefaultMaxMatches bounds findings per rule per call when unset.
	DefaultMaxMatches = 10

	// redactionMarker replaces raw captured text when masking is enabled.
	// Fixed length so the marker leaks nothing about the original.
	redactionMarker = "[REDACTED]"
)

// Compile turns a rule's pattern+flags into an executable matcher.
// Flag "i" maps to the (?i) prefix; "g" selects all-matches scanning.
func Compile(pattern, flags string) (*regexp.Regexp, bool, error) {
	if flags == "" {
		flags = DefaultFlags
	}
	global := strings.ContainsRune(flags, 'g')
	expr := pattern
	if strings.ContainsRune(flags, 'i') && !strings.HasPrefix(pattern, "(?i)") {
		expr = "(?i)" + pattern
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, false, err
	}
	return re, global, nil
}
