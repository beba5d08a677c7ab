package types

import (
	"encoding/json"
	"time"
)

// TargetType identifies the kind of MCP capability a call was made against.
type TargetType string

const (
	TargetTool     TargetType = "tool"
	TargetResource TargetType = "resource"
	TargetPrompt   TargetType = "prompt"
)

// Valid reports whether t is a recognised target type.
func (t TargetType) Valid() bool {
	switch t {
	case TargetTool, TargetResource, TargetPrompt:
		return true
	}
	return false
}

// RuleCategory classifies a detection rule.
type RuleCategory string

const (
	CategorySecurity    RuleCategory = "security"
	CategoryPrivacy     RuleCategory = "privacy"
	CategoryCompliance  RuleCategory = "compliance"
	CategoryDataQuality RuleCategory = "data_quality"
	CategoryPerformance RuleCategory = "performance"
	CategoryCustom      RuleCategory = "custom"
)

// Valid reports whether c is a recognised category.
func (c RuleCategory) Valid() bool {
	switch c {
	case CategorySecurity, CategoryPrivacy, CategoryCompliance,
		CategoryDataQuality, CategoryPerformance, CategoryCustom:
		return true
	}
	return false
}

// RuleScope selects which side of a call a rule inspects.
type RuleScope string

const (
	ScopeParameters RuleScope = "parameters"
	ScopeOutput     RuleScope = "output"
	ScopeBoth       RuleScope = "both"
)

// Valid reports whether s is a recognised scope.
func (s RuleScope) Valid() bool {
	switch s {
	case ScopeParameters, ScopeOutput, ScopeBoth:
		return true
	}
	return false
}

// CoversParameters reports whether the scope includes the call's input side.
func (s RuleScope) CoversParameters() bool {
	return s == ScopeParameters || s == ScopeBoth
}

// CoversOutput reports whether the scope includes the call's output side.
func (s RuleScope) CoversOutput() bool {
	return s == ScopeOutput || s == ScopeBoth
}

// Threat is a single rule match against a call.
type Threat struct {
	Type        string    `json:"type"`
	Severity    RiskLevel `json:"severity"`
	Description string    `json:"description"`
	Evidence    string    `json:"evidence,omitempty"`
}

// SensitiveDataLeak records evidence flagged specifically as sensitive-data
// exposure, independent of the threat list.
type SensitiveDataLeak struct {
	Type     string    `json:"type"`
	Content  string    `json:"content"`
	Severity RiskLevel `json:"severity"`
}

// CallEvent is a live call observed on an MCP connection.
type CallEvent struct {
	Type       TargetType      `json:"type"`
	TargetName string          `json:"targetName"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// PassiveDetectionResult is created when a live call matches at least one
// enabled rule. Immutable once created.
type PassiveDetectionResult struct {
	ID                 string              `json:"id"`
	Timestamp          time.Time           `json:"timestamp"`
	Type               TargetType          `json:"type"`
	TargetName         string              `json:"targetName"`
	RiskLevel          RiskLevel           `json:"riskLevel"`
	Threats            []Threat            `json:"threats"`
	SensitiveDataLeaks []SensitiveDataLeak `json:"sensitiveDataLeaks,omitempty"`
}

// TestSource records how a security test case was produced.
type TestSource string

const (
	SourceStatic       TestSource = "static"
	SourceLLMGenerated TestSource = "llm_generated"
)

// ScanType distinguishes active-scan findings from passive ones.
type ScanType string

const (
	ScanActive  ScanType = "active"
	ScanPassive ScanType = "passive"
)

// RiskAssessment is the model collaborator's judgement of one test result.
// RawAnalysis holds the verbatim model reply when it could not be parsed
// into the structured fields; RiskLevel is left unknown in that case.
type RiskAssessment struct {
	RiskLevel      RiskLevel `json:"riskLevel"`
	Description    string    `json:"description,omitempty"`
	Evidence       string    `json:"evidence,omitempty"`
	Recommendation string    `json:"recommendation,omitempty"`
	RawAnalysis    string    `json:"rawAnalysis,omitempty"`
}

// SecurityTestResult is one executed test case against one target.
type SecurityTestResult struct {
	TestCase       string          `json:"testCase"`
	Parameters     json.RawMessage `json:"parameters,omitempty"`
	Result         string          `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	RiskAssessment *RiskAssessment `json:"riskAssessment,omitempty"`
	Source         TestSource      `json:"source"`
	ScanType       ScanType        `json:"scanType"`
}

// TargetResult bundles everything learned about a single capability.
type TargetResult struct {
	Name            string               `json:"name"`
	Type            TargetType           `json:"type"`
	RiskLevel       RiskLevel            `json:"riskLevel"`
	Vulnerabilities []Threat             `json:"vulnerabilities,omitempty"`
	TestResults     []SecurityTestResult `json:"testResults"`
	Analysis        string               `json:"analysis,omitempty"`
}

// ScanStatus is the terminal state of a scan invocation.
type ScanStatus string

const (
	ScanCompleted ScanStatus = "completed"
	ScanFailed    ScanStatus = "failed"
	ScanCancelled ScanStatus = "cancelled"
)

// RiskSummary holds per-level finding counts.
type RiskSummary struct {
	Critical    int `json:"critical"`
	High        int `json:"high"`
	Medium      int `json:"medium"`
	Low         int `json:"low"`
	TotalIssues int `json:"totalIssues"`
}

// Add counts one finding at the given level.
func (s *RiskSummary) Add(level RiskLevel) {
	switch level {
	case RiskCritical:
		s.Critical++
	case RiskHigh:
		s.High++
	case RiskMedium:
		s.Medium++
	case RiskLow:
		s.Low++
	default:
		return
	}
	s.TotalIssues++
}

// Merge adds the counts of other into s.
func (s *RiskSummary) Merge(other RiskSummary) {
	s.Critical += other.Critical
	s.High += other.High
	s.Medium += other.Medium
	s.Low += other.Low
	s.TotalIssues += other.TotalIssues
}

// SecurityReport is the immutable outcome of one scan invocation.
type SecurityReport struct {
	ID                        string         `json:"id"`
	Timestamp                 time.Time      `json:"timestamp"`
	Status                    ScanStatus     `json:"status"`
	OverallRisk               RiskLevel      `json:"overallRisk"`
	ToolResults               []TargetResult `json:"toolResults"`
	PromptResults             []TargetResult `json:"promptResults"`
	ResourceResults           []TargetResult `json:"resourceResults"`
	Summary                   RiskSummary    `json:"summary"`
	Recommendations           []string       `json:"recommendations,omitempty"`
	ComprehensiveRiskAnalysis string         `json:"comprehensiveRiskAnalysis,omitempty"`
	Error                     string         `json:"error,omitempty"`
}

// ReportMeta is the listing view of a stored report: enough to pick one
// without deserialising the full result tree.
type ReportMeta struct {
	ID          string     `json:"id"`
	Timestamp   time.Time  `json:"timestamp"`
	Status      ScanStatus `json:"status"`
	OverallRisk RiskLevel  `json:"overallRisk"`
	TotalIssues int        `json:"totalIssues"`
}

// AllResults returns every per-target bundle in the report.
func (r *SecurityReport) AllResults() []TargetResult {
	out := make([]TargetResult, 0, len(r.ToolResults)+len(r.PromptResults)+len(r.ResourceResults))
	out = append(out, r.ToolResults...)
	out = append(out, r.PromptResults...)
	out = append(out, r.ResourceResults...)
	return out
}

// UnifiedSecurityOverview is derived on demand from the latest report and
// the passive monitor's rolling buffer. Never stored.
type UnifiedSecurityOverview struct {
	ActiveIssues    int         `json:"activeIssues"`
	PassiveFindings int         `json:"passiveFindings"`
	ByLevel         RiskSummary `json:"byLevel"`
	Total           int         `json:"total"`
	OverallRisk     RiskLevel   `json:"overallRisk"`
}

// ScanLogEntry is one line of the append-only scan log.
type ScanLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Target    string    `json:"target,omitempty"`
}

// ScanProgress is a progress report emitted while a scan runs.
type ScanProgress struct {
	Percent int    `json:"percent"`
	Message string `json:"message"`
}
