package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/purpleroc/mcp-security-inspector/pkg/types"
)

const generateSystem = `You are a security researcher probing an MCP capability
for vulnerabilities. You answer with JSON only, no prose.`

const assessSystem = `You are a security analyst reviewing the result of one
adversarial test call against an MCP capability. You answer with JSON only.`

// GenerateTestCases asks the model for up to max adversarial inputs for the
// target. The reply must be a JSON array of {testCase, parameters}; anything
// else is a typed failure for the caller to record.
func (c *HTTPClient) GenerateTestCases(ctx context.Context, target TargetDescription, max int) ([]TestCase, error) {
	if max <= 0 {
		max = 5
	}
	desc, _ := json.Marshal(target)
	prompt := fmt.Sprintf(`Generate at most %d adversarial test cases for this
MCP capability. Cover injection, path traversal, credential access and data
exfiltration where the input schema allows it.

Capability:
%s

Reply with a JSON array, each element {"testCase": "<short description>",
"parameters": {<arguments matching the input schema>}}.`, max, desc)

	reply, err := c.complete(ctx, generateSystem, prompt)
	if err != nil {
		return nil, err
	}

	var cases []TestCase
	if err := json.Unmarshal([]byte(stripCodeFence(reply)), &cases); err != nil {
		return nil, fmt.Errorf("model reply is not a test case array: %w", err)
	}
	if len(cases) > max {
		cases = cases[:max]
	}
	return cases, nil
}

// AssessRisk asks the model to judge one test result. The structured JSON
// form is canonical; a reply that does not parse is kept verbatim in
// RawAnalysis with the risk level left undetermined. Only transport
// failures surface as errors.
func (c *HTTPClient) AssessRisk(ctx context.Context, target string, params json.RawMessage, result string) (types.RiskAssessment, error) {
	prompt := fmt.Sprintf(`Assess the security risk demonstrated by this test
call.

Target: %s
Parameters: %s
Result:
%s

Reply with a single JSON object:
{"riskLevel": "low|medium|high|critical", "description": "...",
"evidence": "...", "recommendation": "..."}.`, target, compact(params), clipResult(result))

	reply, err := c.complete(ctx, assessSystem, prompt)
	if err != nil {
		return types.RiskAssessment{}, err
	}

	var parsed struct {
		RiskLevel      string `json:"riskLevel"`
		Description    string `json:"description"`
		Evidence       string `json:"evidence"`
		Recommendation string `json:"recommendation"`
	}
	cleaned := stripCodeFence(reply)
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return types.RiskAssessment{RawAnalysis: reply}, nil
	}
	level := types.ParseRiskLevel(strings.ToLower(parsed.RiskLevel))
	if level == types.RiskUnknown {
		// Structured but with an unrecognised level: keep the text, do not guess.
		return types.RiskAssessment{
			Description:    parsed.Description,
			Evidence:       parsed.Evidence,
			Recommendation: parsed.Recommendation,
			RawAnalysis:    reply,
		}, nil
	}
	return types.RiskAssessment{
		RiskLevel:      level,
		Description:    parsed.Description,
		Evidence:       parsed.Evidence,
		Recommendation: parsed.Recommendation,
	}, nil
}

// Summarize asks the model for a narrative over the whole report.
func (c *HTTPClient) Summarize(ctx context.Context, report *types.SecurityReport) (string, error) {
	slim := struct {
		OverallRisk types.RiskLevel   `json:"overallRisk"`
		Summary     types.RiskSummary `json:"summary"`
		Targets     []string          `json:"targets"`
	}{OverallRisk: report.OverallRisk, Summary: report.Summary}
	for _, tr := range report.AllResults() {
		slim.Targets = append(slim.Targets, fmt.Sprintf("%s (%s): %s", tr.Name, tr.Type, tr.RiskLevel))
	}
	body, _ := json.Marshal(slim)

	prompt := fmt.Sprintf(`Write a short risk narrative (3-6 sentences) for
this MCP security scan. Plain text, no markdown headers.

%s`, body)
	return c.complete(ctx, assessSystem, prompt)
}

func compact(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

const maxResultPromptLen = 4000

func clipResult(s string) string {
	if len(s) <= maxResultPromptLen {
		return s
	}
	return s[:maxResultPromptLen] + "…(truncated)"
}
