package report

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/purpleroc/mcp-security-inspector/pkg/types"
)

func assessed(level types.RiskLevel, recommendation string) types.SecurityTestResult {
	return types.SecurityTestResult{
		TestCase: "probe",
		ScanType: types.ScanActive,
		RiskAssessment: &types.RiskAssessment{
			RiskLevel:      level,
			Recommendation: recommendation,
		},
	}
}

func sampleReport() *types.SecurityReport {
	rep := &types.SecurityReport{
		ID:        "rep-1",
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Status:    types.ScanCompleted,
		ToolResults: []types.TargetResult{
			{
				Name:      "execute_command",
				Type:      types.TargetTool,
				RiskLevel: types.RiskCritical,
				Vulnerabilities: []types.Threat{{
					Type:     "command_injection",
					Severity: types.RiskCritical,
					Evidence: "… ; cat /etc/passwd",
				}},
				TestResults: []types.SecurityTestResult{
					assessed(types.RiskCritical, "Remove shell access"),
					assessed(types.RiskHigh, "Validate input paths"),
				},
			},
		},
		ResourceResults: []types.TargetResult{
			{
				Name:        "config://secrets",
				Type:        types.TargetResource,
				RiskLevel:   types.RiskMedium,
				TestResults: []types.SecurityTestResult{assessed(types.RiskMedium, "Validate input paths")},
			},
		},
	}
	rep.Summary = BuildSummary(rep)
	rep.OverallRisk = OverallRisk(rep)
	rep.Recommendations = Recommendations(rep)
	return rep
}

func TestBuildSummary(t *testing.T) {
	rep := sampleReport()
	assert.Equal(t, 2, rep.Summary.Critical) // vulnerability + critical assessment
	assert.Equal(t, 1, rep.Summary.High)
	assert.Equal(t, 1, rep.Summary.Medium)
	assert.Equal(t, 0, rep.Summary.Low)
	assert.Equal(t, 4, rep.Summary.TotalIssues)
}

func TestBuildSummary_IgnoresUnresolvedAssessments(t *testing.T) {
	rep := &types.SecurityReport{
		ToolResults: []types.TargetResult{{
			TestResults: []types.SecurityTestResult{
				{TestCase: "raw", RiskAssessment: &types.RiskAssessment{RawAnalysis: "free text"}},
				{TestCase: "no assessment"},
			},
		}},
	}
	s := BuildSummary(rep)
	assert.Equal(t, 0, s.TotalIssues)
}

func TestOverallRisk(t *testing.T) {
	rep := sampleReport()
	assert.Equal(t, types.RiskCritical, OverallRisk(rep))

	empty := &types.SecurityReport{}
	assert.Equal(t, types.RiskUnknown, OverallRisk(empty))
}

func TestRecommendations_DedupAndOrder(t *testing.T) {
	rep := sampleReport()
	recs := rep.Recommendations
	require.NotEmpty(t, recs)

	// Critical findings prepend the disconnect advice.
	assert.Contains(t, recs[0], "Disconnect")

	// "Validate input paths" appears twice in the report but once here.
	var count int
	for _, r := range recs {
		if r == "Validate input paths" {
			count++
		}
	}
	assert.Equal(t, 1, count)

	// Higher-severity advice sorts first (after the disconnect prefix).
	assert.Equal(t, "Remove shell access", recs[1])
}

func TestAggregate_BothEmpty(t *testing.T) {
	o := Aggregate(nil, nil)
	assert.Zero(t, o.ActiveIssues)
	assert.Zero(t, o.PassiveFindings)
	assert.Zero(t, o.Total)
	assert.Equal(t, types.RiskUnknown, o.OverallRisk)
	assert.Zero(t, o.ByLevel.TotalIssues)
}

func TestAggregate_Combined(t *testing.T) {
	rep := sampleReport()
	passive := []types.PassiveDetectionResult{
		{RiskLevel: types.RiskLow},
		{RiskLevel: types.RiskHigh},
	}

	o := Aggregate(rep, passive)
	assert.Equal(t, 4, o.ActiveIssues)
	assert.Equal(t, 2, o.PassiveFindings)
	assert.Equal(t, 6, o.Total)
	assert.Equal(t, types.RiskCritical, o.OverallRisk)
	assert.Equal(t, 2, o.ByLevel.High)
	assert.Equal(t, 1, o.ByLevel.Low)
}

func TestAggregate_PassiveOnly(t *testing.T) {
	passive := []types.PassiveDetectionResult{{RiskLevel: types.RiskMedium}}
	o := Aggregate(nil, passive)
	assert.Equal(t, 1, o.Total)
	assert.Equal(t, types.RiskMedium, o.OverallRisk)
}

func TestMarkdown(t *testing.T) {
	rep := sampleReport()
	md := Markdown(rep)

	assert.True(t, strings.HasPrefix(md, "# MCP Security Scan rep-1"))
	assert.Contains(t, md, "## Summary")
	assert.Contains(t, md, "## Tools")
	assert.Contains(t, md, "## Resources")
	assert.NotContains(t, md, "## Prompts", "empty sections are omitted")
	assert.Contains(t, md, "execute_command")
	assert.Contains(t, md, "## Recommendations")
}

func TestMarkdown_UnknownRiskLabel(t *testing.T) {
	rep := &types.SecurityReport{ID: "rep-2", Status: types.ScanCompleted}
	md := Markdown(rep)
	assert.Contains(t, md, "none detected")
}
