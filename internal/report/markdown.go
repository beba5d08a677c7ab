package report

import (
	"fmt"
	"strings"

	"github.com/purpleroc/mcp-security-inspector/pkg/types"
)

// Markdown renders a report for terminals and ticket systems.
func Markdown(rep *types.SecurityReport) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# MCP Security Scan %s\n\n", rep.ID)
	fmt.Fprintf(&b, "- Generated: %s\n", rep.Timestamp.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "- Status: %s\n", rep.Status)
	fmt.Fprintf(&b, "- Overall risk: %s\n\n", riskLabel(rep.OverallRisk))

	fmt.Fprintf(&b, "## Summary\n\n")
	fmt.Fprintf(&b, "| Critical | High | Medium | Low | Total |\n")
	fmt.Fprintf(&b, "|---:|---:|---:|---:|---:|\n")
	fmt.Fprintf(&b, "| %d | %d | %d | %d | %d |\n\n",
		rep.Summary.Critical, rep.Summary.High, rep.Summary.Medium,
		rep.Summary.Low, rep.Summary.TotalIssues)

	if rep.Error != "" {
		fmt.Fprintf(&b, "> Scan ended early: %s\n\n", rep.Error)
	}

	writeSection(&b, "Tools", rep.ToolResults)
	writeSection(&b, "Resources", rep.ResourceResults)
	writeSection(&b, "Prompts", rep.PromptResults)

	if len(rep.Recommendations) > 0 {
		fmt.Fprintf(&b, "## Recommendations\n\n")
		for _, r := range rep.Recommendations {
			fmt.Fprintf(&b, "- %s\n", r)
		}
		b.WriteString("\n")
	}

	if rep.ComprehensiveRiskAnalysis != "" {
		fmt.Fprintf(&b, "## Analysis\n\n%s\n", rep.ComprehensiveRiskAnalysis)
	}

	return b.String()
}

func writeSection(b *strings.Builder, title string, results []types.TargetResult) {
	if len(results) == 0 {
		return
	}
	fmt.Fprintf(b, "## %s\n\n", title)
	for _, tr := range results {
		fmt.Fprintf(b, "### %s — %s\n\n", tr.Name, riskLabel(tr.RiskLevel))
		for _, v := range tr.Vulnerabilities {
			fmt.Fprintf(b, "- **%s** (%s): %s\n", v.Type, v.Severity, v.Description)
			if v.Evidence != "" {
				fmt.Fprintf(b, "  - evidence: `%s`\n", v.Evidence)
			}
		}
		if len(tr.Vulnerabilities) > 0 {
			b.WriteString("\n")
		}
		if len(tr.TestResults) > 0 {
			fmt.Fprintf(b, "%d test case(s) executed.\n\n", len(tr.TestResults))
		}
		for _, t := range tr.TestResults {
			if t.RiskAssessment == nil || t.RiskAssessment.RiskLevel == types.RiskUnknown {
				continue
			}
			fmt.Fprintf(b, "- %s: **%s** — %s\n", t.TestCase,
				t.RiskAssessment.RiskLevel, t.RiskAssessment.Description)
		}
		b.WriteString("\n")
	}
}

func riskLabel(r types.RiskLevel) string {
	if r == types.RiskUnknown {
		return "none detected"
	}
	return string(r)
}
