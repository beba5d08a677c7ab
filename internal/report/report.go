// Package report assembles scan reports, merges active and passive findings
// into a unified overview and renders reports for humans.
package report

import (
	"sort"

	"github.com/purpleroc/mcp-security-inspector/pkg/types"
)

// BuildSummary counts the findings of a report: every vulnerability plus
// every test result whose risk assessment resolved to a concrete level.
func BuildSummary(rep *types.SecurityReport) types.RiskSummary {
	var s types.RiskSummary
	for _, tr := range rep.AllResults() {
		for _, v := range tr.Vulnerabilities {
			s.Add(v.Severity)
		}
		for _, t := range tr.TestResults {
			if t.RiskAssessment != nil {
				s.Add(t.RiskAssessment.RiskLevel)
			}
		}
	}
	return s
}

// OverallRisk is the maximum risk across all per-target results.
func OverallRisk(rep *types.SecurityReport) types.RiskLevel {
	risk := types.RiskUnknown
	for _, tr := range rep.AllResults() {
		risk = types.MaxRisk(risk, tr.RiskLevel)
	}
	return risk
}

// Aggregate merges an active report (may be nil) with the passive buffer
// into combined counts. Active and passive results live in separate buffers,
// so nothing is counted twice; both empty yields all-zero counts.
func Aggregate(rep *types.SecurityReport, passive []types.PassiveDetectionResult) types.UnifiedSecurityOverview {
	var o types.UnifiedSecurityOverview

	if rep != nil {
		o.ActiveIssues = rep.Summary.TotalIssues
		o.ByLevel.Merge(rep.Summary)
		o.OverallRisk = rep.OverallRisk
	}

	for _, p := range passive {
		o.PassiveFindings++
		o.ByLevel.Add(p.RiskLevel)
		o.OverallRisk = types.MaxRisk(o.OverallRisk, p.RiskLevel)
	}

	o.Total = o.ActiveIssues + o.PassiveFindings
	return o
}

// Recommendations derives a deduplicated, severity-ordered advice list from
// the report's findings.
func Recommendations(rep *types.SecurityReport) []string {
	type rec struct {
		text string
		rank int
	}
	seen := make(map[string]rec)
	for _, tr := range rep.AllResults() {
		for _, t := range tr.TestResults {
			if t.RiskAssessment == nil || t.RiskAssessment.Recommendation == "" {
				continue
			}
			r := t.RiskAssessment
			if prev, ok := seen[r.Recommendation]; !ok || r.RiskLevel.Rank() > prev.rank {
				seen[r.Recommendation] = rec{text: r.Recommendation, rank: r.RiskLevel.Rank()}
			}
		}
	}

	recs := make([]rec, 0, len(seen))
	for _, r := range seen {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].rank != recs[j].rank {
			return recs[i].rank > recs[j].rank
		}
		return recs[i].text < recs[j].text
	})

	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.text)
	}

	if rep.Summary.Critical > 0 {
		out = append([]string{"Disconnect this server until critical findings are resolved."}, out...)
	}
	return out
}
