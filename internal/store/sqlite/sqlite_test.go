package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/purpleroc/mcp-security-inspector/internal/rules"
	"github.com/purpleroc/mcp-security-inspector/internal/store"
	"github.com/purpleroc/mcp-security-inspector/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "inspector.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRule(id string) rules.Rule {
	return rules.Rule{
		ID:         id,
		Name:       "rule " + id,
		Category:   types.CategoryCustom,
		Enabled:    true,
		Pattern:    `secret_\w+`,
		Scope:      types.ScopeBoth,
		RiskLevel:  types.RiskMedium,
		ThreatType: "Secret Exposure",
	}
}

func testReport(id string, ts time.Time) *types.SecurityReport {
	return &types.SecurityReport{
		ID:          id,
		Timestamp:   ts,
		Status:      types.ScanCompleted,
		OverallRisk: types.RiskHigh,
		Summary:     types.RiskSummary{High: 2, TotalIssues: 2},
		ToolResults: []types.TargetResult{{Name: "read_file", Type: types.TargetTool, RiskLevel: types.RiskHigh}},
	}
}

func TestOpen_RejectsEmptyPath(t *testing.T) {
	_, err := Open("")
	require.Error(t, err)
}

func TestOpen_CreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "inspector.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestRules_SaveReplacesLoad(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	got, err := s.LoadRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.SaveRules(ctx, []rules.Rule{testRule("r1"), testRule("r2")}))
	got, err = s.LoadRules(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "r1", got[0].ID)
	assert.Equal(t, `secret_\w+`, got[0].Pattern)

	// A second save replaces, never appends.
	require.NoError(t, s.SaveRules(ctx, []rules.Rule{testRule("r3")}))
	got, err = s.LoadRules(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "r3", got[0].ID)

	require.NoError(t, s.SaveRules(ctx, nil))
	got, err = s.LoadRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReports_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rep := testReport("rep-1", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, s.SaveReport(ctx, rep))

	got, err := s.Report(ctx, "rep-1")
	require.NoError(t, err)
	assert.Equal(t, rep.ID, got.ID)
	assert.Equal(t, types.RiskHigh, got.OverallRisk)
	require.Len(t, got.ToolResults, 1)
	assert.Equal(t, "read_file", got.ToolResults[0].Name)
}

func TestReports_SaveReportValidation(t *testing.T) {
	s := openTestStore(t)
	require.Error(t, s.SaveReport(context.Background(), nil))
	require.Error(t, s.SaveReport(context.Background(), &types.SecurityReport{}))
}

func TestReports_NotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Report(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.LatestReport(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.ErrorIs(t, s.DeleteReport(ctx, "missing"), store.ErrNotFound)
}

func TestReports_LatestAndListOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, s.SaveReport(ctx, testReport(id, base.Add(time.Duration(i)*time.Hour))))
	}

	latest, err := s.LatestReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", latest.ID)

	metas, err := s.ListReports(ctx, 0)
	require.NoError(t, err)
	require.Len(t, metas, 3)
	assert.Equal(t, "new", metas[0].ID)
	assert.Equal(t, "old", metas[2].ID)
	assert.Equal(t, types.ScanCompleted, metas[0].Status)
	assert.Equal(t, types.RiskHigh, metas[0].OverallRisk)
	assert.Equal(t, 2, metas[0].TotalIssues)
	assert.Equal(t, base.Add(2*time.Hour), metas[0].Timestamp)

	metas, err = s.ListReports(ctx, 2)
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Equal(t, "new", metas[0].ID)
}

func TestReports_SaveIsUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveReport(ctx, testReport("rep-1", ts)))

	updated := testReport("rep-1", ts)
	updated.Status = types.ScanFailed
	require.NoError(t, s.SaveReport(ctx, updated))

	metas, err := s.ListReports(ctx, 0)
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, types.ScanFailed, metas[0].Status)
}

func TestReports_Delete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveReport(ctx, testReport("rep-1", time.Now())))
	require.NoError(t, s.DeleteReport(ctx, "rep-1"))
	_, err := s.Report(ctx, "rep-1")
	require.ErrorIs(t, err, store.ErrNotFound)
}
