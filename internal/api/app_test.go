package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/purpleroc/mcp-security-inspector/internal/config"
	"github.com/purpleroc/mcp-security-inspector/internal/events"
	"github.com/purpleroc/mcp-security-inspector/internal/mcp"
	"github.com/purpleroc/mcp-security-inspector/internal/metrics"
	"github.com/purpleroc/mcp-security-inspector/internal/monitor"
	"github.com/purpleroc/mcp-security-inspector/internal/rules"
	"github.com/purpleroc/mcp-security-inspector/internal/scan"
	"github.com/purpleroc/mcp-security-inspector/internal/store/sqlite"
	"github.com/purpleroc/mcp-security-inspector/pkg/types"
)

type testEnv struct {
	app     *App
	srv     *httptest.Server
	engine  *rules.Engine
	monitor *monitor.Monitor
	db      *sqlite.Store
	apiKey  string
}

type envParams struct {
	cfg    func(*config.Config)
	source monitor.CallSource
	target mcp.Client
}

type envOption func(*envParams)

func withConfig(fn func(*config.Config)) envOption {
	return func(p *envParams) { p.cfg = fn }
}

func withCallSource(src monitor.CallSource) envOption {
	return func(p *envParams) { p.source = src }
}

func withTarget(c mcp.Client) envOption {
	return func(p *envParams) { p.target = c }
}

func newTestEnv(t *testing.T, apiKey string, opts ...envOption) *testEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	var p envParams
	for _, opt := range opts {
		opt(&p)
	}

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "inspector.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	engine, err := rules.NewEngine(context.Background(), db, log)
	require.NoError(t, err)

	broker := events.NewBroker()
	monOpts := []monitor.Option{}
	if p.source != nil {
		monOpts = append(monOpts, monitor.WithSource(p.source))
	}
	mon := monitor.NewMonitor(engine, broker, log, monOpts...)
	orch := scan.NewOrchestrator(p.target, nil, engine, broker, nil, log)

	cfg := config.Default()
	cfg.Server.APIKey = apiKey
	if p.cfg != nil {
		p.cfg(cfg)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	app := NewApp(baseCtx, cfg, engine, mon, orch, db, broker, metrics.New(), log)
	srv := httptest.NewServer(app.Router())
	t.Cleanup(srv.Close)

	return &testEnv{app: app, srv: srv, engine: engine, monitor: mon, db: db, apiKey: apiKey}
}

// do issues an authenticated request and decodes a JSON body into out when
// out is non-nil.
func (e *testEnv) do(t *testing.T, method, path string, body, out any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if e.apiKey != "" {
		req.Header.Set("X-API-Key", e.apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

// replaySource feeds scripted call events to the monitor the way the MCP
// client's watch stream does, including ending the stream when the watch
// context is cancelled.
type replaySource struct {
	events chan types.CallEvent
}

func newReplaySource() *replaySource {
	return &replaySource{events: make(chan types.CallEvent, 8)}
}

func (s *replaySource) Watch(ctx context.Context) (<-chan types.CallEvent, error) {
	out := make(chan types.CallEvent)
	go func() {
		defer close(out)
		for {
			select {
			case ev := <-s.events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// gatedTarget is an mcp.Client whose enumeration blocks until released,
// which holds a scan in flight for as long as a test needs.
type gatedTarget struct {
	release chan struct{}
}

func (g *gatedTarget) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	select {
	case <-g.release:
		return []mcp.Tool{{Name: "echo"}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gatedTarget) ListResources(context.Context) ([]mcp.Resource, error) { return nil, nil }
func (g *gatedTarget) ListPrompts(context.Context) ([]mcp.Prompt, error)     { return nil, nil }

func (g *gatedTarget) CallTool(context.Context, string, json.RawMessage) (string, error) {
	return "ok", nil
}

func (g *gatedTarget) ReadResource(context.Context, string) (string, error) { return "ok", nil }

func (g *gatedTarget) GetPrompt(context.Context, string, map[string]string) (string, error) {
	return "ok", nil
}

func (g *gatedTarget) Watch(context.Context) (<-chan types.CallEvent, error) {
	return nil, errors.New("watch not supported")
}

func (g *gatedTarget) Close() error { return nil }

func customDraft(name string) rules.Rule {
	return rules.Rule{
		Name:       name,
		Pattern:    `token_\w+`,
		ThreatType: "Token Exposure",
	}
}

func TestHealthz_NoAuthRequired(t *testing.T) {
	env := newTestEnv(t, "sekrit")

	resp, err := http.Get(env.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, "")

	resp, err := http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "mcpinspector_up 1")
	assert.Contains(t, string(body), "mcpinspector_calls_inspected_total 0")
}

func TestMetricsEndpoint_ConfiguredPath(t *testing.T) {
	env := newTestEnv(t, "", withConfig(func(c *config.Config) {
		c.Metrics.Path = "/internal/metrics"
	}))

	resp, err := http.Get(env.srv.URL + "/internal/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint_CountsInspectedNotMatched(t *testing.T) {
	src := newReplaySource()
	env := newTestEnv(t, "", withCallSource(src))

	resp := env.do(t, http.MethodPost, "/api/v1/monitor/enable", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// A benign call matches no rule but is still one inspected call.
	src.events <- types.CallEvent{
		Type:       types.TargetTool,
		TargetName: "echo",
		Parameters: json.RawMessage(`{"text":"hello"}`),
	}

	require.Eventually(t, func() bool {
		resp, err := http.Get(env.srv.URL + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return false
		}
		return strings.Contains(string(body), "mcpinspector_calls_inspected_total 1")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t, "sekrit")

	t.Run("missing key rejected", func(t *testing.T) {
		resp, err := http.Get(env.srv.URL + "/api/v1/rules")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("wrong key rejected", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/v1/rules", nil)
		req.Header.Set("X-API-Key", "wrong")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("header key accepted", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/api/v1/rules", nil, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("query key accepted", func(t *testing.T) {
		// The websocket handshake cannot set headers, so the key is
		// also honoured as a query parameter.
		resp, err := http.Get(env.srv.URL + "/api/v1/rules?api_key=sekrit")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestAuthDisabledWhenNoKeyConfigured(t *testing.T) {
	env := newTestEnv(t, "")
	resp, err := http.Get(env.srv.URL + "/api/v1/rules")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRulesCRUD(t *testing.T) {
	env := newTestEnv(t, "")

	var listed []rules.Rule
	resp := env.do(t, http.MethodGet, "/api/v1/rules", nil, &listed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	builtinCount := len(listed)
	require.NotZero(t, builtinCount)

	var created rules.Rule
	resp = env.do(t, http.MethodPost, "/api/v1/rules", customDraft("token leak"), &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.IsBuiltin)

	var got rules.Rule
	resp = env.do(t, http.MethodGet, "/api/v1/rules/"+created.ID, nil, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "token leak", got.Name)

	got.Name = "renamed"
	var updated rules.Rule
	resp = env.do(t, http.MethodPut, "/api/v1/rules/"+created.ID, got, &updated)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "renamed", updated.Name)

	resp = env.do(t, http.MethodDelete, "/api/v1/rules/"+created.ID, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/rules/"+created.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/rules", nil, &listed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, listed, builtinCount)
}

func TestRules_SearchAndEnabledFilters(t *testing.T) {
	env := newTestEnv(t, "")
	env.do(t, http.MethodPost, "/api/v1/rules", customDraft("github token leak"), nil)

	var found []rules.Rule
	resp := env.do(t, http.MethodGet, "/api/v1/rules?q=github", nil, &found)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, found, 1)
	assert.Equal(t, "github token leak", found[0].Name)

	var enabled []rules.Rule
	resp = env.do(t, http.MethodGet, "/api/v1/rules?enabled=true", nil, &enabled)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	for _, r := range enabled {
		assert.True(t, r.Enabled)
	}
}

func TestBuiltinRule_Protections(t *testing.T) {
	env := newTestEnv(t, "")
	const id = "builtin-password-assignment"

	resp := env.do(t, http.MethodDelete, "/api/v1/rules/"+id, nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, http.MethodPut, "/api/v1/rules/"+id, customDraft("x"), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Toggling is the one permitted mutation.
	resp = env.do(t, http.MethodPost, "/api/v1/rules/"+id+"/toggle", map[string]bool{"enabled": false}, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	var got rules.Rule
	env.do(t, http.MethodGet, "/api/v1/rules/"+id, nil, &got)
	assert.False(t, got.Enabled)
}

func TestToggle_UnknownRule(t *testing.T) {
	env := newTestEnv(t, "")
	resp := env.do(t, http.MethodPost, "/api/v1/rules/nope/toggle", map[string]bool{"enabled": true}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestValidateRule(t *testing.T) {
	env := newTestEnv(t, "")

	var res rules.ValidationResult
	resp := env.do(t, http.MethodPost, "/api/v1/rules/validate", customDraft("ok"), &res)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, res.Valid)

	bad := customDraft("broken")
	bad.Pattern = "(unclosed"
	resp = env.do(t, http.MethodPost, "/api/v1/rules/validate", bad, &res)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, res.Valid)
	assert.NotEmpty(t, res.Errors)
}

func TestExportImport(t *testing.T) {
	env := newTestEnv(t, "")
	env.do(t, http.MethodPost, "/api/v1/rules", customDraft("exported rule"), nil)

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/v1/rules/export?filter=custom", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	// Import into a fresh instance.
	other := newTestEnv(t, "")
	req, _ = http.NewRequest(http.MethodPost, other.srv.URL+"/api/v1/rules/import", bytes.NewReader(data))
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var result rules.ImportResult
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&result))
	assert.Equal(t, 1, result.Imported)
	assert.Zero(t, result.Skipped)
}

func TestMonitorEndpoints(t *testing.T) {
	env := newTestEnv(t, "")

	var status map[string]any
	resp := env.do(t, http.MethodGet, "/api/v1/monitor/status", nil, &status)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, status["enabled"])

	resp = env.do(t, http.MethodPost, "/api/v1/monitor/enable", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	status = nil
	env.do(t, http.MethodGet, "/api/v1/monitor/status", nil, &status)
	assert.Equal(t, true, status["enabled"])
	assert.EqualValues(t, 0, status["inspected"])
	assert.EqualValues(t, 0, status["buffered"])

	var results []types.PassiveDetectionResult
	resp = env.do(t, http.MethodGet, "/api/v1/monitor/results", nil, &results)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, results)

	resp = env.do(t, http.MethodDelete, "/api/v1/monitor/results", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/v1/monitor/disable", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status = nil
	env.do(t, http.MethodGet, "/api/v1/monitor/status", nil, &status)
	assert.Equal(t, false, status["enabled"])
}

func TestEnableMonitor_SubscriptionOutlivesRequest(t *testing.T) {
	src := newReplaySource()
	env := newTestEnv(t, "", withCallSource(src))

	resp := env.do(t, http.MethodPost, "/api/v1/monitor/enable", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The enable request has already returned and its context with it;
	// traffic arriving now must still be inspected.
	src.events <- types.CallEvent{
		Type:       types.TargetTool,
		TargetName: "read_file",
		Parameters: json.RawMessage(`{"path":"/etc/passwd"}`),
	}

	require.Eventually(t, func() bool {
		inspected, _ := env.monitor.Stats()
		return inspected >= 1
	}, 2*time.Second, 10*time.Millisecond, "event after the enable request should reach the monitor")
}

func TestScanStatus_Idle(t *testing.T) {
	env := newTestEnv(t, "")

	var status map[string]any
	resp := env.do(t, http.MethodGet, "/api/v1/scan/status", nil, &status)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "idle", status["state"])
	assert.EqualValues(t, 0, status["progress"])
}

func TestStartScan_RejectsUnknownOverride(t *testing.T) {
	env := newTestEnv(t, "")
	resp := env.do(t, http.MethodPost, "/api/v1/scan", map[string]any{"bogus": true}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartScan_NoTargetConfigured(t *testing.T) {
	env := newTestEnv(t, "")

	var out map[string]string
	resp := env.do(t, http.MethodPost, "/api/v1/scan", nil, &out)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, out["error"], "no scan target")
}

func TestStartScan_ConcurrentScanRejected(t *testing.T) {
	target := &gatedTarget{release: make(chan struct{})}
	env := newTestEnv(t, "", withTarget(target))

	resp := env.do(t, http.MethodPost, "/api/v1/scan", nil, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// The slot is claimed before the first 202 goes out, so the second
	// request conflicts even though the scan has done no work yet.
	var out map[string]string
	resp = env.do(t, http.MethodPost, "/api/v1/scan", nil, &out)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, out["error"], "in progress")

	close(target.release)
	require.Eventually(t, func() bool {
		return env.app.scanner.State() == scan.StateCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReportsEndpoints(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.do(t, http.MethodGet, "/api/v1/reports/latest", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	rep := &types.SecurityReport{
		ID:          "rep-1",
		Status:      types.ScanCompleted,
		OverallRisk: types.RiskMedium,
		ToolResults: []types.TargetResult{{Name: "read_file", Type: types.TargetTool, RiskLevel: types.RiskMedium}},
	}
	require.NoError(t, env.db.SaveReport(context.Background(), rep))

	var metas []types.ReportMeta
	resp = env.do(t, http.MethodGet, "/api/v1/reports", nil, &metas)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, metas, 1)
	assert.Equal(t, "rep-1", metas[0].ID)

	var got types.SecurityReport
	resp = env.do(t, http.MethodGet, "/api/v1/reports/rep-1", nil, &got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, types.RiskMedium, got.OverallRisk)

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/v1/reports/rep-1/markdown", nil)
	mdResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer mdResp.Body.Close()
	require.Equal(t, http.StatusOK, mdResp.StatusCode)
	assert.True(t, strings.HasPrefix(mdResp.Header.Get("Content-Type"), "text/markdown"))
	md, err := io.ReadAll(mdResp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(md), "read_file")

	resp = env.do(t, http.MethodDelete, "/api/v1/reports/rep-1", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/reports/rep-1", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/v1/reports/rep-1", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOverview(t *testing.T) {
	env := newTestEnv(t, "")

	// Works with no stored report at all.
	var overview map[string]any
	resp := env.do(t, http.MethodGet, "/api/v1/overview", nil, &overview)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	for i := 0; i < 2; i++ {
		rep := &types.SecurityReport{
			ID:          fmt.Sprintf("rep-%d", i),
			Status:      types.ScanCompleted,
			OverallRisk: types.RiskHigh,
			Summary:     types.RiskSummary{High: 1, TotalIssues: 1},
		}
		require.NoError(t, env.db.SaveReport(context.Background(), rep))
	}

	overview = nil
	resp = env.do(t, http.MethodGet, "/api/v1/overview", nil, &overview)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, overview)
}
