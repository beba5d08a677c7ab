// Package client is the HTTP client the CLI uses against a running
// inspector server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/purpleroc/mcp-security-inspector/internal/rules"
	"github.com/purpleroc/mcp-security-inspector/pkg/types"
)

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func New(baseURL, apiKey string) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) ListRules(ctx context.Context, query string) ([]rules.Rule, error) {
	q := url.Values{}
	if query != "" {
		q.Set("q", query)
	}
	var out []rules.Rule
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/rules", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateRule(ctx context.Context, r rules.Rule) (rules.Rule, error) {
	var out rules.Rule
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/rules", nil, r, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Client) DeleteRule(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/rules/"+url.PathEscape(id), nil, nil, nil)
}

func (c *Client) ToggleRule(ctx context.Context, id string, enabled bool) error {
	body := map[string]any{"enabled": enabled}
	return c.doJSON(ctx, http.MethodPost, "/api/v1/rules/"+url.PathEscape(id)+"/toggle", nil, body, nil)
}

func (c *Client) ValidateRule(ctx context.Context, r rules.Rule) (rules.ValidationResult, error) {
	var out rules.ValidationResult
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/rules/validate", nil, r, &out)
	return out, err
}

func (c *Client) ExportRules(ctx context.Context, filter string) ([]byte, error) {
	q := url.Values{}
	if filter != "" {
		q.Set("filter", filter)
	}
	return c.doRaw(ctx, http.MethodGet, "/api/v1/rules/export", q, nil)
}

func (c *Client) ImportRules(ctx context.Context, data []byte) (rules.ImportResult, error) {
	var out rules.ImportResult
	err := c.doJSONRaw(ctx, http.MethodPost, "/api/v1/rules/import", data, &out)
	return out, err
}

func (c *Client) EnableMonitor(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/monitor/enable", nil, nil, nil)
}

func (c *Client) DisableMonitor(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/monitor/disable", nil, nil, nil)
}

type MonitorStatus struct {
	Enabled   bool   `json:"enabled"`
	Inspected uint64 `json:"inspected"`
	Matched   uint64 `json:"matched"`
	Buffered  int    `json:"buffered"`
}

func (c *Client) MonitorStatus(ctx context.Context) (MonitorStatus, error) {
	var out MonitorStatus
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/monitor/status", nil, nil, &out)
	return out, err
}

func (c *Client) MonitorResults(ctx context.Context) ([]types.PassiveDetectionResult, error) {
	var out []types.PassiveDetectionResult
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/monitor/results", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ClearMonitorResults(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/monitor/results", nil, nil, nil)
}

func (c *Client) StartScan(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/scan", nil, nil, nil)
}

func (c *Client) CancelScan(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/scan/cancel", nil, nil, nil)
}

type ScanStatus struct {
	State    string `json:"state"`
	Progress int    `json:"progress"`
}

func (c *Client) ScanStatus(ctx context.Context) (ScanStatus, error) {
	var out ScanStatus
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/scan/status", nil, nil, &out)
	return out, err
}

func (c *Client) ListReports(ctx context.Context, limit int) ([]types.ReportMeta, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var out []types.ReportMeta
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/reports", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Report(ctx context.Context, id string) (*types.SecurityReport, error) {
	path := "/api/v1/reports/" + url.PathEscape(id)
	if id == "latest" {
		path = "/api/v1/reports/latest"
	}
	var out types.SecurityReport
	if err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ReportMarkdown(ctx context.Context, id string) ([]byte, error) {
	return c.doRaw(ctx, http.MethodGet, "/api/v1/reports/"+url.PathEscape(id)+"/markdown", nil, nil)
}

func (c *Client) Overview(ctx context.Context) (types.UnifiedSecurityOverview, error) {
	var out types.UnifiedSecurityOverview
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/overview", nil, nil, &out)
	return out, err
}

func (c *Client) addAuth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, q url.Values, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}
	data, err := c.do(ctx, method, path, q, payload)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *Client) doJSONRaw(ctx context.Context, method, path string, payload []byte, out any) error {
	data, err := c.do(ctx, method, path, nil, payload)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *Client) doRaw(ctx context.Context, method, path string, q url.Values, payload []byte) ([]byte, error) {
	return c.do(ctx, method, path, q, payload)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, payload []byte) ([]byte, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var r io.Reader
	if payload != nil {
		r = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, err
	}
	c.addAuth(req)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(b)))
	}
	return b, nil
}
