package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/purpleroc/mcp-security-inspector/pkg/types"
)

// Client is the capability-server interface the inspector core needs.
type Client interface {
	ListTools(ctx context.Context) ([]Tool, error)
	ListResources(ctx context.Context) ([]Resource, error)
	ListPrompts(ctx context.Context) ([]Prompt, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (string, error)
	ReadResource(ctx context.Context, uri string) (string, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (string, error)
	Watch(ctx context.Context) (<-chan types.CallEvent, error)
	Close() error
}

// AuthConfig describes how requests to the server are authenticated.
type AuthConfig struct {
	// Type is one of "none", "api_key", "bearer".
	Type string `yaml:"type" json:"type"`
	// Header overrides the header name for api_key auth (default X-API-Key).
	Header string `yaml:"header,omitempty" json:"header,omitempty"`
	Key    string `yaml:"key,omitempty" json:"key,omitempty"`
}

// Options configures an HTTP client.
type Options struct {
	Endpoint       string
	EventsEndpoint string // websocket tap for live call events, optional
	Auth           AuthConfig
	Timeout        time.Duration
	TLSFingerprint string // optional SPKI pin, "sha256:<hex>"
	HTTPClient     *http.Client
}

// HTTPClient speaks JSON-RPC 2.0 over streamable HTTP. The server may
// answer with plain JSON or with an SSE body carrying the response.
type HTTPClient struct {
	opts      Options
	http      *http.Client
	nextID    atomic.Int64
	mu        sync.Mutex
	sessionID string
}

// NewHTTPClient creates a client for the given endpoint. The MCP
// initialize handshake is performed lazily on the first request.
func NewHTTPClient(opts Options) (*HTTPClient, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("mcp endpoint is empty")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if err := ValidateTLSFingerprint(opts.TLSFingerprint); err != nil {
		return nil, err
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
		if opts.TLSFingerprint != "" {
			hc.Transport = newPinnedTransport(opts.TLSFingerprint)
		}
	}
	return &HTTPClient{opts: opts, http: hc}, nil
}

func (c *HTTPClient) Close() error { return nil }

// ensureSession performs the initialize handshake once.
func (c *HTTPClient) ensureSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID != "" {
		return nil
	}

	params := map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo": map[string]string{
			"name":    "mcp-security-inspector",
			"version": "1.0",
		},
		"capabilities": map[string]any{},
	}
	resp, httpResp, err := c.post(ctx, request{
		JSONRPC: "2.0", ID: c.nextID.Add(1), Method: "initialize", Params: params,
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize: %w", resp.Error)
	}
	if sid := httpResp.Header.Get("Mcp-Session-Id"); sid != "" {
		c.sessionID = sid
	} else {
		c.sessionID = "stateless"
	}

	// Fire-and-forget per the spec; failures here are not fatal.
	_, _, _ = c.post(ctx, request{JSONRPC: "2.0", Method: "notifications/initialized"})
	return nil
}

// call issues one JSON-RPC request and decodes its result into out.
func (c *HTTPClient) call(ctx context.Context, method string, params any, out any) error {
	if err := c.ensureSession(ctx); err != nil {
		return err
	}
	resp, _, err := c.post(ctx, request{
		JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("%s: %w", method, resp.Error)
	}
	if out != nil {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}

// post sends the request and parses either a JSON or an SSE response body.
func (c *HTTPClient) post(ctx context.Context, rpc request) (*response, *http.Response, error) {
	body, err := json.Marshal(rpc)
	if err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if c.sessionID != "" && c.sessionID != "stateless" {
		req.Header.Set("Mcp-Session-Id", c.sessionID)
	}
	c.applyAuth(req)

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusAccepted {
		// Notification accepted, no body.
		return &response{JSONRPC: "2.0"}, httpResp, nil
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, httpResp, fmt.Errorf("http %d: %s", httpResp.StatusCode, strings.TrimSpace(string(b)))
	}

	ct := httpResp.Header.Get("Content-Type")
	var resp response
	if strings.HasPrefix(ct, "text/event-stream") {
		data, err := readSSEData(httpResp.Body)
		if err != nil {
			return nil, httpResp, err
		}
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, httpResp, fmt.Errorf("decode sse payload: %w", err)
		}
	} else {
		if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
			return nil, httpResp, fmt.Errorf("decode response: %w", err)
		}
	}
	return &resp, httpResp, nil
}

func (c *HTTPClient) applyAuth(req *http.Request) {
	switch strings.ToLower(c.opts.Auth.Type) {
	case "", "none":
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+c.opts.Auth.Key)
	case "api_key":
		header := c.opts.Auth.Header
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, c.opts.Auth.Key)
	}
}

// readSSEData returns the first complete data payload of an SSE body.
func readSSEData(r io.Reader) ([]byte, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var data bytes.Buffer
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "data:") {
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			continue
		}
		if line == "" && data.Len() > 0 {
			return data.Bytes(), nil
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read sse: %w", err)
	}
	if data.Len() > 0 {
		return data.Bytes(), nil
	}
	return nil, fmt.Errorf("sse stream ended without data")
}

// ListTools enumerates the server's tools.
func (c *HTTPClient) ListTools(ctx context.Context) ([]Tool, error) {
	var res toolsListResult
	if err := c.call(ctx, "tools/list", map[string]any{}, &res); err != nil {
		return nil, err
	}
	return res.Tools, nil
}

// ListResources enumerates the server's resources.
func (c *HTTPClient) ListResources(ctx context.Context) ([]Resource, error) {
	var res resourcesListResult
	if err := c.call(ctx, "resources/list", map[string]any{}, &res); err != nil {
		return nil, err
	}
	return res.Resources, nil
}

// ListPrompts enumerates the server's prompt templates.
func (c *HTTPClient) ListPrompts(ctx context.Context) ([]Prompt, error) {
	var res promptsListResult
	if err := c.call(ctx, "prompts/list", map[string]any{}, &res); err != nil {
		return nil, err
	}
	return res.Prompts, nil
}

// CallTool invokes a tool and returns its flattened text output. A tool
// result flagged isError still returns the text, with a non-nil error.
func (c *HTTPClient) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	params := map[string]any{"name": name}
	if len(args) > 0 {
		params["arguments"] = args
	}
	var res callToolResult
	if err := c.call(ctx, "tools/call", params, &res); err != nil {
		return "", err
	}
	text := flattenContent(res.Content)
	if res.IsError {
		return text, fmt.Errorf("tool %q returned an error result", name)
	}
	return text, nil
}

// ReadResource fetches a resource's text contents.
func (c *HTTPClient) ReadResource(ctx context.Context, uri string) (string, error) {
	var res readResourceResult
	if err := c.call(ctx, "resources/read", map[string]any{"uri": uri}, &res); err != nil {
		return "", err
	}
	var parts []string
	for _, content := range res.Contents {
		if content.Text != "" {
			parts = append(parts, content.Text)
		}
	}
	return strings.Join(parts, "\n"), nil
}

// GetPrompt renders a prompt template and returns its message text.
func (c *HTTPClient) GetPrompt(ctx context.Context, name string, args map[string]string) (string, error) {
	params := map[string]any{"name": name}
	if len(args) > 0 {
		params["arguments"] = args
	}
	var res getPromptResult
	if err := c.call(ctx, "prompts/get", params, &res); err != nil {
		return "", err
	}
	var parts []string
	for _, msg := range res.Messages {
		if msg.Content.Type == "text" && msg.Content.Text != "" {
			parts = append(parts, msg.Content.Text)
		}
	}
	return strings.Join(parts, "\n"), nil
}
