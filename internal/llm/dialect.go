package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Dialect identifies an LLM API provider.
type Dialect string

const (
	DialectOpenAI    Dialect = "openai"
	DialectAnthropic Dialect = "anthropic"
)

// Options configures an HTTPClient.
type Options struct {
	Dialect    Dialect
	BaseURL    string // defaults per dialect
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxTokens  int
	HTTPClient *http.Client
}

// HTTPClient talks to a provider's REST API directly. No SDK: the two wire
// formats are small and stable.
type HTTPClient struct {
	opts Options
	http *http.Client
}

// NewHTTPClient validates options and returns a ready client.
func NewHTTPClient(opts Options) (*HTTPClient, error) {
	switch opts.Dialect {
	case DialectOpenAI:
		if opts.BaseURL == "" {
			opts.BaseURL = "https://api.openai.com"
		}
	case DialectAnthropic:
		if opts.BaseURL == "" {
			opts.BaseURL = "https://api.anthropic.com"
		}
	default:
		return nil, fmt.Errorf("unknown llm dialect %q", opts.Dialect)
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("llm model is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 2048
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &HTTPClient{opts: opts, http: hc}, nil
}

// complete sends one prompt and returns the model's text reply.
func (c *HTTPClient) complete(ctx context.Context, system, prompt string) (string, error) {
	var (
		url     string
		body    any
		headers = map[string]string{"Content-Type": "application/json"}
	)

	switch c.opts.Dialect {
	case DialectAnthropic:
		url = strings.TrimRight(c.opts.BaseURL, "/") + "/v1/messages"
		headers["x-api-key"] = c.opts.APIKey
		headers["anthropic-version"] = "2023-06-01"
		body = map[string]any{
			"model":      c.opts.Model,
			"max_tokens": c.opts.MaxTokens,
			"system":     system,
			"messages": []map[string]string{
				{"role": "user", "content": prompt},
			},
		}
	default: // openai
		url = strings.TrimRight(c.opts.BaseURL, "/") + "/v1/chat/completions"
		headers["Authorization"] = "Bearer " + c.opts.APIKey
		body = map[string]any{
			"model": c.opts.Model,
			"messages": []map[string]string{
				{"role": "system", "content": system},
				{"role": "user", "content": prompt},
			},
		}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return "", fmt.Errorf("read llm response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("llm http %d: %s", resp.StatusCode, clipErrBody(data))
	}

	return c.extractText(data)
}

func clipErrBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 300 {
		s = s[:300] + "…"
	}
	return s
}

// extractText pulls the assistant text out of the provider-specific envelope.
func (c *HTTPClient) extractText(data []byte) (string, error) {
	switch c.opts.Dialect {
	case DialectAnthropic:
		var env struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			return "", fmt.Errorf("decode anthropic response: %w", err)
		}
		var parts []string
		for _, blk := range env.Content {
			if blk.Type == "text" {
				parts = append(parts, blk.Text)
			}
		}
		if len(parts) == 0 {
			return "", fmt.Errorf("anthropic response has no text content")
		}
		return strings.Join(parts, "\n"), nil
	default:
		var env struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			return "", fmt.Errorf("decode openai response: %w", err)
		}
		if len(env.Choices) == 0 {
			return "", fmt.Errorf("openai response has no choices")
		}
		return env.Choices[0].Message.Content, nil
	}
}

// stripCodeFence removes a surrounding ```json ... ``` fence if present.
// Models wrap JSON replies in fences regardless of instructions.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
