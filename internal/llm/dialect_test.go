package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/purpleroc/mcp-security-inspector/pkg/types"
)

// llmServer plays an OpenAI- or Anthropic-shaped endpoint and records the
// requests it sees.
type llmServer struct {
	t       *testing.T
	dialect Dialect

	mu       sync.Mutex
	reply    string
	status   int
	requests []recordedRequest
}

type recordedRequest struct {
	path   string
	header http.Header
	body   map[string]any
}

func newLLMServer(t *testing.T, dialect Dialect) (*llmServer, *httptest.Server) {
	t.Helper()
	ls := &llmServer{t: t, dialect: dialect, status: http.StatusOK}
	ts := httptest.NewServer(http.HandlerFunc(ls.handle))
	t.Cleanup(ts.Close)
	return ls, ts
}

func (s *llmServer) handle(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.requests = append(s.requests, recordedRequest{path: r.URL.Path, header: r.Header.Clone(), body: body})
	reply, status := s.reply, s.status
	s.mu.Unlock()

	if status != http.StatusOK {
		http.Error(w, "upstream unhappy", status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch s.dialect {
	case DialectAnthropic:
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{{"type": "text", "text": reply}},
		})
	default:
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": reply}}},
		})
	}
}

func (s *llmServer) setReply(reply string) {
	s.mu.Lock()
	s.reply = reply
	s.mu.Unlock()
}

func (s *llmServer) setStatus(code int) {
	s.mu.Lock()
	s.status = code
	s.mu.Unlock()
}

func (s *llmServer) lastRequest() recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(s.t, s.requests)
	return s.requests[len(s.requests)-1]
}

func newTestClient(t *testing.T, dialect Dialect, baseURL string) *HTTPClient {
	t.Helper()
	c, err := NewHTTPClient(Options{
		Dialect: dialect,
		BaseURL: baseURL,
		APIKey:  "test-key",
		Model:   "test-model",
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestNewHTTPClient_Validation(t *testing.T) {
	_, err := NewHTTPClient(Options{Dialect: "cohere", Model: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown llm dialect")

	_, err = NewHTTPClient(Options{Dialect: DialectOpenAI})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model is required")

	c, err := NewHTTPClient(Options{Dialect: DialectAnthropic, Model: "m", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "https://api.anthropic.com", c.opts.BaseURL)
	assert.Equal(t, 2048, c.opts.MaxTokens)
}

func TestOpenAIWireFormat(t *testing.T) {
	srv, ts := newLLMServer(t, DialectOpenAI)
	srv.setReply(`[]`)
	c := newTestClient(t, DialectOpenAI, ts.URL)

	_, err := c.GenerateTestCases(context.Background(), TargetDescription{Name: "read_file"}, 3)
	require.NoError(t, err)

	req := srv.lastRequest()
	assert.Equal(t, "/v1/chat/completions", req.path)
	assert.Equal(t, "Bearer test-key", req.header.Get("Authorization"))
	assert.Equal(t, "test-model", req.body["model"])

	msgs, ok := req.body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	first := msgs[0].(map[string]any)
	second := msgs[1].(map[string]any)
	assert.Equal(t, "system", first["role"])
	assert.Equal(t, "user", second["role"])
	assert.Contains(t, second["content"], "read_file")
}

func TestAnthropicWireFormat(t *testing.T) {
	srv, ts := newLLMServer(t, DialectAnthropic)
	srv.setReply(`[]`)
	c := newTestClient(t, DialectAnthropic, ts.URL)

	_, err := c.GenerateTestCases(context.Background(), TargetDescription{Name: "read_file"}, 3)
	require.NoError(t, err)

	req := srv.lastRequest()
	assert.Equal(t, "/v1/messages", req.path)
	assert.Equal(t, "test-key", req.header.Get("x-api-key"))
	assert.Equal(t, "2023-06-01", req.header.Get("anthropic-version"))
	assert.NotEmpty(t, req.body["system"])
	assert.EqualValues(t, 2048, req.body["max_tokens"])

	msgs, ok := req.body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].(map[string]any)["role"])
}

func TestHTTPErrorSurfaced(t *testing.T) {
	srv, ts := newLLMServer(t, DialectOpenAI)
	srv.setStatus(http.StatusTooManyRequests)
	c := newTestClient(t, DialectOpenAI, ts.URL)

	_, err := c.GenerateTestCases(context.Background(), TargetDescription{Name: "t"}, 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm http 429")
}

func TestGenerateTestCases(t *testing.T) {
	srv, ts := newLLMServer(t, DialectOpenAI)
	c := newTestClient(t, DialectOpenAI, ts.URL)

	t.Run("fenced reply", func(t *testing.T) {
		srv.setReply("```json\n[{\"testCase\": \"traversal\", \"parameters\": {\"path\": \"../../etc/passwd\"}}]\n```")
		cases, err := c.GenerateTestCases(context.Background(), TargetDescription{Name: "read_file"}, 5)
		require.NoError(t, err)
		require.Len(t, cases, 1)
		assert.Equal(t, "traversal", cases[0].TestCase)
		assert.JSONEq(t, `{"path": "../../etc/passwd"}`, string(cases[0].Parameters))
	})

	t.Run("truncated to max", func(t *testing.T) {
		var many []TestCase
		for i := 0; i < 8; i++ {
			many = append(many, TestCase{TestCase: fmt.Sprintf("case-%d", i)})
		}
		raw, err := json.Marshal(many)
		require.NoError(t, err)
		srv.setReply(string(raw))

		cases, err := c.GenerateTestCases(context.Background(), TargetDescription{Name: "t"}, 3)
		require.NoError(t, err)
		assert.Len(t, cases, 3)
	})

	t.Run("prose reply is an error", func(t *testing.T) {
		srv.setReply("I cannot help with that.")
		_, err := c.GenerateTestCases(context.Background(), TargetDescription{Name: "t"}, 3)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not a test case array")
	})
}

func TestAssessRisk(t *testing.T) {
	srv, ts := newLLMServer(t, DialectOpenAI)
	c := newTestClient(t, DialectOpenAI, ts.URL)

	t.Run("structured reply", func(t *testing.T) {
		srv.setReply(`{"riskLevel": "high", "description": "reads host files",
"evidence": "root:x:0:0", "recommendation": "deny path traversal"}`)
		a, err := c.AssessRisk(context.Background(), "read_file", json.RawMessage(`{"path":"../../etc/passwd"}`), "root:x:0:0:root")
		require.NoError(t, err)
		assert.Equal(t, types.RiskHigh, a.RiskLevel)
		assert.Equal(t, "reads host files", a.Description)
		assert.Empty(t, a.RawAnalysis)
	})

	t.Run("prose reply kept raw", func(t *testing.T) {
		srv.setReply("This looks dangerous but I cannot structure it.")
		a, err := c.AssessRisk(context.Background(), "read_file", nil, "output")
		require.NoError(t, err)
		assert.Equal(t, types.RiskUnknown, a.RiskLevel)
		assert.Equal(t, "This looks dangerous but I cannot structure it.", a.RawAnalysis)
	})

	t.Run("unrecognised level does not guess", func(t *testing.T) {
		srv.setReply(`{"riskLevel": "catastrophic", "description": "bad"}`)
		a, err := c.AssessRisk(context.Background(), "read_file", nil, "output")
		require.NoError(t, err)
		assert.Equal(t, types.RiskUnknown, a.RiskLevel)
		assert.Equal(t, "bad", a.Description)
		assert.NotEmpty(t, a.RawAnalysis)
	})
}

func TestSummarize(t *testing.T) {
	srv, ts := newLLMServer(t, DialectAnthropic)
	srv.setReply("The scanned server exposes one critical tool.")
	c := newTestClient(t, DialectAnthropic, ts.URL)

	rep := &types.SecurityReport{
		OverallRisk: types.RiskCritical,
		ToolResults: []types.TargetResult{{Name: "execute_command", Type: types.TargetTool, RiskLevel: types.RiskCritical}},
	}
	text, err := c.Summarize(context.Background(), rep)
	require.NoError(t, err)
	assert.Equal(t, "The scanned server exposes one critical tool.", text)

	req := srv.lastRequest()
	msgs := req.body["messages"].([]any)
	assert.Contains(t, msgs[0].(map[string]any)["content"], "execute_command")
}

func TestStripCodeFence(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{`{"a": 1}`, `{"a": 1}`},
		{"```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"```\n[1, 2]\n```", `[1, 2]`},
		{"  ```json\n{}\n```  ", `{}`},
	}
	for _, tc := range cases {
		if got := stripCodeFence(tc.in); got != tc.want {
			t.Errorf("stripCodeFence(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
