// Package llm implements the language-model collaborator used by the scan
// orchestrator: adversarial test-case generation, per-result risk
// assessment and whole-report summarisation. Providers are addressed
// through dialects (OpenAI chat completions, Anthropic messages).
package llm

import (
	"context"
	"encoding/json"

	"github.com/purpleroc/mcp-security-inspector/pkg/types"
)

// TestCase is one synthesized adversarial input for a target.
type TestCase struct {
	TestCase   string          `json:"testCase"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// TargetDescription tells the model what it is attacking.
type TargetDescription struct {
	Name        string          `json:"name"`
	Type        types.TargetType `json:"type"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Client is the model collaborator interface. Every method may fail with a
// typed transport error; a malformed model reply is not an error for
// AssessRisk — the raw text is kept and the risk left undetermined.
type Client interface {
	GenerateTestCases(ctx context.Context, target TargetDescription, max int) ([]TestCase, error)
	AssessRisk(ctx context.Context, target string, params json.RawMessage, result string) (types.RiskAssessment, error)
	Summarize(ctx context.Context, report *types.SecurityReport) (string, error)
}
