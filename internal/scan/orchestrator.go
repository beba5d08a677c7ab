// Package scan implements the active scanner: it enumerates a server's
// capabilities, executes adversarial test cases against each one and
// aggregates the findings into a SecurityReport. One scan may be in flight
// at a time; cancellation is cooperative.
package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"

	"github.com/purpleroc/mcp-security-inspector/internal/config"
	"github.com/purpleroc/mcp-security-inspector/internal/events"
	"github.com/purpleroc/mcp-security-inspector/internal/llm"
	"github.com/purpleroc/mcp-security-inspector/internal/mcp"
	"github.com/purpleroc/mcp-security-inspector/internal/report"
	"github.com/purpleroc/mcp-security-inspector/internal/rules"
	"github.com/purpleroc/mcp-security-inspector/pkg/types"
)

// State is the orchestrator's lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StatePreparing State = "preparing"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// ErrScanInProgress is returned when Start is called while a scan is
// already running. The second scan performs no work.
var ErrScanInProgress = errors.New("scan already in progress")

// ProgressFunc receives progress updates. Percent is monotonically
// non-decreasing across one scan.
type ProgressFunc func(percent int, message string)

// LogAppender persists scan log entries; the broker fan-out happens
// independently of it.
type LogAppender interface {
	Append(ctx context.Context, entry types.ScanLogEntry) error
}

// Orchestrator drives comprehensive scans. Construct with NewOrchestrator;
// the zero value is not usable.
type Orchestrator struct {
	mcp    mcp.Client
	llm    llm.Client // nil disables generation and analysis
	engine *rules.Engine
	broker *events.Broker
	logDst LogAppender
	log    *slog.Logger

	mu        sync.Mutex
	state     State
	cancelled bool
	progress  int
}

func NewOrchestrator(mcpClient mcp.Client, llmClient llm.Client, engine *rules.Engine,
	broker *events.Broker, logDst LogAppender, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		mcp:    mcpClient,
		llm:    llmClient,
		engine: engine,
		broker: broker,
		logDst: logDst,
		log:    log,
		state:  StateIdle,
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Progress returns the last reported percent.
func (o *Orchestrator) Progress() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

// Cancel requests cooperative cancellation of the in-flight scan. The flag
// is checked between test-case executions and between targets; an in-flight
// call is never force-aborted.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StatePreparing || o.state == StateRunning {
		o.cancelled = true
	}
}

func (o *Orchestrator) isCancelled(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled
}

// begin claims the single scan slot. It is the synchronous part of Start:
// callers that want the conflict answer before any scan work runs (the HTTP
// handler replying 409 vs 202) go through StartBackground, which calls begin
// on the caller's goroutine.
func (o *Orchestrator) begin() error {
	if o.mcp == nil {
		return errors.New("no scan target configured")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StatePreparing || o.state == StateRunning {
		return ErrScanInProgress
	}
	o.state = StatePreparing
	o.cancelled = false
	o.progress = 0
	return nil
}

// Start runs one comprehensive scan. It always returns a report, even for
// failed or cancelled scans, so partial results are never lost; the report
// status distinguishes the three outcomes. A second Start while a scan is
// in flight fails fast with ErrScanInProgress.
func (o *Orchestrator) Start(ctx context.Context, cfg config.SecurityCheckConfig, onProgress ProgressFunc) (*types.SecurityReport, error) {
	if err := o.begin(); err != nil {
		return nil, err
	}
	return o.run(ctx, cfg, onProgress)
}

// StartBackground claims the scan slot on the caller's goroutine and runs
// the scan on a new one, so a conflict or missing target is reported before
// any work starts. The finished report reaches the caller through onDone.
func (o *Orchestrator) StartBackground(ctx context.Context, cfg config.SecurityCheckConfig, onDone func(*types.SecurityReport, error)) error {
	if err := o.begin(); err != nil {
		return err
	}
	go func() {
		rep, err := o.run(ctx, cfg, nil)
		if onDone != nil {
			onDone(rep, err)
		}
	}()
	return nil
}

// run executes a scan whose slot begin already claimed.
func (o *Orchestrator) run(ctx context.Context, cfg config.SecurityCheckConfig, onProgress ProgressFunc) (*types.SecurityReport, error) {
	rep := &types.SecurityReport{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
	}

	run := &scanRun{o: o, cfg: cfg, onProgress: onProgress, rep: rep}
	err := run.execute(ctx)

	o.mu.Lock()
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		rep.Status = types.ScanCancelled
		o.state = StateCancelled
	case err != nil:
		rep.Status = types.ScanFailed
		rep.Error = err.Error()
		o.state = StateFailed
	case o.cancelled:
		rep.Status = types.ScanCancelled
		o.state = StateCancelled
	default:
		rep.Status = types.ScanCompleted
		o.state = StateCompleted
	}
	o.mu.Unlock()

	rep.Summary = report.BuildSummary(rep)
	rep.OverallRisk = report.OverallRisk(rep)
	rep.Recommendations = report.Recommendations(rep)

	run.progressTo(100, fmt.Sprintf("scan %s", rep.Status))
	run.logf("info", "", "scan %s: %d issue(s), overall risk %s",
		rep.Status, rep.Summary.TotalIssues, rep.OverallRisk)

	if err != nil && !errors.Is(err, context.Canceled) {
		return rep, err
	}
	return rep, nil
}

// scanRun carries the state of one Start invocation.
type scanRun struct {
	o          *Orchestrator
	cfg        config.SecurityCheckConfig
	onProgress ProgressFunc
	rep        *types.SecurityReport

	include []glob.Glob
	exclude []glob.Glob
}

func (r *scanRun) execute(ctx context.Context) error {
	if err := r.compileFilters(); err != nil {
		return err
	}

	r.progressTo(2, "enumerating capabilities")
	r.logf("info", "", "scan %s started", r.rep.ID)

	tools, toolsErr := r.o.mcp.ListTools(ctx)
	resources, resErr := r.o.mcp.ListResources(ctx)
	prompts, promptsErr := r.o.mcp.ListPrompts(ctx)

	for kind, err := range map[string]error{
		"tools": toolsErr, "resources": resErr, "prompts": promptsErr,
	} {
		if err != nil {
			r.logf("warn", "", "enumerate %s: %v", kind, err)
		}
	}
	if toolsErr != nil && resErr != nil && promptsErr != nil {
		return fmt.Errorf("capability enumeration failed: %w", toolsErr)
	}

	targets := r.collectTargets(tools, resources, prompts)
	r.progressTo(5, fmt.Sprintf("found %d target(s)", len(targets)))

	o := r.o
	mu := &o.mu
	mu.Lock()
	o.state = StateRunning
	mu.Unlock()

	for i, tgt := range targets {
		if o.isCancelled(ctx) {
			r.logf("warn", "", "scan cancelled after %d of %d target(s)", i, len(targets))
			return ctx.Err()
		}

		result := r.scanTarget(ctx, tgt)
		switch tgt.kind {
		case types.TargetTool:
			r.rep.ToolResults = append(r.rep.ToolResults, result)
		case types.TargetResource:
			r.rep.ResourceResults = append(r.rep.ResourceResults, result)
		case types.TargetPrompt:
			r.rep.PromptResults = append(r.rep.PromptResults, result)
		}

		// Targets span 5%..90% of the progress bar.
		pct := 5 + (i+1)*85/len(targets)
		r.progressTo(pct, fmt.Sprintf("scanned %s (%d/%d)", tgt.name, i+1, len(targets)))
	}

	if o.isCancelled(ctx) {
		return ctx.Err()
	}

	r.summarize(ctx)
	return nil
}

func (r *scanRun) compileFilters() error {
	for _, p := range r.cfg.IncludeTargets {
		g, err := glob.Compile(p)
		if err != nil {
			return fmt.Errorf("bad include pattern %q: %w", p, err)
		}
		r.include = append(r.include, g)
	}
	for _, p := range r.cfg.ExcludeTargets {
		g, err := glob.Compile(p)
		if err != nil {
			return fmt.Errorf("bad exclude pattern %q: %w", p, err)
		}
		r.exclude = append(r.exclude, g)
	}
	return nil
}

func (r *scanRun) wantTarget(name string) bool {
	for _, g := range r.exclude {
		if g.Match(name) {
			return false
		}
	}
	if len(r.include) == 0 {
		return true
	}
	for _, g := range r.include {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// target is one capability to scan, with enough description for the model.
type target struct {
	kind   types.TargetType
	name   string
	desc   llm.TargetDescription
	invoke func(ctx context.Context, params json.RawMessage) (string, error)
}

func (r *scanRun) collectTargets(tools []mcp.Tool, resources []mcp.Resource, prompts []mcp.Prompt) []target {
	var out []target
	for _, t := range tools {
		t := t
		if !r.wantTarget(t.Name) {
			continue
		}
		out = append(out, target{
			kind: types.TargetTool,
			name: t.Name,
			desc: llm.TargetDescription{
				Name: t.Name, Type: types.TargetTool,
				Description: t.Description, InputSchema: t.InputSchema,
			},
			invoke: func(ctx context.Context, params json.RawMessage) (string, error) {
				return r.o.mcp.CallTool(ctx, t.Name, params)
			},
		})
	}
	for _, res := range resources {
		res := res
		name := res.Name
		if name == "" {
			name = res.URI
		}
		if !r.wantTarget(name) {
			continue
		}
		out = append(out, target{
			kind: types.TargetResource,
			name: name,
			desc: llm.TargetDescription{
				Name: res.URI, Type: types.TargetResource, Description: res.Description,
			},
			invoke: func(ctx context.Context, _ json.RawMessage) (string, error) {
				return r.o.mcp.ReadResource(ctx, res.URI)
			},
		})
	}
	for _, p := range prompts {
		p := p
		if !r.wantTarget(p.Name) {
			continue
		}
		out = append(out, target{
			kind: types.TargetPrompt,
			name: p.Name,
			desc: llm.TargetDescription{
				Name: p.Name, Type: types.TargetPrompt, Description: p.Description,
			},
			invoke: func(ctx context.Context, params json.RawMessage) (string, error) {
				var args map[string]string
				if len(params) > 0 {
					// Prompt arguments are string-valued; drop anything else.
					_ = json.Unmarshal(params, &args)
				}
				return r.o.mcp.GetPrompt(ctx, p.Name, args)
			},
		})
	}
	return out
}

// scanTarget runs the full test-case pipeline for one capability.
func (r *scanRun) scanTarget(ctx context.Context, tgt target) types.TargetResult {
	result := types.TargetResult{Name: tgt.name, Type: tgt.kind}

	cases := r.testCases(ctx, tgt)
	for _, tc := range cases {
		if r.o.isCancelled(ctx) {
			break
		}
		tr, threats := r.runTestCase(ctx, tgt, tc)
		result.TestResults = append(result.TestResults, tr)

		if tr.RiskAssessment != nil {
			result.RiskLevel = types.MaxRisk(result.RiskLevel, tr.RiskAssessment.RiskLevel)
		}
		for _, t := range threats {
			if !hasThreat(result.Vulnerabilities, t) {
				result.Vulnerabilities = append(result.Vulnerabilities, t)
			}
		}
	}

	for _, v := range result.Vulnerabilities {
		result.RiskLevel = types.MaxRisk(result.RiskLevel, v.Severity)
	}
	return result
}

// testCase pairs an input with its provenance.
type testCase struct {
	desc   string
	params json.RawMessage
	source types.TestSource
}

func (r *scanRun) testCases(ctx context.Context, tgt target) []testCase {
	maxCases := r.cfg.MaxTestCases
	if maxCases <= 0 {
		maxCases = 5
	}

	if r.cfg.AutoGenerate && r.o.llm != nil {
		generated, err := r.o.llm.GenerateTestCases(ctx, tgt.desc, maxCases)
		if err != nil {
			// A generation failure costs this target its test cases, never
			// the scan.
			r.logf("warn", tgt.name, "test case generation failed: %v", err)
			return nil
		}
		out := make([]testCase, 0, len(generated))
		for _, g := range generated {
			out = append(out, testCase{desc: g.TestCase, params: g.Parameters, source: types.SourceLLMGenerated})
		}
		r.logf("info", tgt.name, "generated %d test case(s)", len(out))
		return out
	}

	static := staticTestCases(tgt.kind, tgt.desc)
	if len(static) > maxCases {
		static = static[:maxCases]
	}
	return static
}

func (r *scanRun) runTestCase(ctx context.Context, tgt target, tc testCase) (types.SecurityTestResult, []types.Threat) {
	tr := types.SecurityTestResult{
		TestCase:   tc.desc,
		Parameters: tc.params,
		Source:     tc.source,
		ScanType:   types.ScanActive,
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout())
	output, err := tgt.invoke(callCtx, tc.params)
	cancel()

	tr.Result = output
	if err != nil {
		tr.Error = err.Error()
		r.logf("warn", tgt.name, "test %q failed: %v", tc.desc, err)
	}

	// Pattern detection over the test's own traffic. The rule engine finds
	// what the model may miss and works without a model configured.
	var threats []types.Threat
	if r.o.engine != nil {
		det := r.o.engine.ApplyRules(types.CallEvent{
			Type:       tgt.kind,
			TargetName: tgt.name,
			Parameters: tc.params,
			Output:     json.RawMessage(mustJSONString(output)),
			Timestamp:  time.Now().UTC(),
		})
		threats = det.Threats
	}

	if r.cfg.EnableLLMAnalysis && r.o.llm != nil && err == nil {
		assessment, aerr := r.o.llm.AssessRisk(ctx, tgt.name, tc.params, output)
		if aerr != nil {
			r.logf("warn", tgt.name, "risk assessment failed: %v", aerr)
		} else {
			tr.RiskAssessment = &assessment
		}
	}
	return tr, threats
}

func hasThreat(list []types.Threat, t types.Threat) bool {
	for _, existing := range list {
		if existing.Type == t.Type && existing.Evidence == t.Evidence {
			return true
		}
	}
	return false
}

func (r *scanRun) summarize(ctx context.Context) {
	if !r.cfg.EnableLLMAnalysis || r.o.llm == nil {
		return
	}
	r.progressTo(92, "requesting risk narrative")
	r.rep.Summary = report.BuildSummary(r.rep)
	r.rep.OverallRisk = report.OverallRisk(r.rep)
	analysis, err := r.o.llm.Summarize(ctx, r.rep)
	if err != nil {
		// The narrative is garnish; the scan still completes without it.
		r.logf("warn", "", "report summarisation failed: %v", err)
		return
	}
	r.rep.ComprehensiveRiskAnalysis = analysis
}

// progressTo reports progress, clamped so percentages never go backwards.
func (r *scanRun) progressTo(pct int, msg string) {
	o := r.o
	o.mu.Lock()
	if pct < o.progress {
		pct = o.progress
	}
	o.progress = pct
	o.mu.Unlock()

	if r.onProgress != nil {
		r.onProgress(pct, msg)
	}
	if o.broker != nil {
		o.broker.Publish(events.Event{
			Topic:   events.TopicScanProgress,
			Payload: types.ScanProgress{Percent: pct, Message: msg},
		})
	}
}

// logf appends one entry to the scan log: slog, the broker stream and the
// persistent log all see it.
func (r *scanRun) logf(level, targetName, format string, args ...any) {
	entry := types.ScanLogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   fmt.Sprintf(format, args...),
		Target:    targetName,
	}

	switch level {
	case "warn":
		r.o.log.Warn(entry.Message, "target", targetName)
	default:
		r.o.log.Info(entry.Message, "target", targetName)
	}
	if r.o.broker != nil {
		r.o.broker.Publish(events.Event{Topic: events.TopicScanLog, Payload: entry})
	}
	if r.o.logDst != nil {
		if err := r.o.logDst.Append(context.Background(), entry); err != nil {
			r.o.log.Warn("append scan log", "error", err)
		}
	}
}

// mustJSONString encodes a raw string as a JSON string value so the rule
// engine sees it as a payload, never as malformed JSON.
func mustJSONString(s string) []byte {
	b, err := json.Marshal(s)
	if err != nil {
		return []byte(`""`)
	}
	return b
}
