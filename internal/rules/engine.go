package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/purpleroc/mcp-security-inspector/pkg/types"
)

// RuleStore persists custom rules. Built-ins are never written through it.
type RuleStore interface {
	LoadRules(ctx context.Context) ([]Rule, error)
	SaveRules(ctx context.Context, rs []Rule) error
}

// Detection is the outcome of applying the rule set to one call.
type Detection struct {
	Threats            []types.Threat
	SensitiveDataLeaks []types.SensitiveDataLeak
	RiskLevel          types.RiskLevel
}

// entry is a rule plus its compiled matcher. compileErr is only ever set for
// rules restored from persistence whose pattern no longer compiles; such
// rules are skipped at apply time.
type entry struct {
	rule       Rule
	re         *regexp.Regexp
	global     bool
	compileErr error
}

var (
	// ErrRuleNotFound is returned for lookups of unknown rule ids.
	ErrRuleNotFound = errors.New("rule not found")
	// ErrBuiltinImmutable is returned when a mutation targets a built-in
	// rule. Built-ins may only be toggled.
	ErrBuiltinImmutable = errors.New("built-in rules cannot be modified")
)

// Engine owns the full rule set and applies it to call traffic. All
// mutation goes through its CRUD entry points, which serialize writers so
// an in-progress ApplyRules pass always sees a consistent snapshot.
type Engine struct {
	log   *slog.Logger
	store RuleStore

	mu      sync.RWMutex
	entries []*entry // store order: builtins first, then customs by creation
	byID    map[string]*entry
}

// NewEngine loads the built-in rule set and any persisted custom rules.
// A persisted rule that fails validation is kept but disabled for matching,
// so a corrupted store never aborts startup.
func NewEngine(ctx context.Context, store RuleStore, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		log:   log,
		store: store,
		byID:  make(map[string]*entry),
	}

	for _, r := range Builtins() {
		e.insertLocked(r)
	}

	if store != nil {
		customs, err := store.LoadRules(ctx)
		if err != nil {
			return nil, fmt.Errorf("load custom rules: %w", err)
		}
		for _, r := range customs {
			r.IsBuiltin = false
			e.insertLocked(r)
		}
	}

	return e, nil
}

// insertLocked compiles and appends a rule. Caller holds the write lock (or
// has exclusive access during construction).
func (e *Engine) insertLocked(r Rule) {
	normalize(&r)
	en := &entry{rule: r}
	re, global, err := Compile(r.Pattern, r.Flags)
	if err != nil {
		en.compileErr = err
		e.log.Warn("rule pattern does not compile, rule will be skipped",
			"rule", r.ID, "error", err)
	} else {
		en.re = re
		en.global = global
	}
	e.entries = append(e.entries, en)
	e.byID[r.ID] = en
}

// Close persists the current custom rule set.
func (e *Engine) Close() error {
	if e.store == nil {
		return nil
	}
	e.mu.RLock()
	customs := e.customsLocked()
	e.mu.RUnlock()
	return e.store.SaveRules(context.Background(), customs)
}

func (e *Engine) customsLocked() []Rule {
	var out []Rule
	for _, en := range e.entries {
		if !en.rule.IsBuiltin {
			out = append(out, en.rule.Clone())
		}
	}
	return out
}

func (e *Engine) persistLocked(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	return e.store.SaveRules(ctx, e.customsLocked())
}

// AddCustomRule validates and adds a new custom rule. The stored rule is
// returned with its assigned id and timestamps.
func (e *Engine) AddCustomRule(ctx context.Context, r Rule) (Rule, error) {
	if res := Validate(r); !res.Valid {
		return Rule{}, fmt.Errorf("invalid rule: %s", strings.Join(res.Errors, "; "))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	r.IsBuiltin = false
	if r.ID == "" || e.byID[r.ID] != nil {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	e.insertLocked(r)
	if err := e.persistLocked(ctx); err != nil {
		return Rule{}, err
	}
	return e.byID[r.ID].rule.Clone(), nil
}

// UpdateRule replaces a custom rule's definition. Built-in rules are
// immutable apart from their enabled flag (see ToggleRule).
func (e *Engine) UpdateRule(ctx context.Context, id string, r Rule) (Rule, error) {
	if res := Validate(r); !res.Valid {
		return Rule{}, fmt.Errorf("invalid rule: %s", strings.Join(res.Errors, "; "))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	en, ok := e.byID[id]
	if !ok {
		return Rule{}, fmt.Errorf("rule %q: %w", id, ErrRuleNotFound)
	}
	if en.rule.IsBuiltin {
		return Rule{}, fmt.Errorf("rule %q: %w", id, ErrBuiltinImmutable)
	}

	r.ID = id
	r.IsBuiltin = false
	r.CreatedAt = en.rule.CreatedAt
	r.UpdatedAt = time.Now().UTC()
	normalize(&r)

	re, global, err := Compile(r.Pattern, r.Flags)
	if err != nil {
		return Rule{}, fmt.Errorf("pattern does not compile: %w", err)
	}
	en.rule = r
	en.re = re
	en.global = global
	en.compileErr = nil

	if err := e.persistLocked(ctx); err != nil {
		return Rule{}, err
	}
	return en.rule.Clone(), nil
}

// RemoveRule deletes a custom rule. Built-ins cannot be deleted.
func (e *Engine) RemoveRule(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	en, ok := e.byID[id]
	if !ok {
		return fmt.Errorf("rule %q: %w", id, ErrRuleNotFound)
	}
	if en.rule.IsBuiltin {
		return fmt.Errorf("rule %q: %w", id, ErrBuiltinImmutable)
	}

	delete(e.byID, id)
	for i, cur := range e.entries {
		if cur == en {
			e.entries = append(e.entries[:i], e.entries[i+1:]...)
			break
		}
	}
	return e.persistLocked(ctx)
}

// ToggleRule flips a rule's enabled flag. Allowed for built-ins too.
func (e *Engine) ToggleRule(ctx context.Context, id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	en, ok := e.byID[id]
	if !ok {
		return fmt.Errorf("rule %q: %w", id, ErrRuleNotFound)
	}
	if en.rule.Enabled == enabled {
		return nil
	}
	en.rule.Enabled = enabled
	en.rule.UpdatedAt = time.Now().UTC()
	return e.persistLocked(ctx)
}

// Rule returns a copy of the rule with the given id.
func (e *Engine) Rule(id string) (Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	en, ok := e.byID[id]
	if !ok {
		return Rule{}, false
	}
	return en.rule.Clone(), true
}

// AllRules returns copies of every rule in store order.
func (e *Engine) AllRules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, 0, len(e.entries))
	for _, en := range e.entries {
		out = append(out, en.rule.Clone())
	}
	return out
}

// EnabledRules returns copies of every enabled rule in store order.
func (e *Engine) EnabledRules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Rule
	for _, en := range e.entries {
		if en.rule.Enabled {
			out = append(out, en.rule.Clone())
		}
	}
	return out
}

// SearchRules returns rules whose name, description or tags contain the
// query, case-insensitively. An empty query matches everything.
func (e *Engine) SearchRules(query string) []Rule {
	q := strings.ToLower(strings.TrimSpace(query))
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Rule
	for _, en := range e.entries {
		if q == "" || ruleMatchesQuery(en.rule, q) {
			out = append(out, en.rule.Clone())
		}
	}
	return out
}

func ruleMatchesQuery(r Rule, q string) bool {
	if strings.Contains(strings.ToLower(r.Name), q) ||
		strings.Contains(strings.ToLower(r.Description), q) {
		return true
	}
	for _, tag := range r.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	return false
}

// ExportFilter selects which rules ExportRules includes.
type ExportFilter string

const (
	ExportAll     ExportFilter = "all"
	ExportCustom  ExportFilter = "custom"
	ExportEnabled ExportFilter = "enabled"
)

// ExportRules serialises the selected rules as a JSON array.
func (e *Engine) ExportRules(filter ExportFilter) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Rule, 0, len(e.entries))
	for _, en := range e.entries {
		switch filter {
		case ExportCustom:
			if en.rule.IsBuiltin {
				continue
			}
		case ExportEnabled:
			if !en.rule.Enabled {
				continue
			}
		case ExportAll, "":
		default:
			return nil, fmt.Errorf("unknown export filter %q", filter)
		}
		out = append(out, en.rule.Clone())
	}
	return json.MarshalIndent(out, "", "  ")
}

// ImportResult summarises an import run.
type ImportResult struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// ImportRules parses a JSON array of rules and adds each valid entry as a
// custom rule. Invalid entries are skipped and reported; they never abort
// the import. Id collisions with existing rules get a fresh id rather than
// overwriting.
func (e *Engine) ImportRules(ctx context.Context, data []byte) (ImportResult, error) {
	var drafts []Rule
	if err := json.Unmarshal(data, &drafts); err != nil {
		return ImportResult{}, fmt.Errorf("parse rules JSON: %w", err)
	}

	var res ImportResult

	e.mu.Lock()
	defer e.mu.Unlock()

	for i, r := range drafts {
		if v := Validate(r); !v.Valid {
			res.Skipped++
			res.Errors = append(res.Errors, fmt.Sprintf(
				"entry %d (%s): %s", i, r.Name, strings.Join(v.Errors, "; ")))
			continue
		}
		r.IsBuiltin = false
		if r.ID == "" || e.byID[r.ID] != nil {
			r.ID = uuid.NewString()
		}
		now := time.Now().UTC()
		r.CreatedAt = now
		r.UpdatedAt = now
		e.insertLocked(r)
		res.Imported++
	}

	if res.Imported > 0 {
		if err := e.persistLocked(ctx); err != nil {
			return res, err
		}
	}
	return res, nil
}

// ReplaceCustomRules swaps the entire custom rule set for the parsed
// contents of data. Used by the file watcher so a reload never duplicates
// previously imported rules. Built-ins are untouched.
func (e *Engine) ReplaceCustomRules(ctx context.Context, data []byte) (ImportResult, error) {
	var drafts []Rule
	if err := json.Unmarshal(data, &drafts); err != nil {
		return ImportResult{}, fmt.Errorf("parse rules JSON: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.entries[:0]
	for _, en := range e.entries {
		if en.rule.IsBuiltin {
			kept = append(kept, en)
		} else {
			delete(e.byID, en.rule.ID)
		}
	}
	e.entries = kept

	var res ImportResult
	for i, r := range drafts {
		if v := Validate(r); !v.Valid {
			res.Skipped++
			res.Errors = append(res.Errors, fmt.Sprintf(
				"entry %d (%s): %s", i, r.Name, strings.Join(v.Errors, "; ")))
			continue
		}
		r.IsBuiltin = false
		if r.ID == "" || e.byID[r.ID] != nil {
			r.ID = uuid.NewString()
		}
		now := time.Now().UTC()
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		r.UpdatedAt = now
		e.insertLocked(r)
		res.Imported++
	}

	if err := e.persistLocked(ctx); err != nil {
		return res, err
	}
	return res, nil
}

// ApplyRules matches every enabled rule against the call's parameters and
// output, per the rule's scope. Rules are evaluated independently over a
// consistent snapshot; a rule whose pattern fails to compile is skipped and
// logged, never aborting the remaining rules.
func (e *Engine) ApplyRules(call types.CallEvent) Detection {
	e.mu.RLock()
	snapshot := make([]*entry, len(e.entries))
	copy(snapshot, e.entries)
	e.mu.RUnlock()

	paramsText := payloadText(call.Parameters)
	outputText := payloadText(call.Output)

	var det Detection
	for _, en := range snapshot {
		if !en.rule.Enabled {
			continue
		}
		if en.compileErr != nil {
			e.log.Warn("skipping rule with broken pattern",
				"rule", en.rule.ID, "error", en.compileErr)
			continue
		}

		remaining := en.rule.MaxMatches
		if en.rule.Scope.CoversParameters() && paramsText != "" && remaining > 0 {
			remaining -= e.matchSide(en, paramsText, &det, remaining)
		}
		if en.rule.Scope.CoversOutput() && outputText != "" && remaining > 0 {
			e.matchSide(en, outputText, &det, remaining)
		}
	}

	for _, t := range det.Threats {
		det.RiskLevel = types.MaxRisk(det.RiskLevel, t.Severity)
	}
	return det
}

// matchSide runs one rule against one side of the call and appends findings.
// Returns the number of findings produced.
func (e *Engine) matchSide(en *entry, text string, det *Detection, limit int) int {
	if limit <= 0 {
		return 0
	}
	max := limit
	if !en.global {
		max = 1
	}

	matches := en.re.FindAllStringSubmatchIndex(text, max)
	for _, m := range matches {
		evidence := buildEvidence(en.rule, en.re, text, m)
		desc := en.rule.Description
		if desc == "" {
			desc = fmt.Sprintf("rule %q matched", en.rule.Name)
		}
		det.Threats = append(det.Threats, types.Threat{
			Type:        en.rule.ThreatType,
			Severity:    en.rule.RiskLevel,
			Description: desc,
			Evidence:    evidence,
		})
		if en.rule.sensitive() {
			det.SensitiveDataLeaks = append(det.SensitiveDataLeaks, types.SensitiveDataLeak{
				Type:     en.rule.ThreatType,
				Content:  evidence,
				Severity: en.rule.RiskLevel,
			})
		}
	}
	return len(matches)
}

// buildEvidence labels captured values with the rule's capture group names
// and applies masking. When masking is on, no raw matched text survives
// into the finding.
func buildEvidence(r Rule, re *regexp.Regexp, text string, m []int) string {
	groups := re.NumSubexp()
	if groups == 0 || len(r.CaptureGroups) == 0 {
		if r.MaskSensitiveData {
			return redactionMarker
		}
		return clip(text[m[0]:m[1]])
	}

	var parts []string
	for gi := 0; gi < groups && gi < len(r.CaptureGroups); gi++ {
		lo, hi := m[2*(gi+1)], m[2*(gi+1)+1]
		if lo < 0 || hi < 0 {
			continue
		}
		val := text[lo:hi]
		if r.MaskSensitiveData {
			val = redactionMarker
		} else {
			val = clip(val)
		}
		parts = append(parts, r.CaptureGroups[gi]+"="+val)
	}
	if len(parts) == 0 {
		if r.MaskSensitiveData {
			return redactionMarker
		}
		return clip(text[m[0]:m[1]])
	}
	return strings.Join(parts, ", ")
}

// maxEvidenceLen bounds how much matched text is retained per finding.
const maxEvidenceLen = 200

func clip(s string) string {
	if len(s) <= maxEvidenceLen {
		return s
	}
	return s[:maxEvidenceLen] + "…"
}

// payloadText renders a call payload for matching. JSON objects are
// flattened into "path: value" lines so patterns match the values users
// actually wrote, not JSON punctuation. Non-JSON payloads match verbatim.
func payloadText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	var b strings.Builder
	flattenValue("", v, &b)
	return strings.TrimRight(b.String(), "\n")
}

func flattenValue(path string, v any, b *strings.Builder) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			p := k
			if path != "" {
				p = path + "." + k
			}
			flattenValue(p, t[k], b)
		}
	case []any:
		for i, el := range t {
			flattenValue(fmt.Sprintf("%s[%d]", path, i), el, b)
		}
	case nil:
	case string:
		writeFlatLine(path, t, b)
	default:
		writeFlatLine(path, fmt.Sprint(t), b)
	}
}

func writeFlatLine(path, val string, b *strings.Builder) {
	if path != "" {
		b.WriteString(path)
		b.WriteString(": ")
	}
	b.WriteString(val)
	b.WriteByte('\n')
}
