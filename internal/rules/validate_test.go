package rules

import (
	"strings"
	"testing"

	"github.com/purpleroc/mcp-security-inspector/pkg/types"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Rule)
		wantValid bool
		wantErr   string
	}{
		{
			name:      "minimal valid rule",
			mutate:    func(*Rule) {},
			wantValid: true,
		},
		{
			name:    "missing name",
			mutate:  func(r *Rule) { r.Name = "  " },
			wantErr: "name is required",
		},
		{
			name:    "missing pattern",
			mutate:  func(r *Rule) { r.Pattern = "" },
			wantErr: "pattern is required",
		},
		{
			name:    "missing threat type",
			mutate:  func(r *Rule) { r.ThreatType = "" },
			wantErr: "threatType is required",
		},
		{
			name:    "broken pattern",
			mutate:  func(r *Rule) { r.Pattern = `([` },
			wantErr: "does not compile",
		},
		{
			name:    "unknown scope",
			mutate:  func(r *Rule) { r.Scope = "sideways" },
			wantErr: "unknown scope",
		},
		{
			name:    "unknown category",
			mutate:  func(r *Rule) { r.Category = "vibes" },
			wantErr: "unknown category",
		},
		{
			name:    "unknown risk level",
			mutate:  func(r *Rule) { r.RiskLevel = "mild" },
			wantErr: "unknown riskLevel",
		},
		{
			name:    "negative max matches",
			mutate:  func(r *Rule) { r.MaxMatches = -1 },
			wantErr: "maxMatches",
		},
		{
			name:      "valid with explicit enums",
			mutate:    func(r *Rule) { r.Scope = types.ScopeOutput; r.RiskLevel = types.RiskHigh; r.Category = types.CategorySecurity },
			wantValid: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Rule{Name: "n", Pattern: `x+`, ThreatType: "t"}
			tt.mutate(&r)

			res := Validate(r)
			if res.Valid != tt.wantValid {
				t.Fatalf("Valid = %v, want %v (errors: %v)", res.Valid, tt.wantValid, res.Errors)
			}
			if tt.wantErr != "" {
				found := false
				for _, e := range res.Errors {
					if strings.Contains(e, tt.wantErr) {
						found = true
					}
				}
				if !found {
					t.Fatalf("errors %v do not mention %q", res.Errors, tt.wantErr)
				}
			}
		})
	}
}

func TestValidate_CaptureGroupWarning(t *testing.T) {
	r := Rule{
		Name:          "n",
		Pattern:       `no-groups-here`,
		ThreatType:    "t",
		CaptureGroups: []string{"value"},
	}
	res := Validate(r)
	if !res.Valid {
		t.Fatalf("rule should be valid, errors: %v", res.Errors)
	}
	if len(res.Warnings) == 0 {
		t.Fatal("expected a warning about captureGroups without groups in the pattern")
	}
}

func TestValidate_HighMaxMatchesWarning(t *testing.T) {
	r := Rule{Name: "n", Pattern: `x`, ThreatType: "t", MaxMatches: 500}
	res := Validate(r)
	if !res.Valid {
		t.Fatalf("rule should be valid, errors: %v", res.Errors)
	}
	if len(res.Warnings) == 0 {
		t.Fatal("expected a warning about a very high maxMatches")
	}
}

func TestValidate_IsPure(t *testing.T) {
	r := Rule{Name: "n", Pattern: `x`, ThreatType: "t"}
	_ = Validate(r)
	if r.Scope != "" || r.Flags != "" || r.MaxMatches != 0 {
		t.Fatalf("Validate mutated the draft: %+v", r)
	}
}

func TestBuiltins_AllValidAndImmutableSource(t *testing.T) {
	a := Builtins()
	b := Builtins()

	if len(a) == 0 {
		t.Fatal("no builtin rules")
	}
	for _, r := range a {
		if !r.IsBuiltin {
			t.Errorf("builtin %s missing IsBuiltin flag", r.ID)
		}
		if res := Validate(r); !res.Valid {
			t.Errorf("builtin %s does not validate: %v", r.ID, res.Errors)
		}
	}

	// Mutating one returned slice must not affect the next.
	a[0].Name = "mutated"
	a[0].Tags = append(a[0].Tags, "junk")
	if b[0].Name == "mutated" {
		t.Fatal("Builtins returns shared state")
	}
}

func TestCompile_Flags(t *testing.T) {
	re, global, err := Compile(`abc`, "gi")
	if err != nil {
		t.Fatal(err)
	}
	if !global {
		t.Error("g flag should select global matching")
	}
	if !re.MatchString("xxABCxx") {
		t.Error("i flag should make matching case-insensitive")
	}

	_, global, err = Compile(`abc`, "i")
	if err != nil {
		t.Fatal(err)
	}
	if global {
		t.Error("global should be false without g")
	}
}
