package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func cron(name string, pairs ...interface{}) engine.Resource {
	return engine.Resource{
		Type:       "cron",
		Name:       name,
		Target:     "alice",
		Provider:   "crontab",
		Ensure:     engine.EnsurePresent,
		Properties: engine.NewProperties(pairs...),
	}
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expected := []string{"cron-command", "cron-name", "cron-schedule"}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("Expected policy %s at %d, got %s", name, i, policies[i].Name)
		}
		if !policies[i].Builtin {
			t.Errorf("Expected %s to be built-in", name)
		}
	}
}

func TestEvaluate_BuiltinPolicies(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name          string
		resource      engine.Resource
		expectAllowed bool
		violations    int
		warnings      int
	}{
		{
			name:          "well formed entry",
			resource:      cron("backup", "command", "/bin/backup", "minute", "0", "hour", "2"),
			expectAllowed: true,
		},
		{
			name:          "line break in name",
			resource:      cron("a\nb", "command", "/bin/backup", "hour", "2"),
			expectAllowed: false,
			violations:    1,
		},
		{
			name:          "whitespace around name",
			resource:      cron(" backup", "command", "/bin/backup", "hour", "2"),
			expectAllowed: false,
			violations:    1,
		},
		{
			name:          "relative command",
			resource:      cron("backup", "command", "backup.sh", "hour", "2"),
			expectAllowed: true,
			warnings:      1,
		},
		{
			name:          "no command",
			resource:      cron("backup", "hour", "2"),
			expectAllowed: true,
			warnings:      1,
		},
		{
			name:          "every minute",
			resource:      cron("backup", "command", "/bin/backup", "minute", "*"),
			expectAllowed: true,
			warnings:      1,
		},
		{
			name:          "special schedule",
			resource:      cron("backup", "command", "/bin/backup", "special", "daily"),
			expectAllowed: true,
		},
		{
			name: "absent entry is not checked",
			resource: engine.Resource{
				Type:   "cron",
				Name:   "old",
				Ensure: engine.EnsureAbsent,
			},
			expectAllowed: true,
		},
		{
			name: "other types are ignored",
			resource: engine.Resource{
				Type:   "host",
				Name:   "a\nb",
				Ensure: engine.EnsurePresent,
			},
			expectAllowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.Evaluate(context.Background(), []engine.Resource{tt.resource})
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}

			if result.Allowed != tt.expectAllowed {
				t.Errorf("Expected allowed=%v, got %v (violations: %v)", tt.expectAllowed, result.Allowed, result.Violations)
			}
			if len(result.Violations) != tt.violations {
				t.Errorf("Expected %d violations, got %v", tt.violations, result.Violations)
			}
			if len(result.Warnings) != tt.warnings {
				t.Errorf("Expected %d warnings, got %v", tt.warnings, result.Warnings)
			}
			if len(result.Errors) != 0 {
				t.Errorf("Unexpected evaluation errors: %v", result.Errors)
			}
		})
	}
}

func TestAdmit(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.Admit(ctx, []engine.Resource{cron("backup", "command", "backup.sh", "hour", "2")}); err != nil {
		t.Errorf("Expected warnings to be admitted, got %v", err)
	}

	err := eng.Admit(ctx, []engine.Resource{
		cron("backup", "command", "/bin/backup", "hour", "2"),
		cron("bad\nname", "command", "/bin/backup", "hour", "2"),
	})
	if err == nil {
		t.Fatal("Expected admission to fail")
	}
	if !engine.HasCode(err, engine.ErrCodePolicyViolation) {
		t.Errorf("Expected policy violation error, got %v", err)
	}
}

func TestAdmit_RejectsRun(t *testing.T) {
	eng := newTestEngine(t)

	registry := engine.NewRegistry()
	conv := engine.NewConverger(registry, engine.WithAdmitter(eng))

	_, err := conv.Run(context.Background(), []engine.Resource{cron("bad\nname", "command", "/bin/x", "hour", "1")}, engine.RunOptions{})
	if !engine.HasCode(err, engine.ErrCodePolicyViolation) {
		t.Errorf("Expected run to be rejected by policy, got %v", err)
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	resources := []engine.Resource{cron("a\nb", "command", "/bin/x", "hour", "1")}

	if err := eng.DisablePolicy("cron-name"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}
	result, err := eng.Evaluate(ctx, resources)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !result.Allowed {
		t.Error("Expected disabled policy not to block")
	}
	for _, name := range result.EvaluatedPolicies {
		if name == "cron-name" {
			t.Error("Disabled policy was evaluated")
		}
	}

	if err := eng.EnablePolicy("cron-name"); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	result, err = eng.Evaluate(ctx, resources)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if result.Allowed {
		t.Error("Expected enabled policy to block")
	}

	if err := eng.EnablePolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestLoadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	dir := t.TempDir()
	rego := `package site.cron

# severity: error

import rego.v1

deny contains msg if {
	input.resource.type == "cron"
	input.resource.properties.hour == "12"
	msg := sprintf("%s must not run at noon", [input.resource.name])
}`
	if err := os.WriteFile(filepath.Join(dir, "noon.rego"), []byte(rego), 0644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}
	if _, err := eng.GetPolicy("noon"); err != nil {
		t.Fatalf("Expected loaded policy: %v", err)
	}

	result, err := eng.Evaluate(ctx, []engine.Resource{cron("report", "command", "/bin/report", "hour", "12")})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if result.Allowed || len(result.Violations) != 1 {
		t.Fatalf("Expected one blocking violation, got %+v", result)
	}
	v := result.Violations[0]
	if v.Policy != "noon" || v.Resource != "cron[report]" || v.Message != "report must not run at noon" {
		t.Errorf("Unexpected violation: %+v", v)
	}

	if err := eng.ReloadPolicies(ctx); err != nil {
		t.Fatalf("Failed to reload policies: %v", err)
	}
	if _, err := eng.GetPolicy("noon"); err == nil {
		t.Error("Expected reload to drop loaded policies")
	}
}

func TestAddPolicies_CompileError(t *testing.T) {
	eng := newTestEngine(t)

	err := eng.AddPolicies(context.Background(), []Policy{
		{Name: "good", Rego: "package good\n", Severity: SeverityError, Enabled: true},
		{Name: "broken", Rego: "package broken\ndeny contains", Severity: SeverityError, Enabled: true},
	})
	if err == nil {
		t.Fatal("Expected compile error")
	}
	if _, err := eng.GetPolicy("good"); err == nil {
		t.Error("Expected no policy to be added when one fails")
	}
}
