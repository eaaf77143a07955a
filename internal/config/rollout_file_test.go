package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/TimurManjosov/gorollout/internal/action"
	"github.com/TimurManjosov/gorollout/internal/metrics"
	"github.com/TimurManjosov/gorollout/internal/store"
	"github.com/TimurManjosov/gorollout/internal/trigger"
)

func writeRolloutFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rollout.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write rollout file: %v", err)
	}
	return path
}

func TestLoadRolloutFile(t *testing.T) {
	path := writeRolloutFile(t, `
flags:
  - key: new-checkout
    description: Redesigned checkout flow
    enabled: true
    rolloutPercentage: 25
    owner: payments
    riskLevel: high
    conditions:
      - type: environment
        operator: in
        value: ["staging", "dev"]
  - key: beta-search
    enabled: false
    rolloutPercentage: 0

triggers:
  - id: checkout-error-rate
    metric: checkout_error_rate
    aggregation: avg
    window: 5m
    operator: greaterThan
    threshold: 5
    cooldown: 15m
    action:
      type: disableFlag
      flagKey: new-checkout
  - id: search-latency
    description: Slow search responses
    metric: search_latency_ms
    aggregation: p95
    window: 10m
    operator: greaterOrEqual
    threshold: 750
    maxFires: 3
    enabled: false
    action:
      type: rollbackComponent
      component: search

plans:
  - id: search-rollback
    component: search
    description: Restore the previous search deployment
    preChecks:
      - name: flag.disabled
        params:
          flag: beta-search
    steps:
      - order: 1
        name: reduce-exposure
        method: flag.setRollout
        params:
          flag: new-checkout
          percent: 10
        timeout: 30s
        rollbackOnFailure: true
        compensation:
          method: flag.setRollout
          params:
            flag: new-checkout
            percent: 25
        check:
          name: flag.rolloutAtMost
          params:
            flag: new-checkout
            percent: 10
          timeout: 5s
      - order: 2
        name: settle
        method: wait
        params:
          duration: 10s
        estimatedTime: 10s
    postChecks:
      - name: metric.below
        critical: true
        params:
          metric: checkout_error_rate
          threshold: 2
`)

	set, err := LoadRolloutFile(path)
	if err != nil {
		t.Fatalf("LoadRolloutFile() failed: %v", err)
	}

	if len(set.Flags) != 2 {
		t.Fatalf("expected 2 flags, got %d", len(set.Flags))
	}
	checkout := set.Flags[0]
	if checkout.Key != "new-checkout" || checkout.Rollout != 25 || !checkout.Enabled {
		t.Errorf("unexpected first flag: %+v", checkout)
	}
	if len(checkout.Conditions) != 1 {
		t.Fatalf("expected 1 condition on %s, got %d", checkout.Key, len(checkout.Conditions))
	}

	if len(set.Triggers) != 2 {
		t.Fatalf("expected 2 triggers, got %d", len(set.Triggers))
	}
	errRate := set.Triggers[0]
	if errRate.ID != "checkout-error-rate" {
		t.Fatalf("unexpected trigger order: %s first", errRate.ID)
	}
	if errRate.Window != 5*time.Minute {
		t.Errorf("expected window 5m, got %v", errRate.Window)
	}
	if errRate.Cooldown != 15*time.Minute {
		t.Errorf("expected cooldown 15m, got %v", errRate.Cooldown)
	}
	if !errRate.Enabled {
		t.Error("trigger without enabled key should default to enabled")
	}
	if errRate.Operator != trigger.CmpGreaterThan {
		t.Errorf("expected greaterThan, got %s", errRate.Operator)
	}
	if errRate.Action.Type != "disableFlag" || errRate.Action.FlagKey != "new-checkout" {
		t.Errorf("unexpected action: %+v", errRate.Action)
	}

	latency := set.Triggers[1]
	if latency.Enabled {
		t.Error("explicitly disabled trigger should stay disabled")
	}
	if latency.Aggregation != metrics.AggP95 {
		t.Errorf("expected p95 aggregation, got %s", latency.Aggregation)
	}
	if latency.MaxFires != 3 {
		t.Errorf("expected maxFires 3, got %d", latency.MaxFires)
	}

	if len(set.Plans) != 1 {
		t.Fatalf("expected 1 plan, got %d", len(set.Plans))
	}
	plan := set.Plans[0]
	if plan.Component != "search" {
		t.Errorf("expected component 'search', got '%s'", plan.Component)
	}
	if len(plan.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(plan.Steps))
	}
	first := plan.Steps[0]
	if first.Timeout != 30*time.Second {
		t.Errorf("expected step timeout 30s, got %v", first.Timeout)
	}
	if first.Check == nil || first.Check.Timeout != 5*time.Second {
		t.Errorf("expected check timeout 5s, got %+v", first.Check)
	}
	if first.Compensation == nil || first.Compensation.Method != "flag.setRollout" {
		t.Errorf("expected compensation flag.setRollout, got %+v", first.Compensation)
	}
	if plan.Steps[1].EstimatedTime != 10*time.Second {
		t.Errorf("expected estimatedTime 10s, got %v", plan.Steps[1].EstimatedTime)
	}
	if len(plan.PreChecks) != 1 || plan.PreChecks[0].Name != "flag.disabled" {
		t.Errorf("unexpected preChecks: %+v", plan.PreChecks)
	}
	if len(plan.PostChecks) != 1 || !plan.PostChecks[0].Critical {
		t.Errorf("unexpected postChecks: %+v", plan.PostChecks)
	}
}

func TestLoadRolloutFile_EmptyFile(t *testing.T) {
	path := writeRolloutFile(t, "")

	set, err := LoadRolloutFile(path)
	if err != nil {
		t.Fatalf("empty file should load: %v", err)
	}
	if len(set.Flags) != 0 || len(set.Triggers) != 0 || len(set.Plans) != 0 {
		t.Errorf("empty file should produce an empty set, got %+v", set)
	}
}

func TestLoadRolloutFile_MissingFile(t *testing.T) {
	_, err := LoadRolloutFile(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestLoadRolloutFile_Malformed(t *testing.T) {
	path := writeRolloutFile(t, "flags:\n  - key: [broken\n")
	_, err := LoadRolloutFile(path)
	if err == nil || !strings.Contains(err.Error(), "parse rollout file") {
		t.Fatalf("expected a parse error, got %v", err)
	}
}

func validTriggerDef(id string) TriggerDef {
	return TriggerDef{
		ID:          id,
		Metric:      "error_rate",
		Aggregation: "avg",
		Window:      "5m",
		Operator:    "greaterThan",
		Threshold:   5,
		Action:      action.Spec{Type: "disableFlag", FlagKey: "beta-search"},
	}
}

func validPlanDef(id string) PlanDef {
	return PlanDef{
		ID:        id,
		Component: "search",
		Steps: []StepDef{
			{Order: 1, Name: "disable", Method: "flag.disable", Params: map[string]any{"flag": "beta-search"}},
		},
	}
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    RolloutFile
		wantErr string
	}{
		{
			name: "invalid flag rollout",
			file: RolloutFile{
				Flags: []store.FeatureFlag{{Key: "x", Rollout: 140}},
			},
			wantErr: "rollout percentage",
		},
		{
			name: "duplicate flag key",
			file: RolloutFile{
				Flags: []store.FeatureFlag{{Key: "x"}, {Key: "x"}},
			},
			wantErr: "duplicate flag key",
		},
		{
			name: "bad trigger window",
			file: RolloutFile{
				Triggers: []TriggerDef{func() TriggerDef {
					d := validTriggerDef("t")
					d.Window = "five minutes"
					return d
				}()},
			},
			wantErr: "window",
		},
		{
			name: "unknown trigger operator",
			file: RolloutFile{
				Triggers: []TriggerDef{func() TriggerDef {
					d := validTriggerDef("t")
					d.Operator = "approximately"
					return d
				}()},
			},
			wantErr: "comparison operator",
		},
		{
			name: "trigger action does not compile",
			file: RolloutFile{
				Triggers: []TriggerDef{func() TriggerDef {
					d := validTriggerDef("t")
					d.Action = action.Spec{Type: "disableFlag"}
					return d
				}()},
			},
			wantErr: "flagKey",
		},
		{
			name: "duplicate trigger id",
			file: RolloutFile{
				Triggers: []TriggerDef{validTriggerDef("t"), validTriggerDef("t")},
			},
			wantErr: "duplicate trigger id",
		},
		{
			name: "plan orders not increasing",
			file: RolloutFile{
				Plans: []PlanDef{{
					ID:        "p",
					Component: "search",
					Steps: []StepDef{
						{Order: 2, Name: "a", Method: "wait"},
						{Order: 2, Name: "b", Method: "wait"},
					},
				}},
			},
			wantErr: "strictly increasing",
		},
		{
			name: "rollbackOnFailure without compensation",
			file: RolloutFile{
				Plans: []PlanDef{{
					ID:        "p",
					Component: "search",
					Steps: []StepDef{
						{Order: 1, Name: "a", Method: "wait", RollbackOnFailure: true},
					},
				}},
			},
			wantErr: "compensation",
		},
		{
			name: "bad step timeout",
			file: RolloutFile{
				Plans: []PlanDef{{
					ID:        "p",
					Component: "search",
					Steps: []StepDef{
						{Order: 1, Name: "a", Method: "wait", Timeout: "soon"},
					},
				}},
			},
			wantErr: "timeout",
		},
		{
			name: "duplicate plan id",
			file: RolloutFile{
				Plans: []PlanDef{validPlanDef("p"), validPlanDef("p")},
			},
			wantErr: "duplicate plan id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.file.Compile()
			if err == nil {
				t.Fatal("Compile() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should mention %q", err, tt.wantErr)
			}
		})
	}
}
