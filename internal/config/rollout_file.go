package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/TimurManjosov/gorollout/internal/action"
	"github.com/TimurManjosov/gorollout/internal/metrics"
	"github.com/TimurManjosov/gorollout/internal/rollback"
	"github.com/TimurManjosov/gorollout/internal/store"
	"github.com/TimurManjosov/gorollout/internal/trigger"
)

// RolloutFile is the on-disk YAML document that declares flags, triggers and
// rollback plans together. Durations are written as strings ("5m", "30s") and
// converted when the file is compiled.
type RolloutFile struct {
	Flags    []store.FeatureFlag `yaml:"flags"`
	Triggers []TriggerDef        `yaml:"triggers"`
	Plans    []PlanDef           `yaml:"plans"`
}

// TriggerDef is the file form of a trigger definition.
type TriggerDef struct {
	ID          string      `yaml:"id"`
	Description string      `yaml:"description,omitempty"`
	Metric      string      `yaml:"metric"`
	Aggregation string      `yaml:"aggregation"`
	Window      string      `yaml:"window"`
	Operator    string      `yaml:"operator"`
	Threshold   float64     `yaml:"threshold"`
	Action      action.Spec `yaml:"action"`
	Cooldown    string      `yaml:"cooldown,omitempty"`
	MaxFires    int         `yaml:"maxFires,omitempty"`

	// Enabled defaults to true when omitted, so a trigger has to be
	// switched off explicitly.
	Enabled *bool `yaml:"enabled,omitempty"`
}

// Compile converts the definition into a validated trigger.
func (d TriggerDef) Compile() (trigger.Trigger, error) {
	window, err := parseDurationField(d.ID, "window", d.Window)
	if err != nil {
		return trigger.Trigger{}, err
	}
	cooldown, err := parseDurationField(d.ID, "cooldown", d.Cooldown)
	if err != nil {
		return trigger.Trigger{}, err
	}

	t := trigger.Trigger{
		ID:          d.ID,
		Description: d.Description,
		Metric:      d.Metric,
		Aggregation: metrics.Aggregation(d.Aggregation),
		Window:      window,
		Operator:    trigger.Comparison(d.Operator),
		Threshold:   d.Threshold,
		Action:      d.Action,
		Cooldown:    cooldown,
		MaxFires:    d.MaxFires,
		Enabled:     d.Enabled == nil || *d.Enabled,
	}
	if err := t.Validate(); err != nil {
		return trigger.Trigger{}, err
	}
	return t, nil
}

// PlanDef is the file form of a rollback plan.
type PlanDef struct {
	ID          string     `yaml:"id"`
	Component   string     `yaml:"component"`
	Description string     `yaml:"description,omitempty"`
	PreChecks   []CheckDef `yaml:"preChecks,omitempty"`
	Steps       []StepDef  `yaml:"steps"`
	PostChecks  []CheckDef `yaml:"postChecks,omitempty"`
}

// StepDef is the file form of one plan step.
type StepDef struct {
	Order             int              `yaml:"order"`
	Name              string           `yaml:"name"`
	Method            string           `yaml:"method"`
	Params            rollback.Params  `yaml:"params,omitempty"`
	Check             *CheckDef        `yaml:"check,omitempty"`
	Critical          bool             `yaml:"critical,omitempty"`
	RollbackOnFailure bool             `yaml:"rollbackOnFailure,omitempty"`
	Compensation      *CompensationDef `yaml:"compensation,omitempty"`
	Timeout           string           `yaml:"timeout,omitempty"`
	EstimatedTime     string           `yaml:"estimatedTime,omitempty"`
}

// CheckDef is the file form of a validation check reference.
type CheckDef struct {
	Name     string          `yaml:"name"`
	Params   rollback.Params `yaml:"params,omitempty"`
	Critical bool            `yaml:"critical,omitempty"`
	Timeout  string          `yaml:"timeout,omitempty"`
}

// CompensationDef is the file form of a step compensation.
type CompensationDef struct {
	Method string          `yaml:"method"`
	Params rollback.Params `yaml:"params,omitempty"`
}

// Compile converts the definition into a validated plan.
func (d PlanDef) Compile() (rollback.Plan, error) {
	p := rollback.Plan{
		ID:          d.ID,
		Component:   d.Component,
		Description: d.Description,
	}

	for _, cd := range d.PreChecks {
		check, err := cd.compile(d.ID)
		if err != nil {
			return rollback.Plan{}, err
		}
		p.PreChecks = append(p.PreChecks, check)
	}
	for _, sd := range d.Steps {
		timeout, err := parseDurationField(d.ID, fmt.Sprintf("step %s timeout", sd.Name), sd.Timeout)
		if err != nil {
			return rollback.Plan{}, err
		}
		estimated, err := parseDurationField(d.ID, fmt.Sprintf("step %s estimatedTime", sd.Name), sd.EstimatedTime)
		if err != nil {
			return rollback.Plan{}, err
		}
		step := rollback.Step{
			Order:             sd.Order,
			Name:              sd.Name,
			Method:            sd.Method,
			Params:            sd.Params,
			Critical:          sd.Critical,
			RollbackOnFailure: sd.RollbackOnFailure,
			Timeout:           timeout,
			EstimatedTime:     estimated,
		}
		if sd.Check != nil {
			check, err := sd.Check.compile(d.ID)
			if err != nil {
				return rollback.Plan{}, err
			}
			step.Check = &check
		}
		if sd.Compensation != nil {
			step.Compensation = &rollback.Compensation{
				Method: sd.Compensation.Method,
				Params: sd.Compensation.Params,
			}
		}
		p.Steps = append(p.Steps, step)
	}
	for _, cd := range d.PostChecks {
		check, err := cd.compile(d.ID)
		if err != nil {
			return rollback.Plan{}, err
		}
		p.PostChecks = append(p.PostChecks, check)
	}

	if err := p.Validate(); err != nil {
		return rollback.Plan{}, err
	}
	return p, nil
}

func (d CheckDef) compile(planID string) (rollback.CheckRef, error) {
	timeout, err := parseDurationField(planID, fmt.Sprintf("check %s timeout", d.Name), d.Timeout)
	if err != nil {
		return rollback.CheckRef{}, err
	}
	return rollback.CheckRef{
		Name:     d.Name,
		Params:   d.Params,
		Critical: d.Critical,
		Timeout:  timeout,
	}, nil
}

// RolloutSet is the compiled form of a rollout file, ready to hand to the
// flag registry, trigger engine and rollback executor.
type RolloutSet struct {
	Flags    []store.FeatureFlag
	Triggers []trigger.Trigger
	Plans    []rollback.Plan
}

// LoadRolloutFile reads and compiles a rollout definition file. An empty
// file yields an empty set.
func LoadRolloutFile(path string) (*RolloutSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rollout file: %w", err)
	}

	var file RolloutFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rollout file %s: %w", path, err)
	}
	return file.Compile()
}

// Compile validates every entry and converts the file into a RolloutSet.
// Compilation is all-or-nothing so a broken file never half-applies.
func (f RolloutFile) Compile() (*RolloutSet, error) {
	set := &RolloutSet{}

	seenFlags := make(map[string]struct{}, len(f.Flags))
	for _, flag := range f.Flags {
		if err := flag.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seenFlags[flag.Key]; dup {
			return nil, fmt.Errorf("duplicate flag key %q", flag.Key)
		}
		seenFlags[flag.Key] = struct{}{}
		set.Flags = append(set.Flags, flag)
	}

	seenTriggers := make(map[string]struct{}, len(f.Triggers))
	for _, def := range f.Triggers {
		t, err := def.Compile()
		if err != nil {
			return nil, err
		}
		if _, dup := seenTriggers[t.ID]; dup {
			return nil, fmt.Errorf("duplicate trigger id %q", t.ID)
		}
		seenTriggers[t.ID] = struct{}{}
		set.Triggers = append(set.Triggers, t)
	}

	seenPlans := make(map[string]struct{}, len(f.Plans))
	for _, def := range f.Plans {
		p, err := def.Compile()
		if err != nil {
			return nil, err
		}
		if _, dup := seenPlans[p.ID]; dup {
			return nil, fmt.Errorf("duplicate plan id %q", p.ID)
		}
		seenPlans[p.ID] = struct{}{}
		set.Plans = append(set.Plans, p)
	}

	return set, nil
}

func parseDurationField(owner, field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %s: %w", owner, field, err)
	}
	return d, nil
}
