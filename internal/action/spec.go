package action

import "fmt"

var validSeverities = map[string]struct{}{
	"info":     {},
	"warning":  {},
	"critical": {},
}

// Spec is the declarative form of an action as it appears in trigger
// configuration files and API payloads. Only the fields relevant to Type are
// consulted; Compile rejects underspecified definitions.
type Spec struct {
	Type          string `json:"type" yaml:"type"`
	FlagKey       string `json:"flagKey,omitempty" yaml:"flagKey,omitempty"`
	PercentPoints int    `json:"percentPoints,omitempty" yaml:"percentPoints,omitempty"`
	Component     string `json:"component,omitempty" yaml:"component,omitempty"`
	PlanID        string `json:"planId,omitempty" yaml:"planId,omitempty"`
	Team          string `json:"team,omitempty" yaml:"team,omitempty"`
	Severity      string `json:"severity,omitempty" yaml:"severity,omitempty"`
	Message       string `json:"message,omitempty" yaml:"message,omitempty"`
	Migration     string `json:"migration,omitempty" yaml:"migration,omitempty"`
}

// Compile turns a declarative Spec into its concrete Action.
func (s Spec) Compile() (Action, error) {
	switch s.Type {
	case "disableFlag":
		if s.FlagKey == "" {
			return nil, fmt.Errorf("disableFlag requires flagKey")
		}
		return DisableFlag{FlagKey: s.FlagKey}, nil

	case "reduceRollout":
		if s.FlagKey == "" {
			return nil, fmt.Errorf("reduceRollout requires flagKey")
		}
		if s.PercentPoints <= 0 || s.PercentPoints > 100 {
			return nil, fmt.Errorf("reduceRollout percentPoints %d outside (0,100]", s.PercentPoints)
		}
		return ReduceRollout{FlagKey: s.FlagKey, PercentPoints: s.PercentPoints}, nil

	case "rollbackComponent":
		if s.Component == "" {
			return nil, fmt.Errorf("rollbackComponent requires component")
		}
		return RollbackComponent{Component: s.Component, PlanID: s.PlanID}, nil

	case "alertTeam":
		if s.Team == "" {
			return nil, fmt.Errorf("alertTeam requires team")
		}
		severity := s.Severity
		if severity == "" {
			severity = "warning"
		}
		if _, ok := validSeverities[severity]; !ok {
			return nil, fmt.Errorf("alertTeam severity %q is not one of info, warning, critical", s.Severity)
		}
		return AlertTeam{Team: s.Team, Severity: severity, Message: s.Message}, nil

	case "pauseMigration":
		if s.Migration == "" {
			return nil, fmt.Errorf("pauseMigration requires migration")
		}
		return PauseMigration{Migration: s.Migration}, nil

	case "collectDiagnostics":
		if s.Component == "" {
			return nil, fmt.Errorf("collectDiagnostics requires component")
		}
		return CollectDiagnostics{Component: s.Component}, nil

	case "":
		return nil, fmt.Errorf("action type is required")

	default:
		return nil, fmt.Errorf("unknown action type %q", s.Type)
	}
}
