// Package action defines the closed set of remediations a fired trigger can
// request, and the dispatcher that executes them.
//
// Actions are a sealed sum type: every variant lives in this package and the
// dispatcher switches over all of them, so adding a variant without a handler
// fails at compile time instead of at dispatch time.
package action

// Action is one concrete remediation.
type Action interface {
	// Name is the stable identifier used in configuration and audit records.
	Name() string
	// Target is the primary resource the action operates on.
	Target() string

	isAction()
}

// DisableFlag turns a feature flag off entirely. Naturally idempotent: the
// flag ends up disabled no matter how often it runs.
type DisableFlag struct {
	FlagKey string
}

func (a DisableFlag) Name() string   { return "disableFlag" }
func (a DisableFlag) Target() string { return a.FlagKey }
func (DisableFlag) isAction()        {}

// ReduceRollout lowers a flag's rollout percentage by a fixed number of
// points, clamped at zero.
type ReduceRollout struct {
	FlagKey       string
	PercentPoints int
}

func (a ReduceRollout) Name() string   { return "reduceRollout" }
func (a ReduceRollout) Target() string { return a.FlagKey }
func (ReduceRollout) isAction()        {}

// RollbackComponent starts the rollback plan registered for a component.
// PlanID, when set, selects a specific plan instead of the component default.
type RollbackComponent struct {
	Component string
	PlanID    string
}

func (a RollbackComponent) Name() string   { return "rollbackComponent" }
func (a RollbackComponent) Target() string { return a.Component }
func (RollbackComponent) isAction()        {}

// AlertTeam notifies a team through the configured notification channels
// without touching any flag or deployment state.
type AlertTeam struct {
	Team     string
	Severity string // info, warning or critical; empty means warning
	Message  string
}

func (a AlertTeam) Name() string   { return "alertTeam" }
func (a AlertTeam) Target() string { return a.Team }
func (AlertTeam) isAction()        {}

// PauseMigration disables the gate flag of an in-flight data migration so it
// stops advancing. Gate flags follow the MigrationFlagKey naming scheme.
type PauseMigration struct {
	Migration string
}

func (a PauseMigration) Name() string   { return "pauseMigration" }
func (a PauseMigration) Target() string { return a.Migration }
func (PauseMigration) isAction()        {}

// CollectDiagnostics captures a diagnostic snapshot for a component and
// attaches it to the audit record of the firing.
type CollectDiagnostics struct {
	Component string
}

func (a CollectDiagnostics) Name() string   { return "collectDiagnostics" }
func (a CollectDiagnostics) Target() string { return a.Component }
func (CollectDiagnostics) isAction()        {}

// MigrationFlagKey returns the gate flag key for a named migration.
func MigrationFlagKey(migration string) string {
	return "migration:" + migration
}
