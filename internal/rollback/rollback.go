// Package rollback runs remediation plans: ordered step lists with
// per-step validation gates, optional compensating actions and pre/post
// plan checks. Execution is forward-only. A failed step never triggers an
// automatic undo of the steps before it; each step declares its own
// compensation and is responsible for cleaning up after itself.
package rollback

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of one execution.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// StepStatus is the terminal (or in-flight) state of one step within an
// execution.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepRunning     StepStatus = "running"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
	StepSkipped     StepStatus = "skipped"
)

// Compensation undoes its step's effect after a failure.
type Compensation struct {
	Method string `json:"method" yaml:"method"`
	Params Params `json:"params,omitempty" yaml:"params,omitempty"`
}

// CheckRef names a registered validation check. Critical checks abort the
// plan when they fail; non-critical ones are recorded and skipped over.
type CheckRef struct {
	Name     string        `json:"name" yaml:"name"`
	Params   Params        `json:"params,omitempty" yaml:"params,omitempty"`
	Critical bool          `json:"critical,omitempty" yaml:"critical,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty" yaml:"-"`
}

// Step is one remediation action within a plan.
//
// On failure the outcome depends on the step's declaration: a step with
// RollbackOnFailure runs its Compensation, and when it is non-critical the
// plan continues past it. Every other failure aborts the plan with the
// remaining steps skipped.
type Step struct {
	Order  int    `json:"order" yaml:"order"`
	Name   string `json:"name" yaml:"name"`
	Method string `json:"method" yaml:"method"`
	Params Params `json:"params,omitempty" yaml:"params,omitempty"`

	// Check gates the step: it runs after the method and its failure or
	// timeout counts as a step failure.
	Check *CheckRef `json:"check,omitempty" yaml:"check,omitempty"`

	Critical          bool          `json:"critical,omitempty" yaml:"critical,omitempty"`
	RollbackOnFailure bool          `json:"rollbackOnFailure,omitempty" yaml:"rollbackOnFailure,omitempty"`
	Compensation      *Compensation `json:"compensation,omitempty" yaml:"compensation,omitempty"`

	// Timeout bounds the method call. Zero uses the executor default.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"-"`
	// EstimatedTime is informational, surfaced in plan listings.
	EstimatedTime time.Duration `json:"estimatedTime,omitempty" yaml:"-"`
}

// Plan is an immutable remediation template. Each run instantiates a fresh
// Execution; the plan itself is never mutated.
type Plan struct {
	ID          string     `json:"id" yaml:"id"`
	Component   string     `json:"component" yaml:"component"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	PreChecks   []CheckRef `json:"preChecks,omitempty" yaml:"preChecks,omitempty"`
	Steps       []Step     `json:"steps" yaml:"steps"`
	PostChecks  []CheckRef `json:"postChecks,omitempty" yaml:"postChecks,omitempty"`
}

// Validate checks plan shape: identifiers present, at least one step, step
// orders strictly increasing, and a compensation wherever rollbackOnFailure
// asks for one.
func (p Plan) Validate() error {
	if p.ID == "" {
		return errors.New("plan id is required")
	}
	if p.Component == "" {
		return fmt.Errorf("plan %s: component is required", p.ID)
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan %s: at least one step is required", p.ID)
	}

	prev := 0
	for _, s := range p.Steps {
		if s.Name == "" {
			return fmt.Errorf("plan %s: every step needs a name", p.ID)
		}
		if s.Method == "" {
			return fmt.Errorf("plan %s step %s: method is required", p.ID, s.Name)
		}
		if s.Order <= prev {
			return fmt.Errorf("plan %s step %s: orders must be strictly increasing, got %d after %d", p.ID, s.Name, s.Order, prev)
		}
		prev = s.Order
		if s.RollbackOnFailure && (s.Compensation == nil || s.Compensation.Method == "") {
			return fmt.Errorf("plan %s step %s: rollbackOnFailure requires a compensation method", p.ID, s.Name)
		}
		if s.Timeout < 0 {
			return fmt.Errorf("plan %s step %s: timeout must not be negative", p.ID, s.Name)
		}
		if s.Check != nil && s.Check.Name == "" {
			return fmt.Errorf("plan %s step %s: check name is required", p.ID, s.Name)
		}
	}

	for _, c := range append(append([]CheckRef{}, p.PreChecks...), p.PostChecks...) {
		if c.Name == "" {
			return fmt.Errorf("plan %s: every check needs a name", p.ID)
		}
	}
	return nil
}

// StepResult records one step's outcome on an execution.
type StepResult struct {
	Order      int        `json:"order"`
	Name       string     `json:"name"`
	Method     string     `json:"method"`
	Status     StepStatus `json:"status"`
	Message    string     `json:"message,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	DurationMs int64      `json:"durationMs"`
}

// CheckResult records one validation check's outcome.
type CheckResult struct {
	Name       string `json:"name"`
	Critical   bool   `json:"critical"`
	Passed     bool   `json:"passed"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// Execution is the append-only record of one plan run. Once the status is
// terminal the record never changes again.
type Execution struct {
	ID         string        `json:"id"`
	PlanID     string        `json:"planId"`
	Component  string        `json:"component"`
	Reason     string        `json:"reason,omitempty"`
	Status     Status        `json:"status"`
	PreChecks  []CheckResult `json:"preChecks,omitempty"`
	Steps      []StepResult  `json:"steps"`
	PostChecks []CheckResult `json:"postChecks,omitempty"`
	Logs       []string      `json:"logs,omitempty"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	DurationMs int64         `json:"durationMs"`
}

// Terminal reports whether the execution reached a final state.
func (e Execution) Terminal() bool {
	switch e.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (e *Execution) clone() Execution {
	out := *e
	out.PreChecks = append([]CheckResult(nil), e.PreChecks...)
	out.Steps = append([]StepResult(nil), e.Steps...)
	out.PostChecks = append([]CheckResult(nil), e.PostChecks...)
	out.Logs = append([]string(nil), e.Logs...)
	return out
}
