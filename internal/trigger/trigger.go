// Package trigger runs the background control loop that watches metric
// windows and fires remediation actions when thresholds are breached.
package trigger

import (
	"errors"
	"fmt"
	"time"

	"github.com/TimurManjosov/gorollout/internal/action"
	"github.com/TimurManjosov/gorollout/internal/metrics"
)

// ErrTriggerNotFound is returned for operations on unregistered trigger IDs.
var ErrTriggerNotFound = errors.New("trigger not found")

// ErrTriggerExists is returned when registering a trigger whose ID is taken.
var ErrTriggerExists = errors.New("trigger already exists")

// Comparison is the closed set of threshold comparisons a trigger can use.
type Comparison string

const (
	CmpGreaterThan    Comparison = "greaterThan"
	CmpGreaterOrEqual Comparison = "greaterOrEqual"
	CmpLessThan       Comparison = "lessThan"
	CmpLessOrEqual    Comparison = "lessOrEqual"
	CmpEquals         Comparison = "equals"
	CmpNotEquals      Comparison = "notEquals"
)

var validComparisons = map[Comparison]struct{}{
	CmpGreaterThan:    {},
	CmpGreaterOrEqual: {},
	CmpLessThan:       {},
	CmpLessOrEqual:    {},
	CmpEquals:         {},
	CmpNotEquals:      {},
}

// ParseComparison validates a comparison operator from configuration.
func ParseComparison(s string) (Comparison, error) {
	c := Comparison(s)
	if _, ok := validComparisons[c]; !ok {
		return "", fmt.Errorf("unknown comparison operator %q", s)
	}
	return c, nil
}

// Satisfied reports whether observed passes the comparison against
// threshold. Equals compares exactly; thresholds that need tolerance should
// use a bounded pair of triggers instead. Unknown comparisons never pass.
func (c Comparison) Satisfied(observed, threshold float64) bool {
	switch c {
	case CmpGreaterThan:
		return observed > threshold
	case CmpGreaterOrEqual:
		return observed >= threshold
	case CmpLessThan:
		return observed < threshold
	case CmpLessOrEqual:
		return observed <= threshold
	case CmpEquals:
		return observed == threshold
	case CmpNotEquals:
		return observed != threshold
	default:
		return false
	}
}

// Trigger is one monitored condition: an aggregation over a trailing metric
// window compared against a threshold, with a remediation action to run on a
// breach. Runtime state (last fire, fire count, enablement) lives in the
// engine, not here.
type Trigger struct {
	ID          string
	Description string

	Metric      string
	Aggregation metrics.Aggregation
	Window      time.Duration
	Operator    Comparison
	Threshold   float64

	Action action.Spec

	// Cooldown is the minimum time between two firings. Zero means the
	// trigger may fire on every tick.
	Cooldown time.Duration

	// MaxFires disables the trigger after this many firings. Zero means
	// unlimited.
	MaxFires int

	Enabled bool
}

// Validate checks a trigger definition, including that its action compiles.
func (t Trigger) Validate() error {
	if t.ID == "" {
		return errors.New("trigger id is required")
	}
	if t.Metric == "" {
		return fmt.Errorf("trigger %s: metric is required", t.ID)
	}
	if t.Window <= 0 {
		return fmt.Errorf("trigger %s: window must be positive", t.ID)
	}
	if t.Cooldown < 0 {
		return fmt.Errorf("trigger %s: cooldown must not be negative", t.ID)
	}
	if t.MaxFires < 0 {
		return fmt.Errorf("trigger %s: maxFires must not be negative", t.ID)
	}
	if _, err := metrics.ParseAggregation(string(t.Aggregation)); err != nil {
		return fmt.Errorf("trigger %s: %w", t.ID, err)
	}
	if _, err := ParseComparison(string(t.Operator)); err != nil {
		return fmt.Errorf("trigger %s: %w", t.ID, err)
	}
	if _, err := t.Action.Compile(); err != nil {
		return fmt.Errorf("trigger %s action: %w", t.ID, err)
	}
	return nil
}

// Status is a point-in-time view of one trigger's definition and runtime
// state, shaped for API responses. State is one of disabled, idle,
// evaluating, or cooldown.
type Status struct {
	ID          string      `json:"id"`
	Description string      `json:"description,omitempty"`
	Metric      string      `json:"metric"`
	Aggregation string      `json:"aggregation"`
	Window      string      `json:"window"`
	Operator    string      `json:"operator"`
	Threshold   float64     `json:"threshold"`
	Action      action.Spec `json:"action"`
	Cooldown    string      `json:"cooldown"`
	MaxFires    int         `json:"maxFires,omitempty"`
	Enabled     bool        `json:"enabled"`
	State       string      `json:"state"`
	LastFiredAt time.Time   `json:"lastFiredAt"`
	FireCount   int         `json:"fireCount"`
}
