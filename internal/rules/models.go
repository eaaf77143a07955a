package rules

import (
	"fmt"
	"time"
)

// ConditionType selects which field of the evaluation context a condition
// inspects.
type ConditionType string

// Supported condition types (string values for clean JSON serialization).
const (
	TypeIdentity     ConditionType = "identity"
	TypeRole         ConditionType = "role"
	TypeResourceID   ConditionType = "resourceId"
	TypePath         ConditionType = "path"
	TypeEnvironment  ConditionType = "environment"
	TypeTimeWindow   ConditionType = "timeWindow"
	TypeRandomBucket ConditionType = "randomBucket"
)

// Operator represents a comparison operator used in targeting conditions.
type Operator string

// Supported targeting operators.
const (
	OpEquals         Operator = "equals"
	OpNotEquals      Operator = "notEquals"
	OpIn             Operator = "in"
	OpNotIn          Operator = "notIn"
	OpGreaterThan    Operator = "greaterThan"
	OpLessThan       Operator = "lessThan"
	OpContains       Operator = "contains"
	OpMatchesPattern Operator = "matchesPattern"
)

// Condition represents a single targeting predicate.
// When multiple conditions are attached to one flag, they are evaluated with
// AND semantics: all conditions must match for the flag to apply.
// A condition is immutable once attached to a flag version.
type Condition struct {
	Type     ConditionType `json:"type" yaml:"type"`
	Operator Operator      `json:"operator" yaml:"operator"`
	Value    interface{}   `json:"value" yaml:"value"`
}

// TimeRange is the decoded value of a timeWindow condition using the in/notIn
// operators: the condition matches when the context timestamp falls inside
// [Start, End).
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the half-open range [Start, End).
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// ParseTimeRange decodes a condition value into a TimeRange. It accepts the
// map shape produced by JSON/YAML unmarshaling ({"start": ..., "end": ...})
// with RFC 3339 timestamps, or a TimeRange passed through programmatically.
func ParseTimeRange(v interface{}) (TimeRange, error) {
	switch val := v.(type) {
	case TimeRange:
		if !val.End.After(val.Start) {
			return TimeRange{}, fmt.Errorf("time range end %v is not after start %v", val.End, val.Start)
		}
		return val, nil
	case map[string]interface{}:
		start, err := parseTimeField(val, "start")
		if err != nil {
			return TimeRange{}, err
		}
		end, err := parseTimeField(val, "end")
		if err != nil {
			return TimeRange{}, err
		}
		if !end.After(start) {
			return TimeRange{}, fmt.Errorf("time range end %v is not after start %v", end, start)
		}
		return TimeRange{Start: start, End: end}, nil
	default:
		return TimeRange{}, fmt.Errorf("time range value must be an object with start/end, got %T", v)
	}
}

func parseTimeField(m map[string]interface{}, key string) (time.Time, error) {
	raw, ok := m[key]
	if !ok {
		return time.Time{}, fmt.Errorf("time range is missing %q", key)
	}
	switch t := raw.(type) {
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("time range %q: %w", key, err)
		}
		return parsed, nil
	case time.Time:
		return t, nil
	default:
		return time.Time{}, fmt.Errorf("time range %q must be an RFC 3339 string, got %T", key, raw)
	}
}
