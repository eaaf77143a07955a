package rules

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Sentinel errors returned by ValidateCondition and ValidateConditions.
var (
	ErrInvalidType      = errors.New("invalid condition type")
	ErrInvalidOperator  = errors.New("invalid operator")
	ErrInvalidCondition = errors.New("invalid condition")
	ErrInvalidValueType = errors.New("invalid value type")
)

// validTypes is the set of all recognised condition types.
var validTypes = map[ConditionType]struct{}{
	TypeIdentity:     {},
	TypeRole:         {},
	TypeResourceID:   {},
	TypePath:         {},
	TypeEnvironment:  {},
	TypeTimeWindow:   {},
	TypeRandomBucket: {},
}

// validOperators is the set of all recognised targeting operators.
var validOperators = map[Operator]struct{}{
	OpEquals:         {},
	OpNotEquals:      {},
	OpIn:             {},
	OpNotIn:          {},
	OpGreaterThan:    {},
	OpLessThan:       {},
	OpContains:       {},
	OpMatchesPattern: {},
}

// stringFieldOperators are the operators accepted by conditions over string
// context fields (identity, role, resourceId, path, environment).
var stringFieldOperators = map[Operator]struct{}{
	OpEquals:         {},
	OpNotEquals:      {},
	OpIn:             {},
	OpNotIn:          {},
	OpContains:       {},
	OpMatchesPattern: {},
}

// timeWindowOperators: in/notIn test the context timestamp against a
// start/end range; greaterThan/lessThan compare against a single instant.
var timeWindowOperators = map[Operator]struct{}{
	OpIn:          {},
	OpNotIn:       {},
	OpGreaterThan: {},
	OpLessThan:    {},
}

// randomBucketOperators compare the derived 0-99 bucket numerically.
var randomBucketOperators = map[Operator]struct{}{
	OpEquals:      {},
	OpNotEquals:   {},
	OpIn:          {},
	OpNotIn:       {},
	OpGreaterThan: {},
	OpLessThan:    {},
}

// ValidateConditions performs strict validation of a flag's condition list.
// It is a pure function: it never mutates conds and has no side effects.
// An empty list is valid (the flag then gates on rollout percentage alone).
func ValidateConditions(conds []Condition) error {
	for i, c := range conds {
		if err := validateCondition(i, c); err != nil {
			return err
		}
	}
	return nil
}

// ValidateCondition validates a single condition outside of a list context.
func ValidateCondition(c Condition) error {
	return validateCondition(0, c)
}

func validateCondition(i int, c Condition) error {
	if _, ok := validTypes[c.Type]; !ok {
		return fmt.Errorf("%w: condition[%d] type %q is not supported", ErrInvalidType, i, c.Type)
	}
	if _, ok := validOperators[c.Operator]; !ok {
		return fmt.Errorf("%w: condition[%d] operator %q is not supported", ErrInvalidOperator, i, c.Operator)
	}
	if err := validateTypeOperator(i, c.Type, c.Operator); err != nil {
		return err
	}
	return validateValueType(i, c)
}

// validateTypeOperator checks that the operator makes sense for the context
// field the condition type selects.
func validateTypeOperator(i int, ct ConditionType, op Operator) error {
	var allowed map[Operator]struct{}
	switch ct {
	case TypeTimeWindow:
		allowed = timeWindowOperators
	case TypeRandomBucket:
		allowed = randomBucketOperators
	default:
		allowed = stringFieldOperators
	}
	if _, ok := allowed[op]; !ok {
		return fmt.Errorf("%w: condition[%d] operator %q cannot be applied to type %q", ErrInvalidCondition, i, op, ct)
	}
	return nil
}

// validateValueType checks that the condition value has a shape compatible
// with the type/operator pair. It uses explicit type assertions, no
// reflection.
func validateValueType(i int, c Condition) error {
	switch c.Type {
	case TypeTimeWindow:
		return validateTimeWindowValue(i, c.Operator, c.Value)
	case TypeRandomBucket:
		return validateRandomBucketValue(i, c.Operator, c.Value)
	}

	switch c.Operator {
	case OpContains:
		if _, ok := c.Value.(string); !ok {
			return fmt.Errorf("%w: condition[%d] operator %q requires a string value", ErrInvalidValueType, i, c.Operator)
		}
	case OpMatchesPattern:
		pattern, ok := c.Value.(string)
		if !ok {
			return fmt.Errorf("%w: condition[%d] operator %q requires a string pattern", ErrInvalidValueType, i, c.Operator)
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("%w: condition[%d] pattern does not compile: %v", ErrInvalidValueType, i, err)
		}
	case OpIn, OpNotIn:
		if !isSlice(c.Value) {
			return fmt.Errorf("%w: condition[%d] operator %q requires a slice value", ErrInvalidValueType, i, c.Operator)
		}
	case OpEquals, OpNotEquals:
		if !isScalar(c.Value) {
			return fmt.Errorf("%w: condition[%d] operator %q requires a scalar value (string, bool, or number)", ErrInvalidValueType, i, c.Operator)
		}
	}
	return nil
}

func validateTimeWindowValue(i int, op Operator, v interface{}) error {
	switch op {
	case OpIn, OpNotIn:
		if _, err := ParseTimeRange(v); err != nil {
			return fmt.Errorf("%w: condition[%d]: %v", ErrInvalidValueType, i, err)
		}
	case OpGreaterThan, OpLessThan:
		if !isInstant(v) {
			return fmt.Errorf("%w: condition[%d] operator %q requires an RFC 3339 timestamp value", ErrInvalidValueType, i, op)
		}
	}
	return nil
}

func validateRandomBucketValue(i int, op Operator, v interface{}) error {
	switch op {
	case OpIn, OpNotIn:
		if !isNumericSlice(v) {
			return fmt.Errorf("%w: condition[%d] operator %q requires a numeric slice value", ErrInvalidValueType, i, op)
		}
	default:
		if !isNumeric(v) {
			return fmt.Errorf("%w: condition[%d] operator %q requires a numeric value", ErrInvalidValueType, i, op)
		}
	}
	return nil
}

// isSlice returns true for slice types that may appear after JSON/YAML
// unmarshaling or be provided programmatically.
func isSlice(v interface{}) bool {
	switch v.(type) {
	case []any, []string, []int, []float64:
		return true
	}
	return false
}

func isNumericSlice(v interface{}) bool {
	switch val := v.(type) {
	case []int, []float64:
		return true
	case []any:
		for _, item := range val {
			if !isNumeric(item) {
				return false
			}
		}
		return len(val) > 0
	}
	return false
}

// isNumeric returns true for integer and floating-point types.
func isNumeric(v interface{}) bool {
	switch v.(type) {
	case int, int32, int64, float32, float64:
		return true
	}
	return false
}

// isScalar returns true for basic scalar types (string, bool, numeric).
func isScalar(v interface{}) bool {
	switch v.(type) {
	case string, bool, int, int32, int64, float32, float64:
		return true
	}
	return false
}

// isInstant returns true for values that decode to a single point in time.
func isInstant(v interface{}) bool {
	switch t := v.(type) {
	case time.Time:
		return true
	case string:
		_, err := time.Parse(time.RFC3339, t)
		return err == nil
	}
	return false
}
