package engine

import (
	"encoding/json"
	"regexp"
	"strings"
	"sync"

	"github.com/TimurManjosov/gorollout/internal/rules"
)

// OperatorHandler evaluates one condition operator against a string context
// field.
type OperatorHandler interface {
	Check(contextValue, conditionValue any) bool
}

var (
	// stringOperatorHandlers dispatch operators for the string-valued
	// context fields (identity, role, resourceId, path, environment).
	stringOperatorHandlers = map[rules.Operator]OperatorHandler{
		rules.OpEquals:         equalsHandler{},
		rules.OpNotEquals:      notEqualsHandler{},
		rules.OpIn:             inHandler{},
		rules.OpNotIn:          notInHandler{},
		rules.OpContains:       containsHandler{},
		rules.OpMatchesPattern: patternHandler{},
	}

	// regexCache keeps compiled patterns for the hot evaluation path.
	// Expected value type is *regexp.Regexp.
	regexCache sync.Map
)

func getStringOperatorHandler(op rules.Operator) (OperatorHandler, bool) {
	h, ok := stringOperatorHandlers[op]
	return h, ok
}

type equalsHandler struct{}

func (equalsHandler) Check(contextValue, conditionValue any) bool {
	if ctx, ok := toString(contextValue); ok {
		cond, ok := toString(conditionValue)
		return ok && ctx == cond
	}
	if ctx, ok := toFloat64(contextValue); ok {
		cond, ok := toFloat64(conditionValue)
		return ok && ctx == cond
	}
	if ctx, ok := contextValue.(bool); ok {
		cond, ok := conditionValue.(bool)
		return ok && ctx == cond
	}
	return false
}

type notEqualsHandler struct{}

func (notEqualsHandler) Check(contextValue, conditionValue any) bool {
	return !equalsHandler{}.Check(contextValue, conditionValue)
}

type inHandler struct{}

func (inHandler) Check(contextValue, conditionValue any) bool {
	ctx, ok := toString(contextValue)
	if !ok {
		return false
	}
	list, ok := toStringSlice(conditionValue)
	if !ok {
		return false
	}
	for _, item := range list {
		if ctx == item {
			return true
		}
	}
	return false
}

type notInHandler struct{}

func (notInHandler) Check(contextValue, conditionValue any) bool {
	ctx, ok := toString(contextValue)
	if !ok {
		return false
	}
	list, ok := toStringSlice(conditionValue)
	if !ok {
		return false
	}
	for _, item := range list {
		if ctx == item {
			return false
		}
	}
	return true
}

type containsHandler struct{}

func (containsHandler) Check(contextValue, conditionValue any) bool {
	ctx, ok := toString(contextValue)
	if !ok {
		return false
	}
	cond, ok := toString(conditionValue)
	if !ok {
		return false
	}
	return strings.Contains(ctx, cond)
}

type patternHandler struct{}

func (patternHandler) Check(contextValue, conditionValue any) bool {
	ctx, ok := toString(contextValue)
	if !ok {
		return false
	}
	pattern, ok := toString(conditionValue)
	if !ok {
		return false
	}

	rx, ok := getCompiledRegex(pattern)
	if !ok {
		return false
	}
	return rx.MatchString(ctx)
}

func getCompiledRegex(pattern string) (*regexp.Regexp, bool) {
	if cached, ok := regexCache.Load(pattern); ok {
		rx, ok := cached.(*regexp.Regexp)
		return rx, ok
	}

	rx, err := regexp.Compile(pattern)
	if err != nil {
		return nil, false
	}
	regexCache.Store(pattern, rx)
	return rx, true
}

func toString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func toStringSlice(v any) ([]string, bool) {
	switch values := v.(type) {
	case []string:
		return values, true
	case []any:
		result := make([]string, 0, len(values))
		for _, item := range values {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			result = append(result, s)
		}
		return result, true
	default:
		return nil, false
	}
}

func toFloat64Slice(v any) ([]float64, bool) {
	switch values := v.(type) {
	case []float64:
		return values, true
	case []int:
		result := make([]float64, 0, len(values))
		for _, n := range values {
			result = append(result, float64(n))
		}
		return result, true
	case []any:
		result := make([]float64, 0, len(values))
		for _, item := range values {
			f, ok := toFloat64(item)
			if !ok {
				return nil, false
			}
			result = append(result, f)
		}
		return result, true
	default:
		return nil, false
	}
}
