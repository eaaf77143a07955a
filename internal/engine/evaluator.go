package engine

import (
	"fmt"
	"time"

	"github.com/TimurManjosov/gorollout/internal/rollout"
	"github.com/TimurManjosov/gorollout/internal/rules"
)

// randomBucketKey salts the bucket derived for randomBucket conditions.
// The derived bucket is flag-independent: a condition only sees the context,
// so the same identity lands in the same random bucket for every flag.
const randomBucketKey = "random-bucket"

// CheckAll evaluates a flag's condition list with short-circuit AND
// semantics: the first failing condition stops evaluation and its reason,
// prefixed with the condition index, is reported.
func CheckAll(conds []rules.Condition, ctx *EvaluationContext) CheckResult {
	for i, c := range conds {
		res := CheckCondition(c, ctx)
		if !res.Passed {
			return fail(fmt.Sprintf("condition[%d] %s", i, res.Reason))
		}
	}
	return pass()
}

// CheckCondition evaluates exactly one condition against the context field
// selected by its type. It never returns an error: an unknown type or
// operator yields a failed result with an explicit "unknown" reason.
func CheckCondition(c rules.Condition, ctx *EvaluationContext) CheckResult {
	switch c.Type {
	case rules.TypeTimeWindow:
		return checkTimeWindow(c, contextTimestamp(ctx))
	case rules.TypeRandomBucket:
		return checkRandomBucket(c, ctx)
	case rules.TypeIdentity, rules.TypeRole, rules.TypeResourceID, rules.TypePath, rules.TypeEnvironment:
		return checkStringField(c, ctx)
	default:
		return fail(fmt.Sprintf("unknown condition type %q", c.Type))
	}
}

func checkStringField(c rules.Condition, ctx *EvaluationContext) CheckResult {
	value, ok := stringContextValue(ctx, c.Type)
	if !ok {
		return fail(fmt.Sprintf("%s not present in context", c.Type))
	}
	handler, ok := getStringOperatorHandler(c.Operator)
	if !ok {
		return fail(fmt.Sprintf("unknown operator %q for type %q", c.Operator, c.Type))
	}
	if !handler.Check(value, c.Value) {
		return fail(fmt.Sprintf("%s %s check failed for %q", c.Type, c.Operator, value))
	}
	return pass()
}

func stringContextValue(ctx *EvaluationContext, ct rules.ConditionType) (string, bool) {
	if ctx == nil {
		return "", false
	}

	var v string
	switch ct {
	case rules.TypeIdentity:
		v = ctx.Identity
	case rules.TypeRole:
		v = ctx.Role
	case rules.TypeResourceID:
		v = ctx.ResourceID
	case rules.TypePath:
		v = ctx.Path
	case rules.TypeEnvironment:
		v = ctx.Environment
	}
	return v, v != ""
}

func checkTimeWindow(c rules.Condition, at time.Time) CheckResult {
	switch c.Operator {
	case rules.OpIn, rules.OpNotIn:
		tr, err := rules.ParseTimeRange(c.Value)
		if err != nil {
			return fail(fmt.Sprintf("timeWindow value: %v", err))
		}
		inside := tr.Contains(at)
		if c.Operator == rules.OpIn && !inside {
			return fail(fmt.Sprintf("timestamp %s outside window", at.Format(time.RFC3339)))
		}
		if c.Operator == rules.OpNotIn && inside {
			return fail(fmt.Sprintf("timestamp %s inside excluded window", at.Format(time.RFC3339)))
		}
		return pass()

	case rules.OpGreaterThan, rules.OpLessThan:
		instant, ok := toInstant(c.Value)
		if !ok {
			return fail("timeWindow value is not an RFC 3339 timestamp")
		}
		if c.Operator == rules.OpGreaterThan && !at.After(instant) {
			return fail(fmt.Sprintf("timestamp %s not after %s", at.Format(time.RFC3339), instant.Format(time.RFC3339)))
		}
		if c.Operator == rules.OpLessThan && !at.Before(instant) {
			return fail(fmt.Sprintf("timestamp %s not before %s", at.Format(time.RFC3339), instant.Format(time.RFC3339)))
		}
		return pass()

	default:
		return fail(fmt.Sprintf("unknown operator %q for type %q", c.Operator, c.Type))
	}
}

func checkRandomBucket(c rules.Condition, ctx *EvaluationContext) CheckResult {
	var identity, session string
	if ctx != nil {
		identity, session = ctx.Identity, ctx.SessionID
	}
	subject := rollout.SubjectKey(identity, session)
	bucket := rollout.Bucket(subject, randomBucketKey, rollout.DefaultSalt)

	switch c.Operator {
	case rules.OpIn, rules.OpNotIn:
		list, ok := toFloat64Slice(c.Value)
		if !ok {
			return fail("randomBucket value is not a numeric slice")
		}
		found := false
		for _, item := range list {
			if float64(bucket) == item {
				found = true
				break
			}
		}
		if c.Operator == rules.OpIn && !found {
			return fail(fmt.Sprintf("randomBucket %d not in set", bucket))
		}
		if c.Operator == rules.OpNotIn && found {
			return fail(fmt.Sprintf("randomBucket %d in excluded set", bucket))
		}
		return pass()

	case rules.OpEquals, rules.OpNotEquals, rules.OpGreaterThan, rules.OpLessThan:
		threshold, ok := toFloat64(c.Value)
		if !ok {
			return fail("randomBucket value is not numeric")
		}
		var passed bool
		switch c.Operator {
		case rules.OpEquals:
			passed = float64(bucket) == threshold
		case rules.OpNotEquals:
			passed = float64(bucket) != threshold
		case rules.OpGreaterThan:
			passed = float64(bucket) > threshold
		case rules.OpLessThan:
			passed = float64(bucket) < threshold
		}
		if !passed {
			return fail(fmt.Sprintf("randomBucket %d failed %s %v", bucket, c.Operator, threshold))
		}
		return pass()

	default:
		return fail(fmt.Sprintf("unknown operator %q for type %q", c.Operator, c.Type))
	}
}

// contextTimestamp returns the context's timestamp. Callers normally stamp
// it at request time; a zero value falls back to the wall clock.
func contextTimestamp(ctx *EvaluationContext) time.Time {
	if ctx == nil || ctx.Timestamp.IsZero() {
		return time.Now()
	}
	return ctx.Timestamp
}

func toInstant(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	default:
		return time.Time{}, false
	}
}
