package rollback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/TimurManjosov/gorollout/internal/metrics"
)

// StepFunc performs one remediation method. The returned message lands on
// the step's execution record.
type StepFunc func(ctx context.Context, params Params) (string, error)

// CheckFunc validates a condition. Checks may poll: a nil return as soon as
// the condition holds, an error once ctx expires.
type CheckFunc func(ctx context.Context, params Params) error

// Params carries a step or check's configuration values as parsed from a
// plan file.
type Params map[string]any

// String returns a required string parameter.
func (p Params) String(key string) (string, error) {
	v, ok := p[key]
	if !ok {
		return "", fmt.Errorf("missing parameter %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("parameter %q must be a non-empty string", key)
	}
	return s, nil
}

// StringOr returns an optional string parameter.
func (p Params) StringOr(key, def string) string {
	if s, ok := p[key].(string); ok && s != "" {
		return s
	}
	return def
}

// Float returns a required numeric parameter. YAML decodes whole numbers as
// int, so both forms are accepted.
func (p Params) Float(key string) (float64, error) {
	v, ok := p[key]
	if !ok {
		return 0, fmt.Errorf("missing parameter %q", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("parameter %q must be a number", key)
}

// Int returns a required integer parameter.
func (p Params) Int(key string) (int, error) {
	f, err := p.Float(key)
	if err != nil {
		return 0, err
	}
	n := int(f)
	if float64(n) != f {
		return 0, fmt.Errorf("parameter %q must be an integer", key)
	}
	return n, nil
}

// Duration returns a required duration parameter given as a Go duration
// string ("90s", "5m").
func (p Params) Duration(key string) (time.Duration, error) {
	v, ok := p[key]
	if !ok {
		return 0, fmt.Errorf("missing parameter %q", key)
	}
	switch d := v.(type) {
	case time.Duration:
		return d, nil
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return 0, fmt.Errorf("parameter %q: %w", key, err)
		}
		return parsed, nil
	}
	return 0, fmt.Errorf("parameter %q must be a duration string", key)
}

// DurationOr returns an optional duration parameter.
func (p Params) DurationOr(key string, def time.Duration) (time.Duration, error) {
	if _, ok := p[key]; !ok {
		return def, nil
	}
	return p.Duration(key)
}

// registerBuiltins installs the step methods and checks every executor
// ships with. Flag methods need a flag controller, metric checks a metric
// store; without the dependency the method reports a configuration error at
// run time instead of being absent.
func (e *Executor) registerBuiltins() {
	e.runners["flag.disable"] = e.runFlagDisable
	e.runners["flag.setRollout"] = e.runFlagSetRollout
	e.runners["wait"] = runWait

	e.checks["flag.disabled"] = e.checkFlagDisabled
	e.checks["flag.rolloutAtMost"] = e.checkFlagRolloutAtMost
	e.checks["metric.below"] = e.checkMetricBelow
	e.checks["metric.above"] = e.checkMetricAbove
}

func (e *Executor) runFlagDisable(ctx context.Context, params Params) (string, error) {
	if e.flags == nil {
		return "", errors.New("no flag controller configured")
	}
	key, err := params.String("flag")
	if err != nil {
		return "", err
	}
	if _, err := e.flags.Disable(ctx, key); err != nil {
		return "", fmt.Errorf("disable flag %q: %w", key, err)
	}
	return fmt.Sprintf("flag %s disabled", key), nil
}

func (e *Executor) runFlagSetRollout(ctx context.Context, params Params) (string, error) {
	if e.flags == nil {
		return "", errors.New("no flag controller configured")
	}
	key, err := params.String("flag")
	if err != nil {
		return "", err
	}
	pct, err := params.Int("percent")
	if err != nil {
		return "", err
	}
	if _, err := e.flags.SetRollout(ctx, key, pct); err != nil {
		return "", fmt.Errorf("set rollout of %q: %w", key, err)
	}
	return fmt.Sprintf("flag %s rollout set to %d%%", key, pct), nil
}

// runWait pauses between steps, typically to let traffic drain before a
// validation gate samples metrics.
func runWait(ctx context.Context, params Params) (string, error) {
	d, err := params.Duration("duration")
	if err != nil {
		return "", err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
	}
	return fmt.Sprintf("waited %s", d), nil
}

func (e *Executor) checkFlagDisabled(_ context.Context, params Params) error {
	if e.flags == nil {
		return errors.New("no flag controller configured")
	}
	key, err := params.String("flag")
	if err != nil {
		return err
	}
	flag, ok := e.flags.Get(key)
	if !ok {
		return fmt.Errorf("flag %q not found", key)
	}
	if flag.Enabled {
		return fmt.Errorf("flag %q is still enabled", key)
	}
	return nil
}

func (e *Executor) checkFlagRolloutAtMost(_ context.Context, params Params) error {
	if e.flags == nil {
		return errors.New("no flag controller configured")
	}
	key, err := params.String("flag")
	if err != nil {
		return err
	}
	limit, err := params.Int("percent")
	if err != nil {
		return err
	}
	flag, ok := e.flags.Get(key)
	if !ok {
		return fmt.Errorf("flag %q not found", key)
	}
	if flag.Rollout > limit {
		return fmt.Errorf("flag %q rollout is %d%%, want at most %d%%", key, flag.Rollout, limit)
	}
	return nil
}

func (e *Executor) checkMetricBelow(ctx context.Context, params Params) error {
	return e.pollMetric(ctx, params, false)
}

func (e *Executor) checkMetricAbove(ctx context.Context, params Params) error {
	return e.pollMetric(ctx, params, true)
}

// pollMetric re-aggregates the metric with exponential backoff until the
// comparison holds or ctx expires. An empty window never satisfies the
// check: a validation gate needs evidence, and silence is not evidence.
func (e *Executor) pollMetric(ctx context.Context, params Params, above bool) error {
	if e.metrics == nil {
		return errors.New("no metric store configured")
	}
	name, err := params.String("metric")
	if err != nil {
		return err
	}
	threshold, err := params.Float("threshold")
	if err != nil {
		return err
	}
	window, err := params.DurationOr("window", 5*time.Minute)
	if err != nil {
		return err
	}
	agg, err := metrics.ParseAggregation(params.StringOr("aggregation", "avg"))
	if err != nil {
		return err
	}

	var lastErr error
	attempt := func() (struct{}, error) {
		value, ok, err := e.metrics.Aggregate(ctx, name, window, agg)
		switch {
		case err != nil:
			lastErr = fmt.Errorf("aggregate %s: %w", name, err)
		case !ok:
			lastErr = fmt.Errorf("metric %s: window empty", name)
		case above && value > threshold:
			return struct{}{}, nil
		case !above && value < threshold:
			return struct{}{}, nil
		default:
			op := "<"
			if above {
				op = ">"
			}
			lastErr = fmt.Errorf("metric %s %s(%s) = %g, want %s %g", name, agg, window, value, op, threshold)
		}
		return struct{}{}, lastErr
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond

	if _, err := backoff.Retry(ctx, attempt, backoff.WithBackOff(expo)); err != nil {
		if lastErr != nil && !errors.Is(err, lastErr) {
			return fmt.Errorf("%v; last observation: %w", err, lastErr)
		}
		return err
	}
	return nil
}
