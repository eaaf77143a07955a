package registry

import (
	"fmt"
	"time"

	"github.com/TimurManjosov/gorollout/internal/engine"
	"github.com/TimurManjosov/gorollout/internal/rollout"
)

// Result is the outcome of one flag evaluation. It is transient and safe to
// cache; the reason explains the decision for operators and tests.
type Result struct {
	FlagKey  string         `json:"flagKey"`
	Enabled  bool           `json:"enabled"`
	Reason   string         `json:"reason"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Evaluate decides whether a flag is on for the given context.
//
// Algorithm: look up the flag (absent yields the configured default with
// reason "not found"); a disabled flag short-circuits; then all conditions
// must pass; finally the context's bucket is compared against the rollout
// percentage. Evaluation never returns an error: malformed definitions
// degrade to a disabled result with an explanatory reason.
func (r *Registry) Evaluate(flagKey string, ctx *engine.EvaluationContext) Result {
	start := time.Now()
	res := r.evaluate(flagKey, ctx)
	r.recordEvaluation(flagKey, res, time.Since(start))
	return res
}

func (r *Registry) evaluate(flagKey string, ctx *engine.EvaluationContext) Result {
	flag, ok := r.Get(flagKey)
	if !ok {
		return Result{
			FlagKey: flagKey,
			Enabled: r.defaultEnabled,
			Reason:  "not found",
		}
	}

	if !flag.Enabled {
		return Result{FlagKey: flagKey, Enabled: false, Reason: "disabled"}
	}

	if check := engine.CheckAll(flag.Conditions, ctx); !check.Passed {
		return Result{FlagKey: flagKey, Enabled: false, Reason: check.Reason}
	}

	var identity, session string
	if ctx != nil {
		identity, session = ctx.Identity, ctx.SessionID
	}
	subject := rollout.SubjectKey(identity, session)
	bucket := rollout.Bucket(subject, flagKey, r.salt)

	if !rollout.InBucket(flag.Rollout, bucket) {
		return Result{
			FlagKey:  flagKey,
			Enabled:  false,
			Reason:   fmt.Sprintf("bucket %d outside rollout %d%%", bucket, flag.Rollout),
			Metadata: map[string]any{"bucket": bucket},
		}
	}

	return Result{
		FlagKey:  flagKey,
		Enabled:  true,
		Reason:   fmt.Sprintf("bucket %d within rollout %d%%", bucket, flag.Rollout),
		Metadata: map[string]any{"bucket": bucket},
	}
}
