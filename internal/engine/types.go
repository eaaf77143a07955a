package engine

import "time"

// EvaluationContext carries the per-request attributes a condition can
// inspect. It is supplied by the caller on every evaluation and never
// persisted by the engine.
type EvaluationContext struct {
	Identity    string         `json:"identity"`
	Role        string         `json:"role,omitempty"`
	ResourceID  string         `json:"resourceId,omitempty"`
	Path        string         `json:"path,omitempty"`
	Environment string         `json:"environment,omitempty"`
	Timestamp   time.Time      `json:"timestamp,omitempty"`
	SessionID   string         `json:"sessionId,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// CheckResult is the outcome of evaluating a single condition, or a
// condition list, against a context.
type CheckResult struct {
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

func pass() CheckResult {
	return CheckResult{Passed: true}
}

func fail(reason string) CheckResult {
	return CheckResult{Passed: false, Reason: reason}
}
