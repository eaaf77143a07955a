// Package audit is the durable, queryable event log for the control loop.
// Every flag mutation, trigger fire, dispatched action, and rollback
// execution lands here so operators can reconstruct what the automation did
// and why. Events are append-only; nothing in the system mutates or deletes
// a recorded event.
package audit

import (
	"context"
	"encoding/json"
	"time"
)

// Event kinds.
const (
	KindFlagCreated      = "flag.created"
	KindFlagUpdated      = "flag.updated"
	KindTriggerCreated   = "trigger.created"
	KindTriggerUpdated   = "trigger.updated"
	KindTriggerFired     = "trigger.fired"
	KindActionExecuted   = "action.executed"
	KindRollbackStarted  = "rollback.started"
	KindRollbackFinished = "rollback.finished"
	KindConfigReloaded   = "config.reloaded"
)

// Status constants.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// ActorSystem marks events raised by the process itself rather than a
// trigger or an API caller.
const ActorSystem = "system"

// TriggerActor names a trigger as the actor of an event.
func TriggerActor(triggerID string) string { return "trigger:" + triggerID }

// APIActor names an authenticated API caller as the actor of an event.
func APIActor(name string) string { return "api:" + name }

// Event is one audit record.
type Event struct {
	ID         string         `json:"id"`
	OccurredAt time.Time      `json:"occurredAt"`
	Kind       string         `json:"kind"`
	Actor      string         `json:"actor"`
	Resource   string         `json:"resource"`
	Status     string         `json:"status"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// Filter narrows a Query. Zero fields match everything; Limit zero means
// the sink's default page size.
type Filter struct {
	Kind     string
	Resource string
	Since    time.Time
	Until    time.Time
	Limit    int
}

// Matches reports whether an event passes the filter, ignoring Limit.
func (f Filter) Matches(e Event) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.Resource != "" && e.Resource != f.Resource {
		return false
	}
	if !f.Since.IsZero() && e.OccurredAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.OccurredAt.After(f.Until) {
		return false
	}
	return true
}

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return 100
	}
	return f.Limit
}

// Sink persists events. Query returns newest-first.
type Sink interface {
	Append(ctx context.Context, e Event) error
	Query(ctx context.Context, f Filter) ([]Event, error)
	Close() error
}

// ComputeChanges diffs two states into {field: {before, after}} entries for
// an event's detail map. Returns nil when nothing changed.
func ComputeChanges(before, after map[string]any) map[string]any {
	if before == nil && after == nil {
		return nil
	}
	if before == nil {
		before = make(map[string]any)
	}
	if after == nil {
		after = make(map[string]any)
	}

	changes := make(map[string]any)

	for key, afterVal := range after {
		beforeVal, existedBefore := before[key]
		beforeJSON, _ := json.Marshal(beforeVal)
		afterJSON, _ := json.Marshal(afterVal)
		if !existedBefore || string(beforeJSON) != string(afterJSON) {
			changes[key] = map[string]any{"before": beforeVal, "after": afterVal}
		}
	}

	for key, beforeVal := range before {
		if _, existsAfter := after[key]; !existsAfter {
			changes[key] = map[string]any{"before": beforeVal, "after": nil}
		}
	}

	if len(changes) == 0 {
		return nil
	}
	return changes
}
