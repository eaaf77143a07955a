package audit

// EventBuilder provides a fluent API for constructing audit events.
//
// Usage:
//
//	svc.Log(audit.NewEvent(audit.KindTriggerFired, triggerID).
//		By(audit.TriggerActor(triggerID)).
//		WithDetail("metric", "error_rate").
//		WithDetail("observed", 7.2).
//		Build())
type EventBuilder struct {
	event Event
}

// NewEvent starts a builder for the given kind and resource. Events default
// to the system actor and success status; ID and timestamp are stamped by
// Service.Log when left empty.
func NewEvent(kind, resource string) *EventBuilder {
	return &EventBuilder{
		event: Event{
			Kind:     kind,
			Resource: resource,
			Actor:    ActorSystem,
			Status:   StatusSuccess,
		},
	}
}

// By sets the actor.
func (b *EventBuilder) By(actor string) *EventBuilder {
	b.event.Actor = actor
	return b
}

// WithDetail adds one detail entry.
func (b *EventBuilder) WithDetail(key string, value any) *EventBuilder {
	if b.event.Detail == nil {
		b.event.Detail = make(map[string]any)
	}
	b.event.Detail[key] = value
	return b
}

// WithDetails merges a detail map.
func (b *EventBuilder) WithDetails(details map[string]any) *EventBuilder {
	for k, v := range details {
		b.WithDetail(k, v)
	}
	return b
}

// Success marks the event successful (the default).
func (b *EventBuilder) Success() *EventBuilder {
	b.event.Status = StatusSuccess
	return b
}

// Failure marks the event failed and records the error message.
func (b *EventBuilder) Failure(errorMsg string) *EventBuilder {
	b.event.Status = StatusFailure
	if errorMsg != "" {
		b.WithDetail("error", errorMsg)
	}
	return b
}

// Build returns the constructed event, ready for Service.Log.
func (b *EventBuilder) Build() Event {
	return b.event
}
