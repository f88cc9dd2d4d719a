package eventbus

import "sync"

// EventMetadata documents one event type for the catalogue in spec.md §6:
// description, which components publish/subscribe to it, an example
// payload, and its default priority. The registry exists for
// documentation and validation tooling, not enforcement — emitting an
// unregistered type is allowed, just counted (see Bus.Metrics).
type EventMetadata struct {
	Description        string
	PublisherComponents []string
	SubscriberComponents []string
	ExamplePayload      map[string]interface{}
	DefaultPriority     Priority
}

// Registry is a process-wide catalogue of known event types. It is safe
// for concurrent use; the zero value is ready to use empty.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]EventMetadata
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]EventMetadata)}
}

// Register adds or replaces metadata for an event type.
func (r *Registry) Register(eventType string, meta EventMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = make(map[string]EventMetadata)
	}
	r.entries[eventType] = meta
}

// Lookup returns the metadata for eventType, if registered.
func (r *Registry) Lookup(eventType string) (EventMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.entries[eventType]
	return m, ok
}

// Known returns every registered event type.
func (r *Registry) Known() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, k)
	}
	return out
}

// ValidatePayloadShape checks that data carries every field named in the
// registered example payload for eventType. This is the supplemented
// feature from original_source/resources/event_registry.py: dev/test
// builds can call it to catch payload drift from the documented shape;
// it is opt-in and never called from the hot emit path.
func (r *Registry) ValidatePayloadShape(eventType string, data map[string]interface{}) []string {
	meta, ok := r.Lookup(eventType)
	if !ok || meta.ExamplePayload == nil {
		return nil
	}
	var missing []string
	for field := range meta.ExamplePayload {
		if _, present := data[field]; !present {
			missing = append(missing, field)
		}
	}
	return missing
}

// DefaultRegistry builds a Registry pre-populated with the event
// catalogue families from spec.md §6, each with a representative example
// payload and default priority.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	base := map[string]interface{}{
		"event_id":  "uuid",
		"timestamp": "RFC3339",
		"source_id": "string",
	}
	withFields := func(extra map[string]interface{}) map[string]interface{} {
		out := make(map[string]interface{}, len(base)+len(extra))
		for k, v := range base {
			out[k] = v
		}
		for k, v := range extra {
			out[k] = v
		}
		return out
	}

	r.Register(ResourceStateChanged, EventMetadata{
		Description:          "A resource transitioned state via the state manager",
		PublisherComponents:  []string{"state"},
		SubscriberComponents: []string{"agent", "refinement"},
		ExamplePayload: withFields(map[string]interface{}{
			"resource_id": "r1", "previous_state": "ACTIVE", "state": "FAILED", "version": 2,
		}),
		DefaultPriority: Normal,
	})
	r.Register(ResourceHealthChanged, EventMetadata{
		Description:          "A resource's health rollup changed",
		PublisherComponents:  []string{"resource"},
		SubscriberComponents: []string{"agent"},
		ExamplePayload:       withFields(map[string]interface{}{"source": "r1", "status": "degraded"}),
		DefaultPriority:      Normal,
	})
	r.Register(ResourceCleanup, EventMetadata{
		Description:          "Backend cleanup pass ran",
		PublisherComponents:  []string{"state"},
		SubscriberComponents: []string{},
		ExamplePayload:       withFields(map[string]interface{}{"removed": 3}),
		DefaultPriority:      Low,
	})
	r.Register(ResourceErrorOccurred, EventMetadata{
		Description:          "A resource entered FAILED",
		PublisherComponents:  []string{"state"},
		SubscriberComponents: []string{"refinement"},
		ExamplePayload:       withFields(map[string]interface{}{"resource_id": "r1", "reason": "timeout"}),
		DefaultPriority:      High,
	})
	r.Register(ResourceErrorResolved, EventMetadata{
		Description:          "A resource recovered from FAILED",
		PublisherComponents:  []string{"state"},
		SubscriberComponents: []string{},
		ExamplePayload:       withFields(map[string]interface{}{"resource_id": "r1"}),
		DefaultPriority:      Normal,
	})
	r.Register(ResourceErrorRecoveryStarted, EventMetadata{
		Description:          "Recovery attempt started",
		PublisherComponents:  []string{"state"},
		SubscriberComponents: []string{},
		ExamplePayload:       withFields(nil),
		DefaultPriority:      Normal,
	})
	r.Register(ResourceErrorRecoveryCompleted, EventMetadata{
		Description:          "Recovery attempt completed",
		PublisherComponents:  []string{"state"},
		SubscriberComponents: []string{},
		ExamplePayload:       withFields(nil),
		DefaultPriority:      Normal,
	})
	r.Register(InterfaceStateChanged, EventMetadata{
		Description:          "A composite workflow state transitioned",
		PublisherComponents:  []string{"state"},
		SubscriberComponents: []string{"agent"},
		ExamplePayload:       withFields(map[string]interface{}{"interface_id": "i1", "state": "ACTIVE"}),
		DefaultPriority:      Normal,
	})
	r.Register(AgentContextUpdated, EventMetadata{
		Description:          "An agent's working context changed",
		PublisherComponents:  []string{"propagator"},
		SubscriberComponents: []string{"agent"},
		ExamplePayload:       withFields(map[string]interface{}{"agent_id": "a1"}),
		DefaultPriority:      Normal,
	})
	r.Register(ValidationCompleted, EventMetadata{
		Description:          "A validation pass completed (any tier, any result)",
		PublisherComponents:  []string{"validator"},
		SubscriberComponents: []string{"propagator", "refinement"},
		ExamplePayload: withFields(map[string]interface{}{
			"validation_id": "v1", "agent_id": "a1", "is_valid": true, "validation_category": "APPROVED",
		}),
		DefaultPriority: Normal,
	})
	r.Register(EarthValidationStarted, EventMetadata{
		Description:          "Earth validator began a validation",
		PublisherComponents:  []string{"validator"},
		SubscriberComponents: []string{},
		ExamplePayload:       withFields(map[string]interface{}{"operation_id": "op1", "tier": "COMPONENT"}),
		DefaultPriority:      Normal,
	})
	r.Register(EarthValidationComplete, EventMetadata{
		Description:          "Earth validator finished a validation",
		PublisherComponents:  []string{"validator"},
		SubscriberComponents: []string{"propagator"},
		ExamplePayload:       withFields(map[string]interface{}{"operation_id": "op1", "validation_category": "APPROVED"}),
		DefaultPriority:      Normal,
	})
	r.Register(EarthValidationFailed, EventMetadata{
		Description:          "Earth validator hit a system error",
		PublisherComponents:  []string{"validator"},
		SubscriberComponents: []string{},
		ExamplePayload:       withFields(map[string]interface{}{"operation_id": "op1", "error": "system_error"}),
		DefaultPriority:      High,
	})
	r.Register(WaterPropagationStarted, EventMetadata{
		Description:          "Water propagation began fanning out to downstream agents",
		PublisherComponents:  []string{"propagator"},
		SubscriberComponents: []string{},
		ExamplePayload:       withFields(map[string]interface{}{"propagation_id": "p1", "origin": "garden_planner"}),
		DefaultPriority:      Normal,
	})
	r.Register(WaterPropagationComplete, EventMetadata{
		Description:          "Water propagation finished with no failures",
		PublisherComponents:  []string{"propagator"},
		SubscriberComponents: []string{"refinement"},
		ExamplePayload:       withFields(map[string]interface{}{"propagation_id": "p1", "affected_agents": []string{"a1"}}),
		DefaultPriority:      Normal,
	})
	r.Register(WaterPropagationRejected, EventMetadata{
		Description:          "Water propagation was rejected before starting",
		PublisherComponents:  []string{"propagator"},
		SubscriberComponents: []string{},
		ExamplePayload:       withFields(map[string]interface{}{"propagation_id": "p1", "reason": "not approved"}),
		DefaultPriority:      Normal,
	})
	r.Register(WaterPropagationFailed, EventMetadata{
		Description:          "Water propagation completed with at least one per-target failure",
		PublisherComponents:  []string{"propagator"},
		SubscriberComponents: []string{"refinement"},
		ExamplePayload:       withFields(map[string]interface{}{"propagation_id": "p1", "failures": []string{"a2"}}),
		DefaultPriority:      High,
	})
	r.Register(ComponentRefinementCreated, EventMetadata{
		Description:          "A RefinementContext was created",
		PublisherComponents:  []string{"refinement"},
		SubscriberComponents: []string{},
		ExamplePayload:       withFields(map[string]interface{}{"context_id": "c1", "component_id": "comp1"}),
		DefaultPriority:      Normal,
	})
	r.Register(ComponentRefinementUpdated, EventMetadata{
		Description:          "A RefinementContext changed state, including cleanup",
		PublisherComponents:  []string{"refinement"},
		SubscriberComponents: []string{},
		ExamplePayload:       withFields(map[string]interface{}{"context_id": "c1", "state": "cleaned_up"}),
		DefaultPriority:      Normal,
	})
	r.Register(ComponentRefinementIteration, EventMetadata{
		Description:          "A refinement iteration was tracked",
		PublisherComponents:  []string{"refinement"},
		SubscriberComponents: []string{},
		ExamplePayload:       withFields(map[string]interface{}{"context_id": "c1", "iteration_number": 1}),
		DefaultPriority:      Low,
	})
	r.Register(ComponentValidationStateChanged, EventMetadata{
		Description:          "The refinement state-ordering cursor advanced or backtracked",
		PublisherComponents:  []string{"refinement"},
		SubscriberComponents: []string{},
		ExamplePayload:       withFields(map[string]interface{}{"component_id": "comp1", "new_state": "REQUIREMENTS_REVISING"}),
		DefaultPriority:      Normal,
	})
	r.Register(MetricRecorded, EventMetadata{
		Description:          "A generic metric sample",
		PublisherComponents:  []string{"telemetry"},
		SubscriberComponents: []string{},
		ExamplePayload:       withFields(map[string]interface{}{"name": "x", "value": 1.0}),
		DefaultPriority:      Low,
	})
	r.Register(ResourceMetricRecorded, EventMetadata{
		Description:          "A per-resource metric sample",
		PublisherComponents:  []string{"state"},
		SubscriberComponents: []string{},
		ExamplePayload:       withFields(map[string]interface{}{"resource_id": "r1", "name": "x", "value": 1.0}),
		DefaultPriority:      Low,
	})
	r.Register(SystemHealthChanged, EventMetadata{
		Description:          "The system-wide health rollup changed",
		PublisherComponents:  []string{"resource"},
		SubscriberComponents: []string{"agent"},
		ExamplePayload:       withFields(map[string]interface{}{"status": "degraded"}),
		DefaultPriority:      High,
	})
	r.Register(MonitoringErrorOccurred, EventMetadata{
		Description:          "A subscriber handler raised; never re-wrapped to avoid recursion",
		PublisherComponents:  []string{"eventbus"},
		SubscriberComponents: []string{},
		ExamplePayload:       withFields(map[string]interface{}{"event_type": "x", "error": "panic: nil pointer"}),
		DefaultPriority:      High,
	})
	r.Register(ResourceAlertCreated, EventMetadata{
		Description:          "A memory/resource alert fired",
		PublisherComponents:  []string{"resource"},
		SubscriberComponents: []string{"state"},
		ExamplePayload:       withFields(map[string]interface{}{"alert": "memory_high_water_mark"}),
		DefaultPriority:      High,
	})
	r.Register(ResourceAlertUpdated, EventMetadata{
		Description:          "An existing alert's state changed",
		PublisherComponents:  []string{"resource"},
		SubscriberComponents: []string{},
		ExamplePayload:       withFields(map[string]interface{}{"alert": "memory_high_water_mark", "state": "resolved"}),
		DefaultPriority:      Normal,
	})
	r.Register(SystemAlert, EventMetadata{
		Description:          "A programming fault escalated to a system-wide alert",
		PublisherComponents:  []string{"*"},
		SubscriberComponents: []string{},
		ExamplePayload:       withFields(map[string]interface{}{"message": "unexpected nil"}),
		DefaultPriority:      High,
	})
	r.Register(AgentUpdateRequest, EventMetadata{
		Description:          "An agent asked to be updated with new context",
		PublisherComponents:  []string{"propagator"},
		SubscriberComponents: []string{"agent"},
		ExamplePayload:       withFields(map[string]interface{}{"agent_id": "a1"}),
		DefaultPriority:      Normal,
	})
	r.Register(AgentUpdateComplete, EventMetadata{
		Description:          "An agent finished applying an update",
		PublisherComponents:  []string{"agent"},
		SubscriberComponents: []string{"propagator"},
		ExamplePayload:       withFields(map[string]interface{}{"agent_id": "a1"}),
		DefaultPriority:      Normal,
	})
	r.Register(AgentUpdateFailed, EventMetadata{
		Description:          "An agent failed to apply an update",
		PublisherComponents:  []string{"agent"},
		SubscriberComponents: []string{"propagator", "refinement"},
		ExamplePayload:       withFields(map[string]interface{}{"agent_id": "a1", "reason": "timeout"}),
		DefaultPriority:      High,
	})

	return r
}
