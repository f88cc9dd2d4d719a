// Package eventbus implements the prioritized asynchronous publish/subscribe
// substrate described in spec.md §4.1: three strict-priority FIFO queues, a
// per-subscriber bounded mailbox so slow handlers never block others, a
// process-global event registry for documentation/validation, and health
// counters for events enqueued (per priority), delivered and dropped.
//
// Grounded on the teacher's circuit-breaker/telemetry wiring style
// (itsneelabh-gomind core/interfaces.go, telemetry/otel.go) generalized to
// a domain the teacher itself doesn't implement.
package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders delivery across the bus's three queues.
type Priority int

const (
	Low Priority = iota
	Normal
	High
)

func (p Priority) String() string {
	switch p {
	case High:
		return "HIGH"
	case Normal:
		return "NORMAL"
	case Low:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// Event is one unit of data flowing through the bus.
type Event struct {
	EventID   uuid.UUID              `json:"event_id"`
	EventType string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	SourceID  string                 `json:"source_id"`
	Priority  Priority               `json:"priority"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent builds an Event, stamping id/timestamp.
func NewEvent(eventType, sourceID string, data map[string]interface{}, priority Priority) Event {
	return Event{
		EventID:   uuid.New(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		SourceID:  sourceID,
		Priority:  priority,
		Data:      data,
	}
}

// Handler receives an immutable copy of an Event. Handlers must not
// mutate Data's maps/slices in place; the bus does not defend against it
// beyond passing a shallow copy of the top-level map.
type Handler func(Event)

// Well-known event type families from spec.md §6. Event types outside
// this set may still be emitted (the registry is documentation, not
// enforcement) but will be counted as "unregistered".
const (
	ResourceStateChanged            = "RESOURCE_STATE_CHANGED"
	ResourceHealthChanged           = "RESOURCE_HEALTH_CHANGED"
	ResourceCleanup                 = "RESOURCE_CLEANUP"
	ResourceErrorOccurred           = "RESOURCE_ERROR_OCCURRED"
	ResourceErrorResolved           = "RESOURCE_ERROR_RESOLVED"
	ResourceErrorRecoveryStarted    = "RESOURCE_ERROR_RECOVERY_STARTED"
	ResourceErrorRecoveryCompleted  = "RESOURCE_ERROR_RECOVERY_COMPLETED"
	InterfaceStateChanged           = "INTERFACE_STATE_CHANGED"
	AgentContextUpdated             = "AGENT_CONTEXT_UPDATED"
	ValidationCompleted             = "VALIDATION_COMPLETED"
	EarthValidationStarted          = "EARTH_VALIDATION_STARTED"
	EarthValidationComplete         = "EARTH_VALIDATION_COMPLETE"
	EarthValidationFailed           = "EARTH_VALIDATION_FAILED"
	WaterPropagationStarted         = "WATER_PROPAGATION_STARTED"
	WaterPropagationComplete        = "WATER_PROPAGATION_COMPLETE"
	WaterPropagationRejected        = "WATER_PROPAGATION_REJECTED"
	WaterPropagationFailed          = "WATER_PROPAGATION_FAILED"
	ComponentRefinementCreated      = "COMPONENT_REFINEMENT_CREATED"
	ComponentRefinementUpdated      = "COMPONENT_REFINEMENT_UPDATED"
	ComponentRefinementIteration    = "COMPONENT_REFINEMENT_ITERATION"
	ComponentValidationStateChanged = "COMPONENT_VALIDATION_STATE_CHANGED"
	MetricRecorded                  = "METRIC_RECORDED"
	ResourceMetricRecorded          = "RESOURCE_METRIC_RECORDED"
	SystemHealthChanged             = "SYSTEM_HEALTH_CHANGED"
	MonitoringErrorOccurred         = "MONITORING_ERROR_OCCURRED"
	ResourceAlertCreated            = "RESOURCE_ALERT_CREATED"
	ResourceAlertUpdated            = "RESOURCE_ALERT_UPDATED"
	SystemAlert                     = "SYSTEM_ALERT"
	AgentUpdateRequest              = "AGENT_UPDATE_REQUEST"
	AgentUpdateComplete             = "AGENT_UPDATE_COMPLETE"
	AgentUpdateFailed               = "AGENT_UPDATE_FAILED"
)
