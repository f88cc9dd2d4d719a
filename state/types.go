// Package state implements the versioned, history-preserving, snapshot
// capable keyed state store described in spec.md §4.2: pluggable
// persistence backends, an LRU read cache, per-resource transition
// validation, and periodic snapshot cadence.
package state

import "time"

// ResourceState is the closed transition-governed enum from spec.md §3.
type ResourceState string

const (
	Initializing ResourceState = "INITIALIZING"
	Active       ResourceState = "ACTIVE"
	Paused       ResourceState = "PAUSED"
	Failed       ResourceState = "FAILED"
	Recovered    ResourceState = "RECOVERED"
	Terminated   ResourceState = "TERMINATED"
)

// InterfaceState is the parallel enum describing composite workflow
// states, tracked independently per resource_id namespace by convention
// (callers choose which enum a given key uses). No transition matrix
// covers it: ValidateTransition checks only ResourceState pairs, so any
// InterfaceState change is accepted.
type InterfaceState string

const (
	InterfaceIdle       InterfaceState = "IDLE"
	InterfaceInProgress InterfaceState = "IN_PROGRESS"
	InterfaceBlocked    InterfaceState = "BLOCKED"
	InterfaceComplete   InterfaceState = "COMPLETE"
	InterfaceFailed     InterfaceState = "FAILED"
)

// ResourceType tags a StateEntry for cleanup and reporting purposes.
type ResourceType string

const (
	ResourceTypeState   ResourceType = "STATE"
	ResourceTypeMonitor ResourceType = "MONITOR"
	ResourceTypeMetric  ResourceType = "METRIC"
	ResourceTypeAgent   ResourceType = "AGENT"
)

// StateValue is the semantic tagged union spec.md §3 describes: either a
// ResourceState, an InterfaceState, or a free-form mapping. Exactly one
// of the three fields is populated; Kind says which.
type StateValue struct {
	Kind     StateValueKind         `json:"kind"`
	Resource ResourceState          `json:"resource,omitempty"`
	Interface InterfaceState        `json:"interface,omitempty"`
	Freeform map[string]interface{} `json:"freeform,omitempty"`
}

// StateValueKind discriminates StateValue's union.
type StateValueKind string

const (
	KindResource  StateValueKind = "resource"
	KindInterface StateValueKind = "interface"
	KindFreeform  StateValueKind = "freeform"
)

// ResourceStateValue wraps a ResourceState as a StateValue.
func ResourceStateValue(s ResourceState) StateValue {
	return StateValue{Kind: KindResource, Resource: s}
}

// InterfaceStateValue wraps an InterfaceState as a StateValue.
func InterfaceStateValue(s InterfaceState) StateValue {
	return StateValue{Kind: KindInterface, Interface: s}
}

// FreeformStateValue wraps an arbitrary mapping as a StateValue.
func FreeformStateValue(m map[string]interface{}) StateValue {
	return StateValue{Kind: KindFreeform, Freeform: m}
}

// String renders the value for logging/comparison, e.g. as
// previous_state.
func (v StateValue) String() string {
	switch v.Kind {
	case KindResource:
		return string(v.Resource)
	case KindInterface:
		return string(v.Interface)
	default:
		return "freeform"
	}
}

// StateEntry is one point in a resource's timeline (spec.md §3).
type StateEntry struct {
	ResourceID       string                 `json:"resource_id"`
	State            StateValue             `json:"state"`
	ResourceType     ResourceType           `json:"resource_type"`
	Timestamp        time.Time              `json:"timestamp"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	Version          int                    `json:"version"`
	PreviousState    *string                `json:"previous_state,omitempty"`
	TransitionReason *string                `json:"transition_reason,omitempty"`
	FailureInfo      map[string]interface{} `json:"failure_info,omitempty"`
}

// Clone returns a defensive deep-ish copy (metadata/failure_info maps
// are copied one level deep, matching the in-memory backend's "return
// defensive copies" requirement).
func (e StateEntry) Clone() StateEntry {
	c := e
	c.Metadata = cloneMap(e.Metadata)
	c.FailureInfo = cloneMap(e.FailureInfo)
	if e.PreviousState != nil {
		v := *e.PreviousState
		c.PreviousState = &v
	}
	if e.TransitionReason != nil {
		v := *e.TransitionReason
		c.TransitionReason = &v
	}
	return c
}

// StateSnapshot is a coarse-grained archival capture, independent of
// transition boundaries (spec.md §3).
type StateSnapshot struct {
	ResourceID   string                 `json:"resource_id"`
	State        map[string]interface{} `json:"state"`
	Timestamp    time.Time              `json:"timestamp"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	ResourceType ResourceType           `json:"resource_type"`
	Version      int                    `json:"version"`
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
