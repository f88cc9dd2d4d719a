package state

import "github.com/forestryhq/pipeline-core/coreiface"

// TransitionMatrix declares which (from, to) ResourceState pairs are
// legal. The default policy (DefaultTransitionMatrix) allows any forward
// step through the natural lifecycle plus the FAILED->RECOVERED->ACTIVE
// recovery path, matching spec.md §4.2.
type TransitionMatrix map[ResourceState]map[ResourceState]bool

// DefaultTransitionMatrix returns the spec.md §4.2 default policy.
func DefaultTransitionMatrix() TransitionMatrix {
	return TransitionMatrix{
		Initializing: {Active: true, Failed: true, Terminated: true},
		Active:       {Paused: true, Failed: true, Terminated: true},
		Paused:       {Active: true, Failed: true, Terminated: true},
		Failed:       {Recovered: true, Terminated: true},
		Recovered:    {Active: true, Failed: true, Terminated: true},
		Terminated:   {}, // terminal: no transitions except explicit purge during cleanup
	}
}

// Allowed reports whether transitioning from `from` to `to` is legal.
// Identical from==to is always allowed (re-asserting the same state,
// exercised by the idempotence law in spec.md §8).
func (m TransitionMatrix) Allowed(from, to ResourceState) bool {
	if from == to {
		return true
	}
	targets, ok := m[from]
	if !ok {
		return false
	}
	return targets[to]
}

// ValidateTransition checks a proposed transition between two StateValues.
// Per spec.md §4.2, validation only applies "if both old and new states
// are enum-typed". Only ResourceState pairs are checked against the
// matrix; InterfaceState pairs, freeform states and mixed pairs are never
// rejected here, since the matrix has no opinion on them.
func ValidateTransition(matrix TransitionMatrix, from, to StateValue) error {
	if from.Kind != KindResource || to.Kind != KindResource {
		return nil
	}
	if !matrix.Allowed(from.Resource, to.Resource) {
		return &TransitionError{From: from.Resource, To: to.Resource}
	}
	return nil
}

// TransitionError reports an illegal ResourceState transition.
type TransitionError struct {
	From ResourceState
	To   ResourceState
}

func (e *TransitionError) Error() string {
	return "invalid state transition: " + string(e.From) + " -> " + string(e.To)
}

func (e *TransitionError) Unwrap() error { return coreiface.ErrInvalidStateTransition }
