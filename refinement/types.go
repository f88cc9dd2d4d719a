// Package refinement implements the Refinement Lifecycle Manager
// (spec.md §4.5): the three-stage refine/reflect/revise loop, state
// ordering with backtracking detection, obsolete-context cleanup, and
// timeout-isolated execution.
package refinement

import "time"

// ValidationState is one step of a component's refinement lifecycle.
// The values are declared in precedence order: the integer statePrecedence
// maps each value to is the ordering spec.md §4.5 defines for
// backtracking detection.
type ValidationState string

const (
	NotStarted            ValidationState = "NOT_STARTED"
	DescriptionValidating ValidationState = "DESCRIPTION_VALIDATING"
	DescriptionRevising   ValidationState = "DESCRIPTION_REVISING"
	RequirementsValidating ValidationState = "REQUIREMENTS_VALIDATING"
	RequirementsRevising  ValidationState = "REQUIREMENTS_REVISING"
	DataFlowValidating    ValidationState = "DATA_FLOW_VALIDATING"
	DataFlowRevising      ValidationState = "DATA_FLOW_REVISING"
	FeaturesValidating    ValidationState = "FEATURES_VALIDATING"
	FeaturesRevising      ValidationState = "FEATURES_REVISING"
	Arbitration           ValidationState = "ARBITRATION"
	Completed             ValidationState = "COMPLETED"
)

var statePrecedence = map[ValidationState]int{
	NotStarted:             0,
	DescriptionValidating:  1,
	DescriptionRevising:    2,
	RequirementsValidating: 3,
	RequirementsRevising:   4,
	DataFlowValidating:     5,
	DataFlowRevising:       6,
	FeaturesValidating:     7,
	FeaturesRevising:       8,
	Arbitration:            9,
	Completed:              10,
}

// Precedence returns s's ordering rank, used by IsBacktracking.
func (s ValidationState) Precedence() int { return statePrecedence[s] }

// IsBacktracking reports whether transitioning from `from` to `to` is a
// backtracking move: strictly decreasing precedence, except that
// ARBITRATION -> any *_REVISING state is a directed action spec.md §4.5
// explicitly exempts.
func IsBacktracking(from, to ValidationState) bool {
	if from == Arbitration && isRevisingState(to) {
		return false
	}
	return to.Precedence() < from.Precedence()
}

func isRevisingState(s ValidationState) bool {
	switch s {
	case DescriptionRevising, RequirementsRevising, DataFlowRevising, FeaturesRevising:
		return true
	default:
		return false
	}
}

// RefinementContext is a scoped record of one attempt to improve an
// agent's output (spec.md §4.5, GLOSSARY).
type RefinementContext struct {
	ContextID          string
	ComponentID        string
	ValidationState    ValidationState
	ResponsibleAgent   string
	Errors             []string
	Metadata           map[string]interface{}
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// RefinementIteration is one tracked refine/reflect/revise attempt
// within a RefinementContext.
type RefinementIteration struct {
	ContextID       string
	IterationNumber int
	RefinementType  string // "refine", "reflect", "revise"
	Input           map[string]interface{}
	Output          map[string]interface{}
	Success         bool
	Duration        time.Duration
	Metadata        map[string]interface{}
	RecordedAt      time.Time
}

// HealthStatus reports the refinement manager's own coarse health.
type HealthStatus struct {
	Status         string
	ActiveContexts int
	Description    string
}
