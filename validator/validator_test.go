package validator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubAgent struct {
	validateEnv   Envelope
	validateErr   error
	reflections   []Reflection
	reflectIdx    int
	revisions     []Revision
	reviseIdx     int
}

func (s *stubAgent) Validate(ctx context.Context, req Request, depContext map[string]interface{}) (Envelope, error) {
	return s.validateEnv, s.validateErr
}

func (s *stubAgent) Reflect(ctx context.Context, env Envelope) (Reflection, error) {
	if s.reflectIdx >= len(s.reflections) {
		return Reflection{DecisionQualityScore: 10}, nil
	}
	r := s.reflections[s.reflectIdx]
	s.reflectIdx++
	return r, nil
}

func (s *stubAgent) Revise(ctx context.Context, env Envelope, reflection Reflection) (Revision, error) {
	if s.reviseIdx >= len(s.revisions) {
		return Revision{}, errors.New("no more revisions")
	}
	r := s.revisions[s.reviseIdx]
	s.reviseIdx++
	return r, nil
}

func TestValidator_ApprovesWithoutReflectionNeeded(t *testing.T) {
	agent := &stubAgent{
		validateEnv: Envelope{ValidationResult: Result{IsValid: true, ValidationCategory: Approved}},
		reflections: []Reflection{{DecisionQualityScore: 9}},
	}
	v := New(agent, DefaultConfig())

	req := NewRequest(TierComponent, "agent-1", nil, map[string]interface{}{"id": "comp-a"})
	env, err := v.Validate(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, Approved, env.ValidationResult.ValidationCategory)
}

func TestValidator_InvalidTierRejectedWithoutCallingAgent(t *testing.T) {
	agent := &stubAgent{}
	v := New(agent, DefaultConfig())

	req := Request{Tier: "BOGUS", OriginatingAgentID: "agent-1"}
	env, err := v.Validate(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, Rejected, env.ValidationResult.ValidationCategory)
	require.Contains(t, env.DetectedIssues, "invalid_abstraction_tier")
}

func TestValidator_AgentErrorBecomesSystemErrorRejection(t *testing.T) {
	agent := &stubAgent{validateErr: errors.New("backend unreachable")}
	v := New(agent, DefaultConfig())

	req := NewRequest(TierComponent, "agent-1", nil, map[string]interface{}{"id": "comp-a"})
	env, err := v.Validate(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, Rejected, env.ValidationResult.ValidationCategory)
	require.Contains(t, env.DetectedIssues, "system_error")
}

func TestValidator_ReflectionRevisionLoopAppliesCorrection(t *testing.T) {
	corrected := Envelope{ValidationResult: Result{IsValid: true, ValidationCategory: Corrected}}
	agent := &stubAgent{
		validateEnv: Envelope{ValidationResult: Result{IsValid: false, ValidationCategory: Rejected}},
		reflections: []Reflection{{DecisionQualityScore: 3, CriticalImprovements: []string{"missing context"}}},
		revisions:   []Revision{{RevisedValidation: &corrected, Confidence: Confidence{Score: 9}}},
	}
	v := New(agent, DefaultConfig())

	req := NewRequest(TierComponent, "agent-1", nil, map[string]interface{}{"id": "comp-a"})
	env, err := v.Validate(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, Corrected, env.ValidationResult.ValidationCategory)
	require.Equal(t, 1, v.RevisionCount(req.OperationID))
}

func TestValidator_StopsAtMaxIterations(t *testing.T) {
	low := Envelope{ValidationResult: Result{IsValid: false, ValidationCategory: Rejected}}
	agent := &stubAgent{
		validateEnv: low,
		reflections: []Reflection{
			{DecisionQualityScore: 1, CriticalImprovements: []string{"x"}},
			{DecisionQualityScore: 1, CriticalImprovements: []string{"x"}},
			{DecisionQualityScore: 1, CriticalImprovements: []string{"x"}},
		},
		revisions: []Revision{
			{RevisedValidation: &low, Confidence: Confidence{Score: 1}},
			{RevisedValidation: &low, Confidence: Confidence{Score: 1}},
			{RevisedValidation: &low, Confidence: Confidence{Score: 1}},
		},
	}
	cfg := DefaultConfig()
	cfg.MaxIterations = 3
	v := New(agent, cfg)

	req := NewRequest(TierComponent, "agent-1", nil, map[string]interface{}{"id": "comp-a"})
	_, err := v.Validate(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 3, v.RevisionCount(req.OperationID))
}

func TestGraph_DetectCyclesAndUndefinedDependencies(t *testing.T) {
	g := Graph{
		"a": {"b"},
		"b": {"c"},
		"c": {"a"},
		"d": {"missing"},
	}

	cycles := g.DetectCycles("dependency_cycle")
	require.NotEmpty(t, cycles)

	undefined := g.UndefinedDependencies("undefined_dependency")
	require.Len(t, undefined, 1)
	require.Equal(t, "d", undefined[0].Component)
}

func TestGraph_AffectedDownstream(t *testing.T) {
	g := Graph{
		"downstream-1": {"origin"},
		"downstream-2": {"other"},
		"unrelated":    {"nothing"},
	}

	affected := g.AffectedDownstream([]string{"origin"})
	require.Equal(t, []string{"downstream-1"}, affected)
}

// Scenario 3 (spec.md §8): a proposed_update with a circular component
// dependency must surface a dependency_cycle impact through the
// pipeline's own dependency-context enrichment, not just through a
// direct Graph unit test.
func TestValidator_BuildDependencyContextDetectsCycleInProposedUpdate(t *testing.T) {
	v := New(&stubAgent{}, DefaultConfig())

	req := NewRequest(TierComponent, "agent-1", nil, map[string]interface{}{
		"ordered_components": []interface{}{
			map[string]interface{}{
				"name":         "A",
				"dependencies": map[string]interface{}{"required": []interface{}{"B"}},
			},
			map[string]interface{}{
				"name":         "B",
				"dependencies": map[string]interface{}{"required": []interface{}{"A"}},
			},
		},
	})

	depContext := v.buildDependencyContext(req)
	impacts, ok := depContext["impacts"].([]ImpactRecord)
	require.True(t, ok)
	require.NotEmpty(t, impacts)

	var found bool
	for _, impact := range impacts {
		if impact.Kind == "dependency_cycle" && (impact.Component == "A" || impact.Component == "B") {
			found = true
		}
	}
	require.True(t, found, "expected a dependency_cycle impact naming A or B, got %+v", impacts)
}

func TestValidator_BuildDependencyContextUndefinedDependency(t *testing.T) {
	v := New(&stubAgent{}, DefaultConfig())

	req := NewRequest(TierFeature, "agent-1", nil, map[string]interface{}{
		"features": []interface{}{
			map[string]interface{}{"id": "feat-a", "dependencies": []interface{}{"feat-missing"}},
		},
	})

	depContext := v.buildDependencyContext(req)
	impacts, ok := depContext["impacts"].([]ImpactRecord)
	require.True(t, ok)

	var found bool
	for _, impact := range impacts {
		if impact.Kind == "undefined_dependency" && impact.Component == "feat-a" {
			found = true
		}
	}
	require.True(t, found, "expected an undefined_dependency impact for feat-a, got %+v", impacts)
}
