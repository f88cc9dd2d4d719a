package refinement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forestryhq/pipeline-core/eventbus"
)

func TestIsBacktracking_DetectsDecreasingPrecedence(t *testing.T) {
	require.True(t, IsBacktracking(FeaturesValidating, DescriptionRevising))
	require.False(t, IsBacktracking(DescriptionValidating, RequirementsValidating))
}

func TestIsBacktracking_ArbitrationToRevisingIsNotBacktracking(t *testing.T) {
	require.False(t, IsBacktracking(Arbitration, DataFlowRevising))
}

func TestManager_CreateAndTrackContext(t *testing.T) {
	m := New(Config{})
	ctx := m.CreateRefinementContext("comp-a", DescriptionValidating, "description_agent", nil, nil)
	require.NotEmpty(t, ctx.ContextID)

	iter := m.TrackRefinementIteration(ctx.ContextID, 0, "refine", map[string]interface{}{"in": 1}, map[string]interface{}{"out": 2}, true, time.Millisecond, nil)
	require.Equal(t, ctx.ContextID, iter.ContextID)

	require.Len(t, m.GetIterations(ctx.ContextID), 1)
}

func TestManager_CleanupObsoleteContextsPreservesMatchingAgent(t *testing.T) {
	m := New(Config{})
	keep := m.CreateRefinementContext("comp-a", DataFlowRevising, "data_flow_agent", nil, nil)
	drop := m.CreateRefinementContext("comp-b", FeaturesValidating, "features_agent", nil, nil)

	removed := m.CleanupObsoleteContexts(DataFlowRevising, "data_flow_agent")

	require.Contains(t, removed, drop.ContextID)
	require.NotContains(t, removed, keep.ContextID)

	_, stillThere := m.GetContext(keep.ContextID)
	require.True(t, stillThere)
	_, gone := m.GetContext(drop.ContextID)
	require.False(t, gone)
}

func TestManager_CleanupEmitsUpdatedEventPerRemoval(t *testing.T) {
	bus := eventbus.New()
	bus.Start()
	defer bus.Stop(context.Background())

	received := make(chan eventbus.Event, 4)
	bus.Subscribe(eventbus.ComponentRefinementUpdated, func(evt eventbus.Event) {
		received <- evt
	})

	m := New(Config{Bus: bus})
	m.CreateRefinementContext("comp-a", FeaturesValidating, "features_agent", nil, nil)
	m.CleanupObsoleteContexts(DataFlowRevising, "data_flow_agent")

	select {
	case evt := <-received:
		require.Equal(t, "cleaned_up", evt.Data["state"])
	case <-time.After(time.Second):
		t.Fatal("expected a COMPONENT_REFINEMENT_UPDATED event")
	}
}

type stubAgentHandle struct {
	refineErr     error
	reflectErr    error
	revisions     []RevisionOutcome
	reviseIdx     int
}

func (s *stubAgentHandle) Refine(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if s.refineErr != nil {
		return nil, s.refineErr
	}
	return map[string]interface{}{"refined": true}, nil
}

func (s *stubAgentHandle) ReflectSelf(ctx context.Context, refined map[string]interface{}) (map[string]interface{}, error) {
	if s.reflectErr != nil {
		return nil, s.reflectErr
	}
	return map[string]interface{}{"notes": "looks fine"}, nil
}

func (s *stubAgentHandle) Revise(ctx context.Context, refined, reflection map[string]interface{}) (RevisionOutcome, error) {
	if s.reviseIdx >= len(s.revisions) {
		return RevisionOutcome{}, errors.New("no more revisions")
	}
	r := s.revisions[s.reviseIdx]
	s.reviseIdx++
	return r, nil
}

func TestManager_ThreeStageRefinement_StopsEarlyOnHighConfidence(t *testing.T) {
	agent := &stubAgentHandle{
		revisions: []RevisionOutcome{
			{Artifact: map[string]interface{}{"v": 1}, Confidence: ConfidenceLow, RemainingUncertainties: 3},
			{Artifact: map[string]interface{}{"v": 2}, Confidence: ConfidenceHigh, RemainingUncertainties: 0},
			{Artifact: map[string]interface{}{"v": 3}, Confidence: ConfidenceHigh, RemainingUncertainties: 0},
		},
	}
	m := New(Config{})
	out := m.ThreeStageRefinement(context.Background(), "ctx-1", agent, map[string]interface{}{"seed": true}, DefaultTimeouts(), 3)

	require.Equal(t, 2, out["v"])
	require.Equal(t, 2, agent.reviseIdx)

	for _, iter := range m.GetIterations("ctx-1") {
		require.GreaterOrEqual(t, iter.Duration, time.Duration(0))
	}
}

func TestManager_ThreeStageRefinement_ReturnsBestOnRefineFailure(t *testing.T) {
	agent := &stubAgentHandle{
		revisions: []RevisionOutcome{
			{Artifact: map[string]interface{}{"v": 1}, Confidence: ConfidenceMedium, RemainingUncertainties: 2},
		},
	}
	m := New(Config{})
	out := m.ThreeStageRefinement(context.Background(), "ctx-2", agent, map[string]interface{}{"seed": true}, DefaultTimeouts(), 3)
	require.Equal(t, 1, out["v"])

	agent.refineErr = errors.New("boom")
	out2 := m.ThreeStageRefinement(context.Background(), "ctx-3", agent, map[string]interface{}{"seed": true}, DefaultTimeouts(), 3)
	require.Equal(t, map[string]interface{}{"seed": true}, out2)
}

func TestManager_RunWithTimeout_TimesOut(t *testing.T) {
	m := New(Config{})
	result, duration, success := m.RunWithTimeout(context.Background(), 10*time.Millisecond, "ctx-1", "refine", func(ctx context.Context) (map[string]interface{}, error) {
		time.Sleep(100 * time.Millisecond)
		return map[string]interface{}{"done": true}, nil
	})
	require.False(t, success)
	require.Contains(t, result["error"], "timed out")
	require.GreaterOrEqual(t, duration, 10*time.Millisecond)
}

type stubArbitrationClient struct {
	responsible, rootCause string
	err                    error
}

func (s stubArbitrationClient) Arbitrate(ctx context.Context, candidates []string, failure map[string]interface{}) (string, string, error) {
	return s.responsible, s.rootCause, s.err
}

func TestManager_Arbitrate_MapsKnownAgentToRevisingState(t *testing.T) {
	m := New(Config{})
	responsible, rootCause, next := m.Arbitrate(context.Background(), stubArbitrationClient{responsible: "data_flow_agent", rootCause: "features_agent"}, []string{"data_flow_agent", "features_agent"}, nil)
	require.Equal(t, "data_flow_agent", responsible)
	require.Equal(t, "features_agent", rootCause)
	require.Equal(t, DataFlowRevising, next)
}

func TestManager_Arbitrate_DefaultsToDescriptionRevisingWhenUnmapped(t *testing.T) {
	m := New(Config{})
	_, _, next := m.Arbitrate(context.Background(), stubArbitrationClient{responsible: "unknown_agent"}, []string{"unknown_agent"}, nil)
	require.Equal(t, DescriptionRevising, next)
}

func TestManager_GetHealthStatus(t *testing.T) {
	m := New(Config{})
	status := m.GetHealthStatus()
	require.Equal(t, "healthy", status.Status)
}
