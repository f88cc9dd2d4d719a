package propagator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingHook struct {
	applied map[string]TargetContext
	failFor map[string]bool
}

func newRecordingHook() *recordingHook {
	return &recordingHook{applied: make(map[string]TargetContext), failFor: make(map[string]bool)}
}

func (h *recordingHook) Apply(ctx context.Context, target string, tc TargetContext) error {
	if h.failFor[target] {
		return errors.New("target rejected update")
	}
	h.applied[target] = tc
	return nil
}

func TestTransitiveForward_FollowsChain(t *testing.T) {
	targets := TransitiveForward(Chain(), "garden_planner")
	require.Equal(t, []string{"environmental_analysis", "root_system", "tree_placement"}, targets)
}

func TestTransitiveForward_LeafHasNoTargets(t *testing.T) {
	targets := TransitiveForward(Chain(), "tree_placement")
	require.Empty(t, targets)
}

func TestPropagator_DeliversToEveryDownstreamTarget(t *testing.T) {
	hook := newRecordingHook()
	p := New(hook, DefaultConfig())

	result := p.Propagate(context.Background(), "garden_planner", "widened input schema", UpdateImpact{}, nil)

	require.True(t, result.Success)
	require.ElementsMatch(t, []string{"environmental_analysis", "root_system", "tree_placement"}, result.AffectedAgents)
	require.Len(t, hook.applied, 3)
	require.Empty(t, result.Failures)
}

func TestPropagator_PartialFailureSurfacedPerAgent(t *testing.T) {
	hook := newRecordingHook()
	hook.failFor["root_system"] = true
	p := New(hook, DefaultConfig())

	result := p.Propagate(context.Background(), "garden_planner", "widened input schema", UpdateImpact{}, nil)

	require.False(t, result.Success)
	require.Len(t, result.Failures, 1)
	require.Equal(t, "root_system", result.Failures[0].Agent)
}

func TestPropagator_OverrideTargetsBypassesChain(t *testing.T) {
	hook := newRecordingHook()
	p := New(hook, DefaultConfig())

	result := p.Propagate(context.Background(), "garden_planner", "update", UpdateImpact{}, []string{"custom_target"})
	require.Equal(t, []string{"custom_target"}, result.AffectedAgents)
	require.Contains(t, hook.applied, "custom_target")
}

func TestPropagator_PanicInHookBecomesFailure(t *testing.T) {
	p := New(panicHook{}, DefaultConfig())
	result := p.Propagate(context.Background(), "garden_planner", "update", UpdateImpact{}, []string{"target"})
	require.False(t, result.Success)
	require.Len(t, result.Failures, 1)
}

type panicHook struct{}

func (panicHook) Apply(ctx context.Context, target string, tc TargetContext) error {
	panic("boom")
}
