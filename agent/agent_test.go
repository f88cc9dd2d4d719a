package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forestryhq/pipeline-core/state"
	"github.com/forestryhq/pipeline-core/state/backends/memory"
)

func newTestAgent(t *testing.T) *Agent {
	t.Helper()
	mgr, err := state.New(context.Background(), memory.New(), state.DefaultConfig())
	require.NoError(t, err)
	return New("", Config{State: mgr})
}

func TestAgent_ProcessSuccessTransitionsToComplete(t *testing.T) {
	a := newTestAgent(t)
	result := a.Process(context.Background(), map[string]interface{}{"x": 1}, func(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"y": 2}, nil
	})
	require.Equal(t, Complete, result.Phase)
	require.Equal(t, 2, result.Output["y"])
	require.Equal(t, Complete, a.currentPhase(context.Background()))
}

func TestAgent_ProcessFailureTransitionsToError(t *testing.T) {
	a := newTestAgent(t)
	result := a.Process(context.Background(), nil, func(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("domain failure")
	})
	require.Equal(t, PhaseError, result.Phase)
	require.False(t, result.Rejected)
	require.Equal(t, int64(1), a.GetMetrics().ErrorTotal)
}

func TestAgent_CircuitOpenReturnsStructuredRejection(t *testing.T) {
	a := newTestAgent(t)
	for i := 0; i < 5; i++ {
		a.Process(context.Background(), nil, func(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
			return nil, errors.New("boom")
		})
	}
	result := a.Process(context.Background(), nil, func(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"should": "not run"}, nil
	})
	require.True(t, result.Rejected)
	require.Equal(t, PhaseError, result.Phase)
}

func TestMemoryMonitor_AlertsOnceAtHighWaterMark(t *testing.T) {
	m := NewMemoryMonitor(10)
	require.False(t, m.Track(map[string]interface{}{"a": 1}))
	crossed := m.Track(map[string]interface{}{"b": "a fairly long string value"})
	require.True(t, crossed)
	require.False(t, m.Track(map[string]interface{}{"c": 1}))
}

func TestMemoryMonitor_DisabledWhenZero(t *testing.T) {
	m := NewMemoryMonitor(0)
	require.False(t, m.Track(map[string]interface{}{"a": "x"}))
}
