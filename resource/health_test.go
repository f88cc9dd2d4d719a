package resource

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHealthTracker_RollupIsHealthyWhenEmpty(t *testing.T) {
	tr := NewHealthTracker()
	require.Equal(t, "healthy", tr.Rollup().Status)
}

func TestHealthTracker_RollupPicksWorstStatus(t *testing.T) {
	tr := NewHealthTracker()
	tr.Report(HealthStatus{Status: "healthy", Source: "a"})
	tr.Report(HealthStatus{Status: "degraded", Source: "b"})
	tr.Report(HealthStatus{Status: "healthy", Source: "c"})

	require.Equal(t, "degraded", tr.Rollup().Status)

	tr.Report(HealthStatus{Status: "unhealthy", Source: "d"})
	require.Equal(t, "unhealthy", tr.Rollup().Status)
}

func TestHealthTracker_ForgetRemovesSource(t *testing.T) {
	tr := NewHealthTracker()
	tr.Report(HealthStatus{Status: "unhealthy", Source: "a"})
	tr.Forget("a")

	require.Equal(t, "healthy", tr.Rollup().Status)
	_, ok := tr.Get("a")
	require.False(t, ok)
}
