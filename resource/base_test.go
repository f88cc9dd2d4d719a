package resource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBaseResource_InitializeAndTerminateAreIdempotent(t *testing.T) {
	r := NewBaseResource("res-1", nil)
	ctx := context.Background()

	require.True(t, r.Initialize(ctx))
	require.True(t, r.Initialize(ctx))

	require.True(t, r.Terminate(ctx))
	require.True(t, r.Terminate(ctx))
	require.True(t, r.IsTerminated())
}

func TestBaseResource_TerminateCancelsTrackedTasks(t *testing.T) {
	r := NewBaseResource("res-2", nil)
	ctx := context.Background()

	done := make(chan struct{})
	taskCtx, cancel := context.WithCancel(context.Background())
	r.TrackTask("worker", cancel, done)

	go func() {
		<-taskCtx.Done()
		close(done)
	}()

	require.True(t, r.Terminate(ctx))
}

func TestRegistry_TerminateAllToleratesFailures(t *testing.T) {
	reg := DefaultRegistry()
	before := len(reg.IDs())

	r1 := NewBaseResource("reg-1", nil)
	r2 := NewBaseResource("reg-2", nil)
	_ = r1
	_ = r2

	require.GreaterOrEqual(t, len(reg.IDs()), before+2)

	errs := reg.TerminateAll(context.Background())
	require.Empty(t, errs)
	require.True(t, r1.IsTerminated())
	require.True(t, r2.IsTerminated())
}

func TestBaseResource_GeneratesIDWhenEmpty(t *testing.T) {
	r := NewBaseResource("", nil)
	require.NotEmpty(t, r.ID)
	require.NotZero(t, r.CreatedAt)
	require.WithinDuration(t, time.Now(), r.CreatedAt, 5*time.Second)
	r.Terminate(context.Background())
}
