package resource

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forestryhq/pipeline-core/coreiface"
)

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig("test")
	cfg.FailureThreshold = 2
	cb := NewCircuitBreaker(cfg)

	failing := func(ctx context.Context) error { return errors.New("boom") }

	require.Error(t, cb.Execute(context.Background(), failing))
	require.Equal(t, StateClosed, cb.State())

	require.Error(t, cb.Execute(context.Background(), failing))
	require.Equal(t, StateOpen, cb.State())

	err := cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, coreiface.ErrCircuitOpen)
}

func TestCircuitBreaker_RecoversThroughHalfOpen(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig("test")
	cfg.FailureThreshold = 1
	cfg.RecoveryTimeout = 10 * time.Millisecond
	cb := NewCircuitBreaker(cfg)

	require.Error(t, cb.Execute(context.Background(), func(ctx context.Context) error { return errors.New("boom") }))
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(context.Background(), func(ctx context.Context) error { return nil }))
	require.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig("test")
	cfg.FailureThreshold = 1
	cfg.RecoveryTimeout = 10 * time.Millisecond
	cb := NewCircuitBreaker(cfg)

	require.Error(t, cb.Execute(context.Background(), func(ctx context.Context) error { return errors.New("boom") }))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	require.Error(t, cb.Execute(context.Background(), func(ctx context.Context) error { return errors.New("still broken") }))
	require.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_PanicIsRecovered(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig("test")
	cb := NewCircuitBreaker(cfg)

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		panic("boom")
	})
	require.Error(t, err)
}

func TestCircuitBreakerRegistry_GetOrCreateReusesByName(t *testing.T) {
	reg := NewCircuitBreakerRegistry()
	cb1 := reg.GetOrCreate(DefaultCircuitBreakerConfig("shared"))
	cb2 := reg.GetOrCreate(DefaultCircuitBreakerConfig("shared"))
	require.Same(t, cb1, cb2)

	snap := reg.Snapshot()
	require.Equal(t, StateClosed, snap["shared"])
}
