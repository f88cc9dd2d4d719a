package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forestryhq/pipeline-core/state"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBackend_SaveAndLoadState(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	entry := state.StateEntry{ResourceID: "res-1", State: state.ResourceStateValue(state.Active), Version: 1}
	require.NoError(t, b.SaveState(ctx, entry))

	loaded, err := b.LoadState(ctx, "res-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, state.Active, loaded.State.Resource)
}

func TestBackend_SaveStateUpsertsCurrentRow(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.SaveState(ctx, state.StateEntry{ResourceID: "res-1", State: state.ResourceStateValue(state.Initializing), Version: 1}))
	require.NoError(t, b.SaveState(ctx, state.StateEntry{ResourceID: "res-1", State: state.ResourceStateValue(state.Active), Version: 2}))

	loaded, err := b.LoadState(ctx, "res-1")
	require.NoError(t, err)
	require.Equal(t, 2, loaded.Version)

	hist, err := b.LoadHistory(ctx, "res-1", 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
}

func TestBackend_GetAllResourceIDsSorted(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	for _, id := range []string{"zeta", "alpha"} {
		require.NoError(t, b.SaveState(ctx, state.StateEntry{ResourceID: id, State: state.ResourceStateValue(state.Active)}))
	}

	ids, err := b.GetAllResourceIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "zeta"}, ids)
}

func TestBackend_DeleteCascadesHistoryAndSnapshots(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, b.SaveState(ctx, state.StateEntry{ResourceID: "res-1", State: state.ResourceStateValue(state.Active)}))
	require.NoError(t, b.SaveSnapshot(ctx, state.StateSnapshot{ResourceID: "res-1", Version: 1}))

	require.NoError(t, b.DeleteState(ctx, "res-1"))

	hist, err := b.LoadHistory(ctx, "res-1", 0)
	require.NoError(t, err)
	require.Empty(t, hist)

	snaps, err := b.LoadSnapshots(ctx, "res-1", 0)
	require.NoError(t, err)
	require.Empty(t, snaps)
}

func TestBackend_GetDatabaseStats(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, b.SaveState(ctx, state.StateEntry{ResourceID: "res-1", State: state.ResourceStateValue(state.Active)}))
	require.NoError(t, b.SaveSnapshot(ctx, state.StateSnapshot{ResourceID: "res-1", Version: 1}))

	stats, err := b.GetDatabaseStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.ResourceCount)
	require.Equal(t, 1, stats.HistoryRows)
	require.Equal(t, 1, stats.SnapshotRows)
}

func TestBackend_CleanupKeepsHistoryUnderCap(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		require.NoError(t, b.SaveState(ctx, state.StateEntry{ResourceID: "res-1", State: state.ResourceStateValue(state.Active), Version: i}))
	}

	_, err := b.Cleanup(ctx, nil)
	require.NoError(t, err)

	hist, err := b.LoadHistory(ctx, "res-1", 0)
	require.NoError(t, err)
	require.Len(t, hist, 3)
}
