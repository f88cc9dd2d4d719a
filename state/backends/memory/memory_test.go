package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forestryhq/pipeline-core/state"
)

func TestBackend_SaveAndLoadState(t *testing.T) {
	b := New()
	ctx := context.Background()

	entry := state.StateEntry{
		ResourceID: "res-1",
		State:      state.ResourceStateValue(state.Active),
		Version:    1,
		Metadata:   map[string]interface{}{"k": "v"},
	}
	require.NoError(t, b.SaveState(ctx, entry))

	loaded, err := b.LoadState(ctx, "res-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, state.Active, loaded.State.Resource)

	loaded.Metadata["k"] = "mutated"
	reloaded, err := b.LoadState(ctx, "res-1")
	require.NoError(t, err)
	require.Equal(t, "v", reloaded.Metadata["k"])
}

func TestBackend_LoadStateMissingReturnsNil(t *testing.T) {
	b := New()
	loaded, err := b.LoadState(context.Background(), "nope")
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestBackend_HistoryAccumulates(t *testing.T) {
	b := New()
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		require.NoError(t, b.SaveState(ctx, state.StateEntry{
			ResourceID: "res-1",
			State:      state.ResourceStateValue(state.Active),
			Version:    i,
		}))
	}

	hist, err := b.LoadHistory(ctx, "res-1", 0)
	require.NoError(t, err)
	require.Len(t, hist, 3)

	limited, err := b.LoadHistory(ctx, "res-1", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	require.Equal(t, 2, limited[0].Version)
	require.Equal(t, 3, limited[1].Version)
}

func TestBackend_GetAllResourceIDsSorted(t *testing.T) {
	b := New()
	ctx := context.Background()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, b.SaveState(ctx, state.StateEntry{ResourceID: id, State: state.ResourceStateValue(state.Active)}))
	}

	ids, err := b.GetAllResourceIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "mid", "zeta"}, ids)
}

func TestBackend_DeleteAndClear(t *testing.T) {
	b := New()
	ctx := context.Background()
	require.NoError(t, b.SaveState(ctx, state.StateEntry{ResourceID: "res-1", State: state.ResourceStateValue(state.Active)}))
	require.NoError(t, b.SaveState(ctx, state.StateEntry{ResourceID: "res-2", State: state.ResourceStateValue(state.Active)}))

	require.NoError(t, b.DeleteState(ctx, "res-1"))
	loaded, err := b.LoadState(ctx, "res-1")
	require.NoError(t, err)
	require.Nil(t, loaded)

	require.NoError(t, b.ClearAllStates(ctx))
	ids, err := b.GetAllResourceIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestBackend_SnapshotsRoundTrip(t *testing.T) {
	b := New()
	ctx := context.Background()
	snap := state.StateSnapshot{ResourceID: "res-1", State: map[string]interface{}{"value": "ACTIVE"}, Version: 5}
	require.NoError(t, b.SaveSnapshot(ctx, snap))

	snaps, err := b.LoadSnapshots(ctx, "res-1", 0)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Equal(t, 5, snaps[0].Version)
}
