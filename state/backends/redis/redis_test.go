package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/forestryhq/pipeline-core/state"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	return mr, client
}

func TestBackend_SaveAndLoadState(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	b := New(client, "test", nil)
	ctx := context.Background()

	entry := state.StateEntry{ResourceID: "res-1", State: state.ResourceStateValue(state.Active), Version: 1}
	require.NoError(t, b.SaveState(ctx, entry))

	loaded, err := b.LoadState(ctx, "res-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, state.Active, loaded.State.Resource)
}

func TestBackend_HistoryCapped(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	b := New(client, "test", nil)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		require.NoError(t, b.SaveState(ctx, state.StateEntry{ResourceID: "res-1", State: state.ResourceStateValue(state.Active), Version: i}))
	}

	hist, err := b.LoadHistory(ctx, "res-1", 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	require.Equal(t, 4, hist[0].Version)
	require.Equal(t, 5, hist[1].Version)
}

func TestBackend_GetAllResourceIDsAndDelete(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	b := New(client, "test", nil)
	ctx := context.Background()
	require.NoError(t, b.SaveState(ctx, state.StateEntry{ResourceID: "res-a", State: state.ResourceStateValue(state.Active)}))
	require.NoError(t, b.SaveState(ctx, state.StateEntry{ResourceID: "res-b", State: state.ResourceStateValue(state.Active)}))

	ids, err := b.GetAllResourceIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"res-a", "res-b"}, ids)

	require.NoError(t, b.DeleteState(ctx, "res-a"))
	ids, err = b.GetAllResourceIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"res-b"}, ids)
}

func TestBackend_SnapshotsRoundTrip(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	b := New(client, "test", nil)
	ctx := context.Background()
	require.NoError(t, b.SaveSnapshot(ctx, state.StateSnapshot{ResourceID: "res-1", Version: 3}))

	snaps, err := b.LoadSnapshots(ctx, "res-1", 0)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Equal(t, 3, snaps[0].Version)
}
