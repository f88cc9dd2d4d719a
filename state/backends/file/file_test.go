package file

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forestryhq/pipeline-core/state"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	dir := t.TempDir()
	b, err := New(dir, nil)
	require.NoError(t, err)
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

func TestBackend_LoadStateMissingReturnsNil(t *testing.T) {
	b := newTestBackend(t)
	loaded, err := b.LoadState(context.Background(), "nope")
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestBackend_HistoryAccumulatesAcrossWrites(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		require.NoError(t, b.SaveState(ctx, state.StateEntry{ResourceID: "res-1", State: state.ResourceStateValue(state.Active), Version: i}))
	}
	hist, err := b.LoadHistory(ctx, "res-1", 0)
	require.NoError(t, err)
	require.Len(t, hist, 3)
}

func TestBackend_CorruptStateFileFallsBackToHistory(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.SaveState(ctx, state.StateEntry{ResourceID: "res-1", State: state.ResourceStateValue(state.Active), Version: 1}))

	// Overwrite the current-state file with binary garbage that is not
	// valid UTF-8 text (so it isn't mistaken for the plain-text marker
	// case) and doesn't decode as gob.
	garbage := []byte{0xff, 0xfe, 0x00, 0x01, 0x02, 0x9d}
	require.NoError(t, os.WriteFile(b.statePath("res-1"), garbage, 0o644))

	recovered, err := b.LoadState(ctx, "res-1")
	require.NoError(t, err)
	require.NotNil(t, recovered)
	require.Equal(t, 1, recovered.Version)
}

func TestBackend_PlainTextStateFileTreatedAsAbsent(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(b.statePath("marker"), []byte("not a real payload"), 0o644))

	loaded, err := b.LoadState(ctx, "marker")
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestBackend_DeleteAndClearAll(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, b.SaveState(ctx, state.StateEntry{ResourceID: "res-1", State: state.ResourceStateValue(state.Active)}))
	require.NoError(t, b.SaveState(ctx, state.StateEntry{ResourceID: "res-2", State: state.ResourceStateValue(state.Active)}))

	require.NoError(t, b.DeleteState(ctx, "res-1"))
	ids, err := b.GetAllResourceIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"res-2"}, ids)

	require.NoError(t, b.ClearAllStates(ctx))
	ids, err = b.GetAllResourceIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestBackend_CleanupRemovesOldTerminatedResources(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	entry := state.StateEntry{ResourceID: "res-1", State: state.ResourceStateValue(state.Terminated), Version: 1}
	require.NoError(t, b.SaveState(ctx, entry))

	report, err := b.Cleanup(ctx, &state.TimeBound{Cutoff: entry.Timestamp.UnixNano() + 1})
	require.NoError(t, err)
	require.Equal(t, 1, report.ResourcesRemoved)

	loaded, err := b.LoadState(ctx, "res-1")
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestBackend_CompactHistoryKeepsFirstAndRecent(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	for i := 1; i <= 10; i++ {
		require.NoError(t, b.SaveState(ctx, state.StateEntry{ResourceID: "res-1", State: state.ResourceStateValue(state.Active), Version: i}))
	}

	require.NoError(t, b.CompactHistory(ctx, "res-1", 3))

	hist, err := b.LoadHistory(ctx, "res-1", 0)
	require.NoError(t, err)
	require.LessOrEqual(t, len(hist), 10)
	require.Equal(t, 1, hist[0].Version)
	require.Equal(t, 10, hist[len(hist)-1].Version)
}
