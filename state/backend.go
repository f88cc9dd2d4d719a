package state

import "context"

// Backend is the pluggable persistence contract from spec.md §4.2.
// Implementations own their own internal concurrency (a per-path file
// lock, a single-connection SQLite pool, a single in-memory mutex);
// the Manager never assumes anything about how a Backend serializes
// access beyond per-resource-id atomicity of SaveState.
type Backend interface {
	SaveState(ctx context.Context, entry StateEntry) error
	SaveSnapshot(ctx context.Context, snap StateSnapshot) error
	LoadState(ctx context.Context, resourceID string) (*StateEntry, error)
	LoadHistory(ctx context.Context, resourceID string, limit int) ([]StateEntry, error)
	LoadSnapshots(ctx context.Context, resourceID string, limit int) ([]StateSnapshot, error)
	GetAllResourceIDs(ctx context.Context) ([]string, error)
	Cleanup(ctx context.Context, olderThan *TimeBound) (CleanupReport, error)
	DeleteState(ctx context.Context, resourceID string) error
	ClearAllStates(ctx context.Context) error
}

// TimeBound wraps the cutoff used by Cleanup, kept as a named type so
// call sites read as `&state.TimeBound{Cutoff: ...}` rather than a bare
// *time.Time.
type TimeBound struct {
	Cutoff int64 // unix nanos
}

// CleanupReport summarizes one backend Cleanup pass.
type CleanupReport struct {
	ResourcesRemoved  int
	HistoryTrimmed    int
	SnapshotsTrimmed  int
	TempFilesRemoved  int
	CorruptFilesFound int
}
