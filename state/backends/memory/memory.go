// Package memory implements state.Backend entirely in RAM, grounded on
// spec.md §4.2.1: no persistence across process restarts, defensive
// copies on every read, and a no-op Cleanup.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/forestryhq/pipeline-core/state"
)

// Backend is an in-memory state.Backend guarded by a single mutex.
type Backend struct {
	mu        sync.RWMutex
	current   map[string]state.StateEntry
	history   map[string][]state.StateEntry
	snapshots map[string][]state.StateSnapshot
}

var _ state.Backend = (*Backend)(nil)

// New builds an empty in-memory backend.
func New() *Backend {
	return &Backend{
		current:   make(map[string]state.StateEntry),
		history:   make(map[string][]state.StateEntry),
		snapshots: make(map[string][]state.StateSnapshot),
	}
}

func (b *Backend) SaveState(_ context.Context, entry state.StateEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current[entry.ResourceID] = entry.Clone()
	b.history[entry.ResourceID] = append(b.history[entry.ResourceID], entry.Clone())
	return nil
}

func (b *Backend) SaveSnapshot(_ context.Context, snap state.StateSnapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots[snap.ResourceID] = append(b.snapshots[snap.ResourceID], snap)
	return nil
}

func (b *Backend) LoadState(_ context.Context, resourceID string) (*state.StateEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.current[resourceID]
	if !ok {
		return nil, nil
	}
	clone := e.Clone()
	return &clone, nil
}

func (b *Backend) LoadHistory(_ context.Context, resourceID string, limit int) ([]state.StateEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	hist := b.history[resourceID]
	out := make([]state.StateEntry, len(hist))
	for i, e := range hist {
		out[i] = e.Clone()
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (b *Backend) LoadSnapshots(_ context.Context, resourceID string, limit int) ([]state.StateSnapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	snaps := b.snapshots[resourceID]
	cp := func(m map[string]interface{}) map[string]interface{} {
		if m == nil {
			return nil
		}
		c := make(map[string]interface{}, len(m))
		for k, v := range m {
			c[k] = v
		}
		return c
	}
	out := make([]state.StateSnapshot, len(snaps))
	for i, s := range snaps {
		s.State, s.Metadata = cp(s.State), cp(s.Metadata)
		out[i] = s
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (b *Backend) GetAllResourceIDs(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.current))
	for id := range b.current {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Cleanup is a no-op: the in-memory backend has nothing to reclaim from
// disk, and TTL/termination sweeps are the caller's concern at this
// layer (spec.md §4.2.1).
func (b *Backend) Cleanup(context.Context, *state.TimeBound) (state.CleanupReport, error) {
	return state.CleanupReport{}, nil
}

func (b *Backend) DeleteState(_ context.Context, resourceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.current, resourceID)
	delete(b.history, resourceID)
	delete(b.snapshots, resourceID)
	return nil
}

func (b *Backend) ClearAllStates(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = make(map[string]state.StateEntry)
	b.history = make(map[string][]state.StateEntry)
	b.snapshots = make(map[string][]state.StateSnapshot)
	return nil
}
