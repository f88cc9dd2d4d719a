// Package file implements state.Backend on local disk, grounded on
// spec.md §4.2.2: states/, history/, snapshots/, and temp/ directories
// under a configurable root, atomic rename writes, per-destination
// locking, and corruption quarantine/recovery.
//
// The original Python implementation pickles each file; gob is this
// module's portable binary codec substitute (see SPEC_FULL.md §4.2) — it
// round-trips the same map[string]interface{}-shaped
// metadata without a hand-rolled TLV format.
package file

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/forestryhq/pipeline-core/coreiface"
	"github.com/forestryhq/pipeline-core/state"
)

const (
	maxHistoryBytes = 10 * 1024 * 1024
	maxHistoryEntriesAfterTrim = 100
	maxSnapshotsKept           = 10
)

func init() {
	gob.Register(map[string]interface{}{})
	gob.Register([]interface{}{})
}

// Backend is a file-system-backed state.Backend.
type Backend struct {
	root string

	// locks holds one *sync.Mutex per destination file, keyed by its full
	// path. Entries are never removed, so the table grows with the number
	// of distinct paths the backend has touched; it is not sharded.
	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	logger coreiface.Logger
}

var _ state.Backend = (*Backend)(nil)

// New builds a Backend rooted at dir, creating states/, history/,
// snapshots/, and temp/ if missing.
func New(dir string, logger coreiface.Logger) (*Backend, error) {
	if logger == nil {
		logger = coreiface.NoOpLogger{}
	}
	for _, sub := range []string{"states", "history", "snapshots", "temp"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, coreiface.NewFrameworkError("file.New", "state", err)
		}
	}
	return &Backend{root: dir, locks: make(map[string]*sync.Mutex), logger: logger}, nil
}

func (b *Backend) lockForPath(path string) *sync.Mutex {
	b.lockMu.Lock()
	defer b.lockMu.Unlock()
	l, ok := b.locks[path]
	if !ok {
		l = &sync.Mutex{}
		b.locks[path] = l
	}
	return l
}

func (b *Backend) statePath(resourceID string) string {
	return filepath.Join(b.root, "states", resourceID+".gob")
}
func (b *Backend) historyPath(resourceID string) string {
	return filepath.Join(b.root, "history", resourceID+".gob")
}
func (b *Backend) snapshotsPath(resourceID string) string {
	return filepath.Join(b.root, "snapshots", resourceID+".gob")
}

// atomicWrite writes to a scratch file under temp/ and renames it over
// dest, so a crash mid-write never leaves a half-written destination.
func (b *Backend) atomicWrite(dest string, v interface{}) error {
	lock := b.lockForPath(dest)
	lock.Lock()
	defer lock.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	tmp := filepath.Join(b.root, "temp", fmt.Sprintf("%s_%d.gob", filepath.Base(dest), time.Now().UnixNano()))
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// looksLikePlainText is the corruption-detection heuristic spec.md's
// Open Questions section flags as possibly-buggy-but-intentional: any
// file readable as valid UTF-8 text is treated as a test marker, not a
// corrupt binary payload, and is never subject to history-based recovery.
// Preserved here rather than "fixed" — see DESIGN.md for the decision.
func looksLikePlainText(data []byte) bool {
	return utf8.Valid(data)
}

func (b *Backend) quarantine(path string, data []byte) {
	corrupt := filepath.Join(b.root, fmt.Sprintf("%s_corrupt_%d.gob", strings.TrimSuffix(filepath.Base(path), ".gob"), time.Now().UnixNano()))
	_ = os.WriteFile(corrupt, data, 0o644)
}

func (b *Backend) SaveState(_ context.Context, entry state.StateEntry) error {
	if err := b.atomicWrite(b.statePath(entry.ResourceID), entry); err != nil {
		return coreiface.NewFrameworkError("file.SaveState", "state", err).WithID(entry.ResourceID)
	}

	lock := b.lockForPath(b.historyPath(entry.ResourceID))
	lock.Lock()
	hist, _ := b.readHistoryLocked(entry.ResourceID)
	hist = append(hist, entry)
	lock.Unlock()

	if err := b.atomicWrite(b.historyPath(entry.ResourceID), hist); err != nil {
		return coreiface.NewFrameworkError("file.SaveState", "state", err).WithID(entry.ResourceID)
	}
	return nil
}

func (b *Backend) SaveSnapshot(_ context.Context, snap state.StateSnapshot) error {
	lock := b.lockForPath(b.snapshotsPath(snap.ResourceID))
	lock.Lock()
	snaps, _ := b.readSnapshotsLocked(snap.ResourceID)
	snaps = append(snaps, snap)
	lock.Unlock()

	if err := b.atomicWrite(b.snapshotsPath(snap.ResourceID), snaps); err != nil {
		return coreiface.NewFrameworkError("file.SaveSnapshot", "state", err).WithID(snap.ResourceID)
	}
	return nil
}

// readHistoryLocked must be called with the history path's lock held.
func (b *Backend) readHistoryLocked(resourceID string) ([]state.StateEntry, error) {
	path := b.historyPath(resourceID)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var hist []state.StateEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&hist); err != nil {
		if looksLikePlainText(data) {
			return nil, nil
		}
		b.quarantine(path, data)
		return nil, fmt.Errorf("%w: %v", coreiface.ErrCorruptState, err)
	}
	return hist, nil
}

func (b *Backend) readSnapshotsLocked(resourceID string) ([]state.StateSnapshot, error) {
	path := b.snapshotsPath(resourceID)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snaps []state.StateSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snaps); err != nil {
		if looksLikePlainText(data) {
			return nil, nil
		}
		b.quarantine(path, data)
		return nil, fmt.Errorf("%w: %v", coreiface.ErrCorruptState, err)
	}
	return snaps, nil
}

func (b *Backend) LoadState(_ context.Context, resourceID string) (*state.StateEntry, error) {
	path := b.statePath(resourceID)
	lock := b.lockForPath(path)
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, coreiface.NewFrameworkError("file.LoadState", "state", err).WithID(resourceID)
	}

	var entry state.StateEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entry); err != nil {
		if looksLikePlainText(data) {
			return nil, nil
		}
		b.quarantine(path, data)
		// Corruption recovery: fall back to the last history entry, per
		// spec.md §4.2.2.
		hlock := b.lockForPath(b.historyPath(resourceID))
		hlock.Lock()
		hist, herr := b.readHistoryLocked(resourceID)
		hlock.Unlock()
		if herr == nil && len(hist) > 0 {
			recovered := hist[len(hist)-1]
			return &recovered, nil
		}
		return nil, coreiface.NewFrameworkError("file.LoadState", "state", coreiface.ErrCorruptState).WithID(resourceID)
	}
	return &entry, nil
}

func (b *Backend) LoadHistory(_ context.Context, resourceID string, limit int) ([]state.StateEntry, error) {
	lock := b.lockForPath(b.historyPath(resourceID))
	lock.Lock()
	hist, err := b.readHistoryLocked(resourceID)
	lock.Unlock()
	if err != nil {
		return nil, coreiface.NewFrameworkError("file.LoadHistory", "state", err).WithID(resourceID)
	}
	if limit > 0 && len(hist) > limit {
		hist = hist[len(hist)-limit:]
	}
	return hist, nil
}

func (b *Backend) LoadSnapshots(_ context.Context, resourceID string, limit int) ([]state.StateSnapshot, error) {
	lock := b.lockForPath(b.snapshotsPath(resourceID))
	lock.Lock()
	snaps, err := b.readSnapshotsLocked(resourceID)
	lock.Unlock()
	if err != nil {
		return nil, coreiface.NewFrameworkError("file.LoadSnapshots", "state", err).WithID(resourceID)
	}
	if limit > 0 && len(snaps) > limit {
		snaps = snaps[len(snaps)-limit:]
	}
	return snaps, nil
}

func (b *Backend) GetAllResourceIDs(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(b.root, "states"))
	if err != nil {
		return nil, coreiface.NewFrameworkError("file.GetAllResourceIDs", "state", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".gob") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".gob"))
	}
	sort.Strings(ids)
	return ids, nil
}

func (b *Backend) DeleteState(_ context.Context, resourceID string) error {
	for _, p := range []string{b.statePath(resourceID), b.historyPath(resourceID), b.snapshotsPath(resourceID)} {
		lock := b.lockForPath(p)
		lock.Lock()
		err := os.Remove(p)
		lock.Unlock()
		if err != nil && !os.IsNotExist(err) {
			return coreiface.NewFrameworkError("file.DeleteState", "state", err).WithID(resourceID)
		}
	}
	return nil
}

func (b *Backend) ClearAllStates(ctx context.Context) error {
	ids, err := b.GetAllResourceIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := b.DeleteState(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup purges temp/, removes TERMINATED resources older than
// olderThan, trims oversized history files, and trims snapshot lists.
// CompactHistory and RepairCorruptFiles are separate methods that
// Cleanup does not call.
func (b *Backend) Cleanup(ctx context.Context, olderThan *state.TimeBound) (state.CleanupReport, error) {
	var report state.CleanupReport

	tempEntries, _ := os.ReadDir(filepath.Join(b.root, "temp"))
	for _, e := range tempEntries {
		_ = os.Remove(filepath.Join(b.root, "temp", e.Name()))
		report.TempFilesRemoved++
	}

	ids, err := b.GetAllResourceIDs(ctx)
	if err != nil {
		return report, err
	}

	cutoff := int64(0)
	if olderThan != nil {
		cutoff = olderThan.Cutoff
	}

	for _, id := range ids {
		entry, err := b.LoadState(ctx, id)
		if err != nil || entry == nil {
			continue
		}
		if entry.State.Kind == state.KindResource && entry.State.Resource == state.Terminated &&
			entry.Timestamp.UnixNano() < cutoff {
			if err := b.DeleteState(ctx, id); err == nil {
				report.ResourcesRemoved++
			}
			continue
		}

		if hp := b.historyPath(id); fileSize(hp) > maxHistoryBytes {
			lock := b.lockForPath(hp)
			lock.Lock()
			hist, _ := b.readHistoryLocked(id)
			if len(hist) > maxHistoryEntriesAfterTrim {
				hist = hist[len(hist)-maxHistoryEntriesAfterTrim:]
			}
			lock.Unlock()
			if err := b.atomicWrite(hp, hist); err == nil {
				report.HistoryTrimmed++
			}
		}

		lock := b.lockForPath(b.snapshotsPath(id))
		lock.Lock()
		snaps, _ := b.readSnapshotsLocked(id)
		lock.Unlock()
		if len(snaps) > maxSnapshotsKept {
			trimmed := snaps[len(snaps)-maxSnapshotsKept:]
			if err := b.atomicWrite(b.snapshotsPath(id), trimmed); err == nil {
				report.SnapshotsTrimmed++
			}
		}
	}

	return report, nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// CompactHistory keeps the first entry, the most recent maxEntries, and
// one representative per calendar day from the middle, per spec.md
// §4.2.2's compact_history.
func (b *Backend) CompactHistory(ctx context.Context, resourceID string, maxEntries int) error {
	lock := b.lockForPath(b.historyPath(resourceID))
	lock.Lock()
	hist, err := b.readHistoryLocked(resourceID)
	lock.Unlock()
	if err != nil {
		return err
	}
	if len(hist) <= maxEntries+1 {
		return nil
	}

	first := hist[0]
	recent := hist[len(hist)-maxEntries:]
	middle := hist[1 : len(hist)-maxEntries]

	seenDays := make(map[string]bool)
	var representative []state.StateEntry
	for _, e := range middle {
		day := e.Timestamp.Format("2006-01-02")
		if !seenDays[day] {
			seenDays[day] = true
			representative = append(representative, e)
		}
	}

	compacted := append([]state.StateEntry{first}, representative...)
	compacted = append(compacted, recent...)

	return b.atomicWrite(b.historyPath(resourceID), compacted)
}

// RepairCorruptFiles scans all three kinds and attempts the same
// recovery LoadState, readHistoryLocked and readSnapshotsLocked already
// perform on read, per spec.md §4.2.2, returning how many reads still
// failed. On a healthy store this is a no-op (nothing fails to decode).
func (b *Backend) RepairCorruptFiles(ctx context.Context) (int, error) {
	repaired := 0
	ids, err := b.GetAllResourceIDs(ctx)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if _, err := b.LoadState(ctx, id); err != nil {
			repaired++
		}
		lock := b.lockForPath(b.historyPath(id))
		lock.Lock()
		_, herr := b.readHistoryLocked(id)
		lock.Unlock()
		if herr != nil {
			repaired++
		}
		slock := b.lockForPath(b.snapshotsPath(id))
		slock.Lock()
		_, serr := b.readSnapshotsLocked(id)
		slock.Unlock()
		if serr != nil {
			repaired++
		}
	}
	return repaired, nil
}
