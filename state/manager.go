package state

import (
	"context"
	"sync"
	"time"

	"github.com/forestryhq/pipeline-core/coreiface"
	"github.com/forestryhq/pipeline-core/eventbus"
)

// Config configures a Manager. There is no file/env parsing here —
// config-file plumbing is an explicit Non-goal; the embedder builds this
// struct directly, mirroring the teacher's typed-knob + DefaultConfig()
// pattern (itsneelabh-gomind core/config.go).
type Config struct {
	CacheSize           int
	SnapshotEvery        int // take a snapshot every Nth transition; 0 disables
	Matrix              TransitionMatrix
	Logger              coreiface.Logger
	Telemetry           coreiface.Telemetry
	Bus                 *eventbus.Bus
}

// DefaultConfig returns spec.md §4.2/§6's defaults.
func DefaultConfig() Config {
	return Config{
		CacheSize:     1000,
		SnapshotEvery: 10,
		Matrix:        DefaultTransitionMatrix(),
		Logger:        coreiface.NoOpLogger{},
		Telemetry:     coreiface.NoOpTelemetry{},
	}
}

// Manager is a versioned, history-preserving, snapshot-capable keyed
// state store (spec.md §4.2). It is safe for concurrent use.
type Manager struct {
	backend Backend
	cfg     Config

	globalMu sync.Mutex // guards construction of per-resource locks
	resLocks map[string]*sync.Mutex

	cacheMu sync.Mutex
	cache   *lru

	transitionCounts sync.Map // unused; snapshot cadence is driven by entry version

	metrics managerMetrics
}

type managerMetrics struct {
	mu             sync.Mutex
	setCalls       int64
	cacheHits      int64
	cacheMisses    int64
	rejectedWrites int64
	snapshotsTaken int64
}

// New constructs a Manager around backend. It eagerly loads up to
// cfg.CacheSize recent entries, matching spec.md §4.2's "first-time
// initialization loads up to cache_size recent entries from the backend."
func New(ctx context.Context, backend Backend, cfg Config) (*Manager, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}
	if cfg.Matrix == nil {
		cfg.Matrix = DefaultTransitionMatrix()
	}
	if cfg.Logger == nil {
		cfg.Logger = coreiface.NoOpLogger{}
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = coreiface.NoOpTelemetry{}
	}

	m := &Manager{
		backend:  backend,
		cfg:      cfg,
		resLocks: make(map[string]*sync.Mutex),
		cache:    newLRU(cfg.CacheSize),
	}

	ids, err := backend.GetAllResourceIDs(ctx)
	if err != nil {
		return nil, coreiface.NewFrameworkError("state.New", "state", err)
	}
	for i, id := range ids {
		if i >= cfg.CacheSize {
			break
		}
		entry, err := backend.LoadState(ctx, id)
		if err != nil || entry == nil {
			continue
		}
		m.cacheMu.Lock()
		m.cache.Put(id, *entry)
		m.cacheMu.Unlock()
	}

	return m, nil
}

func (m *Manager) lockFor(resourceID string) *sync.Mutex {
	m.globalMu.Lock()
	defer m.globalMu.Unlock()
	l, ok := m.resLocks[resourceID]
	if !ok {
		l = &sync.Mutex{}
		m.resLocks[resourceID] = l
	}
	return l
}

// SetState appends a new StateEntry for resourceID, validating the
// transition (if both old and new values are enum-typed), emitting
// RESOURCE_STATE_CHANGED, and triggering a snapshot every Nth transition.
func (m *Manager) SetState(
	ctx context.Context,
	resourceID string,
	value StateValue,
	resourceType ResourceType,
	metadata map[string]interface{},
	transitionReason *string,
	failureInfo map[string]interface{},
) (StateEntry, error) {
	lock := m.lockFor(resourceID)
	lock.Lock()
	defer lock.Unlock()

	prev, err := m.backend.LoadState(ctx, resourceID)
	if err != nil {
		return StateEntry{}, coreiface.NewFrameworkError("state.SetState", "state", err).WithID(resourceID)
	}

	var prevValue StateValue
	version := 1
	if prev != nil {
		prevValue = prev.State
		version = prev.Version + 1

		if prev.State.Kind == KindResource && prev.State.Resource == Terminated {
			m.metrics.mu.Lock()
			m.metrics.rejectedWrites++
			m.metrics.mu.Unlock()
			// spec.md §4.2 invariant 4 / Scenario 2: TERMINATED may not
			// transition except by explicit purge during cleanup; this
			// is the matrix's Terminated->{} rule made explicit so the
			// rejection carries InvalidStateTransition like every other
			// illegal transition, not a distinct sentinel.
			return StateEntry{}, coreiface.NewFrameworkError("state.SetState", "state",
				&TransitionError{From: Terminated, To: value.Resource}).WithID(resourceID)
		}

		if err := ValidateTransition(m.cfg.Matrix, prevValue, value); err != nil {
			m.metrics.mu.Lock()
			m.metrics.rejectedWrites++
			m.metrics.mu.Unlock()
			return StateEntry{}, coreiface.NewFrameworkError("state.SetState", "state", err).WithID(resourceID)
		}
	}

	var prevStr *string
	if prev != nil {
		s := prevValue.String()
		prevStr = &s
	}

	entry := StateEntry{
		ResourceID:       resourceID,
		State:            value,
		ResourceType:     resourceType,
		Timestamp:        time.Now().UTC(),
		Metadata:         metadata,
		Version:          version,
		PreviousState:    prevStr,
		TransitionReason: transitionReason,
		FailureInfo:      failureInfo,
	}

	if err := m.backend.SaveState(ctx, entry); err != nil {
		return StateEntry{}, coreiface.NewFrameworkError("state.SetState", "state", err).WithID(resourceID)
	}

	m.cacheMu.Lock()
	m.cache.Put(resourceID, entry)
	m.cacheMu.Unlock()

	m.metrics.mu.Lock()
	m.metrics.setCalls++
	m.metrics.mu.Unlock()

	if m.cfg.Bus != nil {
		m.cfg.Bus.Emit(eventbus.ResourceStateChanged, resourceID, map[string]interface{}{
			"resource_id":    resourceID,
			"previous_state": prevStr,
			"state":          value.String(),
			"version":        version,
		}, eventbus.Normal)
	}
	m.cfg.Telemetry.Histogram("state.version", float64(version), map[string]string{"resource_id": resourceID})

	if m.cfg.SnapshotEvery > 0 && version%m.cfg.SnapshotEvery == 0 {
		if err := m.snapshotLocked(ctx, resourceID, entry); err != nil {
			m.cfg.Logger.Warn("state: periodic snapshot failed", map[string]interface{}{
				"resource_id": resourceID, "error": err.Error(),
			})
		}
	}

	return entry, nil
}

func (m *Manager) snapshotLocked(ctx context.Context, resourceID string, entry StateEntry) error {
	snap := StateSnapshot{
		ResourceID:   resourceID,
		State:        map[string]interface{}{"value": entry.State.String(), "kind": string(entry.State.Kind)},
		Timestamp:    time.Now().UTC(),
		Metadata:     entry.Metadata,
		ResourceType: entry.ResourceType,
		Version:      entry.Version,
	}
	if err := m.backend.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	m.metrics.mu.Lock()
	m.metrics.snapshotsTaken++
	m.metrics.mu.Unlock()
	return nil
}

// GetState returns the current or a specific version of resourceID's
// state. useCache=false (or a specific version) bypasses the read cache.
func (m *Manager) GetState(ctx context.Context, resourceID string, version *int, useCache bool) (*StateEntry, error) {
	if useCache && version == nil {
		m.cacheMu.Lock()
		if e, ok := m.cache.Get(resourceID); ok {
			m.metrics.mu.Lock()
			m.metrics.cacheHits++
			m.metrics.mu.Unlock()
			m.cacheMu.Unlock()
			clone := e.Clone()
			return &clone, nil
		}
		m.cacheMu.Unlock()
		m.metrics.mu.Lock()
		m.metrics.cacheMisses++
		m.metrics.mu.Unlock()
	}

	if version == nil {
		entry, err := m.backend.LoadState(ctx, resourceID)
		if err != nil {
			return nil, coreiface.NewFrameworkError("state.GetState", "state", err).WithID(resourceID)
		}
		if entry != nil {
			m.cacheMu.Lock()
			m.cache.Put(resourceID, *entry)
			m.cacheMu.Unlock()
		}
		return entry, nil
	}

	history, err := m.backend.LoadHistory(ctx, resourceID, 0)
	if err != nil {
		return nil, coreiface.NewFrameworkError("state.GetState", "state", err).WithID(resourceID)
	}
	for _, e := range history {
		if e.Version == *version {
			clone := e.Clone()
			return &clone, nil
		}
	}
	return nil, nil
}

// GetHistory returns resourceID's full timeline, oldest first. limit<=0
// means unbounded.
func (m *Manager) GetHistory(ctx context.Context, resourceID string, limit int) ([]StateEntry, error) {
	history, err := m.backend.LoadHistory(ctx, resourceID, limit)
	if err != nil {
		return nil, coreiface.NewFrameworkError("state.GetHistory", "state", err).WithID(resourceID)
	}
	return history, nil
}

// StoreSnapshot is a whole-store capture: every resource's current
// state, suitable for RestoreSnapshot.
type StoreSnapshot struct {
	TakenAt time.Time
	Entries map[string]StateEntry
}

// GetSnapshot captures every resource's current state.
func (m *Manager) GetSnapshot(ctx context.Context) (StoreSnapshot, error) {
	ids, err := m.backend.GetAllResourceIDs(ctx)
	if err != nil {
		return StoreSnapshot{}, coreiface.NewFrameworkError("state.GetSnapshot", "state", err)
	}
	entries := make(map[string]StateEntry, len(ids))
	for _, id := range ids {
		e, err := m.backend.LoadState(ctx, id)
		if err != nil || e == nil {
			continue
		}
		entries[id] = *e
	}
	return StoreSnapshot{TakenAt: time.Now().UTC(), Entries: entries}, nil
}

// RestoreSnapshot replaces the store's current state with snap's,
// appending one new history entry per resource (history is append-only;
// restore never mutates past entries).
func (m *Manager) RestoreSnapshot(ctx context.Context, snap StoreSnapshot) error {
	for id, entry := range snap.Entries {
		lock := m.lockFor(id)
		lock.Lock()
		err := m.backend.SaveState(ctx, entry)
		lock.Unlock()
		if err != nil {
			return coreiface.NewFrameworkError("state.RestoreSnapshot", "state", err).WithID(id)
		}
		m.cacheMu.Lock()
		m.cache.Put(id, entry)
		m.cacheMu.Unlock()
	}
	return nil
}

// ClearState wipes one resource (resourceID != "") or the entire store
// (resourceID == "").
func (m *Manager) ClearState(ctx context.Context, resourceID string) (bool, error) {
	if resourceID == "" {
		if err := m.backend.ClearAllStates(ctx); err != nil {
			return false, coreiface.NewFrameworkError("state.ClearState", "state", err)
		}
		m.cacheMu.Lock()
		m.cache.Clear()
		m.cacheMu.Unlock()
		return true, nil
	}

	lock := m.lockFor(resourceID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.backend.DeleteState(ctx, resourceID); err != nil {
		return false, coreiface.NewFrameworkError("state.ClearState", "state", err).WithID(resourceID)
	}
	m.cacheMu.Lock()
	m.cache.Delete(resourceID)
	m.cacheMu.Unlock()
	return true, nil
}

// MarkAsFailed transitions resourceID into FAILED.
func (m *Manager) MarkAsFailed(ctx context.Context, resourceID, reason string, errInfo map[string]interface{}) (StateEntry, error) {
	return m.SetState(ctx, resourceID, ResourceStateValue(Failed), ResourceTypeState, nil, &reason, errInfo)
}

// MarkAsRecovered transitions resourceID into RECOVERED.
func (m *Manager) MarkAsRecovered(ctx context.Context, resourceID, reason string) (StateEntry, error) {
	return m.SetState(ctx, resourceID, ResourceStateValue(Recovered), ResourceTypeState, nil, &reason, nil)
}

// TerminateResource transitions resourceID into TERMINATED and takes a
// final snapshot unconditionally (independent of the periodic cadence).
func (m *Manager) TerminateResource(ctx context.Context, resourceID, reason string) (StateEntry, error) {
	entry, err := m.SetState(ctx, resourceID, ResourceStateValue(Terminated), ResourceTypeState, nil, &reason, nil)
	if err != nil {
		return StateEntry{}, err
	}

	lock := m.lockFor(resourceID)
	lock.Lock()
	defer lock.Unlock()
	_ = m.snapshotLocked(ctx, resourceID, entry)
	return entry, nil
}

// CountResourcesByState tallies current ResourceState values across
// every known resource.
func (m *Manager) CountResourcesByState(ctx context.Context) (map[ResourceState]int, error) {
	ids, err := m.backend.GetAllResourceIDs(ctx)
	if err != nil {
		return nil, coreiface.NewFrameworkError("state.CountResourcesByState", "state", err)
	}
	counts := make(map[ResourceState]int)
	for _, id := range ids {
		e, err := m.backend.LoadState(ctx, id)
		if err != nil || e == nil || e.State.Kind != KindResource {
			continue
		}
		counts[e.State.Resource]++
	}
	return counts, nil
}

// GetResourcesByState returns resource ids currently in state s.
func (m *Manager) GetResourcesByState(ctx context.Context, s ResourceState) ([]string, error) {
	ids, err := m.backend.GetAllResourceIDs(ctx)
	if err != nil {
		return nil, coreiface.NewFrameworkError("state.GetResourcesByState", "state", err)
	}
	var out []string
	for _, id := range ids {
		e, err := m.backend.LoadState(ctx, id)
		if err != nil || e == nil || e.State.Kind != KindResource {
			continue
		}
		if e.State.Resource == s {
			out = append(out, id)
		}
	}
	return out, nil
}

// GetKeysByPrefix returns every resource id starting with prefix.
func (m *Manager) GetKeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	ids, err := m.backend.GetAllResourceIDs(ctx)
	if err != nil {
		return nil, coreiface.NewFrameworkError("state.GetKeysByPrefix", "state", err)
	}
	var out []string
	for _, id := range ids {
		if len(id) >= len(prefix) && id[:len(prefix)] == prefix {
			out = append(out, id)
		}
	}
	return out, nil
}

// Metrics is a snapshot of manager-wide counters.
type Metrics struct {
	SetCalls       int64
	CacheHits      int64
	CacheMisses    int64
	RejectedWrites int64
	SnapshotsTaken int64
	CacheSize      int
}

func (m *Manager) GetMetrics() Metrics {
	m.metrics.mu.Lock()
	defer m.metrics.mu.Unlock()
	m.cacheMu.Lock()
	size := m.cache.Len()
	m.cacheMu.Unlock()
	return Metrics{
		SetCalls:       m.metrics.setCalls,
		CacheHits:      m.metrics.cacheHits,
		CacheMisses:    m.metrics.cacheMisses,
		RejectedWrites: m.metrics.rejectedWrites,
		SnapshotsTaken: m.metrics.snapshotsTaken,
		CacheSize:      size,
	}
}

// HealthStatus reports coarse manager health for the rollup in
// resource.HealthTracker.
type HealthStatus struct {
	Status      string
	Description string
}

func (m *Manager) GetHealthStatus(ctx context.Context) HealthStatus {
	counts, err := m.CountResourcesByState(ctx)
	if err != nil {
		return HealthStatus{Status: "unknown", Description: err.Error()}
	}
	if counts[Failed] > 0 {
		return HealthStatus{Status: "degraded", Description: "one or more resources are FAILED"}
	}
	return HealthStatus{Status: "healthy"}
}
