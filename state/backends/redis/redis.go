// Package redis implements state.Backend against Redis, grounded on
// the teacher's own use of github.com/go-redis/redis/v8 for registry
// storage (see itsneelabh-gomind's discovery package) and wired here as
// the concrete backend behind spec.md §6's persistence_type=custom,
// per SPEC_FULL.md's DOMAIN STACK section.
package redis

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sort"

	goredis "github.com/go-redis/redis/v8"

	"github.com/forestryhq/pipeline-core/coreiface"
	"github.com/forestryhq/pipeline-core/state"
)

const (
	maxHistoryLen  = 1000
	maxSnapshotLen = 10
)

func init() {
	gob.Register(map[string]interface{}{})
	gob.Register([]interface{}{})
}

// Backend is a Redis-backed state.Backend. Current state lives in one
// string key per resource, history and snapshots in capped lists, and the resource-id
// index in a set, keyed under a configurable prefix so several
// pipelines can share one Redis instance.
type Backend struct {
	client *goredis.Client
	prefix string
	logger coreiface.Logger
}

var _ state.Backend = (*Backend)(nil)

// New wraps an already-constructed *goredis.Client. The caller owns the
// client's lifecycle (Close, connection pool sizing, TLS).
func New(client *goredis.Client, keyPrefix string, logger coreiface.Logger) *Backend {
	if logger == nil {
		logger = coreiface.NoOpLogger{}
	}
	if keyPrefix == "" {
		keyPrefix = "pipeline-core:state"
	}
	return &Backend{client: client, prefix: keyPrefix, logger: logger}
}

func (b *Backend) indexKey() string               { return b.prefix + ":index" }
func (b *Backend) stateKey(id string) string       { return b.prefix + ":current:" + id }
func (b *Backend) historyKey(id string) string     { return b.prefix + ":history:" + id }
func (b *Backend) snapshotsKey(id string) string   { return b.prefix + ":snapshots:" + id }

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(data []byte) (state.StateEntry, error) {
	var e state.StateEntry
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e)
	return e, err
}

func decodeSnapshot(data []byte) (state.StateSnapshot, error) {
	var s state.StateSnapshot
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s)
	return s, err
}

func (b *Backend) SaveState(ctx context.Context, entry state.StateEntry) error {
	payload, err := encode(entry)
	if err != nil {
		return coreiface.NewFrameworkError("redis.SaveState", "state", err).WithID(entry.ResourceID)
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.stateKey(entry.ResourceID), payload, 0)
	pipe.RPush(ctx, b.historyKey(entry.ResourceID), payload)
	pipe.LTrim(ctx, b.historyKey(entry.ResourceID), -maxHistoryLen, -1)
	pipe.SAdd(ctx, b.indexKey(), entry.ResourceID)

	if _, err := pipe.Exec(ctx); err != nil {
		return coreiface.NewFrameworkError("redis.SaveState", "state", err).WithID(entry.ResourceID)
	}
	return nil
}

func (b *Backend) SaveSnapshot(ctx context.Context, snap state.StateSnapshot) error {
	payload, err := encode(snap)
	if err != nil {
		return coreiface.NewFrameworkError("redis.SaveSnapshot", "state", err).WithID(snap.ResourceID)
	}

	pipe := b.client.TxPipeline()
	pipe.RPush(ctx, b.snapshotsKey(snap.ResourceID), payload)
	pipe.LTrim(ctx, b.snapshotsKey(snap.ResourceID), -maxSnapshotLen, -1)

	if _, err := pipe.Exec(ctx); err != nil {
		return coreiface.NewFrameworkError("redis.SaveSnapshot", "state", err).WithID(snap.ResourceID)
	}
	return nil
}

func (b *Backend) LoadState(ctx context.Context, resourceID string) (*state.StateEntry, error) {
	data, err := b.client.Get(ctx, b.stateKey(resourceID)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, coreiface.NewFrameworkError("redis.LoadState", "state", err).WithID(resourceID)
	}
	entry, err := decodeEntry(data)
	if err != nil {
		return nil, coreiface.NewFrameworkError("redis.LoadState", "state", fmt.Errorf("%w: %v", coreiface.ErrCorruptState, err)).WithID(resourceID)
	}
	return &entry, nil
}

func (b *Backend) LoadHistory(ctx context.Context, resourceID string, limit int) ([]state.StateEntry, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	raws, err := b.client.LRange(ctx, b.historyKey(resourceID), start, -1).Result()
	if err != nil {
		return nil, coreiface.NewFrameworkError("redis.LoadHistory", "state", err).WithID(resourceID)
	}
	out := make([]state.StateEntry, 0, len(raws))
	for _, raw := range raws {
		entry, err := decodeEntry([]byte(raw))
		if err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (b *Backend) LoadSnapshots(ctx context.Context, resourceID string, limit int) ([]state.StateSnapshot, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	raws, err := b.client.LRange(ctx, b.snapshotsKey(resourceID), start, -1).Result()
	if err != nil {
		return nil, coreiface.NewFrameworkError("redis.LoadSnapshots", "state", err).WithID(resourceID)
	}
	out := make([]state.StateSnapshot, 0, len(raws))
	for _, raw := range raws {
		snap, err := decodeSnapshot([]byte(raw))
		if err != nil {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

func (b *Backend) GetAllResourceIDs(ctx context.Context) ([]string, error) {
	ids, err := b.client.SMembers(ctx, b.indexKey()).Result()
	if err != nil {
		return nil, coreiface.NewFrameworkError("redis.GetAllResourceIDs", "state", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (b *Backend) DeleteState(ctx context.Context, resourceID string) error {
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.stateKey(resourceID), b.historyKey(resourceID), b.snapshotsKey(resourceID))
	pipe.SRem(ctx, b.indexKey(), resourceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return coreiface.NewFrameworkError("redis.DeleteState", "state", err).WithID(resourceID)
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

// Cleanup removes TERMINATED resources whose current entry predates
// olderThan; resources in any other state are kept.
// History/snapshot capping happens continuously on every write via
// LTrim, so there is nothing left for a periodic pass to trim there.
func (b *Backend) Cleanup(ctx context.Context, olderThan *state.TimeBound) (state.CleanupReport, error) {
	var report state.CleanupReport
	if olderThan == nil {
		return report, nil
	}

	ids, err := b.GetAllResourceIDs(ctx)
	if err != nil {
		return report, err
	}

	for _, id := range ids {
		entry, err := b.LoadState(ctx, id)
		if err != nil || entry == nil {
			continue
		}
		if entry.State.Kind == state.KindResource && entry.State.Resource == state.Terminated &&
			entry.Timestamp.UnixNano() < olderThan.Cutoff {
			if err := b.DeleteState(ctx, id); err == nil {
				report.ResourcesRemoved++
			}
		}
	}
	return report, nil
}
