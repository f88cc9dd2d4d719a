// Package sqlite implements state.Backend on top of database/sql and
// github.com/mattn/go-sqlite3, grounded on spec.md §4.2.3 and the
// driver dependency sourced from the retrieved pack's
// jordigilh-kubernaut/go.mod (this module's own teacher does not import
// a SQL driver; see SPEC_FULL.md's DOMAIN STACK section).
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/gob"
	"fmt"
	"sort"

	_ "github.com/mattn/go-sqlite3"

	"github.com/forestryhq/pipeline-core/coreiface"
	"github.com/forestryhq/pipeline-core/state"
)

const schema = `
CREATE TABLE IF NOT EXISTS states (
	resource_id TEXT PRIMARY KEY,
	payload     BLOB NOT NULL,
	version     INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS state_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	resource_id TEXT NOT NULL,
	payload     BLOB NOT NULL,
	version     INTEGER NOT NULL,
	created_at  INTEGER NOT NULL,
	FOREIGN KEY (resource_id) REFERENCES states(resource_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_history_resource ON state_history(resource_id, id);
CREATE TABLE IF NOT EXISTS snapshots (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	resource_id TEXT NOT NULL,
	payload     BLOB NOT NULL,
	version     INTEGER NOT NULL,
	created_at  INTEGER NOT NULL,
	FOREIGN KEY (resource_id) REFERENCES states(resource_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_snapshots_resource ON snapshots(resource_id, id);
`

const (
	maxHistoryRowsPerResource   = 1000
	maxSnapshotRowsPerResource  = 10
)

// Backend is a SQLite-backed state.Backend. A single *sql.DB is shared;
// database/sql's own connection pool, capped at one open connection via
// SetMaxOpenConns(1), serializes every read and write.
type Backend struct {
	db     *sql.DB
	logger coreiface.Logger
}

var _ state.Backend = (*Backend)(nil)

func init() {
	gob.Register(map[string]interface{}{})
	gob.Register([]interface{}{})
}

// New opens (and migrates) a SQLite database at path. Use ":memory:"
// for ephemeral/test use.
func New(path string, logger coreiface.Logger) (*Backend, error) {
	if logger == nil {
		logger = coreiface.NoOpLogger{}
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, coreiface.NewFrameworkError("sqlite.New", "state", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, coreiface.NewFrameworkError("sqlite.New", "state", err)
	}
	return &Backend{db: db, logger: logger}, nil
}

// Close releases the underlying *sql.DB.
func (b *Backend) Close() error { return b.db.Close() }

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
		return coreiface.NewFrameworkError("sqlite.SaveState", "state", err).WithID(entry.ResourceID)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return coreiface.NewFrameworkError("sqlite.SaveState", "state", err).WithID(entry.ResourceID)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO states (resource_id, payload, version, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(resource_id) DO UPDATE SET payload=excluded.payload, version=excluded.version, updated_at=excluded.updated_at`,
		entry.ResourceID, payload, entry.Version, entry.Timestamp.UnixNano()); err != nil {
		return coreiface.NewFrameworkError("sqlite.SaveState", "state", err).WithID(entry.ResourceID)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO state_history (resource_id, payload, version, created_at) VALUES (?, ?, ?, ?)`,
		entry.ResourceID, payload, entry.Version, entry.Timestamp.UnixNano()); err != nil {
		return coreiface.NewFrameworkError("sqlite.SaveState", "state", err).WithID(entry.ResourceID)
	}

	return tx.Commit()
}

func (b *Backend) SaveSnapshot(ctx context.Context, snap state.StateSnapshot) error {
	payload, err := encode(snap)
	if err != nil {
		return coreiface.NewFrameworkError("sqlite.SaveSnapshot", "state", err).WithID(snap.ResourceID)
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO snapshots (resource_id, payload, version, created_at) VALUES (?, ?, ?, ?)`,
		snap.ResourceID, payload, snap.Version, snap.Timestamp.UnixNano())
	if err != nil {
		return coreiface.NewFrameworkError("sqlite.SaveSnapshot", "state", err).WithID(snap.ResourceID)
	}
	return nil
}

func (b *Backend) LoadState(ctx context.Context, resourceID string) (*state.StateEntry, error) {
	row := b.db.QueryRowContext(ctx, `SELECT payload FROM states WHERE resource_id = ?`, resourceID)
	var payload []byte
	if err := row.Scan(&payload); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, coreiface.NewFrameworkError("sqlite.LoadState", "state", err).WithID(resourceID)
	}
	entry, err := decodeEntry(payload)
	if err != nil {
		return nil, coreiface.NewFrameworkError("sqlite.LoadState", "state", fmt.Errorf("%w: %v", coreiface.ErrCorruptState, err)).WithID(resourceID)
	}
	return &entry, nil
}

func (b *Backend) LoadHistory(ctx context.Context, resourceID string, limit int) ([]state.StateEntry, error) {
	query := `SELECT payload FROM state_history WHERE resource_id = ? ORDER BY id ASC`
	args := []interface{}{resourceID}
	if limit > 0 {
		query = `SELECT payload FROM (SELECT payload, id FROM state_history WHERE resource_id = ? ORDER BY id DESC LIMIT ?) ORDER BY id ASC`
		args = append(args, limit)
	}
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, coreiface.NewFrameworkError("sqlite.LoadHistory", "state", err).WithID(resourceID)
	}
	defer rows.Close()

	var out []state.StateEntry
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, coreiface.NewFrameworkError("sqlite.LoadHistory", "state", err).WithID(resourceID)
		}
		entry, err := decodeEntry(payload)
		if err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (b *Backend) LoadSnapshots(ctx context.Context, resourceID string, limit int) ([]state.StateSnapshot, error) {
	query := `SELECT payload FROM snapshots WHERE resource_id = ? ORDER BY id ASC`
	args := []interface{}{resourceID}
	if limit > 0 {
		query = `SELECT payload FROM (SELECT payload, id FROM snapshots WHERE resource_id = ? ORDER BY id DESC LIMIT ?) ORDER BY id ASC`
		args = append(args, limit)
	}
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, coreiface.NewFrameworkError("sqlite.LoadSnapshots", "state", err).WithID(resourceID)
	}
	defer rows.Close()

	var out []state.StateSnapshot
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, coreiface.NewFrameworkError("sqlite.LoadSnapshots", "state", err).WithID(resourceID)
		}
		snap, err := decodeSnapshot(payload)
		if err != nil {
			continue
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (b *Backend) GetAllResourceIDs(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT resource_id FROM states`)
	if err != nil {
		return nil, coreiface.NewFrameworkError("sqlite.GetAllResourceIDs", "state", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, rows.Err()
}

func (b *Backend) DeleteState(ctx context.Context, resourceID string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM states WHERE resource_id = ?`, resourceID)
	if err != nil {
		return coreiface.NewFrameworkError("sqlite.DeleteState", "state", err).WithID(resourceID)
	}
	// state_history/snapshots rows cascade via FOREIGN KEY ... ON DELETE
	// CASCADE, provided _foreign_keys=on was honored by the driver.
	_, _ = b.db.ExecContext(ctx, `DELETE FROM state_history WHERE resource_id = ?`, resourceID)
	_, _ = b.db.ExecContext(ctx, `DELETE FROM snapshots WHERE resource_id = ?`, resourceID)
	return nil
}

func (b *Backend) ClearAllStates(ctx context.Context) error {
	for _, table := range []string{"state_history", "snapshots", "states"} {
		if _, err := b.db.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return coreiface.NewFrameworkError("sqlite.ClearAllStates", "state", err)
		}
	}
	return nil
}

// Cleanup trims state_history to the most recent maxHistoryRowsPerResource
// rows and snapshots to maxSnapshotRowsPerResource per resource, removes
// states whose last update precedes olderThan, then runs ANALYZE/VACUUM,
// mirroring spec.md §4.2.3's optimize_database and get_database_stats.
func (b *Backend) Cleanup(ctx context.Context, olderThan *state.TimeBound) (state.CleanupReport, error) {
	var report state.CleanupReport

	if olderThan != nil {
		res, err := b.db.ExecContext(ctx, `DELETE FROM states WHERE updated_at < ?`, olderThan.Cutoff)
		if err != nil {
			return report, coreiface.NewFrameworkError("sqlite.Cleanup", "state", err)
		}
		n, _ := res.RowsAffected()
		report.ResourcesRemoved = int(n)
	}

	ids, err := b.GetAllResourceIDs(ctx)
	if err != nil {
		return report, err
	}
	for _, id := range ids {
		res, err := b.db.ExecContext(ctx,
			`DELETE FROM state_history WHERE resource_id = ? AND id NOT IN (
				SELECT id FROM state_history WHERE resource_id = ? ORDER BY id DESC LIMIT ?)`,
			id, id, maxHistoryRowsPerResource)
		if err == nil {
			if n, _ := res.RowsAffected(); n > 0 {
				report.HistoryTrimmed++
			}
		}

		res, err = b.db.ExecContext(ctx,
			`DELETE FROM snapshots WHERE resource_id = ? AND id NOT IN (
				SELECT id FROM snapshots WHERE resource_id = ? ORDER BY id DESC LIMIT ?)`,
			id, id, maxSnapshotRowsPerResource)
		if err == nil {
			if n, _ := res.RowsAffected(); n > 0 {
				report.SnapshotsTrimmed++
			}
		}
	}

	b.OptimizeDatabase(ctx)
	return report, nil
}

// OptimizeDatabase runs ANALYZE and VACUUM; failures are logged, not
// fatal, since they never affect correctness, only query planning and
// file size.
func (b *Backend) OptimizeDatabase(ctx context.Context) {
	if _, err := b.db.ExecContext(ctx, `ANALYZE`); err != nil {
		b.logger.Warn("sqlite analyze failed", map[string]interface{}{"error": err.Error()})
	}
	if _, err := b.db.ExecContext(ctx, `VACUUM`); err != nil {
		b.logger.Warn("sqlite vacuum failed", map[string]interface{}{"error": err.Error()})
	}
}

// DatabaseStats mirrors spec.md §4.2.3's get_database_stats.
type DatabaseStats struct {
	ResourceCount int
	HistoryRows   int
	SnapshotRows  int
}

func (b *Backend) GetDatabaseStats(ctx context.Context) (DatabaseStats, error) {
	var stats DatabaseStats
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM states`).Scan(&stats.ResourceCount); err != nil {
		return stats, coreiface.NewFrameworkError("sqlite.GetDatabaseStats", "state", err)
	}
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM state_history`).Scan(&stats.HistoryRows); err != nil {
		return stats, coreiface.NewFrameworkError("sqlite.GetDatabaseStats", "state", err)
	}
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&stats.SnapshotRows); err != nil {
		return stats, coreiface.NewFrameworkError("sqlite.GetDatabaseStats", "state", err)
	}
	return stats, nil
}
