package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// ErrRecordNotFound is returned by Store.Get for a missing or tombstoned record.
var ErrRecordNotFound = errors.New("sync: record not found")

// stateDBName is the SQLite file inside the data directory.
const stateDBName = "state.db"

// SQL statements for record operations.
const (
	sqlGetRecord = `SELECT payload, updated_at, dirty, deleted FROM records
		WHERE entity = ? AND id = ?`

	sqlPutRecord = `INSERT INTO records (entity, id, payload, updated_at, dirty, deleted, synced_at)
		VALUES (?, ?, ?, ?, ?, 0, NULL)
		ON CONFLICT(entity, id) DO UPDATE SET
		 payload    = excluded.payload,
		 updated_at = excluded.updated_at,
		 dirty      = excluded.dirty,
		 deleted    = 0`

	sqlPutSynced = `INSERT INTO records (entity, id, payload, updated_at, dirty, deleted, synced_at)
		VALUES (?, ?, ?, ?, 0, 0, ?)
		ON CONFLICT(entity, id) DO UPDATE SET
		 payload    = excluded.payload,
		 updated_at = excluded.updated_at,
		 dirty      = 0,
		 deleted    = 0,
		 synced_at  = excluded.synced_at`

	sqlListRecords = `SELECT id, payload, updated_at, dirty FROM records
		WHERE entity = ? AND deleted = 0 ORDER BY id`

	sqlListDirty = `SELECT id, payload, updated_at FROM records
		WHERE entity = ? AND dirty = 1 AND deleted = 0 ORDER BY id`

	sqlListTombstones = `SELECT id, payload, updated_at FROM records
		WHERE entity = ? AND deleted = 1 ORDER BY id`

	sqlTombstone = `UPDATE records SET deleted = 1, dirty = 1, updated_at = ?
		WHERE entity = ? AND id = ?`

	sqlPurge = `DELETE FROM records WHERE entity = ? AND id = ?`

	sqlGetMeta = `SELECT value FROM sync_meta WHERE key = ?`

	sqlSetMeta = `INSERT INTO sync_meta (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
		 value      = excluded.value,
		 updated_at = excluded.updated_at`
)

// Store is the durable local store: one transactional key-value table per
// entity type (modeled as a single records table keyed by entity+id),
// surviving process restarts and holding both confirmed and not-yet-synced
// records. It is the single source of truth for the UI; all UI reads and
// writes go through it rather than an in-memory copy.
//
// Every operation is an individually atomic single-entity read-modify-write.
// The UI may mutate the store at any time while a reconciliation pass is
// reading it, so no method assumes a consistent cross-entity snapshot.
type Store struct {
	db      *sql.DB
	blobDir string
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for deterministic tests
}

// NewStore opens (or creates) the local store under dataDir, applying
// pragmas and pending migrations. The blob cache lives in dataDir/blobs.
func NewStore(dataDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("sync: creating data directory: %w", err)
	}

	blobDir := filepath.Join(dataDir, "blobs")
	if err := os.MkdirAll(blobDir, 0o700); err != nil {
		return nil, fmt.Errorf("sync: creating blob directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, stateDBName)

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sync: opening local store %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("local store ready", slog.String("path", dbPath))

	return &Store{
		db:      db,
		blobDir: blobDir,
		logger:  logger,
		nowFunc: time.Now,
	}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns one record. Tombstoned and missing records both return
// ErrRecordNotFound; the UI never sees pending deletions.
func (s *Store) Get(ctx context.Context, entity, id string) (Record, error) {
	var (
		payload   string
		updatedAt int64
		dirty     int
		deleted   int
	)

	err := s.db.QueryRowContext(ctx, sqlGetRecord, entity, id).
		Scan(&payload, &updatedAt, &dirty, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("sync: getting %s/%s: %w", entity, id, err)
	}

	if deleted == 1 {
		return nil, ErrRecordNotFound
	}

	return decodeRecord(payload, updatedAt)
}

// Put writes a local mutation. It stamps a strictly increasing updatedAt
// (monotonic past the stored value even when the wall clock steps backward)
// and marks the record dirty for the next reconciliation pass. Optimistic:
// always succeeds locally regardless of connectivity.
func (s *Store) Put(ctx context.Context, entity string, rec Record) error {
	ent, ok := EntityByName(entity)
	if !ok {
		return fmt.Errorf("sync: unknown entity %q", entity)
	}

	key := ent.Key(rec)
	if key == "" {
		return &MappingError{Table: ent.Table, Field: ent.KeyField}
	}

	stamp := s.nowFunc().UnixNano()
	if prev := s.storedUpdatedAt(ctx, entity, key); prev >= stamp {
		stamp = prev + 1
	}

	rec = rec.Clone()
	rec["updatedAt"] = stamp

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("sync: encoding %s/%s: %w", entity, key, err)
	}

	if _, err := s.db.ExecContext(ctx, sqlPutRecord, entity, key, string(payload), stamp, 1); err != nil {
		return fmt.Errorf("sync: putting %s/%s: %w", entity, key, err)
	}

	return nil
}

// PutSynced writes a record merged from the remote side: not dirty, stamped
// synced. Used by the reconciler when the remote version wins or when the
// upload response carries server-assigned fields.
func (s *Store) PutSynced(ctx context.Context, entity string, rec Record, syncedAt int64) error {
	ent, ok := EntityByName(entity)
	if !ok {
		return fmt.Errorf("sync: unknown entity %q", entity)
	}

	key := ent.Key(rec)
	if key == "" {
		return &MappingError{Table: ent.Table, Field: ent.KeyField}
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("sync: encoding %s/%s: %w", entity, key, err)
	}

	if _, err := s.db.ExecContext(ctx, sqlPutSynced,
		entity, key, string(payload), rec.UpdatedAt(), syncedAt); err != nil {
		return fmt.Errorf("sync: merging %s/%s: %w", entity, key, err)
	}

	return nil
}

// List returns all live (non-tombstoned) records of an entity type.
func (s *Store) List(ctx context.Context, entity string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, sqlListRecords, entity)
	if err != nil {
		return nil, fmt.Errorf("sync: listing %s: %w", entity, err)
	}
	defer rows.Close()

	var out []Record

	for rows.Next() {
		var (
			id        string
			payload   string
			updatedAt int64
			dirty     int
		)

		if err := rows.Scan(&id, &payload, &updatedAt, &dirty); err != nil {
			return nil, fmt.Errorf("sync: scanning %s row: %w", entity, err)
		}

		rec, err := decodeRecord(payload, updatedAt)
		if err != nil {
			return nil, err
		}

		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: iterating %s rows: %w", entity, err)
	}

	return out, nil
}

// ListDirty returns live records mutated since their last confirmed sync.
func (s *Store) ListDirty(ctx context.Context, entity string) ([]Record, error) {
	return s.listWithQuery(ctx, entity, sqlListDirty)
}

// ListTombstones returns records pending remote deletion.
func (s *Store) ListTombstones(ctx context.Context, entity string) ([]Record, error) {
	return s.listWithQuery(ctx, entity, sqlListTombstones)
}

func (s *Store) listWithQuery(ctx context.Context, entity, query string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, entity)
	if err != nil {
		return nil, fmt.Errorf("sync: listing %s: %w", entity, err)
	}
	defer rows.Close()

	var out []Record

	for rows.Next() {
		var (
			id        string
			payload   string
			updatedAt int64
		)

		if err := rows.Scan(&id, &payload, &updatedAt); err != nil {
			return nil, fmt.Errorf("sync: scanning %s row: %w", entity, err)
		}

		rec, err := decodeRecord(payload, updatedAt)
		if err != nil {
			return nil, err
		}

		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: iterating %s rows: %w", entity, err)
	}

	return out, nil
}

// Delete tombstones a record: it disappears from reads immediately but the
// row is retained until the deletion pipeline confirms remote removal.
func (s *Store) Delete(ctx context.Context, entity, id string) error {
	stamp := s.nowFunc().UnixNano()
	if prev := s.storedUpdatedAt(ctx, entity, id); prev >= stamp {
		stamp = prev + 1
	}

	res, err := s.db.ExecContext(ctx, sqlTombstone, stamp, entity, id)
	if err != nil {
		return fmt.Errorf("sync: tombstoning %s/%s: %w", entity, id, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}

	return nil
}

// Purge removes rows permanently, after remote deletion is confirmed or for
// records that never existed remotely.
func (s *Store) Purge(ctx context.Context, entity string, ids []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sync: beginning purge tx: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, sqlPurge, entity, id); err != nil {
			return fmt.Errorf("sync: purging %s/%s: %w", entity, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sync: committing purge: %w", err)
	}

	return nil
}

// Rekey replaces a record's local identifier with its server-assigned one
// and rewrites the dangling foreign keys of dependent children, all in one
// transaction. Children stay dirty so the rewritten references upload on the
// next pass if they have not already.
func (s *Store) Rekey(ctx context.Context, entity, oldID, newID string) error {
	ent, ok := EntityByName(entity)
	if !ok {
		return fmt.Errorf("sync: unknown entity %q", entity)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sync: beginning rekey tx: %w", err)
	}
	defer tx.Rollback()

	// Rewrite the row key and the payload's id field together.
	const sqlRekey = `UPDATE records
		SET id = ?, payload = json_set(payload, '$.' || ?, ?)
		WHERE entity = ? AND id = ?`

	if _, err := tx.ExecContext(ctx, sqlRekey, newID, ent.KeyField, newID, entity, oldID); err != nil {
		return fmt.Errorf("sync: rekeying %s/%s: %w", entity, oldID, err)
	}

	// Rewrite children referencing the old id.
	const sqlRekeyChild = `UPDATE records
		SET payload = json_set(payload, '$.' || ?, ?), dirty = 1
		WHERE entity = ? AND json_extract(payload, '$.' || ?) = ?`

	for _, child := range Entities {
		if child.Parent != entity {
			continue
		}

		if _, err := tx.ExecContext(ctx, sqlRekeyChild,
			child.ParentField, newID, child.Name, child.ParentField, oldID); err != nil {
			return fmt.Errorf("sync: rekeying %s children of %s: %w", child.Name, oldID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sync: committing rekey: %w", err)
	}

	s.logger.Debug("record rekeyed",
		slog.String("entity", entity),
		slog.String("old_id", oldID),
		slog.String("new_id", newID),
	)

	return nil
}

// GetMeta returns a sync metadata value, or "" when unset.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string

	err := s.db.QueryRowContext(ctx, sqlGetMeta, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("sync: getting meta %s: %w", key, err)
	}

	return value, nil
}

// SetMeta stores a sync metadata value (last report, realtime cursor).
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	if _, err := s.db.ExecContext(ctx, sqlSetMeta, key, value, s.nowFunc().UnixNano()); err != nil {
		return fmt.Errorf("sync: setting meta %s: %w", key, err)
	}

	return nil
}

// storedUpdatedAt returns the stored timestamp for a record, or 0 when the
// record does not exist. Used to keep updatedAt strictly increasing.
func (s *Store) storedUpdatedAt(ctx context.Context, entity, id string) int64 {
	var stamp int64

	err := s.db.QueryRowContext(ctx,
		`SELECT updated_at FROM records WHERE entity = ? AND id = ?`, entity, id).Scan(&stamp)
	if err != nil {
		return 0
	}

	return stamp
}

// decodeRecord unmarshals a payload and normalizes updatedAt to int64 from
// the authoritative column value (JSON decodes numbers as float64).
func decodeRecord(payload string, updatedAt int64) (Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("sync: decoding record payload: %w", err)
	}

	rec["updatedAt"] = updatedAt

	return rec, nil
}
