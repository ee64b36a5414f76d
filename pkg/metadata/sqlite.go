package metadata

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"
	"github.com/yuya-takeyama/s3-replica-sync/internal/db"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_records (
    key TEXT PRIMARY KEY,
    content_hash TEXT NOT NULL DEFAULT '',
    local_mod_time INTEGER NOT NULL DEFAULT 0,
    remote_mod_time INTEGER NOT NULL DEFAULT 0,
    last_sync_time INTEGER NOT NULL DEFAULT 0,
    last_sync_hash TEXT NOT NULL DEFAULT '',
    size INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sync_meta (
    name TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

const (
	metaSchemaVersion = "schema_version"
	metaNamespaceID   = "namespace_id"
	metaLastFullSync  = "last_full_sync"
)

// SQLiteBackend stores snapshots in a SQLite database.
type SQLiteBackend struct {
	db *sqlx.DB
}

// NewSQLiteBackend opens (or creates) the database at path. db.MemoryPath gives a
// throwaway database.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	conn, err := db.NewSqliteDB(db.WithPath(path), db.WithMaxOpenConns(1))
	if err != nil {
		return nil, fmt.Errorf("open metadata database: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize metadata schema: %w", err)
	}
	return &SQLiteBackend{db: conn}, nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

// Load reads the stored snapshot. A foreign schema version returns ErrCorrupt.
func (b *SQLiteBackend) Load() (Snapshot, error) {
	snap := EmptySnapshot("")

	version, err := b.meta(metaSchemaVersion)
	if err != nil {
		return Snapshot{}, err
	}
	if version == "" {
		return snap, nil
	}
	if v, err := strconv.Atoi(version); err != nil || v != SchemaVersion {
		return Snapshot{}, fmt.Errorf("%w: stored schema version %q, want %d", ErrCorrupt, version, SchemaVersion)
	}

	if snap.NamespaceID, err = b.meta(metaNamespaceID); err != nil {
		return Snapshot{}, err
	}
	lastFull, err := b.meta(metaLastFullSync)
	if err != nil {
		return Snapshot{}, err
	}
	if lastFull != "" {
		if snap.LastFullSync, err = strconv.ParseInt(lastFull, 10, 64); err != nil {
			return Snapshot{}, fmt.Errorf("%w: last_full_sync %q", ErrCorrupt, lastFull)
		}
	}

	var rows []SyncRecord
	err = b.db.Select(&rows, `SELECT key, content_hash, local_mod_time, remote_mod_time,
		last_sync_time, last_sync_hash, size FROM sync_records`)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to query sync records: %w", err)
	}
	for _, rec := range rows {
		snap.Records[rec.Key] = rec
	}
	return snap, nil
}

func (b *SQLiteBackend) meta(name string) (string, error) {
	var value string
	err := b.db.Get(&value, "SELECT value FROM sync_meta WHERE name = ?", name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to query %s: %w", name, err)
	}
	return value, nil
}

// Save replaces the stored snapshot in one transaction.
func (b *SQLiteBackend) Save(snap Snapshot) (err error) {
	tx, err := b.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.Exec("DELETE FROM sync_records"); err != nil {
		return fmt.Errorf("clear sync records: %w", err)
	}

	stmt, err := tx.PrepareNamed(`INSERT INTO sync_records
		(key, content_hash, local_mod_time, remote_mod_time, last_sync_time, last_sync_hash, size)
		VALUES (:key, :content_hash, :local_mod_time, :remote_mod_time, :last_sync_time, :last_sync_hash, :size)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for key, rec := range snap.Records {
		rec.Key = key
		if _, err = stmt.Exec(rec); err != nil {
			return fmt.Errorf("insert record %s: %w", key, err)
		}
	}

	meta := map[string]string{
		metaSchemaVersion: strconv.Itoa(SchemaVersion),
		metaNamespaceID:   snap.NamespaceID,
		metaLastFullSync:  strconv.FormatInt(snap.LastFullSync, 10),
	}
	for name, value := range meta {
		if _, err = tx.Exec("INSERT OR REPLACE INTO sync_meta (name, value) VALUES (?, ?)", name, value); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit metadata: %w", err)
	}
	return nil
}
