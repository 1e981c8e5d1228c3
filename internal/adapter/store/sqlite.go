// Package store persists sync engine state that must survive restarts:
// query anchors, per-type sync state, and sealed metric values awaiting
// upload. The sealed-value table doubles as the blob source for key-rotation
// re-encryption sweeps.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"healthsync/internal/domain"
	"healthsync/internal/security"
)

// SQLiteStateStore implements durable anchor and sync-state storage.
type SQLiteStateStore struct {
	db *sql.DB
}

// Compile-time interface assertion.
var _ security.BlobSource = (*SQLiteStateStore)(nil)

// NewSQLiteStateStore opens (or creates) a SQLite database at dbPath
// and runs the schema migration.
func NewSQLiteStateStore(dbPath string) (*SQLiteStateStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state db: %w", err)
	}
	return &SQLiteStateStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS anchors (
			type       TEXT PRIMARY KEY,
			cursor     TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS sync_state (
			type                 TEXT PRIMARY KEY,
			last_sync_at         TEXT NOT NULL,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			last_error           TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS sealed_values (
			id         TEXT PRIMARY KEY,
			blob       BLOB NOT NULL,
			created_at TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStateStore) Close() error {
	return s.db.Close()
}

// GetAnchor returns the stored anchor for a metric type.
// Returns domain.ErrAnchorNotFound when none has been committed yet.
func (s *SQLiteStateStore) GetAnchor(_ context.Context, t domain.MetricType) (domain.QueryAnchor, error) {
	var a domain.QueryAnchor
	var updatedStr string
	err := s.db.QueryRow(
		"SELECT type, cursor, updated_at FROM anchors WHERE type = ?", string(t),
	).Scan(&a.Type, &a.Cursor, &updatedStr)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.QueryAnchor{}, fmt.Errorf("%w: %s", domain.ErrAnchorNotFound, t)
		}
		return domain.QueryAnchor{}, err
	}
	a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return a, nil
}

// PutAnchor upserts the anchor for its metric type. Called only after the
// samples behind the anchor have been confirmed uploaded.
func (s *SQLiteStateStore) PutAnchor(_ context.Context, a domain.QueryAnchor) error {
	_, err := s.db.Exec(`
		INSERT INTO anchors (type, cursor, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(type) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at`,
		string(a.Type), a.Cursor, a.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// GetSyncState returns the stored sync state for a metric type. A type that
// has never synced returns a zero state, not an error.
func (s *SQLiteStateStore) GetSyncState(_ context.Context, t domain.MetricType) (domain.SyncState, error) {
	var st domain.SyncState
	var lastSyncStr string
	err := s.db.QueryRow(
		"SELECT type, last_sync_at, consecutive_failures, last_error FROM sync_state WHERE type = ?", string(t),
	).Scan(&st.Type, &lastSyncStr, &st.ConsecutiveFailures, &st.LastError)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.SyncState{Type: t}, nil
		}
		return domain.SyncState{}, err
	}
	st.LastSyncAt, _ = time.Parse(time.RFC3339Nano, lastSyncStr)
	return st, nil
}

// PutSyncState upserts the sync state for its metric type.
func (s *SQLiteStateStore) PutSyncState(_ context.Context, st domain.SyncState) error {
	_, err := s.db.Exec(`
		INSERT INTO sync_state (type, last_sync_at, consecutive_failures, last_error) VALUES (?, ?, ?, ?)
		ON CONFLICT(type) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			consecutive_failures = excluded.consecutive_failures,
			last_error = excluded.last_error`,
		string(st.Type), st.LastSyncAt.UTC().Format(time.RFC3339Nano), st.ConsecutiveFailures, st.LastError,
	)
	return err
}

// ListSyncStates returns all stored sync states ordered by type.
func (s *SQLiteStateStore) ListSyncStates(_ context.Context) ([]domain.SyncState, error) {
	rows, err := s.db.Query("SELECT type, last_sync_at, consecutive_failures, last_error FROM sync_state ORDER BY type")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []domain.SyncState
	for rows.Next() {
		var st domain.SyncState
		var lastSyncStr string
		if err := rows.Scan(&st.Type, &lastSyncStr, &st.ConsecutiveFailures, &st.LastError); err != nil {
			return nil, err
		}
		st.LastSyncAt, _ = time.Parse(time.RFC3339Nano, lastSyncStr)
		states = append(states, st)
	}
	return states, rows.Err()
}

// SaveSealed stores a sealed metric value blob pending upload.
func (s *SQLiteStateStore) SaveSealed(_ context.Context, id string, blob []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO sealed_values (id, blob, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET blob = excluded.blob`,
		id, blob, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// DeleteSealed removes a sealed blob after confirmed upload.
func (s *SQLiteStateStore) DeleteSealed(_ context.Context, id string) error {
	_, err := s.db.Exec("DELETE FROM sealed_values WHERE id = ?", id)
	return err
}

// BlobIDs implements security.BlobSource over the sealed-value table.
func (s *SQLiteStateStore) BlobIDs() ([]string, error) {
	rows, err := s.db.Query("SELECT id FROM sealed_values ORDER BY created_at")
	if err != nil {
		return nil, err
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
	return ids, rows.Err()
}

// LoadBlob implements security.BlobSource.
func (s *SQLiteStateStore) LoadBlob(id string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRow("SELECT blob FROM sealed_values WHERE id = ?", id).Scan(&blob)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("sealed value %s not found", id)
		}
		return nil, err
	}
	return blob, nil
}

// StoreBlob implements security.BlobSource.
func (s *SQLiteStateStore) StoreBlob(id string, blob []byte) error {
	res, err := s.db.Exec("UPDATE sealed_values SET blob = ? WHERE id = ?", blob, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("sealed value %s not found", id)
	}
	return nil
}
