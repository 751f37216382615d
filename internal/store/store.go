package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// PersistentStore is the sqlite-backed job ledger.
type PersistentStore struct {
	db *sql.DB
}

func NewPersistentStore(dbPath string) (*PersistentStore, error) {
	dbDir := filepath.Dir(dbPath)

	// Ensure the database directory exists
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Ping makes sure the file is actually accessible and the DSN is valid
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}

	store := &PersistentStore{db: db}

	if err := store.ensureSchema(); err != nil {
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}

	return store, nil
}

func (s *PersistentStore) ensureSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS jobs (
		id               TEXT PRIMARY KEY,
		source_ref       TEXT NOT NULL,
		title            TEXT NOT NULL DEFAULT '',
		dest_path        TEXT NOT NULL DEFAULT '',
		checksum         TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL,
		priority         INTEGER NOT NULL DEFAULT 1,
		total_bytes      INTEGER NOT NULL DEFAULT 0,
		downloaded_bytes INTEGER NOT NULL DEFAULT 0,
		prefix_crc       INTEGER NOT NULL DEFAULT 0,
		attempt          INTEGER NOT NULL DEFAULT 0,
		last_error       TEXT,
		created_at       INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`

	_, err := s.db.Exec(schema)
	return err
}

func (s *PersistentStore) Close() error {
	return s.db.Close()
}
