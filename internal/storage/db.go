// Package storage persists the durable side of calls: the room roster that
// mirrors real-time join/leave, and finished recording artifacts.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps the node's SQLite database.
type DB struct {
	db   *sql.DB
	path string
	dir  string
	mu   sync.RWMutex
}

// Open opens or creates the database under dataDir. Recording blobs are
// stored next to it under dataDir/recordings.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "huddle.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Foreign keys and WAL mode for better concurrency.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS room_participants (
			room_id        TEXT NOT NULL,
			participant_id TEXT NOT NULL,
			name           TEXT DEFAULT '',
			joined_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (room_id, participant_id)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create room_participants table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS recordings (
			id               TEXT PRIMARY KEY,
			room_id          TEXT NOT NULL,
			mime_type        TEXT NOT NULL,
			duration_seconds INTEGER NOT NULL,
			has_video        INTEGER DEFAULT 0,
			size_bytes       INTEGER NOT NULL,
			sha256           TEXT NOT NULL,
			blob_path        TEXT NOT NULL,
			transcript       TEXT DEFAULT '',
			items_json       TEXT DEFAULT '[]',
			created_at       DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create recordings table: %w", err)
	}

	return &DB{db: db, path: dbPath, dir: dataDir}, nil
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Close()
}
