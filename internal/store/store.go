// Package store persists account identity, olm sessions, and one-time keys
// in a SQLite database. All row access goes through the Querier returned by
// GetTx, so methods transparently join a transaction opened with WithTx.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrSessionNotFound is returned when a session row does not exist.
var ErrSessionNotFound = errors.New("store: session not found")

// Store wraps a SQLite database holding the local device's encryption state.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS account (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS olm_session (
	identity_key TEXT NOT NULL,
	session_id TEXT NOT NULL,
	pickle BLOB NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (identity_key, session_id)
);
CREATE TABLE IF NOT EXISTS one_time_key (
	key_id TEXT PRIMARY KEY,
	public_key TEXT NOT NULL,
	private_key BLOB NOT NULL,
	published INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
`

// DefaultDataDir returns the default data directory for olm-go databases.
// Uses $XDG_DATA_HOME/olm-go, falling back to ~/.local/share/olm-go.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "olm-go")
}

// Open opens or creates a SQLite store at the given path.
// If dbPath is empty, it defaults to $XDG_DATA_HOME/olm-go/default.db.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = filepath.Join(DefaultDataDir(), "default.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	// WAL lets the concurrent per-device reads proceed while a write
	// transaction is open; the busy timeout covers writer contention
	// between processes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
