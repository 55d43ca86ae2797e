// Package store persists broker configurations and device positions in
// SQLite. It is the system of record: the ingestion bridge writes
// positions into it, the supervisor reads broker configs out of it, and
// the HTTP API exposes both to clients.
package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalid wraps all validation failures (out-of-range coordinates,
// bad port, empty name/topic). Callers can errors.Is against it to map
// to a client error instead of a server error.
var ErrInvalid = errors.New("invalid")

// Store provides broker-config CRUD and position insert/query
// operations. All public methods are safe for concurrent use (SQLite
// serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a store over an open database handle, running
// migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS broker_configs (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		broker     TEXT NOT NULL,
		port       INTEGER NOT NULL,
		username   TEXT NOT NULL DEFAULT '',
		password   TEXT NOT NULL DEFAULT '',
		topic      TEXT NOT NULL,
		node_ids   TEXT NOT NULL DEFAULT '[]',
		enabled    INTEGER NOT NULL DEFAULT 1,
		user_id    TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_broker_configs_enabled ON broker_configs (enabled);
	CREATE INDEX IF NOT EXISTS idx_broker_configs_created ON broker_configs (created_at);

	CREATE TABLE IF NOT EXISTS positions (
		id            TEXT PRIMARY KEY,
		device_id     TEXT NOT NULL,
		latitude      REAL NOT NULL,
		longitude     REAL NOT NULL,
		altitude      REAL,
		accuracy      REAL,
		battery_level REAL,
		timestamp_ms  INTEGER NOT NULL,
		raw_payload   TEXT NOT NULL DEFAULT '{}',
		broker_id     TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_positions_device_time ON positions (device_id, timestamp_ms);
	-- timestamp-only index kept for a future retention job
	CREATE INDEX IF NOT EXISTS idx_positions_time ON positions (timestamp_ms);
	CREATE INDEX IF NOT EXISTS idx_positions_broker ON positions (broker_id);
	CREATE INDEX IF NOT EXISTS idx_positions_broker_device ON positions (broker_id, device_id);
	`
	_, err := s.db.Exec(schema)
	return err
}
