package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Config holds database configuration.
type Config struct {
	DatabasePath string
}

// DB wraps the SQLite connection used by the session repository.
type DB struct {
	conn *sql.DB
}

// NewDB opens (or creates) the SQLite database and applies the schema.
func NewDB(cfg Config) (*DB, error) {
	if cfg.DatabasePath == "" {
		return nil, fmt.Errorf("database path not provided")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	// WAL keeps live reads from blocking on another session's write.
	conn, err := sql.Open("sqlite3", cfg.DatabasePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Connection exposes the underlying sql.DB for repositories.
func (db *DB) Connection() *sql.DB {
	return db.conn
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	created_at       TIMESTAMP NOT NULL,
	last_touched_at  TIMESTAMP NOT NULL,
	oauth_state      TEXT NOT NULL DEFAULT '',
	next_url         TEXT NOT NULL DEFAULT '',
	display_name     TEXT NOT NULL DEFAULT '',
	email            TEXT NOT NULL DEFAULT '',
	domain_ok        INTEGER NOT NULL DEFAULT 0,
	access_token     TEXT,
	refresh_token    TEXT,
	token_expires_at TIMESTAMP,
	is_privileged    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_last_touched ON sessions(last_touched_at);
`
	if _, err := db.conn.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
