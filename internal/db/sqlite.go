// Package db opens the SQLite store that keeps shell session history.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens (creating if needed) the database at path and runs the
// schema migrations.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := runMigrations(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return conn, nil
}

// runMigrations executes the database schema migrations.
func runMigrations(conn *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS shells (
		key TEXT PRIMARY KEY,
		session_id INTEGER NOT NULL,
		pid INTEGER NOT NULL,
		shell TEXT NOT NULL,
		cols INTEGER NOT NULL,
		rows INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		exit_code INTEGER,
		close_reason TEXT,
		recording_path TEXT,
		started_at DATETIME NOT NULL,
		ended_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_shells_status ON shells(status);
	CREATE INDEX IF NOT EXISTS idx_shells_started_at ON shells(started_at);
	`

	if _, err := conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// NewTestDB creates a fresh in-memory database for testing.
func NewTestDB() (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open test database: %w", err)
	}
	// Every pooled connection to :memory: would see its own empty database.
	conn.SetMaxOpenConns(1)

	if err := runMigrations(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return conn, nil
}
