package db

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SchemaVersion is recorded in etl_state when the schema is first created.
const SchemaVersion = "1.0.0"

// ErrSchemaMissing indicates the target database exists but lacks required
// analytical tables.
var ErrSchemaMissing = errors.New("analytical schema missing required tables")

var requiredTables = []string{
	"dim_person",
	"dim_contact_method",
	"dim_handle",
	"fact_message",
	"etl_state",
}

// Init creates the analytical database and its schema if needed.
// Safe to call repeatedly; all DDL uses IF NOT EXISTS.
func Init(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	conn, err := Open(path)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	// Record the schema version once; later inits preserve the original value.
	now := time.Now().UTC().Format("2006-01-02T15:04:05Z")
	_, err = conn.Exec(`
		INSERT INTO etl_state (key, value, updated_at)
		VALUES ('schema_version', ?, ?)
		ON CONFLICT(key) DO NOTHING
	`, SchemaVersion, now)
	if err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}

	return nil
}

// Open opens the analytical database read-write.
func Open(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Pragmas for performance + concurrency.
	// WAL allows concurrent readers while a writer is active.
	// busy_timeout reduces SQLITE_BUSY errors under contention.
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := conn.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set synchronous: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return conn, nil
}

// OpenReadOnly opens a database in read-only mode. Used for source
// snapshots, the contacts database, and validation passes over the target.
func OpenReadOnly(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open database read-only: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	return conn, nil
}

// VerifySchema checks that all required analytical tables exist.
func VerifySchema(conn *sql.DB) error {
	rows, err := conn.Query(`SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		return fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	existing := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("failed to scan table name: %w", err)
		}
		existing[name] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate tables: %w", err)
	}

	for _, t := range requiredTables {
		if !existing[t] {
			return fmt.Errorf("%w: %s", ErrSchemaMissing, t)
		}
	}
	return nil
}
