// Package state is the key-value checkpoint store coordinating pipeline
// invocations. It is a durable checkpoint, not a lock: concurrent runs
// against the same target are unsupported.
package state

import (
	"database/sql"
	"fmt"
	"time"
)

// Well-known checkpoint keys.
const (
	KeyLastMessageDate  = "last_message_date"
	KeyLastSync         = "last_sync"
	KeyLastContactsSync = "last_contacts_sync"
	KeySchemaVersion    = "schema_version"
)

// Get returns the value for key, with found=false when the key is absent.
func Get(conn *sql.DB, key string) (string, bool, error) {
	var v string
	err := conn.QueryRow(`SELECT value FROM etl_state WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get sync state %q: %w", key, err)
	}
	return v, true, nil
}

// Set upserts a checkpoint value.
func Set(conn *sql.DB, key, value string) error {
	now := time.Now().UTC().Format("2006-01-02T15:04:05Z")
	_, err := conn.Exec(`
		INSERT INTO etl_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, now)
	if err != nil {
		return fmt.Errorf("failed to set sync state %q: %w", key, err)
	}
	return nil
}

// All returns every checkpoint key and value.
func All(conn *sql.DB) (map[string]string, error) {
	rows, err := conn.Query(`SELECT key, value FROM etl_state`)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync state: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan sync state row: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync state: %w", err)
	}
	return out, nil
}
