// Package identity maps messaging handles to canonical persons.
//
// Resolution is a process, not a join: a handle matches an existing person
// through its contact methods when possible, and otherwise gets a new
// inferred person so every handle ends up owned. Resolved links are cached
// on the handle row and never revisited.
package identity

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kthorn/messagemart/internal/normalize"
)

func nowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}

// ResolveHandle attempts to match a normalized handle value to an existing
// person.
//
// Strategy 1 is an exact match against dim_contact_method.value_normalized,
// any type. Strategy 2, for phones only, compares the last 10 digits of the
// handle against the last 10 digits of every phone method; the first match
// in iteration order wins. Multiple methods sharing a suffix have no
// tie-break rule; first-found is the accepted ambiguity.
func ResolveHandle(conn *sql.DB, normalized, handleType string) (string, bool, error) {
	var personID sql.NullString
	err := conn.QueryRow(`
		SELECT person_id
		FROM dim_contact_method
		WHERE value_normalized = ?
		LIMIT 1
	`, normalized).Scan(&personID)
	if err != nil && err != sql.ErrNoRows {
		return "", false, fmt.Errorf("failed exact match lookup: %w", err)
	}
	if err == nil && personID.Valid {
		return personID.String, true, nil
	}

	if handleType != "phone" {
		return "", false, nil
	}

	handleDigits := normalize.Digits(normalized)
	if len(handleDigits) < 10 {
		return "", false, nil
	}
	last10 := handleDigits[len(handleDigits)-10:]

	rows, err := conn.Query(`
		SELECT person_id, value_normalized
		FROM dim_contact_method
		WHERE type = 'phone'
		ORDER BY method_id
	`)
	if err != nil {
		return "", false, fmt.Errorf("failed fuzzy match query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var matchedPerson sql.NullString
		var methodNormalized string
		if err := rows.Scan(&matchedPerson, &methodNormalized); err != nil {
			return "", false, fmt.Errorf("failed to scan contact method: %w", err)
		}
		if !matchedPerson.Valid {
			continue
		}
		methodDigits := normalize.Digits(methodNormalized)
		if len(methodDigits) >= 10 && methodDigits[len(methodDigits)-10:] == last10 {
			return matchedPerson.String, true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return "", false, fmt.Errorf("failed to iterate contact methods: %w", err)
	}

	return "", false, nil
}

// CreateUnknownPerson creates a placeholder person for a handle that
// matched nothing. The person carries provenance 'inferred' so it can be
// found and corrected later.
func CreateUnknownPerson(conn *sql.DB, handleValue, handleType string) (string, error) {
	personID := uuid.New().String()
	now := nowISO()

	var displayName string
	switch handleType {
	case "phone":
		displayName = fmt.Sprintf("Unknown (%s)", handleValue)
	case "email":
		localPart := handleValue
		if i := strings.Index(handleValue, "@"); i >= 0 {
			localPart = handleValue[:i]
		}
		displayName = fmt.Sprintf("%s (unresolved)", localPart)
	default:
		if len(handleValue) > 20 {
			displayName = fmt.Sprintf("Unknown (%s...)", handleValue[:20])
		} else {
			displayName = fmt.Sprintf("Unknown (%s)", handleValue)
		}
	}

	_, err := conn.Exec(`
		INSERT INTO dim_person
			(person_id, first_name, last_name, display_name, source, created_at, updated_at)
		VALUES (?, NULL, NULL, ?, 'inferred', ?, ?)
	`, personID, displayName, now, now)
	if err != nil {
		return "", fmt.Errorf("failed to create inferred person: %w", err)
	}

	return personID, nil
}

// linkHandle caches a resolution on the handle row.
func linkHandle(conn *sql.DB, handleID int64, personID string) error {
	_, err := conn.Exec(`
		UPDATE dim_handle
		SET person_id = ?, updated_at = ?
		WHERE handle_id = ?
	`, personID, nowISO(), handleID)
	if err != nil {
		return fmt.Errorf("failed to link handle %d: %w", handleID, err)
	}
	return nil
}

// ResolveAll resolves every handle that has no person link yet, creating
// inferred persons where matching fails. Already-linked handles are left
// alone, so repeat invocations resolve nothing new.
func ResolveAll(logger *zap.Logger, conn *sql.DB) (int, error) {
	rows, err := conn.Query(`
		SELECT handle_id, value_normalized, handle_type
		FROM dim_handle
		WHERE person_id IS NULL
		ORDER BY handle_id
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to list unresolved handles: %w", err)
	}

	type unresolved struct {
		id         int64
		normalized string
		handleType string
	}
	var pending []unresolved
	for rows.Next() {
		var u unresolved
		if err := rows.Scan(&u.id, &u.normalized, &u.handleType); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan unresolved handle: %w", err)
		}
		pending = append(pending, u)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("failed to iterate unresolved handles: %w", err)
	}
	rows.Close()

	resolved := 0
	for _, u := range pending {
		personID, found, err := ResolveHandle(conn, u.normalized, u.handleType)
		if err != nil {
			return resolved, err
		}
		if !found {
			personID, err = CreateUnknownPerson(conn, u.normalized, u.handleType)
			if err != nil {
				return resolved, err
			}
		}
		if err := linkHandle(conn, u.id, personID); err != nil {
			return resolved, err
		}
		resolved++
	}

	if resolved > 0 {
		logger.Info("resolved handles", zap.Int("count", resolved))
	}
	return resolved, nil
}

// UnresolvedCount returns the number of handles without a person link.
func UnresolvedCount(conn *sql.DB) (int, error) {
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM dim_handle WHERE person_id IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count unresolved handles: %w", err)
	}
	return n, nil
}

// InferredPersonCount returns the number of auto-created persons.
func InferredPersonCount(conn *sql.DB) (int, error) {
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM dim_person WHERE source = 'inferred'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count inferred persons: %w", err)
	}
	return n, nil
}

// ContactsLinkedCount returns the number of handles resolved to persons
// sourced from the contacts database rather than inferred.
func ContactsLinkedCount(conn *sql.DB) (int, error) {
	var n int
	err := conn.QueryRow(`
		SELECT COUNT(*)
		FROM dim_handle h
		JOIN dim_person p ON h.person_id = p.person_id
		WHERE p.source = 'contacts'
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count contacts-linked handles: %w", err)
	}
	return n, nil
}
