// Package load writes extracted records into the analytical schema.
//
// Every operation here is idempotent: handles upsert, messages insert only
// when absent, and resolved person links are never clobbered. Re-running the
// pipeline is the recovery mechanism for a partial failure, so each loader
// must be safe to repeat.
package load

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kthorn/messagemart/internal/extract"
	"github.com/kthorn/messagemart/internal/normalize"
)

func nowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}

// Handles upserts handles by native id. Raw, normalized, and type columns
// are always refreshed; an existing person link and the original created_at
// survive the rewrite.
func Handles(conn *sql.DB, handles []extract.Handle) (int, error) {
	if len(handles) == 0 {
		return 0, nil
	}

	now := nowISO()

	stmt, err := conn.Prepare(`
		INSERT OR REPLACE INTO dim_handle
			(handle_id, value_raw, value_normalized, handle_type, person_id, created_at, updated_at)
		VALUES (?, ?, ?, ?,
			(SELECT person_id FROM dim_handle WHERE handle_id = ?),
			COALESCE((SELECT created_at FROM dim_handle WHERE handle_id = ?), ?),
			?)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare handle upsert: %w", err)
	}
	defer stmt.Close()

	for _, h := range handles {
		_, err := stmt.Exec(
			h.RowID, h.ValueRaw, h.ValueNormalized, h.HandleType,
			h.RowID, // person_id subselect
			h.RowID, // created_at subselect
			now,     // created_at when new
			now,     // updated_at always
		)
		if err != nil {
			return 0, fmt.Errorf("failed to upsert handle %d: %w", h.RowID, err)
		}
	}

	return len(handles), nil
}

// Messages inserts messages by native id, skipping ids already present.
// A message referencing a handle that is not in dim_handle is loaded with a
// NULL handle reference rather than rejected. Returns the count of newly
// inserted rows.
func Messages(conn *sql.DB, messages []extract.Message) (int, error) {
	if len(messages) == 0 {
		return 0, nil
	}

	validHandles, err := handleIDSet(conn)
	if err != nil {
		return 0, err
	}

	now := nowISO()

	stmt, err := conn.Prepare(`
		INSERT OR IGNORE INTO fact_message
			(message_id, chat_id, date_utc, date_local, is_from_me, handle_id, text, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare message insert: %w", err)
	}
	defer stmt.Close()

	loaded := 0
	for _, m := range messages {
		handleID := m.HandleID
		if handleID.Valid && !validHandles[handleID.Int64] {
			handleID = sql.NullInt64{}
		}

		res, err := stmt.Exec(
			m.RowID, m.ChatID, m.DateUTC, m.DateLocal,
			boolToInt(m.IsFromMe), handleID, m.Text, now,
		)
		if err != nil {
			return loaded, fmt.Errorf("failed to insert message %d: %w", m.RowID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return loaded, fmt.Errorf("failed to read rows affected: %w", err)
		}
		loaded += int(n)
	}

	return loaded, nil
}

func handleIDSet(conn *sql.DB) (map[int64]bool, error) {
	rows, err := conn.Query(`SELECT handle_id FROM dim_handle`)
	if err != nil {
		return nil, fmt.Errorf("failed to list handle ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan handle id: %w", err)
		}
		ids[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate handle ids: %w", err)
	}
	return ids, nil
}

// DisplayName derives a person's display name from contact fields.
// Priority: first+last, first, last, organization, nickname, placeholder.
func DisplayName(c extract.Contact) string {
	first := c.FirstName.String
	last := c.LastName.String
	switch {
	case first != "" && last != "":
		return first + " " + last
	case first != "":
		return first
	case last != "":
		return last
	case c.Organization.String != "":
		return c.Organization.String
	case c.Nickname.String != "":
		return c.Nickname.String
	}
	return "Unknown Contact"
}

// PersonsFromContacts creates one person per contact row with provenance
// 'contacts'. Returns the count loaded and a mapping from contact key to
// the new person id, used to attach contact methods.
func PersonsFromContacts(conn *sql.DB, contacts []extract.Contact) (int, map[int64]string, error) {
	if len(contacts) == 0 {
		return 0, map[int64]string{}, nil
	}

	now := nowISO()
	contactToPerson := make(map[int64]string, len(contacts))

	stmt, err := conn.Prepare(`
		INSERT INTO dim_person
			(person_id, first_name, last_name, display_name, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'contacts', ?, ?)
	`)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to prepare person insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range contacts {
		personID := uuid.New().String()
		if _, err := stmt.Exec(personID, c.FirstName, c.LastName, DisplayName(c), now, now); err != nil {
			return 0, nil, fmt.Errorf("failed to insert person for contact %d: %w", c.PK, err)
		}
		contactToPerson[c.PK] = personID
	}

	return len(contacts), contactToPerson, nil
}

// ContactMethods normalizes and inserts phone and email methods, linked to
// persons through contactToPerson. Methods whose owner is not in the mapping
// are dropped.
func ContactMethods(conn *sql.DB, phones []extract.ContactPhone, emails []extract.ContactEmail, contactToPerson map[int64]string) (int, error) {
	now := nowISO()

	stmt, err := conn.Prepare(`
		INSERT OR IGNORE INTO dim_contact_method
			(method_id, person_id, type, value_raw, value_normalized, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare contact method insert: %w", err)
	}
	defer stmt.Close()

	loaded := 0
	for _, p := range phones {
		personID, ok := contactToPerson[p.OwnerPK]
		if !ok {
			continue
		}
		res, err := stmt.Exec(uuid.New().String(), personID, "phone", p.FullNumber, normalize.Phone(p.FullNumber), now)
		if err != nil {
			return loaded, fmt.Errorf("failed to insert phone method: %w", err)
		}
		n, _ := res.RowsAffected()
		loaded += int(n)
	}

	for _, e := range emails {
		personID, ok := contactToPerson[e.OwnerPK]
		if !ok {
			continue
		}
		res, err := stmt.Exec(uuid.New().String(), personID, "email", e.Address, normalize.Email(e.Address), now)
		if err != nil {
			return loaded, fmt.Errorf("failed to insert email method: %w", err)
		}
		n, _ := res.RowsAffected()
		loaded += int(n)
	}

	return loaded, nil
}

// LinkMessagesToPersons back-fills fact_message.person_id from resolved
// handles. Only messages with a NULL person id are touched; a message once
// linked keeps its link even if the handle is later re-pointed.
func LinkMessagesToPersons(conn *sql.DB) (int, error) {
	res, err := conn.Exec(`
		UPDATE fact_message
		SET person_id = (
			SELECT dim_handle.person_id
			FROM dim_handle
			WHERE dim_handle.handle_id = fact_message.handle_id
		)
		WHERE handle_id IS NOT NULL
		AND person_id IS NULL
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to link messages to persons: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}

// Counts used by status reporting and validation.

func HandleCount(conn *sql.DB) (int, error) {
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM dim_handle`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count loaded handles: %w", err)
	}
	return n, nil
}

func MessageCount(conn *sql.DB) (int, error) {
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM fact_message`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count loaded messages: %w", err)
	}
	return n, nil
}

func PersonCount(conn *sql.DB) (int, error) {
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM dim_person`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count persons: %w", err)
	}
	return n, nil
}

func ContactMethodCount(conn *sql.DB) (int, error) {
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM dim_contact_method`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count contact methods: %w", err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
