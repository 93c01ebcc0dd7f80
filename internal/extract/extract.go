// Package extract reads rows from the external message and contacts
// databases and emits typed records.
//
// The source schemas are owned by another application and shift across its
// releases, so every query projects an explicit column list and every record
// is a named-field struct. Extraction never writes to its source.
package extract

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/kthorn/messagemart/internal/normalize"
)

// appleEpochOffset is the number of seconds between the Unix epoch and the
// source's epoch (2001-01-01 00:00:00 UTC). Message dates are stored as
// nanoseconds since that epoch.
const appleEpochOffset = 978307200

const isoFormat = "2006-01-02T15:04:05Z"

// Handle is a messaging identifier extracted from the source handle table.
type Handle struct {
	RowID           int64
	ValueRaw        string
	ValueNormalized string
	HandleType      string // phone, email, or unknown
	Service         string
	Country         string
}

// Message is a single message row extracted from the source.
type Message struct {
	RowID     int64
	ChatID    sql.NullInt64
	HandleID  sql.NullInt64
	Text      sql.NullString
	DateUTC   string // ISO-8601, second precision
	DateLocal sql.NullString
	IsFromMe  bool
}

// Contact is a contact record from the contacts database. Core Data tables
// key records by Z_PK rather than ROWID.
type Contact struct {
	PK           int64
	FirstName    sql.NullString
	LastName     sql.NullString
	Organization sql.NullString
	Nickname     sql.NullString
}

// ContactPhone is a phone number owned by a Contact.
type ContactPhone struct {
	PK         int64
	OwnerPK    int64
	FullNumber string
	Label      sql.NullString
}

// ContactEmail is an email address owned by a Contact.
type ContactEmail struct {
	PK      int64
	OwnerPK int64
	Address string
	Label   sql.NullString
}

// ConvertSourceTimestamp converts a nanosecond source timestamp to an
// ISO-8601 UTC string. Returns false for zero or out-of-range values.
func ConvertSourceTimestamp(nanoseconds int64) (string, bool) {
	if nanoseconds == 0 {
		return "", false
	}

	secs := nanoseconds/1_000_000_000 + appleEpochOffset
	t := time.Unix(secs, 0).UTC()
	if t.Year() < 1 || t.Year() > 9999 {
		return "", false
	}
	return t.Format(isoFormat), true
}

// SourceTimestampFor converts an ISO-8601 UTC string back into the source's
// native nanosecond representation.
func SourceTimestampFor(iso string) (int64, error) {
	t, err := time.Parse(isoFormat, iso)
	if err != nil {
		return 0, fmt.Errorf("invalid ISO timestamp %q: %w", iso, err)
	}
	return (t.Unix() - appleEpochOffset) * 1_000_000_000, nil
}

// Handles extracts all handles, normalizing each value.
func Handles(conn *sql.DB) ([]Handle, error) {
	rows, err := conn.Query(`
		SELECT ROWID, id, service, country
		FROM handle
		ORDER BY ROWID
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query handles: %w", err)
	}
	defer rows.Close()

	var handles []Handle
	for rows.Next() {
		var (
			rowID            int64
			rawID            sql.NullString
			service, country sql.NullString
		)
		if err := rows.Scan(&rowID, &rawID, &service, &country); err != nil {
			return nil, fmt.Errorf("failed to scan handle row: %w", err)
		}

		normalized, handleType := normalize.Handle(rawID.String)
		handles = append(handles, Handle{
			RowID:           rowID,
			ValueRaw:        rawID.String,
			ValueNormalized: normalized,
			HandleType:      string(handleType),
			Service:         service.String,
			Country:         country.String,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate handles: %w", err)
	}
	return handles, nil
}

// Messages extracts messages, optionally only those strictly after sinceISO.
// An empty sinceISO extracts everything. Rows whose timestamp is zero or
// unconvertible are dropped; that is extraction policy, not an error.
// The chat association comes from the source's message-chat join table and
// may be absent.
func Messages(conn *sql.DB, sinceISO string) ([]Message, error) {
	query := `
		SELECT m.ROWID, cmj.chat_id, m.handle_id, m.text, m.date, m.is_from_me
		FROM message m
		LEFT JOIN chat_message_join cmj ON m.ROWID = cmj.message_id
	`
	var args []any

	if sinceISO != "" {
		sinceNS, err := SourceTimestampFor(sinceISO)
		if err != nil {
			return nil, err
		}
		query += " WHERE m.date > ?"
		args = append(args, sinceNS)
	}
	query += " ORDER BY m.date ASC"

	rows, err := conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var (
			rowID    int64
			chatID   sql.NullInt64
			handleID sql.NullInt64
			text     sql.NullString
			dateNS   sql.NullInt64
			isFromMe sql.NullInt64
		)
		if err := rows.Scan(&rowID, &chatID, &handleID, &text, &dateNS, &isFromMe); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}

		dateUTC, ok := ConvertSourceTimestamp(dateNS.Int64)
		if !ok {
			continue
		}

		messages = append(messages, Message{
			RowID:    rowID,
			ChatID:   chatID,
			HandleID: handleID,
			Text:     text,
			DateUTC:  dateUTC,
			IsFromMe: isFromMe.Int64 != 0,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}

// HandleCount returns the total handle count in the source.
func HandleCount(conn *sql.DB) (int, error) {
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM handle`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count handles: %w", err)
	}
	return n, nil
}

// MessageCount returns the total message count in the source.
func MessageCount(conn *sql.DB) (int, error) {
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM message`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// LatestMessageDate returns the ISO date of the newest message in the
// source, or "" when there are no messages with convertible dates.
func LatestMessageDate(conn *sql.DB) (string, error) {
	var maxNS sql.NullInt64
	if err := conn.QueryRow(`SELECT MAX(date) FROM message`).Scan(&maxNS); err != nil {
		return "", fmt.Errorf("failed to query latest message date: %w", err)
	}
	if !maxNS.Valid {
		return "", nil
	}
	iso, ok := ConvertSourceTimestamp(maxNS.Int64)
	if !ok {
		return "", nil
	}
	return iso, nil
}

// Contacts extracts contact records from the contacts database.
func Contacts(conn *sql.DB) ([]Contact, error) {
	rows, err := conn.Query(`
		SELECT Z_PK, ZFIRSTNAME, ZLASTNAME, ZORGANIZATION, ZNICKNAME
		FROM ZABCDRECORD
		ORDER BY Z_PK
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query contacts: %w", err)
	}
	defer rows.Close()

	var contacts []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.PK, &c.FirstName, &c.LastName, &c.Organization, &c.Nickname); err != nil {
			return nil, fmt.Errorf("failed to scan contact row: %w", err)
		}
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate contacts: %w", err)
	}
	return contacts, nil
}

// ContactPhones extracts phone numbers from the contacts database. Rows
// without an owner or number are filtered at the source.
func ContactPhones(conn *sql.DB) ([]ContactPhone, error) {
	rows, err := conn.Query(`
		SELECT Z_PK, ZOWNER, ZFULLNUMBER, ZLABEL
		FROM ZABCDPHONENUMBER
		WHERE ZOWNER IS NOT NULL AND ZFULLNUMBER IS NOT NULL
		ORDER BY Z_PK
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query contact phones: %w", err)
	}
	defer rows.Close()

	var phones []ContactPhone
	for rows.Next() {
		var p ContactPhone
		if err := rows.Scan(&p.PK, &p.OwnerPK, &p.FullNumber, &p.Label); err != nil {
			return nil, fmt.Errorf("failed to scan contact phone row: %w", err)
		}
		phones = append(phones, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate contact phones: %w", err)
	}
	return phones, nil
}

// ContactEmails extracts email addresses from the contacts database.
func ContactEmails(conn *sql.DB) ([]ContactEmail, error) {
	rows, err := conn.Query(`
		SELECT Z_PK, ZOWNER, ZADDRESS, ZLABEL
		FROM ZABCDEMAILADDRESS
		WHERE ZOWNER IS NOT NULL AND ZADDRESS IS NOT NULL
		ORDER BY Z_PK
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query contact emails: %w", err)
	}
	defer rows.Close()

	var emails []ContactEmail
	for rows.Next() {
		var e ContactEmail
		if err := rows.Scan(&e.PK, &e.OwnerPK, &e.Address, &e.Label); err != nil {
			return nil, fmt.Errorf("failed to scan contact email row: %w", err)
		}
		emails = append(emails, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate contact emails: %w", err)
	}
	return emails, nil
}
