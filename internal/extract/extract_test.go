package extract

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

// newSourceDB creates a throwaway database shaped like the external message
// store: handle, chat, message, and the message-chat join table.
func newSourceDB(t *testing.T) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "chat.db")
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open source db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	ddl := `
		CREATE TABLE handle (
			ROWID INTEGER PRIMARY KEY,
			id TEXT,
			service TEXT,
			country TEXT
		);
		CREATE TABLE chat (
			ROWID INTEGER PRIMARY KEY,
			chat_identifier TEXT,
			display_name TEXT,
			service_name TEXT
		);
		CREATE TABLE message (
			ROWID INTEGER PRIMARY KEY,
			text TEXT,
			date INTEGER,
			is_from_me INTEGER,
			handle_id INTEGER
		);
		CREATE TABLE chat_message_join (
			chat_id INTEGER,
			message_id INTEGER
		);
	`
	if _, err := conn.Exec(ddl); err != nil {
		t.Fatalf("create source schema: %v", err)
	}
	return conn
}

func TestConvertSourceTimestamp(t *testing.T) {
	// 2023-01-01 00:00:00 UTC is 694224000s after the source epoch
	iso, ok := ConvertSourceTimestamp(694224000 * 1_000_000_000)
	if !ok {
		t.Fatal("expected conversion to succeed")
	}
	if iso != "2023-01-01T00:00:00Z" {
		t.Errorf("got %q, expected 2023-01-01T00:00:00Z", iso)
	}

	if _, ok := ConvertSourceTimestamp(0); ok {
		t.Error("zero timestamp should not convert")
	}
}

func TestSourceTimestampRoundTrip(t *testing.T) {
	iso := "2023-06-15T12:30:45Z"
	ns, err := SourceTimestampFor(iso)
	if err != nil {
		t.Fatalf("SourceTimestampFor: %v", err)
	}
	back, ok := ConvertSourceTimestamp(ns)
	if !ok {
		t.Fatal("expected round trip to convert")
	}
	if back != iso {
		t.Errorf("round trip: got %q, expected %q", back, iso)
	}
}

func TestSourceTimestampForInvalid(t *testing.T) {
	if _, err := SourceTimestampFor("not-a-date"); err == nil {
		t.Error("expected error for invalid ISO input")
	}
}

func TestHandles(t *testing.T) {
	conn := newSourceDB(t)

	_, err := conn.Exec(`
		INSERT INTO handle (ROWID, id, service, country) VALUES
		(1, '+14155551234', 'iMessage', 'us'),
		(2, 'John.Doe@Example.COM', 'iMessage', NULL),
		(3, NULL, 'SMS', NULL)
	`)
	if err != nil {
		t.Fatalf("insert handles: %v", err)
	}

	handles, err := Handles(conn)
	if err != nil {
		t.Fatalf("Handles: %v", err)
	}
	if len(handles) != 3 {
		t.Fatalf("expected 3 handles, got %d", len(handles))
	}

	if handles[0].ValueNormalized != "+14155551234" || handles[0].HandleType != "phone" {
		t.Errorf("handle 1: got (%q, %q)", handles[0].ValueNormalized, handles[0].HandleType)
	}
	if handles[1].ValueNormalized != "john.doe@example.com" || handles[1].HandleType != "email" {
		t.Errorf("handle 2: got (%q, %q)", handles[1].ValueNormalized, handles[1].HandleType)
	}
	if handles[2].HandleType != "unknown" {
		t.Errorf("handle 3: expected unknown type, got %q", handles[2].HandleType)
	}
}

func TestMessagesDropsInvalidDates(t *testing.T) {
	conn := newSourceDB(t)

	_, err := conn.Exec(`
		INSERT INTO message (ROWID, text, date, is_from_me, handle_id) VALUES
		(1, 'hello', 694224000000000000, 0, 1),
		(2, 'no date', 0, 0, 1),
		(3, 'null date', NULL, 1, NULL)
	`)
	if err != nil {
		t.Fatalf("insert messages: %v", err)
	}

	messages, err := Messages(conn, "")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected 1 message after filtering, got %d", len(messages))
	}
	if messages[0].RowID != 1 || messages[0].DateUTC != "2023-01-01T00:00:00Z" {
		t.Errorf("got rowid=%d date=%q", messages[0].RowID, messages[0].DateUTC)
	}
}

func TestMessagesIncremental(t *testing.T) {
	conn := newSourceDB(t)

	// Two messages one day apart
	day := int64(86400 * 1_000_000_000)
	base := int64(694224000 * 1_000_000_000)
	_, err := conn.Exec(`
		INSERT INTO message (ROWID, text, date, is_from_me, handle_id) VALUES
		(1, 'old', ?, 0, 1),
		(2, 'new', ?, 0, 1)
	`, base, base+day)
	if err != nil {
		t.Fatalf("insert messages: %v", err)
	}

	// since equal to the first message's date: exclusive lower bound
	messages, err := Messages(conn, "2023-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(messages) != 1 || messages[0].RowID != 2 {
		t.Fatalf("expected only the newer message, got %d rows", len(messages))
	}
}

func TestMessagesChatAssociation(t *testing.T) {
	conn := newSourceDB(t)

	_, err := conn.Exec(`
		INSERT INTO message (ROWID, text, date, is_from_me, handle_id) VALUES
		(1, 'in a chat', 694224000000000000, 0, 1),
		(2, 'orphan', 694224001000000000, 0, 1);
		INSERT INTO chat_message_join (chat_id, message_id) VALUES (7, 1);
	`)
	if err != nil {
		t.Fatalf("insert rows: %v", err)
	}

	messages, err := Messages(conn, "")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if !messages[0].ChatID.Valid || messages[0].ChatID.Int64 != 7 {
		t.Errorf("message 1 should belong to chat 7")
	}
	if messages[1].ChatID.Valid {
		t.Errorf("message 2 should have no chat association")
	}
}

func TestCounts(t *testing.T) {
	conn := newSourceDB(t)

	_, err := conn.Exec(`
		INSERT INTO handle (ROWID, id) VALUES (1, '+14155551234');
		INSERT INTO message (ROWID, text, date, is_from_me, handle_id)
		VALUES (1, 'x', 694224000000000000, 0, 1), (2, 'y', 694224001000000000, 1, 1);
	`)
	if err != nil {
		t.Fatalf("insert rows: %v", err)
	}

	handles, err := HandleCount(conn)
	if err != nil || handles != 1 {
		t.Errorf("HandleCount = %d, %v", handles, err)
	}
	msgs, err := MessageCount(conn)
	if err != nil || msgs != 2 {
		t.Errorf("MessageCount = %d, %v", msgs, err)
	}

	latest, err := LatestMessageDate(conn)
	if err != nil {
		t.Fatalf("LatestMessageDate: %v", err)
	}
	if latest != "2023-01-01T00:00:01Z" {
		t.Errorf("LatestMessageDate = %q", latest)
	}
}
