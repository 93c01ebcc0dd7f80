package identity

import (
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/kthorn/messagemart/internal/db"
)

func newTargetDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mart.db")
	if err := db.Init(path); err != nil {
		t.Fatalf("init db: %v", err)
	}
	conn, err := db.Open(path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func seedPerson(t *testing.T, conn *sql.DB, personID, displayName, source string) {
	t.Helper()
	_, err := conn.Exec(`
		INSERT INTO dim_person (person_id, display_name, source, created_at, updated_at)
		VALUES (?, ?, ?, '2023-01-01T00:00:00Z', '2023-01-01T00:00:00Z')
	`, personID, displayName, source)
	if err != nil {
		t.Fatalf("seed person: %v", err)
	}
}

func seedMethod(t *testing.T, conn *sql.DB, methodID, personID, methodType, normalized string) {
	t.Helper()
	_, err := conn.Exec(`
		INSERT INTO dim_contact_method (method_id, person_id, type, value_raw, value_normalized, created_at)
		VALUES (?, ?, ?, ?, ?, '2023-01-01T00:00:00Z')
	`, methodID, personID, methodType, normalized, normalized)
	if err != nil {
		t.Fatalf("seed contact method: %v", err)
	}
}

func seedHandle(t *testing.T, conn *sql.DB, handleID int64, normalized, handleType string) {
	t.Helper()
	_, err := conn.Exec(`
		INSERT INTO dim_handle (handle_id, value_raw, value_normalized, handle_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, '2023-01-01T00:00:00Z', '2023-01-01T00:00:00Z')
	`, handleID, normalized, normalized, handleType)
	if err != nil {
		t.Fatalf("seed handle: %v", err)
	}
}

func TestResolveHandleExactMatch(t *testing.T) {
	conn := newTargetDB(t)
	seedPerson(t, conn, "p1", "Alice", "contacts")
	seedMethod(t, conn, "m1", "p1", "email", "alice@example.com")

	personID, found, err := ResolveHandle(conn, "alice@example.com", "email")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !found || personID != "p1" {
		t.Errorf("got (%q, %v), want (p1, true)", personID, found)
	}
}

func TestResolveHandleFuzzyPhone(t *testing.T) {
	conn := newTargetDB(t)
	seedPerson(t, conn, "p1", "Bob", "contacts")
	// Stored without country code; handle arrives with one.
	seedMethod(t, conn, "m1", "p1", "phone", "4155551234")

	personID, found, err := ResolveHandle(conn, "+14155551234", "phone")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !found || personID != "p1" {
		t.Errorf("got (%q, %v), want (p1, true)", personID, found)
	}
}

func TestResolveHandleFuzzyNotAppliedToEmail(t *testing.T) {
	conn := newTargetDB(t)
	seedPerson(t, conn, "p1", "Carol", "contacts")
	seedMethod(t, conn, "m1", "p1", "phone", "+14155551234")

	_, found, err := ResolveHandle(conn, "4155551234@example.com", "email")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if found {
		t.Error("email handle must not fuzzy-match a phone method")
	}
}

func TestResolveHandleFuzzyShortNumbers(t *testing.T) {
	conn := newTargetDB(t)
	seedPerson(t, conn, "p1", "Dave", "contacts")
	seedMethod(t, conn, "m1", "p1", "phone", "+14155551234")

	// Short codes never have 10 digits to compare.
	_, found, err := ResolveHandle(conn, "86753", "phone")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if found {
		t.Error("short number must not fuzzy-match")
	}
}

func TestResolveHandleFuzzyFirstMatchWins(t *testing.T) {
	conn := newTargetDB(t)
	seedPerson(t, conn, "p1", "First", "contacts")
	seedPerson(t, conn, "p2", "Second", "contacts")
	// Both methods share the same last 10 digits. Iteration is ordered by
	// method_id, so m1 wins.
	seedMethod(t, conn, "m1", "p1", "phone", "4155551234")
	seedMethod(t, conn, "m2", "p2", "phone", "+14155551234")

	personID, found, err := ResolveHandle(conn, "0014155551234", "phone")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !found || personID != "p1" {
		t.Errorf("got (%q, %v), want (p1, true)", personID, found)
	}
}

func TestCreateUnknownPersonDisplayNames(t *testing.T) {
	conn := newTargetDB(t)

	tests := []struct {
		value      string
		handleType string
		want       string
	}{
		{"+14155551234", "phone", "Unknown (+14155551234)"},
		{"john.doe@example.com", "email", "john.doe (unresolved)"},
		{"short-token", "unknown", "Unknown (short-token)"},
		{"averylongopaqueidentifiertoken", "unknown", "Unknown (averylongopaqueident...)"},
	}
	for _, tt := range tests {
		personID, err := CreateUnknownPerson(conn, tt.value, tt.handleType)
		if err != nil {
			t.Fatalf("CreateUnknownPerson(%q): %v", tt.value, err)
		}
		var displayName, source string
		err = conn.QueryRow(`SELECT display_name, source FROM dim_person WHERE person_id = ?`, personID).
			Scan(&displayName, &source)
		if err != nil {
			t.Fatalf("read back person: %v", err)
		}
		if displayName != tt.want {
			t.Errorf("display name for %q = %q, want %q", tt.value, displayName, tt.want)
		}
		if source != "inferred" {
			t.Errorf("source for %q = %q, want inferred", tt.value, source)
		}
		if !strings.Contains(personID, "-") {
			t.Errorf("person id %q does not look like a UUID", personID)
		}
	}
}

func TestResolveAllIdempotent(t *testing.T) {
	conn := newTargetDB(t)
	seedPerson(t, conn, "p1", "Known", "contacts")
	seedMethod(t, conn, "m1", "p1", "phone", "+14155551234")
	seedHandle(t, conn, 1, "+14155551234", "phone")
	seedHandle(t, conn, 2, "stranger@example.com", "email")

	logger := zap.NewNop()
	resolved, err := ResolveAll(logger, conn)
	if err != nil {
		t.Fatalf("first resolve pass: %v", err)
	}
	if resolved != 2 {
		t.Errorf("resolved = %d, want 2", resolved)
	}

	var linkedPerson string
	if err := conn.QueryRow(`SELECT person_id FROM dim_handle WHERE handle_id = 1`).Scan(&linkedPerson); err != nil {
		t.Fatalf("read handle 1: %v", err)
	}
	if linkedPerson != "p1" {
		t.Errorf("handle 1 linked to %q, want p1", linkedPerson)
	}

	inferred, err := InferredPersonCount(conn)
	if err != nil {
		t.Fatalf("count inferred: %v", err)
	}
	if inferred != 1 {
		t.Errorf("inferred persons = %d, want 1", inferred)
	}

	// Second pass finds nothing to do and creates no new persons.
	resolved, err = ResolveAll(logger, conn)
	if err != nil {
		t.Fatalf("second resolve pass: %v", err)
	}
	if resolved != 0 {
		t.Errorf("second pass resolved = %d, want 0", resolved)
	}
	inferred, err = InferredPersonCount(conn)
	if err != nil {
		t.Fatalf("count inferred: %v", err)
	}
	if inferred != 1 {
		t.Errorf("inferred persons after rerun = %d, want 1", inferred)
	}

	unresolved, err := UnresolvedCount(conn)
	if err != nil {
		t.Fatalf("count unresolved: %v", err)
	}
	if unresolved != 0 {
		t.Errorf("unresolved = %d, want 0", unresolved)
	}

	contactsLinked, err := ContactsLinkedCount(conn)
	if err != nil {
		t.Fatalf("count contacts-linked: %v", err)
	}
	if contactsLinked != 1 {
		t.Errorf("contacts-linked = %d, want 1", contactsLinked)
	}
}
