// Package api serves a read-only HTTP projection of the analytical
// database. It never writes: every request runs against a read-only
// connection, so the server can run alongside the pipeline.
package api

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kthorn/messagemart/internal/etl"
)

// sqliteIdentifier is the shape of table names allowed into stat queries.
// Identifiers cannot be bound as parameters, so anything else is refused
// outright.
var sqliteIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// RequireIdentifier returns the identifier unchanged when it is safe to
// interpolate into SQL, and an error otherwise.
func RequireIdentifier(name string) (string, error) {
	if !sqliteIdentifier.MatchString(name) {
		return "", fmt.Errorf("invalid sqlite identifier: %q", name)
	}
	return name, nil
}

// Server wires the HTTP routes to a read-only database connection.
type Server struct {
	conn   *sql.DB
	logger *zap.Logger
	router *mux.Router
}

// NewServer builds a Server over an already-open read-only connection. The
// caller owns the connection's lifecycle.
func NewServer(logger *zap.Logger, conn *sql.DB) *Server {
	s := &Server{conn: conn, logger: logger}
	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.HandleFunc("/stats", s.handleStats).Methods("GET")
	router.HandleFunc("/stats/tables", s.handleTableStats).Methods("GET")
	router.HandleFunc("/persons", s.handlePersons).Methods("GET")
	router.HandleFunc("/persons/{id}/messages", s.handlePersonMessages).Methods("GET")
	router.HandleFunc("/messages/recent", s.handleRecentMessages).Methods("GET")
	s.router = router
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.conn.Ping(); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	status, err := etl.GetStatus(s.conn)
	if err != nil {
		s.logger.Error("failed to read status", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to read stats")
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

// statTables are the tables exposed by /stats/tables.
var statTables = []string{
	"dim_person", "dim_contact_method", "dim_handle", "fact_message", "etl_state",
}

func (s *Server) handleTableStats(w http.ResponseWriter, r *http.Request) {
	counts := make(map[string]int, len(statTables))
	for _, table := range statTables {
		name, err := RequireIdentifier(table)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "bad table name")
			return
		}
		var n int
		// Identifiers cannot be parameterized; name is validated above.
		if err := s.conn.QueryRow("SELECT COUNT(*) FROM " + name).Scan(&n); err != nil {
			s.logger.Error("failed to count table", zap.String("table", name), zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "failed to count tables")
			return
		}
		counts[name] = n
	}
	s.writeJSON(w, http.StatusOK, counts)
}

// Person is the API projection of a dim_person row.
type Person struct {
	PersonID     string  `json:"person_id"`
	DisplayName  *string `json:"display_name"`
	Source       string  `json:"source"`
	MessageCount int     `json:"message_count"`
}

func (s *Server) handlePersons(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 100, 1000)
	rows, err := s.conn.Query(`
		SELECT p.person_id, p.display_name, p.source,
		       (SELECT COUNT(*) FROM fact_message m WHERE m.person_id = p.person_id)
		FROM dim_person p
		ORDER BY p.display_name
		LIMIT ?
	`, limit)
	if err != nil {
		s.logger.Error("failed to query persons", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to query persons")
		return
	}
	defer rows.Close()

	persons := []Person{}
	for rows.Next() {
		var p Person
		var displayName sql.NullString
		if err := rows.Scan(&p.PersonID, &displayName, &p.Source, &p.MessageCount); err != nil {
			s.logger.Error("failed to scan person", zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "failed to read persons")
			return
		}
		if displayName.Valid {
			p.DisplayName = &displayName.String
		}
		persons = append(persons, p)
	}
	if err := rows.Err(); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read persons")
		return
	}
	s.writeJSON(w, http.StatusOK, persons)
}

// Message is the API projection of a fact_message row.
type Message struct {
	MessageID int64   `json:"message_id"`
	DateUTC   string  `json:"date_utc"`
	IsFromMe  bool    `json:"is_from_me"`
	PersonID  *string `json:"person_id"`
	Text      *string `json:"text"`
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	messages := []Message{}
	for rows.Next() {
		var m Message
		var isFromMe int
		var personID, text sql.NullString
		if err := rows.Scan(&m.MessageID, &m.DateUTC, &isFromMe, &personID, &text); err != nil {
			return nil, err
		}
		m.IsFromMe = isFromMe == 1
		if personID.Valid {
			m.PersonID = &personID.String
		}
		if text.Valid {
			m.Text = &text.String
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *Server) handlePersonMessages(w http.ResponseWriter, r *http.Request) {
	personID := mux.Vars(r)["id"]

	var exists int
	err := s.conn.QueryRow(`SELECT COUNT(*) FROM dim_person WHERE person_id = ?`, personID).Scan(&exists)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to look up person")
		return
	}
	if exists == 0 {
		s.writeError(w, http.StatusNotFound, "person not found")
		return
	}

	limit := queryLimit(r, 100, 1000)
	rows, err := s.conn.Query(`
		SELECT message_id, date_utc, is_from_me, person_id, text
		FROM fact_message
		WHERE person_id = ?
		ORDER BY date_utc DESC
		LIMIT ?
	`, personID, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to query messages")
		return
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read messages")
		return
	}
	s.writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleRecentMessages(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50, 500)
	rows, err := s.conn.Query(`
		SELECT message_id, date_utc, is_from_me, person_id, text
		FROM fact_message
		ORDER BY date_utc DESC
		LIMIT ?
	`, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to query messages")
		return
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read messages")
		return
	}
	s.writeJSON(w, http.StatusOK, messages)
}

func queryLimit(r *http.Request, def, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
