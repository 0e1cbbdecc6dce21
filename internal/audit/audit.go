// Package audit keeps a durable record of every permission outcome, so an
// operator can answer "what did the agent ask, and who said yes" after the
// fact.
package audit

import (
	"database/sql"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agent-command/pilotd/internal/broker"
)

const schema = `
CREATE TABLE IF NOT EXISTS permissions (
    request_id  TEXT PRIMARY KEY,
    session     TEXT NOT NULL,
    operation   TEXT NOT NULL,
    payload     TEXT NOT NULL DEFAULT '',
    resolution  TEXT NOT NULL,
    reason      TEXT NOT NULL DEFAULT '',
    message     TEXT NOT NULL DEFAULT '',
    decided_by  TEXT NOT NULL DEFAULT '',
    waited_ms   INTEGER NOT NULL DEFAULT 0,
    created_at  TEXT NOT NULL,
    resolved_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS permissions_session ON permissions (session, created_at);
`

// Log wraps the SQLite database holding permission history.
type Log struct {
	db *sql.DB
}

// Open creates or opens the audit database at path.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// WAL mode for safe concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	// Run migrations (ignore errors for already-existing columns)
	for _, m := range []string{
		"ALTER TABLE permissions ADD COLUMN decided_by TEXT NOT NULL DEFAULT ''",
		"ALTER TABLE permissions ADD COLUMN waited_ms INTEGER NOT NULL DEFAULT 0",
	} {
		db.Exec(m) //nolint:errcheck
	}

	return &Log{db: db}, nil
}

// Close closes the database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Record writes one resolved request. It matches the broker's audit hook
// and never fails the caller; a write error only loses the record.
func (l *Log) Record(req broker.Request, dec broker.Decision, took time.Duration) {
	_, err := l.db.Exec(`
		INSERT INTO permissions
			(request_id, session, operation, payload, resolution, reason, message, decided_by, waited_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO NOTHING
	`, req.ID, req.Session.String(), req.Operation, string(req.Payload),
		string(dec.Resolution), dec.Reason, dec.Message, dec.DecidedBy,
		took.Milliseconds(), req.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		log.Printf("audit: record %s: %v", req.ID, err)
	}
}

// Entry is one row of permission history.
type Entry struct {
	RequestID  string    `json:"request_id"`
	Session    string    `json:"session"`
	Operation  string    `json:"operation"`
	Payload    string    `json:"payload,omitempty"`
	Resolution string    `json:"resolution"`
	Reason     string    `json:"reason,omitempty"`
	Message    string    `json:"message,omitempty"`
	DecidedBy  string    `json:"decided_by,omitempty"`
	WaitedMs   int64     `json:"waited_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// Query returns history newest first, optionally filtered to one session.
func (l *Log) Query(session string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT request_id, session, operation, payload, resolution, reason, message, decided_by, waited_ms, created_at
		FROM permissions
	`
	args := []any{}
	if session != "" {
		query += " WHERE session = ?"
		args = append(args, session)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Entry
	for rows.Next() {
		var e Entry
		var createdAt string
		if err := rows.Scan(&e.RequestID, &e.Session, &e.Operation, &e.Payload,
			&e.Resolution, &e.Reason, &e.Message, &e.DecidedBy, &e.WaitedMs, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		result = append(result, e)
	}
	return result, rows.Err()
}
