package events

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// AuditStore persists lifecycle events in SQLite so the admin CLI and
// status endpoint can answer "what happened" after the fact.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore opens (or creates) the audit database at the given path.
func NewAuditStore(dbPath string) (*AuditStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	// Enable WAL mode for better concurrent read/write performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &AuditStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS relay_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			type       TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			command_id TEXT NOT NULL DEFAULT '',
			detail     TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_relay_events_session_id
			ON relay_events(session_id);
	`)
	return err
}

// Close closes the database connection.
func (s *AuditStore) Close() error {
	return s.db.Close()
}

// Record inserts an event and returns its assigned ID.
func (s *AuditStore) Record(event *Event) error {
	result, err := s.db.Exec(
		`INSERT INTO relay_events (type, session_id, command_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		event.Type, event.SessionID, event.CommandID, event.Detail, event.CreatedAt,
	)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	event.ID = id
	return nil
}

// Recent returns the latest limit events, newest first.
func (s *AuditStore) Recent(limit int) ([]*Event, error) {
	rows, err := s.db.Query(
		`SELECT id, type, session_id, command_id, detail, created_at
		 FROM relay_events
		 ORDER BY id DESC
		 LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(&e.ID, &e.Type, &e.SessionID, &e.CommandID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// BySession returns all events for one session in insertion order.
func (s *AuditStore) BySession(sessionID string) ([]*Event, error) {
	rows, err := s.db.Query(
		`SELECT id, type, session_id, command_id, detail, created_at
		 FROM relay_events
		 WHERE session_id = ?
		 ORDER BY id ASC`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(&e.ID, &e.Type, &e.SessionID, &e.CommandID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
