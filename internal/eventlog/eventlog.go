// Package eventlog provides SQLite-backed persistence for session
// lifecycle events.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Event types recorded by the daemon.
const (
	TypeDaemonStarted  = "daemon_started"
	TypeDaemonStopping = "daemon_stopping"
	TypeSessionSpawned = "session_spawned"
	TypeSessionStarted = "session_started"
	TypeSessionStopped = "session_stopped"
	TypeSessionExited  = "session_exited"
)

// Event is one lifecycle record.
type Event struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId,omitempty"`
	Type      string    `json:"type"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Log is an append-only event store.
type Log struct {
	db *sql.DB
}

// Open creates or opens the event database at dbPath.
func Open(dbPath string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	l := &Log{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// Close closes the database connection.
func (l *Log) Close() error {
	return l.db.Close()
}

func (l *Log) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL,
		detail     TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, id);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Append records an event. A zero timestamp is filled with the current time.
func (l *Log) Append(ctx context.Context, ev Event) (int64, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO events (session_id, event_type, detail, created_at) VALUES (?, ?, ?, ?)`,
		ev.SessionID, ev.Type, ev.Detail, ev.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	return res.LastInsertId()
}

// Recent returns up to limit most recent events, oldest first. An empty
// sessionID matches all sessions.
func (l *Log) Recent(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	query := `SELECT id, session_id, event_type, detail, created_at FROM events`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Type, &ev.Detail, &ev.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}
