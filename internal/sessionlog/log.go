// Package sessionlog implements an append-only audit trail of session
// lifecycle events (create/resize/rename/delete/exit), queryable per
// session via GET /api/sessions/{id}/log — a supplement beyond spec.md's
// distilled scope, grounded on the teacher's JSONL app_session_log.go but
// backed by SQLite instead of a flat file (see DESIGN.md).
package sessionlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Event is one recorded lifecycle event for a session.
type Event struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Recognized event kinds. KindLog is used for process-level log records
// teed in via a TeeHandler (see handler.go) rather than a specific
// session lifecycle transition; such records carry sessionID "".
const (
	KindCreate = "create"
	KindResize = "resize"
	KindRename = "rename"
	KindDelete = "delete"
	KindExit   = "exit"
	KindLog    = "log"
)

// EntryCallback returns a callback suitable for NewTeeHandler that appends
// each teed record as a KindLog event. Errors from Append are swallowed
// (mirroring TeeHandler's own callback-panic tolerance) since log capture
// must never block or fail the log statement that triggered it.
func (l *Log) EntryCallback() EntryCallback {
	return func(ts time.Time, level slog.Level, msg string, group string) {
		detail := map[string]string{"level": level.String(), "message": msg}
		if group != "" {
			detail["source"] = group
		}
		_ = l.Append(context.Background(), "", KindLog, detail, ts)
	}
}

// Log is a SQLite-backed append-only store of session events.
type Log struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at dsn and ensures
// its schema exists.
func Open(dsn string) (*Log, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sessionlog: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessionlog: set WAL mode: %w", err)
	}
	l := &Log{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) migrate() error {
	_, err := l.db.Exec(`CREATE TABLE IF NOT EXISTS session_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		at DATETIME NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("sessionlog: migrate: %w", err)
	}
	_, err = l.db.Exec(`CREATE INDEX IF NOT EXISTS idx_session_events_session_id
		ON session_events(session_id)`)
	if err != nil {
		return fmt.Errorf("sessionlog: index: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (l *Log) Close() error { return l.db.Close() }

// Append records one event. detail, if non-nil, is JSON-marshaled.
func (l *Log) Append(ctx context.Context, sessionID, kind string, detail any, at time.Time) error {
	var raw string
	if detail != nil {
		b, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("sessionlog: marshal detail: %w", err)
		}
		raw = string(b)
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO session_events (session_id, kind, detail, at) VALUES (?, ?, ?, ?)`,
		sessionID, kind, raw, at.UTC())
	if err != nil {
		return fmt.Errorf("sessionlog: append: %w", err)
	}
	return nil
}

// ForSession returns every recorded event for sessionID, oldest first.
func (l *Log) ForSession(ctx context.Context, sessionID string) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, session_id, kind, detail, at FROM session_events
		 WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sessionlog: query: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Kind, &e.Detail, &e.At); err != nil {
			return nil, fmt.Errorf("sessionlog: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
