// Package audit persists administrative metadata — rejected upgrades,
// rate-limit abuse, forced disconnects, and a handful of named operator
// settings — to a small SQLite database. This is never message
// durability: the replay buffer stays in-memory per spec.md's Non-goals.
package audit

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rs/xid"
	_ "modernc.org/sqlite"
)

// maxSecurityEvents bounds the security_events table; inserting beyond this
// purges the oldest rows so the database doesn't grow unbounded over a
// long-running server's lifetime.
const maxSecurityEvents = 10000

// SecurityEvent is one row of the security_events table.
type SecurityEvent struct {
	ID         string
	Kind       string
	RemoteAddr string
	Reason     string
	CreatedAt  int64 // unix seconds
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and runs
// migrations.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("audit: database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("audit: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite database: %w", err)
	}

	st := &Store{db: db}
	if err := st.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("audit store opened", "component", "audit", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS security_events (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	remote_addr TEXT NOT NULL,
	reason TEXT NOT NULL,
	created_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);
CREATE INDEX IF NOT EXISTS idx_security_events_created ON security_events(created_at);
CREATE INDEX IF NOT EXISTS idx_security_events_kind ON security_events(kind);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

// RecordSecurityEvent inserts one row and purges anything beyond
// maxSecurityEvents, oldest first.
func (s *Store) RecordSecurityEvent(kind, remoteAddr, reason string) error {
	id := xid.New().String()
	_, err := s.db.Exec(
		`INSERT INTO security_events(id, kind, remote_addr, reason) VALUES(?,?,?,?)`,
		id, kind, remoteAddr, reason,
	)
	if err != nil {
		return fmt.Errorf("audit: insert security event: %w", err)
	}
	_, err = s.db.Exec(`
DELETE FROM security_events WHERE id NOT IN (
	SELECT id FROM security_events ORDER BY created_at DESC, id DESC LIMIT ?
)`, maxSecurityEvents)
	if err != nil {
		return fmt.Errorf("audit: purge security events: %w", err)
	}
	return nil
}

// ListSecurityEvents returns the most recent events, optionally filtered
// by kind ("" means any kind), newest first, capped at limit.
func (s *Store) ListSecurityEvents(kind string, limit int) ([]SecurityEvent, error) {
	var rows *sql.Rows
	var err error
	if kind != "" {
		rows, err = s.db.Query(
			`SELECT id, kind, remote_addr, reason, created_at FROM security_events WHERE kind = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
			kind, limit,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT id, kind, remote_addr, reason, created_at FROM security_events ORDER BY created_at DESC, id DESC LIMIT ?`,
			limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("audit: list security events: %w", err)
	}
	defer rows.Close()

	var out []SecurityEvent
	for rows.Next() {
		var e SecurityEvent
		if err := rows.Scan(&e.ID, &e.Kind, &e.RemoteAddr, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan security event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of rows currently in security_events.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM security_events`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("audit: count: %w", err)
	}
	return n, nil
}

// GetSetting returns the stored value for key and whether it exists.
func (s *Store) GetSetting(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("audit: get setting %q: %w", key, err)
	}
	return v, true, nil
}

// PutSetting upserts key/value.
func (s *Store) PutSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings(key, value) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("audit: put setting %q: %w", key, err)
	}
	return nil
}
