// Package calllog persists the call history in a local SQLite database.
package calllog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/duetp2p/duet/internal/call"
)

// Entry is one row of the call history.
type Entry struct {
	ID        int64     `json:"id"`
	AttemptID string    `json:"attempt_id"`
	CallID    string    `json:"call_id"`
	PeerID    string    `json:"peer_id"`
	PeerName  string    `json:"peer_name"`
	Direction string    `json:"direction"`
	MediaKind string    `json:"media_kind"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	// DurationMS covers connected time only; zero for calls that never
	// reached media.
	DurationMS int64 `json:"duration_ms"`
}

// Store wraps a SQLite database holding the call history.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the history database in the given directory.
func Open(configDir string) (*Store, error) {
	dbPath := filepath.Join(configDir, "history.db")

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	// WAL mode so the UI can read while a call is being recorded.
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure history database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			attempt_id  TEXT NOT NULL DEFAULT '',
			call_id     TEXT NOT NULL,
			peer_id     TEXT NOT NULL,
			peer_name   TEXT DEFAULT '',
			direction   TEXT NOT NULL,
			media_kind  TEXT NOT NULL,
			status      TEXT NOT NULL,
			started_at  INTEGER NOT NULL,
			ended_at    INTEGER NOT NULL,
			duration_ms INTEGER DEFAULT 0
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	return &Store{db: db, path: dbPath}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Record appends one finished (or refused) call to the history.
// Implements call.Recorder.
func (s *Store) Record(e call.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO calls (attempt_id, call_id, peer_id, peer_name, direction,
		                   media_kind, status, started_at, ended_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.AttemptID, e.CallID, e.PeerID, e.PeerName, string(e.Direction), string(e.MediaKind),
		string(e.Status), e.StartedAt.UnixMilli(), e.EndedAt.UnixMilli(),
		e.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("record call: %w", err)
	}
	return nil
}

// Recent returns the newest entries, most recent first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, attempt_id, call_id, peer_id, peer_name, direction,
		       media_kind, status, started_at, ended_at, duration_ms
		FROM calls ORDER BY started_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var started, ended int64
		if err := rows.Scan(&e.ID, &e.AttemptID, &e.CallID, &e.PeerID, &e.PeerName,
			&e.Direction, &e.MediaKind, &e.Status, &started, &ended,
			&e.DurationMS); err != nil {
			return nil, err
		}
		e.StartedAt = time.UnixMilli(started)
		e.EndedAt = time.UnixMilli(ended)
		out = append(out, e)
	}
	return out, rows.Err()
}

// WithPeer returns the history of calls with one peer, most recent first.
func (s *Store) WithPeer(peerID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, attempt_id, call_id, peer_id, peer_name, direction,
		       media_kind, status, started_at, ended_at, duration_ms
		FROM calls WHERE peer_id = ?
		ORDER BY started_at DESC, id DESC LIMIT ?
	`, peerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var started, ended int64
		if err := rows.Scan(&e.ID, &e.AttemptID, &e.CallID, &e.PeerID, &e.PeerName,
			&e.Direction, &e.MediaKind, &e.Status, &started, &ended,
			&e.DurationMS); err != nil {
			return nil, err
		}
		e.StartedAt = time.UnixMilli(started)
		e.EndedAt = time.UnixMilli(ended)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Clear deletes the whole history.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM calls`)
	return err
}
