// Package journal persists streaming sessions and their deliveries using SQLite.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pcview/server/internal/stream"
)

// timeLayout has a fixed width so stored UTC timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Session is a journaled client connection.
type Session struct {
	ID         string     `json:"session_id"`
	DatasetID  string     `json:"dataset_id"`
	RemoteAddr string     `json:"remote_addr"`
	OpenedAt   time.Time  `json:"opened_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
	Deliveries int        `json:"deliveries"`
}

// Delivery is a journaled delivery task.
type Delivery struct {
	SessionID  string    `json:"session_id"`
	Seq        int64     `json:"seq"`
	Status     string    `json:"status"`
	Selected   int       `json:"selected"`
	Sent       int       `json:"sent"`
	Skipped    int       `json:"skipped"`
	Points     int64     `json:"points"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Store provides persistent storage for sessions using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based journal store.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		dataset_id TEXT NOT NULL,
		remote_addr TEXT DEFAULT '',
		opened_at TEXT NOT NULL,
		closed_at TEXT,
		deliveries INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_opened ON sessions(opened_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_closed ON sessions(closed_at);

	CREATE TABLE IF NOT EXISTS deliveries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		status TEXT NOT NULL,
		selected INTEGER NOT NULL,
		sent INTEGER NOT NULL,
		skipped INTEGER NOT NULL,
		points INTEGER NOT NULL,
		error TEXT DEFAULT '',
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_deliveries_session ON deliveries(session_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// OpenSession records a new session.
func (s *Store) OpenSession(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, dataset_id, remote_addr, opened_at, closed_at, deliveries)
		VALUES (?, ?, ?, ?, ?, 0)
	`,
		sess.ID,
		sess.DatasetID,
		sess.RemoteAddr,
		sess.OpenedAt.UTC().Format(timeLayout),
		nil,
	)
	return err
}

// CloseSession marks a session as closed.
func (s *Store) CloseSession(ctx context.Context, sessionID string, closedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET closed_at = ? WHERE session_id = ? AND closed_at IS NULL
	`, closedAt.UTC().Format(timeLayout), sessionID)
	return err
}

// RecordDelivery stores a finished delivery and counts it on its session.
func (s *Store) RecordDelivery(ctx context.Context, d stream.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO deliveries (session_id, seq, status, selected, sent, skipped, points, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		d.SessionID,
		d.Seq,
		string(d.Status),
		d.Selected,
		d.Sent,
		d.Skipped,
		d.Points,
		d.Error,
		d.Started.UTC().Format(timeLayout),
		d.Finished.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to insert delivery: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET deliveries = deliveries + 1 WHERE session_id = ?
	`, d.SessionID); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return tx.Commit()
}

// GetSession retrieves a session by ID. It returns nil when the session is unknown.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, dataset_id, remote_addr, opened_at, closed_at, deliveries
		FROM sessions WHERE session_id = ?
	`, sessionID)

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var sess Session
	var openedAtStr string
	var closedAtStr sql.NullString

	err := row.Scan(
		&sess.ID,
		&sess.DatasetID,
		&sess.RemoteAddr,
		&openedAtStr,
		&closedAtStr,
		&sess.Deliveries,
	)
	if err != nil {
		return nil, err
	}

	sess.OpenedAt, _ = time.Parse(timeLayout, openedAtStr)
	if closedAtStr.Valid {
		t, _ := time.Parse(timeLayout, closedAtStr.String)
		sess.ClosedAt = &t
	}
	return &sess, nil
}

// ListSessions returns sessions, most recent first. datasetID filters when not empty.
func (s *Store) ListSessions(ctx context.Context, datasetID string, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, dataset_id, remote_addr, opened_at, closed_at, deliveries
		FROM sessions WHERE (? = '' OR dataset_id = ?)
		ORDER BY opened_at DESC LIMIT ?
	`, datasetID, datasetID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []*Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ListDeliveries returns the deliveries of a session in submission order.
func (s *Store) ListDeliveries(ctx context.Context, sessionID string) ([]*Delivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq, status, selected, sent, skipped, points, error, started_at, finished_at
		FROM deliveries WHERE session_id = ? ORDER BY seq
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deliveries := []*Delivery{}
	for rows.Next() {
		var d Delivery
		var startedAtStr, finishedAtStr string
		if err := rows.Scan(
			&d.SessionID,
			&d.Seq,
			&d.Status,
			&d.Selected,
			&d.Sent,
			&d.Skipped,
			&d.Points,
			&d.Error,
			&startedAtStr,
			&finishedAtStr,
		); err != nil {
			return nil, err
		}
		d.StartedAt, _ = time.Parse(timeLayout, startedAtStr)
		d.FinishedAt, _ = time.Parse(timeLayout, finishedAtStr)
		deliveries = append(deliveries, &d)
	}
	return deliveries, rows.Err()
}

// CloseOpenSessions marks every open session as closed (for restart recovery).
func (s *Store) CloseOpenSessions(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(timeLayout)
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET closed_at = ? WHERE closed_at IS NULL
	`, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteExpired deletes sessions closed before now minus retention, with their deliveries.
func (s *Store) DeleteExpired(ctx context.Context, retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-retention).UTC().Format(timeLayout)

	// Delete deliveries first (foreign key)
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM deliveries WHERE session_id IN (
			SELECT session_id FROM sessions WHERE closed_at IS NOT NULL AND closed_at < ?
		)
	`, cutoff)
	if err != nil {
		return 0, err
	}

	// Delete sessions
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE closed_at IS NOT NULL AND closed_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}
