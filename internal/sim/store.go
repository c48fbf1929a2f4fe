// Package sim implements the simulated backend: an HTTP/SSE turn
// endpoint, a session REST surface, a websocket feed and a pluggable
// responder, backed by SQLite.
package sim

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/weftlabs/weft/domain"
)

// Store is the backend's authoritative record of sessions and
// transcripts.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and migrates) the backend database. Use ":memory:"
// for an ephemeral backend.
func OpenStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and ":memory:"
	// is per-connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_message_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			is_default INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			parts TEXT,
			metrics TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(session_id, position),
			FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, position)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a session row; an existing row keeps its
// transcript and only picks up a non-empty title.
func (s *Store) CreateSession(ctx context.Context, sess domain.Session) error {
	at := sess.LastMessageAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, title, created_at, last_message_at, is_default)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			title = CASE WHEN excluded.title != '' THEN excluded.title ELSE sessions.title END`,
		sess.SessionID, sess.Title, at, at, boolToInt(sess.IsDefault))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// DeleteSession removes a session and, via cascade, its transcript.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SessionExists reports whether a session row is present.
func (s *Store) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM sessions WHERE session_id = ?`, sessionID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check session: %w", err)
	}
	return true, nil
}

// Sessions lists all sessions with live message counts, most recent
// first.
func (s *Store) Sessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.session_id, s.title, s.last_message_at, s.is_default,
		       COUNT(m.message_id)
		FROM sessions s
		LEFT JOIN messages m ON m.session_id = s.session_id
		GROUP BY s.session_id
		ORDER BY s.last_message_at DESC, s.session_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		var sess domain.Session
		var isDefault int
		if err := rows.Scan(&sess.SessionID, &sess.Title, &sess.LastMessageAt, &isDefault, &sess.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sess.IsDefault = isDefault != 0
		out = append(out, sess)
	}
	return out, rows.Err()
}

// AppendMessage appends one message at the next position and bumps the
// session's recency.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	parts, err := marshalNullable(msg.Content.Parts)
	if err != nil {
		return fmt.Errorf("failed to marshal parts: %w", err)
	}
	metrics, err := marshalNullable(msg.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	at := msg.CreatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (message_id, session_id, position, role, content, parts, metrics, created_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(position)+1, 0) FROM messages WHERE session_id = ?), ?, ?, ?, ?, ?)`,
		msg.MessageID, sessionID, sessionID, string(msg.Role), msg.Content.Text, parts, metrics, at)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET last_message_at = ? WHERE session_id = ?`, at, sessionID); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return tx.Commit()
}

// Messages returns a session's transcript in order.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, role, content, parts, metrics, created_at
		FROM messages WHERE session_id = ? ORDER BY position`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var msg domain.Message
		var role string
		var parts, metrics sql.NullString
		if err := rows.Scan(&msg.MessageID, &role, &msg.Content.Text, &parts, &metrics, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = domain.Role(role)
		if parts.Valid && parts.String != "" {
			if err := json.Unmarshal([]byte(parts.String), &msg.Content.Parts); err != nil {
				return nil, fmt.Errorf("failed to unmarshal parts: %w", err)
			}
		}
		if metrics.Valid && metrics.String != "" {
			msg.Metrics = &domain.TurnMetrics{}
			if err := json.Unmarshal([]byte(metrics.String), msg.Metrics); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
			}
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// MessageCount returns the session's transcript length, the history
// version conflict checks compare against.
func (s *Store) MessageCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

func marshalNullable(v any) (sql.NullString, error) {
	switch val := v.(type) {
	case []domain.Part:
		if len(val) == 0 {
			return sql.NullString{}, nil
		}
	case *domain.TurnMetrics:
		if val == nil {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
