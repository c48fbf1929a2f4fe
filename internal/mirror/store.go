// Package mirror persists the authoritative session list and
// transcripts locally so the client starts warm and can seed history
// versions before the feed connects.
package mirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/weftlabs/weft/domain"
)

// Store is the SQLite-backed local read model.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the mirror database. Use ":memory:" for an
// ephemeral mirror.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mirror database: %w", err)
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
		return nil, fmt.Errorf("failed to migrate mirror database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			last_message_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			message_count INTEGER NOT NULL DEFAULT 0,
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

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSessions mirrors the full authoritative session list: rows absent
// from the list are dropped (their transcripts cascade away), the rest
// are upserted.
func (s *Store) SaveSessions(ctx context.Context, sessions []domain.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if len(sessions) == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
			return fmt.Errorf("failed to clear sessions: %w", err)
		}
		return tx.Commit()
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(sessions)), ",")
	args := make([]any, 0, len(sessions))
	for _, sess := range sessions {
		args = append(args, sess.SessionID)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE session_id NOT IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("failed to prune sessions: %w", err)
	}

	for _, sess := range sessions {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (session_id, title, last_message_at, message_count, is_default)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(session_id) DO UPDATE SET
				title = excluded.title,
				last_message_at = excluded.last_message_at,
				message_count = excluded.message_count,
				is_default = excluded.is_default`,
			sess.SessionID, sess.Title, sess.LastMessageAt, sess.MessageCount, boolToInt(sess.IsDefault))
		if err != nil {
			return fmt.Errorf("failed to upsert session %s: %w", sess.SessionID, err)
		}
	}
	return tx.Commit()
}

// ReplaceTranscript swaps a session's mirrored transcript wholesale.
// The session row is created if the transcript push beat the session
// list push.
func (s *Store) ReplaceTranscript(ctx context.Context, sessionID string, msgs []domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (session_id) VALUES (?)`, sessionID); err != nil {
		return fmt.Errorf("failed to ensure session row: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to clear transcript: %w", err)
	}

	for i, msg := range msgs {
		parts, err := marshalNullable(msg.Content.Parts)
		if err != nil {
			return fmt.Errorf("failed to marshal parts for %s: %w", msg.MessageID, err)
		}
		metrics, err := marshalNullable(msg.Metrics)
		if err != nil {
			return fmt.Errorf("failed to marshal metrics for %s: %w", msg.MessageID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (message_id, session_id, position, role, content, parts, metrics, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.MessageID, sessionID, i, string(msg.Role), msg.Content.Text, parts, metrics, msg.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert message %s: %w", msg.MessageID, err)
		}
	}
	return tx.Commit()
}

// Transcript returns a session's mirrored messages in order.
func (s *Store) Transcript(ctx context.Context, sessionID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, role, content, parts, metrics, created_at
		 FROM messages WHERE session_id = ? ORDER BY position`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcript: %w", err)
	}
	defer rows.Close()

	var msgs []domain.Message
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
			if err := json.Unmarshal([]byte(metrics.String), &msg.Metrics); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// Sessions returns the mirrored session list, most recent first.
func (s *Store) Sessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, title, last_message_at, message_count, is_default
		 FROM sessions ORDER BY last_message_at DESC, session_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		var sess domain.Session
		var isDefault int
		if err := rows.Scan(&sess.SessionID, &sess.Title, &sess.LastMessageAt, &sess.MessageCount, &isDefault); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sess.IsDefault = isDefault != 0
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Counts reports mirrored message counts per session, used to seed
// history versions at startup.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, COUNT(*) FROM messages GROUP BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// DeleteSession drops a session and its transcript.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func marshalNullable(v any) (sql.NullString, error) {
	switch t := v.(type) {
	case []domain.Part:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	case *domain.TurnMetrics:
		if t == nil {
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
