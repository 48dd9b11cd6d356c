package authsession

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS auth_sessions (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	customer_id TEXT NOT NULL DEFAULT '',
	method TEXT NOT NULL,
	status TEXT NOT NULL,
	secret_hash TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	pending_question TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	verified_at INTEGER,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_auth_sessions_conversation ON auth_sessions(conversation_id, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_auth_sessions_one_pending ON auth_sessions(conversation_id) WHERE status = 'pending';
`

// SQLStore keeps sessions in a SQL database.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore applies the session schema and returns a store.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	if _, err := db.Exec(sqlSchema); err != nil {
		return nil, fmt.Errorf("apply auth session schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

const sessionSelect = `SELECT id, conversation_id, customer_id, method, status, secret_hash, attempts,
	max_attempts, pending_question, created_at, verified_at, expires_at FROM auth_sessions`

func (s *SQLStore) Latest(ctx context.Context, conversationID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, sessionSelect+` WHERE conversation_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, conversationID)
	var sess Session
	var method, status string
	var created, expires int64
	var verified sql.NullInt64
	err := row.Scan(&sess.ID, &sess.ConversationID, &sess.CustomerID, &method, &status, &sess.SecretHash,
		&sess.Attempts, &sess.MaxAttempts, &sess.PendingQuestion, &created, &verified, &expires)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest auth session: %w", err)
	}
	sess.Method = Level(method)
	sess.Status = Status(status)
	sess.CreatedAt = time.UnixMilli(created)
	sess.ExpiresAt = time.UnixMilli(expires)
	if verified.Valid {
		t := time.UnixMilli(verified.Int64)
		sess.VerifiedAt = &t
	}
	return &sess, nil
}

func (s *SQLStore) CurrentLevel(ctx context.Context, conversationID string, now time.Time) (Level, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT method FROM auth_sessions
		WHERE conversation_id = ? AND status = 'verified' AND expires_at > ?`, conversationID, now.UnixMilli())
	if err != nil {
		return LevelNone, fmt.Errorf("current auth level: %w", err)
	}
	defer rows.Close()
	level := LevelNone
	for rows.Next() {
		var method string
		if err := rows.Scan(&method); err != nil {
			return LevelNone, fmt.Errorf("current auth level: %w", err)
		}
		level = Max(level, ParseLevel(method))
	}
	if err := rows.Err(); err != nil {
		return LevelNone, fmt.Errorf("current auth level: %w", err)
	}
	return level, nil
}

func (s *SQLStore) Create(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO auth_sessions (id, conversation_id, customer_id, method, status,
		secret_hash, attempts, max_attempts, pending_question, created_at, verified_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)`,
		sess.ID, sess.ConversationID, sess.CustomerID, string(sess.Method), string(sess.Status),
		sess.SecretHash, sess.Attempts, sess.MaxAttempts, sess.PendingQuestion,
		sess.CreatedAt.UnixMilli(), sess.ExpiresAt.UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create auth session: %w", err)
	}
	return nil
}

func (s *SQLStore) Save(ctx context.Context, sess *Session) error {
	var verified any
	if sess.VerifiedAt != nil {
		verified = sess.VerifiedAt.UnixMilli()
	}
	res, err := s.db.ExecContext(ctx, `UPDATE auth_sessions SET customer_id = ?, status = ?, attempts = ?,
		verified_at = ?, expires_at = ?, pending_question = ? WHERE id = ?`,
		sess.CustomerID, string(sess.Status), sess.Attempts, verified, sess.ExpiresAt.UnixMilli(),
		sess.PendingQuestion, sess.ID)
	if err != nil {
		return fmt.Errorf("save auth session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) RevokeVerified(ctx context.Context, conversationID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE auth_sessions SET status = 'expired', expires_at = ?
		WHERE conversation_id = ? AND status = 'verified'`, now.UnixMilli(), conversationID)
	if err != nil {
		return fmt.Errorf("revoke auth sessions: %w", err)
	}
	return nil
}
