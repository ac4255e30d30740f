// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides a SQLite Store implementation for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tombee/parley/internal/store"
	"github.com/tombee/parley/pkg/errors"
)

// Compile-time interface assertion.
var _ store.Store = (*Store)(nil)

// Store is a SQLite storage backend.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite store.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// configurePragmas sets SQLite configuration options.
func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",         // Enable foreign key constraints
		"PRAGMA busy_timeout=5000",       // 5 second timeout for lock contention
		"PRAGMA auto_vacuum=INCREMENTAL", // Incremental auto-vacuum for space reclamation
		"PRAGMA synchronous=NORMAL",      // Balance between performance and durability
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL") // Enable WAL mode for concurrent reads
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			last_activity TIMESTAMP NOT NULL,
			total_messages INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			estimated_cost REAL NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions(last_activity)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT,
			tool_call_id TEXT,
			name TEXT,
			token_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS tokens (
			user TEXT PRIMARY KEY,
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL,
			expires_at TIMESTAMP NOT NULL
		)`,
	}

	for i, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}

	return nil
}

// CreateSession inserts a session, assigning an id when empty.
func (s *Store) CreateSession(ctx context.Context, session *store.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user, status, started_at, last_activity, total_messages, total_tokens, estimated_cost)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.User, string(session.Status),
		session.StartedAt, session.LastActivity,
		session.TotalMessages, session.TotalTokens, session.EstimatedCost,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// GetSession returns the session with the given id.
func (s *Store) GetSession(ctx context.Context, id string) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user, status, started_at, last_activity, total_messages, total_tokens, estimated_cost
		 FROM sessions WHERE id = ?`, id)

	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "session", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return session, nil
}

// UpdateSession replaces the stored session record.
func (s *Store) UpdateSession(ctx context.Context, session *store.Session) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET user = ?, status = ?, started_at = ?, last_activity = ?,
		 total_messages = ?, total_tokens = ?, estimated_cost = ? WHERE id = ?`,
		session.User, string(session.Status), session.StartedAt, session.LastActivity,
		session.TotalMessages, session.TotalTokens, session.EstimatedCost, session.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return &errors.NotFoundError{Resource: "session", ID: session.ID}
	}
	return nil
}

// DeleteSession removes a session and its messages.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if affected == 0 {
		return &errors.NotFoundError{Resource: "session", ID: id}
	}
	return nil
}

// ListSessions returns sessions matching the filter, most recent activity
// first.
func (s *Store) ListSessions(ctx context.Context, filter store.SessionFilter) ([]*store.Session, error) {
	query := `SELECT id, user, status, started_at, last_activity, total_messages, total_tokens, estimated_cost
	          FROM sessions`

	var conditions []string
	var args []any
	if filter.User != "" {
		conditions = append(conditions, "user = ?")
		args = append(args, filter.User)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.NotStatus != "" {
		conditions = append(conditions, "status != ?")
		args = append(args, string(filter.NotStatus))
	}
	if !filter.LastActivityBefore.IsZero() {
		conditions = append(conditions, "last_activity < ?")
		args = append(args, filter.LastActivityBefore)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY last_activity DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*store.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// AppendMessage inserts a message, assigning an id when empty.
func (s *Store) AppendMessage(ctx context.Context, message *store.Message) error {
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, tool_calls, tool_call_id, name, token_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		message.ID, message.SessionID, message.Role, message.Content,
		nullString(message.ToolCalls), nullString(message.ToolCallID), nullString(message.Name),
		message.TokenCount, message.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// ListMessages returns a session's messages in insertion order.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]*store.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, tool_calls, tool_call_id, name, token_count, created_at
		 FROM messages WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []*store.Message
	for rows.Next() {
		var m store.Message
		var toolCalls, toolCallID, name sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content,
			&toolCalls, &toolCallID, &name, &m.TokenCount, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.ToolCalls = toolCalls.String
		m.ToolCallID = toolCallID.String
		m.Name = name.String
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

// DeleteMessages removes all messages for a session.
func (s *Store) DeleteMessages(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	return nil
}

// SumTokensSince returns the total tokens recorded against a user's
// sessions with activity at or after the given instant.
func (s *Store) SumTokensSince(ctx context.Context, user string, since time.Time) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_tokens), 0) FROM sessions WHERE user = ? AND last_activity >= ?`,
		user, since)

	var total int
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum tokens: %w", err)
	}
	return total, nil
}

// GetToken returns the OAuth record for a user.
func (s *Store) GetToken(ctx context.Context, user string) (*store.Token, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user, access_token, refresh_token, expires_at FROM tokens WHERE user = ?`, user)

	var t store.Token
	err := row.Scan(&t.User, &t.AccessToken, &t.RefreshToken, &t.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "token", ID: user}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query token: %w", err)
	}
	return &t, nil
}

// PutToken inserts or replaces the OAuth record for a user.
func (s *Store) PutToken(ctx context.Context, token *store.Token) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (user, access_token, refresh_token, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user) DO UPDATE SET access_token = excluded.access_token,
		 refresh_token = excluded.refresh_token, expires_at = excluded.expires_at`,
		token.User, token.AccessToken, token.RefreshToken, token.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert token: %w", err)
	}
	return nil
}

// DeleteToken removes the OAuth record for a user.
func (s *Store) DeleteToken(ctx context.Context, user string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE user = ?`, user); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// scanner abstracts sql.Row and sql.Rows for scanSession.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*store.Session, error) {
	var session store.Session
	var status string
	if err := row.Scan(&session.ID, &session.User, &status,
		&session.StartedAt, &session.LastActivity,
		&session.TotalMessages, &session.TotalTokens, &session.EstimatedCost); err != nil {
		return nil, err
	}
	session.Status = store.SessionStatus(status)
	return &session, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
