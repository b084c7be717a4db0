package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatSession is a conversation about a project, optionally bound to one of
// its swarms.
type ChatSession struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ProjectID string    `json:"project_id,omitempty"`
	SwarmID   string    `json:"swarm_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ChatMessage struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

const sessionColumns = `id, name, project_id, swarm_id, created_at, updated_at`

func scanSession(sc scanner) (*ChatSession, error) {
	cs := &ChatSession{}
	var project, swarmID sql.NullString
	if err := sc.Scan(&cs.ID, &cs.Name, &project, &swarmID, &cs.CreatedAt, &cs.UpdatedAt); err != nil {
		return nil, err
	}
	cs.ProjectID = project.String
	cs.SwarmID = swarmID.String
	return cs, nil
}

// SaveSession upserts a session. Zero timestamps are filled with the current
// time.
func (s *Store) SaveSession(ctx context.Context, cs *ChatSession) error {
	now := time.Now().UTC()
	if cs.CreatedAt.IsZero() {
		cs.CreatedAt = now
	}
	if cs.UpdatedAt.IsZero() {
		cs.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, name, project_id, swarm_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			project_id = excluded.project_id,
			swarm_id = excluded.swarm_id,
			updated_at = excluded.updated_at`,
		cs.ID, cs.Name, nullString(cs.ProjectID), nullString(cs.SwarmID), cs.CreatedAt.UTC(), cs.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*ChatSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM chat_sessions WHERE id = ?`, id)
	cs, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return cs, nil
}

// ListSessions returns the sessions of a project, most recently active
// first. An empty projectID lists every session.
func (s *Store) ListSessions(ctx context.Context, projectID string) ([]ChatSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM chat_sessions`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY updated_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []ChatSession
	for rows.Next() {
		cs, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *cs)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session together with its messages.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddMessage appends a message and bumps the session's activity time. It
// returns ErrNotFound when the session does not exist.
func (s *Store) AddMessage(ctx context.Context, m *ChatMessage) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	var metadata any
	if len(m.Metadata) > 0 {
		metadata = string(m.Metadata)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `UPDATE chat_sessions SET updated_at = MAX(updated_at, ?) WHERE id = ?`,
		m.Timestamp.UTC(), m.SessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO chat_messages (id, session_id, role, content, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			role = excluded.role,
			content = excluded.content,
			metadata = excluded.metadata`,
		m.ID, m.SessionID, m.Role, m.Content, metadata, m.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	return tx.Commit()
}

// ListMessages returns a session's messages oldest first.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, metadata, timestamp
		FROM chat_messages WHERE session_id = ? ORDER BY timestamp, rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []ChatMessage
	for rows.Next() {
		var m ChatMessage
		var metadata sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &metadata, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if metadata.Valid {
			m.Metadata = json.RawMessage(metadata.String)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
