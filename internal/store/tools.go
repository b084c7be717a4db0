package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ToolConfig is the persisted side of an AI tool definition. The API key is
// kept sealed; APIKey and Nonce are the vault ciphertext and nonce.
type ToolConfig struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Mode        string    `json:"mode"`
	APIKey      []byte    `json:"-"`
	Nonce       []byte    `json:"-"`
	HasAPIKey   bool      `json:"has_api_key"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const toolColumns = `name, description, mode, api_key, nonce, created_at, updated_at`

func scanTool(sc scanner) (*ToolConfig, error) {
	t := &ToolConfig{}
	var desc sql.NullString
	if err := sc.Scan(&t.Name, &desc, &t.Mode, &t.APIKey, &t.Nonce, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Description = desc.String
	t.HasAPIKey = len(t.APIKey) > 0
	return t, nil
}

// SaveToolConfig upserts a tool. A nil APIKey keeps the stored key.
func (s *Store) SaveToolConfig(ctx context.Context, t *ToolConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_configs (name, description, mode, api_key, nonce)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			mode = excluded.mode,
			api_key = COALESCE(excluded.api_key, api_key),
			nonce = COALESCE(excluded.nonce, nonce),
			updated_at = CURRENT_TIMESTAMP`,
		t.Name, t.Description, t.Mode, nullBlob(t.APIKey), nullBlob(t.Nonce))
	if err != nil {
		return fmt.Errorf("save tool config: %w", err)
	}
	return nil
}

// ClearToolAPIKey forgets the sealed key of a tool.
func (s *Store) ClearToolAPIKey(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tool_configs SET api_key = NULL, nonce = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("clear tool key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetToolConfig(ctx context.Context, name string) (*ToolConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+toolColumns+` FROM tool_configs WHERE name = ?`, name)
	t, err := scanTool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tool config: %w", err)
	}
	return t, nil
}

func (s *Store) ListToolConfigs(ctx context.Context) ([]ToolConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+toolColumns+` FROM tool_configs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tool configs: %w", err)
	}
	defer rows.Close()

	var tools []ToolConfig
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tool config: %w", err)
		}
		tools = append(tools, *t)
	}
	return tools, rows.Err()
}

// DeleteToolConfigsNotIn removes every tool whose name is not listed.
func (s *Store) DeleteToolConfigsNotIn(ctx context.Context, names []string) error {
	if len(names) == 0 {
		_, err := s.db.ExecContext(ctx, `DELETE FROM tool_configs`)
		return err
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(names)), ",")
	args := make([]any, len(names))
	for i, n := range names {
		args[i] = n
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM tool_configs WHERE name NOT IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("delete stale tools: %w", err)
	}
	return nil
}

func nullBlob(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
