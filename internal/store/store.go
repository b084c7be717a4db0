package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mtzanidakis/kypseli/internal/config"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

// New opens the database at cfg.Path, creating its directory, and brings the
// schema up to date.
func New(cfg config.StoreConfig) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	// pragmas in the DSN are applied to every pooled connection
	dsn := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// migrations are applied in order. The schema version is kept in
// PRAGMA user_version, so a step never runs twice.
var migrations = []string{
	`CREATE TABLE projects (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		description TEXT,
		path        TEXT,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE swarms (
		id          TEXT PRIMARY KEY,
		project_id  TEXT NOT NULL DEFAULT '',
		name        TEXT NOT NULL,
		status      TEXT NOT NULL,
		snapshot    TEXT NOT NULL,
		created_at  DATETIME NOT NULL,
		updated_at  DATETIME NOT NULL
	)`,
	`CREATE INDEX idx_swarms_project ON swarms(project_id, created_at)`,
	`CREATE INDEX idx_swarms_status ON swarms(status)`,
	`CREATE TABLE tool_configs (
		name        TEXT PRIMARY KEY,
		description TEXT,
		mode        TEXT NOT NULL,
		api_key     BLOB,
		nonce       BLOB,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE scheduled_submissions (
		id           TEXT PRIMARY KEY,
		swarm_id     TEXT NOT NULL,
		name         TEXT NOT NULL,
		schedule     TEXT NOT NULL,
		task         TEXT NOT NULL,
		status       TEXT DEFAULT 'active',
		next_run_at  DATETIME,
		last_run_at  DATETIME,
		last_status  TEXT,
		last_error   TEXT,
		created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX idx_submissions_next_run ON scheduled_submissions(status, next_run_at)`,
	`CREATE TABLE chat_sessions (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		project_id  TEXT REFERENCES projects(id) ON DELETE CASCADE,
		swarm_id    TEXT,
		created_at  DATETIME NOT NULL,
		updated_at  DATETIME NOT NULL
	)`,
	`CREATE INDEX idx_chat_sessions_project ON chat_sessions(project_id, updated_at)`,
	`CREATE TABLE chat_messages (
		id          TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
		role        TEXT NOT NULL,
		content     TEXT NOT NULL,
		metadata    TEXT,
		timestamp   DATETIME NOT NULL
	)`,
	`CREATE INDEX idx_chat_messages_session ON chat_messages(session_id, timestamp)`,
}

func (s *Store) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > len(migrations) {
		return fmt.Errorf("schema version %d is newer than this build (%d)", version, len(migrations))
	}

	for i := version; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		// PRAGMA does not take bind parameters
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	if version < len(migrations) {
		slog.Debug("schema migrated", "from", version, "to", len(migrations))
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}
