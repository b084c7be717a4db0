package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mtzanidakis/kypseli/internal/swarm"
)

// ScheduledSubmission submits Task to a swarm every time Schedule fires.
type ScheduledSubmission struct {
	ID         string         `json:"id"`
	SwarmID    string         `json:"swarm_id"`
	Name       string         `json:"name"`
	Schedule   string         `json:"schedule"`
	Task       swarm.TaskSpec `json:"task"`
	Status     string         `json:"status"`
	NextRunAt  *time.Time     `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time     `json:"last_run_at,omitempty"`
	LastStatus string         `json:"last_status,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

const submissionColumns = `id, swarm_id, name, schedule, task, status, next_run_at, last_run_at, last_status, last_error, created_at`

func scanSubmission(sc scanner) (*ScheduledSubmission, error) {
	s := &ScheduledSubmission{}
	var task string
	var lastStatus, lastError sql.NullString
	err := sc.Scan(&s.ID, &s.SwarmID, &s.Name, &s.Schedule, &task, &s.Status,
		&s.NextRunAt, &s.LastRunAt, &lastStatus, &lastError, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(task), &s.Task); err != nil {
		return nil, fmt.Errorf("decode task of submission %s: %w", s.ID, err)
	}
	s.LastStatus = lastStatus.String
	s.LastError = lastError.String
	return s, nil
}

func (s *Store) SaveSubmission(ctx context.Context, sub *ScheduledSubmission) error {
	task, err := json.Marshal(sub.Task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_submissions (id, swarm_id, name, schedule, task, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			schedule = excluded.schedule,
			task = excluded.task,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		sub.ID, sub.SwarmID, sub.Name, sub.Schedule, string(task), sub.Status, utc(sub.NextRunAt))
	if err != nil {
		return fmt.Errorf("save submission: %w", err)
	}
	return nil
}

func (s *Store) GetSubmission(ctx context.Context, id string) (*ScheduledSubmission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM scheduled_submissions WHERE id = ?`, id)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get submission: %w", err)
	}
	return sub, nil
}

// ListSubmissions returns the submissions of one swarm, or all of them when
// swarmID is empty.
func (s *Store) ListSubmissions(ctx context.Context, swarmID string) ([]ScheduledSubmission, error) {
	query := `SELECT ` + submissionColumns + ` FROM scheduled_submissions`
	var args []any
	if swarmID != "" {
		query += ` WHERE swarm_id = ?`
		args = append(args, swarmID)
	}
	query += ` ORDER BY created_at, id`
	return s.querySubmissions(ctx, query, args...)
}

// GetDueSubmissions returns the active submissions whose next run is at or
// before now.
func (s *Store) GetDueSubmissions(ctx context.Context, now time.Time) ([]ScheduledSubmission, error) {
	return s.querySubmissions(ctx, `
		SELECT `+submissionColumns+` FROM scheduled_submissions
		WHERE status = 'active' AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at`, now.UTC())
}

func (s *Store) querySubmissions(ctx context.Context, query string, args ...any) ([]ScheduledSubmission, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}
	defer rows.Close()

	var subs []ScheduledSubmission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// UpdateSubmissionRun records the outcome of a run. A nil nextRun marks a
// one-shot submission completed.
func (s *Store) UpdateSubmissionRun(ctx context.Context, id, lastStatus, lastError string, nextRun *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_submissions
		SET last_run_at = ?, last_status = ?, last_error = ?, next_run_at = ?,
		    status = CASE WHEN ? IS NULL THEN 'completed' ELSE status END
		WHERE id = ?`,
		time.Now().UTC(), lastStatus, lastError, utc(nextRun), utc(nextRun), id)
	if err != nil {
		return fmt.Errorf("update submission run: %w", err)
	}
	return nil
}

func (s *Store) UpdateSubmissionStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_submissions SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update submission status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteSubmission(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_submissions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete submission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Times are stored in UTC so due checks can compare them as text.
func utc(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
