package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mtzanidakis/kypseli/internal/swarm"
)

// SaveSwarm upserts the full snapshot of a swarm. The name, project and
// status columns mirror the snapshot so listings don't need to decode it.
func (s *Store) SaveSwarm(ctx context.Context, sw *swarm.Swarm) error {
	snapshot, err := json.Marshal(sw)
	if err != nil {
		return fmt.Errorf("marshal swarm %s: %w", sw.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO swarms (id, project_id, name, status, snapshot, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			name = excluded.name,
			status = excluded.status,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at`,
		sw.ID, sw.ProjectID, sw.Name, string(sw.Status), string(snapshot), sw.CreatedAt, sw.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save swarm: %w", err)
	}
	return nil
}

// LoadSwarms decodes every stored snapshot, oldest first.
func (s *Store) LoadSwarms(ctx context.Context) ([]swarm.Swarm, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, snapshot FROM swarms ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("load swarms: %w", err)
	}
	defer rows.Close()

	var swarms []swarm.Swarm
	for rows.Next() {
		var id, snapshot string
		if err := rows.Scan(&id, &snapshot); err != nil {
			return nil, fmt.Errorf("scan swarm: %w", err)
		}
		var sw swarm.Swarm
		if err := json.Unmarshal([]byte(snapshot), &sw); err != nil {
			return nil, fmt.Errorf("decode swarm %s: %w", id, err)
		}
		swarms = append(swarms, sw)
	}
	return swarms, rows.Err()
}

func (s *Store) DeleteSwarm(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_submissions WHERE swarm_id = ?`, id); err != nil {
		return fmt.Errorf("delete swarm submissions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM swarms WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete swarm: %w", err)
	}
	return tx.Commit()
}

// SwarmStatusCounts returns how many stored swarms are in each status.
func (s *Store) SwarmStatusCounts(ctx context.Context) (map[swarm.SwarmStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM swarms GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count swarms: %w", err)
	}
	defer rows.Close()

	counts := make(map[swarm.SwarmStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[swarm.SwarmStatus(status)] = n
	}
	return counts, rows.Err()
}
