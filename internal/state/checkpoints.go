package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/models"
)

// CheckpointStore persists node snapshots in the SQLite database. It
// implements the engine's CheckpointStore port; snapshot ids are opaque to
// the engine.
type CheckpointStore struct {
	db *DB
}

// NewCheckpointStore creates a CheckpointStore over an open database.
func NewCheckpointStore(db *DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// CreateCheckpoint writes a snapshot and returns its id.
func (s *CheckpointStore) CreateCheckpoint(ctx context.Context, taskID string, state models.CheckpointState, kind string, tags []string) (string, error) {
	id := uuid.New().String()

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("encode checkpoint state: %w", err)
	}
	tagsJSON, _ := json.Marshal(tags)

	_, err = s.db.conn.ExecContext(ctx, `
		INSERT INTO checkpoints (id, task_id, kind, state, tags, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, taskID, kind, string(stateJSON), string(tagsJSON), time.Now())
	if err != nil {
		return "", fmt.Errorf("insert checkpoint: %w", err)
	}
	return id, nil
}

// ListCheckpoints returns snapshot ids for a task, newest first.
func (s *CheckpointStore) ListCheckpoints(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT id FROM checkpoints WHERE task_id = ? ORDER BY created_at DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetCheckpoint loads a snapshot by id, or nil if not found.
func (s *CheckpointStore) GetCheckpoint(ctx context.Context, id string) (*models.CheckpointState, error) {
	var stateJSON string
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT state FROM checkpoints WHERE id = ?`, id).Scan(&stateJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", id, err)
	}

	var state models.CheckpointState
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", id, err)
	}
	return &state, nil
}

// DeleteCheckpoint removes a snapshot by id.
func (s *CheckpointStore) DeleteCheckpoint(ctx context.Context, id string) error {
	_, err := s.db.conn.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id)
	return err
}
