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

// TaskStore persists task nodes in the SQLite database. It implements the
// engine's TaskStore port. The root node is the single task with no parent.
type TaskStore struct {
	db *DB
}

// NewTaskStore creates a TaskStore over an open database.
func NewTaskStore(db *DB) *TaskStore {
	return &TaskStore{db: db}
}

// CreateRootTask creates the root node for a session from a user request.
func (s *TaskStore) CreateRootTask(ctx context.Context, node *models.TaskNode) (*models.TaskNode, error) {
	if node.ID == "" {
		node.ID = uuid.New().String()
	}
	if node.Status == "" {
		node.Status = models.TaskStatusPending
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now()
	}
	if err := s.insert(ctx, node); err != nil {
		return nil, err
	}
	return node, nil
}

// GetRootTask returns the parentless node, or nil if none exists.
func (s *TaskStore) GetRootTask(ctx context.Context) (*models.TaskNode, error) {
	row := s.db.conn.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE parent_id IS NULL OR parent_id = '' ORDER BY created_at LIMIT 1`)
	node, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return node, err
}

// GetAllTasks returns every node in creation order.
func (s *TaskStore) GetAllTasks(ctx context.Context) ([]*models.TaskNode, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.TaskNode
	for rows.Next() {
		node, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, node)
	}
	return tasks, rows.Err()
}

// GetTask returns a node by id, or nil if not found.
func (s *TaskStore) GetTask(ctx context.Context, id string) (*models.TaskNode, error) {
	row := s.db.conn.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	node, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return node, err
}

// GetSubtasks returns the direct children of a node in creation order.
func (s *TaskStore) GetSubtasks(ctx context.Context, id string) ([]*models.TaskNode, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE parent_id = ? ORDER BY created_at`, id)
	if err != nil {
		return nil, fmt.Errorf("query subtasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.TaskNode
	for rows.Next() {
		node, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, node)
	}
	return tasks, rows.Err()
}

// CreateSubtask creates a child node under the given parent and appends it
// to the parent's child list.
func (s *TaskStore) CreateSubtask(ctx context.Context, parentID string, node *models.TaskNode) (*models.TaskNode, error) {
	parent, err := s.GetTask(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, fmt.Errorf("parent task %s not found", parentID)
	}

	if node.ID == "" {
		node.ID = uuid.New().String()
	}
	node.ParentID = parentID
	if node.Status == "" {
		node.Status = models.TaskStatusPending
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now()
	}

	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	if err := s.insertLocked(ctx, node); err != nil {
		return nil, err
	}

	parent.ChildIDs = append(parent.ChildIDs, node.ID)
	childIDs, _ := json.Marshal(parent.ChildIDs)
	if _, err := s.db.conn.ExecContext(ctx,
		`UPDATE tasks SET child_ids = ? WHERE id = ?`, string(childIDs), parentID); err != nil {
		return nil, fmt.Errorf("update parent children: %w", err)
	}

	return node, nil
}

// UpdateTaskStatus persists a status change, stamping completion time for
// terminal statuses.
func (s *TaskStore) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}

	if status.IsTerminal() {
		_, err := s.db.conn.ExecContext(ctx,
			`UPDATE tasks SET status = ?, completed_at = ? WHERE id = ?`, string(status), time.Now(), id)
		return err
	}
	_, err := s.db.conn.ExecContext(ctx,
		`UPDATE tasks SET status = ? WHERE id = ?`, string(status), id)
	return err
}

const taskColumns = `id, parent_id, child_ids, subgraph_root_id, description, mode, status, todos, context, created_at, completed_at, error`

func (s *TaskStore) insert(ctx context.Context, node *models.TaskNode) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return s.insertLocked(ctx, node)
}

func (s *TaskStore) insertLocked(ctx context.Context, node *models.TaskNode) error {
	childIDs, _ := json.Marshal(node.ChildIDs)
	todos, _ := json.Marshal(node.Todos)
	taskCtx, _ := json.Marshal(node.Context)

	var parentID any
	if node.ParentID != "" {
		parentID = node.ParentID
	}

	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO tasks (id, parent_id, child_ids, subgraph_root_id, description, mode, status, todos, context, created_at, completed_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		node.ID, parentID, string(childIDs), node.SubGraphRootID, node.Description,
		node.Mode, string(node.Status), string(todos), string(taskCtx),
		node.CreatedAt, node.CompletedAt, node.Error)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", node.ID, err)
	}
	return nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.TaskNode, error) {
	var node models.TaskNode
	var parentID sql.NullString
	var childIDs, todos, taskCtx string
	var completedAt sql.NullTime

	err := row.Scan(&node.ID, &parentID, &childIDs, &node.SubGraphRootID,
		&node.Description, &node.Mode, (*string)(&node.Status), &todos,
		&taskCtx, &node.CreatedAt, &completedAt, &node.Error)
	if err != nil {
		return nil, err
	}

	if parentID.Valid {
		node.ParentID = parentID.String
	}
	if completedAt.Valid {
		node.CompletedAt = &completedAt.Time
	}
	if err := json.Unmarshal([]byte(childIDs), &node.ChildIDs); err != nil {
		return nil, fmt.Errorf("decode child ids for %s: %w", node.ID, err)
	}
	if err := json.Unmarshal([]byte(todos), &node.Todos); err != nil {
		return nil, fmt.Errorf("decode todos for %s: %w", node.ID, err)
	}
	if err := json.Unmarshal([]byte(taskCtx), &node.Context); err != nil {
		return nil, fmt.Errorf("decode context for %s: %w", node.ID, err)
	}
	return &node, nil
}
