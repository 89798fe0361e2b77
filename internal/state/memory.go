package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/models"
)

// MemoryTaskStore is an in-memory TaskStore for tests and ephemeral
// sessions. It mirrors the SQLite store's semantics.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*models.TaskNode
	order []string
}

// NewMemoryTaskStore creates an empty in-memory store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]*models.TaskNode)}
}

// Add inserts a node directly, filling in id, status, and creation time.
func (s *MemoryTaskStore) Add(node *models.TaskNode) *models.TaskNode {
	if node.ID == "" {
		node.ID = uuid.New().String()
	}
	if node.Status == "" {
		node.Status = models.TaskStatusPending
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[node.ID] = node
	s.order = append(s.order, node.ID)
	return node
}

// GetRootTask returns the first parentless node, or nil.
func (s *MemoryTaskStore) GetRootTask(ctx context.Context) (*models.TaskNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		if s.tasks[id].ParentID == "" {
			return cloneNode(s.tasks[id]), nil
		}
	}
	return nil, nil
}

// GetAllTasks returns every node in insertion order.
func (s *MemoryTaskStore) GetAllTasks(ctx context.Context) ([]*models.TaskNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.TaskNode, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, cloneNode(s.tasks[id]))
	}
	return out, nil
}

// GetTask returns a node by id, or nil if not found.
func (s *MemoryTaskStore) GetTask(ctx context.Context, id string) (*models.TaskNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if node, ok := s.tasks[id]; ok {
		return cloneNode(node), nil
	}
	return nil, nil
}

// GetSubtasks returns the direct children of a node in insertion order.
func (s *MemoryTaskStore) GetSubtasks(ctx context.Context, id string) ([]*models.TaskNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.TaskNode
	for _, candidate := range s.order {
		if s.tasks[candidate].ParentID == id {
			out = append(out, cloneNode(s.tasks[candidate]))
		}
	}
	return out, nil
}

// CreateSubtask creates a child node under the given parent.
func (s *MemoryTaskStore) CreateSubtask(ctx context.Context, parentID string, node *models.TaskNode) (*models.TaskNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.tasks[parentID]
	if !ok {
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

	s.tasks[node.ID] = node
	s.order = append(s.order, node.ID)
	parent.ChildIDs = append(parent.ChildIDs, node.ID)
	return cloneNode(node), nil
}

// UpdateTaskStatus persists a status change.
func (s *MemoryTaskStore) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	node.Status = status
	if status.IsTerminal() {
		now := time.Now()
		node.CompletedAt = &now
	}
	return nil
}

func cloneNode(n *models.TaskNode) *models.TaskNode {
	out := *n
	out.ChildIDs = append([]string(nil), n.ChildIDs...)
	out.Todos = append([]models.Todo(nil), n.Todos...)
	return &out
}
