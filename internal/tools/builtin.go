package tools

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/pkg/models"
)

// SubtaskCreator is the slice of the task store the spawn tool needs.
type SubtaskCreator interface {
	CreateSubtask(ctx context.Context, parentID string, node *models.TaskNode) (*models.TaskNode, error)
}

// SpawnSubtaskTool lets the model split work into child task nodes.
type SpawnSubtaskTool struct {
	store SubtaskCreator
}

// NewSpawnSubtaskTool creates the spawn_subtask tool over a task store.
func NewSpawnSubtaskTool(store SubtaskCreator) *SpawnSubtaskTool {
	return &SpawnSubtaskTool{store: store}
}

func (t *SpawnSubtaskTool) Name() string { return "spawn_subtask" }

func (t *SpawnSubtaskTool) Description() string {
	return "Create a child task under the current task. The child runs after this task's turn loop finishes."
}

func (t *SpawnSubtaskTool) InputSchema() map[string]any {
	return map[string]any{
		"description": map[string]any{"type": "string", "description": "What the subtask should accomplish"},
		"mode":        map[string]any{"type": "string", "description": "Execution mode for the subtask (optional)"},
	}
}

// Execute creates a child node under the invoking task.
func (t *SpawnSubtaskTool) Execute(ctx context.Context, args map[string]any, taskCtx models.ExecutionContext, taskID string) (string, error) {
	description, _ := args["description"].(string)
	if description == "" {
		return "", fmt.Errorf("spawn_subtask: description is required")
	}
	mode, _ := args["mode"].(string)

	child, err := t.store.CreateSubtask(ctx, taskID, &models.TaskNode{
		Description: description,
		Mode:        mode,
		Context:     taskCtx,
	})
	if err != nil {
		return "", fmt.Errorf("spawn_subtask: %w", err)
	}
	return fmt.Sprintf("Created subtask %s: %s", child.ID, child.Description), nil
}

// UpdateTodosTool lets the model maintain the task's checklist.
type UpdateTodosTool struct {
	// apply receives the parsed todo list for the task.
	apply func(taskID string, todos []models.Todo) error
}

// NewUpdateTodosTool creates the update_todos tool with an apply callback.
func NewUpdateTodosTool(apply func(taskID string, todos []models.Todo) error) *UpdateTodosTool {
	return &UpdateTodosTool{apply: apply}
}

func (t *UpdateTodosTool) Name() string { return "update_todos" }

func (t *UpdateTodosTool) Description() string {
	return "Replace the current task's todo list with the given items."
}

func (t *UpdateTodosTool) InputSchema() map[string]any {
	return map[string]any{
		"todos": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title":  map[string]any{"type": "string"},
					"status": map[string]any{"type": "string", "enum": []string{"pending", "in_progress", "completed"}},
				},
			},
		},
	}
}

// Execute replaces the task's todo list.
func (t *UpdateTodosTool) Execute(ctx context.Context, args map[string]any, taskCtx models.ExecutionContext, taskID string) (string, error) {
	rawItems, ok := args["todos"].([]any)
	if !ok {
		return "", fmt.Errorf("update_todos: todos list is required")
	}

	todos := make([]models.Todo, 0, len(rawItems))
	for _, raw := range rawItems {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		todo := models.Todo{Status: models.TodoPending}
		if title, ok := item["title"].(string); ok {
			todo.Title = title
		}
		if status, ok := item["status"].(string); ok {
			todo.Status = models.TodoStatus(status)
		}
		todos = append(todos, todo)
	}

	if t.apply != nil {
		if err := t.apply(taskID, todos); err != nil {
			return "", fmt.Errorf("update_todos: %w", err)
		}
	}
	return fmt.Sprintf("Updated todo list (%d items)", len(todos)), nil
}

// EchoTool returns its input; it exists for smoke tests and diagnostics.
type EchoTool struct{}

func (EchoTool) Name() string        { return "echo" }
func (EchoTool) Description() string { return "Return the given text unchanged." }

func (EchoTool) InputSchema() map[string]any {
	return map[string]any{
		"text": map[string]any{"type": "string"},
	}
}

// Execute returns the text argument.
func (EchoTool) Execute(ctx context.Context, args map[string]any, taskCtx models.ExecutionContext, taskID string) (string, error) {
	text, _ := args["text"].(string)
	return text, nil
}
