// Package engine implements the task orchestration core: graph scheduling,
// per-node turn loops, and tool-call coordination.
package engine

import (
	"context"

	"github.com/loomworks/loom/pkg/models"
)

// TaskStore is the external store of task nodes. The engine mutates node
// status through it but never deletes nodes.
type TaskStore interface {
	// GetRootTask returns the root of the session's task tree, or nil if
	// no root exists yet.
	GetRootTask(ctx context.Context) (*models.TaskNode, error)
	// GetAllTasks returns every node known to the store.
	GetAllTasks(ctx context.Context) ([]*models.TaskNode, error)
	// GetTask returns a single node by id, or nil if not found.
	GetTask(ctx context.Context, id string) (*models.TaskNode, error)
	// GetSubtasks returns the direct children of a node.
	GetSubtasks(ctx context.Context, id string) ([]*models.TaskNode, error)
	// CreateSubtask creates a child node under the given parent.
	CreateSubtask(ctx context.Context, parentID string, node *models.TaskNode) (*models.TaskNode, error)
	// UpdateTaskStatus persists a status change for a node.
	UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error
}

// BuiltMessages is the prompt assembled by the message service for one turn.
type BuiltMessages struct {
	// Messages is the conversation history shaped for the model.
	Messages []models.Message
	// Tools is the tool manifest offered to the model this turn.
	Tools []ToolDefinition
}

// ToolDefinition describes one tool offered to the model.
type ToolDefinition struct {
	// Name is the wire name of the tool.
	Name string
	// Description tells the model what the tool does.
	Description string
	// InputSchema is the JSON schema of the tool's arguments.
	InputSchema map[string]any
}

// MessageService assembles the next prompt from conversation history.
type MessageService interface {
	// BuildMessages returns the messages and tool manifest for the next turn.
	BuildMessages(ctx context.Context, workspace string, capabilities []string) (*BuiltMessages, error)
}

// StreamCallback receives typed events as the model streams a response.
type StreamCallback func(ev StreamEvent)

// ModelService is the language-model boundary. Implementations stream typed
// events to the callback as the response arrives.
type ModelService interface {
	// GetCurrentProvider returns the name of the active provider.
	GetCurrentProvider() string
	// SetProvider switches the active provider by name.
	SetProvider(name string) error
	// CreateMessageWithCallback runs one model call, streaming events to cb.
	CreateMessageWithCallback(ctx context.Context, messages []models.Message, cb StreamCallback, tools []ToolDefinition) error
}

// ToolExecutionService executes a single tool call on behalf of a task.
type ToolExecutionService interface {
	// ExecuteTool runs the named tool with parsed arguments. A returned
	// error is node-local: the engine records it and continues the turn.
	ExecuteTool(ctx context.Context, name string, args map[string]any, taskCtx models.ExecutionContext, taskID string) (string, error)
}

// EventHandler receives events published on the bus.
type EventHandler func(payload any)

// EventBus delivers engine events to local subscribers at least once.
// The engine assumes nothing about the transport behind it.
type EventBus interface {
	// AddHandler subscribes a handler to an event type and returns its id.
	AddHandler(eventType string, handler EventHandler) string
	// RemoveHandler unsubscribes by handler id, reporting whether it existed.
	RemoveHandler(eventType string, handlerID string) bool
	// Emit publishes an event to all handlers of its type.
	Emit(eventType string, payload any)
}

// CheckpointStore persists recoverable node snapshots. Checkpoint ids are
// opaque to the engine.
type CheckpointStore interface {
	// CreateCheckpoint writes a snapshot and returns its id.
	CreateCheckpoint(ctx context.Context, taskID string, state models.CheckpointState, kind string, tags []string) (string, error)
	// ListCheckpoints returns snapshot ids for a task, newest first.
	ListCheckpoints(ctx context.Context, taskID string) ([]string, error)
	// DeleteCheckpoint removes a snapshot by id.
	DeleteCheckpoint(ctx context.Context, id string) error
}

// Conversation is an append-only transcript of role-tagged entries.
type Conversation interface {
	// Append adds an entry to the transcript.
	Append(msg models.Message)
	// Messages returns a copy of the transcript in append order.
	Messages() []models.Message
	// Last returns the most recent entry, or nil if the transcript is empty.
	Last() *models.Message
}
