package models

import "time"

// TaskStatus represents the current state of a task node.
type TaskStatus string

const (
	// TaskStatusPending indicates the node has not started.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusRunning indicates the node is being worked on.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted indicates the node completed successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the node failed.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusAborted indicates the node was cancelled before it could finish.
	TaskStatusAborted TaskStatus = "aborted"
	// TaskStatusResumable indicates the node was suspended with recoverable state.
	TaskStatusResumable TaskStatus = "resumable"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusAborted, TaskStatusResumable:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the status can no longer change.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusAborted:
		return true
	default:
		return false
	}
}

// TodoStatus represents the state of a single todo item.
type TodoStatus string

const (
	// TodoPending indicates the todo has not been started.
	TodoPending TodoStatus = "pending"
	// TodoInProgress indicates the todo is being worked on.
	TodoInProgress TodoStatus = "in_progress"
	// TodoCompleted indicates the todo is done.
	TodoCompleted TodoStatus = "completed"
)

// Todo is a single checklist item attached to a task node.
type Todo struct {
	// Title is the short description of the item.
	Title string `json:"title"`
	// Status is the current state of the item.
	Status TodoStatus `json:"status"`
	// Metadata holds free-form details about the item.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ExecutionContext carries the ambient state a task node executes under.
type ExecutionContext struct {
	// SessionID identifies the user session this node belongs to.
	SessionID string `json:"session_id"`
	// Workspace is the path the node's tools operate in.
	Workspace string `json:"workspace,omitempty"`
	// Metadata holds arbitrary key/value context for tools and prompts.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TaskNode is one unit of work in the task tree.
// A node may own flat children, a nested sub-graph (referenced by the id of
// its root node), or neither.
type TaskNode struct {
	// ID is the unique identifier for this node.
	ID string `json:"id"`
	// ParentID is the ID of the parent node, if any.
	ParentID string `json:"parent_id,omitempty"`
	// ChildIDs lists this node's direct children in creation order.
	ChildIDs []string `json:"child_ids,omitempty"`
	// SubGraphRootID points at the root of a subordinate tree this node
	// owns instead of (or in addition to) flat children.
	SubGraphRootID string `json:"subgraph_root_id,omitempty"`
	// Description is the human-readable statement of the work.
	Description string `json:"description"`
	// Mode is a tag selecting model behavior (e.g. "orchestrator", "ask").
	Mode string `json:"mode,omitempty"`
	// Status is the current state of the node. Transitions are monotonic
	// toward a terminal state.
	Status TaskStatus `json:"status"`
	// Todos is the node's checklist.
	Todos []Todo `json:"todos,omitempty"`
	// Context is the execution context for this node.
	Context ExecutionContext `json:"context"`
	// CreatedAt is when the node was created.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is when the node reached a terminal state, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Error contains the failure message if the node failed.
	Error string `json:"error,omitempty"`
}

// HasUnresolvedWork returns true if the node still owns children or a
// sub-graph whose outcomes must fold into its own.
func (t *TaskNode) HasUnresolvedWork() bool {
	return len(t.ChildIDs) > 0 || t.SubGraphRootID != ""
}

// CheckpointState is the snapshot written through the checkpoint store after
// every turn and on suspension. The engine owns when to write one, not how it
// is stored.
type CheckpointState struct {
	// NodeID is the task node the snapshot belongs to.
	NodeID string `json:"node_id"`
	// Status is the node status at snapshot time.
	Status TaskStatus `json:"status"`
	// Mode is the node's execution mode.
	Mode string `json:"mode,omitempty"`
	// Todos is the node's checklist at snapshot time.
	Todos []Todo `json:"todos,omitempty"`
	// TranscriptRef identifies the conversation transcript for recovery.
	TranscriptRef string `json:"transcript_ref,omitempty"`
	// Timestamp is when the snapshot was taken.
	Timestamp time.Time `json:"timestamp"`
}
