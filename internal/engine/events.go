package engine

import (
	"time"

	"github.com/loomworks/loom/pkg/models"
)

// StreamEvent is one typed event streamed by the model service during a turn.
// The set of implementations is closed; translation code switches over all of
// them.
type StreamEvent interface {
	streamEvent()
}

// ContentChunk carries a fragment of assistant text.
type ContentChunk struct {
	Text string
}

// ReasoningChunk carries a fragment of the model's thinking output.
type ReasoningChunk struct {
	Text string
}

// UsageStats carries token accounting for the turn so far.
type UsageStats struct {
	InputTokens  int64
	OutputTokens int64
}

// ToolCallDetected signals that the stream contains a complete tool call.
type ToolCallDetected struct {
	Call models.ToolCallRecord
}

// TurnComplete signals the end of a model turn, carrying the assembled
// assistant message and every tool call the model emitted, in order.
type TurnComplete struct {
	Content   string
	ToolCalls []models.ToolCallRecord
}

// StreamError signals a provider-side failure mid-stream.
type StreamError struct {
	Err         error
	RateLimited bool
}

func (ContentChunk) streamEvent()     {}
func (ReasoningChunk) streamEvent()   {}
func (UsageStats) streamEvent()       {}
func (ToolCallDetected) streamEvent() {}
func (TurnComplete) streamEvent()     {}
func (StreamError) streamEvent()      {}

// Bus event types emitted by the engine. Payloads are the structs below.
const (
	// EventGraphCompleted fires once per RunGraph with the final status.
	EventGraphCompleted = "graph_completed"
	// EventTaskStarted fires when a node begins running.
	EventTaskStarted = "task_started"
	// EventTaskCompleted fires when a node settles in a terminal status.
	EventTaskCompleted = "task_completed"
	// EventTurnComplete fires when a node finishes one model turn.
	EventTurnComplete = "turn_complete"
	// EventToolCallStart fires before a tool call executes.
	EventToolCallStart = "tool_call_start"
	// EventToolCallProgress fires while a tool call is in flight.
	EventToolCallProgress = "tool_call_progress"
	// EventToolCallResult fires when a tool call settles.
	EventToolCallResult = "tool_call_result"
	// EventQuestionAsked fires when a turn suspends awaiting a human answer.
	EventQuestionAsked = "question_asked"
	// EventTaskError fires on recoverable and terminal node errors.
	EventTaskError = "task_error"
)

// GraphCompletedEvent is the payload for EventGraphCompleted.
type GraphCompletedEvent struct {
	SessionID string
	Status    models.TaskStatus
	Timestamp time.Time
}

// TaskEvent is the payload for task lifecycle events.
type TaskEvent struct {
	TaskID    string
	Status    models.TaskStatus
	Message   string
	Timestamp time.Time
}

// ToolCallEvent is the payload for tool-call lifecycle events.
type ToolCallEvent struct {
	TaskID    string
	CallID    string
	ToolName  string
	Result    string
	IsError   bool
	Timestamp time.Time
}

// QuestionEvent is the payload for EventQuestionAsked.
type QuestionEvent struct {
	TaskID      string
	CallID      string
	Question    string
	Suggestions []string
	Timestamp   time.Time
}

// TaskErrorEvent is the payload for EventTaskError. Code is machine-readable;
// Message is what a UI shows the user.
type TaskErrorEvent struct {
	TaskID      string
	Code        string
	Message     string
	Recoverable bool
	Timestamp   time.Time
}
