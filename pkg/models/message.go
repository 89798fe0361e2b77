package models

import (
	"encoding/json"
	"time"
)

// Role identifies who produced a transcript entry.
type Role string

const (
	// RoleUser marks input from the human user.
	RoleUser Role = "user"
	// RoleAssistant marks model output.
	RoleAssistant Role = "assistant"
	// RoleTool marks a tool execution result.
	RoleTool Role = "tool"
	// RoleSystem marks system-injected context.
	RoleSystem Role = "system"
)

// ToolCallRecord is one tool invocation the model requested inside a turn.
// The argument payload is opaque to the engine; it is parsed by the tool
// implementation.
type ToolCallRecord struct {
	// CallID is the stable identity of this call within its turn.
	CallID string `json:"call_id"`
	// Name is the tool being invoked.
	Name string `json:"name"`
	// Arguments is the raw argument payload as emitted by the model.
	Arguments json.RawMessage `json:"arguments,omitempty"`
	// Turn is the turn index this call belongs to.
	Turn int `json:"turn"`
}

// Message is one role-tagged entry in a conversation transcript.
type Message struct {
	// Role identifies the producer of this entry.
	Role Role `json:"role"`
	// Content is the textual payload.
	Content string `json:"content,omitempty"`
	// ToolCalls lists tool invocations carried by this entry, if any.
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
	// ToolCallID links a tool-result entry back to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// ToolName names the tool that produced a tool-result entry.
	ToolName string `json:"tool_name,omitempty"`
	// Timestamp is when the entry was appended.
	Timestamp time.Time `json:"timestamp"`
}

// HasToolCalls returns true if the entry carries at least one tool call.
func (m *Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}
