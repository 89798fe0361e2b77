package models

import (
	"encoding/json"
	"testing"
)

func TestTaskStatusValid(t *testing.T) {
	valid := []TaskStatus{
		TaskStatusPending, TaskStatusRunning, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusAborted, TaskStatusResumable,
	}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("Valid(%s) = false, want true", s)
		}
	}
	if TaskStatus("bogus").Valid() {
		t.Error("Valid(bogus) = true, want false")
	}
	if TaskStatus("").Valid() {
		t.Error("Valid(empty) = true, want false")
	}
}

func TestTaskStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status TaskStatus
		want   bool
	}{
		{TaskStatusPending, false},
		{TaskStatusRunning, false},
		{TaskStatusResumable, false},
		{TaskStatusCompleted, true},
		{TaskStatusFailed, true},
		{TaskStatusAborted, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.want {
			t.Errorf("IsTerminal(%s) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestHasUnresolvedWork(t *testing.T) {
	tests := []struct {
		name string
		node TaskNode
		want bool
	}{
		{"leaf", TaskNode{}, false},
		{"flat children", TaskNode{ChildIDs: []string{"c1"}}, true},
		{"subgraph", TaskNode{SubGraphRootID: "sub"}, true},
		{"both", TaskNode{ChildIDs: []string{"c1"}, SubGraphRootID: "sub"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.node.HasUnresolvedWork(); got != tt.want {
				t.Errorf("HasUnresolvedWork() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMessageHasToolCalls(t *testing.T) {
	plain := Message{Role: RoleAssistant, Content: "done"}
	if plain.HasToolCalls() {
		t.Error("HasToolCalls() = true for plain message")
	}

	withCalls := Message{
		Role:      RoleAssistant,
		ToolCalls: []ToolCallRecord{{CallID: "c1", Name: "echo", Arguments: json.RawMessage(`{}`)}},
	}
	if !withCalls.HasToolCalls() {
		t.Error("HasToolCalls() = false for message with calls")
	}
}
