// Package prompt assembles the per-turn prompt from the conversation
// transcript and the tool registry. It implements the engine's
// MessageService port.
package prompt

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/pkg/models"
)

// ToolManifest describes the tools offered to the model each turn.
type ToolManifest interface {
	// Definitions returns the tool schemas for the given capability set.
	Definitions(capabilities []string) []engine.ToolDefinition
}

// Builder assembles messages for the next turn: a system prompt derived
// from the task, followed by the transcript so far.
type Builder struct {
	conv     engine.Conversation
	manifest ToolManifest
	node     *models.TaskNode
}

// NewBuilder creates a Builder for one task node.
func NewBuilder(node *models.TaskNode, conv engine.Conversation, manifest ToolManifest) *Builder {
	return &Builder{conv: conv, manifest: manifest, node: node}
}

// BuildMessages returns the system prompt, the transcript, and the tool
// manifest for the next turn. The first turn seeds the transcript with the
// task description as the user request.
func (b *Builder) BuildMessages(ctx context.Context, workspace string, capabilities []string) (*engine.BuiltMessages, error) {
	history := b.conv.Messages()
	if len(history) == 0 {
		b.conv.Append(models.Message{
			Role:    models.RoleUser,
			Content: b.node.Description,
		})
		history = b.conv.Messages()
	}

	messages := make([]models.Message, 0, len(history)+1)
	messages = append(messages, models.Message{
		Role:    models.RoleSystem,
		Content: b.systemPrompt(workspace),
	})
	messages = append(messages, history...)

	var tools []engine.ToolDefinition
	if b.manifest != nil {
		tools = b.manifest.Definitions(capabilities)
	}

	return &engine.BuiltMessages{Messages: messages, Tools: tools}, nil
}

// systemPrompt renders the standing instructions for the node's mode.
func (b *Builder) systemPrompt(workspace string) string {
	var sb strings.Builder

	sb.WriteString("You are an autonomous coding agent working on one task at a time.\n")
	if workspace != "" {
		fmt.Fprintf(&sb, "Your workspace is %s.\n", workspace)
	}
	if b.node.Mode != "" {
		fmt.Fprintf(&sb, "You are operating in %s mode.\n", b.node.Mode)
	}
	sb.WriteString("\nWhen the task is done, call attempt_completion with a summary of the result.\n")
	sb.WriteString("If you need a decision from the user, call ask_followup_question with 2-4 concrete suggestions.\n")

	if len(b.node.Todos) > 0 {
		sb.WriteString("\nCurrent todo list:\n")
		for _, todo := range b.node.Todos {
			fmt.Fprintf(&sb, "- [%s] %s\n", todo.Status, todo.Title)
		}
	}

	return sb.String()
}

// StaticManifest is a fixed tool manifest plus the reserved control tools.
type StaticManifest struct {
	// Tools is the list of ordinary tool definitions.
	Tools []engine.ToolDefinition
}

// Definitions returns the manifest's tools plus attempt_completion and,
// when the capability set allows questions, ask_followup_question.
func (m *StaticManifest) Definitions(capabilities []string) []engine.ToolDefinition {
	out := append([]engine.ToolDefinition(nil), m.Tools...)

	out = append(out, engine.ToolDefinition{
		Name:        engine.ToolAttemptCompletion,
		Description: "Signal that the task is complete, with a summary of the result.",
		InputSchema: map[string]any{
			"result": map[string]any{"type": "string", "description": "Summary of what was accomplished"},
		},
	})

	if hasCapability(capabilities, "questions") {
		out = append(out, engine.ToolDefinition{
			Name:        engine.ToolAskFollowupQuestion,
			Description: "Ask the user a question and wait for the answer. Provide 2-4 suggested answers.",
			InputSchema: map[string]any{
				"question":    map[string]any{"type": "string", "description": "The question to ask"},
				"suggestions": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
		})
	}

	return out
}

func hasCapability(capabilities []string, want string) bool {
	for _, c := range capabilities {
		if c == want {
			return true
		}
	}
	return false
}
