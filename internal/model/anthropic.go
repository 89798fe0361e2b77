package model

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/pkg/models"
)

const defaultMaxTokens = 8192

// AnthropicProvider drives Claude through the Anthropic API. Each
// CreateMessage call is one complete model turn; the response blocks are
// translated into the engine's typed stream events.
type AnthropicProvider struct {
	client anthropic.Client
	model  anthropic.Model
}

// AnthropicConfig contains configuration for the Anthropic provider.
type AnthropicConfig struct {
	// APIKey is the Anthropic API key. If empty, ANTHROPIC_API_KEY is used.
	APIKey string
	// Model is the Claude model to use.
	Model anthropic.Model
}

// NewAnthropicProvider creates an Anthropic-backed provider.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
	}

	model := cfg.Model
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}

	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}, nil
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// CreateMessage runs one model turn and streams the response as typed
// events: content and reasoning chunks, tool-call detections, usage, and a
// final turn-complete carrying the assembled message.
func (p *AnthropicProvider) CreateMessage(ctx context.Context, messages []models.Message, cb engine.StreamCallback, tools []engine.ToolDefinition) error {
	system, turns := splitSystem(messages)

	resp, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: defaultMaxTokens,
		System:    system,
		Messages:  turns,
		Tools:     toToolParams(tools),
	})
	if err != nil {
		cb(engine.StreamError{Err: err})
		return err
	}

	cb(engine.UsageStats{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	})

	var content string
	var calls []models.ToolCallRecord

	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			cb(engine.ContentChunk{Text: variant.Text})
			content += variant.Text
		case anthropic.ThinkingBlock:
			cb(engine.ReasoningChunk{Text: variant.Thinking})
		case anthropic.ToolUseBlock:
			call := models.ToolCallRecord{
				CallID:    variant.ID,
				Name:      variant.Name,
				Arguments: json.RawMessage(variant.Input),
			}
			cb(engine.ToolCallDetected{Call: call})
			calls = append(calls, call)
		}
	}

	cb(engine.TurnComplete{Content: content, ToolCalls: calls})
	return nil
}

// splitSystem separates system entries from conversational turns and
// converts the latter into SDK message params.
func splitSystem(messages []models.Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam) {
	var system []anthropic.TextBlockParam
	var turns []anthropic.MessageParam

	for _, m := range messages {
		switch m.Role {
		case models.RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: m.Content})

		case models.RoleUser:
			turns = append(turns, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))

		case models.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, call := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(call.CallID, call.Arguments, call.Name))
			}
			if len(blocks) > 0 {
				turns = append(turns, anthropic.NewAssistantMessage(blocks...))
			}

		case models.RoleTool:
			turns = append(turns, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		}
	}

	return system, turns
}

// toToolParams converts the engine's tool manifest into SDK tool params.
func toToolParams(tools []engine.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: t.InputSchema,
				},
			},
		})
	}
	return out
}
