// Package tools provides the tool-execution service the engine dispatches
// tool calls to. File and shell tooling live outside this repository; the
// registry here covers task-management tools and gives tests a real
// dispatch target.
package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/pkg/models"
)

// Tool is one executable tool.
type Tool interface {
	// Name is the wire name the model invokes the tool by.
	Name() string
	// Description tells the model what the tool does.
	Description() string
	// InputSchema describes the tool's argument properties.
	InputSchema() map[string]any
	// Execute runs the tool with parsed arguments.
	Execute(ctx context.Context, args map[string]any, taskCtx models.ExecutionContext, taskID string) (string, error)
}

// Registry maps tool names to implementations and implements the engine's
// ToolExecutionService port.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any existing tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Definitions returns the schema manifest for every registered tool.
func (r *Registry) Definitions() []engine.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]engine.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, engine.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return defs
}

// ExecuteTool dispatches one call to the named tool.
func (r *Registry) ExecuteTool(ctx context.Context, name string, args map[string]any, taskCtx models.ExecutionContext, taskID string) (string, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	return tool.Execute(ctx, args, taskCtx, taskID)
}
