package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/models"
)

// captureBus records every emitted event for later inspection.
type captureBus struct {
	mu     sync.Mutex
	events []capturedEvent
}

type capturedEvent struct {
	Type    string
	Payload any
}

func newCaptureBus() *captureBus {
	return &captureBus{}
}

func (b *captureBus) AddHandler(eventType string, handler EventHandler) string { return "" }
func (b *captureBus) RemoveHandler(eventType string, handlerID string) bool    { return false }

func (b *captureBus) Emit(eventType string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, capturedEvent{Type: eventType, Payload: payload})
}

func (b *captureBus) byType(eventType string) []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []any
	for _, ev := range b.events {
		if ev.Type == eventType {
			out = append(out, ev.Payload)
		}
	}
	return out
}

// memConv is an in-memory Conversation.
type memConv struct {
	mu      sync.Mutex
	entries []models.Message
}

func (c *memConv) Append(msg models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, msg)
}

func (c *memConv) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Message(nil), c.entries...)
}

func (c *memConv) Last() *models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return nil
	}
	last := c.entries[len(c.entries)-1]
	return &last
}

// toolFunc adapts a function to ToolExecutionService.
type toolFunc func(ctx context.Context, name string, args map[string]any, taskCtx models.ExecutionContext, taskID string) (string, error)

func (f toolFunc) ExecuteTool(ctx context.Context, name string, args map[string]any, taskCtx models.ExecutionContext, taskID string) (string, error) {
	return f(ctx, name, args, taskCtx, taskID)
}

// recordingTools records dispatched tool names and returns a fixed result.
type recordingTools struct {
	mu    sync.Mutex
	names []string
	fn    toolFunc
}

func (r *recordingTools) ExecuteTool(ctx context.Context, name string, args map[string]any, taskCtx models.ExecutionContext, taskID string) (string, error) {
	r.mu.Lock()
	r.names = append(r.names, name)
	r.mu.Unlock()
	if r.fn != nil {
		return r.fn(ctx, name, args, taskCtx, taskID)
	}
	return "ok", nil
}

func (r *recordingTools) dispatched() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

// modelTurn scripts one model call.
type modelTurn func(ctx context.Context, cb StreamCallback) error

// scriptedModel replays scripted turns in order. Calls past the script
// replay the final turn.
type scriptedModel struct {
	mu    sync.Mutex
	turns []modelTurn
	calls int
}

func (m *scriptedModel) GetCurrentProvider() string   { return "scripted" }
func (m *scriptedModel) SetProvider(name string) error { return nil }

func (m *scriptedModel) CreateMessageWithCallback(ctx context.Context, messages []models.Message, cb StreamCallback, tools []ToolDefinition) error {
	m.mu.Lock()
	i := m.calls
	m.calls++
	if i >= len(m.turns) {
		i = len(m.turns) - 1
	}
	turn := m.turns[i]
	m.mu.Unlock()

	if turn == nil {
		return fmt.Errorf("no scripted turn")
	}
	return turn(ctx, cb)
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// completionTurn scripts a turn that signals attempt_completion.
func completionTurn(result string) modelTurn {
	return func(ctx context.Context, cb StreamCallback) error {
		cb(TurnComplete{
			Content: result,
			ToolCalls: []models.ToolCallRecord{
				{CallID: "call-done", Name: ToolAttemptCompletion, Arguments: []byte(`{"result":"done"}`)},
			},
		})
		return nil
	}
}

// textTurn scripts a turn that answers with plain text and no tool calls.
func textTurn(content string) modelTurn {
	return func(ctx context.Context, cb StreamCallback) error {
		cb(ContentChunk{Text: content})
		cb(TurnComplete{Content: content})
		return nil
	}
}

// toolTurn scripts a turn that invokes one ordinary tool.
func toolTurn(callID, name string) modelTurn {
	return func(ctx context.Context, cb StreamCallback) error {
		cb(TurnComplete{
			ToolCalls: []models.ToolCallRecord{
				{CallID: callID, Name: name, Arguments: []byte(`{}`)},
			},
		})
		return nil
	}
}

// blockingTurn scripts a turn that waits for cancellation.
func blockingTurn() modelTurn {
	return func(ctx context.Context, cb StreamCallback) error {
		<-ctx.Done()
		return ctx.Err()
	}
}

// memCheckpoints records snapshots in memory.
type memCheckpoints struct {
	mu     sync.Mutex
	nextID int
	kinds  []string
	byTask map[string][]string
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{byTask: make(map[string][]string)}
}

func (s *memCheckpoints) CreateCheckpoint(ctx context.Context, taskID string, state models.CheckpointState, kind string, tags []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprintf("cp-%d", s.nextID)
	s.kinds = append(s.kinds, kind)
	s.byTask[taskID] = append(s.byTask[taskID], id)
	return id, nil
}

func (s *memCheckpoints) ListCheckpoints(ctx context.Context, taskID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := append([]string(nil), s.byTask[taskID]...)
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids, nil
}

func (s *memCheckpoints) DeleteCheckpoint(ctx context.Context, id string) error { return nil }

func (s *memCheckpoints) count(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byTask[taskID])
}

func (s *memCheckpoints) kindList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.kinds...)
}

// convMessages builds prompts straight from the transcript.
type convMessages struct {
	conv Conversation
}

func (m convMessages) BuildMessages(ctx context.Context, workspace string, capabilities []string) (*BuiltMessages, error) {
	return &BuiltMessages{Messages: m.conv.Messages()}, nil
}

// testNode creates a minimal pending task node.
func testNode(id, description string) *models.TaskNode {
	return &models.TaskNode{
		ID:          id,
		Description: description,
		Status:      models.TaskStatusPending,
		CreatedAt:   time.Now(),
	}
}

// newTestRunner wires a Runner over scripted collaborators.
func newTestRunner(node *models.TaskNode, model *scriptedModel, tools ToolExecutionService, cfg RunnerConfig) (*Runner, *captureBus, *memConv, *memCheckpoints, error) {
	bus := newCaptureBus()
	conv := &memConv{}
	checkpoints := newMemCheckpoints()

	if tools == nil {
		tools = toolFunc(func(ctx context.Context, name string, args map[string]any, taskCtx models.ExecutionContext, taskID string) (string, error) {
			return "ok", nil
		})
	}

	coord, err := NewCoordinator(CoordinatorConfig{
		TaskID:       node.ID,
		TaskContext:  node.Context,
		Tools:        tools,
		Conversation: conv,
		Bus:          bus,
	})
	if err != nil {
		return nil, nil, nil, nil, err
	}

	cfg.Node = node
	cfg.Messages = convMessages{conv: conv}
	cfg.Model = model
	cfg.Coordinator = coord
	cfg.Checkpoints = checkpoints
	cfg.Conversation = conv
	cfg.Bus = bus
	if cfg.LoopDelay == 0 {
		cfg.LoopDelay = time.Millisecond
	}

	runner, err := NewRunner(cfg)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return runner, bus, conv, checkpoints, nil
}
