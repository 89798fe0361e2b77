package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"github.com/loomworks/loom/pkg/models"
)

// Reserved tool names. Neither is ever dispatched to the tool service.
const (
	// ToolAttemptCompletion is the model's signal that the task is done.
	ToolAttemptCompletion = "attempt_completion"
	// ToolAskFollowupQuestion suspends the turn until a human answers.
	ToolAskFollowupQuestion = "ask_followup_question"
)

// defaultAnswerTimeout bounds how long a suspended turn waits for a human
// answer before recording a timeout result.
const defaultAnswerTimeout = 300 * time.Second

// answerTimedOut is the sentinel recorded when the answer deadline expires.
const answerTimedOut = "timeout"

// Coordinator owns the tool-call lifecycle inside a single model turn:
// extraction, dedupe by call identity, exactly-once dispatch, and the
// suspend/resume protocol for human-answer tools.
type Coordinator struct {
	taskID  string
	taskCtx models.ExecutionContext
	tools   ToolExecutionService
	conv    Conversation
	bus     EventBus

	// answerTimeout is the deadline for a suspended followup question.
	answerTimeout time.Duration

	mu sync.Mutex
	// seen is the per-turn dedupe set of call ids.
	seen map[string]struct{}
	// pending maps call id to the single-fulfillment answer signal.
	pending map[string]chan string
	// attemptedCompletion latches once the model signals completion.
	attemptedCompletion bool
	// turn is the current turn index; records delivered through
	// HandleTurnComplete are stamped with it.
	turn int
}

// CoordinatorConfig wires a Coordinator's collaborators.
type CoordinatorConfig struct {
	TaskID        string
	TaskContext   models.ExecutionContext
	Tools         ToolExecutionService
	Conversation  Conversation
	Bus           EventBus
	AnswerTimeout time.Duration
}

// NewCoordinator creates a Coordinator for one task node.
// Tools, Conversation, and Bus are required.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Tools == nil {
		return nil, fmt.Errorf("coordinator: tool execution service is required")
	}
	if cfg.Conversation == nil {
		return nil, fmt.Errorf("coordinator: conversation is required")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("coordinator: event bus is required")
	}

	timeout := cfg.AnswerTimeout
	if timeout <= 0 {
		timeout = defaultAnswerTimeout
	}

	return &Coordinator{
		taskID:        cfg.TaskID,
		taskCtx:       cfg.TaskContext,
		tools:         cfg.Tools,
		conv:          cfg.Conversation,
		bus:           cfg.Bus,
		answerTimeout: timeout,
		seen:          make(map[string]struct{}),
		pending:       make(map[string]chan string),
	}, nil
}

// ResetTurn clears the per-turn dedupe set. The runner calls this at the
// start of every turn.
func (c *Coordinator) ResetTurn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = make(map[string]struct{})
	c.turn++
}

// HasAttemptCompletion reports whether the model has signaled completion for
// this node. The runner's continuation heuristic consults this first.
func (c *Coordinator) HasAttemptCompletion() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attemptedCompletion
}

// HandleTurnComplete processes the tool calls carried by a finished model
// turn. The assistant message is appended to the transcript first, then each
// call is dispatched exactly once in the order the model emitted them.
// An attempt_completion call latches the completion flag and stops the batch.
func (c *Coordinator) HandleTurnComplete(ctx context.Context, ev TurnComplete) error {
	c.mu.Lock()
	turn := c.turn
	c.mu.Unlock()
	for i := range ev.ToolCalls {
		ev.ToolCalls[i].Turn = turn
	}

	c.conv.Append(models.Message{
		Role:      models.RoleAssistant,
		Content:   ev.Content,
		ToolCalls: ev.ToolCalls,
		Timestamp: time.Now(),
	})

	for _, call := range ev.ToolCalls {
		if !c.markSeen(call.CallID) {
			debugLog("[coordinator] task %s: duplicate delivery of call %s (%s), skipping", c.taskID, call.CallID, call.Name)
			continue
		}

		switch call.Name {
		case ToolAttemptCompletion:
			c.mu.Lock()
			c.attemptedCompletion = true
			c.mu.Unlock()
			debugLog("[coordinator] task %s: attempt_completion received, stopping batch", c.taskID)
			return nil

		case ToolAskFollowupQuestion:
			if err := c.askFollowup(ctx, call); err != nil {
				return err
			}

		default:
			if err := c.ExecuteToolCall(ctx, call); err != nil {
				return err
			}
		}
	}

	return nil
}

// markSeen adds the call id to the per-turn dedupe set, returning false if it
// was already present.
func (c *Coordinator) markSeen(callID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.seen[callID]; dup {
		return false
	}
	c.seen[callID] = struct{}{}
	return true
}

// ExecuteToolCall runs one tool call through the external tool service.
// A malformed argument payload is recorded in the transcript and propagated
// to the caller. A tool failure is node-local: it becomes a transcript entry
// and a result event, and the turn continues. Cancellation is re-raised
// unchanged.
func (c *Coordinator) ExecuteToolCall(ctx context.Context, call models.ToolCallRecord) error {
	args, err := parseToolArgs(call.Arguments)
	if err != nil {
		parseErr := fmt.Errorf("tool %s call %s: malformed arguments: %w", call.Name, call.CallID, err)
		c.appendToolResult(call, errorResultBody(parseErr))
		c.emitToolEvent(EventToolCallStart, call, "", true)
		c.emitToolEvent(EventToolCallResult, call, parseErr.Error(), true)
		return parseErr
	}

	c.emitToolEvent(EventToolCallStart, call, "", false)

	result, err := c.tools.ExecuteTool(ctx, call.Name, args, c.taskCtx, c.taskID)
	if err != nil {
		if IsCancellation(err) || ctx.Err() != nil {
			return err
		}
		// Tool failures do not abort the turn; the model sees them and reacts.
		log.Printf("[coordinator] task %s: tool %s failed: %v", c.taskID, call.Name, err)
		c.appendToolResult(call, errorResultBody(err))
		c.emitToolEvent(EventToolCallResult, call, err.Error(), true)
		return nil
	}

	c.appendToolResult(call, result)
	c.emitToolEvent(EventToolCallProgress, call, "", false)
	c.emitToolEvent(EventToolCallResult, call, result, false)
	return nil
}

// followupArgs is the expected payload of an ask_followup_question call.
type followupArgs struct {
	Question    string   `json:"question"`
	Suggestions []string `json:"suggestions"`
}

// askFollowup implements the suspend/resume protocol: it surfaces the
// question on the bus, parks the turn on a single-fulfillment signal keyed by
// call id, and resolves with either the delivered answer or a timeout
// sentinel. The pending entry is removed on every exit path.
func (c *Coordinator) askFollowup(ctx context.Context, call models.ToolCallRecord) error {
	var fa followupArgs
	raw, err := repairJSON(call.Arguments)
	if err == nil {
		err = json.Unmarshal(raw, &fa)
	}
	if err != nil {
		parseErr := fmt.Errorf("tool %s call %s: malformed arguments: %w", call.Name, call.CallID, err)
		c.appendToolResult(call, errorResultBody(parseErr))
		c.emitToolEvent(EventToolCallResult, call, parseErr.Error(), true)
		return parseErr
	}

	suggestions := cleanSuggestions(fa.Suggestions)
	if len(suggestions) < 2 || len(suggestions) > 4 {
		log.Printf("[coordinator] task %s: followup question has %d suggestions, expected 2-4", c.taskID, len(suggestions))
	}

	answerCh := make(chan string, 1)
	c.mu.Lock()
	c.pending[call.CallID] = answerCh
	c.mu.Unlock()
	defer c.removePending(call.CallID)

	c.bus.Emit(EventQuestionAsked, QuestionEvent{
		TaskID:      c.taskID,
		CallID:      call.CallID,
		Question:    fa.Question,
		Suggestions: suggestions,
		Timestamp:   time.Now(),
	})

	timer := time.NewTimer(c.answerTimeout)
	defer timer.Stop()

	select {
	case answer := <-answerCh:
		debugLog("[coordinator] task %s: followup %s answered", c.taskID, call.CallID)
		c.appendToolResult(call, fmt.Sprintf("User answered: %s", answer))
		c.emitToolEvent(EventToolCallResult, call, answer, false)
		return nil

	case <-timer.C:
		// Claim the pending entry before recording the timeout so a
		// concurrent DeliverAnswer cannot report success against a
		// question that already settled. If the answer won the claim,
		// honor it; the send is guaranteed once the entry is gone.
		if !c.takePending(call.CallID) {
			answer := <-answerCh
			debugLog("[coordinator] task %s: followup %s answered at the deadline", c.taskID, call.CallID)
			c.appendToolResult(call, fmt.Sprintf("User answered: %s", answer))
			c.emitToolEvent(EventToolCallResult, call, answer, false)
			return nil
		}
		debugLog("[coordinator] task %s: followup %s timed out after %s", c.taskID, call.CallID, c.answerTimeout)
		c.appendToolResult(call, fmt.Sprintf("No answer received within %s (%s)", c.answerTimeout, answerTimedOut))
		c.emitToolEvent(EventToolCallResult, call, answerTimedOut, true)
		return nil

	case <-ctx.Done():
		// Best-effort notice so the UI stops waiting on the question.
		c.emitToolEvent(EventToolCallResult, call, "cancelled", true)
		return ctx.Err()
	}
}

// DeliverAnswer fulfills the pending signal for the given call id. Returns
// false if no signal exists, which is the normal race of an answer arriving
// after the deadline and must not be treated as an error.
func (c *Coordinator) DeliverAnswer(callID, answer string) bool {
	c.mu.Lock()
	ch, ok := c.pending[callID]
	if ok {
		// Remove under the lock so a second delivery cannot double-fulfill.
		delete(c.pending, callID)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	ch <- answer
	return true
}

// PendingQuestions returns the call ids of outstanding human-answer waits.
func (c *Coordinator) PendingQuestions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	return ids
}

func (c *Coordinator) removePending(callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, callID)
}

// takePending removes the pending entry for the call, reporting whether it
// was still present. The deadline path and DeliverAnswer both claim the
// entry through the table so exactly one side fulfills the question.
func (c *Coordinator) takePending(callID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[callID]; !ok {
		return false
	}
	delete(c.pending, callID)
	return true
}

func (c *Coordinator) appendToolResult(call models.ToolCallRecord, body string) {
	c.conv.Append(models.Message{
		Role:       models.RoleTool,
		Content:    body,
		ToolCallID: call.CallID,
		ToolName:   call.Name,
		Timestamp:  time.Now(),
	})
}

func (c *Coordinator) emitToolEvent(eventType string, call models.ToolCallRecord, result string, isErr bool) {
	c.bus.Emit(eventType, ToolCallEvent{
		TaskID:    c.taskID,
		CallID:    call.CallID,
		ToolName:  call.Name,
		Result:    result,
		IsError:   isErr,
		Timestamp: time.Now(),
	})
}

// parseToolArgs decodes a tool call's raw argument payload. Model-emitted
// JSON is occasionally truncated or mis-quoted, so a failed decode gets one
// repair pass before being declared malformed.
func parseToolArgs(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := json.Unmarshal(raw, &args); err == nil {
		return args, nil
	}

	repaired, err := repairJSON(raw)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(repaired, &args); err != nil {
		return nil, err
	}
	return args, nil
}

// repairJSON attempts to fix model-emitted JSON that fails to decode as-is.
func repairJSON(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage("{}"), nil
	}
	if json.Valid(raw) {
		return raw, nil
	}
	fixed, err := jsonrepair.JSONRepair(string(raw))
	if err != nil {
		return nil, fmt.Errorf("repair json: %w", err)
	}
	return json.RawMessage(fixed), nil
}

func errorResultBody(err error) string {
	return fmt.Sprintf("Error: %s", err.Error())
}

// cleanSuggestions trims whitespace and drops empty entries.
func cleanSuggestions(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
