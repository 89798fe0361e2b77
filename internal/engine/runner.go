package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loomworks/loom/pkg/models"
)

const (
	// defaultIterationCap bounds the turn loop so a node terminates even if
	// the continuation heuristic never fires. Reaching the cap forces
	// completion; it is a documented safety valve, not a silent failure.
	defaultIterationCap = 100

	// defaultLoopDelay is the cooperative yield between turns.
	defaultLoopDelay = 100 * time.Millisecond
)

// RunnerConfig wires a Runner's collaborators for one task node.
type RunnerConfig struct {
	Node        *models.TaskNode
	Messages    MessageService
	Model       ModelService
	Coordinator *Coordinator
	Checkpoints CheckpointStore
	Conversation Conversation
	Bus         EventBus

	// Overrides pins one or both turn budgets. Zero means recompute from
	// the adaptive heuristic every turn.
	Overrides TimeoutOverrides
	// IterationCap overrides the turn-loop bound. Zero means the default.
	IterationCap int
	// LoopDelay overrides the inter-turn yield. Zero means the default.
	LoopDelay time.Duration
}

// RunnerStatus is a point-in-time view of a Runner for callers polling it.
type RunnerStatus struct {
	// TurnInFlight is true while a model turn is executing.
	TurnInFlight bool
	// SinceLastCheckpoint is the time elapsed since the last snapshot,
	// or zero if none has been written yet.
	SinceLastCheckpoint time.Duration
	// LastTurnUsage holds the token counts reported by the most recent
	// model turn, or zeroes before the first turn settles.
	LastTurnUsage UsageStats
}

// Runner drives exactly one task node through its turn loop: ask the model,
// let tools run, decide whether to continue. Turns for one node never
// overlap. A Runner is single-use; the scheduler creates a fresh one per
// attempt.
type Runner struct {
	node        *models.TaskNode
	messages    MessageService
	model       ModelService
	coord       *Coordinator
	checkpoints CheckpointStore
	conv        Conversation
	bus         EventBus

	overrides TimeoutOverrides
	iterCap   int
	loopDelay time.Duration

	// stopFlag requests a graceful stop at the next loop boundary.
	stopFlag atomic.Bool

	mu             sync.Mutex
	turnCancel     context.CancelFunc
	turnInFlight   bool
	lastCheckpoint time.Time
	turnUsage      UsageStats
}

// NewRunner creates a Runner for one node. All collaborators are required;
// a missing one is a configuration error and is never retried.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	switch {
	case cfg.Node == nil:
		return nil, fmt.Errorf("runner: task node is required")
	case cfg.Messages == nil:
		return nil, fmt.Errorf("runner: message service is required")
	case cfg.Model == nil:
		return nil, fmt.Errorf("runner: model service is required")
	case cfg.Coordinator == nil:
		return nil, fmt.Errorf("runner: coordinator is required")
	case cfg.Checkpoints == nil:
		return nil, fmt.Errorf("runner: checkpoint store is required")
	case cfg.Conversation == nil:
		return nil, fmt.Errorf("runner: conversation is required")
	case cfg.Bus == nil:
		return nil, fmt.Errorf("runner: event bus is required")
	}

	iterCap := cfg.IterationCap
	if iterCap <= 0 {
		iterCap = defaultIterationCap
	}
	loopDelay := cfg.LoopDelay
	if loopDelay <= 0 {
		loopDelay = defaultLoopDelay
	}

	return &Runner{
		node:        cfg.Node,
		messages:    cfg.Messages,
		model:       cfg.Model,
		coord:       cfg.Coordinator,
		checkpoints: cfg.Checkpoints,
		conv:        cfg.Conversation,
		bus:         cfg.Bus,
		overrides:   cfg.Overrides,
		iterCap:     iterCap,
		loopDelay:   loopDelay,
	}, nil
}

// Stop requests a graceful stop; the loop observes it at the next boundary
// and settles the node as aborted.
func (r *Runner) Stop() {
	r.stopFlag.Store(true)
}

// Execute runs the turn loop until the node reaches a terminal status or the
// iteration cap forces completion. Cooperative cancellation writes a paused
// checkpoint and re-raises so the enclosing cancellation propagates.
func (r *Runner) Execute(ctx context.Context) (models.TaskStatus, error) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.turnCancel = cancel
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		r.turnCancel = nil
		r.mu.Unlock()
	}()

	r.bus.Emit(EventTaskStarted, TaskEvent{
		TaskID:    r.node.ID,
		Status:    models.TaskStatusRunning,
		Timestamp: time.Now(),
	})

	for i := 0; i < r.iterCap; i++ {
		if r.stopFlag.Load() {
			debugLog("[runner] task %s: stop flag observed at iteration %d", r.node.ID, i)
			return models.TaskStatusAborted, nil
		}

		if err := r.RunTurn(ctx); err != nil {
			if IsCancellation(err) {
				r.writeCheckpoint(ctx, "pause", []string{"reason=pause"})
				return models.TaskStatusAborted, err
			}
			return models.TaskStatusFailed, err
		}

		if !r.ShouldContinue() {
			debugLog("[runner] task %s: natural stop after %d turns", r.node.ID, i+1)
			return models.TaskStatusCompleted, nil
		}

		// Cooperative yield between turns.
		select {
		case <-ctx.Done():
			r.writeCheckpoint(ctx, "pause", []string{"reason=pause"})
			return models.TaskStatusAborted, ctx.Err()
		case <-time.After(r.loopDelay):
		}
	}

	debugLog("[runner] task %s: iteration cap (%d) reached, forcing completion", r.node.ID, r.iterCap)
	return models.TaskStatusCompleted, nil
}

// RunTurn executes exactly one model turn: build the prompt, stream the
// response, and hand completed tool calls to the coordinator under its own
// budget. A checkpoint is written when the turn ends on every path.
func (r *Runner) RunTurn(ctx context.Context) (err error) {
	timeouts := ComputeTurnTimeouts(r.node, r.overrides)
	r.coord.ResetTurn()

	r.mu.Lock()
	r.turnInFlight = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.turnInFlight = false
		r.mu.Unlock()

		reason := "turn"
		if err != nil {
			reason = "turn_error"
			if IsCancellation(err) {
				reason = "pause"
			}
		}
		r.writeCheckpoint(ctx, reason, nil)
	}()

	built, err := r.messages.BuildMessages(ctx, r.node.Context.Workspace, capabilitiesForMode(r.node.Mode))
	if err != nil {
		return fmt.Errorf("task %s: build messages: %w", r.node.ID, err)
	}

	providerMessages := normalizeForModel(built.Messages)

	modelCtx, cancelModel := context.WithTimeout(ctx, timeouts.Model)
	defer cancelModel()

	// The callback runs on the stream; failures inside it are collected and
	// folded into the turn error after the model call returns.
	var cbMu sync.Mutex
	var handlerErr error
	var turnSeen bool

	cb := func(ev StreamEvent) {
		switch e := ev.(type) {
		case ContentChunk:
			debugLog("[runner] task %s: content chunk (%d bytes)", r.node.ID, len(e.Text))
		case ReasoningChunk:
			debugLog("[runner] task %s: reasoning chunk (%d bytes)", r.node.ID, len(e.Text))
		case UsageStats:
			r.mu.Lock()
			r.turnUsage = e
			r.mu.Unlock()
		case ToolCallDetected:
			debugLog("[runner] task %s: tool call detected: %s (%s)", r.node.ID, e.Call.Name, e.Call.CallID)
		case TurnComplete:
			cbMu.Lock()
			turnSeen = true
			cbMu.Unlock()

			toolCtx, cancelTools := context.WithTimeout(ctx, timeouts.Tool)
			herr := r.coord.HandleTurnComplete(toolCtx, e)
			cancelTools()
			if herr != nil {
				if errors.Is(herr, context.DeadlineExceeded) && ctx.Err() == nil {
					herr = &TimeoutError{Phase: TimeoutPhaseTool, NodeID: r.node.ID, Err: herr}
				}
				cbMu.Lock()
				handlerErr = herr
				cbMu.Unlock()
			}
		case StreamError:
			cbMu.Lock()
			if handlerErr == nil {
				handlerErr = r.classifyProviderError(e.Err, e.RateLimited)
			}
			cbMu.Unlock()
		}
	}

	callErr := r.model.CreateMessageWithCallback(modelCtx, providerMessages, cb, built.Tools)

	cbMu.Lock()
	herr := handlerErr
	sawTurn := turnSeen
	cbMu.Unlock()

	if callErr != nil {
		switch {
		case ctx.Err() != nil && IsCancellation(ctx.Err()):
			// Cancelled from above; distinct from any failure.
			return ctx.Err()
		case errors.Is(callErr, context.DeadlineExceeded):
			r.emitError("model_timeout", fmt.Sprintf("The model did not respond within %s. The task will be retried.", timeouts.Model), true)
			return &TimeoutError{Phase: TimeoutPhaseModel, NodeID: r.node.ID, Err: callErr}
		default:
			perr := r.classifyProviderError(callErr, false)
			return perr
		}
	}

	if herr != nil {
		return herr
	}

	if sawTurn {
		r.bus.Emit(EventTurnComplete, TaskEvent{
			TaskID:    r.node.ID,
			Status:    models.TaskStatusRunning,
			Timestamp: time.Now(),
		})
	}

	return nil
}

// ShouldContinue is the continuation heuristic. It first consults the
// coordinator's completion flag, then inspects only the single most recent
// transcript entry. The single-entry check mirrors the original behavior and
// is intentionally not widened.
func (r *Runner) ShouldContinue() bool {
	if r.coord.HasAttemptCompletion() {
		return false
	}

	last := r.conv.Last()
	if last == nil {
		return true
	}

	if last.HasToolCalls() {
		for _, call := range last.ToolCalls {
			if call.Name == ToolAttemptCompletion {
				return false
			}
		}
		return true
	}

	if last.Role == models.RoleAssistant {
		// A plain assistant message with no tool calls is a final answer.
		return false
	}

	return true
}

// Pause cancels the in-flight turn, if any. Idempotent.
func (r *Runner) Pause() {
	r.cancelTurn()
}

// Cancel cancels the in-flight turn, if any. Idempotent.
func (r *Runner) Cancel() {
	r.cancelTurn()
}

func (r *Runner) cancelTurn() {
	r.mu.Lock()
	cancel := r.turnCancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// GetStatus reports whether a turn is in flight, the time since the last
// checkpoint was written, and the latest turn's token usage.
func (r *Runner) GetStatus() RunnerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	var since time.Duration
	if !r.lastCheckpoint.IsZero() {
		since = time.Since(r.lastCheckpoint)
	}
	return RunnerStatus{
		TurnInFlight:        r.turnInFlight,
		SinceLastCheckpoint: since,
		LastTurnUsage:       r.turnUsage,
	}
}

// writeCheckpoint snapshots the node through the checkpoint store. It runs
// on a context detached from cancellation so the guaranteed write survives
// a cancelled turn.
func (r *Runner) writeCheckpoint(ctx context.Context, kind string, tags []string) {
	state := models.CheckpointState{
		NodeID:        r.node.ID,
		Status:        r.node.Status,
		Mode:          r.node.Mode,
		Todos:         r.node.Todos,
		TranscriptRef: r.node.Context.SessionID,
		Timestamp:     time.Now(),
	}

	id, err := r.checkpoints.CreateCheckpoint(context.WithoutCancel(ctx), r.node.ID, state, kind, tags)
	if err != nil {
		debugLog("[runner] task %s: checkpoint write failed: %v", r.node.ID, err)
		return
	}

	r.mu.Lock()
	r.lastCheckpoint = time.Now()
	r.mu.Unlock()
	debugLog("[runner] task %s: checkpoint %s written (kind=%s)", r.node.ID, id, kind)
}

// classifyProviderError shapes a provider failure and emits the matching
// user-facing error event. Rate-limit failures get a distinct message.
func (r *Runner) classifyProviderError(err error, knownRateLimit bool) error {
	var perr *ProviderError
	if errors.As(err, &perr) {
		// Already classified by the model service.
		r.emitProviderEvent(perr)
		return perr
	}

	kind := ProviderGeneric
	if knownRateLimit || looksRateLimited(err) {
		kind = ProviderRateLimited
	}
	perr = &ProviderError{Kind: kind, NodeID: r.node.ID, Err: err}
	r.emitProviderEvent(perr)
	return perr
}

func (r *Runner) emitProviderEvent(perr *ProviderError) {
	if perr.Kind == ProviderRateLimited {
		r.emitError("provider_rate_limited", "The model provider is rate limiting requests. Wait a moment and try again.", true)
		return
	}
	r.emitError("provider_error", fmt.Sprintf("The model provider returned an error: %v", perr.Err), false)
}

func (r *Runner) emitError(code, message string, recoverable bool) {
	r.bus.Emit(EventTaskError, TaskErrorEvent{
		TaskID:      r.node.ID,
		Code:        code,
		Message:     message,
		Recoverable: recoverable,
		Timestamp:   time.Now(),
	})
}

// looksRateLimited sniffs provider errors that were not pre-classified.
func looksRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") || strings.Contains(msg, "overloaded")
}

// normalizeForModel converts stored transcript entries into the
// provider-neutral shapes the model service expects: empty entries are
// dropped and timestamps are not forwarded.
func normalizeForModel(in []models.Message) []models.Message {
	out := make([]models.Message, 0, len(in))
	for _, m := range in {
		if m.Content == "" && len(m.ToolCalls) == 0 {
			continue
		}
		out = append(out, models.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
			ToolName:   m.ToolName,
		})
	}
	return out
}

// capabilitiesForMode names the capability set offered to the message
// builder for a given execution mode.
func capabilitiesForMode(mode string) []string {
	switch mode {
	case "orchestrator":
		return []string{"tools", "subtasks"}
	case "ask":
		return []string{"tools", "questions"}
	default:
		return []string{"tools"}
	}
}
