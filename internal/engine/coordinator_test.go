package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/loomworks/loom/pkg/models"
)

func newTestCoordinator(t *testing.T, tools ToolExecutionService, answerTimeout time.Duration) (*Coordinator, *captureBus, *memConv) {
	t.Helper()
	bus := newCaptureBus()
	conv := &memConv{}
	coord, err := NewCoordinator(CoordinatorConfig{
		TaskID:        "task-1",
		Tools:         tools,
		Conversation:  conv,
		Bus:           bus,
		AnswerTimeout: answerTimeout,
	})
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	return coord, bus, conv
}

func TestNewCoordinatorValidation(t *testing.T) {
	bus := newCaptureBus()
	conv := &memConv{}
	tools := &recordingTools{}

	tests := []struct {
		name string
		cfg  CoordinatorConfig
	}{
		{"missing tools", CoordinatorConfig{Conversation: conv, Bus: bus}},
		{"missing conversation", CoordinatorConfig{Tools: tools, Bus: bus}},
		{"missing bus", CoordinatorConfig{Tools: tools, Conversation: conv}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewCoordinator(tt.cfg); err == nil {
				t.Error("NewCoordinator() expected error, got nil")
			}
		})
	}
}

func TestHandleTurnCompleteDedupesCalls(t *testing.T) {
	tools := &recordingTools{}
	coord, _, conv := newTestCoordinator(t, tools, 0)
	coord.ResetTurn()

	toolResults := func(callID string) int {
		n := 0
		for _, m := range conv.Messages() {
			if m.Role == models.RoleTool && m.ToolCallID == callID {
				n++
			}
		}
		return n
	}

	ev := TurnComplete{
		ToolCalls: []models.ToolCallRecord{
			{CallID: "call-1", Name: "echo", Arguments: []byte(`{}`)},
			{CallID: "call-1", Name: "echo", Arguments: []byte(`{}`)},
			{CallID: "call-2", Name: "echo", Arguments: []byte(`{}`)},
		},
	}
	if err := coord.HandleTurnComplete(context.Background(), ev); err != nil {
		t.Fatalf("HandleTurnComplete() error = %v", err)
	}

	if got := tools.dispatched(); len(got) != 2 {
		t.Errorf("dispatched %d calls, want 2: %v", len(got), got)
	}
	if got := toolResults("call-1"); got != 1 {
		t.Errorf("call-1 has %d tool-result entries, want exactly 1", got)
	}

	// Redelivering the same batch within the turn dispatches nothing new.
	if err := coord.HandleTurnComplete(context.Background(), ev); err != nil {
		t.Fatalf("HandleTurnComplete() redelivery error = %v", err)
	}
	if got := tools.dispatched(); len(got) != 2 {
		t.Errorf("after redelivery dispatched %d calls, want 2", len(got))
	}
	if got := toolResults("call-1"); got != 1 {
		t.Errorf("after redelivery call-1 has %d tool-result entries, want still 1", got)
	}
}

func TestHandleTurnCompleteStampsTurn(t *testing.T) {
	tools := &recordingTools{}
	coord, _, conv := newTestCoordinator(t, tools, 0)
	coord.ResetTurn()
	coord.ResetTurn()
	coord.ResetTurn()

	ev := TurnComplete{
		Content: "working",
		ToolCalls: []models.ToolCallRecord{
			{CallID: "call-1", Name: "echo", Arguments: []byte(`{}`)},
		},
	}
	if err := coord.HandleTurnComplete(context.Background(), ev); err != nil {
		t.Fatalf("HandleTurnComplete() error = %v", err)
	}

	assistant := conv.Messages()[0]
	if len(assistant.ToolCalls) != 1 {
		t.Fatalf("assistant entry carries %d calls, want 1", len(assistant.ToolCalls))
	}
	if got := assistant.ToolCalls[0].Turn; got != 3 {
		t.Errorf("recorded Turn = %d, want 3", got)
	}
}

func TestResetTurnClearsDedupeSet(t *testing.T) {
	tools := &recordingTools{}
	coord, _, _ := newTestCoordinator(t, tools, 0)
	coord.ResetTurn()

	ev := TurnComplete{ToolCalls: []models.ToolCallRecord{
		{CallID: "call-1", Name: "echo", Arguments: []byte(`{}`)},
	}}
	if err := coord.HandleTurnComplete(context.Background(), ev); err != nil {
		t.Fatalf("HandleTurnComplete() error = %v", err)
	}

	coord.ResetTurn()
	if err := coord.HandleTurnComplete(context.Background(), ev); err != nil {
		t.Fatalf("HandleTurnComplete() error = %v", err)
	}

	if got := tools.dispatched(); len(got) != 2 {
		t.Errorf("dispatched %d calls across turns, want 2", len(got))
	}
}

func TestAttemptCompletionStopsBatch(t *testing.T) {
	tools := &recordingTools{}
	coord, _, _ := newTestCoordinator(t, tools, 0)
	coord.ResetTurn()

	ev := TurnComplete{
		Content: "done",
		ToolCalls: []models.ToolCallRecord{
			{CallID: "call-1", Name: ToolAttemptCompletion, Arguments: []byte(`{"result":"done"}`)},
			{CallID: "call-2", Name: "echo", Arguments: []byte(`{}`)},
		},
	}
	if err := coord.HandleTurnComplete(context.Background(), ev); err != nil {
		t.Fatalf("HandleTurnComplete() error = %v", err)
	}

	if !coord.HasAttemptCompletion() {
		t.Error("HasAttemptCompletion() = false, want true")
	}
	if got := tools.dispatched(); len(got) != 0 {
		t.Errorf("calls after attempt_completion were dispatched: %v", got)
	}
}

func TestReservedToolsNeverReachService(t *testing.T) {
	tools := &recordingTools{}
	coord, _, _ := newTestCoordinator(t, tools, 10*time.Millisecond)
	coord.ResetTurn()

	ev := TurnComplete{ToolCalls: []models.ToolCallRecord{
		{CallID: "q-1", Name: ToolAskFollowupQuestion, Arguments: []byte(`{"question":"which?","suggestions":["a","b"]}`)},
		{CallID: "c-1", Name: ToolAttemptCompletion, Arguments: []byte(`{}`)},
	}}
	if err := coord.HandleTurnComplete(context.Background(), ev); err != nil {
		t.Fatalf("HandleTurnComplete() error = %v", err)
	}

	for _, name := range tools.dispatched() {
		if name == ToolAskFollowupQuestion || name == ToolAttemptCompletion {
			t.Errorf("reserved tool %s was dispatched to the tool service", name)
		}
	}
}

func TestExecuteToolCallMalformedArgs(t *testing.T) {
	tools := &recordingTools{}
	coord, bus, conv := newTestCoordinator(t, tools, 0)
	coord.ResetTurn()

	// Valid JSON that is not an object fails decode and repair alike.
	call := models.ToolCallRecord{CallID: "call-1", Name: "echo", Arguments: []byte(`"not an object"`)}
	err := coord.ExecuteToolCall(context.Background(), call)
	if err == nil {
		t.Fatal("ExecuteToolCall() expected error for malformed arguments")
	}
	if !strings.Contains(err.Error(), "malformed arguments") {
		t.Errorf("error = %v, want malformed arguments", err)
	}

	if got := tools.dispatched(); len(got) != 0 {
		t.Errorf("malformed call was dispatched: %v", got)
	}

	last := conv.Last()
	if last == nil || last.Role != models.RoleTool || !strings.Contains(last.Content, "Error:") {
		t.Errorf("transcript missing error entry, got %+v", last)
	}

	results := bus.byType(EventToolCallResult)
	if len(results) != 1 {
		t.Fatalf("got %d result events, want 1", len(results))
	}
	if !results[0].(ToolCallEvent).IsError {
		t.Error("result event IsError = false, want true")
	}
}

func TestExecuteToolCallRepairsLooseJSON(t *testing.T) {
	var gotArgs map[string]any
	tools := toolFunc(func(ctx context.Context, name string, args map[string]any, taskCtx models.ExecutionContext, taskID string) (string, error) {
		gotArgs = args
		return "ok", nil
	})
	coord, _, _ := newTestCoordinator(t, tools, 0)
	coord.ResetTurn()

	// Trailing comma is a typical model emission defect.
	call := models.ToolCallRecord{CallID: "call-1", Name: "echo", Arguments: []byte(`{"text": "hi",}`)}
	if err := coord.ExecuteToolCall(context.Background(), call); err != nil {
		t.Fatalf("ExecuteToolCall() error = %v", err)
	}
	if gotArgs["text"] != "hi" {
		t.Errorf("args = %v, want text=hi", gotArgs)
	}
}

func TestExecuteToolCallAbsorbsToolFailure(t *testing.T) {
	tools := toolFunc(func(ctx context.Context, name string, args map[string]any, taskCtx models.ExecutionContext, taskID string) (string, error) {
		return "", fmt.Errorf("disk full")
	})
	coord, bus, conv := newTestCoordinator(t, tools, 0)
	coord.ResetTurn()

	call := models.ToolCallRecord{CallID: "call-1", Name: "write_file", Arguments: []byte(`{}`)}
	if err := coord.ExecuteToolCall(context.Background(), call); err != nil {
		t.Fatalf("ExecuteToolCall() error = %v, tool failures must not abort the turn", err)
	}

	last := conv.Last()
	if last == nil || !strings.Contains(last.Content, "disk full") {
		t.Errorf("transcript missing tool failure, got %+v", last)
	}

	results := bus.byType(EventToolCallResult)
	if len(results) != 1 || !results[0].(ToolCallEvent).IsError {
		t.Errorf("expected one error result event, got %v", results)
	}
}

func TestExecuteToolCallReRaisesCancellation(t *testing.T) {
	tools := toolFunc(func(ctx context.Context, name string, args map[string]any, taskCtx models.ExecutionContext, taskID string) (string, error) {
		return "", context.Canceled
	})
	coord, _, _ := newTestCoordinator(t, tools, 0)
	coord.ResetTurn()

	call := models.ToolCallRecord{CallID: "call-1", Name: "echo", Arguments: []byte(`{}`)}
	err := coord.ExecuteToolCall(context.Background(), call)
	if !IsCancellation(err) {
		t.Errorf("ExecuteToolCall() error = %v, want cancellation", err)
	}
}

func TestAskFollowupAnswered(t *testing.T) {
	tools := &recordingTools{}
	coord, bus, conv := newTestCoordinator(t, tools, 5*time.Second)
	coord.ResetTurn()

	done := make(chan error, 1)
	go func() {
		done <- coord.HandleTurnComplete(context.Background(), TurnComplete{
			ToolCalls: []models.ToolCallRecord{
				{CallID: "q-1", Name: ToolAskFollowupQuestion, Arguments: []byte(`{"question":"proceed?","suggestions":[" yes ","no"]}`)},
			},
		})
	}()

	waitForPending(t, coord)

	if !coord.DeliverAnswer("q-1", "yes") {
		t.Error("DeliverAnswer() = false, want true for pending question")
	}
	if err := <-done; err != nil {
		t.Fatalf("HandleTurnComplete() error = %v", err)
	}

	last := conv.Last()
	if last == nil || !strings.Contains(last.Content, "User answered: yes") {
		t.Errorf("transcript missing answer, got %+v", last)
	}
	if got := coord.PendingQuestions(); len(got) != 0 {
		t.Errorf("PendingQuestions() = %v, want empty", got)
	}

	questions := bus.byType(EventQuestionAsked)
	if len(questions) != 1 {
		t.Fatalf("got %d question events, want 1", len(questions))
	}
	q := questions[0].(QuestionEvent)
	if len(q.Suggestions) != 2 || q.Suggestions[0] != "yes" {
		t.Errorf("suggestions = %v, want trimmed [yes no]", q.Suggestions)
	}
}

func TestAskFollowupTimesOut(t *testing.T) {
	tools := &recordingTools{}
	coord, bus, conv := newTestCoordinator(t, tools, 20*time.Millisecond)
	coord.ResetTurn()

	err := coord.HandleTurnComplete(context.Background(), TurnComplete{
		ToolCalls: []models.ToolCallRecord{
			{CallID: "q-1", Name: ToolAskFollowupQuestion, Arguments: []byte(`{"question":"proceed?","suggestions":["yes","no"]}`)},
		},
	})
	if err != nil {
		t.Fatalf("HandleTurnComplete() error = %v, timeout must not abort the turn", err)
	}

	last := conv.Last()
	if last == nil || !strings.Contains(last.Content, "No answer received") {
		t.Errorf("transcript missing timeout entry, got %+v", last)
	}
	if got := coord.PendingQuestions(); len(got) != 0 {
		t.Errorf("PendingQuestions() = %v, want empty after timeout", got)
	}

	// The late answer finds no signal and reports false, not an error.
	if coord.DeliverAnswer("q-1", "yes") {
		t.Error("DeliverAnswer() = true after timeout, want false")
	}

	results := bus.byType(EventToolCallResult)
	if len(results) != 1 || !results[0].(ToolCallEvent).IsError {
		t.Errorf("expected one timeout result event, got %v", results)
	}
}

func TestAskFollowupDeadlineRace(t *testing.T) {
	// An answer delivered right at the deadline must settle exactly one
	// way: DeliverAnswer returning true means the answer was recorded,
	// never a timeout paired with a successful delivery.
	for i := 0; i < 25; i++ {
		tools := &recordingTools{}
		coord, bus, conv := newTestCoordinator(t, tools, time.Millisecond)
		coord.ResetTurn()

		done := make(chan error, 1)
		go func() {
			done <- coord.HandleTurnComplete(context.Background(), TurnComplete{
				ToolCalls: []models.ToolCallRecord{
					{CallID: "q-1", Name: ToolAskFollowupQuestion, Arguments: []byte(`{"question":"proceed?","suggestions":["yes","no"]}`)},
				},
			})
		}()

		var delivered bool
	settle:
		for {
			select {
			case err := <-done:
				if err != nil {
					t.Fatalf("HandleTurnComplete() error = %v", err)
				}
				break settle
			default:
				if coord.DeliverAnswer("q-1", "yes") {
					delivered = true
				}
			}
		}

		last := conv.Last()
		if last == nil {
			t.Fatal("no transcript entry after the question settled")
		}
		if delivered && !strings.Contains(last.Content, "User answered: yes") {
			t.Errorf("DeliverAnswer() = true but transcript recorded %q", last.Content)
		}
		if !delivered && !strings.Contains(last.Content, "No answer received") {
			t.Errorf("no delivery but transcript recorded %q", last.Content)
		}
		if results := bus.byType(EventToolCallResult); len(results) != 1 {
			t.Errorf("got %d result events, want exactly 1", len(results))
		}
	}
}

func TestAskFollowupCancelled(t *testing.T) {
	tools := &recordingTools{}
	coord, _, _ := newTestCoordinator(t, tools, 5*time.Second)
	coord.ResetTurn()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- coord.HandleTurnComplete(ctx, TurnComplete{
			ToolCalls: []models.ToolCallRecord{
				{CallID: "q-1", Name: ToolAskFollowupQuestion, Arguments: []byte(`{"question":"proceed?","suggestions":["yes","no"]}`)},
			},
		})
	}()

	waitForPending(t, coord)
	cancel()

	if err := <-done; !IsCancellation(err) {
		t.Errorf("HandleTurnComplete() error = %v, want cancellation", err)
	}
	if got := coord.PendingQuestions(); len(got) != 0 {
		t.Errorf("PendingQuestions() = %v, want empty after cancel", got)
	}
}

func TestDeliverAnswerUnknownCall(t *testing.T) {
	tools := &recordingTools{}
	coord, _, _ := newTestCoordinator(t, tools, 0)

	if coord.DeliverAnswer("never-asked", "yes") {
		t.Error("DeliverAnswer() = true for unknown call id, want false")
	}
}

func waitForPending(t *testing.T, coord *Coordinator) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(coord.PendingQuestions()) > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("question never became pending")
}
