package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/bus"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/conversation"
	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/prompt"
	"github.com/loomworks/loom/internal/state"
	"github.com/loomworks/loom/internal/tools"
	"github.com/loomworks/loom/pkg/models"
)

var (
	runWorkspace   string
	runMode        string
	runParallelism int
	runDebug       bool
)

var runCmd = &cobra.Command{
	Use:   "run \"task description\"",
	Short: "Run a task through the orchestration engine",
	Long: `Run a task through the orchestration engine.

The task becomes the root of a new task tree. The engine drives it
through the agentic turn loop; if the model spawns subtasks, they are
resolved in parallel after the root's own loop finishes.

Examples:
  loom run "add input validation to the signup handler"
  loom run --mode orchestrator "split the migration into steps"
  loom run --parallelism 4 "refactor the storage layer"`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runWorkspace, "workspace", ".", "Workspace directory the task operates on")
	runCmd.Flags().StringVar(&runMode, "mode", "", "Execution mode for the root task (orchestrator, ask)")
	runCmd.Flags().IntVar(&runParallelism, "parallelism", 0, "Max concurrent sibling tasks (0 uses config)")
	runCmd.Flags().BoolVar(&runDebug, "debug", false, "Write engine debug logs to .loom/logs/")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if runDebug {
		logger := engine.NewDebugLoggerForWorkspace(runWorkspace)
		defer logger.Close()
		engine.SetDebugLogger(logger)
	}

	db, err := state.OpenWorkspace(runWorkspace)
	if err != nil {
		return fmt.Errorf("opening workspace state: %w", err)
	}
	defer db.Close()

	store := state.NewTaskStore(db)
	checkpoints := state.NewCheckpointStore(db)
	events := bus.New()

	provider, err := model.NewAnthropicProvider(model.AnthropicConfig{
		APIKey: cfg.Anthropic.APIKey,
		Model:  anthropic.Model(cfg.Anthropic.Model),
	})
	if err != nil {
		return err
	}
	modelSvc, err := model.NewService(provider)
	if err != nil {
		return err
	}

	registry := tools.NewRegistry()
	registry.Register(tools.NewSpawnSubtaskTool(store))
	registry.Register(tools.NewUpdateTodosTool(nil))
	registry.Register(tools.EchoTool{})

	sessionID := uuid.New().String()
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, err := store.CreateRootTask(ctx, &models.TaskNode{
		Description: args[0],
		Mode:        runMode,
		Context: models.ExecutionContext{
			SessionID: sessionID,
			Workspace: runWorkspace,
		},
	})
	if err != nil {
		return fmt.Errorf("creating root task: %w", err)
	}

	// Coordinators are tracked so the console handler can route typed
	// answers back to a suspended task.
	coordinators := &coordinatorSet{byTask: make(map[string]*engine.Coordinator)}

	factory := engine.RunnerFactoryFunc(func(node *models.TaskNode) (*engine.Runner, error) {
		conv := conversation.New()
		coord, err := engine.NewCoordinator(engine.CoordinatorConfig{
			TaskID:        node.ID,
			TaskContext:   node.Context,
			Tools:         registry,
			Conversation:  conv,
			Bus:           events,
			AnswerTimeout: cfg.Timeouts.Answer,
		})
		if err != nil {
			return nil, err
		}
		coordinators.put(node.ID, coord)

		builder := prompt.NewBuilder(node, conv, manifestFor(registry))
		return engine.NewRunner(engine.RunnerConfig{
			Node:         node,
			Messages:     builder,
			Model:        modelSvc,
			Coordinator:  coord,
			Checkpoints:  checkpoints,
			Conversation: conv,
			Bus:          events,
			Overrides: engine.TimeoutOverrides{
				Model: cfg.Timeouts.Model,
				Tool:  cfg.Timeouts.Tool,
			},
			IterationCap: cfg.Engine.IterationCap,
		})
	})

	parallelism := cfg.Engine.Parallelism
	if runParallelism > 0 {
		parallelism = runParallelism
	}

	scheduler, err := engine.NewScheduler(engine.SchedulerConfig{
		SessionID:      sessionID,
		Store:          store,
		Bus:            events,
		Factory:        factory,
		Parallelism:    parallelism,
		RetryBaseDelay: cfg.Engine.RetryBaseDelay,
	})
	if err != nil {
		return err
	}

	attachConsoleHandlers(events, coordinators)

	fmt.Printf("Session %s\n", sessionID)
	fmt.Printf("Root task %s: %s\n\n", root.ID, root.Description)

	started := time.Now()
	status, err := scheduler.RunGraph(ctx)
	elapsed := time.Since(started).Round(time.Second)

	switch status {
	case models.TaskStatusCompleted:
		fmt.Printf("\n%s Completed in %s\n", color.GreenString("✓"), elapsed)
	case models.TaskStatusAborted:
		fmt.Printf("\n%s Aborted after %s\n", color.YellowString("⚠"), elapsed)
	default:
		fmt.Printf("\n%s Failed after %s\n", color.RedString("✗"), elapsed)
	}
	if err != nil && !engine.IsCancellation(err) {
		return err
	}
	return nil
}

// manifestFor builds the per-turn tool manifest from the registry.
func manifestFor(registry *tools.Registry) *prompt.StaticManifest {
	return &prompt.StaticManifest{Tools: registry.Definitions()}
}

// coordinatorSet tracks live coordinators by task id.
type coordinatorSet struct {
	mu     sync.Mutex
	byTask map[string]*engine.Coordinator
}

func (s *coordinatorSet) put(taskID string, c *engine.Coordinator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTask[taskID] = c
}

func (s *coordinatorSet) get(taskID string) *engine.Coordinator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byTask[taskID]
}

// attachConsoleHandlers subscribes the terminal renderer to engine events.
func attachConsoleHandlers(events *bus.Bus, coordinators *coordinatorSet) {
	events.AddHandler(engine.EventTaskStarted, func(payload any) {
		if ev, ok := payload.(engine.TaskEvent); ok {
			fmt.Printf("%s task %s started\n", color.CyanString("▶"), shortID(ev.TaskID))
		}
	})

	events.AddHandler(engine.EventTaskCompleted, func(payload any) {
		ev, ok := payload.(engine.TaskEvent)
		if !ok {
			return
		}
		switch ev.Status {
		case models.TaskStatusCompleted:
			fmt.Printf("%s task %s completed\n", color.GreenString("✓"), shortID(ev.TaskID))
		case models.TaskStatusAborted:
			fmt.Printf("%s task %s aborted\n", color.YellowString("⚠"), shortID(ev.TaskID))
		default:
			fmt.Printf("%s task %s %s\n", color.RedString("✗"), shortID(ev.TaskID), ev.Status)
		}
	})

	events.AddHandler(engine.EventToolCallResult, func(payload any) {
		ev, ok := payload.(engine.ToolCallEvent)
		if !ok {
			return
		}
		if ev.IsError {
			fmt.Printf("  %s %s: %s\n", color.RedString("tool"), ev.ToolName, firstLine(ev.Result))
			return
		}
		fmt.Printf("  %s %s\n", color.New(color.Faint).Sprint("tool"), ev.ToolName)
	})

	events.AddHandler(engine.EventTaskError, func(payload any) {
		if ev, ok := payload.(engine.TaskErrorEvent); ok {
			fmt.Printf("%s %s\n", color.RedString("!"), ev.Message)
		}
	})

	events.AddHandler(engine.EventQuestionAsked, func(payload any) {
		ev, ok := payload.(engine.QuestionEvent)
		if !ok {
			return
		}
		go promptAnswer(ev, coordinators)
	})
}

// promptAnswer reads one line from stdin and routes it to the suspended task.
func promptAnswer(ev engine.QuestionEvent, coordinators *coordinatorSet) {
	fmt.Printf("\n%s %s\n", color.MagentaString("?"), ev.Question)
	for i, s := range ev.Suggestions {
		fmt.Printf("  %d) %s\n", i+1, s)
	}
	fmt.Print("> ")

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	answer := strings.TrimSpace(line)

	// A bare number picks the matching suggestion.
	for i, s := range ev.Suggestions {
		if answer == fmt.Sprintf("%d", i+1) {
			answer = s
			break
		}
	}

	coord := coordinators.get(ev.TaskID)
	if coord == nil || !coord.DeliverAnswer(ev.CallID, answer) {
		fmt.Printf("%s answer arrived too late, the task already moved on\n", color.YellowString("⚠"))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
