package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/loomworks/loom/pkg/models"
)

const (
	// defaultParallelism bounds how many sibling nodes resolve at once.
	defaultParallelism = 2

	// maxTimeoutRetries is how many times a timeout-class failure is
	// retried before the node settles as failed (3 attempts total).
	maxTimeoutRetries = 2

	// defaultRetryBaseDelay seeds the exponential backoff between attempts
	// (base * 2^attempt: 2s, 4s).
	defaultRetryBaseDelay = 2 * time.Second
)

// RunnerFactory creates a fresh Runner for a node. Every retry gets a new
// Runner so corrupted in-turn state never carries across attempts.
type RunnerFactory interface {
	NewRunner(node *models.TaskNode) (*Runner, error)
}

// RunnerFactoryFunc adapts a function to the RunnerFactory interface.
type RunnerFactoryFunc func(node *models.TaskNode) (*Runner, error)

// NewRunner calls the wrapped function.
func (f RunnerFactoryFunc) NewRunner(node *models.TaskNode) (*Runner, error) {
	return f(node)
}

// execHandle tracks one node's in-flight execution for cancellation.
type execHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// SchedulerConfig wires a Scheduler's collaborators for one session.
type SchedulerConfig struct {
	SessionID string
	Store     TaskStore
	Bus       EventBus
	Factory   RunnerFactory

	// Parallelism overrides the sibling gate capacity. Zero means default.
	Parallelism int
	// RetryBaseDelay overrides the backoff base. Zero means the default.
	RetryBaseDelay time.Duration
}

// Scheduler owns the task tree for one user session. It walks the tree
// parent-first, fans siblings out in parallel under a counting gate, retries
// timed-out nodes, and folds child outcomes into parent outcomes.
type Scheduler struct {
	sessionID string
	store     TaskStore
	bus       EventBus
	factory   RunnerFactory

	retryBaseDelay time.Duration

	mu sync.Mutex
	// statuses is the session ledger of node id to current status.
	statuses map[string]models.TaskStatus
	// runners maps node id to its active Runner.
	runners map[string]*Runner
	// handles maps node id to its in-flight execution handle. A node id
	// is never in both handles and a terminal ledger status at once.
	handles map[string]*execHandle
	// parallelism is the gate capacity used by new sibling fan-outs.
	// Fan-outs already in flight keep the gate they started with.
	parallelism int64
}

// NewScheduler creates a Scheduler for one session. Store, Bus, and Factory
// are required; a missing one is a configuration error.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("scheduler: task store is required")
	case cfg.Bus == nil:
		return nil, fmt.Errorf("scheduler: event bus is required")
	case cfg.Factory == nil:
		return nil, fmt.Errorf("scheduler: runner factory is required")
	}

	parallelism := int64(cfg.Parallelism)
	if parallelism < 1 {
		parallelism = defaultParallelism
	}
	retryBase := cfg.RetryBaseDelay
	if retryBase <= 0 {
		retryBase = defaultRetryBaseDelay
	}

	return &Scheduler{
		sessionID:      cfg.SessionID,
		store:          cfg.Store,
		bus:            cfg.Bus,
		factory:        cfg.Factory,
		retryBaseDelay: retryBase,
		statuses:       make(map[string]models.TaskStatus),
		runners:        make(map[string]*Runner),
		handles:        make(map[string]*execHandle),
		parallelism:    parallelism,
	}, nil
}

// SetParallelism changes the sibling gate capacity for fan-outs that have
// not started yet. Work already holding a permit is undisturbed.
func (s *Scheduler) SetParallelism(n int) error {
	if n < 1 {
		return fmt.Errorf("parallelism must be at least 1, got %d", n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parallelism = int64(n)
	return nil
}

// GetParallelism returns the current sibling gate capacity.
func (s *Scheduler) GetParallelism() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.parallelism)
}

// RunGraph resolves the session's task tree from its root and returns the
// final status. A "graph completed" event is emitted on every exit path,
// reporting failed when the run ends in an internal error.
func (s *Scheduler) RunGraph(ctx context.Context) (status models.TaskStatus, err error) {
	defer func() {
		final := status
		if err != nil && !final.IsTerminal() {
			final = models.TaskStatusFailed
		}
		s.bus.Emit(EventGraphCompleted, GraphCompletedEvent{
			SessionID: s.sessionID,
			Status:    final,
			Timestamp: time.Now(),
		})
	}()

	root, err := s.store.GetRootTask(ctx)
	if err != nil {
		return models.TaskStatusFailed, fmt.Errorf("get root task: %w", err)
	}
	if root == nil {
		return models.TaskStatusFailed, ErrNoRootTask
	}

	if err := s.initLedger(ctx); err != nil {
		return models.TaskStatusFailed, err
	}

	return s.resolve(ctx, root)
}

// initLedger copies current statuses from the store into the session ledger.
// The swap happens in one critical section so concurrent callers never see a
// partially-initialized ledger.
func (s *Scheduler) initLedger(ctx context.Context) error {
	tasks, err := s.store.GetAllTasks(ctx)
	if err != nil {
		return fmt.Errorf("init ledger: %w", err)
	}

	statuses := make(map[string]models.TaskStatus, len(tasks))
	for _, t := range tasks {
		statuses[t.ID] = t.Status
	}

	s.mu.Lock()
	s.statuses = statuses
	s.mu.Unlock()

	debugLog("[scheduler] session %s: ledger initialized with %d tasks", s.sessionID, len(tasks))
	return nil
}

// resolve settles one node and its subtree. Nodes already completed or
// aborted short-circuit without re-executing. Cancellation is re-raised so
// an enclosing cancellation propagates instead of being swallowed.
func (s *Scheduler) resolve(ctx context.Context, node *models.TaskNode) (models.TaskStatus, error) {
	s.mu.Lock()
	if cached, ok := s.statuses[node.ID]; ok &&
		(cached == models.TaskStatusCompleted || cached == models.TaskStatusAborted) {
		s.mu.Unlock()
		debugLog("[scheduler] task %s: already %s, skipping", node.ID, cached)
		return cached, nil
	}
	s.mu.Unlock()

	ownStatus, err := s.runNode(ctx, node)
	if err != nil {
		if IsCancellation(err) {
			s.settle(ctx, node.ID, models.TaskStatusAborted)
			return models.TaskStatusAborted, err
		}
		log.Printf("[scheduler] task %s failed: %v", node.ID, err)
		s.settle(ctx, node.ID, models.TaskStatusFailed)
		return models.TaskStatusFailed, nil
	}

	if ownStatus != models.TaskStatusCompleted || !node.HasUnresolvedWork() {
		s.settle(ctx, node.ID, ownStatus)
		return ownStatus, nil
	}

	childStatus, err := s.resolveChildren(ctx, node)
	if err != nil {
		if IsCancellation(err) {
			s.settle(ctx, node.ID, models.TaskStatusAborted)
			return models.TaskStatusAborted, err
		}
		s.settle(ctx, node.ID, models.TaskStatusFailed)
		return models.TaskStatusFailed, nil
	}

	s.settle(ctx, node.ID, childStatus)
	return childStatus, nil
}

// runNode executes the node's own turn loop with the retry policy: up to two
// retries on timeout-class failures with exponential backoff, a fresh Runner
// per attempt, and no retries for business or tool failures.
func (s *Scheduler) runNode(ctx context.Context, node *models.TaskNode) (models.TaskStatus, error) {
	nodeCtx, cancel := context.WithCancel(ctx)
	handle := &execHandle{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.handles[node.ID] = handle
	s.statuses[node.ID] = models.TaskStatusRunning
	s.mu.Unlock()
	defer func() {
		cancel()
		close(handle.done)
		s.mu.Lock()
		delete(s.handles, node.ID)
		s.mu.Unlock()
	}()

	if err := s.store.UpdateTaskStatus(ctx, node.ID, models.TaskStatusRunning); err != nil {
		debugLog("[scheduler] task %s: status sync failed: %v", node.ID, err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxTimeoutRetries; attempt++ {
		if attempt > 0 {
			delay := s.retryBaseDelay * (1 << (attempt - 1))
			debugLog("[scheduler] task %s: retry %d after %s", node.ID, attempt, delay)
			select {
			case <-nodeCtx.Done():
				return models.TaskStatusAborted, nodeCtx.Err()
			case <-time.After(delay):
			}
		}

		runner, err := s.factory.NewRunner(node)
		if err != nil {
			return models.TaskStatusFailed, fmt.Errorf("task %s: create runner: %w", node.ID, err)
		}

		s.mu.Lock()
		s.runners[node.ID] = runner
		s.mu.Unlock()

		status, err := runner.Execute(nodeCtx)

		s.mu.Lock()
		delete(s.runners, node.ID)
		s.mu.Unlock()

		if err == nil {
			return status, nil
		}
		if IsCancellation(err) {
			return models.TaskStatusAborted, err
		}
		if !IsTimeout(err) {
			// Business and tool failures are not retried.
			return models.TaskStatusFailed, fmt.Errorf("task %s: %w", node.ID, err)
		}
		lastErr = err
	}

	return models.TaskStatusFailed, fmt.Errorf("task %s: retries exhausted: %w", node.ID, lastErr)
}

// resolveChildren settles the node's children and sub-graph in parallel,
// bounded by a counting gate sized from the current parallelism setting.
// Each sibling holds its permit until its whole subtree is settled. The fold
// is strict: every outcome must be completed or the parent fails.
func (s *Scheduler) resolveChildren(ctx context.Context, node *models.TaskNode) (models.TaskStatus, error) {
	children, err := s.collectChildren(ctx, node)
	if err != nil {
		return models.TaskStatusFailed, err
	}
	if len(children) == 0 {
		return models.TaskStatusCompleted, nil
	}

	s.mu.Lock()
	gate := semaphore.NewWeighted(s.parallelism)
	s.mu.Unlock()

	var wg sync.WaitGroup
	results := make([]models.TaskStatus, len(children))
	errs := make([]error, len(children))

	for i, child := range children {
		wg.Add(1)
		go func(i int, child *models.TaskNode) {
			defer wg.Done()

			if err := gate.Acquire(ctx, 1); err != nil {
				results[i] = models.TaskStatusAborted
				errs[i] = err
				return
			}
			defer gate.Release(1)

			results[i], errs[i] = s.resolve(ctx, child)
		}(i, child)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil && IsCancellation(err) {
			return models.TaskStatusAborted, err
		}
	}
	for i, err := range errs {
		if err != nil {
			log.Printf("[scheduler] task %s: child %s failed: %v", node.ID, children[i].ID, err)
			return models.TaskStatusFailed, nil
		}
	}
	for _, st := range results {
		if st != models.TaskStatusCompleted {
			return models.TaskStatusFailed, nil
		}
	}
	return models.TaskStatusCompleted, nil
}

// collectChildren loads the node's direct children and its sub-graph root,
// if it owns one.
func (s *Scheduler) collectChildren(ctx context.Context, node *models.TaskNode) ([]*models.TaskNode, error) {
	var children []*models.TaskNode

	for _, childID := range node.ChildIDs {
		child, err := s.store.GetTask(ctx, childID)
		if err != nil {
			return nil, fmt.Errorf("task %s: load child %s: %w", node.ID, childID, err)
		}
		if child == nil {
			return nil, fmt.Errorf("task %s: child %s not found", node.ID, childID)
		}
		children = append(children, child)
	}

	if node.SubGraphRootID != "" {
		sub, err := s.store.GetTask(ctx, node.SubGraphRootID)
		if err != nil {
			return nil, fmt.Errorf("task %s: load subgraph root %s: %w", node.ID, node.SubGraphRootID, err)
		}
		if sub == nil {
			return nil, fmt.Errorf("task %s: subgraph root %s not found", node.ID, node.SubGraphRootID)
		}
		children = append(children, sub)
	}

	return children, nil
}

// settle writes a terminal (or running) status to the ledger and syncs the
// store, then announces the outcome.
func (s *Scheduler) settle(ctx context.Context, nodeID string, status models.TaskStatus) {
	s.mu.Lock()
	s.statuses[nodeID] = status
	s.mu.Unlock()

	if err := s.store.UpdateTaskStatus(context.WithoutCancel(ctx), nodeID, status); err != nil {
		debugLog("[scheduler] task %s: status sync failed: %v", nodeID, err)
	}

	if status.IsTerminal() {
		s.bus.Emit(EventTaskCompleted, TaskEvent{
			TaskID:    nodeID,
			Status:    status,
			Timestamp: time.Now(),
		})
	}
}

// Status returns the ledger status for a node, if known.
func (s *Scheduler) Status(nodeID string) (models.TaskStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[nodeID]
	return st, ok
}

// Cancel cancels a node's in-flight execution and removes it from the
// ledger's active maps. Cancelling a node that was never active is a no-op
// that still reports success.
func (s *Scheduler) Cancel(ctx context.Context, nodeID string) bool {
	s.mu.Lock()
	handle := s.handles[nodeID]
	runner := s.runners[nodeID]
	delete(s.handles, nodeID)
	delete(s.runners, nodeID)
	if handle != nil {
		// Removal from the handle map is paired with a terminal write.
		s.statuses[nodeID] = models.TaskStatusAborted
	}
	s.mu.Unlock()

	if runner != nil {
		runner.Cancel()
	}
	if handle != nil {
		handle.cancel()
		if err := s.store.UpdateTaskStatus(context.WithoutCancel(ctx), nodeID, models.TaskStatusAborted); err != nil {
			debugLog("[scheduler] task %s: status sync failed: %v", nodeID, err)
		}
	}

	debugLog("[scheduler] task %s: cancelled (was active: %v)", nodeID, handle != nil)
	return true
}

// StopAll cancels every active execution, waits for settlement, clears the
// ledger, and returns how many executions were cancelled.
func (s *Scheduler) StopAll() int {
	s.mu.Lock()
	handles := make(map[string]*execHandle, len(s.handles))
	for id, h := range s.handles {
		handles[id] = h
	}
	runners := make([]*Runner, 0, len(s.runners))
	for _, r := range s.runners {
		runners = append(runners, r)
	}
	s.mu.Unlock()

	for _, r := range runners {
		r.Cancel()
	}
	for id, h := range handles {
		h.cancel()
		debugLog("[scheduler] stop-all: cancelled task %s", id)
	}
	for _, h := range handles {
		// Settlement may end in a cancellation error; that is expected.
		<-h.done
	}

	s.mu.Lock()
	s.statuses = make(map[string]models.TaskStatus)
	s.runners = make(map[string]*Runner)
	s.handles = make(map[string]*execHandle)
	s.mu.Unlock()

	return len(handles)
}
