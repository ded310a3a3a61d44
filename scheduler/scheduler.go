// Package scheduler implements the Scheduler (C3): one cooperative dispatch
// loop per running queue, driving tasks through the agent invoker and the
// queue store while honoring pause/resume/stop and retry/backoff.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/taskmesh/queueengine/agent"
	"github.com/taskmesh/queueengine/event"
	"github.com/taskmesh/queueengine/queue"
	"github.com/taskmesh/queueengine/task"
)

// pollInterval is the tick used while paused, starved for slots, or with
// nothing ready to dispatch (spec §4.3 step 1/2's "100 ms ticks").
const pollInterval = 100 * time.Millisecond

// maxBackoff caps retry backoff regardless of retryCount (spec §9 Open
// Question 2 resolution: 5 minutes).
const maxBackoff = 300000 * time.Millisecond

// Dispatcher performs one agent invocation. Satisfied by *agent.Invoker;
// an interface here so tests can substitute a scripted fake without standing
// up an httptest.Server for every scheduler test.
type Dispatcher interface {
	Invoke(ctx context.Context, ag agent.Agent, req agent.Request) (*task.Result, *task.Error)
}

type completion struct {
	taskID  string
	agentID string
	result  *task.Result
	err     *task.Error
}

// Scheduler drives exactly one queue's tasks to completion. Grounded on the
// deleted agent/runtime.go's single-threaded select-loop-plus-background-
// work shape, generalized from one chat agent's conversation loop to one
// queue's task dispatch loop (spec §5's concurrency model: the loop touches
// per-queue state alone; background dispatches hand their results back over
// the completions channel, and the running-tasks map of cancel functions is
// guarded by runningMu).
type Scheduler struct {
	queueID    string
	store      queue.Store
	agents     *agent.Registry
	dispatcher Dispatcher
	events     chan event.TaskQueueEvent

	mu     sync.Mutex
	paused bool

	stopOnce sync.Once
	stopCh   chan struct{}

	runningMu sync.Mutex
	running   map[string]context.CancelFunc

	completions chan completion
	retries     sync.WaitGroup

	settingsMu sync.Mutex
	settings   queue.Settings
}

// New builds a Scheduler for queueID. dispatcher is typically
// agent.NewInvoker(nil); tests may substitute a fake.
func New(queueID string, store queue.Store, agents *agent.Registry, dispatcher Dispatcher) *Scheduler {
	return &Scheduler{
		queueID:     queueID,
		store:       store,
		agents:      agents,
		dispatcher:  dispatcher,
		events:      make(chan event.TaskQueueEvent, 64),
		stopCh:      make(chan struct{}),
		running:     make(map[string]context.CancelFunc),
		completions: make(chan completion, 32),
		settings:    queue.DefaultSettings(),
	}
}

// Events yields every event this Scheduler emits, in emission order. The
// channel closes once Run returns.
func (s *Scheduler) Events() <-chan event.TaskQueueEvent { return s.events }

// Pause signals the pause gate; running dispatches continue to completion.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume clears the pause gate.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

// Stop cancels every running dispatch and any pending retry timers, and
// causes Run to exit and mark the queue failed. Idempotent.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Scheduler) isStopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// Run executes the main loop (spec §4.3) until the queue has no
// non-terminal work, or Stop is called. On a normal exit it persists a
// terminal queue status and emits the matching terminal event; if loading
// the queue fails mid-run, or finalizing fails, it returns that error and no
// terminal event is emitted.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.events)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go func() {
		select {
		case <-s.stopCh:
			cancelRun()
		case <-runCtx.Done():
		}
	}()

	s.emit(event.TaskQueueEvent{Type: event.TypeQueueStarted, QueueID: s.queueID, EmittedAt: nowMillis()})

	wasPaused := false
	for {
		if s.isPaused() {
			if !wasPaused {
				s.emit(event.TaskQueueEvent{Type: event.TypeQueuePaused, QueueID: s.queueID, EmittedAt: nowMillis()})
				wasPaused = true
			}
			s.drainCompletions()
			if s.wait(runCtx) {
				break
			}
			continue
		}
		if wasPaused {
			s.emit(event.TaskQueueEvent{Type: event.TypeQueueResumed, QueueID: s.queueID, EmittedAt: nowMillis()})
			wasPaused = false
		}

		s.drainCompletions()

		if s.isStopped() {
			break
		}

		q, err := s.store.LoadQueue(runCtx, s.queueID)
		if err != nil {
			// A canceled runCtx (the outer context ending directly, without
			// going through Stop) surfaces here as a store error; treat it
			// the same as an explicit stop so a terminal event still fires.
			if runCtx.Err() != nil {
				break
			}
			cancelRun()
			s.shutdown()
			return fmt.Errorf("scheduler: load queue %s: %w", s.queueID, err)
		}
		s.setSettings(q.Settings)

		if !hasNonTerminalWork(q) && s.runningCount() == 0 {
			break
		}

		availableSlots := q.Settings.MaxConcurrency - s.runningCount()
		if availableSlots <= 0 {
			if s.wait(runCtx) {
				break
			}
			continue
		}

		ready := selectReady(q.Tasks, availableSlots)
		if len(ready) == 0 {
			if s.wait(runCtx) {
				break
			}
			continue
		}

		for _, t := range ready {
			s.dispatch(runCtx, q.Settings, t)
		}
	}

	stopped := s.isStopped()
	if stopped {
		// Completions that arrived before the stop are handled normally, so
		// a retryable failure enters its backoff and is then aborted there.
		s.drainCompletions()
	}
	s.shutdown()
	// finalize persists terminal state unconditionally, so it must not use
	// ctx: by the time we get here ctx may already be canceled (the usual
	// reason the loop exited in the first place).
	return s.finalize(context.Background(), stopped)
}

// wait sleeps one poll tick, reporting true if the scheduler should exit
// the loop immediately (stopped or the outer context ended).
func (s *Scheduler) wait(ctx context.Context) bool {
	select {
	case <-time.After(pollInterval):
		return s.isStopped()
	case <-ctx.Done():
		return true
	}
}

func hasNonTerminalWork(q *queue.Queue) bool {
	for _, t := range q.Tasks {
		switch t.Status {
		case task.StatusPending, task.StatusQueued, task.StatusInProgress, task.StatusRetrying:
			return true
		}
	}
	return false
}

// selectReady implements the Ready-set computation of spec §4.3 step 2:
// tasks in {pending, queued}, sorted by priority ascending, stable so ties
// fall back to the queue's insertion order (LoadQueue's own ordering
// guarantee), capped to n.
func selectReady(tasks []*task.Task, n int) []*task.Task {
	eligible := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Status == task.StatusPending || t.Status == task.StatusQueued {
			eligible = append(eligible, t)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Priority < eligible[j].Priority
	})
	if len(eligible) > n {
		eligible = eligible[:n]
	}
	return eligible
}

func (s *Scheduler) setSettings(settings queue.Settings) {
	s.settingsMu.Lock()
	s.settings = settings
	s.settingsMu.Unlock()
}

func (s *Scheduler) retryBaseDelayMs() int {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()
	return s.settings.RetryDelay
}

func (s *Scheduler) runningCount() int {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	return len(s.running)
}

func (s *Scheduler) setRunning(taskID string, cancel context.CancelFunc) {
	s.runningMu.Lock()
	s.running[taskID] = cancel
	s.runningMu.Unlock()
}

func (s *Scheduler) clearRunning(taskID string) {
	s.runningMu.Lock()
	delete(s.running, taskID)
	s.runningMu.Unlock()
}

func (s *Scheduler) emit(ev event.TaskQueueEvent) {
	s.events <- ev
}

// dispatch implements spec §4.3 step 3: resolve the agent, mark the task
// in_progress, mark the agent busy, emit task_started, and start the
// invocation in the background with a fresh cancellation token.
func (s *Scheduler) dispatch(ctx context.Context, settings queue.Settings, t *task.Task) {
	now := nowMillis()

	ag, ok := s.agents.Resolve(t.AgentID)
	if !ok {
		terr := &task.Error{Type: task.ErrorExecution, Message: "agent not found", Retryable: false, OccurredAt: now}
		failed := task.StatusFailed
		_ = s.store.UpdateTask(ctx, t.ID, task.Update{Status: &failed, CompletedAt: &now, Error: terr})
		s.emit(event.TaskQueueEvent{Type: event.TypeTaskFailed, QueueID: s.queueID, EmittedAt: now, Payload: event.TaskFailed{TaskID: t.ID, Error: terr}})
		return
	}

	inProgress := task.StatusInProgress
	_ = s.store.UpdateTask(ctx, t.ID, task.Update{Status: &inProgress, StartedAt: &now})
	_ = s.store.MarkAgentBusy(ctx, t.AgentID)
	// Keeps the store's FIFO pending-list cardinality in sync with this
	// priority-ordered dispatch; the popped id itself is not consulted,
	// since selection already happened against the loaded task set.
	_, _ = s.store.PopNextTask(ctx, s.queueID)

	s.emit(event.TaskQueueEvent{Type: event.TypeTaskStarted, QueueID: s.queueID, EmittedAt: now, Payload: event.TaskStarted{TaskID: t.ID, AgentID: t.AgentID}})

	dispatchCtx, cancel := context.WithTimeout(ctx, time.Duration(settings.TimeoutPerTask)*time.Millisecond)
	s.setRunning(t.ID, cancel)

	message, agentID, requestID := t.Message, t.AgentID, t.ID
	go func() {
		result, taskErr := s.dispatcher.Invoke(dispatchCtx, ag, agent.Request{Message: message, RequestID: requestID})
		cancel()
		s.completions <- completion{taskID: requestID, agentID: agentID, result: result, err: taskErr}
	}()
}

// drainCompletions processes every completion currently buffered, without
// blocking (spec §5's "loop drains" half of the completions channel).
// Store bookkeeping always uses a background context: a completion that has
// already happened must be recorded even if the caller's context that
// originally started Run has since been canceled.
func (s *Scheduler) drainCompletions() {
	for {
		select {
		case c := <-s.completions:
			s.handleCompletion(context.Background(), c)
		default:
			return
		}
	}
}

// handleCompletion implements spec §4.3 step 4's three-way branch.
func (s *Scheduler) handleCompletion(ctx context.Context, c completion) {
	s.clearRunning(c.taskID)
	_ = s.store.MarkAgentAvailable(ctx, c.agentID)

	now := nowMillis()

	if c.err == nil {
		completed := task.StatusCompleted
		_ = s.store.UpdateTask(ctx, c.taskID, task.Update{Status: &completed, CompletedAt: &now, Result: c.result})
		s.emit(event.TaskQueueEvent{Type: event.TypeTaskCompleted, QueueID: s.queueID, EmittedAt: now, Payload: event.TaskCompleted{TaskID: c.taskID, Result: c.result}})
		return
	}

	t, loadErr := s.store.LoadTask(ctx, c.taskID)
	if loadErr != nil {
		// Task vanished out from under us (e.g. queue deleted mid-flight);
		// nothing left to update.
		return
	}

	if c.err.Retryable && t.RetryCount < t.MaxRetries {
		nextRetry := t.RetryCount + 1
		retrying := task.StatusRetrying
		_ = s.store.UpdateTask(ctx, c.taskID, task.Update{Status: &retrying, RetryCount: &nextRetry, Error: c.err})
		s.emit(event.TaskQueueEvent{Type: event.TypeTaskRetrying, QueueID: s.queueID, EmittedAt: now, Payload: event.TaskRetrying{TaskID: c.taskID, Attempt: nextRetry, MaxRetries: t.MaxRetries}})
		s.scheduleRetry(c.taskID, retryDelay(s.retryBaseDelayMs(), nextRetry))
		return
	}

	failed := task.StatusFailed
	_ = s.store.UpdateTask(ctx, c.taskID, task.Update{Status: &failed, CompletedAt: &now, Error: c.err})
	s.emit(event.TaskQueueEvent{Type: event.TypeTaskFailed, QueueID: s.queueID, EmittedAt: now, Payload: event.TaskFailed{TaskID: c.taskID, Error: c.err}})
}

// retryDelay applies spec §4.3 step 4's backoff formula, capped per the
// Open Question 2 resolution (SPEC_FULL.md §F.2).
func retryDelay(baseMs, retryCount int) time.Duration {
	d := time.Duration(baseMs) * time.Millisecond
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// scheduleRetry requeues taskID to pending after delay, unless the
// scheduler is stopped first — a stop cancels every pending retry along
// with every in-flight dispatch (spec §5's cancellation model).
func (s *Scheduler) scheduleRetry(taskID string, delay time.Duration) {
	s.retries.Add(1)
	go func() {
		defer s.retries.Done()
		select {
		case <-time.After(delay):
		case <-s.stopCh:
			// Abort during the retry delay forgoes the requeue entirely: the
			// task ends failed with type:abort rather than sitting in
			// retrying forever (spec §8's boundary behavior).
			bg := context.Background()
			failed := task.StatusFailed
			now := nowMillis()
			terr := &task.Error{Type: task.ErrorAbort, Message: "aborted during retry backoff", Retryable: false, OccurredAt: now}
			_ = s.store.UpdateTask(bg, taskID, task.Update{Status: &failed, CompletedAt: &now, Error: terr})
			s.emit(event.TaskQueueEvent{Type: event.TypeTaskFailed, QueueID: s.queueID, EmittedAt: now, Payload: event.TaskFailed{TaskID: taskID, Error: terr}})
			return
		}
		pending := task.StatusPending
		bg := context.Background()
		_ = s.store.UpdateTask(bg, taskID, task.Update{Status: &pending})
		_ = s.store.RequeueTask(bg, s.queueID, taskID)
	}()
}

// shutdown cancels every in-flight dispatch, waits for the completions they
// produce (or for pending retry timers to notice the stop), and drains any
// remaining entries from the completions channel.
func (s *Scheduler) shutdown() {
	s.runningMu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.running))
	for _, cancel := range s.running {
		cancels = append(cancels, cancel)
	}
	s.runningMu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}

	deadline := time.After(5 * time.Second)
	for s.runningCount() > 0 {
		select {
		case c := <-s.completions:
			s.handleStoppedCompletion(c)
		case <-deadline:
			return
		}
	}
	s.retries.Wait()
}

// handleStoppedCompletion records an aborted dispatch's terminal status
// during shutdown, without re-entering retry scheduling (a stopped
// scheduler does not requeue).
func (s *Scheduler) handleStoppedCompletion(c completion) {
	s.clearRunning(c.taskID)
	ctx := context.Background()
	_ = s.store.MarkAgentAvailable(ctx, c.agentID)
	now := nowMillis()
	if c.err == nil {
		completed := task.StatusCompleted
		_ = s.store.UpdateTask(ctx, c.taskID, task.Update{Status: &completed, CompletedAt: &now, Result: c.result})
		s.emit(event.TaskQueueEvent{Type: event.TypeTaskCompleted, QueueID: s.queueID, EmittedAt: now, Payload: event.TaskCompleted{TaskID: c.taskID, Result: c.result}})
		return
	}
	failed := task.StatusFailed
	_ = s.store.UpdateTask(ctx, c.taskID, task.Update{Status: &failed, CompletedAt: &now, Error: c.err})
	s.emit(event.TaskQueueEvent{Type: event.TypeTaskFailed, QueueID: s.queueID, EmittedAt: now, Payload: event.TaskFailed{TaskID: c.taskID, Error: c.err}})
}

// finalize implements spec §4.3 step 5's exit: recompute metrics from
// ground truth, persist them, set the terminal queue status, and emit the
// matching terminal event.
func (s *Scheduler) finalize(ctx context.Context, stopped bool) error {
	q, err := s.store.LoadQueue(ctx, s.queueID)
	if err != nil {
		return fmt.Errorf("scheduler: finalize load queue %s: %w", s.queueID, err)
	}
	q.RecomputeMetrics()
	if err := s.store.UpdateQueueMetrics(ctx, s.queueID, q.Metrics); err != nil {
		return fmt.Errorf("scheduler: persist metrics: %w", err)
	}

	now := nowMillis()
	if stopped {
		if err := s.store.UpdateQueueStatus(ctx, s.queueID, queue.StatusFailed, now); err != nil {
			return fmt.Errorf("scheduler: persist status: %w", err)
		}
		s.emit(event.TaskQueueEvent{Type: event.TypeQueueFailed, QueueID: s.queueID, EmittedAt: now, Payload: event.QueueFailed{Error: "Queue was stopped"}})
		return nil
	}

	if q.Metrics.FailedTasks > 0 {
		if err := s.store.UpdateQueueStatus(ctx, s.queueID, queue.StatusFailed, now); err != nil {
			return fmt.Errorf("scheduler: persist status: %w", err)
		}
		s.emit(event.TaskQueueEvent{Type: event.TypeQueueFailed, QueueID: s.queueID, EmittedAt: now, Payload: event.QueueFailed{Error: "one or more tasks failed"}})
		return nil
	}

	if err := s.store.UpdateQueueStatus(ctx, s.queueID, queue.StatusCompleted, now); err != nil {
		return fmt.Errorf("scheduler: persist status: %w", err)
	}
	s.emit(event.TaskQueueEvent{Type: event.TypeQueueCompleted, QueueID: s.queueID, EmittedAt: now, Payload: event.QueueCompleted{Metrics: q.Metrics}})
	return nil
}

func nowMillis() int64 { return time.Now().UnixMilli() }
