package queue

import (
	"context"
	"fmt"

	"github.com/taskmesh/queueengine/task"
)

// resetInterruptedQueue implements spec §4.2's resetInterruptedQueue
// algorithm once, in terms of the Store interface, so every backend gets
// the identical, idempotent behavior: (a) set queue to paused; (b) reset
// every in_progress/retrying task to pending, clearing startedAt; (c)
// rebuild the pending list from all non-terminal tasks in insertion order;
// (d) clear the busy-agents set.
func resetInterruptedQueue(ctx context.Context, s Store, id string) error {
	q, err := s.LoadQueue(ctx, id)
	if err != nil {
		return fmt.Errorf("load queue for recovery: %w", err)
	}

	if err := s.UpdateQueueStatus(ctx, id, StatusPaused, 0); err != nil {
		return fmt.Errorf("pause interrupted queue: %w", err)
	}

	var pendingIDs []string
	for _, t := range q.Tasks {
		switch t.Status {
		case task.StatusInProgress, task.StatusRetrying:
			zero := int64(0)
			pending := task.StatusPending
			if err := s.UpdateTask(ctx, t.ID, task.Update{Status: &pending, StartedAt: &zero}); err != nil {
				return fmt.Errorf("reset task %s: %w", t.ID, err)
			}
			pendingIDs = append(pendingIDs, t.ID)
		case task.StatusPending, task.StatusQueued:
			pendingIDs = append(pendingIDs, t.ID)
		}
	}

	// Rebuild the pending list by draining it, then requeuing in
	// insertion order — idempotent because a second pass finds nothing
	// left to drain and the tasks are already pending.
	for {
		id2, err := s.PopNextTask(ctx, id)
		if err != nil {
			return fmt.Errorf("drain pending list: %w", err)
		}
		if id2 == "" {
			break
		}
	}
	for _, tid := range pendingIDs {
		if err := s.RequeueTask(ctx, id, tid); err != nil {
			return fmt.Errorf("rebuild pending list: %w", err)
		}
	}

	busy, err := s.GetBusyAgents(ctx)
	if err != nil {
		return fmt.Errorf("list busy agents: %w", err)
	}
	for _, agentID := range busy {
		if err := s.MarkAgentAvailable(ctx, agentID); err != nil {
			return fmt.Errorf("clear busy agent %s: %w", agentID, err)
		}
	}
	return nil
}

// Coordinator is the Recovery Coordinator (C5). It runs once at scheduler
// startup: every queue whose last-known status was running or paused is
// normalized into paused with all in-flight work back to pending, awaiting
// an explicit resume.
type Coordinator struct {
	store Store
}

// NewCoordinator creates a Coordinator bound to store.
func NewCoordinator(store Store) *Coordinator {
	return &Coordinator{store: store}
}

// Recover loads every interrupted queue and resets it. It returns the ids
// of the queues it normalized, for logging.
func (c *Coordinator) Recover(ctx context.Context) ([]string, error) {
	queues, err := c.store.LoadInterruptedQueues(ctx)
	if err != nil {
		return nil, fmt.Errorf("load interrupted queues: %w", err)
	}

	ids := make([]string, 0, len(queues))
	for _, q := range queues {
		if err := c.store.ResetInterruptedQueue(ctx, q.ID); err != nil {
			return ids, fmt.Errorf("reset queue %s: %w", q.ID, err)
		}
		ids = append(ids, q.ID)
	}
	return ids, nil
}
