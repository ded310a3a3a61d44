package queue

import (
	"context"
	"errors"

	"github.com/taskmesh/queueengine/event"
	"github.com/taskmesh/queueengine/task"
)

// ErrNotFound is returned by Store methods when the requested queue or task
// does not exist.
var ErrNotFound = errors.New("not found")

// Store is the full C2 operation set (spec §4.2), implemented by
// SQLiteStore, RedisStore, and MemoryStore.
type Store interface {
	// SaveQueue atomically persists queue metadata, all tasks, the task-id
	// list, and the initial pending list (ids of pending/queued tasks).
	SaveQueue(ctx context.Context, q *Queue) error

	// LoadQueue reconstructs a queue including all tasks in original
	// insertion order. Returns ErrNotFound if absent.
	LoadQueue(ctx context.Context, id string) (*Queue, error)

	// DeleteQueue removes a queue, its tasks, task-id list, pending list,
	// and index entry.
	DeleteQueue(ctx context.Context, id string) error

	// ListQueues returns lightweight summaries sorted by createdAt
	// descending.
	ListQueues(ctx context.Context) ([]Summary, error)

	// UpdateQueueStatus sets status; if running and ts > 0, sets startedAt;
	// if completed and ts > 0, sets completedAt.
	UpdateQueueStatus(ctx context.Context, id string, status Status, ts int64) error

	// UpdateQueueMetrics overwrites a queue's metrics snapshot.
	UpdateQueueMetrics(ctx context.Context, id string, metrics Metrics) error

	// SaveTask persists a new task.
	SaveTask(ctx context.Context, t *task.Task) error

	// LoadTask retrieves a task by id. Returns ErrNotFound if absent.
	LoadTask(ctx context.Context, id string) (*task.Task, error)

	// UpdateTask merges a partial update onto an existing task. Unsupplied
	// fields in upd are left untouched.
	UpdateTask(ctx context.Context, id string, upd task.Update) error

	// PopNextTask atomically pops the head of queueId's pending list.
	// Returns ("", nil) if the list is empty.
	PopNextTask(ctx context.Context, queueID string) (string, error)

	// RequeueTask pushes taskId back onto queueId's pending list.
	RequeueTask(ctx context.Context, queueID, taskID string) error

	// MarkAgentBusy adds agentID to the global busy-agents set.
	MarkAgentBusy(ctx context.Context, agentID string) error

	// MarkAgentAvailable removes agentID from the global busy-agents set.
	MarkAgentAvailable(ctx context.Context, agentID string) error

	// GetBusyAgents returns the current busy-agents set.
	GetBusyAgents(ctx context.Context) ([]string, error)

	// PublishEvent delivers ev to all current subscribers of queueId's
	// channel. Best-effort; there is no replay buffer.
	PublishEvent(ctx context.Context, queueID string, ev event.TaskQueueEvent) error

	// SubscribeToQueue registers a consumer for queueId's channel. The
	// returned function unsubscribes it.
	SubscribeToQueue(queueID string, callback func(event.TaskQueueEvent)) (unsubscribe func())

	// LoadInterruptedQueues returns all queues with status running or
	// paused.
	LoadInterruptedQueues(ctx context.Context) ([]*Queue, error)

	// ResetInterruptedQueue idempotently normalizes one interrupted queue:
	// (a) sets it to paused; (b) resets every in_progress/retrying task to
	// pending, clearing startedAt; (c) rebuilds the pending list from all
	// non-terminal tasks in insertion order; (d) clears the global
	// busy-agents set.
	ResetInterruptedQueue(ctx context.Context, id string) error

	// Close releases any underlying connection. Safe to call on a nil
	// connection (e.g. MemoryStore).
	Close() error
}
