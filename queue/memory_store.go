package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/taskmesh/queueengine/event"
	"github.com/taskmesh/queueengine/task"
)

// MemoryStore is the in-process fallback backend: loses persistence across
// restarts but preserves full Store semantics, per spec §4.2's failure
// model ("the system transparently degrades to an in-process fallback").
// Grounded on server/api/agentmgr.go's memStore: a mutex-guarded map with
// deep-copy on read and write to prevent callers aliasing internal state.
type MemoryStore struct {
	mu      sync.RWMutex
	queues  map[string]*Queue
	tasks   map[string]*task.Task
	pending map[string][]string // queueID -> ordered pending task ids
	busy    map[string]struct{}
	broker  *broker
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		queues:  make(map[string]*Queue),
		tasks:   make(map[string]*task.Task),
		pending: make(map[string][]string),
		busy:    make(map[string]struct{}),
		broker:  newBroker(),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) SaveQueue(_ context.Context, q *Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *q
	cp.Tasks = nil
	s.queues[q.ID] = &cp

	var pend []string
	for _, t := range q.Tasks {
		s.tasks[t.ID] = t.Clone()
		if t.Status == task.StatusPending || t.Status == task.StatusQueued {
			pend = append(pend, t.ID)
		}
	}
	s.pending[q.ID] = pend
	return nil
}

func (s *MemoryStore) LoadQueue(_ context.Context, id string) (*Queue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.queues[id]
	if !ok {
		return nil, fmt.Errorf("queue %s: %w", id, ErrNotFound)
	}
	out := *q
	for _, t := range s.tasks {
		if t.QueueID == id {
			out.Tasks = append(out.Tasks, t.Clone())
		}
	}
	sort.Slice(out.Tasks, func(i, j int) bool { return out.Tasks[i].CreatedAt < out.Tasks[j].CreatedAt })
	return &out, nil
}

func (s *MemoryStore) DeleteQueue(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queues[id]; !ok {
		return fmt.Errorf("queue %s: %w", id, ErrNotFound)
	}
	delete(s.queues, id)
	delete(s.pending, id)
	for tid, t := range s.tasks {
		if t.QueueID == id {
			delete(s.tasks, tid)
		}
	}
	return nil
}

func (s *MemoryStore) ListQueues(_ context.Context) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	completed := make(map[string]int)
	for _, t := range s.tasks {
		counts[t.QueueID]++
		if t.Status == task.StatusCompleted {
			completed[t.QueueID]++
		}
	}

	summaries := make([]Summary, 0, len(s.queues))
	for id, q := range s.queues {
		summaries = append(summaries, Summary{
			ID:             id,
			Name:           q.Name,
			Status:         q.Status,
			TaskCount:      counts[id],
			CompletedCount: completed[id],
			CreatedAt:      q.CreatedAt,
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].CreatedAt > summaries[j].CreatedAt })
	return summaries, nil
}

func (s *MemoryStore) UpdateQueueStatus(_ context.Context, id string, status Status, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[id]
	if !ok {
		return fmt.Errorf("queue %s: %w", id, ErrNotFound)
	}
	q.Status = status
	if status == StatusRunning && ts > 0 {
		q.StartedAt = ts
	}
	if status == StatusCompleted && ts > 0 {
		q.CompletedAt = ts
	}
	return nil
}

func (s *MemoryStore) UpdateQueueMetrics(_ context.Context, id string, metrics Metrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[id]
	if !ok {
		return fmt.Errorf("queue %s: %w", id, ErrNotFound)
	}
	q.Metrics = metrics
	return nil
}

func (s *MemoryStore) SaveTask(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[t.ID] = t.Clone()
	if t.Status == task.StatusPending || t.Status == task.StatusQueued {
		s.pending[t.QueueID] = append(s.pending[t.QueueID], t.ID)
	}
	return nil
}

func (s *MemoryStore) LoadTask(_ context.Context, id string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, id string, upd task.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	upd.Apply(t)
	return nil
}

func (s *MemoryStore) PopNextTask(_ context.Context, queueID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.pending[queueID]
	if len(list) == 0 {
		return "", nil
	}
	id := list[0]
	s.pending[queueID] = list[1:]
	return id, nil
}

func (s *MemoryStore) RequeueTask(_ context.Context, queueID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[queueID] = append(s.pending[queueID], taskID)
	return nil
}

func (s *MemoryStore) MarkAgentBusy(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy[agentID] = struct{}{}
	return nil
}

func (s *MemoryStore) MarkAgentAvailable(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.busy, agentID)
	return nil
}

func (s *MemoryStore) GetBusyAgents(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.busy))
	for a := range s.busy {
		out = append(out, a)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) PublishEvent(_ context.Context, queueID string, ev event.TaskQueueEvent) error {
	s.broker.publish(queueID, ev)
	return nil
}

func (s *MemoryStore) SubscribeToQueue(queueID string, callback func(event.TaskQueueEvent)) func() {
	return s.broker.subscribe(queueID, func(v any) {
		if ev, ok := v.(event.TaskQueueEvent); ok {
			callback(ev)
		}
	})
}

func (s *MemoryStore) LoadInterruptedQueues(_ context.Context) ([]*Queue, error) {
	s.mu.RLock()
	var ids []string
	for id, q := range s.queues {
		if q.Status == StatusRunning || q.Status == StatusPaused {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	var out []*Queue
	for _, id := range ids {
		q, err := s.LoadQueue(context.Background(), id)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

func (s *MemoryStore) ResetInterruptedQueue(ctx context.Context, id string) error {
	return resetInterruptedQueue(ctx, s, id)
}
