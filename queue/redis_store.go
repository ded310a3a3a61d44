package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/taskmesh/queueengine/event"
	"github.com/taskmesh/queueengine/task"
)

// Redis key naming follows spec §6's logical persistent state layout
// exactly: queue:{id}, queue:tasks:{id}, task:{id}, queue:pending:{id},
// busy_agents, queues, queue:events:{id}.
const (
	redisKeyQueuesIndex = "queues"
	redisKeyBusyAgents  = "busy_agents"
)

func redisQueueKey(id string) string        { return "queue:" + id }
func redisQueueTasksKey(id string) string   { return "queue:tasks:" + id }
func redisTaskKey(id string) string         { return "task:" + id }
func redisQueuePendingKey(id string) string { return "queue:pending:" + id }
func redisQueueEventsKey(id string) string  { return "queue:events:" + id }

// RedisStore is the durable, multi-process Store backend with native
// pub/sub. Grounded on minhyannv-task-go/internal/task_manager/task_manager.go:
// HSet/HGetAll task hashes via Task.ToMap/FromMap, RPush/LPop list
// operations for the pending FIFO, and the same key-naming discipline
// (a fixed prefix per logical collection).
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an already-connected *redis.Client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) SaveQueue(ctx context.Context, q *Queue) error {
	pipe := s.client.TxPipeline()

	settings, _ := json.Marshal(q.Settings)
	metrics, _ := json.Marshal(q.Metrics)
	pipe.HSet(ctx, redisQueueKey(q.ID), map[string]any{
		"id":          q.ID,
		"name":        q.Name,
		"description": q.Description,
		"status":      string(q.Status),
		"settings":    string(settings),
		"metrics":     string(metrics),
		"createdAt":   q.CreatedAt,
		"startedAt":   q.StartedAt,
		"completedAt": q.CompletedAt,
	})
	pipe.ZAdd(ctx, redisKeyQueuesIndex, redis.Z{Score: float64(q.CreatedAt), Member: q.ID})

	for _, t := range q.Tasks {
		pipe.HSet(ctx, redisTaskKey(t.ID), t.ToMap())
		pipe.RPush(ctx, redisQueueTasksKey(q.ID), t.ID)
		if t.Status == task.StatusPending || t.Status == task.StatusQueued {
			pipe.RPush(ctx, redisQueuePendingKey(q.ID), t.ID)
		}
	}

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("save queue: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadQueue(ctx context.Context, id string) (*Queue, error) {
	data, err := s.client.HGetAll(ctx, redisQueueKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("queue %s: %w", id, ErrNotFound)
	}

	q := &Queue{
		ID:          data["id"],
		Name:        data["name"],
		Description: data["description"],
		Status:      Status(data["status"]),
	}
	q.CreatedAt, _ = strconv.ParseInt(data["createdAt"], 10, 64)
	q.StartedAt, _ = strconv.ParseInt(data["startedAt"], 10, 64)
	q.CompletedAt, _ = strconv.ParseInt(data["completedAt"], 10, 64)
	_ = json.Unmarshal([]byte(data["settings"]), &q.Settings)
	_ = json.Unmarshal([]byte(data["metrics"]), &q.Metrics)

	taskIDs, err := s.client.LRange(ctx, redisQueueTasksKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load queue task ids: %w", err)
	}
	for _, tid := range taskIDs {
		t, err := s.LoadTask(ctx, tid)
		if err != nil {
			return nil, fmt.Errorf("load queue task %s: %w", tid, err)
		}
		q.Tasks = append(q.Tasks, t)
	}
	return q, nil
}

func (s *RedisStore) DeleteQueue(ctx context.Context, id string) error {
	taskIDs, err := s.client.LRange(ctx, redisQueueTasksKey(id), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("list queue tasks for delete: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, redisQueueKey(id))
	pipe.Del(ctx, redisQueueTasksKey(id))
	pipe.Del(ctx, redisQueuePendingKey(id))
	pipe.ZRem(ctx, redisKeyQueuesIndex, id)
	for _, tid := range taskIDs {
		pipe.Del(ctx, redisTaskKey(tid))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete queue: %w", err)
	}
	return nil
}

func (s *RedisStore) ListQueues(ctx context.Context) ([]Summary, error) {
	ids, err := s.client.ZRevRange(ctx, redisKeyQueuesIndex, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list queue index: %w", err)
	}

	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.HGetAll(ctx, redisQueueKey(id)).Result()
		if err != nil || len(data) == 0 {
			continue
		}
		createdAt, _ := strconv.ParseInt(data["createdAt"], 10, 64)

		taskIDs, err := s.client.LRange(ctx, redisQueueTasksKey(id), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("list queue tasks: %w", err)
		}
		completed := 0
		for _, tid := range taskIDs {
			status, err := s.client.HGet(ctx, redisTaskKey(tid), "status").Result()
			if err == nil && task.Status(status) == task.StatusCompleted {
				completed++
			}
		}

		out = append(out, Summary{
			ID:             id,
			Name:           data["name"],
			Status:         Status(data["status"]),
			TaskCount:      len(taskIDs),
			CompletedCount: completed,
			CreatedAt:      createdAt,
		})
	}
	return out, nil
}

func (s *RedisStore) UpdateQueueStatus(ctx context.Context, id string, status Status, ts int64) error {
	exists, err := s.client.Exists(ctx, redisQueueKey(id)).Result()
	if err != nil {
		return fmt.Errorf("check queue exists: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("queue %s: %w", id, ErrNotFound)
	}

	fields := map[string]any{"status": string(status)}
	if status == StatusRunning && ts > 0 {
		fields["startedAt"] = ts
	}
	if status == StatusCompleted && ts > 0 {
		fields["completedAt"] = ts
	}
	if err := s.client.HSet(ctx, redisQueueKey(id), fields).Err(); err != nil {
		return fmt.Errorf("update queue status: %w", err)
	}
	return nil
}

func (s *RedisStore) UpdateQueueMetrics(ctx context.Context, id string, metrics Metrics) error {
	exists, err := s.client.Exists(ctx, redisQueueKey(id)).Result()
	if err != nil {
		return fmt.Errorf("check queue exists: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("queue %s: %w", id, ErrNotFound)
	}
	b, _ := json.Marshal(metrics)
	if err := s.client.HSet(ctx, redisQueueKey(id), "metrics", string(b)).Err(); err != nil {
		return fmt.Errorf("update queue metrics: %w", err)
	}
	return nil
}

func (s *RedisStore) SaveTask(ctx context.Context, t *task.Task) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, redisTaskKey(t.ID), t.ToMap())
	pipe.RPush(ctx, redisQueueTasksKey(t.QueueID), t.ID)
	if t.Status == task.StatusPending || t.Status == task.StatusQueued {
		pipe.RPush(ctx, redisQueuePendingKey(t.QueueID), t.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadTask(ctx context.Context, id string) (*task.Task, error) {
	data, err := s.client.HGetAll(ctx, redisTaskKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	var t task.Task
	if err := t.FromMap(data); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &t, nil
}

func (s *RedisStore) UpdateTask(ctx context.Context, id string, upd task.Update) error {
	existing, err := s.LoadTask(ctx, id)
	if err != nil {
		return err
	}
	upd.Apply(existing)
	if err := s.client.HSet(ctx, redisTaskKey(id), existing.ToMap()).Err(); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

func (s *RedisStore) PopNextTask(ctx context.Context, queueID string) (string, error) {
	id, err := s.client.LPop(ctx, redisQueuePendingKey(queueID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("pop next task: %w", err)
	}
	return id, nil
}

func (s *RedisStore) RequeueTask(ctx context.Context, queueID, taskID string) error {
	if err := s.client.RPush(ctx, redisQueuePendingKey(queueID), taskID).Err(); err != nil {
		return fmt.Errorf("requeue task: %w", err)
	}
	return nil
}

func (s *RedisStore) MarkAgentBusy(ctx context.Context, agentID string) error {
	if err := s.client.SAdd(ctx, redisKeyBusyAgents, agentID).Err(); err != nil {
		return fmt.Errorf("mark agent busy: %w", err)
	}
	return nil
}

func (s *RedisStore) MarkAgentAvailable(ctx context.Context, agentID string) error {
	if err := s.client.SRem(ctx, redisKeyBusyAgents, agentID).Err(); err != nil {
		return fmt.Errorf("mark agent available: %w", err)
	}
	return nil
}

func (s *RedisStore) GetBusyAgents(ctx context.Context) ([]string, error) {
	agents, err := s.client.SMembers(ctx, redisKeyBusyAgents).Result()
	if err != nil {
		return nil, fmt.Errorf("get busy agents: %w", err)
	}
	return agents, nil
}

func (s *RedisStore) PublishEvent(ctx context.Context, queueID string, ev event.TaskQueueEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, redisQueueEventsKey(queueID), b).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// SubscribeToQueue subscribes to queueID's Redis pub/sub channel and runs a
// goroutine that decodes and forwards each message to callback until
// unsubscribe is called.
func (s *RedisStore) SubscribeToQueue(queueID string, callback func(event.TaskQueueEvent)) func() {
	pubsub := s.client.Subscribe(context.Background(), redisQueueEventsKey(queueID))
	ch := pubsub.Channel()

	done := make(chan struct{})
	go func() {
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev event.TaskQueueEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err == nil {
					callback(ev)
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		_ = pubsub.Close()
	}
}

func (s *RedisStore) LoadInterruptedQueues(ctx context.Context) ([]*Queue, error) {
	ids, err := s.client.ZRange(ctx, redisKeyQueuesIndex, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list queue index: %w", err)
	}

	var out []*Queue
	for _, id := range ids {
		status, err := s.client.HGet(ctx, redisQueueKey(id), "status").Result()
		if err != nil {
			continue
		}
		if Status(status) != StatusRunning && Status(status) != StatusPaused {
			continue
		}
		q, err := s.LoadQueue(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

func (s *RedisStore) ResetInterruptedQueue(ctx context.Context, id string) error {
	return resetInterruptedQueue(ctx, s, id)
}
