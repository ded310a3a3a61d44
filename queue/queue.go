// Package queue implements the Queue Store (C2): durable persistence of
// queues and their tasks, the pending list, the busy-agents set, lifecycle
// pub/sub, and crash recovery. Three backends satisfy the same Store
// interface: SQLiteStore (default durable, single-process), RedisStore
// (durable, multi-process, native pub/sub), and MemoryStore (in-process
// fallback used when no storeEndpoint is configured or the configured
// backend is unreachable at startup).
package queue

import "github.com/taskmesh/queueengine/task"

// Status represents the lifecycle state of a queue.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Settings are the per-queue knobs governing scheduling behavior.
type Settings struct {
	MaxConcurrency int `json:"maxConcurrency"`
	RetryCount     int `json:"retryCount"`
	RetryDelay     int `json:"retryDelay"`     // milliseconds, base backoff
	TimeoutPerTask int `json:"timeoutPerTask"` // milliseconds
}

// DefaultSettings returns the spec §3 defaults, applied to any Settings
// field left at its zero value when a queue is created.
func DefaultSettings() Settings {
	return Settings{
		MaxConcurrency: 3,
		RetryCount:     3,
		RetryDelay:     2000,
		TimeoutPerTask: 300000,
	}
}

// WithDefaults fills zero fields of s with DefaultSettings' values. Used by
// the Control API when creating a queue with a partial settings object.
func (s Settings) WithDefaults() Settings {
	return s.withDefaults()
}

// withDefaults fills zero fields of s with DefaultSettings' values.
func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.MaxConcurrency <= 0 {
		s.MaxConcurrency = d.MaxConcurrency
	}
	if s.RetryCount <= 0 {
		s.RetryCount = d.RetryCount
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = d.RetryDelay
	}
	if s.TimeoutPerTask <= 0 {
		s.TimeoutPerTask = d.TimeoutPerTask
	}
	return s
}

// Metrics is a derived-but-persisted snapshot of a queue's task statuses.
type Metrics struct {
	TotalTasks          int     `json:"totalTasks"`
	CompletedTasks      int     `json:"completedTasks"`
	FailedTasks         int     `json:"failedTasks"`
	PendingTasks        int     `json:"pendingTasks"`
	InProgressTasks     int     `json:"inProgressTasks"`
	AverageTaskDuration float64 `json:"averageTaskDuration,omitempty"` // milliseconds
}

// Queue is a named, ordered collection of Tasks sharing one set of
// Settings.
type Queue struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Status      Status       `json:"status"`
	Settings    Settings     `json:"settings"`
	Metrics     Metrics      `json:"metrics"`
	Tasks       []*task.Task `json:"tasks"`
	CreatedAt   int64        `json:"createdAt"`
	StartedAt   int64        `json:"startedAt,omitempty"`
	CompletedAt int64        `json:"completedAt,omitempty"`
}

// Summary is the lightweight projection returned by ListQueues.
type Summary struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Status         Status `json:"status"`
	TaskCount      int    `json:"taskCount"`
	CompletedCount int    `json:"completedCount"`
	CreatedAt      int64  `json:"createdAt"`
}

// RecomputeMetrics derives q.Metrics from the ground-truth status of
// q.Tasks, as required after scheduler exit (spec §4.3 step 5) and by the
// round-trip law in spec §8 ("saveQueue; loadQueue ≡ q up to
// metrics-recompute equivalence").
func (q *Queue) RecomputeMetrics() {
	m := Metrics{TotalTasks: len(q.Tasks)}
	var durationSum float64
	var durationCount int
	for _, t := range q.Tasks {
		switch t.Status {
		case task.StatusCompleted:
			m.CompletedTasks++
		case task.StatusFailed:
			m.FailedTasks++
		case task.StatusPending, task.StatusQueued:
			m.PendingTasks++
		case task.StatusInProgress, task.StatusRetrying:
			m.InProgressTasks++
		}
		if t.StartedAt > 0 && t.CompletedAt > 0 {
			durationSum += float64(t.CompletedAt - t.StartedAt)
			durationCount++
		}
	}
	if durationCount > 0 {
		m.AverageTaskDuration = durationSum / float64(durationCount)
	}
	q.Metrics = m
}
