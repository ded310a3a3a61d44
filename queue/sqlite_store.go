package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/taskmesh/queueengine/event"
	"github.com/taskmesh/queueengine/task"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS queues (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	settings     TEXT NOT NULL,
	metrics      TEXT NOT NULL DEFAULT '{}',
	created_at   INTEGER NOT NULL,
	started_at   INTEGER NOT NULL DEFAULT 0,
	completed_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS tasks (
	id                   TEXT PRIMARY KEY,
	queue_id             TEXT NOT NULL,
	agent_id             TEXT NOT NULL,
	message              TEXT NOT NULL,
	priority             INTEGER NOT NULL DEFAULT 1,
	estimated_complexity TEXT NOT NULL DEFAULT '',
	retry_count          INTEGER NOT NULL DEFAULT 0,
	max_retries          INTEGER NOT NULL DEFAULT 0,
	status               TEXT NOT NULL,
	created_at           INTEGER NOT NULL,
	started_at           INTEGER NOT NULL DEFAULT 0,
	completed_at         INTEGER NOT NULL DEFAULT 0,
	result               TEXT NOT NULL DEFAULT '',
	error                TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tasks_queue ON tasks(queue_id);

CREATE TABLE IF NOT EXISTS pending (
	seq      INTEGER PRIMARY KEY AUTOINCREMENT,
	queue_id TEXT NOT NULL,
	task_id  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_queue ON pending(queue_id, seq);

CREATE TABLE IF NOT EXISTS busy_agents (
	agent_id TEXT PRIMARY KEY
);
`

// SQLiteStore is the default durable, single-process Store backend.
// Grounded on task/store.go: schema-in-a-const, db.SetMaxOpenConns(1) to
// avoid SQLITE_BUSY (this store trades cross-process durability for simple
// transactional semantics — the Redis backend is the multi-process option),
// a scanner interface abstracting *sql.Row/*sql.Rows, and JSON-encoded
// nested columns for complex subfields.
type SQLiteStore struct {
	db     *sql.DB
	broker *broker
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the schema exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db, broker: newBroker()}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) SaveQueue(ctx context.Context, q *Queue) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save queue: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	settings, _ := json.Marshal(q.Settings)
	metrics, _ := json.Marshal(q.Metrics)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO queues (id, name, description, status, settings, metrics, created_at, started_at, completed_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		q.ID, q.Name, q.Description, string(q.Status), string(settings), string(metrics),
		q.CreatedAt, q.StartedAt, q.CompletedAt,
	); err != nil {
		return fmt.Errorf("insert queue: %w", err)
	}

	for _, t := range q.Tasks {
		if err := insertTaskTx(ctx, tx, t); err != nil {
			return err
		}
		if t.Status == task.StatusPending || t.Status == task.StatusQueued {
			if _, err := tx.ExecContext(ctx, `INSERT INTO pending (queue_id, task_id) VALUES (?,?)`, q.ID, t.ID); err != nil {
				return fmt.Errorf("enqueue pending: %w", err)
			}
		}
	}
	return tx.Commit()
}

func insertTaskTx(ctx context.Context, tx *sql.Tx, t *task.Task) error {
	resultJSON, errorJSON := encodeResultError(t)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, queue_id, agent_id, message, priority, estimated_complexity,
			retry_count, max_retries, status, created_at, started_at, completed_at, result, error)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.QueueID, t.AgentID, t.Message, t.Priority, string(t.EstimatedComplexity),
		t.RetryCount, t.MaxRetries, string(t.Status), t.CreatedAt, t.StartedAt, t.CompletedAt,
		resultJSON, errorJSON,
	)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

func encodeResultError(t *task.Task) (string, string) {
	var resultJSON, errorJSON string
	if t.Result != nil {
		if b, err := json.Marshal(t.Result); err == nil {
			resultJSON = string(b)
		}
	}
	if t.Error != nil {
		if b, err := json.Marshal(t.Error); err == nil {
			errorJSON = string(b)
		}
	}
	return resultJSON, errorJSON
}

func (s *SQLiteStore) LoadQueue(ctx context.Context, id string) (*Queue, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, description, status, settings, metrics, created_at, started_at, completed_at FROM queues WHERE id=?`, id)

	var q Queue
	var status, settingsJSON, metricsJSON string
	if err := row.Scan(&q.ID, &q.Name, &q.Description, &status, &settingsJSON, &metricsJSON, &q.CreatedAt, &q.StartedAt, &q.CompletedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("queue %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("load queue: %w", err)
	}
	q.Status = Status(status)
	_ = json.Unmarshal([]byte(settingsJSON), &q.Settings)
	_ = json.Unmarshal([]byte(metricsJSON), &q.Metrics)

	rows, err := s.db.QueryContext(ctx, `SELECT id, queue_id, agent_id, message, priority, estimated_complexity,
		retry_count, max_retries, status, created_at, started_at, completed_at, result, error
		FROM tasks WHERE queue_id=? ORDER BY created_at ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("load queue tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		q.Tasks = append(q.Tasks, t)
	}
	return &q, rows.Err()
}

func (s *SQLiteStore) DeleteQueue(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete queue: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `DELETE FROM queues WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete queue: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue %s: %w", id, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE queue_id=?`, id); err != nil {
		return fmt.Errorf("delete queue tasks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending WHERE queue_id=?`, id); err != nil {
		return fmt.Errorf("delete queue pending list: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListQueues(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT q.id, q.name, q.status, q.created_at,
			(SELECT COUNT(*) FROM tasks t WHERE t.queue_id=q.id) AS task_count,
			(SELECT COUNT(*) FROM tasks t WHERE t.queue_id=q.id AND t.status='completed') AS completed_count
		FROM queues q ORDER BY q.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sm Summary
		var status string
		if err := rows.Scan(&sm.ID, &sm.Name, &status, &sm.CreatedAt, &sm.TaskCount, &sm.CompletedCount); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sm.Status = Status(status)
		out = append(out, sm)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateQueueStatus(ctx context.Context, id string, status Status, ts int64) error {
	q := `UPDATE queues SET status=?`
	args := []any{string(status)}
	if status == StatusRunning && ts > 0 {
		q += `, started_at=?`
		args = append(args, ts)
	}
	if status == StatusCompleted && ts > 0 {
		q += `, completed_at=?`
		args = append(args, ts)
	}
	q += ` WHERE id=?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update queue status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) UpdateQueueMetrics(ctx context.Context, id string, metrics Metrics) error {
	b, _ := json.Marshal(metrics)
	res, err := s.db.ExecContext(ctx, `UPDATE queues SET metrics=? WHERE id=?`, string(b), id)
	if err != nil {
		return fmt.Errorf("update queue metrics: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) SaveTask(ctx context.Context, t *task.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save task: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := insertTaskTx(ctx, tx, t); err != nil {
		return err
	}
	if t.Status == task.StatusPending || t.Status == task.StatusQueued {
		if _, err := tx.ExecContext(ctx, `INSERT INTO pending (queue_id, task_id) VALUES (?,?)`, t.QueueID, t.ID); err != nil {
			return fmt.Errorf("enqueue pending: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, queue_id, agent_id, message, priority, estimated_complexity,
		retry_count, max_retries, status, created_at, started_at, completed_at, result, error
		FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, id string, upd task.Update) error {
	existing, err := s.LoadTask(ctx, id)
	if err != nil {
		return err
	}
	upd.Apply(existing)
	resultJSON, errorJSON := encodeResultError(existing)

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status=?, started_at=?, completed_at=?, result=?, error=?, retry_count=?
		WHERE id=?`,
		string(existing.Status), existing.StartedAt, existing.CompletedAt, resultJSON, errorJSON, existing.RetryCount, id,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) PopNextTask(ctx context.Context, queueID string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin pop: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var seq int64
	var taskID string
	err = tx.QueryRowContext(ctx, `SELECT seq, task_id FROM pending WHERE queue_id=? ORDER BY seq ASC LIMIT 1`, queueID).Scan(&seq, &taskID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("pop next task: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending WHERE seq=?`, seq); err != nil {
		return "", fmt.Errorf("delete popped entry: %w", err)
	}
	return taskID, tx.Commit()
}

func (s *SQLiteStore) RequeueTask(ctx context.Context, queueID, taskID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO pending (queue_id, task_id) VALUES (?,?)`, queueID, taskID)
	if err != nil {
		return fmt.Errorf("requeue task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkAgentBusy(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO busy_agents (agent_id) VALUES (?)`, agentID)
	if err != nil {
		return fmt.Errorf("mark agent busy: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkAgentAvailable(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM busy_agents WHERE agent_id=?`, agentID)
	if err != nil {
		return fmt.Errorf("mark agent available: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetBusyAgents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_id FROM busy_agents ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("get busy agents: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PublishEvent(_ context.Context, queueID string, ev event.TaskQueueEvent) error {
	s.broker.publish(queueID, ev)
	return nil
}

func (s *SQLiteStore) SubscribeToQueue(queueID string, callback func(event.TaskQueueEvent)) func() {
	return s.broker.subscribe(queueID, func(v any) {
		if ev, ok := v.(event.TaskQueueEvent); ok {
			callback(ev)
		}
	})
}

func (s *SQLiteStore) LoadInterruptedQueues(ctx context.Context) ([]*Queue, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM queues WHERE status=? OR status=?`, string(StatusRunning), string(StatusPaused))
	if err != nil {
		return nil, fmt.Errorf("list interrupted queues: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Queue, 0, len(ids))
	for _, id := range ids {
		q, err := s.LoadQueue(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

func (s *SQLiteStore) ResetInterruptedQueue(ctx context.Context, id string) error {
	return resetInterruptedQueue(ctx, s, id)
}

// scanner abstracts *sql.Row and *sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (*task.Task, error) {
	var t task.Task
	var status, complexity, resultJSON, errorJSON string

	err := sc.Scan(
		&t.ID, &t.QueueID, &t.AgentID, &t.Message, &t.Priority, &complexity,
		&t.RetryCount, &t.MaxRetries, &status, &t.CreatedAt, &t.StartedAt, &t.CompletedAt,
		&resultJSON, &errorJSON,
	)
	if err != nil {
		return nil, err
	}
	t.Status = task.Status(status)
	t.EstimatedComplexity = task.Complexity(complexity)

	if resultJSON != "" {
		var r task.Result
		if err := json.Unmarshal([]byte(resultJSON), &r); err == nil {
			t.Result = &r
		}
	}
	if errorJSON != "" {
		var e task.Error
		if err := json.Unmarshal([]byte(errorJSON), &e); err == nil {
			t.Error = &e
		}
	}
	return &t, nil
}
