package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/queueengine/event"
	"github.com/taskmesh/queueengine/queue"
	"github.com/taskmesh/queueengine/task"
)

// createQueueRequest is POST /api/queue's body (spec §4.4).
type createQueueRequest struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Tasks       []createTaskRequest `json:"tasks"`
	Settings    *queue.Settings     `json:"settings,omitempty"`
}

type createTaskRequest struct {
	AgentID             string `json:"agentId"`
	Message             string `json:"message"`
	Priority            int    `json:"priority,omitempty"`
	EstimatedComplexity string `json:"estimatedComplexity,omitempty"`
	MaxRetries          int    `json:"maxRetries,omitempty"`
}

// defaultTaskPriority is used when a task in a create request omits
// priority (valid range is 1..10, lower dispatches first — spec §3).
const defaultTaskPriority = 5

func (s *Server) handleCreateQueue(w http.ResponseWriter, r *http.Request) {
	var req createQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || len(req.Tasks) == 0 {
		writeJSONError(w, http.StatusBadRequest, "name and at least one task are required")
		return
	}

	settings := queue.DefaultSettings()
	if req.Settings != nil {
		settings = req.Settings.WithDefaults()
	}

	now := time.Now().UnixMilli()
	q := &queue.Queue{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		Status:      queue.StatusIdle,
		Settings:    settings,
		CreatedAt:   now,
	}
	for _, tr := range req.Tasks {
		priority := tr.Priority
		if priority == 0 {
			priority = defaultTaskPriority
		}
		maxRetries := tr.MaxRetries
		if maxRetries == 0 {
			maxRetries = settings.RetryCount
		}
		q.Tasks = append(q.Tasks, &task.Task{
			ID:                  uuid.NewString(),
			QueueID:             q.ID,
			AgentID:             tr.AgentID,
			Message:             tr.Message,
			Priority:            priority,
			EstimatedComplexity: task.Complexity(tr.EstimatedComplexity),
			MaxRetries:          maxRetries,
			Status:              task.StatusPending,
			CreatedAt:           now,
		})
	}
	q.RecomputeMetrics()

	if err := s.store.SaveQueue(r.Context(), q); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"queueId": q.ID, "queue": q})
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	q, err := s.store.LoadQueue(r.Context(), id)
	if err != nil {
		s.writeLoadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": q})
}

func (s *Server) handleDeleteQueue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	q, err := s.store.LoadQueue(r.Context(), id)
	if err != nil {
		s.writeLoadError(w, err)
		return
	}
	if q.Status == queue.StatusRunning && !force {
		writeJSONError(w, http.StatusBadRequest, "queue is running; pass force=true to delete")
		return
	}
	if q.Status == queue.StatusRunning && force {
		s.schedulers.Stop(id)
	}
	if err := s.store.DeleteQueue(r.Context(), id); err != nil {
		s.writeLoadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.store.ListQueues(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": summaries})
}

func (s *Server) handleStartQueue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	q, err := s.store.LoadQueue(r.Context(), id)
	if err != nil {
		s.writeLoadError(w, err)
		return
	}
	if q.Status == queue.StatusRunning {
		writeJSONError(w, http.StatusBadRequest, "queue is already running")
		return
	}
	if err := s.store.UpdateQueueStatus(r.Context(), id, queue.StatusRunning, time.Now().UnixMilli()); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// SPEC_FULL.md §F.1 option (b): starting a queue hands it to the
	// scheduler manager immediately; dispatch does not wait for a stream
	// subscriber. GET /stream/{id} only ever observes this run passively,
	// over the store's pub/sub channel — it never acquires a scheduler.
	s.runSchedulerInBackground(id)
	writeJSON(w, http.StatusOK, map[string]any{
		"queueId":   id,
		"status":    "running",
		"streamUrl": fmt.Sprintf("/api/queue/stream/%s", id),
	})
}

// runSchedulerInBackground acquires queueId's scheduler and runs it to
// completion on a detached context, independent of any request or stream
// connection. A no-op if a scheduler is already active for queueId (e.g. one
// already started by a concurrent /start or /resume request).
func (s *Server) runSchedulerInBackground(queueID string) {
	sched, err := s.schedulers.Acquire(queueID)
	if err != nil {
		return
	}
	go func() {
		defer s.schedulers.Release(queueID)
		// Drain events so Run's internal channel send never blocks when no
		// stream subscriber is attached; PublishEvent still fans them out
		// to the queue store's pub/sub channel for any subscriber to see.
		go func() {
			for ev := range sched.Events() {
				if pubErr := s.store.PublishEvent(context.Background(), queueID, ev); pubErr != nil {
					s.logger.Warn("publish event", slog.Any("err", pubErr), slog.String("queueId", queueID))
				}
			}
		}()
		if err := sched.Run(context.Background()); err != nil {
			s.logger.Error("scheduler run", slog.Any("err", err), slog.String("queueId", queueID))
		}
	}()
}

func (s *Server) handlePauseQueue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.LoadQueue(r.Context(), id); err != nil {
		s.writeLoadError(w, err)
		return
	}
	s.schedulers.Pause(id)
	if err := s.store.UpdateQueueStatus(r.Context(), id, queue.StatusPaused, 0); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queueId": id, "status": "paused"})
}

func (s *Server) handleResumeQueue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.LoadQueue(r.Context(), id); err != nil {
		s.writeLoadError(w, err)
		return
	}
	if err := s.store.UpdateQueueStatus(r.Context(), id, queue.StatusRunning, 0); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !s.schedulers.Resume(id) {
		// No scheduler currently active for this queue — e.g. the process
		// restarted, or it was paused before ever being started. Resuming
		// it must drive it to completion the same way /start does (spec.md
		// §8 scenario 5), not silently flip a status flag.
		s.runSchedulerInBackground(id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"queueId": id, "status": "running"})
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	queueID := r.PathValue("id")
	taskID := r.PathValue("taskId")

	if _, err := s.store.LoadTask(r.Context(), taskID); err != nil {
		s.writeLoadError(w, err)
		return
	}

	pending := task.StatusPending
	zero := int64(0)
	zeroRetries := 0
	upd := task.Update{
		Status:      &pending,
		StartedAt:   &zero,
		CompletedAt: &zero,
		ClearResult: true,
		ClearError:  true,
		RetryCount:  &zeroRetries,
	}
	if err := s.store.UpdateTask(r.Context(), taskID, upd); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.RequeueTask(r.Context(), queueID, taskID); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	t, err := s.store.LoadTask(r.Context(), taskID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": t})
}

func (s *Server) handleBusyAgents(w http.ResponseWriter, r *http.Request) {
	busy, err := s.store.GetBusyAgents(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"busyAgents": busy})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version": s.version,
		"uptime":  time.Since(s.startTime).String(),
		"agents":  len(s.agents.List()),
	})
}

// handleStreamQueue implements spec §4.4's SSE endpoint. Per SPEC_FULL.md
// §F.1 it is a passive subscriber only: it never acquires or runs a
// scheduler, it just relays whatever runSchedulerInBackground (started by
// /start or /resume) publishes to the queue store's pub/sub channel. A
// stream opened on a queue nobody has started yet simply sees no events
// until one does.
func (s *Server) handleStreamQueue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.LoadQueue(r.Context(), id); err != nil {
		s.writeLoadError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events := make(chan event.TaskQueueEvent, 64)
	unsubscribe := s.store.SubscribeToQueue(id, func(ev event.TaskQueueEvent) {
		select {
		case events <- ev:
		default:
			// Slow reader: drop rather than block the publishing goroutine.
			s.logger.Warn("stream subscriber dropped event", slog.String("queueId", id), slog.String("type", string(ev.Type)))
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("Transfer-Encoding", "chunked")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case ev := <-events:
			writeSSEEvent(w, ev)
			flusher.Flush()
			switch ev.Type {
			case event.TypeQueueCompleted, event.TypeQueueFailed:
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, ev event.TaskQueueEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event:%s\n", ev.Type)
	for _, line := range strings.Split(string(data), "\n") {
		fmt.Fprintf(w, "data:%s\n", line)
	}
	fmt.Fprint(w, "\n")
}

func (s *Server) writeLoadError(w http.ResponseWriter, err error) {
	if errors.Is(err, queue.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSONError(w, http.StatusInternalServerError, err.Error())
}
