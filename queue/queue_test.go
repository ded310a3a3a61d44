package queue

import (
	"testing"

	"github.com/taskmesh/queueengine/task"
)

func TestRecomputeMetrics(t *testing.T) {
	q := &Queue{
		Tasks: []*task.Task{
			{Status: task.StatusCompleted, StartedAt: 100, CompletedAt: 300},
			{Status: task.StatusCompleted, StartedAt: 100, CompletedAt: 200},
			{Status: task.StatusFailed},
			{Status: task.StatusPending},
			{Status: task.StatusInProgress},
		},
	}
	q.RecomputeMetrics()

	if q.Metrics.TotalTasks != 5 {
		t.Fatalf("expected 5 total tasks, got %d", q.Metrics.TotalTasks)
	}
	if q.Metrics.CompletedTasks != 2 {
		t.Fatalf("expected 2 completed, got %d", q.Metrics.CompletedTasks)
	}
	if q.Metrics.FailedTasks != 1 {
		t.Fatalf("expected 1 failed, got %d", q.Metrics.FailedTasks)
	}
	if q.Metrics.PendingTasks != 1 {
		t.Fatalf("expected 1 pending, got %d", q.Metrics.PendingTasks)
	}
	if q.Metrics.InProgressTasks != 1 {
		t.Fatalf("expected 1 in-progress, got %d", q.Metrics.InProgressTasks)
	}
	if q.Metrics.AverageTaskDuration != 150 {
		t.Fatalf("expected average duration 150, got %v", q.Metrics.AverageTaskDuration)
	}
}

func TestDefaultSettingsAppliedOnZeroFields(t *testing.T) {
	s := Settings{MaxConcurrency: 5}.withDefaults()
	if s.MaxConcurrency != 5 {
		t.Fatalf("expected explicit MaxConcurrency preserved, got %d", s.MaxConcurrency)
	}
	if s.RetryCount != 3 || s.RetryDelay != 2000 || s.TimeoutPerTask != 300000 {
		t.Fatalf("expected defaults filled in, got %+v", s)
	}
}
