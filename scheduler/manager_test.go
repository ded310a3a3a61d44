package scheduler

import (
	"testing"

	"github.com/taskmesh/queueengine/agent"
	"github.com/taskmesh/queueengine/queue"
)

func TestManagerRefusesSecondAcquire(t *testing.T) {
	m := NewManager(queue.NewMemoryStore(), agent.NewRegistry(), &fakeDispatcher{})

	if _, err := m.Acquire("q1"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := m.Acquire("q1"); err == nil {
		t.Fatal("expected second acquire for the same queue to fail")
	}

	m.Release("q1")
	if _, err := m.Acquire("q1"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestManagerPauseResumeStopReportPresence(t *testing.T) {
	m := NewManager(queue.NewMemoryStore(), agent.NewRegistry(), &fakeDispatcher{})

	if m.Pause("missing") {
		t.Fatal("expected no scheduler found for unacquired queue")
	}

	if _, err := m.Acquire("q1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !m.Pause("q1") {
		t.Fatal("expected scheduler found")
	}
	if !m.Resume("q1") {
		t.Fatal("expected scheduler found")
	}
	if !m.Stop("q1") {
		t.Fatal("expected scheduler found")
	}
}
