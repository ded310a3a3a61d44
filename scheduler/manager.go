package scheduler

import (
	"fmt"
	"sync"

	"github.com/taskmesh/queueengine/agent"
	"github.com/taskmesh/queueengine/queue"
)

// Manager enforces spec §5's single-active-scheduler-per-queue invariant
// and gives the Control API a place to reach a running queue's Scheduler to
// signal pause/resume/stop. Grounded on the deleted agent/team.go's shape:
// a small manager holding many like instances, keyed and mutex-guarded.
type Manager struct {
	store      queue.Store
	agents     *agent.Registry
	dispatcher Dispatcher

	mu     sync.Mutex
	active map[string]*Scheduler
}

// NewManager creates a Manager. dispatcher is shared by every Scheduler it
// creates.
func NewManager(store queue.Store, agents *agent.Registry, dispatcher Dispatcher) *Manager {
	return &Manager{
		store:      store,
		agents:     agents,
		dispatcher: dispatcher,
		active:     make(map[string]*Scheduler),
	}
}

// Acquire creates and registers a Scheduler for queueID, or returns an error
// if one is already active — the single-active-scheduler invariant.
func (m *Manager) Acquire(queueID string) (*Scheduler, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[queueID]; ok {
		return nil, fmt.Errorf("scheduler already active for queue %s", queueID)
	}
	s := New(queueID, m.store, m.agents, m.dispatcher)
	m.active[queueID] = s
	return s, nil
}

// Release deregisters queueID's Scheduler. Call after its Run returns.
func (m *Manager) Release(queueID string) {
	m.mu.Lock()
	delete(m.active, queueID)
	m.mu.Unlock()
}

// Lookup returns queueID's active Scheduler, if any.
func (m *Manager) Lookup(queueID string) (*Scheduler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[queueID]
	return s, ok
}

// Pause signals queueID's active scheduler to pause, reporting whether one
// was found.
func (m *Manager) Pause(queueID string) bool {
	s, ok := m.Lookup(queueID)
	if ok {
		s.Pause()
	}
	return ok
}

// Resume signals queueID's active scheduler to resume, reporting whether
// one was found.
func (m *Manager) Resume(queueID string) bool {
	s, ok := m.Lookup(queueID)
	if ok {
		s.Resume()
	}
	return ok
}

// Stop signals queueID's active scheduler to stop, reporting whether one
// was found. Used by DELETE ?force=true (spec §4.4).
func (m *Manager) Stop(queueID string) bool {
	s, ok := m.Lookup(queueID)
	if ok {
		s.Stop()
	}
	return ok
}
