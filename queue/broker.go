package queue

import "sync"

// broker is an in-process, per-queue pub/sub fan-out used by backends with
// no native pub/sub transport (SQLiteStore, MemoryStore). Grounded on
// comms/bus.go's InMemoryBus: a handler-id counter for stable unsubscribe,
// and best-effort synchronous delivery under a read lock.
type broker struct {
	mu       sync.RWMutex
	handlers map[string][]brokerEntry // queueID -> subscribers
	nextID   int
}

type brokerEntry struct {
	id      int
	handler func(any)
}

func newBroker() *broker {
	return &broker{handlers: make(map[string][]brokerEntry)}
}

// publish invokes every current subscriber of queueID with ev. Delivery is
// best-effort: a panicking or slow handler is the caller's problem, exactly
// as in comms.InMemoryBus.Publish.
func (b *broker) publish(queueID string, ev any) {
	b.mu.RLock()
	targets := make([]func(any), len(b.handlers[queueID]))
	for i, e := range b.handlers[queueID] {
		targets[i] = e.handler
	}
	b.mu.RUnlock()

	for _, h := range targets {
		h(ev)
	}
}

// subscribe registers handler for queueID. The returned function
// unsubscribes it.
func (b *broker) subscribe(queueID string, handler func(any)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[queueID] = append(b.handlers[queueID], brokerEntry{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.handlers[queueID]
		filtered := entries[:0]
		for _, e := range entries {
			if e.id != id {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) == 0 {
			delete(b.handlers, queueID)
		} else {
			b.handlers[queueID] = filtered
		}
	}
}
