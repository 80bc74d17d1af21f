// Package netstatus fans out online/offline transitions to the components
// that change behavior on connectivity: the offline queue pauses or drains,
// the query layer decides between direct writes and queueing.
package netstatus

import (
	"sync"
)

// Listener receives connectivity transitions. Called synchronously on the
// goroutine that reports the transition.
type Listener func(online bool)

// Monitor is the connectivity signal hub. The host application reports
// transitions (browser online/offline events, heartbeat probes); the
// monitor deduplicates and fans them out.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	nextID    int
	listeners map[int]Listener
}

// NewMonitor creates a monitor with the given initial state.
func NewMonitor(initiallyOnline bool) *Monitor {
	return &Monitor{
		online:    initiallyOnline,
		listeners: make(map[int]Listener),
	}
}

// Online reports the current connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a transition. Listeners fire only on actual changes.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	for _, l := range listeners {
		l(online)
	}
}

// Subscribe registers a listener and returns an unsubscribe function.
// Unsubscribe is synchronous: after it returns, the listener will not be
// called again.
func (m *Monitor) Subscribe(l Listener) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}
