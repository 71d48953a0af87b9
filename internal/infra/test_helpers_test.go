package infra

import (
	"sync"

	"github.com/eliteGoblin/focusd/evpipe/internal/domain"
)

// mockQueue is a test double for domain.EventQueue
type mockQueue struct {
	mu       sync.Mutex
	events   []domain.Event
	capacity int
	handler  domain.EventHandler
	counters domain.QueueCounters
}

func newMockQueue(capacity int) *mockQueue {
	return &mockQueue{capacity: capacity}
}

func (m *mockQueue) Enqueue(ev domain.Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capacity > 0 && len(m.events) >= m.capacity {
		m.counters.DroppedEvents++
		m.counters.QueueOverflows++
		return false
	}
	m.events = append(m.events, ev)
	m.counters.TotalEvents++
	return true
}

func (m *mockQueue) Register(h domain.EventHandler) error {
	m.handler = h
	return nil
}

func (m *mockQueue) Unregister() { m.handler = nil }

func (m *mockQueue) DrainAll() int {
	m.mu.Lock()
	events := m.events
	m.events = nil
	m.mu.Unlock()
	if m.handler != nil {
		for _, ev := range events {
			m.handler(ev)
		}
	}
	return len(events)
}

func (m *mockQueue) Counters() domain.QueueCounters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters
}

func (m *mockQueue) ResetCounters() {
	m.mu.Lock()
	m.counters = domain.QueueCounters{}
	m.mu.Unlock()
}

func (m *mockQueue) snapshot() []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Event(nil), m.events...)
}

// mockObserver is a test double for WindowObserver
type mockObserver struct {
	seen []domain.WindowInfo
}

func (m *mockObserver) Observe(info domain.WindowInfo) bool {
	m.seen = append(m.seen, info)
	return true
}

var _ domain.EventQueue = (*mockQueue)(nil)
