// Package queue implements the bounded event queue between producer callbacks
// and the single consumer drain loop.
package queue

import (
	"sync"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/evpipe/internal/domain"
)

// Queue is a fixed-capacity ring of events. One slot is always kept empty so
// that head == tail means empty and (tail+1)%n == head means full.
//
// Producers may call Enqueue from any goroutine; only the consumer calls
// Dequeue/DrainAll. A full queue drops the new event instead of blocking.
type Queue struct {
	mu    sync.Mutex
	slots []domain.Event
	head  int
	tail  int

	counters domain.QueueCounters

	filterMu sync.RWMutex
	filters  domain.Filters

	handlerMu sync.RWMutex
	handler   domain.EventHandler

	// Held for a whole drain so concurrent drainers run one after another.
	drainMu sync.Mutex

	logger *zap.Logger
}

// New creates a queue with n slots (n-1 usable). n below 2 falls back to the default.
func New(n int, logger *zap.Logger) *Queue {
	if n < 2 {
		n = domain.DefaultQueueCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		slots:   make([]domain.Event, n),
		filters: domain.DefaultFilters(),
		logger:  logger,
	}
}

// Cap returns the number of events the queue can hold.
func (q *Queue) Cap() int {
	return len(q.slots) - 1
}

// Enqueue copies ev into the queue. Filtered events count as handled and
// return true. Returns false and counts a drop when the queue is full.
func (q *Queue) Enqueue(ev domain.Event) bool {
	if !q.shouldProcess(ev) {
		return true
	}

	q.mu.Lock()
	next := (q.tail + 1) % len(q.slots)
	if next == q.head {
		q.counters.QueueOverflows++
		q.counters.DroppedEvents++
		q.mu.Unlock()
		q.logger.Debug("event queue overflow", zap.Stringer("type", ev.Type))
		return false
	}
	q.slots[q.tail] = ev
	q.tail = next
	q.counters.TotalEvents++
	if ev.Type == domain.EventWindowChange {
		q.counters.WindowChanges++
	}
	q.mu.Unlock()
	return true
}

// Dequeue removes and returns the oldest event.
func (q *Queue) Dequeue() (domain.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head == q.tail {
		return domain.Event{}, false
	}
	ev := q.slots[q.head]
	q.slots[q.head] = domain.Event{}
	q.head = (q.head + 1) % len(q.slots)
	return ev, true
}

// Register installs the consumer callback.
func (q *Queue) Register(h domain.EventHandler) error {
	if h == nil {
		return domain.E("queue.Register", domain.KindState, domain.ErrNotInitialized)
	}
	q.handlerMu.Lock()
	q.handler = h
	q.handlerMu.Unlock()
	return nil
}

// Unregister removes the consumer callback. Queued events stay queued.
func (q *Queue) Unregister() {
	q.handlerMu.Lock()
	q.handler = nil
	q.handlerMu.Unlock()
}

// DrainAll dequeues every event and forwards it to the registered handler.
// The queue lock is not held while the handler runs. Without a handler nothing
// is dequeued.
func (q *Queue) DrainAll() int {
	q.handlerMu.RLock()
	h := q.handler
	q.handlerMu.RUnlock()
	if h == nil {
		return 0
	}
	return q.DrainTo(h)
}

// DrainTo dequeues every event and forwards it to h. Drains are serialized,
// so events reach handlers in FIFO order even when Stop and the poll loop
// drain at the same time. Enqueue is never blocked by a drain. h must not
// drain the queue itself.
func (q *Queue) DrainTo(h domain.EventHandler) int {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	n := 0
	for {
		ev, ok := q.Dequeue()
		if !ok {
			return n
		}
		h(ev)
		n++
	}
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return (q.tail - q.head + len(q.slots)) % len(q.slots)
}

// IsFull reports whether the next Enqueue would be dropped.
func (q *Queue) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return (q.tail+1)%len(q.slots) == q.head
}

// IsEmpty reports whether there is nothing to dequeue.
func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.head == q.tail
}

// Clear discards all queued events.
func (q *Queue) Clear() {
	q.mu.Lock()
	for i := range q.slots {
		q.slots[i] = domain.Event{}
	}
	q.head, q.tail = 0, 0
	q.mu.Unlock()
}

// Counters returns a copy of the queue counters.
func (q *Queue) Counters() domain.QueueCounters {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.counters
}

// ResetCounters zeroes the counters.
func (q *Queue) ResetCounters() {
	q.mu.Lock()
	q.counters = domain.QueueCounters{}
	q.mu.Unlock()
}

// SetFilters replaces the capture filters.
func (q *Queue) SetFilters(f domain.Filters) {
	q.filterMu.Lock()
	q.filters = f
	q.filterMu.Unlock()
}

// Filters returns the capture filters.
func (q *Queue) Filters() domain.Filters {
	q.filterMu.RLock()
	defer q.filterMu.RUnlock()
	return q.filters
}

// ResetFilters restores the default filters.
func (q *Queue) ResetFilters() {
	q.SetFilters(domain.DefaultFilters())
}

func (q *Queue) shouldProcess(ev domain.Event) bool {
	q.filterMu.RLock()
	defer q.filterMu.RUnlock()
	return q.filters.Allows(ev)
}

// Ensure Queue implements domain.EventQueue.
var _ domain.EventQueue = (*Queue)(nil)
