package daemon

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/evpipe/internal/domain"
)

// WindowTracker turns foreground-window observations into WindowChange
// events. Repeated observations of the same window are ignored.
type WindowTracker struct {
	mu       sync.Mutex
	last     domain.WindowInfo
	seen     bool
	probe    domain.FocusProbe
	resolver domain.ProcessResolver
	queue    domain.EventQueue
	logger   *zap.Logger
}

// NewWindowTracker creates a tracker. probe and resolver may be nil: without a
// probe only Observe produces events, without a resolver process names are
// taken as reported.
func NewWindowTracker(
	queue domain.EventQueue,
	probe domain.FocusProbe,
	resolver domain.ProcessResolver,
	logger *zap.Logger,
) *WindowTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WindowTracker{
		probe:    probe,
		resolver: resolver,
		queue:    queue,
		logger:   logger,
	}
}

// HasProbe reports whether Poll can query a focus probe.
func (t *WindowTracker) HasProbe() bool {
	return t.probe != nil
}

// Poll asks the probe for the foreground window and observes it.
func (t *WindowTracker) Poll(ctx context.Context) (bool, error) {
	if t.probe == nil {
		return false, nil
	}
	info, ok, err := t.probe.Foreground(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return t.Observe(info), nil
}

// Observe enqueues a WindowChange event when info differs from the last
// observed window by handle or title. It returns true if an event was queued.
func (t *WindowTracker) Observe(info domain.WindowInfo) bool {
	t.mu.Lock()
	if t.seen && t.last.Handle == info.Handle && t.last.Title == info.Title {
		t.mu.Unlock()
		return false
	}
	t.last = info
	t.seen = true
	t.mu.Unlock()

	process := info.Process
	if process == "" && t.resolver != nil && info.PID != 0 {
		name, err := t.resolver.Name(info.PID)
		if err != nil {
			t.logger.Debug("failed to resolve process name",
				zap.Uint32("pid", info.PID),
				zap.Error(err))
		} else {
			process = name
		}
	}

	ev := domain.NewWindowEvent(info.Title, process, info.PID, info.Handle)
	if !t.queue.Enqueue(ev) {
		t.logger.Debug("window change dropped, queue full", zap.Uint32("pid", info.PID))
		return false
	}
	return true
}

// Reset forgets the last observed window.
func (t *WindowTracker) Reset() {
	t.mu.Lock()
	t.last = domain.WindowInfo{}
	t.seen = false
	t.mu.Unlock()
}
