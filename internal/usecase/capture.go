// Package usecase contains application business logic.
package usecase

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/evpipe/internal/buffer"
	"github.com/eliteGoblin/focusd/evpipe/internal/config"
	"github.com/eliteGoblin/focusd/evpipe/internal/domain"
	"github.com/eliteGoblin/focusd/evpipe/internal/format"
)

// rotationSlack covers the per-write timestamp prefix and newline.
const rotationSlack = 32

// Capture is the capture controller. It owns the staging buffer and the log
// writer and consumes events drained from the queue.
//
// lifecycleMu serializes Init/Start/Stop/Cleanup. mu guards the state read by
// the per-event path; it is never held while calling into the queue, the
// buffer or the writer.
type Capture struct {
	lifecycleMu sync.Mutex
	mu          sync.Mutex

	queue  domain.EventQueue
	open   domain.WriterOpener
	logger *zap.Logger
	now    func() time.Time

	pending     *domain.Config
	cfg         domain.Config
	writer      domain.LogWriter
	buf         *buffer.Buffer
	initialized bool
	active      bool
	lastFlush   time.Time
	stats       domain.Stats
	lastErr     error
}

// NewCapture creates a capture controller that consumes from queue and opens
// its log writer through open.
func NewCapture(queue domain.EventQueue, open domain.WriterOpener, logger *zap.Logger) *Capture {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Capture{
		queue:  queue,
		open:   open,
		logger: logger,
		now:    time.Now,
	}
}

// SetConfig stages cfg for the next Init. It is rejected once initialized.
func (c *Capture) SetConfig(cfg domain.Config) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.isInitialized() {
		return c.fail(domain.E("capture.SetConfig", domain.KindState, domain.ErrAlreadyInitialized))
	}
	if err := config.Validate(cfg); err != nil {
		return c.fail(err)
	}
	c.mu.Lock()
	c.pending = &cfg
	c.mu.Unlock()
	return nil
}

// Init validates the configuration, opens the log writer and allocates the
// staging buffer. A nil cfg uses the staged SetConfig value or the defaults.
// Any failure releases what was acquired and leaves the controller
// uninitialized.
func (c *Capture) Init(cfg *domain.Config) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.isInitialized() {
		return c.fail(domain.E("capture.Init", domain.KindInit, domain.ErrAlreadyInitialized))
	}

	var effective domain.Config
	c.mu.Lock()
	switch {
	case cfg != nil:
		effective = *cfg
	case c.pending != nil:
		effective = *c.pending
	default:
		effective = domain.DefaultConfig()
	}
	c.mu.Unlock()

	if err := config.Validate(effective); err != nil {
		return c.fail(err)
	}

	writer, err := c.open(effective)
	if err != nil {
		c.logger.Error("failed to open log writer", zap.String("path", effective.LogPath), zap.Error(err))
		if domain.KindOf(err) == domain.KindUnknown {
			err = domain.E("capture.Init", domain.KindIO, err)
		}
		return c.fail(err)
	}

	var buf *buffer.Buffer
	if effective.BufferEvents {
		buf, err = buffer.New(writer, buffer.Options{
			Capacity:     effective.BufferCapacityBytes,
			MaxEventSize: domain.MaxEntrySize,
			Threshold:    buffer.DefaultThreshold,
		}, c.logger.Named("buffer"))
		if err != nil {
			_ = writer.Close()
			return c.fail(err)
		}
		if effective.BufferCapacityBytes == 0 {
			effective.BufferCapacityBytes = buf.Capacity()
		}
	}

	if effective.EncryptLogs {
		c.logger.Debug("log encryption requested but not supported, writing plaintext")
	}

	writer.ResetStats()
	c.queue.ResetCounters()

	c.mu.Lock()
	c.cfg = effective
	c.writer = writer
	c.buf = buf
	c.stats = domain.Stats{}
	c.lastErr = nil
	c.initialized = true
	c.mu.Unlock()

	c.logger.Info("capture initialized",
		zap.String("log_path", effective.LogPath),
		zap.String("mode", string(effective.Mode)),
		zap.Bool("buffered", effective.BufferEvents),
		zap.Bool("rotate", effective.RotateLogs))
	return nil
}

// Start registers the event handler with the queue and marks capture active.
func (c *Capture) Start() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.mu.Lock()
	initialized, active := c.initialized, c.active
	c.mu.Unlock()

	if !initialized {
		return c.fail(domain.E("capture.Start", domain.KindState, domain.ErrNotInitialized))
	}
	if active {
		return c.fail(domain.E("capture.Start", domain.KindState, domain.ErrAlreadyActive))
	}
	if err := c.queue.Register(c.HandleEvent); err != nil {
		return c.fail(err)
	}

	c.mu.Lock()
	c.active = true
	c.lastFlush = c.now()
	c.mu.Unlock()

	c.logger.Info("capture started")
	return nil
}

// Stop drains the queue, unregisters the handler and flushes both the
// staging buffer and the file. Calling Stop when not active is a no-op.
func (c *Capture) Stop() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	return c.stop()
}

func (c *Capture) stop() error {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if !active {
		return nil
	}

	drained := c.queue.DrainAll()
	c.queue.Unregister()

	c.mu.Lock()
	c.active = false
	c.mu.Unlock()

	err := c.flush()
	c.logger.Info("capture stopped", zap.Int("drained", drained))
	return err
}

// Cleanup stops capture if active, flushes and releases the buffer and
// closes the writer. The controller must be initialized again before reuse.
func (c *Capture) Cleanup() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if !c.isInitialized() {
		return nil
	}

	errs := []error{c.stop()}

	c.mu.Lock()
	buf, writer := c.buf, c.writer
	c.mu.Unlock()

	if buf != nil {
		errs = append(errs, buf.Close())
	}
	errs = append(errs, writer.Close())

	// Keep the final counters readable after teardown.
	final := c.Stats()

	c.mu.Lock()
	c.stats = final
	c.buf = nil
	c.writer = nil
	c.initialized = false
	c.mu.Unlock()

	c.logger.Info("capture cleaned up",
		zap.Uint64("events", final.EventsCaptured),
		zap.Uint64("bytes", final.BytesWritten),
		zap.Uint64("write_errors", final.WriteErrors))

	if err := errors.Join(errs...); err != nil {
		return c.fail(err)
	}
	return nil
}

// HandleEvent formats ev and stages or writes it, then evaluates rotation and
// the flush policy. It runs on the consumer goroutine via the queue.
func (c *Capture) HandleEvent(ev domain.Event) {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return
	}
	writer, buf := c.writer, c.buf
	c.mu.Unlock()

	line := format.Line(ev, c.now())
	if line == "" {
		return
	}

	if buf != nil {
		err := buf.Append([]byte(line))
		c.mu.Lock()
		c.stats.EventsCaptured++
		if err != nil {
			c.stats.BufferOverflows++
			c.lastErr = err
		} else {
			c.stats.EventsBuffered++
		}
		c.mu.Unlock()
		if err != nil {
			c.logger.Debug("failed to stage event", zap.Stringer("type", ev.Type), zap.Error(err))
		}
	} else {
		err := writer.Write([]byte(line))
		c.mu.Lock()
		c.stats.EventsCaptured++
		if err != nil {
			c.stats.WriteErrors++
			c.lastErr = err
		}
		c.mu.Unlock()
		if err != nil {
			c.logger.Debug("failed to write event", zap.Stringer("type", ev.Type), zap.Error(err))
		}
	}

	c.maybeRotate()
	c.maybeFlush()
}

// Tick runs the rotation and interval flush checks without an event.
func (c *Capture) Tick() {
	if !c.IsActive() {
		return
	}
	c.maybeRotate()
	c.maybeFlush()
}

func (c *Capture) maybeRotate() {
	c.mu.Lock()
	cfg, writer, buf := c.cfg, c.writer, c.buf
	c.mu.Unlock()

	if writer == nil || !cfg.RotateLogs {
		return
	}

	headroom := int64(domain.MaxEntrySize + rotationSlack)
	if buf != nil {
		headroom = int64(buf.Capacity() + rotationSlack)
	}

	rotated, err := writer.RotateIfNeeded(headroom)
	if err != nil {
		c.logger.Warn("log rotation failed", zap.Error(err))
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		return
	}
	if rotated {
		c.mu.Lock()
		c.stats.FilesRotated++
		c.mu.Unlock()
	}
}

func (c *Capture) maybeFlush() {
	c.mu.Lock()
	mode, interval, last := c.cfg.Mode, c.cfg.FlushInterval(), c.lastFlush
	c.mu.Unlock()

	switch mode {
	case domain.ModeDebug:
	case domain.ModeStealth:
		return
	default:
		if c.now().Sub(last) < interval {
			return
		}
	}
	_ = c.flush()
}

// Flush forces the staging buffer to the file and the file to stable storage.
func (c *Capture) Flush() error {
	if !c.isInitialized() {
		return c.fail(domain.E("capture.Flush", domain.KindState, domain.ErrNotInitialized))
	}
	return c.flush()
}

func (c *Capture) flush() error {
	c.mu.Lock()
	writer, buf := c.writer, c.buf
	c.lastFlush = c.now()
	c.mu.Unlock()

	if writer == nil {
		return nil
	}

	var err error
	if buf != nil {
		if ferr := buf.Flush(); ferr != nil {
			err = ferr
		}
	}
	if serr := writer.Sync(); serr != nil && err == nil {
		err = serr
	}
	if err != nil {
		c.logger.Debug("flush failed", zap.Error(err))
		return c.fail(err)
	}
	return nil
}

// Stats composes the controller, writer, buffer and queue counters.
func (c *Capture) Stats() domain.Stats {
	c.mu.Lock()
	s := c.stats
	writer, buf := c.writer, c.buf
	c.mu.Unlock()

	if writer != nil {
		s.BytesWritten = writer.Stats().BytesWritten
	}
	if buf != nil {
		s.WriteErrors += buf.Stats().FailedFlushes
	}
	qc := c.queue.Counters()
	s.QueueOverflows = qc.QueueOverflows
	s.DroppedEvents = qc.DroppedEvents
	s.WindowChanges = qc.WindowChanges
	return s
}

// ResetStats zeroes every counter in the pipeline.
func (c *Capture) ResetStats() {
	c.mu.Lock()
	c.stats = domain.Stats{}
	writer, buf := c.writer, c.buf
	c.mu.Unlock()

	if writer != nil {
		writer.ResetStats()
	}
	if buf != nil {
		buf.ResetStats()
	}
	c.queue.ResetCounters()
}

// Config returns the active configuration.
func (c *Capture) Config() domain.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// IsActive reports whether events are being consumed.
func (c *Capture) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// IsBufferFull reports whether the staging buffer cannot take another byte.
// Always false in direct mode.
func (c *Capture) IsBufferFull() bool {
	c.mu.Lock()
	buf := c.buf
	c.mu.Unlock()
	return buf != nil && buf.IsFull()
}

// IsInitialized reports whether Init has succeeded and Cleanup has not run.
func (c *Capture) IsInitialized() bool {
	return c.isInitialized()
}

func (c *Capture) isInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// Healthy reports whether the writer and, when buffering, the buffer are usable.
func (c *Capture) Healthy() bool {
	c.mu.Lock()
	initialized, buf := c.initialized, c.buf
	c.mu.Unlock()
	return initialized && (buf == nil || buf.Healthy())
}

// LastError returns the last recorded failure.
func (c *Capture) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Capture) fail(err error) error {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	return err
}
