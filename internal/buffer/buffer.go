// Package buffer implements the staging buffer that batches formatted lines
// before they reach the log writer.
package buffer

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/evpipe/internal/domain"
)

const (
	DefaultCapacity     = 4096
	DefaultMaxEventSize = 1024
	DefaultThreshold    = 0.75
)

// Options configures a Buffer.
type Options struct {
	Capacity     int     // Backing storage size in bytes
	MaxEventSize int     // Per-append ceiling, independent of free space
	Threshold    float64 // Fraction of Capacity that triggers an automatic flush
}

// DefaultOptions returns the 4 KiB / 1 KiB / 75% defaults.
func DefaultOptions() Options {
	return Options{
		Capacity:     DefaultCapacity,
		MaxEventSize: DefaultMaxEventSize,
		Threshold:    DefaultThreshold,
	}
}

// Stats are the buffer counters.
type Stats struct {
	TotalFlushes  uint64
	FailedFlushes uint64
	TotalWrites   uint64
	FailedWrites  uint64
}

// Buffer is a fixed-capacity byte buffer in front of a LogSink.
//
// mu guards the backing storage; flushMu serializes flushes. The sink is
// always called with mu released, so appends can continue while a flush is
// in flight. A failed flush keeps the staged bytes for the next attempt.
type Buffer struct {
	mu      sync.Mutex
	flushMu sync.Mutex

	data        []byte
	size        int
	capacity    int
	maxEvent    int
	threshold   int
	initialized bool
	lastErr     error
	stats       Stats

	sink   domain.LogSink
	logger *zap.Logger
}

// New allocates a buffer that flushes into sink.
func New(sink domain.LogSink, opts Options, logger *zap.Logger) (*Buffer, error) {
	if sink == nil {
		return nil, domain.E("buffer.New", domain.KindInit, domain.ErrNotInitialized)
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.MaxEventSize <= 0 {
		opts.MaxEventSize = DefaultMaxEventSize
	}
	if opts.MaxEventSize >= opts.Capacity {
		return nil, domain.E("buffer.New", domain.KindConfig, domain.ErrInvalidConfig)
	}
	if opts.Threshold <= 0 || opts.Threshold >= 1 {
		opts.Threshold = DefaultThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Buffer{
		data:        make([]byte, opts.Capacity),
		capacity:    opts.Capacity,
		maxEvent:    opts.MaxEventSize,
		threshold:   int(float64(opts.Capacity) * opts.Threshold),
		initialized: true,
		sink:        sink,
		logger:      logger,
	}
	logger.Debug("buffer initialized",
		zap.Int("capacity", b.capacity),
		zap.Int("threshold", b.threshold))
	return b, nil
}

// Append copies p into the buffer. When p does not fit, the buffer is flushed
// first and the append retried once. Reaching the threshold triggers an
// automatic flush; its failure is counted but does not fail the append.
func (b *Buffer) Append(p []byte) error {
	if len(p) == 0 {
		return b.fail(domain.E("buffer.Append", domain.KindCapacity, domain.ErrEmptyPayload))
	}
	if len(p) > b.maxEvent {
		return b.fail(domain.E("buffer.Append", domain.KindCapacity, domain.ErrEventTooLarge))
	}

	b.mu.Lock()
	if !b.initialized {
		b.mu.Unlock()
		return b.fail(domain.E("buffer.Append", domain.KindState, domain.ErrNotInitialized))
	}
	fits := b.size+len(p) <= b.capacity
	b.mu.Unlock()

	if !fits {
		b.logger.Debug("buffer full, flushing before append")
		if err := b.Flush(); err != nil {
			b.mu.Lock()
			b.stats.FailedWrites++
			b.mu.Unlock()
			return b.fail(domain.E("buffer.Append", domain.KindCapacity, domain.ErrBufferFull))
		}
	}

	b.mu.Lock()
	if !b.initialized {
		b.mu.Unlock()
		return b.fail(domain.E("buffer.Append", domain.KindState, domain.ErrNotInitialized))
	}
	if b.size+len(p) > b.capacity {
		b.stats.FailedWrites++
		b.mu.Unlock()
		return b.fail(domain.E("buffer.Append", domain.KindCapacity, domain.ErrBufferFull))
	}
	copy(b.data[b.size:], p)
	b.size += len(p)
	b.stats.TotalWrites++
	reached := b.size >= b.threshold
	b.mu.Unlock()

	if reached {
		if err := b.Flush(); err != nil {
			b.logger.Warn("threshold flush failed", zap.Error(err))
		}
	}
	return nil
}

// Flush writes the staged content to the sink. On success the flushed bytes
// are removed; on failure they stay staged. Flushing an empty buffer is a no-op.
func (b *Buffer) Flush() error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if !b.initialized {
		b.mu.Unlock()
		return b.fail(domain.E("buffer.Flush", domain.KindState, domain.ErrNotInitialized))
	}
	if b.size == 0 {
		b.mu.Unlock()
		return nil
	}
	n := b.size
	chunk := make([]byte, n)
	copy(chunk, b.data[:n])
	b.stats.TotalFlushes++
	b.mu.Unlock()

	err := b.sink.Write(chunk)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.stats.FailedFlushes++
		b.lastErr = domain.E("buffer.Flush", domain.KindIO, fmt.Errorf("%w: %w", domain.ErrFlushFailed, err))
		b.logger.Debug("buffer flush failed", zap.Int("bytes", n), zap.Error(err))
		return b.lastErr
	}
	// Appends made while the sink was writing sit after the first n bytes.
	copy(b.data, b.data[n:b.size])
	clear(b.data[b.size-n : b.size])
	b.size -= n
	b.logger.Debug("buffer flushed", zap.Int("bytes", n))
	return nil
}

// FlushIfNeeded flushes when the threshold has been reached.
func (b *Buffer) FlushIfNeeded() (bool, error) {
	b.mu.Lock()
	if !b.initialized {
		b.mu.Unlock()
		return false, b.fail(domain.E("buffer.FlushIfNeeded", domain.KindState, domain.ErrNotInitialized))
	}
	due := b.size >= b.threshold
	b.mu.Unlock()

	if !due {
		return false, nil
	}
	if err := b.Flush(); err != nil {
		return false, err
	}
	return true, nil
}

// Close flushes what remains and releases the backing storage. Content that
// cannot be flushed is dropped and the flush error returned.
func (b *Buffer) Close() error {
	b.mu.Lock()
	if !b.initialized {
		b.mu.Unlock()
		return nil
	}
	pending := b.size
	b.mu.Unlock()

	var err error
	if pending > 0 {
		b.logger.Debug("flushing remaining bytes on close", zap.Int("bytes", pending))
		err = b.Flush()
	}

	b.flushMu.Lock()
	b.mu.Lock()
	b.data = nil
	b.size = 0
	b.capacity = 0
	b.initialized = false
	stats := b.stats
	b.mu.Unlock()
	b.flushMu.Unlock()

	b.logger.Debug("buffer closed",
		zap.Uint64("flushes", stats.TotalFlushes),
		zap.Uint64("failed_flushes", stats.FailedFlushes),
		zap.Uint64("writes", stats.TotalWrites),
		zap.Uint64("failed_writes", stats.FailedWrites))
	return err
}

// Healthy reports whether the buffer is initialized, has storage and is within capacity.
func (b *Buffer) Healthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialized && b.data != nil && b.size <= b.capacity
}

// Size returns the number of staged bytes.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Capacity returns the backing storage size.
func (b *Buffer) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// IsFull reports whether no byte can be appended without a flush.
// An uninitialized buffer reports full.
func (b *Buffer) IsFull() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.initialized || b.size >= b.capacity
}

// IsEmpty reports whether nothing is staged.
func (b *Buffer) IsEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size == 0
}

// UsagePercent returns size/capacity as a percentage.
func (b *Buffer) UsagePercent() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.capacity == 0 {
		return 0
	}
	return float64(b.size) / float64(b.capacity) * 100
}

// Clear discards staged content and resets the counters.
func (b *Buffer) Clear() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return
	}
	clear(b.data)
	b.size = 0
	b.stats = Stats{}
}

// Stats returns a copy of the counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// ResetStats zeroes the counters.
func (b *Buffer) ResetStats() {
	b.mu.Lock()
	b.stats = Stats{}
	b.mu.Unlock()
}

// LastError returns the last recorded failure.
func (b *Buffer) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

func (b *Buffer) fail(err error) error {
	b.mu.Lock()
	b.lastErr = err
	b.mu.Unlock()
	return err
}
