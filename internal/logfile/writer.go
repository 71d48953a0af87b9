// Package logfile implements the durable, size-capped, rotating log writer.
package logfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/evpipe/internal/domain"
	"github.com/eliteGoblin/focusd/evpipe/internal/format"
)

const (
	DefaultMaxSize    = 100 * 1024 * 1024
	DefaultRetries    = 3
	DefaultRetryDelay = 10 * time.Millisecond
)

// File is the subset of *os.File the writer uses.
type File interface {
	io.Writer
	Sync() error
	Close() error
	Stat() (os.FileInfo, error)
}

// Options configures a Writer. Zero values take the defaults.
type Options struct {
	MaxSize    int64         // Hard cap on the logical file size
	Retries    int           // Attempts per physical write
	RetryDelay time.Duration // Pause between attempts

	Now      func() time.Time
	OpenFile func(path string) (File, error)
	Rename   func(oldPath, newPath string) error
}

type state int

const (
	stateUninitialized state = iota
	stateOpen
	stateClosed
)

// Writer owns one append-only log file.
//
// Every public method validates the state under mu; an unrecoverable open
// failure leaves the writer uninitialized and later calls fail fast.
type Writer struct {
	mu      sync.Mutex
	path    string
	file    File
	lock    *flock.Flock
	state   state
	size    int64
	stats   domain.WriterStats
	lastErr error

	maxSize    int64
	retries    int
	retryDelay time.Duration
	now        func() time.Time
	openFile   func(string) (File, error)
	rename     func(string, string) error
	logger     *zap.Logger
}

// Open creates the parent directory if needed, takes the single-writer lock
// and opens path for appending. The tracked size starts at the file's size.
func Open(path string, opts Options, logger *zap.Logger) (*Writer, error) {
	if path == "" || len(path) >= domain.MaxPathLength {
		return nil, domain.E("logfile.Open", domain.KindConfig, domain.ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	w := &Writer{
		path:       path,
		maxSize:    opts.MaxSize,
		retries:    opts.Retries,
		retryDelay: opts.RetryDelay,
		now:        opts.Now,
		openFile:   opts.OpenFile,
		rename:     opts.Rename,
		logger:     logger.With(zap.String("path", path)),
	}
	if w.maxSize <= 0 {
		w.maxSize = DefaultMaxSize
	}
	if w.retries <= 0 {
		w.retries = DefaultRetries
	}
	if w.retryDelay <= 0 {
		w.retryDelay = DefaultRetryDelay
	}
	if w.now == nil {
		w.now = time.Now
	}
	if w.openFile == nil {
		w.openFile = openAppend
	}
	if w.rename == nil {
		w.rename = os.Rename
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, domain.E("logfile.Open", domain.KindIO, fmt.Errorf("failed to create log directory: %w", err))
		}
	}

	w.lock = flock.New(path + ".lock")
	locked, err := w.lock.TryLock()
	if err != nil {
		return nil, domain.E("logfile.Open", domain.KindIO, fmt.Errorf("failed to lock log file: %w", err))
	}
	if !locked {
		return nil, domain.E("logfile.Open", domain.KindInit, domain.ErrWriterLocked)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.openLocked(); err != nil {
		_ = w.lock.Unlock()
		return nil, err
	}

	w.logger.Debug("log writer opened", zap.Int64("size", w.size))
	return w, nil
}

func openAppend(path string) (File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
}

// openLocked opens the file and resynchronizes the tracked size with the OS.
func (w *Writer) openLocked() error {
	f, err := w.openFile(w.path)
	if err != nil {
		w.state = stateUninitialized
		w.lastErr = domain.E("logfile.open", domain.KindIO, err)
		return w.lastErr
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		w.state = stateUninitialized
		w.lastErr = domain.E("logfile.open", domain.KindIO, fmt.Errorf("failed to get file size: %w", err))
		return w.lastErr
	}
	w.file = f
	w.size = info.Size()
	w.state = stateOpen
	return nil
}

func (w *Writer) validLocked(op string) error {
	if w.state != stateOpen || w.file == nil {
		w.lastErr = domain.E(op, domain.KindState, domain.ErrNotInitialized)
		return w.lastErr
	}
	return nil
}

// Write appends one record: a timestamp, data, and a newline unless data
// already ends with one. A record that would pass the size cap is rejected
// before any I/O. Each of the three physical writes is retried; bytes already
// handed to the OS are not rolled back if a later part fails.
func (w *Writer) Write(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.validLocked("logfile.Write"); err != nil {
		return err
	}
	if len(data) == 0 {
		w.lastErr = domain.E("logfile.Write", domain.KindCapacity, domain.ErrEmptyPayload)
		return w.lastErr
	}

	prefix := []byte(format.RecordPrefix(w.now()))
	needNewline := data[len(data)-1] != '\n'
	total := int64(len(prefix) + len(data))
	if needNewline {
		total++
	}
	if w.size+total > w.maxSize {
		w.lastErr = domain.E("logfile.Write", domain.KindCapacity, domain.ErrSizeCap)
		w.logger.Debug("file size limit reached",
			zap.Int64("current", w.size),
			zap.Int64("additional", total),
			zap.Int64("max", w.maxSize))
		return w.lastErr
	}

	parts := [][]byte{prefix, data}
	if needNewline {
		parts = append(parts, []byte{'\n'})
	}

	var written int64
	for _, part := range parts {
		n, err := w.writeWithRetry(part)
		written += int64(n)
		if err != nil {
			w.size += written
			w.stats.BytesWritten += uint64(written)
			w.stats.FailedWrites++
			w.lastErr = domain.E("logfile.Write", domain.KindIO, err)
			return w.lastErr
		}
	}

	w.size += written
	w.stats.BytesWritten += uint64(written)
	w.stats.TotalWrites++
	return nil
}

func (w *Writer) writeWithRetry(p []byte) (int, error) {
	var total int
	var err error
	for attempt := 0; attempt < w.retries; attempt++ {
		var n int
		n, err = w.file.Write(p[total:])
		total += n
		if err == nil && total == len(p) {
			return total, nil
		}
		if err == nil {
			err = io.ErrShortWrite
		}
		w.stats.Retries++
		if attempt < w.retries-1 {
			time.Sleep(w.retryDelay)
		}
	}
	return total, err
}

// Sync forces written data to stable storage.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.validLocked("logfile.Sync"); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		w.lastErr = domain.E("logfile.Sync", domain.KindIO, err)
		w.logger.Debug("failed to flush log file", zap.Error(err))
		return w.lastErr
	}
	return nil
}

// RotateIfNeeded rotates when a non-empty file plus headroom would pass the cap.
func (w *Writer) RotateIfNeeded(headroom int64) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.validLocked("logfile.RotateIfNeeded"); err != nil {
		return false, err
	}
	if w.size == 0 || w.size+headroom <= w.maxSize {
		return false, nil
	}
	if err := w.rotateLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// Rotate renames the current file to <path>.<YYYYMMDD_HHMMSS> and reopens a
// fresh file at path. If the rename fails the writer keeps appending to the
// current file and the error is returned.
func (w *Writer) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.validLocked("logfile.Rotate"); err != nil {
		return err
	}
	return w.rotateLocked()
}

func (w *Writer) rotateLocked() error {
	target := w.rotationTarget()

	if err := w.file.Sync(); err != nil {
		w.logger.Warn("sync before rotation failed", zap.Error(err))
	}
	if err := w.file.Close(); err != nil {
		w.logger.Warn("close before rotation failed", zap.Error(err))
	}
	w.file = nil

	if err := w.rename(w.path, target); err != nil {
		w.logger.Warn("log rotation failed, continuing with current file",
			zap.String("target", target), zap.Error(err))
		if oerr := w.openLocked(); oerr != nil {
			return oerr
		}
		w.lastErr = domain.E("logfile.Rotate", domain.KindIO, err)
		return w.lastErr
	}

	if err := w.openLocked(); err != nil {
		return err
	}
	w.logger.Info("log file rotated", zap.String("rotated_to", target))
	return nil
}

// rotationTarget picks a rotated name that does not clobber an earlier rotation
// from the same second.
func (w *Writer) rotationTarget() string {
	base := w.path + "." + format.RotationSuffix(w.now())
	target := base
	for i := 1; ; i++ {
		if _, err := os.Lstat(target); errors.Is(err, os.ErrNotExist) {
			return target
		}
		target = fmt.Sprintf("%s.%d", base, i)
	}
}

// Close syncs and closes the file and releases the writer lock.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == stateClosed {
		return nil
	}

	var err error
	if w.file != nil {
		if serr := w.file.Sync(); serr != nil {
			err = serr
		}
		if cerr := w.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
		w.file = nil
	}
	if w.lock != nil {
		if uerr := w.lock.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}
	w.state = stateClosed

	w.logger.Debug("log writer closed",
		zap.Uint64("writes", w.stats.TotalWrites),
		zap.Uint64("failed", w.stats.FailedWrites),
		zap.Uint64("bytes", w.stats.BytesWritten),
		zap.Uint64("retries", w.stats.Retries))

	if err != nil {
		w.lastErr = domain.E("logfile.Close", domain.KindIO, err)
		return w.lastErr
	}
	return nil
}

// Path returns the log file path.
func (w *Writer) Path() string {
	return w.path
}

// CurrentSize returns the tracked logical size of the open file.
func (w *Writer) CurrentSize() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// MaxSize returns the size cap.
func (w *Writer) MaxSize() int64 {
	return w.maxSize
}

// Healthy reports whether the writer has an open file within the cap.
func (w *Writer) Healthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == stateOpen && w.file != nil && w.size <= w.maxSize
}

// Stats returns a copy of the write counters.
func (w *Writer) Stats() domain.WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// ResetStats zeroes the write counters.
func (w *Writer) ResetStats() {
	w.mu.Lock()
	w.stats = domain.WriterStats{}
	w.mu.Unlock()
}

// LastError returns the last recorded failure.
func (w *Writer) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Ensure Writer implements domain.LogWriter.
var _ domain.LogWriter = (*Writer)(nil)

// Opener returns a domain.WriterOpener that opens cfg.LogPath capped at
// cfg.MaxFileSizeBytes.
func Opener(logger *zap.Logger) domain.WriterOpener {
	return func(cfg domain.Config) (domain.LogWriter, error) {
		w, err := Open(cfg.LogPath, Options{MaxSize: cfg.MaxFileSizeBytes}, logger)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
}
