package domain

import "context"

// EventHandler consumes one event from the drain loop.
type EventHandler func(Event)

// EventQueue is the bounded producer/consumer queue as seen by the capture controller.
type EventQueue interface {
	// Enqueue copies ev into the queue. Returns false when the queue is full.
	Enqueue(ev Event) bool

	// Register installs the consumer callback used by DrainAll.
	Register(h EventHandler) error

	// Unregister removes the consumer callback.
	Unregister()

	// DrainAll forwards every queued event to the registered handler.
	DrainAll() int

	// Counters returns the queue counters.
	Counters() QueueCounters

	// ResetCounters zeroes the queue counters.
	ResetCounters()
}

// LogSink is the durable destination of staged bytes.
type LogSink interface {
	// Write appends data as one logical record.
	Write(data []byte) error
}

// LogWriter owns the on-disk log file.
// Implementation: internal/logfile.
type LogWriter interface {
	LogSink

	// Sync forces OS buffers to stable storage.
	Sync() error

	// RotateIfNeeded rotates when the current size plus headroom would pass the cap.
	RotateIfNeeded(headroom int64) (bool, error)

	// CurrentSize returns the tracked logical size of the open file.
	CurrentSize() int64

	// Stats returns write counters.
	Stats() WriterStats

	// ResetStats zeroes write counters.
	ResetStats()

	// LastError returns the last recorded failure.
	LastError() error

	// Close syncs and closes the file.
	Close() error
}

// WriterOpener opens the log writer described by cfg.
type WriterOpener func(cfg Config) (LogWriter, error)

// ProcessResolver looks up process metadata by PID.
// Implementation: gopsutil.
type ProcessResolver interface {
	// Name returns the executable name of pid.
	Name(pid uint32) (string, error)
}

// FocusProbe reports the current foreground window.
// Implementations are platform-specific and live outside this module.
type FocusProbe interface {
	// Foreground returns the focused window. ok is false when none is visible.
	Foreground(ctx context.Context) (info WindowInfo, ok bool, err error)
}

// StatsStore archives statistics snapshots.
// Implementation: SQLCipher encrypted SQLite database.
type StatsStore interface {
	// Save appends a snapshot.
	Save(ctx context.Context, snap StatsSnapshot) error

	// Latest returns the most recent snapshot, or nil if none exists.
	Latest(ctx context.Context) (*StatsSnapshot, error)

	// Prune deletes all but the newest keep snapshots.
	Prune(ctx context.Context, keep int) (int64, error)

	// Close releases resources.
	Close() error
}

// KeyProvider abstracts the source of encryption keys.
type KeyProvider interface {
	// GetKey returns the encryption key bytes.
	GetKey() ([]byte, error)

	// StoreKey persists a new encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been generated.
	KeyExists() bool
}
