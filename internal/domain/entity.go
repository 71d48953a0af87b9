// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// MaxWindowTitle is the largest window title kept on a WindowChange event, in bytes.
	MaxWindowTitle = 255
	// MaxProcessName is the largest process name kept on a WindowChange event, in bytes.
	MaxProcessName = 63
)

// EventType tags which payload of an Event is meaningful.
type EventType int

const (
	EventKeyPress EventType = iota
	EventKeyRelease
	EventPointerClick
	EventPointerMove
	EventPointerWheel
	EventWindowChange
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventKeyPress:
		return "key_press"
	case EventKeyRelease:
		return "key_release"
	case EventPointerClick:
		return "pointer_click"
	case EventPointerMove:
		return "pointer_move"
	case EventPointerWheel:
		return "pointer_wheel"
	case EventWindowChange:
		return "window_change"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// IsKey reports whether t is a keyboard event type.
func (t EventType) IsKey() bool {
	return t == EventKeyPress || t == EventKeyRelease
}

// IsPointer reports whether t is a pointer event type.
func (t EventType) IsPointer() bool {
	return t == EventPointerClick || t == EventPointerMove || t == EventPointerWheel
}

// KeyData is the payload of KeyPress/KeyRelease events.
type KeyData struct {
	VKCode   uint32 // Virtual key code
	ScanCode uint32 // Hardware scan code
	Extended bool
	Injected bool
	Alt      bool
	Shift    bool
	Control  bool
	Meta     bool
}

// PointerData is the payload of pointer events.
type PointerData struct {
	X, Y        int32
	ButtonFlags uint32
	Injected    bool
	WheelDelta  int16
	Left        bool
	Right       bool
	Middle      bool
}

// WindowData is the payload of WindowChange events.
// Title and Process are bounded by MaxWindowTitle and MaxProcessName; use
// NewWindowEvent to get the truncation and escaping applied.
type WindowData struct {
	Title   string
	Process string
	PID     uint32
	Handle  uintptr
}

// Event is a captured occurrence. Exactly one payload is meaningful, selected by Type.
// Events are values: the queue copies them in and out.
type Event struct {
	Type      EventType
	Timestamp uint64 // Monotonic milliseconds, see Ticks
	Key       KeyData
	Pointer   PointerData
	Window    WindowData
}

// Injected reports whether the event was synthesized by software.
func (e Event) Injected() bool {
	switch {
	case e.Type.IsKey():
		return e.Key.Injected
	case e.Type.IsPointer():
		return e.Pointer.Injected
	}
	return false
}

var epoch = time.Now()

// Ticks returns monotonic milliseconds since process start.
func Ticks() uint64 {
	return uint64(time.Since(epoch).Milliseconds())
}

// NewKeyEvent builds a key event stamped with the current tick.
func NewKeyEvent(pressed bool, key KeyData) Event {
	t := EventKeyRelease
	if pressed {
		t = EventKeyPress
	}
	return Event{Type: t, Timestamp: Ticks(), Key: key}
}

// NewPointerEvent builds a pointer event stamped with the current tick.
// t must be one of the pointer event types.
func NewPointerEvent(t EventType, p PointerData) Event {
	if !t.IsPointer() {
		t = EventPointerMove
	}
	return Event{Type: t, Timestamp: Ticks(), Pointer: p}
}

// NewWindowEvent builds a window change event. Control characters in title and
// process are escaped and both are truncated to their field limits.
func NewWindowEvent(title, process string, pid uint32, handle uintptr) Event {
	return Event{
		Type:      EventWindowChange,
		Timestamp: Ticks(),
		Window: WindowData{
			Title:   escapeBounded(title, MaxWindowTitle),
			Process: escapeBounded(process, MaxProcessName),
			PID:     pid,
			Handle:  handle,
		},
	}
}

// NewErrorEvent builds the error sentinel event.
func NewErrorEvent() Event {
	return Event{Type: EventError, Timestamp: Ticks()}
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// escapeBounded escapes s like EscapeControl and stops before the first rune
// or escape sequence that would take the result past n bytes.
func escapeBounded(s string, n int) string {
	var b strings.Builder
	for i := 0; i < len(s); {
		_, size := utf8.DecodeRuneInString(s[i:])
		piece := s[i : i+size]
		if size == 1 {
			piece = escapeByte(s[i])
		}
		if b.Len()+len(piece) > n {
			break
		}
		b.WriteString(piece)
		i += size
	}
	return b.String()
}

func escapeByte(c byte) string {
	switch {
	case c == '\n':
		return `\n`
	case c == '\r':
		return `\r`
	case c == '\t':
		return `\t`
	case c < 0x20 || c == 0x7f:
		return fmt.Sprintf(`\x%02x`, c)
	}
	return string([]byte{c})
}

// EscapeControl rewrites C0 control characters and DEL so that the result
// never contains a line break.
func EscapeControl(s string) string {
	clean := true
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] == 0x7f {
			clean = false
			break
		}
	}
	if clean {
		return s
	}

	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		b.WriteString(escapeByte(s[i]))
	}
	return b.String()
}

// Filters selects which event types are accepted by the queue.
type Filters struct {
	CaptureKeyboard      bool `json:"capture_keyboard" yaml:"capture_keyboard"`
	CaptureMouse         bool `json:"capture_mouse" yaml:"capture_mouse"`
	CaptureWindowChanges bool `json:"capture_window_changes" yaml:"capture_window_changes"`
	IgnoreInjected       bool `json:"ignore_injected" yaml:"ignore_injected"`
}

// DefaultFilters captures everything, including injected events.
func DefaultFilters() Filters {
	return Filters{
		CaptureKeyboard:      true,
		CaptureMouse:         true,
		CaptureWindowChanges: true,
	}
}

// Allows reports whether ev passes the filters. Error events always pass.
func (f Filters) Allows(ev Event) bool {
	switch {
	case ev.Type.IsKey():
		return f.CaptureKeyboard && !(f.IgnoreInjected && ev.Key.Injected)
	case ev.Type.IsPointer():
		return f.CaptureMouse && !(f.IgnoreInjected && ev.Pointer.Injected)
	case ev.Type == EventWindowChange:
		return f.CaptureWindowChanges
	case ev.Type == EventError:
		return true
	}
	return false
}

// Mode selects the capture flush policy.
type Mode string

const (
	ModeNormal  Mode = "normal"  // Flush on the interval timer
	ModeStealth Mode = "stealth" // Minimal disk writes, no interval flush
	ModeDebug   Mode = "debug"   // Flush after every event, verbose diagnostics
)

const (
	DefaultLogPath        = "logs/events.log"
	DefaultFlushInterval  = 1000 // ms
	DefaultMaxFileSize    = 10 * 1024 * 1024
	DefaultBufferCapacity = 1024 * 1024
	DefaultQueueCapacity  = 1024
	DefaultPollInterval   = 10 // ms
	MaxPathLength         = 260
	MaxEntrySize          = 2048
)

// Config is the capture configuration. It is immutable once capture has started.
type Config struct {
	LogPath             string  `json:"log_path" yaml:"log_path" validate:"required,max=259"`
	Mode                Mode    `json:"mode" yaml:"mode" validate:"oneof=normal stealth debug"`
	FlushIntervalMs     uint32  `json:"flush_interval_ms" yaml:"flush_interval_ms" validate:"gt=0"`
	MaxFileSizeBytes    int64   `json:"max_file_size_bytes" yaml:"max_file_size_bytes" validate:"gt=0"`
	RotateLogs          bool    `json:"rotate_logs" yaml:"rotate_logs"`
	EncryptLogs         bool    `json:"encrypt_logs" yaml:"encrypt_logs"` // Reserved, currently a no-op
	BufferEvents        bool    `json:"buffer_events" yaml:"buffer_events"`
	BufferCapacityBytes int     `json:"buffer_capacity_bytes" yaml:"buffer_capacity_bytes" validate:"gte=0"`
	QueueCapacity       int     `json:"queue_capacity" yaml:"queue_capacity" validate:"gte=2"`
	PollIntervalMs      uint32  `json:"poll_interval_ms" yaml:"poll_interval_ms" validate:"gt=0"`
	Filters             Filters `json:"filters" yaml:"filters"`
	StatsDir            string  `json:"stats_dir" yaml:"stats_dir"`
	DiagLogPath         string  `json:"diag_log_path" yaml:"diag_log_path"`
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		LogPath:             DefaultLogPath,
		Mode:                ModeNormal,
		FlushIntervalMs:     DefaultFlushInterval,
		MaxFileSizeBytes:    DefaultMaxFileSize,
		RotateLogs:          true,
		EncryptLogs:         false,
		BufferEvents:        true,
		BufferCapacityBytes: DefaultBufferCapacity,
		QueueCapacity:       DefaultQueueCapacity,
		PollIntervalMs:      DefaultPollInterval,
		Filters:             DefaultFilters(),
	}
}

// FlushInterval returns the flush interval as a duration.
func (c Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

// PollInterval returns the consumer poll interval as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// QueueCounters are the event queue's monotonic counters.
type QueueCounters struct {
	TotalEvents    uint64 `json:"total_events"`
	DroppedEvents  uint64 `json:"dropped_events"`
	QueueOverflows uint64 `json:"queue_overflows"`
	WindowChanges  uint64 `json:"window_changes"`
}

// WriterStats are the log writer's counters.
type WriterStats struct {
	TotalWrites  uint64 `json:"total_writes"`
	FailedWrites uint64 `json:"failed_writes"`
	BytesWritten uint64 `json:"bytes_written"`
	Retries      uint64 `json:"retries"`
}

// Stats is the pipeline-wide statistics view. Counters only grow until an
// explicit reset.
type Stats struct {
	EventsCaptured  uint64 `json:"events_captured"`
	EventsBuffered  uint64 `json:"events_buffered"`
	BytesWritten    uint64 `json:"bytes_written"`
	FilesRotated    uint64 `json:"files_rotated"`
	WriteErrors     uint64 `json:"write_errors"`
	BufferOverflows uint64 `json:"buffer_overflows"`
	QueueOverflows  uint64 `json:"queue_overflows"`
	DroppedEvents   uint64 `json:"dropped_events"`
	WindowChanges   uint64 `json:"window_changes"`
}

// StatsSnapshot is an archived copy of Stats.
type StatsSnapshot struct {
	ID         int64
	LogPath    string
	Stats      Stats
	RecordedAt time.Time
}

// WindowInfo describes the current foreground window as reported by a FocusProbe.
type WindowInfo struct {
	Handle  uintptr
	Title   string
	PID     uint32
	Process string // May be empty; resolved via ProcessResolver
}
