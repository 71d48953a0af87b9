package infra

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/evpipe/internal/domain"
)

const maxRecordSize = 64 * 1024

// Record is one line of a JSONL event stream.
//
//	{"type":"key_down","vk":65,"sc":30,"alt":true}
//	{"type":"mouse_wheel","x":10,"y":20,"wheel":-120}
//	{"type":"window","title":"Inbox","process":"mail","pid":4312,"handle":1}
type Record struct {
	Type string `json:"type"`
	TS   uint64 `json:"ts,omitempty"`

	VK       uint32 `json:"vk,omitempty"`
	SC       uint32 `json:"sc,omitempty"`
	Extended bool   `json:"extended,omitempty"`
	Alt      bool   `json:"alt,omitempty"`
	Ctrl     bool   `json:"ctrl,omitempty"`
	Shift    bool   `json:"shift,omitempty"`
	Win      bool   `json:"win,omitempty"`

	X      int32  `json:"x,omitempty"`
	Y      int32  `json:"y,omitempty"`
	Flags  uint32 `json:"flags,omitempty"`
	Wheel  int16  `json:"wheel,omitempty"`
	Left   bool   `json:"left,omitempty"`
	Right  bool   `json:"right,omitempty"`
	Middle bool   `json:"middle,omitempty"`

	Injected bool `json:"injected,omitempty"`

	Title   string  `json:"title,omitempty"`
	Process string  `json:"process,omitempty"`
	PID     uint32  `json:"pid,omitempty"`
	Handle  uintptr `json:"handle,omitempty"`
}

// WindowObserver receives foreground-window observations.
type WindowObserver interface {
	Observe(info domain.WindowInfo) bool
}

// SourceStats summarizes one Run.
type SourceStats struct {
	Lines     int
	Enqueued  int
	Dropped   int
	Malformed int
}

// JSONLSource is an event producer that reads JSON lines and enqueues the
// events they describe. Window records go to the observer when one is set so
// that repeated focus reports collapse into one WindowChange.
type JSONLSource struct {
	queue    domain.EventQueue
	observer WindowObserver
	logger   *zap.Logger
}

// NewJSONLSource creates a source feeding queue. observer may be nil.
func NewJSONLSource(queue domain.EventQueue, observer WindowObserver, logger *zap.Logger) *JSONLSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JSONLSource{
		queue:    queue,
		observer: observer,
		logger:   logger,
	}
}

// Run reads r until EOF or until ctx is canceled between lines. Blank lines
// and lines starting with '#' are skipped. A malformed line enqueues an error
// event and reading continues.
func (s *JSONLSource) Run(ctx context.Context, r io.Reader) (SourceStats, error) {
	var st SourceStats

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxRecordSize)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		st.Lines++

		ev, win, err := ParseRecord(line)
		if err != nil {
			st.Malformed++
			s.logger.Debug("malformed record", zap.Int("line", st.Lines), zap.Error(err))
			ev = domain.NewErrorEvent()
		}

		if win != nil && s.observer != nil {
			if s.observer.Observe(*win) {
				st.Enqueued++
			}
			continue
		}

		if s.queue.Enqueue(ev) {
			st.Enqueued++
		} else {
			st.Dropped++
		}
	}

	if err := scanner.Err(); err != nil {
		return st, fmt.Errorf("failed to read event stream: %w", err)
	}

	s.logger.Debug("event stream finished",
		zap.Int("lines", st.Lines),
		zap.Int("enqueued", st.Enqueued),
		zap.Int("dropped", st.Dropped),
		zap.Int("malformed", st.Malformed))
	return st, nil
}

// ParseRecord decodes one JSON line. For window records the returned
// WindowInfo is also set.
func ParseRecord(line []byte) (domain.Event, *domain.WindowInfo, error) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return domain.Event{}, nil, fmt.Errorf("failed to decode record: %w", err)
	}

	var (
		ev  domain.Event
		win *domain.WindowInfo
	)
	switch rec.Type {
	case "key_down", "key_up":
		ev = domain.NewKeyEvent(rec.Type == "key_down", domain.KeyData{
			VKCode:   rec.VK,
			ScanCode: rec.SC,
			Extended: rec.Extended,
			Injected: rec.Injected,
			Alt:      rec.Alt,
			Shift:    rec.Shift,
			Control:  rec.Ctrl,
			Meta:     rec.Win,
		})
	case "mouse_click", "mouse_move", "mouse_wheel":
		t := map[string]domain.EventType{
			"mouse_click": domain.EventPointerClick,
			"mouse_move":  domain.EventPointerMove,
			"mouse_wheel": domain.EventPointerWheel,
		}[rec.Type]
		ev = domain.NewPointerEvent(t, domain.PointerData{
			X:           rec.X,
			Y:           rec.Y,
			ButtonFlags: rec.Flags,
			Injected:    rec.Injected,
			WheelDelta:  rec.Wheel,
			Left:        rec.Left,
			Right:       rec.Right,
			Middle:      rec.Middle,
		})
	case "window":
		win = &domain.WindowInfo{
			Handle:  rec.Handle,
			Title:   rec.Title,
			PID:     rec.PID,
			Process: rec.Process,
		}
		ev = domain.NewWindowEvent(rec.Title, rec.Process, rec.PID, rec.Handle)
	case "":
		return domain.Event{}, nil, fmt.Errorf("record has no type")
	default:
		return domain.Event{}, nil, fmt.Errorf("unknown record type %q", rec.Type)
	}

	if rec.TS != 0 {
		ev.Timestamp = rec.TS
	}
	return ev, win, nil
}
