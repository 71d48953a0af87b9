// Package format renders events as log lines.
package format

import (
	"fmt"
	"strings"
	"time"

	"github.com/eliteGoblin/focusd/evpipe/internal/domain"
)

const (
	// EntryLayout is the wall-clock stamp at the start of every event line.
	EntryLayout = "2006-01-02 15:04:05.000"
	// RecordLayout is the stamp the log writer puts before each write.
	RecordLayout = "2006-01-02 15:04:05"
	// RotationLayout is the suffix appended to rotated log files.
	RotationLayout = "20060102_150405"
)

// Line renders ev as one newline-terminated line stamped with now.
// The error sentinel and unknown types render as the empty string.
func Line(ev domain.Event, now time.Time) string {
	ts := now.Format(EntryLayout)

	switch {
	case ev.Type.IsKey():
		return keyLine(ts, ev)
	case ev.Type.IsPointer():
		return pointerLine(ts, ev)
	case ev.Type == domain.EventWindowChange:
		w := ev.Window
		return fmt.Sprintf("[%s] WINDOW TITLE:'%s' PROCESS:'%s' PID:%d\n",
			ts, w.Title, w.Process, w.PID)
	}
	return ""
}

func keyLine(ts string, ev domain.Event) string {
	k := ev.Key
	dir := "UP"
	if ev.Type == domain.EventKeyPress {
		dir = "DOWN"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] KEY %s VK:0x%04X SC:0x%04X", ts, dir, k.VKCode, k.ScanCode)
	if k.Alt {
		b.WriteString(" ALT")
	}
	if k.Control {
		b.WriteString(" CTRL")
	}
	if k.Shift {
		b.WriteString(" SHIFT")
	}
	if k.Meta {
		b.WriteString(" WIN")
	}
	b.WriteByte('\n')
	return b.String()
}

func pointerLine(ts string, ev domain.Event) string {
	p := ev.Pointer
	action := "MOVE"
	switch ev.Type {
	case domain.EventPointerClick:
		action = "CLICK"
	case domain.EventPointerWheel:
		action = "WHEEL"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] MOUSE %s X:%d Y:%d BTN:", ts, action, p.X, p.Y)
	if p.Left {
		b.WriteString(" LEFT")
	}
	if p.Right {
		b.WriteString(" RIGHT")
	}
	if p.Middle {
		b.WriteString(" MIDDLE")
	}
	fmt.Fprintf(&b, " WHL:%d\n", p.WheelDelta)
	return b.String()
}

// RecordPrefix returns the per-write stamp used by the log writer.
func RecordPrefix(now time.Time) string {
	return "[" + now.Format(RecordLayout) + "] "
}

// RotationSuffix returns the suffix for a rotated file name.
func RotationSuffix(now time.Time) string {
	return now.Format(RotationLayout)
}
