package usecase

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/evpipe/internal/domain"
	"github.com/eliteGoblin/focusd/evpipe/internal/logfile"
	"github.com/eliteGoblin/focusd/evpipe/internal/queue"
)

// mockWriter implements domain.LogWriter for testing
type mockWriter struct {
	mu       sync.Mutex
	writes   [][]byte
	writeErr error
	syncs    int
	closed   bool
	size     int64
	rotateOK bool
}

func (m *mockWriter) Write(p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.writes = append(m.writes, append([]byte(nil), p...))
	m.size += int64(len(p))
	return nil
}

func (m *mockWriter) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncs++
	return nil
}

func (m *mockWriter) RotateIfNeeded(int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rotateOK, nil
}

func (m *mockWriter) CurrentSize() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

func (m *mockWriter) Stats() domain.WriterStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.WriterStats{TotalWrites: uint64(len(m.writes)), BytesWritten: uint64(m.size)}
}

func (m *mockWriter) ResetStats()      {}
func (m *mockWriter) LastError() error { return nil }

func (m *mockWriter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockWriter) joined() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var b strings.Builder
	for _, w := range m.writes {
		b.Write(w)
	}
	return b.String()
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func testConfig(t *testing.T) domain.Config {
	t.Helper()
	cfg := domain.DefaultConfig()
	cfg.LogPath = filepath.Join(t.TempDir(), "logs", "events.log")
	return cfg
}

func keyDown(vk uint32) domain.Event {
	return domain.NewKeyEvent(true, domain.KeyData{VKCode: vk})
}

func newFileCapture(t *testing.T, cfg domain.Config) (*Capture, *queue.Queue) {
	t.Helper()
	q := queue.New(16, zap.NewNop())
	c := NewCapture(q, logfile.Opener(zap.NewNop()), zap.NewNop())
	require.NoError(t, c.Init(&cfg))
	t.Cleanup(func() { _ = c.Cleanup() })
	return c, q
}

func newMockCapture(t *testing.T, cfg domain.Config) (*Capture, *queue.Queue, *mockWriter, *fakeClock) {
	t.Helper()
	q := queue.New(16, zap.NewNop())
	w := &mockWriter{}
	clock := &fakeClock{now: time.Date(2024, 3, 9, 14, 5, 7, 0, time.Local)}
	c := NewCapture(q, func(domain.Config) (domain.LogWriter, error) { return w, nil }, zap.NewNop())
	c.now = clock.Now
	require.NoError(t, c.Init(&cfg))
	return c, q, w, clock
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestInit(t *testing.T) {
	cfg := testConfig(t)
	c, _ := newFileCapture(t, cfg)

	assert.True(t, c.IsInitialized())
	assert.False(t, c.IsActive())
	assert.True(t, c.Healthy())
	assert.Equal(t, cfg.LogPath, c.Config().LogPath)
	assert.FileExists(t, cfg.LogPath)

	err := c.Init(&cfg)
	assert.ErrorIs(t, err, domain.ErrAlreadyInitialized)
	assert.Equal(t, domain.KindInit, domain.KindOf(err))
	assert.ErrorIs(t, c.LastError(), domain.ErrAlreadyInitialized)
}

func TestInit_FailsClosed(t *testing.T) {
	tests := []struct {
		name     string
		cfg      func(t *testing.T) domain.Config
		open     domain.WriterOpener
		wantKind domain.Kind
	}{
		{
			name:     "invalid config",
			cfg:      func(t *testing.T) domain.Config { c := testConfig(t); c.FlushIntervalMs = 0; return c },
			wantKind: domain.KindConfig,
		},
		{
			name: "writer open failure",
			cfg:  testConfig,
			open: func(domain.Config) (domain.LogWriter, error) {
				return nil, errors.New("read-only filesystem")
			},
			wantKind: domain.KindIO,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			open := tt.open
			if open == nil {
				open = logfile.Opener(nil)
			}
			c := NewCapture(queue.New(4, nil), open, nil)
			cfg := tt.cfg(t)

			err := c.Init(&cfg)

			require.Error(t, err)
			assert.Equal(t, tt.wantKind, domain.KindOf(err))
			assert.False(t, c.IsInitialized())
			assert.Equal(t, domain.KindState, domain.KindOf(c.Start()))
		})
	}
}

func TestSetConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mode = domain.ModeDebug
	c := NewCapture(queue.New(4, nil), logfile.Opener(nil), nil)

	bad := cfg
	bad.Mode = "loud"
	assert.Equal(t, domain.KindConfig, domain.KindOf(c.SetConfig(bad)))

	require.NoError(t, c.SetConfig(cfg))
	require.NoError(t, c.Init(nil))
	defer c.Cleanup()
	assert.Equal(t, domain.ModeDebug, c.Config().Mode)

	err := c.SetConfig(cfg)
	assert.ErrorIs(t, err, domain.ErrAlreadyInitialized)
	assert.Equal(t, domain.KindState, domain.KindOf(err))
}

func TestStart(t *testing.T) {
	c, _ := newFileCapture(t, testConfig(t))

	require.NoError(t, c.Start())
	assert.True(t, c.IsActive())

	err := c.Start()
	assert.ErrorIs(t, err, domain.ErrAlreadyActive)
}

func TestStop_Idempotent(t *testing.T) {
	c, q := newFileCapture(t, testConfig(t))
	require.NoError(t, c.Start())

	require.NoError(t, c.Stop())
	assert.False(t, c.IsActive())
	assert.NoError(t, c.Stop())
	assert.False(t, c.IsActive())
	assert.Zero(t, q.DrainAll(), "handler is unregistered")

	// Stop before Start is also a no-op.
	c2, _ := newFileCapture(t, testConfig(t))
	assert.NoError(t, c2.Stop())
}

func TestStop_DrainsQueue(t *testing.T) {
	for _, buffered := range []bool{true, false} {
		name := "direct"
		if buffered {
			name = "buffered"
		}
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.BufferEvents = buffered
			c, q := newFileCapture(t, cfg)
			require.NoError(t, c.Start())

			for i := 0; i < 5; i++ {
				require.True(t, q.Enqueue(keyDown(uint32(0x41+i))))
			}
			require.NoError(t, c.Stop())

			content := readLog(t, cfg.LogPath)
			assert.Equal(t, 5, strings.Count(content, "KEY DOWN"))
			for i := 0; i < 5; i++ {
				assert.Contains(t, content, "VK:0x004"+string(rune('1'+i)))
			}
			st := c.Stats()
			assert.Equal(t, uint64(5), st.EventsCaptured)
			assert.Zero(t, st.DroppedEvents)
			if buffered {
				assert.Equal(t, uint64(5), st.EventsBuffered)
			} else {
				assert.Zero(t, st.EventsBuffered)
			}
		})
	}
}

func TestHandleEvent_OrderPreserved(t *testing.T) {
	cfg := testConfig(t)
	cfg.BufferEvents = false
	c, q := newFileCapture(t, cfg)
	require.NoError(t, c.Start())

	require.True(t, q.Enqueue(domain.NewWindowEvent("Editor", "code", 42, 1)))
	require.True(t, q.Enqueue(keyDown(0x41)))
	require.True(t, q.Enqueue(domain.NewPointerEvent(domain.EventPointerClick, domain.PointerData{X: 3, Y: 4, Left: true})))
	q.DrainAll()
	require.NoError(t, c.Flush())

	content := readLog(t, cfg.LogPath)
	w := strings.Index(content, "WINDOW TITLE:'Editor' PROCESS:'code' PID:42")
	k := strings.Index(content, "KEY DOWN VK:0x0041")
	m := strings.Index(content, "MOUSE CLICK X:3 Y:4 BTN: LEFT")
	require.True(t, w >= 0 && k >= 0 && m >= 0, content)
	assert.Less(t, w, k)
	assert.Less(t, k, m)
	assert.Equal(t, uint64(1), c.Stats().WindowChanges)
}

func TestHandleEvent_ErrorSentinelSkipped(t *testing.T) {
	cfg := testConfig(t)
	cfg.BufferEvents = false
	c, _, w, _ := newMockCapture(t, cfg)
	require.NoError(t, c.Start())

	c.HandleEvent(domain.NewErrorEvent())

	assert.Empty(t, w.writes)
	assert.Zero(t, c.Stats().EventsCaptured)
}

func TestHandleEvent_DirectWriteErrorsCounted(t *testing.T) {
	cfg := testConfig(t)
	cfg.BufferEvents = false
	c, _, w, _ := newMockCapture(t, cfg)
	require.NoError(t, c.Start())
	w.writeErr = domain.E("logfile.Write", domain.KindCapacity, domain.ErrSizeCap)

	c.HandleEvent(keyDown(0x41))
	c.HandleEvent(keyDown(0x42))

	st := c.Stats()
	assert.Equal(t, uint64(2), st.EventsCaptured)
	assert.Equal(t, uint64(2), st.WriteErrors)
	assert.ErrorIs(t, c.LastError(), domain.ErrSizeCap)
	assert.True(t, c.IsActive(), "steady-state failures keep capture running")
}

func TestFlushPolicy(t *testing.T) {
	tests := []struct {
		name          string
		mode          domain.Mode
		wantAfterEvt  bool
		wantAfterTick bool
	}{
		{"debug flushes every event", domain.ModeDebug, true, true},
		{"normal flushes on interval", domain.ModeNormal, false, true},
		{"stealth skips interval flush", domain.ModeStealth, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Mode = tt.mode
			c, _, w, clock := newMockCapture(t, cfg)
			require.NoError(t, c.Start())

			c.HandleEvent(keyDown(0x41))
			assert.Equal(t, tt.wantAfterEvt, strings.Contains(w.joined(), "KEY DOWN"))

			clock.Advance(2 * cfg.FlushInterval())
			c.Tick()
			assert.Equal(t, tt.wantAfterTick, strings.Contains(w.joined(), "KEY DOWN"))

			// Stop always flushes.
			require.NoError(t, c.Stop())
			assert.Contains(t, w.joined(), "KEY DOWN")
			assert.Positive(t, w.syncs)
		})
	}
}

func TestRotation(t *testing.T) {
	cfg := testConfig(t)
	cfg.BufferEvents = false
	cfg.MaxFileSizeBytes = 4096
	c, _ := newFileCapture(t, cfg)
	require.NoError(t, c.Start())

	for i := 0; i < 60; i++ {
		c.HandleEvent(keyDown(0x41))
	}
	require.NoError(t, c.Stop())

	st := c.Stats()
	assert.Positive(t, st.FilesRotated)
	assert.Zero(t, st.WriteErrors)

	matches, err := filepath.Glob(cfg.LogPath + ".2*")
	require.NoError(t, err)
	assert.Len(t, matches, int(st.FilesRotated))

	total := strings.Count(readLog(t, cfg.LogPath), "KEY DOWN")
	for _, m := range matches {
		total += strings.Count(readLog(t, m), "KEY DOWN")
	}
	assert.Equal(t, 60, total)
}

func TestRotationDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.RotateLogs = false
	cfg.BufferEvents = false
	c, _, w, _ := newMockCapture(t, cfg)
	w.rotateOK = true
	require.NoError(t, c.Start())

	c.HandleEvent(keyDown(0x41))

	assert.Zero(t, c.Stats().FilesRotated)
}

func TestResetStats(t *testing.T) {
	cfg := testConfig(t)
	c, q := newFileCapture(t, cfg)
	require.NoError(t, c.Start())
	require.True(t, q.Enqueue(keyDown(0x41)))
	q.DrainAll()
	require.NoError(t, c.Flush())
	require.NotZero(t, c.Stats().EventsCaptured)

	c.ResetStats()

	assert.Equal(t, domain.Stats{}, c.Stats())
}

func TestIsBufferFull(t *testing.T) {
	buffered := testConfig(t)
	c, _ := newFileCapture(t, buffered)
	assert.False(t, c.IsBufferFull())

	direct := testConfig(t)
	direct.BufferEvents = false
	d, _ := newFileCapture(t, direct)
	assert.False(t, d.IsBufferFull())
}

func TestCleanup(t *testing.T) {
	cfg := testConfig(t)
	c, _, w, _ := newMockCapture(t, cfg)
	require.NoError(t, c.Start())
	c.HandleEvent(keyDown(0x41))

	require.NoError(t, c.Cleanup())

	assert.False(t, c.IsActive())
	assert.False(t, c.IsInitialized())
	assert.True(t, w.closed)
	assert.Contains(t, w.joined(), "KEY DOWN")
	assert.Equal(t, uint64(1), c.Stats().EventsCaptured, "final counters survive cleanup")

	assert.NoError(t, c.Cleanup())

	// Re-initialization is allowed after cleanup.
	require.NoError(t, c.Init(&cfg))
	assert.NoError(t, c.Cleanup())
}

func TestEncryptFlagIsAccepted(t *testing.T) {
	cfg := testConfig(t)
	cfg.EncryptLogs = true
	cfg.BufferEvents = false
	c, _ := newFileCapture(t, cfg)
	require.NoError(t, c.Start())

	c.HandleEvent(keyDown(0x41))
	require.NoError(t, c.Flush())

	assert.Contains(t, readLog(t, cfg.LogPath), "KEY DOWN VK:0x0041")
}
