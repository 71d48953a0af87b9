//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/evpipe/internal/daemon"
	"github.com/eliteGoblin/focusd/evpipe/internal/domain"
	"github.com/eliteGoblin/focusd/evpipe/internal/infra"
	"github.com/eliteGoblin/focusd/evpipe/internal/logfile"
	"github.com/eliteGoblin/focusd/evpipe/internal/queue"
	"github.com/eliteGoblin/focusd/evpipe/internal/usecase"
)

func readLines(path string) []string {
	data, err := os.ReadFile(path)
	Expect(err).NotTo(HaveOccurred())
	text := strings.TrimSuffix(string(data), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

var _ = Describe("Event pipeline", func() {
	var (
		tmpDir  string
		cfg     domain.Config
		q       *queue.Queue
		capture *usecase.Capture
		tracker *daemon.WindowTracker
		source  *infra.JSONLSource
		logger  *zap.Logger
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "evpipe-integration-*")
		Expect(err).NotTo(HaveOccurred())

		logger = zap.NewNop()
		cfg = domain.DefaultConfig()
		cfg.LogPath = filepath.Join(tmpDir, "logs", "events.log")
	})

	// start wires the pipeline the way `evpipe run` does.
	start := func() {
		q = queue.New(cfg.QueueCapacity, logger)
		q.SetFilters(cfg.Filters)
		capture = usecase.NewCapture(q, logfile.Opener(logger), logger)
		Expect(capture.Init(&cfg)).To(Succeed())
		Expect(capture.Start()).To(Succeed())
		tracker = daemon.NewWindowTracker(q, nil, infra.NewProcessResolver(), logger)
		source = infra.NewJSONLSource(q, tracker, logger)
	}

	AfterEach(func() {
		if capture != nil {
			_ = capture.Cleanup()
		}
		os.RemoveAll(tmpDir)
	})

	Describe("JSON-lines input", func() {
		Context("when records are read and the controller stops", func() {
			It("should write one prefixed line per event in order", func() {
				start()
				input := strings.Join([]string{
					`{"type":"key_down","vk":65,"sc":30,"shift":true}`,
					`{"type":"key_up","vk":65,"sc":30}`,
					`{"type":"mouse_click","x":10,"y":20,"left":true}`,
					`{"type":"window","title":"Editor","process":"vim","pid":42,"handle":1}`,
				}, "\n")

				st, err := source.Run(context.Background(), strings.NewReader(input))
				Expect(err).NotTo(HaveOccurred())
				Expect(st.Enqueued).To(Equal(4))

				Expect(capture.Stop()).To(Succeed())

				lines := readLines(cfg.LogPath)
				Expect(lines).To(HaveLen(4))
				Expect(lines[0]).To(MatchRegexp(`^\[\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\] \[.+\] KEY DOWN VK:0x0041 SC:0x001E SHIFT$`))
				Expect(lines[1]).To(ContainSubstring("KEY UP VK:0x0041"))
				Expect(lines[2]).To(ContainSubstring("MOUSE CLICK X:10 Y:20 BTN: LEFT"))
				Expect(lines[3]).To(ContainSubstring("WINDOW TITLE:'Editor' PROCESS:'vim' PID:42"))

				stats := capture.Stats()
				Expect(stats.EventsCaptured).To(Equal(uint64(4)))
				Expect(stats.WindowChanges).To(Equal(uint64(1)))
				Expect(stats.DroppedEvents).To(BeZero())
			})
		})

		Context("when the same window is reported twice", func() {
			It("should log a single window change", func() {
				start()
				input := strings.Repeat(`{"type":"window","title":"Mail","process":"mail","pid":7,"handle":3}`+"\n", 2)

				_, err := source.Run(context.Background(), strings.NewReader(input))
				Expect(err).NotTo(HaveOccurred())
				Expect(capture.Stop()).To(Succeed())

				Expect(readLines(cfg.LogPath)).To(HaveLen(1))
			})
		})

		Context("when a record is malformed", func() {
			It("should skip it without writing a line", func() {
				start()
				input := "not json\n" + `{"type":"key_down","vk":13}` + "\n"

				st, err := source.Run(context.Background(), strings.NewReader(input))
				Expect(err).NotTo(HaveOccurred())
				Expect(st.Malformed).To(Equal(1))
				Expect(capture.Stop()).To(Succeed())

				lines := readLines(cfg.LogPath)
				Expect(lines).To(HaveLen(1))
				Expect(lines[0]).To(ContainSubstring("KEY DOWN VK:0x000D"))
			})
		})
	})

	Describe("Queue overflow", func() {
		It("should drop events beyond capacity and count them", func() {
			cfg.QueueCapacity = 4
			start()
			input := strings.Repeat(`{"type":"mouse_move","x":1,"y":1}`+"\n", 10)

			st, err := source.Run(context.Background(), strings.NewReader(input))
			Expect(err).NotTo(HaveOccurred())
			// One slot always stays empty.
			Expect(st.Enqueued).To(Equal(3))
			Expect(st.Dropped).To(Equal(7))

			Expect(capture.Stop()).To(Succeed())
			Expect(readLines(cfg.LogPath)).To(HaveLen(3))
			Expect(capture.Stats().DroppedEvents).To(Equal(uint64(7)))
		})
	})

	Describe("Rotation", func() {
		It("should keep every file under the size cap", func() {
			cfg.BufferEvents = false
			cfg.MaxFileSizeBytes = 4096
			start()
			input := strings.Repeat(`{"type":"key_down","vk":65}`+"\n", 200)

			pump := daemon.NewPump(daemon.PumpConfig{LogPath: cfg.LogPath}, q, capture, tracker, nil, logger)
			_, err := source.Run(context.Background(), strings.NewReader(input))
			Expect(err).NotTo(HaveOccurred())
			pump.Step()
			Expect(capture.Stop()).To(Succeed())

			fs := infra.NewFileSystem()
			rotated, err := fs.RotatedFiles(cfg.LogPath)
			Expect(err).NotTo(HaveOccurred())
			Expect(rotated).NotTo(BeEmpty())
			Expect(capture.Stats().FilesRotated).To(Equal(uint64(len(rotated))))

			total := 0
			for _, path := range append(rotated, cfg.LogPath) {
				info, err := os.Stat(path)
				Expect(err).NotTo(HaveOccurred())
				Expect(info.Size()).To(BeNumerically("<=", cfg.MaxFileSizeBytes))
				total += len(readLines(path))
			}
			Expect(total).To(Equal(200))
		})
	})

	Describe("Statistics archive", func() {
		It("should persist snapshots in the encrypted store", func() {
			start()
			statsDir := filepath.Join(tmpDir, "stats")
			key, err := infra.EnsureKey(infra.NewFileKeyProvider(statsDir))
			Expect(err).NotTo(HaveOccurred())
			store, err := infra.NewSQLCipherStatsStore(statsDir, key)
			Expect(err).NotTo(HaveOccurred())
			defer store.Close()

			_, err = source.Run(context.Background(),
				strings.NewReader(`{"type":"key_down","vk":65}`+"\n"+`{"type":"key_up","vk":65}`+"\n"))
			Expect(err).NotTo(HaveOccurred())

			pump := daemon.NewPump(daemon.PumpConfig{LogPath: cfg.LogPath}, q, capture, tracker, store, logger)
			Expect(pump.Step()).To(Equal(2))
			Expect(pump.Snapshot(context.Background())).To(Succeed())

			latest, err := store.Latest(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(latest).NotTo(BeNil())
			Expect(latest.LogPath).To(Equal(cfg.LogPath))
			Expect(latest.Stats.EventsCaptured).To(Equal(uint64(2)))
		})
	})

	Describe("Single writer", func() {
		It("should refuse a second capture on the same log path", func() {
			start()
			other := usecase.NewCapture(queue.New(8, logger), logfile.Opener(logger), logger)

			err := other.Init(&cfg)
			Expect(err).To(HaveOccurred())
			Expect(err).To(MatchError(domain.ErrWriterLocked))
		})
	})
})
