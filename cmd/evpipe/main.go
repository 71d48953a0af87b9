// Package main is the CLI entry point for evpipe.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/eliteGoblin/focusd/evpipe/internal/config"
	"github.com/eliteGoblin/focusd/evpipe/internal/daemon"
	"github.com/eliteGoblin/focusd/evpipe/internal/domain"
	"github.com/eliteGoblin/focusd/evpipe/internal/infra"
	"github.com/eliteGoblin/focusd/evpipe/internal/logfile"
	"github.com/eliteGoblin/focusd/evpipe/internal/metrics"
	"github.com/eliteGoblin/focusd/evpipe/internal/queue"
	"github.com/eliteGoblin/focusd/evpipe/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

const defaultConfigPath = "evpipe.yaml"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "evpipe",
	Short: "Input event pipeline - queues, formats and logs input events",
	Long: `evpipe reads input event records, passes them through a bounded
drop-on-full queue and writes one timestamped line per event to a
size-capped, rotating log file.`,
	Version:      Version,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline over a JSON-lines event stream",
	Long: `Reads JSON-lines event records from --input (stdin by default) and
logs them until the input ends or the process receives SIGINT/SIGTERM.
Statistics are archived to the encrypted stats database when stats_dir
is configured.`,
	RunE: runRun,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show archived statistics",
	Long:  `Prints the most recent archived statistics snapshots and the rotated log files.`,
	RunE:  runStats,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a configuration file with default values",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigInit,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	configPath  string
	inputPath   string
	metricsAddr string
	statsLimit  int
	jsonOutput  bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Configuration file (missing file means defaults)")
	runCmd.Flags().StringVarP(&inputPath, "input", "i", "-", "Event record file, - for stdin")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. 127.0.0.1:9464)")
	statsCmd.Flags().IntVarP(&statsLimit, "limit", "n", 5, "Number of snapshots to show")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	configCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads the configuration and expands ~ in its paths.
func loadConfig() (domain.Config, *infra.FileSystem, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, err
	}
	fs := infra.NewFileSystem()
	cfg.LogPath = fs.ExpandHome(cfg.LogPath)
	if cfg.StatsDir != "" {
		cfg.StatsDir = fs.ExpandHome(cfg.StatsDir)
	}
	if cfg.DiagLogPath != "" {
		cfg.DiagLogPath = fs.ExpandHome(cfg.DiagLogPath)
	}
	return cfg, fs, nil
}

// prepareDirs creates the log and diagnostic log directories. The stats
// directory is left to the stats store, which creates it owner-only.
func prepareDirs(fs *infra.FileSystem, cfg domain.Config) error {
	dirs := []string{filepath.Dir(cfg.LogPath)}
	if cfg.DiagLogPath != "" {
		dirs = append(dirs, filepath.Dir(cfg.DiagLogPath))
	}
	for _, dir := range dirs {
		if err := fs.EnsureDir(dir); err != nil {
			return err
		}
	}
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, fs, err := loadConfig()
	if err != nil {
		return err
	}
	if err := prepareDirs(fs, cfg); err != nil {
		return err
	}

	logger := createLogger(cfg)
	defer func() { _ = logger.Sync() }()

	input, closeInput, err := openInput(inputPath)
	if err != nil {
		return err
	}
	defer closeInput()

	var store *infra.SQLCipherStatsStore
	if cfg.StatsDir != "" {
		store, err = openStatsStore(cfg.StatsDir, true)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
	}

	// Initialize pipeline
	q := queue.New(cfg.QueueCapacity, logger)
	q.SetFilters(cfg.Filters)

	capture := usecase.NewCapture(q, logfile.Opener(logger), logger)
	if err := capture.Init(&cfg); err != nil {
		return fmt.Errorf("failed to initialize capture: %w", err)
	}
	if err := capture.Start(); err != nil {
		_ = capture.Cleanup()
		return fmt.Errorf("failed to start capture: %w", err)
	}

	tracker := daemon.NewWindowTracker(q, nil, infra.NewProcessResolver(), logger)
	source := infra.NewJSONLSource(q, tracker, logger)

	pumpConfig := daemon.DefaultPumpConfig()
	pumpConfig.PollInterval = cfg.PollInterval()
	pumpConfig.LogPath = cfg.LogPath
	var statsStore domain.StatsStore
	if store != nil {
		statsStore = store
	}
	pump := daemon.NewPump(pumpConfig, q, capture, tracker, statsStore, logger)

	var reg *prometheus.Registry
	if metricsAddr != "" {
		reg, err = metrics.NewRegistry(capture)
		if err != nil {
			return errors.Join(fmt.Errorf("failed to create metrics registry: %w", err), capture.Cleanup())
		}
	}

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			logger.Info("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("pipeline started",
		zap.String("log_path", cfg.LogPath),
		zap.String("mode", string(cfg.Mode)),
		zap.String("input", inputPath))

	// The source is not part of the group: a read on stdin cannot be
	// interrupted, so shutdown must not wait for it.
	sourceDone := make(chan error, 1)
	go func() {
		st, err := source.Run(ctx, input)
		logger.Info("event source finished",
			zap.Int("lines", st.Lines),
			zap.Int("enqueued", st.Enqueued),
			zap.Int("dropped", st.Dropped),
			zap.Int("malformed", st.Malformed))
		// End of input stops the pump, which performs the final drain.
		cancel()
		sourceDone <- ignoreCanceled(err)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(pump.Run(gctx))
	})
	if reg != nil {
		g.Go(func() error {
			return ignoreCanceled(metrics.Serve(gctx, metricsAddr, reg, logger))
		})
	}

	runErr := g.Wait()
	select {
	case err := <-sourceDone:
		runErr = errors.Join(runErr, err)
	case <-time.After(time.Second):
		logger.Warn("event source still blocked on input")
	}
	if runErr != nil {
		logger.Error("pipeline failed", zap.Error(runErr))
	}

	cleanupErr := capture.Cleanup()
	if cleanupErr != nil {
		logger.Error("cleanup failed", zap.Error(cleanupErr))
	}

	// Stats stay readable after Cleanup, so the pump archives the final values.
	final := capture.Stats()
	if err := pump.Snapshot(context.Background()); err != nil {
		logger.Warn("failed to archive final stats", zap.Error(err))
	}

	logger.Info("pipeline stopped",
		zap.Uint64("events_captured", final.EventsCaptured),
		zap.Uint64("bytes_written", final.BytesWritten),
		zap.Uint64("files_rotated", final.FilesRotated),
		zap.Uint64("dropped_events", final.DroppedEvents))

	return errors.Join(runErr, cleanupErr)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open input: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// openStatsStore opens the encrypted stats database. create controls whether
// a missing key is generated.
func openStatsStore(dir string, create bool) (*infra.SQLCipherStatsStore, error) {
	provider := infra.SelectKeyProvider(dir, os.LookupEnv)

	var key []byte
	var err error
	if create {
		key, err = infra.EnsureKey(provider)
	} else {
		key, err = provider.GetKey()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stats key: %w", err)
	}

	store, err := infra.NewSQLCipherStatsStore(dir, key)
	if err != nil {
		return nil, fmt.Errorf("failed to open stats store: %w", err)
	}
	return store, nil
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, fs, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Println("\n=== evpipe Stats ===")
	fmt.Printf("Log path: %s\n", cfg.LogPath)
	if !fs.Exists(cfg.LogPath) {
		fmt.Println("Log file: not created yet")
	}

	rotated, err := fs.RotatedFiles(cfg.LogPath)
	if err != nil {
		return err
	}
	total, err := fs.DirSize(cfg.LogPath)
	if err != nil {
		return err
	}
	fmt.Printf("Rotated files: %d\n", len(rotated))
	for _, f := range rotated {
		fmt.Printf("  - %s\n", f)
	}
	fmt.Printf("Total log size: %d bytes\n", total)

	if cfg.StatsDir == "" {
		fmt.Println("\nstats_dir is not configured; no snapshots archived.")
		return nil
	}
	if !infra.SelectKeyProvider(cfg.StatsDir, os.LookupEnv).KeyExists() {
		fmt.Println("\nNo snapshots archived yet.")
		return nil
	}

	store, err := openStatsStore(cfg.StatsDir, false)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	history, err := store.History(cmd.Context(), statsLimit)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		fmt.Println("\nNo snapshots archived yet.")
		return nil
	}

	fmt.Printf("\nSnapshots (newest first, %s):\n", store.Path())
	for _, snap := range history {
		s := snap.Stats
		fmt.Printf("  %s  captured=%d buffered=%d bytes=%d rotated=%d write_errors=%d buffer_overflows=%d dropped=%d windows=%d\n",
			snap.RecordedAt.Format(time.RFC3339),
			s.EventsCaptured, s.EventsBuffered, s.BytesWritten, s.FilesRotated,
			s.WriteErrors, s.BufferOverflows, s.DroppedEvents, s.WindowChanges)
	}
	fmt.Println("====================")
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if len(args) == 1 {
		path = args[0]
	}
	if err := config.WriteDefault(path); err != nil {
		return err
	}
	fmt.Printf("Configuration written to %s\n", path)
	return nil
}

// createLogger builds the diagnostic logger. Debug mode uses the development
// config; a configured diag_log_path is written through lumberjack.
func createLogger(cfg domain.Config) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	if cfg.Mode == domain.ModeDebug {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.EncoderConfig.TimeKey = "time"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if cfg.DiagLogPath != "" {
		sink := &lumberjack.Logger{
			Filename:   cfg.DiagLogPath,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
		encoder := zapcore.NewJSONEncoder(zcfg.EncoderConfig)
		if cfg.Mode == domain.ModeDebug {
			encoder = zapcore.NewConsoleEncoder(zcfg.EncoderConfig)
		}
		core := zapcore.NewCore(encoder, zapcore.AddSync(sink), zcfg.Level)
		return zap.New(core, zap.AddCaller())
	}

	logger, err := zcfg.Build()
	if err != nil {
		// Fallback to the stock production logger
		logger, _ = zap.NewProduction()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("evpipe %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
