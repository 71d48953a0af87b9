// Package daemon implements the long-running consumer loop of the pipeline.
package daemon

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/evpipe/internal/domain"
)

// Controller is the part of the capture controller the pump drives.
type Controller interface {
	Tick()
	Stats() domain.Stats
}

// PumpConfig holds pump configuration.
type PumpConfig struct {
	PollInterval     time.Duration // How often to drain the queue
	FocusInterval    time.Duration // How often to query the focus probe
	SnapshotInterval time.Duration // How often to archive statistics
	SnapshotKeep     int           // Snapshots retained after each archive
	LogPath          string        // Recorded with each snapshot
}

// DefaultPumpConfig returns default pump configuration.
func DefaultPumpConfig() PumpConfig {
	return PumpConfig{
		PollInterval:     time.Duration(domain.DefaultPollInterval) * time.Millisecond,
		FocusInterval:    250 * time.Millisecond,
		SnapshotInterval: 60 * time.Second,
		SnapshotKeep:     1440, // One day at the default interval
		LogPath:          domain.DefaultLogPath,
	}
}

// Pump is the single consumer. It drains the queue into the controller on a
// fixed interval and performs one final drain when its context is canceled.
type Pump struct {
	config     PumpConfig
	queue      domain.EventQueue
	controller Controller
	tracker    *WindowTracker
	store      domain.StatsStore
	logger     *zap.Logger
}

// NewPump creates a pump. tracker and store may be nil.
func NewPump(
	config PumpConfig,
	queue domain.EventQueue,
	controller Controller,
	tracker *WindowTracker,
	store domain.StatsStore,
	logger *zap.Logger,
) *Pump {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultPumpConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.FocusInterval <= 0 {
		config.FocusInterval = defaults.FocusInterval
	}
	if config.SnapshotInterval <= 0 {
		config.SnapshotInterval = defaults.SnapshotInterval
	}
	if config.SnapshotKeep <= 0 {
		config.SnapshotKeep = defaults.SnapshotKeep
	}
	return &Pump{
		config:     config,
		queue:      queue,
		controller: controller,
		tracker:    tracker,
		store:      store,
		logger:     logger,
	}
}

// Run starts the pump loop.
// This blocks until context is canceled.
func (p *Pump) Run(ctx context.Context) error {
	p.logger.Info("pump started",
		zap.Duration("poll_interval", p.config.PollInterval))

	pollTicker := time.NewTicker(p.config.PollInterval)
	defer pollTicker.Stop()

	// Nil channels never fire, which disables the optional tickers.
	var focusC, snapshotC <-chan time.Time
	if p.tracker != nil && p.tracker.HasProbe() {
		t := time.NewTicker(p.config.FocusInterval)
		defer t.Stop()
		focusC = t.C
	}
	if p.store != nil {
		t := time.NewTicker(p.config.SnapshotInterval)
		defer t.Stop()
		snapshotC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			n := p.queue.DrainAll()
			p.logger.Info("pump stopping", zap.Int("final_drain", n))
			return ctx.Err()

		case <-pollTicker.C:
			p.Step()

		case <-focusC:
			if _, err := p.tracker.Poll(ctx); err != nil {
				p.logger.Debug("focus probe failed", zap.Error(err))
			}

		case <-snapshotC:
			if err := p.Snapshot(ctx); err != nil {
				p.logger.Warn("failed to archive stats", zap.Error(err))
			}
		}
	}
}

// Step drains the queue once and lets the controller run its timed checks.
func (p *Pump) Step() int {
	n := p.queue.DrainAll()
	p.controller.Tick()
	return n
}

// Snapshot archives the controller's current statistics and prunes the
// archive down to SnapshotKeep entries.
func (p *Pump) Snapshot(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	snap := domain.StatsSnapshot{
		LogPath:    p.config.LogPath,
		Stats:      p.controller.Stats(),
		RecordedAt: time.Now(),
	}
	if err := p.store.Save(ctx, snap); err != nil {
		return err
	}
	removed, err := p.store.Prune(ctx, p.config.SnapshotKeep)
	if err != nil {
		return fmt.Errorf("failed to prune stats archive: %w", err)
	}
	if removed > 0 {
		p.logger.Debug("pruned stats archive", zap.Int64("removed", removed))
	}
	return nil
}
