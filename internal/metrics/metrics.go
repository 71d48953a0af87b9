// Package metrics exposes pipeline statistics to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/evpipe/internal/domain"
)

const namespace = "evpipe"

// StatsSource supplies the current pipeline statistics.
type StatsSource interface {
	Stats() domain.Stats
}

type counter struct {
	desc  *prometheus.Desc
	value func(domain.Stats) uint64
}

// Collector reads a StatsSource at scrape time. Counters are reported as
// Prometheus counters; a ResetStats on the source shows up as a counter reset.
type Collector struct {
	source   StatsSource
	counters []counter
	up       *prometheus.Desc
}

func newCounter(name, help string, value func(domain.Stats) uint64) counter {
	return counter{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil),
		value: value,
	}
}

// NewCollector creates a collector over source.
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		counters: []counter{
			newCounter("events_captured_total", "Events formatted by the capture controller.",
				func(s domain.Stats) uint64 { return s.EventsCaptured }),
			newCounter("events_buffered_total", "Events staged in the buffer.",
				func(s domain.Stats) uint64 { return s.EventsBuffered }),
			newCounter("bytes_written_total", "Bytes written to the log file.",
				func(s domain.Stats) uint64 { return s.BytesWritten }),
			newCounter("files_rotated_total", "Log file rotations.",
				func(s domain.Stats) uint64 { return s.FilesRotated }),
			newCounter("write_errors_total", "Failed writes and flushes.",
				func(s domain.Stats) uint64 { return s.WriteErrors }),
			newCounter("buffer_overflows_total", "Events rejected by the staging buffer.",
				func(s domain.Stats) uint64 { return s.BufferOverflows }),
			newCounter("queue_overflows_total", "Enqueue attempts on a full queue.",
				func(s domain.Stats) uint64 { return s.QueueOverflows }),
			newCounter("dropped_events_total", "Events dropped by the queue.",
				func(s domain.Stats) uint64 { return s.DroppedEvents }),
			newCounter("window_changes_total", "Window focus changes queued.",
				func(s domain.Stats) uint64 { return s.WindowChanges }),
		},
		up: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "up"),
			"Whether the pipeline statistics source is available.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, ct := range c.counters {
		ch <- ct.desc
	}
	ch <- c.up
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.source == nil {
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	s := c.source.Stats()
	for _, ct := range c.counters {
		ch <- prometheus.MustNewConstMetric(ct.desc, prometheus.CounterValue, float64(ct.value(s)))
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
}

// NewRegistry returns a registry holding the collector and the Go runtime
// and process collectors.
func NewRegistry(source StatsSource) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	for _, col := range []prometheus.Collector{
		NewCollector(source),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Serve exposes reg on addr at /metrics until ctx is canceled.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", zap.Error(err))
		}
		return ctx.Err()
	}
}
