package medsync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
)

// Metric names pushed by the adherence exporter.
const (
	metricDosesScheduled = "medsync_doses_scheduled_total"
	metricDosesTaken     = "medsync_doses_taken_total"
	metricAdherenceRatio = "medsync_adherence_ratio"
)

// exportWindowDays is how far back day stats are re-reported each push.
const exportWindowDays = 30

// AdherenceExporter pushes the cached day stats to a Prometheus remote
// write endpoint, so a caregiver can chart adherence next to whatever else
// their household dashboard tracks. Everything it sends is derived from the
// local store; a missed push loses nothing.
type AdherenceExporter struct {
	store    *Store
	client   HTTPDoer
	endpoint string
	interval time.Duration
	device   string
	logger   *slog.Logger
	retryer  *Retryer

	mu         sync.Mutex
	running    bool
	lastExport time.Time
	pushed     uint64

	stop chan struct{}
	done chan struct{}
}

// NewAdherenceExporter creates the exporter. device labels every exported
// series; pass the store's device id or ExportConfig.DeviceLabel.
func NewAdherenceExporter(store *Store, cfg ExportConfig, device string, client HTTPDoer, logger *slog.Logger) *AdherenceExporter {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DeviceLabel != "" {
		device = cfg.DeviceLabel
	}
	return &AdherenceExporter{
		store:    store,
		client:   client,
		endpoint: cfg.Endpoint,
		interval: cfg.Interval,
		device:   device,
		logger:   logger,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    time.Second,
			MaxBackoff:        30 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryIf:           IsRetryable,
		}),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start begins the periodic export loop.
func (e *AdherenceExporter) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	go e.loop()
}

func (e *AdherenceExporter) loop() {
	defer close(e.done)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, err := e.ExportOnce(ctx); err != nil {
				e.logger.Warn("adherence export failed", "err", err)
			}
			cancel()
		}
	}
}

// ExportOnce pushes the recent day stats once. Returns how many series were
// sent.
func (e *AdherenceExporter) ExportOnce(ctx context.Context) (int, error) {
	if e.endpoint == "" {
		return 0, nil
	}

	now := time.Now()
	from := DayKey(now.AddDate(0, 0, -exportWindowDays))
	to := DayKey(now)
	stats, err := e.store.DayStatsRange(ctx, from, to)
	if err != nil {
		return 0, err
	}
	if len(stats) == 0 {
		return 0, nil
	}

	req := e.buildWriteRequest(stats, now)
	payload, err := req.Marshal()
	if err != nil {
		return 0, fmt.Errorf("failed to marshal write request: %w", err)
	}
	compressed := snappy.Encode(nil, payload)

	result := e.retryer.Do(ctx, func() error {
		return e.send(ctx, compressed)
	})
	if result.LastErr != nil {
		return 0, result.LastErr
	}

	sent := len(req.Timeseries)
	e.mu.Lock()
	e.lastExport = now
	e.pushed += uint64(sent)
	e.mu.Unlock()

	e.logger.Debug("adherence stats exported", "series", sent, "days", len(stats))
	return sent, nil
}

// buildWriteRequest lays the day stats out as remote write timeseries:
// one series per metric per day, labeled with the day bucket and device.
func (e *AdherenceExporter) buildWriteRequest(stats []DayStats, now time.Time) *prompb.WriteRequest {
	ts := now.UnixMilli()
	req := &prompb.WriteRequest{
		Timeseries: make([]prompb.TimeSeries, 0, len(stats)*3),
	}
	for _, day := range stats {
		req.Timeseries = append(req.Timeseries,
			e.series(metricDosesScheduled, day.Date, float64(day.Total), ts),
			e.series(metricDosesTaken, day.Date, float64(day.Taken), ts),
			e.series(metricAdherenceRatio, day.Date, day.AdherenceRate, ts),
		)
	}
	return req
}

func (e *AdherenceExporter) series(name, day string, value float64, ts int64) prompb.TimeSeries {
	labels := []prompb.Label{
		{Name: "__name__", Value: name},
		{Name: "day", Value: day},
	}
	if e.device != "" {
		labels = append(labels, prompb.Label{Name: "device", Value: e.device})
	}
	return prompb.TimeSeries{
		Labels:  labels,
		Samples: []prompb.Sample{{Value: value, Timestamp: ts}},
	}
}

func (e *AdherenceExporter) send(ctx context.Context, compressed []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(compressed))
	if err != nil {
		return fmt.Errorf("failed to build export request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")

	resp, err := e.client.Do(req)
	if err != nil {
		return newNetworkError("adherence export", e.endpoint, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		return newServerError("adherence export", resp.StatusCode, "remote write rejected")
	}
	return nil
}

// LastExport returns when the last successful push happened.
func (e *AdherenceExporter) LastExport() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastExport
}

// Pushed returns how many series have been sent since start.
func (e *AdherenceExporter) Pushed() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pushed
}

// Stop ends the export loop and waits for it to exit.
func (e *AdherenceExporter) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	close(e.stop)
	<-e.done
}
