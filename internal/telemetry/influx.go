// Package telemetry writes unlock outcomes and scan statistics to InfluxDB.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"blelock-home/internal/coordinator"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultBatchSize      = 50
	defaultFlushInterval  = 10 * time.Second
)

// ErrDisabled is returned by Connect when telemetry is switched off.
var ErrDisabled = errors.New("influxdb telemetry disabled")

// Config holds InfluxDB connection settings.
type Config struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	Token         string        `yaml:"token"`
	Org           string        `yaml:"org"`
	Bucket        string        `yaml:"bucket"`
	BatchSize     uint          `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// pointWriter is the subset of api.WriteAPI used here.
type pointWriter interface {
	WritePoint(p *write.Point)
	Flush()
}

// Writer turns lock controller events into InfluxDB points. Writes are
// non-blocking and batched by the client library.
type Writer struct {
	client influxdb2.Client
	api    pointWriter
	logger *slog.Logger
}

// Connect creates the client, verifies the server with a ping and starts the
// asynchronous write API.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	batch := cfg.BatchSize
	if batch == 0 {
		batch = defaultBatchSize
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = defaultFlushInterval
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batch).
			SetFlushInterval(uint(flush.Milliseconds())))

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()
	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb ping %s: %w", cfg.URL, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("influxdb %s: server not healthy", cfg.URL)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	w := newWriter(writeAPI, logger)
	w.client = client

	go func() {
		for err := range writeAPI.Errors() {
			w.logger.Warn("influxdb write failed", "err", err)
		}
	}()
	logger.Info("influxdb connected", "url", cfg.URL, "bucket", cfg.Bucket)
	return w, nil
}

func newWriter(api pointWriter, logger *slog.Logger) *Writer {
	return &Writer{api: api, logger: logger}
}

// Attach subscribes to events and returns an unsubscribe function.
func (w *Writer) Attach(events *coordinator.EventBus) func() {
	unsubResult := events.On(coordinator.EventUnlockResult, func(e coordinator.Event) {
		if res, ok := e.Data.(coordinator.UnlockResultEvent); ok {
			w.api.WritePoint(unlockPoint(res))
		}
	})
	unsubScan := events.On(coordinator.EventScanStopped, func(e coordinator.Event) {
		if ev, ok := e.Data.(coordinator.ScanEvent); ok {
			w.api.WritePoint(scanPoint(ev, time.Now()))
		}
	})
	return func() {
		unsubResult()
		unsubScan()
	}
}

func unlockPoint(res coordinator.UnlockResultEvent) *write.Point {
	code := res.Code
	if res.OK {
		code = "ok"
	}
	tags := map[string]string{
		"mac":  res.MAC,
		"code": code,
	}
	if res.Name != "" {
		tags["lock"] = res.Name
	}
	return write.NewPoint("unlock", tags, map[string]interface{}{
		"ok":          res.OK,
		"duration_ms": res.Duration().Milliseconds(),
		"attempts":    res.Attempts,
	}, res.FinishedAt)
}

func scanPoint(ev coordinator.ScanEvent, at time.Time) *write.Point {
	return write.NewPoint("scan", nil, map[string]interface{}{
		"devices":    ev.Devices,
		"generation": int64(ev.Generation),
	}, at)
}

// Close flushes pending points and closes the client.
func (w *Writer) Close() {
	w.api.Flush()
	if w.client != nil {
		w.client.Close()
	}
}
