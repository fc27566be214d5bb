//go:build !no_telemetry

package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"blelock-home/internal/coordinator"
	"blelock-home/internal/telemetry"
)

type telemetryStopper struct {
	writer *telemetry.Writer
	unsub  func()
}

func (t *telemetryStopper) Stop() {
	if t.writer == nil {
		return
	}
	t.unsub()
	t.writer.Close()
}

func initTelemetry(events *coordinator.EventBus, cfg *Config, logger *slog.Logger) *telemetryStopper {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	writer, err := telemetry.Connect(ctx, telemetry.Config(cfg.InfluxDB), logger)
	if errors.Is(err, telemetry.ErrDisabled) {
		return &telemetryStopper{}
	}
	if err != nil {
		// Unlocks work without telemetry.
		logger.Error("influxdb telemetry", "err", err)
		return &telemetryStopper{}
	}
	return &telemetryStopper{writer: writer, unsub: writer.Attach(events)}
}
