//go:build no_telemetry

package main

import (
	"log/slog"

	"blelock-home/internal/coordinator"
)

type telemetryStopper struct{}

func (t *telemetryStopper) Stop() {}

func initTelemetry(_ *coordinator.EventBus, _ *Config, _ *slog.Logger) *telemetryStopper {
	return &telemetryStopper{}
}
