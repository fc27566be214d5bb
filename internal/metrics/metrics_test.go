package metrics

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"blelock-home/internal/coordinator"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestMetricsFollowEvents(t *testing.T) {
	m := New()
	events := coordinator.NewEventBus(newTestLogger())
	unsub := m.Attach(events)
	defer unsub()

	events.Emit(coordinator.Event{Type: coordinator.EventScanStarted, Data: coordinator.ScanEvent{Generation: 1}})
	events.Emit(coordinator.Event{Type: coordinator.EventDeviceDiscovered, Data: coordinator.DiscoveredEvent{MAC: "aa:bb:cc:dd:ee:01"}})
	events.Emit(coordinator.Event{Type: coordinator.EventSessionState, Data: coordinator.SessionStateEvent{State: coordinator.StateWaitingForDevice}})
	events.Emit(coordinator.Event{Type: coordinator.EventSessionState, Data: coordinator.SessionStateEvent{State: coordinator.StateOpening}})

	if got := testutil.ToFloat64(m.ScansStarted); got != 1 {
		t.Errorf("scans = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.DevicesSeen); got != 1 {
		t.Errorf("devices = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.UnlockRequests); got != 1 {
		t.Errorf("requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SessionsInFlight); got != 1 {
		t.Errorf("in flight = %v, want 1", got)
	}

	now := time.Now()
	events.Emit(coordinator.Event{Type: coordinator.EventUnlockResult, Data: coordinator.UnlockResultEvent{
		OK: true, Attempts: 3, RequestedAt: now, FinishedAt: now.Add(16 * time.Second),
	}})

	if got := testutil.ToFloat64(m.UnlockOutcomes.WithLabelValues("ok")); got != 1 {
		t.Errorf("ok outcomes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SessionsInFlight); got != 0 {
		t.Errorf("in flight = %v, want 0", got)
	}
	if n := testutil.CollectAndCount(m.UnlockDuration); n != 1 {
		t.Errorf("duration series = %d, want 1", n)
	}
}

func TestMetricsFailureCodeLabel(t *testing.T) {
	m := New()
	m.ObserveResult(coordinator.UnlockResultEvent{Code: coordinator.CodeDeviceNotFound, Attempts: 100})
	m.ObserveResult(coordinator.UnlockResultEvent{Code: coordinator.CodeDeviceNotFound, Attempts: 100})
	m.ObserveResult(coordinator.UnlockResultEvent{Code: coordinator.CodeCloseFailed, Attempts: 1})

	if got := testutil.ToFloat64(m.UnlockOutcomes.WithLabelValues(coordinator.CodeDeviceNotFound)); got != 2 {
		t.Errorf("DEVICE_NOT_FOUND = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.UnlockOutcomes.WithLabelValues(coordinator.CodeCloseFailed)); got != 1 {
		t.Errorf("CLOSE_FAILED = %v, want 1", got)
	}
}

func TestMetricsHandlerExposesRegistryGauge(t *testing.T) {
	m := New()
	reg := coordinator.NewRegistry()
	reg.Upsert("aa:bb:cc:dd:ee:01", coordinator.DeviceHandle{})
	reg.Upsert("aa:bb:cc:dd:ee:02", coordinator.DeviceHandle{})
	m.WatchRegistry(reg)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), "blelock_registry_devices 2") {
		t.Errorf("registry gauge missing from exposition:\n%s", body)
	}
}
