package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"blelock-home/internal/coordinator"
)

type memWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	flushed int
}

func (m *memWriter) WritePoint(p *write.Point) {
	m.mu.Lock()
	m.points = append(m.points, p)
	m.mu.Unlock()
}

func (m *memWriter) Flush() {
	m.mu.Lock()
	m.flushed++
	m.mu.Unlock()
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func tagMap(p *write.Point) map[string]string {
	out := make(map[string]string)
	for _, t := range p.TagList() {
		out[t.Key] = t.Value
	}
	return out
}

func fieldMap(p *write.Point) map[string]interface{} {
	out := make(map[string]interface{})
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func TestUnlockPoint(t *testing.T) {
	start := time.Now()
	p := unlockPoint(coordinator.UnlockResultEvent{
		MAC:         "aa:bb:cc:dd:ee:01",
		Name:        "front",
		Code:        coordinator.CodeCloseFailed,
		Attempts:    4,
		RequestedAt: start,
		FinishedAt:  start.Add(17 * time.Second),
	})

	if p.Name() != "unlock" {
		t.Errorf("measurement = %q", p.Name())
	}
	tags := tagMap(p)
	if tags["mac"] != "aa:bb:cc:dd:ee:01" || tags["code"] != coordinator.CodeCloseFailed || tags["lock"] != "front" {
		t.Errorf("tags = %v", tags)
	}
	fields := fieldMap(p)
	if fields["ok"] != false {
		t.Errorf("ok = %v", fields["ok"])
	}
	if fields["duration_ms"] != int64(17000) {
		t.Errorf("duration_ms = %v (%T)", fields["duration_ms"], fields["duration_ms"])
	}
	if fields["attempts"] != int64(4) {
		t.Errorf("attempts = %v (%T)", fields["attempts"], fields["attempts"])
	}
	if !p.Time().Equal(start.Add(17 * time.Second)) {
		t.Errorf("time = %v", p.Time())
	}
}

func TestUnlockPointSuccessCode(t *testing.T) {
	p := unlockPoint(coordinator.UnlockResultEvent{MAC: "aa:bb:cc:dd:ee:01", OK: true})
	if got := tagMap(p)["code"]; got != "ok" {
		t.Errorf("code tag = %q, want ok", got)
	}
	if _, ok := tagMap(p)["lock"]; ok {
		t.Error("lock tag set for an uncatalogued device")
	}
}

func TestWriterAttach(t *testing.T) {
	mem := &memWriter{}
	w := newWriter(mem, newTestLogger())
	events := coordinator.NewEventBus(newTestLogger())
	unsub := w.Attach(events)

	events.Emit(coordinator.Event{Type: coordinator.EventUnlockResult, Data: coordinator.UnlockResultEvent{MAC: "aa:bb:cc:dd:ee:01", OK: true}})
	events.Emit(coordinator.Event{Type: coordinator.EventScanStopped, Data: coordinator.ScanEvent{Generation: 2, Devices: 5}})
	events.Emit(coordinator.Event{Type: coordinator.EventScanStarted, Data: coordinator.ScanEvent{Generation: 3}})
	unsub()
	events.Emit(coordinator.Event{Type: coordinator.EventUnlockResult, Data: coordinator.UnlockResultEvent{}})
	w.Close()

	mem.mu.Lock()
	defer mem.mu.Unlock()
	if len(mem.points) != 2 {
		t.Fatalf("points = %d, want 2", len(mem.points))
	}
	if mem.points[1].Name() != "scan" || fieldMap(mem.points[1])["devices"] != int64(5) {
		t.Errorf("scan point = %s %v", mem.points[1].Name(), fieldMap(mem.points[1]))
	}
	if mem.flushed != 1 {
		t.Errorf("flushed = %d, want 1", mem.flushed)
	}
}

func TestConnectDisabled(t *testing.T) {
	_, err := Connect(context.Background(), Config{Enabled: false}, newTestLogger())
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("expected ErrDisabled, got %v", err)
	}
}
