package store

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"blelock-home/internal/coordinator"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRecorderSightings(t *testing.T) {
	s := newTestStore(t)
	events := coordinator.NewEventBus(newTestLogger())
	unsub := NewRecorder(s, 0, newTestLogger()).Attach(events)
	defer unsub()

	mac := "aa:bb:cc:dd:ee:01"
	events.Emit(coordinator.Event{Type: coordinator.EventDeviceDiscovered, Data: coordinator.DiscoveredEvent{MAC: mac, Name: "Gate", RSSI: -70}})
	events.Emit(coordinator.Event{Type: coordinator.EventDeviceDiscovered, Data: coordinator.DiscoveredEvent{MAC: mac, RSSI: -55}})

	sg, err := s.GetSighting(mac)
	if err != nil {
		t.Fatal(err)
	}
	if sg.Count != 2 || sg.RSSI != -55 || sg.Name != "Gate" {
		t.Errorf("sighting = %+v", sg)
	}
	if sg.FirstSeen.IsZero() || sg.LastSeen.Before(sg.FirstSeen) {
		t.Errorf("timestamps: first=%v last=%v", sg.FirstSeen, sg.LastSeen)
	}
}

func TestRecorderHistoryWithLimit(t *testing.T) {
	s := newTestStore(t)
	events := coordinator.NewEventBus(newTestLogger())
	NewRecorder(s, 2, newTestLogger()).Attach(events)

	now := time.Now()
	for i := 1; i <= 3; i++ {
		events.Emit(coordinator.Event{Type: coordinator.EventUnlockResult, Data: coordinator.UnlockResultEvent{
			Session:     historyID(i),
			MAC:         "aa:bb:cc:dd:ee:01",
			Code:        coordinator.CodeDeviceNotFound,
			Message:     "Device with MAC aa:bb:cc:dd:ee:01 not found",
			Attempts:    100,
			RequestedAt: now,
			FinishedAt:  now.Add(50 * time.Second),
		}})
	}

	list, err := s.ListHistory(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("history len = %d, want 2", len(list))
	}
	if list[0].ID != historyID(3) || list[0].Code != coordinator.CodeDeviceNotFound || list[0].Attempts != 100 {
		t.Errorf("newest = %+v", list[0])
	}
}

func TestRecorderIgnoresUnexpectedPayload(t *testing.T) {
	s := newTestStore(t)
	events := coordinator.NewEventBus(newTestLogger())
	NewRecorder(s, 0, newTestLogger()).Attach(events)

	events.Emit(coordinator.Event{Type: coordinator.EventUnlockResult, Data: "garbage"})
	list, _ := s.ListHistory(0)
	if len(list) != 0 {
		t.Errorf("history len = %d, want 0", len(list))
	}
}
