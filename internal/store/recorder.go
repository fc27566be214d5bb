package store

import (
	"log/slog"
	"time"

	"blelock-home/internal/coordinator"
)

// Recorder persists sightings and unlock outcomes from the event bus. Store
// failures are logged and never reach the sessions that produced the events.
type Recorder struct {
	store        Store
	logger       *slog.Logger
	historyLimit int
}

// NewRecorder creates a Recorder. historyLimit > 0 bounds the history bucket.
func NewRecorder(st Store, historyLimit int, logger *slog.Logger) *Recorder {
	return &Recorder{store: st, historyLimit: historyLimit, logger: logger}
}

// Attach subscribes to events and returns an unsubscribe function.
func (r *Recorder) Attach(events *coordinator.EventBus) func() {
	unsubDiscovered := events.On(coordinator.EventDeviceDiscovered, func(e coordinator.Event) {
		if d, ok := e.Data.(coordinator.DiscoveredEvent); ok {
			r.recordSighting(d)
		}
	})
	unsubResult := events.On(coordinator.EventUnlockResult, func(e coordinator.Event) {
		if res, ok := e.Data.(coordinator.UnlockResultEvent); ok {
			r.recordResult(res)
		}
	})
	return func() {
		unsubDiscovered()
		unsubResult()
	}
}

func (r *Recorder) recordSighting(d coordinator.DiscoveredEvent) {
	now := time.Now()
	err := r.store.UpdateSighting(d.MAC, func(sg *Sighting) error {
		if sg.FirstSeen.IsZero() {
			sg.FirstSeen = now
		}
		if d.Name != "" {
			sg.Name = d.Name
		}
		sg.RSSI = d.RSSI
		sg.LastSeen = now
		sg.Count++
		return nil
	})
	if err != nil {
		r.logger.Error("save sighting", "mac", d.MAC, "err", err)
	}
}

func (r *Recorder) recordResult(res coordinator.UnlockResultEvent) {
	rec := &UnlockRecord{
		ID:          res.Session,
		MAC:         res.MAC,
		Name:        res.Name,
		OK:          res.OK,
		Code:        res.Code,
		Message:     res.Message,
		Attempts:    res.Attempts,
		RequestedAt: res.RequestedAt,
		OpenedAt:    res.OpenedAt,
		FinishedAt:  res.FinishedAt,
	}
	if err := r.store.AppendHistory(rec); err != nil {
		r.logger.Error("save unlock history", "session", res.Session, "err", err)
		return
	}
	if r.historyLimit > 0 {
		n, err := r.store.PruneHistory(r.historyLimit)
		if err != nil {
			r.logger.Warn("prune unlock history", "err", err)
		} else if n > 0 {
			r.logger.Debug("pruned unlock history", "removed", n)
		}
	}
}
