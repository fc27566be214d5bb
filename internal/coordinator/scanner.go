package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"blelock-home/internal/transport"
)

// Scanner owns the single active discovery session. Starting a scan clears
// the registry; results from a superseded session are dropped.
type Scanner struct {
	transport transport.Transport
	registry  *Registry
	events    *EventBus
	logger    *slog.Logger
	duration  time.Duration

	mu     sync.Mutex
	gen    uint64
	active bool
	found  int
	timer  *time.Timer
}

// NewScanner returns a Scanner that runs sessions of the given duration.
func NewScanner(tr transport.Transport, registry *Registry, events *EventBus, duration time.Duration, logger *slog.Logger) *Scanner {
	return &Scanner{
		transport: tr,
		registry:  registry,
		events:    events,
		logger:    logger,
		duration:  duration,
	}
}

// Start clears the registry and begins a new scan session, superseding any
// running one. Transport errors are logged, not returned.
func (s *Scanner) Start(ctx context.Context) uint64 {
	s.mu.Lock()
	wasActive := s.active
	s.gen++
	gen := s.gen
	s.registry.Clear()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.active = true
	s.found = 0
	s.timer = time.AfterFunc(s.duration, func() { s.finish(gen) })
	s.mu.Unlock()

	s.logger.Info("scan started", "generation", gen, "duration", s.duration)
	s.events.Emit(Event{Type: EventScanStarted, Data: ScanEvent{Generation: gen, Duration: s.duration}})

	// The transport still runs the superseded scan; end it first.
	if wasActive {
		if err := s.transport.StopScan(); err != nil {
			s.logger.Warn("scan stop", "generation", gen-1, "err", err)
		}
	}
	onResults := func(devices []transport.DiscoveredDevice) {
		s.handleResults(gen, devices)
	}
	err := s.transport.StartScan(ctx, s.duration, onResults)
	if errors.Is(err, transport.ErrScanActive) {
		s.logger.Warn("transport scan still active, restarting", "generation", gen)
		if err := s.transport.StopScan(); err != nil {
			s.logger.Warn("scan stop", "generation", gen, "err", err)
		}
		err = s.transport.StartScan(ctx, s.duration, onResults)
	}
	if err != nil {
		s.logger.Error("scan start failed", "generation", gen, "err", err)
		s.finish(gen)
	}
	return gen
}

// Stop ends the running scan early. Registry contents are kept.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	gen := s.gen
	s.mu.Unlock()

	if err := s.transport.StopScan(); err != nil {
		s.logger.Warn("scan stop", "err", err)
	}
	s.finish(gen)
}

// Active reports whether a scan session is running.
func (s *Scanner) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Generation returns the number of the latest scan session.
func (s *Scanner) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

func (s *Scanner) finish(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	found := s.found
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	s.logger.Info("scan stopped", "generation", gen, "devices", found)
	s.events.Emit(Event{Type: EventScanStopped, Data: ScanEvent{Generation: gen, Devices: found}})
}

func (s *Scanner) handleResults(gen uint64, devices []transport.DiscoveredDevice) {
	now := time.Now()
	discovered := make([]DiscoveredEvent, 0, len(devices))

	// Upserts happen under s.mu so a batch from an old session can never
	// land after the registry was cleared for a new one.
	s.mu.Lock()
	if gen != s.gen || !s.active {
		s.mu.Unlock()
		s.logger.Debug("dropping results from superseded scan", "generation", gen, "devices", len(devices))
		return
	}
	for _, dev := range devices {
		id, err := NormalizeIdentifier(dev.MAC)
		if err != nil {
			s.logger.Debug("ignoring scan result", "mac", dev.MAC, "err", err)
			continue
		}
		dev.MAC = id
		if _, seen := s.registry.Get(id); !seen {
			s.found++
		}
		s.registry.Upsert(id, DeviceHandle{Device: dev, SeenAt: now, ScanGen: gen})
		discovered = append(discovered, DiscoveredEvent{MAC: id, Name: dev.Name, RSSI: dev.RSSI, Generation: gen})
	}
	s.mu.Unlock()

	for _, d := range discovered {
		s.events.Emit(Event{Type: EventDeviceDiscovered, Data: d})
	}
}
