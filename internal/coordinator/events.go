package coordinator

import (
	"log/slog"
	"sync"
	"time"
)

// Event types
const (
	EventScanStarted      = "scan_started"
	EventScanStopped      = "scan_stopped"
	EventDeviceDiscovered = "device_discovered"
	EventSessionState     = "session_state"
	EventUnlockResult     = "unlock_result"
)

// ScanEvent is the payload of scan_started and scan_stopped.
type ScanEvent struct {
	Generation uint64        `json:"generation"`
	Duration   time.Duration `json:"duration,omitempty"`
	Devices    int           `json:"devices"`
}

// DiscoveredEvent is the payload of device_discovered.
type DiscoveredEvent struct {
	MAC        string `json:"mac"`
	Name       string `json:"name,omitempty"`
	RSSI       int8   `json:"rssi"`
	Generation uint64 `json:"generation"`
}

// SessionStateEvent is the payload of session_state.
type SessionStateEvent struct {
	Session string       `json:"session"`
	MAC     string       `json:"mac"`
	Name    string       `json:"name,omitempty"`
	State   SessionState `json:"state"`
}

// UnlockResultEvent is the payload of unlock_result, emitted once per session
// after its ResultChannel settles.
type UnlockResultEvent struct {
	Session     string    `json:"session"`
	MAC         string    `json:"mac"`
	Name        string    `json:"name,omitempty"`
	OK          bool      `json:"ok"`
	Code        string    `json:"code,omitempty"`
	Message     string    `json:"message"`
	Attempts    int       `json:"attempts"`
	RequestedAt time.Time `json:"requested_at"`
	OpenedAt    time.Time `json:"opened_at,omitempty"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Duration is the time from request to settlement.
func (e UnlockResultEvent) Duration() time.Duration {
	return e.FinishedAt.Sub(e.RequestedAt)
}

// Event represents a lock controller event.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides pub/sub for lock controller events.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger,
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[eventType] == nil {
		eb.handlers[eventType] = make(map[uint64]EventHandler)
	}
	eb.handlers[eventType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// Emit sends an event to all matching handlers.
// Handlers are called synchronously; a panicking handler is recovered.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[event.Type])+len(eb.allHandlers))
	for _, h := range eb.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
