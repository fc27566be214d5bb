package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"blelock-home/internal/transport"
)

// ErrStopped is returned by Unlock after Stop.
var ErrStopped = errors.New("lock controller stopped")

// Timing holds the scan, resolve and auto-close constants.
type Timing struct {
	ScanDuration    time.Duration `yaml:"scan_duration"`
	ResolveAttempts int           `yaml:"resolve_attempts"`
	ResolveInterval time.Duration `yaml:"resolve_interval"`
	CloseDelay      time.Duration `yaml:"close_delay"`
}

// DefaultTiming returns 30s scans, 100 checks at 500ms and a 15s close delay.
// The resolve window (50s) deliberately outlasts the scan.
func DefaultTiming() Timing {
	return Timing{
		ScanDuration:    30 * time.Second,
		ResolveAttempts: 100,
		ResolveInterval: 500 * time.Millisecond,
		CloseDelay:      15 * time.Second,
	}
}

// Coordinator runs unlock sessions against one transport.
type Coordinator struct {
	transport transport.Transport
	registry  *Registry
	scanner   *Scanner
	resolver  *Resolver
	catalog   *Catalog
	events    *EventBus
	logger    *slog.Logger
	timing    Timing

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
	stopped  bool
}

// New creates a Coordinator. The transport is owned by the caller.
func New(tr transport.Transport, catalog *Catalog, events *EventBus, timing Timing, logger *slog.Logger) *Coordinator {
	if catalog == nil {
		catalog, _ = NewCatalog()
	}
	ctx, cancel := context.WithCancel(context.Background())
	registry := NewRegistry()
	return &Coordinator{
		transport: tr,
		registry:  registry,
		scanner:   NewScanner(tr, registry, events, timing.ScanDuration, logger.With("component", "scanner")),
		resolver:  NewResolver(registry, logger.With("component", "resolver")),
		catalog:   catalog,
		events:    events,
		logger:    logger,
		timing:    timing,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*Session),
	}
}

// Context returns the coordinator's context, which is cancelled on Stop().
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// StartScan clears the registry and starts a background scan. Fire-and-forget.
func (c *Coordinator) StartScan() {
	c.scanner.Start(c.ctx)
}

// StopScan ends the running scan, if any.
func (c *Coordinator) StopScan() {
	c.scanner.Stop()
}

// Unlock validates req and starts its session in the background. The outcome
// is delivered through Session.Result().
func (c *Coordinator) Unlock(req UnlockRequest) (*Session, error) {
	target := req.Target
	id, err := NormalizeIdentifier(target)
	if err != nil {
		return nil, err
	}
	req.Target = id
	if req.Name == "" {
		if entry, ok := c.catalog.Lookup(id); ok {
			req.Name = entry.Name
		}
	}

	now := time.Now()
	s := &Session{
		ID:          newSessionID(now),
		MAC:         id,
		Name:        req.Name,
		RequestedAt: now,
		req:         req,
		target:      target,
		result:      newResultChannel(),
		transport:   c.transport,
		resolver:    c.resolver,
		timing:      c.timing,
		events:      c.events,
		state:       StateWaitingForDevice,
	}
	s.logger = c.logger.With("session", s.ID, "mac", id)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrStopped
	}
	c.sessions[s.ID] = s
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Info("unlock requested", "session", s.ID, "mac", id, "name", req.Name)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.sessions, s.ID)
			c.mu.Unlock()
		}()
		s.run(c.ctx)
	}()
	return s, nil
}

// UnlockByName starts a session for a catalogued lock, by name or MAC.
func (c *Coordinator) UnlockByName(name string) (*Session, error) {
	entry, ok := c.catalog.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLock, name)
	}
	return c.Unlock(entry.Request())
}

// Sessions lists in-flight sessions, oldest first.
func (c *Coordinator) Sessions() []SessionInfo {
	c.mu.Lock()
	out := make([]SessionInfo, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s.Info())
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stop cancels the coordinator context and waits for in-flight sessions to
// settle. Open locks are closed before their sessions return.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()

	c.scanner.Stop()
	c.cancel()
	c.wg.Wait()
}

// Info returns transport and timing details for display.
func (c *Coordinator) Info() map[string]interface{} {
	info := map[string]interface{}{
		"scan_duration":    c.timing.ScanDuration.String(),
		"resolve_attempts": c.timing.ResolveAttempts,
		"resolve_interval": c.timing.ResolveInterval.String(),
		"close_delay":      c.timing.CloseDelay.String(),
		"scanning":         c.scanner.Active(),
		"scan_generation":  c.scanner.Generation(),
		"registry_size":    c.registry.Len(),
	}
	if ti := c.transport.Info(); ti != nil {
		info["transport"] = ti.Type
		info["port"] = ti.Port
		info["firmware"] = ti.Firmware
	}
	return info
}

// Transport returns the radio backend.
func (c *Coordinator) Transport() transport.Transport {
	return c.transport
}

// Registry returns the device registry.
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Catalog returns the named lock catalog.
func (c *Coordinator) Catalog() *Catalog {
	return c.catalog
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// Timing returns the configured timing.
func (c *Coordinator) Timing() Timing {
	return c.timing
}
