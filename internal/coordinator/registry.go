package coordinator

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"blelock-home/internal/transport"
)

// ErrInvalidIdentifier is returned for an empty or malformed device identifier.
var ErrInvalidIdentifier = errors.New("invalid device identifier")

// NormalizeIdentifier returns the canonical lowercase colon form of a
// hardware address. Colon, dash and dot notations are accepted in any case.
func NormalizeIdentifier(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}
	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != 6 {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, s)
	}
	return hw.String(), nil
}

// DeviceHandle is the most recent observation of a reachable device. It is
// only as fresh as the scan that produced it.
type DeviceHandle struct {
	Device  transport.DiscoveredDevice `json:"device"`
	SeenAt  time.Time                  `json:"seen_at"`
	ScanGen uint64                     `json:"scan_gen"`
}

// Registry maps normalized identifiers to the latest DeviceHandle.
// Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]DeviceHandle
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]DeviceHandle)}
}

// Clear drops every entry.
func (r *Registry) Clear() {
	r.mu.Lock()
	clear(r.devices)
	r.mu.Unlock()
}

// Upsert inserts or overwrites the handle for id. id must already be normalized.
func (r *Registry) Upsert(id string, h DeviceHandle) {
	r.mu.Lock()
	r.devices[id] = h
	r.mu.Unlock()
}

// Get returns the handle for id, if present.
func (r *Registry) Get(id string) (DeviceHandle, bool) {
	r.mu.RLock()
	h, ok := r.devices[id]
	r.mu.RUnlock()
	return h, ok
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Snapshot returns a copy of all handles sorted by identifier.
func (r *Registry) Snapshot() []DeviceHandle {
	r.mu.RLock()
	out := make([]DeviceHandle, 0, len(r.devices))
	for _, h := range r.devices {
		out = append(out, h)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Device.MAC < out[j].Device.MAC })
	return out
}
