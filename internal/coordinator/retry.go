package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryState counts registry checks for one resolution.
type RetryState struct {
	AttemptsMade int
	MaxAttempts  int
	Interval     time.Duration
}

// NewRetryState returns a fresh state. At least one check is always made.
func NewRetryState(maxAttempts int, interval time.Duration) RetryState {
	return RetryState{MaxAttempts: max(maxAttempts, 1), Interval: interval}
}

// Exhausted reports whether no further check may be scheduled.
func (r *RetryState) Exhausted() bool {
	return r.AttemptsMade >= r.MaxAttempts
}

// Resolver waits for an identifier to appear in the registry.
type Resolver struct {
	registry *Registry
	logger   *slog.Logger
	after    func(time.Duration) <-chan time.Time
}

// NewResolver returns a Resolver polling registry.
func NewResolver(registry *Registry, logger *slog.Logger) *Resolver {
	return &Resolver{registry: registry, logger: logger, after: time.After}
}

// Resolve checks the registry, then re-checks every state.Interval until the
// device is found or state is exhausted. The check always runs before a new
// wait is scheduled, so a device present at re-check time is returned.
// Returns ErrDeviceNotFound on exhaustion, or ctx.Err() if ctx ends first.
func (r *Resolver) Resolve(ctx context.Context, id string, state *RetryState) (DeviceHandle, error) {
	for {
		state.AttemptsMade++
		if h, ok := r.registry.Get(id); ok {
			return h, nil
		}
		if state.Exhausted() {
			return DeviceHandle{}, fmt.Errorf("%w: %s after %d checks", ErrDeviceNotFound, id, state.AttemptsMade)
		}
		r.logger.Debug("device not in registry, retrying", "mac", id, "attempt", state.AttemptsMade, "max", state.MaxAttempts)
		select {
		case <-r.after(state.Interval):
		case <-ctx.Done():
			return DeviceHandle{}, ctx.Err()
		}
	}
}
