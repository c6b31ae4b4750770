package filelock

import (
	"context"
	"time"
)

// DefaultTTL is the lease lifetime applied when no override is configured.
// Workers renew well inside this window; the margin covers long agent turns
// that produce no heartbeat.
const DefaultTTL = 10 * time.Minute

// Lease describes one granted path lease as reported to operators.
type Lease struct {
	// Path is the leased path, relative to the working tree root.
	Path string `json:"path"`

	// Owner is the worker ID holding the lease.
	Owner string `json:"owner"`

	// ExpiresAt is when the lease lapses unless renewed.
	ExpiresAt time.Time `json:"expires_at"`
}

// Coordinator is the lock interface workers consume. Acquire is
// all-or-nothing over the requested path set; a false grant is expected
// contention, not an error. Errors indicate the coordination service itself
// failed and are treated as fatal by the caller.
type Coordinator interface {
	// Acquire requests leases on every path at once. It reports whether the
	// full set was granted.
	Acquire(ctx context.Context, workerID string, paths []string) (bool, error)

	// Release frees every lease held by the worker and reports how many
	// were freed. Releasing with no leases held is a no-op.
	Release(ctx context.Context, workerID string) (int, error)

	// Renew extends every lease held by the worker and reports how many
	// were extended.
	Renew(ctx context.Context, workerID string) (int, error)
}

// Option configures a Registry.
type Option func(*Registry)

// WithTTL overrides the default lease lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithClock replaces the registry's time source. Tests use this to drive
// lease expiry deterministically.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Local adapts a Registry to the Coordinator interface for single-process
// runs that skip the HTTP hop. The context is accepted for interface
// parity; registry operations never block.
type Local struct {
	registry *Registry
}

// NewLocal wraps an in-process registry as a Coordinator.
func NewLocal(registry *Registry) *Local {
	return &Local{registry: registry}
}

// Acquire implements Coordinator.
func (l *Local) Acquire(_ context.Context, workerID string, paths []string) (bool, error) {
	return l.registry.Acquire(workerID, paths), nil
}

// Release implements Coordinator.
func (l *Local) Release(_ context.Context, workerID string) (int, error) {
	return l.registry.Release(workerID), nil
}

// Renew implements Coordinator.
func (l *Local) Renew(_ context.Context, workerID string) (int, error) {
	return l.registry.Renew(workerID), nil
}

var _ Coordinator = (*Local)(nil)
