package filelock

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/autobuildhq/autobuild/internal/event"
)

// lease is one row of the registry table.
type lease struct {
	owner     string
	expiresAt time.Time
}

// expired reports whether the lease has lapsed at the given instant.
func (l lease) expired(now time.Time) bool {
	return !l.expiresAt.After(now)
}

// Registry is the in-memory lease table behind the file coordinator. All
// mutual exclusion between workers flows through it: a path is writable
// only by the worker holding its lease.
//
// Expired leases are reclaimed lazily on each Acquire and by ExpireStale,
// which Sweep runs on an interval.
type Registry struct {
	mu     sync.Mutex
	leases map[string]lease
	ttl    time.Duration
	now    func() time.Time
	bus    *event.Bus
}

// NewRegistry creates an empty registry. The bus may be nil, in which case
// no events are published.
func NewRegistry(bus *event.Bus, opts ...Option) *Registry {
	r := &Registry{
		leases: make(map[string]lease),
		ttl:    DefaultTTL,
		now:    time.Now,
		bus:    bus,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TTL returns the configured lease lifetime.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// Acquire requests leases on every path in the set at once. If any path
// overlaps a live lease held by a different worker, nothing is granted and
// Acquire returns false. Overlap is containment-aware: "." covers the
// whole tree and a directory covers everything beneath it, so a worker
// leasing the workdir root conflicts with every per-file lease and vice
// versa. On grant, every path is leased (or re-leased) to the worker with
// a fresh expiry. An empty path set is granted trivially without touching
// the table.
func (r *Registry) Acquire(workerID string, paths []string) bool {
	if workerID == "" {
		return false
	}
	paths = normalize(paths)
	if len(paths) == 0 {
		return true
	}

	r.mu.Lock()
	now := r.now()
	reclaimed := r.expireLocked(now)

	blocker := ""
scan:
	for _, p := range paths {
		for q, l := range r.leases {
			if l.owner != workerID && pathsOverlap(p, q) {
				blocker = l.owner
				break scan
			}
		}
	}
	if blocker == "" {
		expiry := now.Add(r.ttl)
		for _, p := range paths {
			r.leases[p] = lease{owner: workerID, expiresAt: expiry}
		}
	}
	r.mu.Unlock()

	r.publishExpired(reclaimed)
	if blocker != "" {
		r.publish(event.NewLockDeniedEvent(workerID, paths, blocker))
		return false
	}
	r.publish(event.NewLockGrantedEvent(workerID, paths))
	return true
}

// Release frees every lease held by the worker, live or lapsed, and
// returns the count. Releasing with nothing held returns 0 and publishes
// nothing.
func (r *Registry) Release(workerID string) int {
	r.mu.Lock()
	count := 0
	for p, l := range r.leases {
		if l.owner == workerID {
			delete(r.leases, p)
			count++
		}
	}
	r.mu.Unlock()

	if count > 0 {
		r.publish(event.NewLockReleasedEvent(workerID, count))
	}
	return count
}

// Renew pushes the expiry of every lease the worker holds out to now+ttl
// and returns the count. Workers call this as a heartbeat during long
// agent turns.
func (r *Registry) Renew(workerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	expiry := r.now().Add(r.ttl)
	count := 0
	for p, l := range r.leases {
		if l.owner == workerID {
			l.expiresAt = expiry
			r.leases[p] = l
			count++
		}
	}
	return count
}

// Owner returns the worker holding a live lease on the path, if any.
// A lapsed lease reports the path as unowned.
func (r *Registry) Owner(path string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.leases[path]
	if !ok || l.expired(r.now()) {
		return "", false
	}
	return l.owner, true
}

// HeldBy returns the paths the worker holds live leases on, sorted.
func (r *Registry) HeldBy(workerID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var paths []string
	for p, l := range r.leases {
		if l.owner == workerID && !l.expired(now) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths
}

// Leases returns a snapshot of all live leases sorted by path, for the
// operator lock table.
func (r *Registry) Leases() []Lease {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	out := make([]Lease, 0, len(r.leases))
	for p, l := range r.leases {
		if l.expired(now) {
			continue
		}
		out = append(out, Lease{Path: p, Owner: l.owner, ExpiresAt: l.expiresAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// ExpireStale removes every lapsed lease and returns the freed paths
// sorted. One expiry event is published per affected worker.
func (r *Registry) ExpireStale() []string {
	r.mu.Lock()
	reclaimed := r.expireLocked(r.now())
	r.mu.Unlock()

	r.publishExpired(reclaimed)

	var freed []string
	for _, paths := range reclaimed {
		freed = append(freed, paths...)
	}
	sort.Strings(freed)
	return freed
}

// Sweep runs ExpireStale on the given interval until the context is
// cancelled. The server and orchestrator run this in the background so
// leases of crashed workers do not pin paths forever.
func (r *Registry) Sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ExpireStale()
		}
	}
}

// expireLocked deletes lapsed leases and groups the freed paths by their
// former owner. Callers publish expiry events after unlocking.
func (r *Registry) expireLocked(now time.Time) map[string][]string {
	var reclaimed map[string][]string
	for p, l := range r.leases {
		if l.expired(now) {
			if reclaimed == nil {
				reclaimed = make(map[string][]string)
			}
			reclaimed[l.owner] = append(reclaimed[l.owner], p)
			delete(r.leases, p)
		}
	}
	return reclaimed
}

// publishExpired emits one LockExpiredEvent per worker whose leases were
// reclaimed, in stable owner order.
func (r *Registry) publishExpired(reclaimed map[string][]string) {
	if len(reclaimed) == 0 {
		return
	}
	owners := make([]string, 0, len(reclaimed))
	for owner := range reclaimed {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	for _, owner := range owners {
		paths := reclaimed[owner]
		sort.Strings(paths)
		r.publish(event.NewLockExpiredEvent(owner, paths))
	}
}

func (r *Registry) publish(e event.Event) {
	if r.bus != nil {
		r.bus.Publish(e)
	}
}

// pathsOverlap reports whether two leased paths cover overlapping write
// territory. "." covers the whole tree; a directory covers everything
// beneath it.
func pathsOverlap(a, b string) bool {
	if a == b || a == "." || b == "." {
		return true
	}
	return strings.HasPrefix(b, a+"/") || strings.HasPrefix(a, b+"/")
}

// normalize cleans paths and drops empty entries and duplicates while
// preserving order. It always copies so the registry never aliases a
// caller's slice.
func normalize(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		p = path.Clean(p)
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
