package filelock

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/autobuildhq/autobuild/internal/event"
)

// fakeClock is a manually advanced time source for lease expiry tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestAcquireGrantsAllPaths(t *testing.T) {
	reg := NewRegistry(nil)

	if !reg.Acquire("worker-1", []string{"internal/b.go", "internal/a.go"}) {
		t.Fatal("expected grant on empty registry")
	}

	for _, p := range []string{"internal/a.go", "internal/b.go"} {
		owner, ok := reg.Owner(p)
		if !ok || owner != "worker-1" {
			t.Errorf("Owner(%q) = %q, %v, want worker-1, true", p, owner, ok)
		}
	}
	held := reg.HeldBy("worker-1")
	if len(held) != 2 || held[0] != "internal/a.go" || held[1] != "internal/b.go" {
		t.Errorf("HeldBy = %v, want sorted pair", held)
	}
}

func TestAcquireAllOrNothing(t *testing.T) {
	reg := NewRegistry(nil)
	if !reg.Acquire("worker-1", []string{"shared.go"}) {
		t.Fatal("setup grant failed")
	}

	if reg.Acquire("worker-2", []string{"free.go", "shared.go"}) {
		t.Fatal("expected denial when one path is held by another worker")
	}

	// The free path must not have been leased as a side effect.
	if _, ok := reg.Owner("free.go"); ok {
		t.Error("denied acquire leaked a partial lease on free.go")
	}
	if held := reg.HeldBy("worker-2"); len(held) != 0 {
		t.Errorf("HeldBy(worker-2) = %v, want empty", held)
	}
}

func TestAcquireOverlapContainment(t *testing.T) {
	tests := []struct {
		name string
		held []string
		req  []string
		want bool
	}{
		{"workdir root blocks file", []string{"."}, []string{"internal/auth/login.go"}, false},
		{"file blocks workdir root", []string{"internal/auth/login.go"}, []string{"."}, false},
		{"directory blocks file beneath it", []string{"internal/auth"}, []string{"internal/auth/login.go"}, false},
		{"file blocks its directory", []string{"internal/auth/login.go"}, []string{"internal/auth"}, false},
		{"sibling directories do not overlap", []string{"internal/auth"}, []string{"internal/authx"}, true},
		{"disjoint files do not overlap", []string{"a.go"}, []string{"b.go"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry(nil)
			if !reg.Acquire("worker-1", tt.held) {
				t.Fatal("setup grant failed")
			}
			if got := reg.Acquire("worker-2", tt.req); got != tt.want {
				t.Errorf("Acquire(worker-2, %v) with %v held = %v, want %v",
					tt.req, tt.held, got, tt.want)
			}
		})
	}
}

func TestAcquireCleansPaths(t *testing.T) {
	reg := NewRegistry(nil)

	if !reg.Acquire("worker-1", []string{"./internal/a.go", "internal/b.go/"}) {
		t.Fatal("expected grant")
	}
	held := reg.HeldBy("worker-1")
	if len(held) != 2 || held[0] != "internal/a.go" || held[1] != "internal/b.go" {
		t.Errorf("HeldBy = %v, want cleaned paths", held)
	}

	if reg.Acquire("worker-2", []string{"internal/a.go"}) {
		t.Error("cleaned path should conflict with the dotted spelling")
	}
}

func TestAcquireSameOwnerRenews(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(nil, WithTTL(10*time.Minute), WithClock(clock.Now))

	if !reg.Acquire("worker-1", []string{"a.go"}) {
		t.Fatal("setup grant failed")
	}

	// Re-acquiring inside the lease pushes the expiry forward.
	clock.Advance(8 * time.Minute)
	if !reg.Acquire("worker-1", []string{"a.go", "b.go"}) {
		t.Fatal("expected re-acquire by the holder to succeed")
	}

	// 8m past the second grant the original lease would have lapsed.
	clock.Advance(8 * time.Minute)
	owner, ok := reg.Owner("a.go")
	if !ok || owner != "worker-1" {
		t.Errorf("Owner(a.go) after renewal window = %q, %v, want worker-1, true", owner, ok)
	}
}

func TestAcquireTrivialAndInvalid(t *testing.T) {
	reg := NewRegistry(nil)

	t.Run("empty path set", func(t *testing.T) {
		if !reg.Acquire("worker-1", nil) {
			t.Error("empty path set should grant trivially")
		}
		if held := reg.HeldBy("worker-1"); len(held) != 0 {
			t.Errorf("trivial grant wrote leases: %v", held)
		}
	})

	t.Run("empty worker id", func(t *testing.T) {
		if reg.Acquire("", []string{"a.go"}) {
			t.Error("empty worker id must not be granted")
		}
	})

	t.Run("duplicate and blank paths", func(t *testing.T) {
		if !reg.Acquire("worker-2", []string{"dup.go", "", "dup.go"}) {
			t.Fatal("expected grant")
		}
		if held := reg.HeldBy("worker-2"); len(held) != 1 || held[0] != "dup.go" {
			t.Errorf("HeldBy = %v, want [dup.go]", held)
		}
	})
}

func TestReleaseIsIdempotent(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Acquire("worker-1", []string{"a.go", "b.go"})

	if n := reg.Release("worker-1"); n != 2 {
		t.Errorf("first Release = %d, want 2", n)
	}
	if n := reg.Release("worker-1"); n != 0 {
		t.Errorf("second Release = %d, want 0", n)
	}
	if n := reg.Release("worker-9"); n != 0 {
		t.Errorf("Release of unknown worker = %d, want 0", n)
	}

	if !reg.Acquire("worker-2", []string{"a.go", "b.go"}) {
		t.Error("released paths should be acquirable")
	}
}

func TestRenewExtendsLeases(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(nil, WithTTL(10*time.Minute), WithClock(clock.Now))
	reg.Acquire("worker-1", []string{"a.go", "b.go"})

	clock.Advance(8 * time.Minute)
	if n := reg.Renew("worker-1"); n != 2 {
		t.Fatalf("Renew = %d, want 2", n)
	}

	// 16m after acquire but only 8m after renew: still live.
	clock.Advance(8 * time.Minute)
	if _, ok := reg.Owner("a.go"); !ok {
		t.Error("renewed lease lapsed early")
	}

	// 11m after renew: lapsed.
	clock.Advance(3 * time.Minute)
	if _, ok := reg.Owner("a.go"); ok {
		t.Error("lease should have lapsed after the renewed TTL")
	}

	if n := reg.Renew("worker-9"); n != 0 {
		t.Errorf("Renew of unknown worker = %d, want 0", n)
	}
}

func TestLeaseExpiryFreesPaths(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(nil, WithTTL(10*time.Minute), WithClock(clock.Now))
	reg.Acquire("worker-1", []string{"a.go"})

	clock.Advance(11 * time.Minute)

	if _, ok := reg.Owner("a.go"); ok {
		t.Error("expired lease still reports an owner")
	}
	if held := reg.HeldBy("worker-1"); len(held) != 0 {
		t.Errorf("HeldBy after expiry = %v, want empty", held)
	}
	if !reg.Acquire("worker-2", []string{"a.go"}) {
		t.Error("expired path should be acquirable by another worker")
	}
	owner, _ := reg.Owner("a.go")
	if owner != "worker-2" {
		t.Errorf("owner after takeover = %q, want worker-2", owner)
	}
}

func TestExpireStale(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(nil, WithTTL(10*time.Minute), WithClock(clock.Now))
	reg.Acquire("worker-1", []string{"b.go", "a.go"})

	clock.Advance(5 * time.Minute)
	reg.Acquire("worker-2", []string{"c.go"})

	clock.Advance(6 * time.Minute)
	freed := reg.ExpireStale()
	if len(freed) != 2 || freed[0] != "a.go" || freed[1] != "b.go" {
		t.Errorf("ExpireStale = %v, want [a.go b.go]", freed)
	}
	if _, ok := reg.Owner("c.go"); !ok {
		t.Error("live lease was swept")
	}

	if freed := reg.ExpireStale(); len(freed) != 0 {
		t.Errorf("second sweep freed %v, want nothing", freed)
	}
}

func TestLeasesSnapshot(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(nil, WithTTL(10*time.Minute), WithClock(clock.Now))
	reg.Acquire("worker-2", []string{"z.go"})
	reg.Acquire("worker-1", []string{"a.go"})

	leases := reg.Leases()
	if len(leases) != 2 {
		t.Fatalf("Leases returned %d rows, want 2", len(leases))
	}
	if leases[0].Path != "a.go" || leases[0].Owner != "worker-1" {
		t.Errorf("leases[0] = %+v, want a.go/worker-1", leases[0])
	}
	if leases[1].Path != "z.go" || leases[1].Owner != "worker-2" {
		t.Errorf("leases[1] = %+v, want z.go/worker-2", leases[1])
	}
	want := clock.Now().Add(10 * time.Minute)
	if !leases[0].ExpiresAt.Equal(want) {
		t.Errorf("leases[0].ExpiresAt = %v, want %v", leases[0].ExpiresAt, want)
	}

	clock.Advance(11 * time.Minute)
	if got := reg.Leases(); len(got) != 0 {
		t.Errorf("Leases after expiry = %v, want empty", got)
	}
}

func TestRegistryEvents(t *testing.T) {
	clock := newFakeClock()
	bus := event.NewBus()
	reg := NewRegistry(bus, WithTTL(10*time.Minute), WithClock(clock.Now))

	var got []event.Event
	bus.SubscribeAll(func(e event.Event) { got = append(got, e) })

	reg.Acquire("worker-1", []string{"a.go"})
	reg.Acquire("worker-2", []string{"a.go", "b.go"})
	reg.Release("worker-1")
	reg.Release("worker-1")
	reg.Acquire("worker-2", []string{"c.go"})
	clock.Advance(11 * time.Minute)
	reg.ExpireStale()

	wantTypes := []string{
		"lock.granted",
		"lock.denied",
		"lock.released",
		"lock.granted",
		"lock.expired",
	}
	if len(got) != len(wantTypes) {
		t.Fatalf("got %d events, want %d: %v", len(got), len(wantTypes), eventTypes(got))
	}
	for i, want := range wantTypes {
		if got[i].EventType() != want {
			t.Errorf("event[%d] = %s, want %s", i, got[i].EventType(), want)
		}
	}

	denied, ok := got[1].(event.LockDeniedEvent)
	if !ok {
		t.Fatalf("event[1] is %T, want LockDeniedEvent", got[1])
	}
	if denied.WorkerID != "worker-2" || denied.HeldBy != "worker-1" {
		t.Errorf("denied = %+v, want worker-2 blocked by worker-1", denied)
	}

	released, ok := got[2].(event.LockReleasedEvent)
	if !ok {
		t.Fatalf("event[2] is %T, want LockReleasedEvent", got[2])
	}
	if released.WorkerID != "worker-1" || released.Count != 1 {
		t.Errorf("released = %+v, want worker-1 count 1", released)
	}

	expired, ok := got[4].(event.LockExpiredEvent)
	if !ok {
		t.Fatalf("event[4] is %T, want LockExpiredEvent", got[4])
	}
	if expired.WorkerID != "worker-2" || len(expired.Paths) != 1 || expired.Paths[0] != "c.go" {
		t.Errorf("expired = %+v, want worker-2 [c.go]", expired)
	}
}

func eventTypes(events []event.Event) []string {
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.EventType()
	}
	return types
}

func TestConcurrentOverlappingAcquire(t *testing.T) {
	reg := NewRegistry(nil)
	sets := map[string][]string{
		"worker-1": {"internal/shared.go", "internal/a.go"},
		"worker-2": {"internal/shared.go", "internal/b.go"},
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted []string
	)
	start := make(chan struct{})
	for workerID, paths := range sets {
		wg.Go(func() {
			<-start
			if reg.Acquire(workerID, paths) {
				mu.Lock()
				granted = append(granted, workerID)
				mu.Unlock()
			}
		})
	}
	close(start)
	wg.Wait()

	if len(granted) != 1 {
		t.Fatalf("overlapping acquires granted to %v, want exactly one winner", granted)
	}
	winner := granted[0]
	loser := "worker-1"
	if winner == "worker-1" {
		loser = "worker-2"
	}

	// The loser stays parked while the winner holds the overlap.
	if reg.Acquire(loser, sets[loser]) {
		t.Fatal("loser acquired while the winner still held the overlap")
	}
	reg.Release(winner)
	if !reg.Acquire(loser, sets[loser]) {
		t.Fatal("loser should acquire after the winner released")
	}
}

func TestConcurrentStress(t *testing.T) {
	reg := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := range 8 {
		workerID := fmt.Sprintf("worker-%d", i)
		wg.Go(func() {
			for range 50 {
				if reg.Acquire(workerID, []string{"hot.go"}) {
					if owner, ok := reg.Owner("hot.go"); !ok || owner != workerID {
						t.Errorf("owner = %q after grant to %s", owner, workerID)
					}
					reg.Release(workerID)
				}
			}
		})
	}
	wg.Wait()

	if leases := reg.Leases(); len(leases) != 0 {
		t.Errorf("leases left over after stress: %v", leases)
	}
}
