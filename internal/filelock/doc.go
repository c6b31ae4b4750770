// Package filelock coordinates file access between concurrent workers
// sharing one working tree.
//
// # Architecture
//
// The package has three layers:
//
//   - Registry: an in-memory lease table mapping paths to their owning
//     worker and expiry. Grants are all-or-nothing over a path set, so a
//     worker either owns its whole footprint or none of it. Leases lapse
//     after a TTL unless renewed, which unsticks paths held by crashed
//     workers.
//
//   - Server: a local HTTP JSON service over the registry (acquire,
//     release, renew, lock table, health) plus a websocket event stream,
//     so out-of-process agents and operator tooling see the same table
//     the orchestrator uses.
//
//   - Client: an HTTP implementation of the Coordinator interface that
//     workers consume. Local, in-process callers can skip HTTP entirely
//     with NewLocal.
//
// # Basic Usage
//
//	bus := event.NewBus()
//	reg := filelock.NewRegistry(bus, filelock.WithTTL(10*time.Minute))
//
//	if reg.Acquire("worker-1", []string{"internal/auth/login.go"}) {
//		// worker-1 owns the path until release or expiry
//		defer reg.Release("worker-1")
//	}
//
// Serving the registry over HTTP:
//
//	srv := filelock.NewServer("127.0.0.1:7420", reg, bus, logger)
//	go srv.ListenAndServe(ctx)
//
//	coord := filelock.NewClient("http://127.0.0.1:7420")
//	granted, err := coord.Acquire(ctx, "worker-1", paths)
//
// A denied grant (granted == false) is ordinary contention and callers
// back off and retry. An error from the client means the lock service
// itself is unreachable or broken, which is fatal for the session.
//
// # Thread Safety
//
// Registry methods are safe for concurrent use. Events are published
// outside the registry lock, so bus handlers may call back into the
// registry freely.
package filelock
