// Package pace provides a rate-aware, persistent job scheduling engine.
// It coordinates an unbounded stream of background jobs against a bounded,
// time-windowed capacity budget (requests and tokens per window), guaranteeing
// that no job is silently dropped, no job is claimed twice concurrently, and
// capacity exhaustion never counts as a job failure.
//
// Pace is designed as a library, not a service. Import it, configure a store
// and an executor, and start the engine:
//
//	eng, err := engine.New(
//	    engine.WithStore(memory.New()),
//	    engine.WithExecutor(myExecutor),
//	)
//
// # Architecture
//
// The engine is built from small subsystems, leaves first: a rate limiter
// tracking two depleting budgets over a rolling window, a pure backoff
// calculator mapping capacity deficits to deferral delays, a durable job
// store with atomic claim semantics, a periodic worker loop driving jobs
// through the limiter and the caller-supplied execution step, and a
// fire-and-forget operation logger feeding external trace sinks.
//
// Each subsystem defines its own store interface; a single backend
// (Postgres, Bun, or memory) implements all of them.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package pace
