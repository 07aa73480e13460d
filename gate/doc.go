// Package gate enforces per-scope execution limits in front of the rate
// limiter.
//
// A scope is a serialization domain, typically a project: jobs carrying
// the same ScopeID contend for the scope's concurrency slots, and
// optionally for a token-bucket rate (golang.org/x/time/rate). Scopes
// without an explicit config get the manager's default, one job at a
// time, which keeps work within a project strictly ordered. Jobs without
// a scope are never gated.
//
//	g := gate.NewManager()
//	g.SetLimit("proj_7", gate.Config{MaxConcurrent: 2, Rate: 0.5, Burst: 1})
//
//	if g.Acquire(j.ScopeID) {
//	    defer g.Release(j.ScopeID)
//	    // run the job
//	}
//
// A denied acquire is a deferral, not an error: the worker pushes the job
// one poll interval out and moves on, leaving its retry budget untouched.
package gate
