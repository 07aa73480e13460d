// Package ratelimit implements a fixed-window limiter over two coupled
// budgets: requests per window and tokens per window.
//
// Admission control for model-backed work needs both dimensions at once. A
// job costs one request plus an estimated number of tokens, and it may only
// proceed when both fit in the current window:
//
//	lim := ratelimit.New(60, 100_000)
//	if lim.TryConsume(1, job.CostEstimate) {
//	    // proceed; both budgets were debited atomically
//	} else {
//	    // defer; neither budget was touched
//	}
//
// [Limiter.TryConsume] is all-or-nothing: a denied call leaves both
// counters exactly as they were, so callers may probe as often as they
// like. Budgets refill to full capacity when the window rolls over; refill
// is lazy, computed on access, and the window anchor only ever advances by
// whole windows.
//
// The limiter is process-local state. It is never persisted, and restarts
// begin with full budgets.
package ratelimit
