package ratelimit

import (
	"sync"
	"time"
)

// DefaultWindow is the budget window applied when no option overrides it.
const DefaultWindow = time.Minute

// Status is a read-only snapshot of the limiter taken at a single instant.
type Status struct {
	AvailableRequests int64     `json:"available_requests"`
	AvailableTokens   int64     `json:"available_tokens"`
	CapacityRequests  int64     `json:"capacity_requests"`
	CapacityTokens    int64     `json:"capacity_tokens"`
	ResetAt           time.Time `json:"reset_at"`
}

// Limiter tracks request and token budgets over a fixed window. Both
// counters live under one mutex so a consume decision and its deduction are
// a single atomic step. It is safe for concurrent use.
type Limiter struct {
	mu sync.Mutex

	capRequests int64
	capTokens   int64
	window      time.Duration
	now         func() time.Time

	requests    int64
	tokens      int64
	windowStart time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithWindow overrides the refill window. Non-positive values are ignored.
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithNow injects the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a Limiter with the given per-window capacities, starting at
// full budget. Negative capacities are treated as zero.
func New(requestsPerWindow, tokensPerWindow int64, opts ...Option) *Limiter {
	l := &Limiter{
		capRequests: max(requestsPerWindow, 0),
		capTokens:   max(tokensPerWindow, 0),
		window:      DefaultWindow,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.requests = l.capRequests
	l.tokens = l.capTokens
	l.windowStart = l.now().UTC()
	return l
}

// TryConsume attempts to deduct requests and tokens from the current
// window. It succeeds only when both budgets can cover the cost, deducting
// from both; otherwise it deducts nothing and returns false. A cost
// exceeding a capacity can never succeed. Never blocks.
func (l *Limiter) TryConsume(requests, tokens int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()

	if requests > l.requests || tokens > l.tokens {
		return false
	}
	l.requests -= requests
	l.tokens -= tokens
	return true
}

// Status returns a snapshot of the current window. The snapshot is
// internally consistent but may be stale by the time the caller acts on it;
// admission decisions belong to TryConsume.
func (l *Limiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()

	return Status{
		AvailableRequests: l.requests,
		AvailableTokens:   l.tokens,
		CapacityRequests:  l.capRequests,
		CapacityTokens:    l.capTokens,
		ResetAt:           l.windowStart.Add(l.window),
	}
}

// refill restores both budgets to capacity when the window has rolled
// over. The anchor advances by whole windows so boundaries stay aligned no
// matter how long the limiter sat idle. Callers must hold l.mu.
func (l *Limiter) refill() {
	elapsed := l.now().UTC().Sub(l.windowStart)
	if elapsed < l.window {
		return
	}
	l.windowStart = l.windowStart.Add(elapsed.Truncate(l.window))
	l.requests = l.capRequests
	l.tokens = l.capTokens
}
