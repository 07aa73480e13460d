package backoff

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/emergent-company/pace/ratelimit"
)

// Cost is the budget a single execution is expected to draw from the rate
// limiter: one request plus the job's estimated token consumption.
type Cost struct {
	Requests int64
	Tokens   int64
}

const (
	// DefaultCeiling is the hard upper bound on a capacity deferral.
	DefaultCeiling = 5 * time.Minute

	// minDelay keeps every computed delay strictly positive so a deferred
	// job always moves into the future.
	minDelay = time.Second

	// maxScale bounds the depletion multiplier.
	maxScale = 3.0
)

// Calculator maps a capacity shortfall to a deferral delay. The wait grows
// with how much budget is missing relative to a whole window, scaled up as
// the shortfall deepens and jittered to spread synchronized re-attempts.
// It reads nothing but its arguments, so a fixed rand source makes it
// fully deterministic.
//
// The delay becomes the job's new scheduled_at. It is independent of the
// retry counter: deferral is capacity pressure, not failure.
type Calculator struct {
	window  time.Duration
	ceiling time.Duration
	rand    *rand.Rand
}

// CalculatorOption configures a Calculator.
type CalculatorOption func(*Calculator)

// WithCeiling overrides the maximum delay. Non-positive values are ignored.
func WithCeiling(d time.Duration) CalculatorOption {
	return func(c *Calculator) {
		if d > 0 {
			c.ceiling = d
		}
	}
}

// WithRand injects the jitter source, for tests. The injected source is
// not synchronized; share it across goroutines only behind a lock.
func WithRand(r *rand.Rand) CalculatorOption {
	return func(c *Calculator) {
		c.rand = r
	}
}

// NewCalculator creates a Calculator for the given limiter window.
func NewCalculator(window time.Duration, opts ...CalculatorOption) *Calculator {
	c := &Calculator{
		window:  window,
		ceiling: DefaultCeiling,
	}
	if c.window <= 0 {
		c.window = ratelimit.DefaultWindow
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Delay computes how long a job should wait after the limiter denied its
// cost. The algorithm:
//
//  1. Per budget, shortfall = max(0, need-available) / capacity. The
//     binding deficit is the larger of the two; it exceeds 1 when the cost
//     outweighs a whole window.
//  2. Base delay = deficit × window, so missing half a window's budget
//     waits about half a window.
//  3. Scale by min(3, 2^deficit). The deficit already deepens as the
//     budget drains, which makes the multiplier capacity-aware rather than
//     attempt-aware.
//  4. Jitter by a uniform factor in [0.8, 1.2].
//  5. Clamp to the ceiling, floor at one second.
func (c *Calculator) Delay(need Cost, st ratelimit.Status) time.Duration {
	deficit := max(
		shortfall(need.Requests, st.AvailableRequests, st.CapacityRequests),
		shortfall(need.Tokens, st.AvailableTokens, st.CapacityTokens),
	)
	if math.IsInf(deficit, 1) {
		return c.ceiling
	}
	if deficit <= 0 {
		return minDelay
	}

	base := deficit * float64(c.window)
	scale := math.Min(maxScale, math.Pow(2, deficit))
	jitter := 0.8 + 0.4*c.float64()

	d := time.Duration(base * scale * jitter)
	if d > c.ceiling {
		return c.ceiling
	}
	if d < minDelay {
		return minDelay
	}
	return d
}

func (c *Calculator) float64() float64 {
	if c.rand != nil {
		return c.rand.Float64()
	}
	return rand.Float64() //nolint:gosec // jitter intentionally uses non-crypto rand
}

// shortfall reports the missing budget as a fraction of its capacity.
// A positive need against a zero-capacity budget can never be satisfied,
// which surfaces as an infinite deficit and clamps to the ceiling.
func shortfall(need, available, capacity int64) float64 {
	if need <= available {
		return 0
	}
	if capacity <= 0 {
		return math.Inf(1)
	}
	return float64(need-available) / float64(capacity)
}
