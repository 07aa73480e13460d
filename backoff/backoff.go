// Package backoff computes deferral delays for the two ways a job can
// bounce: execution failure and capacity exhaustion.
//
// [Strategy] implementations are attempt-based and drive the retry path
// after a failed execution. [Calculator] is capacity-based: it maps a rate
// limiter shortfall to a wait proportional to how much budget is missing,
// independent of any retry counter. Strategies are stateless and safe for
// concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Linear
// ──────────────────────────────────────────────────

// Linear increases the delay linearly with the attempt number.
// Delay = min(Base * attempt, Cap).
type Linear struct {
	Base time.Duration
	Cap  time.Duration
}

// NewLinear creates a linear backoff strategy.
func NewLinear(base, limit time.Duration) *Linear {
	return &Linear{Base: base, Cap: limit}
}

// Delay returns Base * attempt, capped at Cap.
func (l *Linear) Delay(attempt int) time.Duration {
	d := l.Base * time.Duration(attempt)
	if l.Cap > 0 && d > l.Cap {
		return l.Cap
	}
	return d
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay each attempt.
// Delay = min(Base * 2^(attempt-1), Cap).
type Exponential struct {
	Base time.Duration
	Cap  time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(base, limit time.Duration) *Exponential {
	return &Exponential{Base: base, Cap: limit}
}

// Delay returns Base * 2^(attempt-1), capped at Cap.
func (e *Exponential) Delay(attempt int) time.Duration {
	d := time.Duration(float64(e.Base) * math.Pow(2, float64(attempt-1)))
	if e.Cap > 0 && d > e.Cap {
		return e.Cap
	}
	return d
}

// ──────────────────────────────────────────────────
// ExponentialWithJitter (full jitter)
// ──────────────────────────────────────────────────

// ExponentialWithJitter applies full jitter to an exponential base.
// Delay = random value in [0, min(Base * 2^(attempt-1), Cap)].
// This prevents thundering herd when many retries land simultaneously.
type ExponentialWithJitter struct {
	Base time.Duration
	Cap  time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(base, limit time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Base: base, Cap: limit}
}

// Delay returns a random duration in [0, min(Base * 2^(attempt-1), Cap)].
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	base := float64(e.Base) * math.Pow(2, float64(attempt-1))
	if e.Cap > 0 && base > float64(e.Cap) {
		base = float64(e.Cap)
	}
	return time.Duration(rand.Float64() * base) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// ──────────────────────────────────────────────────
// Default
// ──────────────────────────────────────────────────

// DefaultStrategy returns the retry backoff used when no option overrides
// it: ExponentialWithJitter with 1s base and 1m cap, matching the config
// defaults for RETRY_BACKOFF_BASE_MS and RETRY_BACKOFF_CAP_MS.
func DefaultStrategy() Strategy {
	return NewExponentialWithJitter(1*time.Second, 1*time.Minute)
}
