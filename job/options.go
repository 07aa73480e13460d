package job

import "time"

// DefaultMaxRetries is the retry budget applied when no option overrides it.
const DefaultMaxRetries = 3

// Option configures a job at construction time.
type Option func(*Job)

// WithOrg sets the owning organization reference.
func WithOrg(orgID string) Option {
	return func(j *Job) {
		j.OrgID = orgID
	}
}

// WithScope sets the serialization scope (for example a project). Jobs in
// the same scope are subject to the engine's per-scope concurrency gate.
func WithScope(scopeID string) Option {
	return func(j *Job) {
		j.ScopeID = scopeID
	}
}

// WithMaxRetries sets the maximum number of retry attempts.
func WithMaxRetries(n int) Option {
	return func(j *Job) {
		j.MaxRetries = n
	}
}

// WithCostEstimate sets the expected token cost, reserved against the rate
// limiter before execution.
func WithCostEstimate(tokens int64) Option {
	return func(j *Job) {
		j.CostEstimate = tokens
	}
}

// WithReview marks the job for manual gating: a successful run parks as
// requires_review instead of completed.
func WithReview() Option {
	return func(j *Job) {
		j.ReviewRequired = true
	}
}

// WithScheduledAt schedules the job for execution at a specific time.
func WithScheduledAt(t time.Time) Option {
	return func(j *Job) {
		at := t.UTC()
		j.ScheduledAt = &at
	}
}
