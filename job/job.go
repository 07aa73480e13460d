package job

import (
	"time"

	"github.com/emergent-company/pace"
	"github.com/emergent-company/pace/id"
)

// Status represents the lifecycle status of a job.
type Status string

const (
	// StatusPending means the job is waiting to be picked up by a worker.
	StatusPending Status = "pending"
	// StatusRunning means a worker is currently executing the job.
	StatusRunning Status = "running"
	// StatusCompleted means the job finished successfully.
	StatusCompleted Status = "completed"
	// StatusRequiresReview means the job finished but is parked for manual
	// approval. No automatic transition leads out of it.
	StatusRequiresReview Status = "requires_review"
	// StatusFailed means the job failed and its retry budget is exhausted.
	StatusFailed Status = "failed"
	// StatusCancelled means the job was cancelled before it ran.
	StatusCancelled Status = "cancelled"
)

// transitions is the closed set of legal status changes. running → pending
// covers both capacity deferral and retry scheduling.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusPending, StatusCompleted, StatusRequiresReview, StatusFailed},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusRequiresReview, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a final status with no outgoing transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRequiresReview, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job represents a unit of work to be processed by a worker.
type Job struct {
	pace.Entity

	ID             id.JobID    `json:"id"`
	OrgID          string      `json:"org_id,omitempty"`
	ScopeID        string      `json:"scope_id,omitempty"`
	Type           string      `json:"type"`
	Payload        []byte      `json:"payload,omitempty"`
	Status         Status      `json:"status"`
	ScheduledAt    *time.Time  `json:"scheduled_at,omitempty"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	FinishedAt     *time.Time  `json:"finished_at,omitempty"`
	RetryCount     int         `json:"retry_count"`
	MaxRetries     int         `json:"max_retries"`
	CostEstimate   int64       `json:"cost_estimate,omitempty"`
	TokensUsed     int64       `json:"tokens_used,omitempty"`
	ReviewRequired bool        `json:"review_required,omitempty"`
	Output         []byte      `json:"output,omitempty"`
	LastError      string      `json:"last_error,omitempty"`
	ClaimedBy      id.WorkerID `json:"claimed_by,omitempty"`
}

// New creates a pending job of the given type with a fresh ID and
// timestamps. The payload is opaque to the engine.
func New(jobType string, payload []byte, opts ...Option) *Job {
	j := &Job{
		Entity:     pace.NewEntity(),
		ID:         id.NewJobID(),
		Type:       jobType,
		Payload:    payload,
		Status:     StatusPending,
		MaxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Due reports whether the job is eligible to run at the given time.
func (j *Job) Due(now time.Time) bool {
	return j.ScheduledAt == nil || !j.ScheduledAt.After(now)
}

// Result is the outcome of a single execution attempt, reported by the
// executor. A false Success routes the job into the retry path; Err carries
// the failure detail. TokensUsed is the actual consumption, which may differ
// from the pre-execution estimate.
type Result struct {
	Success    bool   `json:"success"`
	Output     []byte `json:"output,omitempty"`
	Err        string `json:"error,omitempty"`
	TokensUsed int64  `json:"tokens_used,omitempty"`
}
