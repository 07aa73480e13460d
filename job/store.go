package job

import (
	"context"
	"time"

	"github.com/emergent-company/pace/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Status filters by job status. Empty means all statuses.
	Status Status
	// OrgID filters by owning organization. Empty means all.
	OrgID string
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// Status filters by job status. Empty means all statuses.
	Status Status
	// OrgID filters by owning organization. Empty means all.
	OrgID string
}

// Stats summarizes the queue by status.
type Stats struct {
	Pending        int64 `json:"pending"`
	Running        int64 `json:"running"`
	Completed      int64 `json:"completed"`
	RequiresReview int64 `json:"requires_review"`
	Failed         int64 `json:"failed"`
	Cancelled      int64 `json:"cancelled"`
	Total          int64 `json:"total"`
}

// Store defines the persistence contract for jobs. Every status change is a
// conditional update keyed on the previous status: a row no longer in the
// expected state yields pace.ErrInvalidTransition, a missing row
// pace.ErrJobNotFound. Jobs are never deleted, only transitioned.
type Store interface {
	// Enqueue persists a new job in pending status. A duplicate ID yields
	// pace.ErrJobAlreadyExists.
	Enqueue(ctx context.Context, j *Job) error

	// Dequeue atomically claims up to limit due pending jobs: status moves
	// to running, started_at is set, and claimed_by records the worker, all
	// in the same operation. Jobs whose scheduled_at is in the future are
	// never returned. Ordering is scheduled_at (created_at when unset)
	// ascending, ties broken by created_at. Concurrent callers never claim
	// the same job.
	Dequeue(ctx context.Context, workerID id.WorkerID, limit int) ([]*Job, error)

	// Get retrieves a job by ID.
	Get(ctx context.Context, jobID id.JobID) (*Job, error)

	// Reschedule returns a running job to pending with scheduled_at set to
	// runAt, clearing started_at and claimed_by. The retry count is not
	// touched: rescheduling is deferral, not failure.
	Reschedule(ctx context.Context, jobID id.JobID, runAt time.Time) error

	// Complete marks a running job completed, recording finished_at, the
	// output, and actual token usage from the result.
	Complete(ctx context.Context, jobID id.JobID, res *Result) error

	// RequireReview parks a successfully executed running job in
	// requires_review, with the same bookkeeping as Complete.
	RequireReview(ctx context.Context, jobID id.JobID, res *Result) error

	// Fail marks a running job failed, recording finished_at and the error.
	Fail(ctx context.Context, jobID id.JobID, errMsg string) error

	// RetryOrFail increments the retry count, then either reschedules the
	// job for runAt (budget remaining) or marks it failed (budget
	// exhausted). The returned bool reports whether a retry was scheduled.
	RetryOrFail(ctx context.Context, jobID id.JobID, runAt time.Time, errMsg string) (bool, error)

	// Cancel moves a pending job to cancelled. Running and terminal jobs
	// cannot be cancelled.
	Cancel(ctx context.Context, jobID id.JobID) error

	// RecoverStale returns running jobs whose started_at is older than the
	// threshold to pending, clearing their claim. Returns the number of
	// jobs recovered.
	RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error)

	// List returns jobs matching the given options, ordered by creation
	// time ascending.
	List(ctx context.Context, opts ListOpts) ([]*Job, error)

	// Count returns the number of jobs matching the given options.
	Count(ctx context.Context, opts CountOpts) (int64, error)

	// Stats returns per-status counts for the whole queue.
	Stats(ctx context.Context) (Stats, error)
}
