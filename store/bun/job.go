package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/emergent-company/pace"
	"github.com/emergent-company/pace/id"
	"github.com/emergent-company/pace/job"
)

// Enqueue persists a new job in pending status.
func (s *Store) Enqueue(ctx context.Context, j *job.Job) error {
	m := toJobModel(j)
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	if err != nil {
		if isDuplicateKey(err) {
			return pace.ErrJobAlreadyExists
		}
		return fmt.Errorf("pace/bun: enqueue: %w", err)
	}
	return nil
}

// Dequeue atomically claims up to limit due pending jobs, sets them to
// running, and returns them. The claim is a single raw CTE with SELECT
// FOR UPDATE SKIP LOCKED; the query builder cannot express it.
func (s *Store) Dequeue(ctx context.Context, workerID id.WorkerID, limit int) ([]*job.Job, error) {
	var models []jobModel
	err := s.db.NewRaw(`
		WITH claimed AS (
			UPDATE pace_jobs
			SET status = 'running', started_at = NOW(), claimed_by = ?, updated_at = NOW()
			WHERE id IN (
				SELECT id FROM pace_jobs
				WHERE status = 'pending'
				  AND (scheduled_at IS NULL OR scheduled_at <= NOW())
				ORDER BY COALESCE(scheduled_at, created_at) ASC, created_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT ?
			)
			RETURNING *
		)
		SELECT * FROM claimed ORDER BY COALESCE(scheduled_at, created_at) ASC, created_at ASC`,
		workerID.String(), limit,
	).Scan(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("pace/bun: dequeue: %w", err)
	}

	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, convErr := fromJobModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("pace/bun: dequeue convert: %w", convErr)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// Get retrieves a job by ID.
func (s *Store) Get(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	m := new(jobModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", jobID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, pace.ErrJobNotFound
		}
		return nil, fmt.Errorf("pace/bun: get: %w", err)
	}
	return fromJobModel(m)
}

// Reschedule returns a running job to pending for runAt, clearing the
// claim. The retry count is not touched.
func (s *Store) Reschedule(ctx context.Context, jobID id.JobID, runAt time.Time) error {
	res, err := s.db.NewUpdate().
		TableExpr("pace_jobs").
		Set("status = 'pending'").
		Set("scheduled_at = ?", runAt.UTC()).
		Set("started_at = NULL").
		Set("claimed_by = ''").
		Set("updated_at = NOW()").
		Where("id = ? AND status = 'running'", jobID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("pace/bun: reschedule: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return s.transitionErr(ctx, jobID)
	}
	return nil
}

// Complete marks a running job completed with the result's output and
// token usage.
func (s *Store) Complete(ctx context.Context, jobID id.JobID, res *job.Result) error {
	return s.finish(ctx, jobID, job.StatusCompleted, res)
}

// RequireReview parks a successfully executed running job for manual
// review.
func (s *Store) RequireReview(ctx context.Context, jobID id.JobID, res *job.Result) error {
	return s.finish(ctx, jobID, job.StatusRequiresReview, res)
}

// Fail marks a running job failed.
func (s *Store) Fail(ctx context.Context, jobID id.JobID, errMsg string) error {
	res, err := s.db.NewUpdate().
		TableExpr("pace_jobs").
		Set("status = 'failed'").
		Set("finished_at = NOW()").
		Set("last_error = ?", errMsg).
		Set("updated_at = NOW()").
		Where("id = ? AND status = 'running'", jobID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("pace/bun: fail: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return s.transitionErr(ctx, jobID)
	}
	return nil
}

// RetryOrFail spends one unit of the retry budget on a running job. The
// branch is decided inside a single UPDATE so concurrent callers cannot
// double-spend the budget.
func (s *Store) RetryOrFail(ctx context.Context, jobID id.JobID, runAt time.Time, errMsg string) (bool, error) {
	var status string
	err := s.db.NewRaw(`
		UPDATE pace_jobs
		SET retry_count = retry_count + 1,
		    last_error  = ?,
		    status       = CASE WHEN retry_count + 1 <= max_retries THEN 'pending' ELSE 'failed' END,
		    scheduled_at = CASE WHEN retry_count + 1 <= max_retries THEN ? ELSE scheduled_at END,
		    started_at   = CASE WHEN retry_count + 1 <= max_retries THEN NULL ELSE started_at END,
		    claimed_by   = CASE WHEN retry_count + 1 <= max_retries THEN '' ELSE claimed_by END,
		    finished_at  = CASE WHEN retry_count + 1 <= max_retries THEN finished_at ELSE NOW() END,
		    updated_at   = NOW()
		WHERE id = ? AND status = 'running'
		RETURNING status`,
		errMsg, runAt.UTC(), jobID.String(),
	).Scan(ctx, &status)
	if err != nil {
		if isNoRows(err) {
			return false, s.transitionErr(ctx, jobID)
		}
		return false, fmt.Errorf("pace/bun: retry or fail: %w", err)
	}
	return status == string(job.StatusPending), nil
}

// Cancel moves a pending job to cancelled.
func (s *Store) Cancel(ctx context.Context, jobID id.JobID) error {
	res, err := s.db.NewUpdate().
		TableExpr("pace_jobs").
		Set("status = 'cancelled'").
		Set("finished_at = NOW()").
		Set("updated_at = NOW()").
		Where("id = ? AND status = 'pending'", jobID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("pace/bun: cancel: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return s.transitionErr(ctx, jobID)
	}
	return nil
}

// RecoverStale returns running jobs claimed longer ago than olderThan to
// pending, clearing their claim so they are immediately due.
func (s *Store) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.NewUpdate().
		TableExpr("pace_jobs").
		Set("status = 'pending'").
		Set("scheduled_at = NULL").
		Set("started_at = NULL").
		Set("claimed_by = ''").
		Set("updated_at = NOW()").
		Where("status = 'running'").
		Where("started_at IS NOT NULL").
		Where("started_at < ?", cutoff).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("pace/bun: recover stale: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows, nil
}

// List returns jobs matching the options, ordered by creation time.
func (s *Store) List(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	var models []jobModel
	q := s.db.NewSelect().Model(&models)

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.OrgID != "" {
		q = q.Where("org_id = ?", opts.OrgID)
	}

	// CreatedAt, then ID for a deterministic order under equal timestamps.
	q = q.Order("created_at ASC", "id ASC")

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("pace/bun: list: %w", err)
	}

	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, convErr := fromJobModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("pace/bun: list convert: %w", convErr)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// Count returns the number of jobs matching the options.
func (s *Store) Count(ctx context.Context, opts job.CountOpts) (int64, error) {
	q := s.db.NewSelect().TableExpr("pace_jobs")

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.OrgID != "" {
		q = q.Where("org_id = ?", opts.OrgID)
	}

	count, err := q.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("pace/bun: count: %w", err)
	}
	return int64(count), nil
}

// Stats returns per-status counts for the whole queue in one scan.
func (s *Store) Stats(ctx context.Context) (job.Stats, error) {
	var st job.Stats
	err := s.db.NewRaw(`
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending')         AS pending,
			COUNT(*) FILTER (WHERE status = 'running')         AS running,
			COUNT(*) FILTER (WHERE status = 'completed')       AS completed,
			COUNT(*) FILTER (WHERE status = 'requires_review') AS requires_review,
			COUNT(*) FILTER (WHERE status = 'failed')          AS failed,
			COUNT(*) FILTER (WHERE status = 'cancelled')       AS cancelled,
			COUNT(*)                                           AS total
		FROM pace_jobs`,
	).Scan(ctx,
		&st.Pending, &st.Running, &st.Completed,
		&st.RequiresReview, &st.Failed, &st.Cancelled,
		&st.Total,
	)
	if err != nil {
		return job.Stats{}, fmt.Errorf("pace/bun: stats: %w", err)
	}
	return st, nil
}

// finish moves a running job to a terminal success status, recording the
// result. Callers pass StatusCompleted or StatusRequiresReview.
func (s *Store) finish(ctx context.Context, jobID id.JobID, to job.Status, res *job.Result) error {
	var (
		output []byte
		tokens int64
	)
	if res != nil {
		output = res.Output
		tokens = res.TokensUsed
	}

	r, err := s.db.NewUpdate().
		TableExpr("pace_jobs").
		Set("status = ?", string(to)).
		Set("finished_at = NOW()").
		Set("output = ?", output).
		Set("tokens_used = ?", tokens).
		Set("updated_at = NOW()").
		Where("id = ? AND status = 'running'", jobID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("pace/bun: finish: %w", err)
	}
	rows, _ := r.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return s.transitionErr(ctx, jobID)
	}
	return nil
}

// transitionErr distinguishes a missing row from a row in the wrong
// status after a conditional update matched nothing.
func (s *Store) transitionErr(ctx context.Context, jobID id.JobID) error {
	exists, err := s.db.NewSelect().
		TableExpr("pace_jobs").
		Where("id = ?", jobID.String()).
		Exists(ctx)
	if err != nil {
		return fmt.Errorf("pace/bun: probe job: %w", err)
	}
	if !exists {
		return pace.ErrJobNotFound
	}
	return pace.ErrInvalidTransition
}
