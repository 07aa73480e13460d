package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/emergent-company/pace"
	"github.com/emergent-company/pace/id"
	"github.com/emergent-company/pace/job"
)

// jobColumns is the canonical column list for pace_jobs, shared by every
// query that scans full rows.
const jobColumns = `
	id, org_id, scope_id, type, payload, status,
	scheduled_at, started_at, finished_at,
	retry_count, max_retries, cost_estimate, tokens_used,
	review_required, output, last_error, claimed_by,
	created_at, updated_at`

// Enqueue persists a new job in pending status.
func (s *Store) Enqueue(ctx context.Context, j *job.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pace_jobs (
			id, org_id, scope_id, type, payload, status,
			scheduled_at, started_at, finished_at,
			retry_count, max_retries, cost_estimate, tokens_used,
			review_required, output, last_error, claimed_by,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16, $17,
			$18, $19
		)`,
		j.ID.String(), j.OrgID, j.ScopeID, j.Type, j.Payload, string(j.Status),
		j.ScheduledAt, j.StartedAt, j.FinishedAt,
		j.RetryCount, j.MaxRetries, j.CostEstimate, j.TokensUsed,
		j.ReviewRequired, j.Output, j.LastError, j.ClaimedBy.String(),
		j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		// Check for unique violation (duplicate ID).
		if isDuplicateKey(err) {
			return pace.ErrJobAlreadyExists
		}
		return fmt.Errorf("pace/postgres: enqueue: %w", err)
	}
	return nil
}

// Dequeue atomically claims up to limit due pending jobs, sets them to
// running, and returns them. Uses SELECT FOR UPDATE SKIP LOCKED so
// concurrent workers never claim the same job.
func (s *Store) Dequeue(ctx context.Context, workerID id.WorkerID, limit int) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE pace_jobs
			SET status = 'running', started_at = NOW(), claimed_by = $1, updated_at = NOW()
			WHERE id IN (
				SELECT id FROM pace_jobs
				WHERE status = 'pending'
				  AND (scheduled_at IS NULL OR scheduled_at <= NOW())
				ORDER BY COALESCE(scheduled_at, created_at) ASC, created_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $2
			)
			RETURNING `+jobColumns+`
		)
		SELECT * FROM claimed ORDER BY COALESCE(scheduled_at, created_at) ASC, created_at ASC`,
		workerID.String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("pace/postgres: dequeue: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// Get retrieves a job by ID.
func (s *Store) Get(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM pace_jobs WHERE id = $1`,
		jobID.String(),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, pace.ErrJobNotFound
		}
		return nil, fmt.Errorf("pace/postgres: get: %w", err)
	}
	return j, nil
}

// Reschedule returns a running job to pending for runAt, clearing the
// claim. The retry count is not touched.
func (s *Store) Reschedule(ctx context.Context, jobID id.JobID, runAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pace_jobs
		SET status = 'pending', scheduled_at = $2,
		    started_at = NULL, claimed_by = '', updated_at = NOW()
		WHERE id = $1 AND status = 'running'`,
		jobID.String(), runAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("pace/postgres: reschedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
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
	tag, err := s.pool.Exec(ctx, `
		UPDATE pace_jobs
		SET status = 'failed', finished_at = NOW(), last_error = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'running'`,
		jobID.String(), errMsg,
	)
	if err != nil {
		return fmt.Errorf("pace/postgres: fail: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionErr(ctx, jobID)
	}
	return nil
}

// RetryOrFail spends one unit of the retry budget on a running job. The
// branch is decided inside a single UPDATE so concurrent callers cannot
// double-spend the budget.
func (s *Store) RetryOrFail(ctx context.Context, jobID id.JobID, runAt time.Time, errMsg string) (bool, error) {
	var status string
	err := s.pool.QueryRow(ctx, `
		UPDATE pace_jobs
		SET retry_count = retry_count + 1,
		    last_error  = $3,
		    status       = CASE WHEN retry_count + 1 <= max_retries THEN 'pending' ELSE 'failed' END,
		    scheduled_at = CASE WHEN retry_count + 1 <= max_retries THEN $2 ELSE scheduled_at END,
		    started_at   = CASE WHEN retry_count + 1 <= max_retries THEN NULL ELSE started_at END,
		    claimed_by   = CASE WHEN retry_count + 1 <= max_retries THEN '' ELSE claimed_by END,
		    finished_at  = CASE WHEN retry_count + 1 <= max_retries THEN finished_at ELSE NOW() END,
		    updated_at   = NOW()
		WHERE id = $1 AND status = 'running'
		RETURNING status`,
		jobID.String(), runAt.UTC(), errMsg,
	).Scan(&status)
	if err != nil {
		if isNoRows(err) {
			return false, s.transitionErr(ctx, jobID)
		}
		return false, fmt.Errorf("pace/postgres: retry or fail: %w", err)
	}
	return status == string(job.StatusPending), nil
}

// Cancel moves a pending job to cancelled.
func (s *Store) Cancel(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pace_jobs
		SET status = 'cancelled', finished_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`,
		jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("pace/postgres: cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionErr(ctx, jobID)
	}
	return nil
}

// RecoverStale returns running jobs claimed longer ago than olderThan to
// pending, clearing their claim so they are immediately due.
func (s *Store) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := s.pool.Exec(ctx, `
		UPDATE pace_jobs
		SET status = 'pending', scheduled_at = NULL,
		    started_at = NULL, claimed_by = '', updated_at = NOW()
		WHERE status = 'running'
		  AND started_at IS NOT NULL
		  AND started_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("pace/postgres: recover stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

// List returns jobs matching the options, ordered by creation time.
func (s *Store) List(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM pace_jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}
	if opts.OrgID != "" {
		query += fmt.Sprintf(" AND org_id = $%d", argIdx)
		args = append(args, opts.OrgID)
		argIdx++
	}

	// CreatedAt, then ID for a deterministic order under equal timestamps.
	query += " ORDER BY created_at ASC, id ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pace/postgres: list: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// Count returns the number of jobs matching the options.
func (s *Store) Count(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM pace_jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}
	if opts.OrgID != "" {
		query += fmt.Sprintf(" AND org_id = $%d", argIdx)
		args = append(args, opts.OrgID)
	}

	var count int64
	err := s.pool.QueryRow(ctx, query, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("pace/postgres: count: %w", err)
	}
	return count, nil
}

// Stats returns per-status counts for the whole queue in one scan.
func (s *Store) Stats(ctx context.Context) (job.Stats, error) {
	var st job.Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'running'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'requires_review'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'cancelled'),
			COUNT(*)
		FROM pace_jobs`,
	).Scan(
		&st.Pending, &st.Running, &st.Completed,
		&st.RequiresReview, &st.Failed, &st.Cancelled,
		&st.Total,
	)
	if err != nil {
		return job.Stats{}, fmt.Errorf("pace/postgres: stats: %w", err)
	}
	return st, nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

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

	tag, err := s.pool.Exec(ctx, `
		UPDATE pace_jobs
		SET status = $2, finished_at = NOW(), output = $3, tokens_used = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'running'`,
		jobID.String(), string(to), output, tokens,
	)
	if err != nil {
		return fmt.Errorf("pace/postgres: finish: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionErr(ctx, jobID)
	}
	return nil
}

// transitionErr distinguishes a missing row from a row in the wrong
// status after a conditional update matched nothing.
func (s *Store) transitionErr(ctx context.Context, jobID id.JobID) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM pace_jobs WHERE id = $1)`,
		jobID.String(),
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("pace/postgres: probe job: %w", err)
	}
	if !exists {
		return pace.ErrJobNotFound
	}
	return pace.ErrInvalidTransition
}

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j          job.Job
		idStr      string
		statusStr  string
		claimedStr string
	)
	err := row.Scan(
		&idStr, &j.OrgID, &j.ScopeID, &j.Type, &j.Payload, &statusStr,
		&j.ScheduledAt, &j.StartedAt, &j.FinishedAt,
		&j.RetryCount, &j.MaxRetries, &j.CostEstimate, &j.TokensUsed,
		&j.ReviewRequired, &j.Output, &j.LastError, &claimedStr,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Status = job.Status(statusStr)

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("pace/postgres: parse job id %q: %w", idStr, parseErr)
	}
	j.ID = parsedID

	if claimedStr != "" {
		parsedWorker, workerErr := id.ParseWorkerID(claimedStr)
		if workerErr == nil {
			j.ClaimedBy = parsedWorker
		}
	}

	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("pace/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pace/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}
