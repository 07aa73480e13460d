// Package memory provides a fully in-memory store for unit testing and
// development. Safe for concurrent access; all reads return copies.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/emergent-company/pace"
	"github.com/emergent-company/pace/id"
	"github.com/emergent-company/pace/job"
	"github.com/emergent-company/pace/oplog"
	"github.com/emergent-company/pace/store"
)

var _ store.Store = (*Store)(nil)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu      sync.RWMutex
	jobs    map[string]*job.Job
	entries []*oplog.Entry
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs: make(map[string]*job.Job),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job store
// ──────────────────────────────────────────────────

// Enqueue persists a new job.
func (m *Store) Enqueue(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return pace.ErrJobAlreadyExists
	}
	cp := *j
	m.jobs[key] = &cp
	return nil
}

// Dequeue atomically claims up to limit due pending jobs in scheduling
// order, marks them running, and returns copies.
func (m *Store) Dequeue(_ context.Context, workerID id.WorkerID, limit int) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()

	candidates := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.Status != job.StatusPending {
			continue
		}
		if !j.Due(now) {
			continue
		}
		candidates = append(candidates, j)
	}

	// Order: coalesce(scheduled_at, created_at) ASC, created_at ASC.
	sort.Slice(candidates, func(i, k int) bool {
		ei, ek := effectiveTime(candidates[i]), effectiveTime(candidates[k])
		if !ei.Equal(ek) {
			return ei.Before(ek)
		}
		return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	result := make([]*job.Job, len(candidates))
	for i, j := range candidates {
		j.Status = job.StatusRunning
		n := now
		j.StartedAt = &n
		j.ClaimedBy = workerID
		j.UpdatedAt = now
		// Return a copy so callers can mutate without racing the store.
		cp := *j
		result[i] = &cp
	}

	return result, nil
}

// Get retrieves a job by ID.
func (m *Store) Get(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, pace.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// Reschedule returns a running job to pending for runAt, clearing the
// claim. The retry count is not touched.
func (m *Store) Reschedule(_ context.Context, jobID id.JobID, runAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.running(jobID)
	if err != nil {
		return err
	}

	at := runAt.UTC()
	j.Status = job.StatusPending
	j.ScheduledAt = &at
	j.StartedAt = nil
	j.ClaimedBy = id.Nil
	j.Touch()
	return nil
}

// Complete marks a running job completed with the result's output and
// token usage.
func (m *Store) Complete(_ context.Context, jobID id.JobID, res *job.Result) error {
	return m.finish(jobID, job.StatusCompleted, res)
}

// RequireReview parks a successfully executed running job for manual
// review.
func (m *Store) RequireReview(_ context.Context, jobID id.JobID, res *job.Result) error {
	return m.finish(jobID, job.StatusRequiresReview, res)
}

// Fail marks a running job failed.
func (m *Store) Fail(_ context.Context, jobID id.JobID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.running(jobID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	j.Status = job.StatusFailed
	j.FinishedAt = &now
	j.LastError = errMsg
	j.Touch()
	return nil
}

// RetryOrFail spends one unit of the retry budget on a running job.
func (m *Store) RetryOrFail(_ context.Context, jobID id.JobID, runAt time.Time, errMsg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.running(jobID)
	if err != nil {
		return false, err
	}

	j.RetryCount++
	j.LastError = errMsg

	if j.RetryCount <= j.MaxRetries {
		at := runAt.UTC()
		j.Status = job.StatusPending
		j.ScheduledAt = &at
		j.StartedAt = nil
		j.ClaimedBy = id.Nil
		j.Touch()
		return true, nil
	}

	now := time.Now().UTC()
	j.Status = job.StatusFailed
	j.FinishedAt = &now
	j.Touch()
	return false, nil
}

// Cancel moves a pending job to cancelled.
func (m *Store) Cancel(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return pace.ErrJobNotFound
	}
	if j.Status != job.StatusPending {
		return pace.ErrInvalidTransition
	}

	now := time.Now().UTC()
	j.Status = job.StatusCancelled
	j.FinishedAt = &now
	j.Touch()
	return nil
}

// RecoverStale returns running jobs claimed longer ago than olderThan to
// pending, clearing their claim so they are immediately due.
func (m *Store) RecoverStale(_ context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	var count int64
	for _, j := range m.jobs {
		if j.Status != job.StatusRunning {
			continue
		}
		if j.StartedAt == nil || !j.StartedAt.Before(cutoff) {
			continue
		}
		j.Status = job.StatusPending
		j.ScheduledAt = nil
		j.StartedAt = nil
		j.ClaimedBy = id.Nil
		j.Touch()
		count++
	}
	return count, nil
}

// List returns jobs matching the options, ordered by creation time.
func (m *Store) List(_ context.Context, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		if opts.OrgID != "" && j.OrgID != opts.OrgID {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}

	// CreatedAt, then ID for a deterministic order under equal timestamps.
	sort.Slice(result, func(i, k int) bool {
		if !result[i].CreatedAt.Equal(result[k].CreatedAt) {
			return result[i].CreatedAt.Before(result[k].CreatedAt)
		}
		return result[i].ID.String() < result[k].ID.String()
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// Count returns the number of jobs matching the options.
func (m *Store) Count(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, j := range m.jobs {
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		if opts.OrgID != "" && j.OrgID != opts.OrgID {
			continue
		}
		count++
	}
	return count, nil
}

// Stats returns per-status counts for the whole queue.
func (m *Store) Stats(_ context.Context) (job.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s job.Stats
	for _, j := range m.jobs {
		switch j.Status {
		case job.StatusPending:
			s.Pending++
		case job.StatusRunning:
			s.Running++
		case job.StatusCompleted:
			s.Completed++
		case job.StatusRequiresReview:
			s.RequiresReview++
		case job.StatusFailed:
			s.Failed++
		case job.StatusCancelled:
			s.Cancelled++
		}
		s.Total++
	}
	return s, nil
}

// ──────────────────────────────────────────────────
// Op-log store
// ──────────────────────────────────────────────────

// Append persists a new op-log entry.
func (m *Store) Append(_ context.Context, e *oplog.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

// ListByJob returns entries for a job, oldest first.
func (m *Store) ListByJob(_ context.Context, jobID id.JobID, limit int) ([]*oplog.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := jobID.String()
	var result []*oplog.Entry
	for _, e := range m.entries {
		if e.JobID.String() != key {
			continue
		}
		cp := *e
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Purge deletes entries recorded before the cutoff.
func (m *Store) Purge(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.entries[:0]
	var count int64
	for _, e := range m.entries {
		if e.At.Before(olderThan) {
			count++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return count, nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// running looks up a job and requires it to be in the running status.
// Callers must hold the write lock.
func (m *Store) running(jobID id.JobID) (*job.Job, error) {
	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, pace.ErrJobNotFound
	}
	if j.Status != job.StatusRunning {
		return nil, pace.ErrInvalidTransition
	}
	return j, nil
}

// finish moves a running job to a terminal success status, recording the
// result. Callers pass StatusCompleted or StatusRequiresReview.
func (m *Store) finish(jobID id.JobID, to job.Status, res *job.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.running(jobID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	j.Status = to
	j.FinishedAt = &now
	if res != nil {
		j.Output = res.Output
		j.TokensUsed = res.TokensUsed
	}
	j.Touch()
	return nil
}

// effectiveTime is the scheduling key: scheduled_at when set, otherwise
// created_at.
func effectiveTime(j *job.Job) time.Time {
	if j.ScheduledAt != nil {
		return *j.ScheduledAt
	}
	return j.CreatedAt
}
