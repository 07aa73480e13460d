// Package worker provides the processing loop of the engine: a Pool that
// periodically claims due jobs, admits them through the rate limiter, runs
// them through middleware and the host's Executor, and routes each outcome
// back into the store.
package worker

import (
	"context"

	"github.com/emergent-company/pace/job"
)

// Executor runs a single job and reports the attempt outcome. Hosts
// implement it (or use a populated *job.Registry, which satisfies it).
// A returned error counts as an unsuccessful attempt with the error
// message as the failure detail.
type Executor interface {
	Execute(ctx context.Context, j *job.Job) (*job.Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, j *job.Job) (*job.Result, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, j *job.Job) (*job.Result, error) {
	return f(ctx, j)
}

var _ Executor = (*job.Registry)(nil)

// normalize folds the executor's two failure channels into a single
// result. An error wins over the result's own verdict; a nil result with
// a nil error counts as an empty success.
func normalize(res *job.Result, err error) *job.Result {
	if err != nil {
		r := &job.Result{Success: false, Err: err.Error()}
		if res != nil {
			r.Output = res.Output
			r.TokensUsed = res.TokensUsed
		}
		return r
	}
	if res == nil {
		return &job.Result{Success: true}
	}
	return res
}
