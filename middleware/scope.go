package middleware

import (
	"context"

	"github.com/emergent-company/pace/job"
	"github.com/emergent-company/pace/scope"
)

// Scope returns middleware that restores the job's tenant identity into
// the context, so handlers and inner middleware see the org and scope the
// job was enqueued under.
func Scope() Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (*job.Result, error) {
		return next(scope.Restore(ctx, j.OrgID, j.ScopeID))
	}
}
