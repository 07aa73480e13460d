package middleware

import (
	"context"
	"time"

	"github.com/emergent-company/pace/job"
)

// Timeout returns middleware that enforces an execution deadline on every
// job. A context.WithTimeout wraps the handler call; when the deadline is
// exceeded the context is cancelled and the handler should return
// context.DeadlineExceeded. A non-positive d disables the deadline.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ *job.Job, next Handler) (*job.Result, error) {
		if d <= 0 {
			return next(ctx)
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return next(ctx)
	}
}
