package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/emergent-company/pace/job"
)

// Logging returns middleware that logs job start and completion.
// An unsuccessful result is logged the same as a handler error.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (*job.Result, error) {
		logger.Info("job started",
			slog.String("job_type", j.Type),
			slog.String("job_id", j.ID.String()),
			slog.String("scope", j.ScopeID),
		)

		start := time.Now()
		res, err := next(ctx)
		elapsed := time.Since(start)

		switch {
		case err != nil:
			logger.Error("job failed",
				slog.String("job_type", j.Type),
				slog.String("job_id", j.ID.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		case res != nil && !res.Success:
			logger.Error("job failed",
				slog.String("job_type", j.Type),
				slog.String("job_id", j.ID.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("error", res.Err),
			)
		default:
			var tokens int64
			if res != nil {
				tokens = res.TokensUsed
			}
			logger.Info("job completed",
				slog.String("job_type", j.Type),
				slog.String("job_id", j.ID.String()),
				slog.Duration("elapsed", elapsed),
				slog.Int64("tokens_used", tokens),
			)
		}

		return res, err
	}
}
