package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/emergent-company/pace/job"
)

// tracerName is the instrumentation scope name for pace tracing.
const tracerName = "github.com/emergent-company/pace"

// Tracing returns middleware that wraps job execution in an OpenTelemetry span.
// If no TracerProvider is configured globally, the default noop tracer is used
// and this middleware becomes a pass-through with zero overhead.
//
// Span attributes include: pace.job.id, pace.job.type, pace.retry_count,
// pace.org_id, pace.scope_id. On a handler error or an unsuccessful result
// the span status is set to codes.Error with the failure detail.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (*job.Result, error) {
		ctx, span := tracer.Start(ctx, "pace.job.execute",
			trace.WithAttributes(
				attribute.String("pace.job.id", j.ID.String()),
				attribute.String("pace.job.type", j.Type),
				attribute.Int("pace.retry_count", j.RetryCount),
				attribute.String("pace.org_id", j.OrgID),
				attribute.String("pace.scope_id", j.ScopeID),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		res, err := next(ctx)
		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case res != nil && !res.Success:
			span.SetStatus(codes.Error, res.Err)
		default:
			span.SetStatus(codes.Ok, "")
		}

		return res, err
	}
}
