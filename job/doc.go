// Package job defines the job entity, status machine, typed definitions,
// and store interface.
//
// # Job Entity
//
// A [Job] represents a unit of deferred work. It embeds [pace.Entity] for
// timestamps, carries an opaque payload (JSON), and progresses through a
// status machine:
//
//	pending → running → completed
//	pending → running → requires_review
//	pending → running → pending → ...   (deferral or retry)
//	pending → running → failed
//	pending → cancelled
//
// Transitions outside this table are rejected by stores with
// [pace.ErrInvalidTransition]. [CanTransition] exposes the table.
//
// Fields of note:
//   - ScheduledAt: earliest time the job may be dequeued (nil = due now)
//   - MaxRetries / RetryCount: controls the retry budget
//   - CostEstimate: expected token cost, reserved against the rate limiter
//     before execution
//   - ReviewRequired: successful runs park as requires_review instead of
//     completed
//
// # Defining a Job
//
// Use [Definition] with a typed handler. The payload is JSON-serialized
// at enqueue time and deserialized before the handler runs:
//
//	var Summarize = job.NewDefinition("summarize",
//	    func(ctx context.Context, input SummarizeInput) (*job.Result, error) {
//	        text, tokens, err := model.Summarize(ctx, input.Text)
//	        if err != nil {
//	            return nil, err
//	        }
//	        return &job.Result{Success: true, Output: []byte(text), TokensUsed: tokens}, nil
//	    },
//	)
//
// # Registry
//
// [Registry] maps job types to type-erased [HandlerFunc] values and can
// execute jobs by type, so a populated registry serves directly as the
// engine's executor. Register definitions at startup via
// [RegisterDefinition]:
//
//	job.RegisterDefinition(registry, Summarize)
//	job.RegisterDefinition(registry, Classify)
package job
