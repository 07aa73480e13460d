package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emergent-company/pace/backoff"
	"github.com/emergent-company/pace/id"
	"github.com/emergent-company/pace/job"
	"github.com/emergent-company/pace/middleware"
	"github.com/emergent-company/pace/oplog"
	"github.com/emergent-company/pace/ratelimit"
)

// Limiter is the shared-budget admission check consulted before each
// execution. The pool calls TryConsume with the job's estimated cost and,
// when denied, Status to size the deferral delay.
type Limiter interface {
	TryConsume(requests, tokens int64) bool
	Status() ratelimit.Status
}

// Gate controls per-scope admission. The pool calls Acquire before
// executing a claimed job and Release after execution completes.
type Gate interface {
	// Acquire reserves a slot for the scope. Returns true if the job is
	// allowed to proceed.
	Acquire(scope string) bool
	// Release frees the slot reserved by Acquire.
	Release(scope string)
}

// OpLogger receives the loop's operational events.
type OpLogger interface {
	Record(e oplog.Entry)
}

// CostEstimator predicts the rate-limit cost of executing a job.
type CostEstimator func(j *job.Job) backoff.Cost

// DefaultCostEstimator charges one request plus the job's advertised
// token estimate.
func DefaultCostEstimator(j *job.Job) backoff.Cost {
	return backoff.Cost{Requests: 1, Tokens: max(j.CostEstimate, 0)}
}

// Metrics is a snapshot of the loop counters accumulated since Start.
type Metrics struct {
	// Processed counts execution attempts (deferred jobs excluded).
	Processed int64 `json:"processed"`
	// Succeeded counts successful attempts, including those parked for
	// review.
	Succeeded int64 `json:"succeeded"`
	// Failed counts unsuccessful attempts, whether retried or permanent.
	Failed int64 `json:"failed"`
	// Deferred counts jobs pushed back by the limiter or the gate.
	Deferred int64 `json:"deferred"`
}

// Pool is the single periodic processing loop of a worker process. Each
// tick claims up to BatchSize due jobs and processes them sequentially in
// claim order; one job's deferral or failure never aborts the batch.
type Pool struct {
	store    job.Store
	limiter  Limiter
	executor Executor
	logger   *slog.Logger

	retry    backoff.Strategy
	calc     *backoff.Calculator
	estimate CostEstimator
	gate     Gate
	oplogger OpLogger
	mw       middleware.Middleware

	pollInterval    time.Duration
	batchSize       int
	shutdownTimeout time.Duration
	workerID        id.WorkerID

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}

	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	deferred  atomic.Int64
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPollInterval sets how often the loop ticks.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithBatchSize sets the maximum number of jobs claimed per tick.
func WithBatchSize(n int) PoolOption {
	return func(p *Pool) { p.batchSize = n }
}

// WithRetryStrategy sets the backoff applied to failed attempts.
func WithRetryStrategy(s backoff.Strategy) PoolOption {
	return func(p *Pool) { p.retry = s }
}

// WithCalculator sets the capacity-deferral delay calculator. It should
// share the limiter's window.
func WithCalculator(c *backoff.Calculator) PoolOption {
	return func(p *Pool) { p.calc = c }
}

// WithCostEstimator overrides the per-job cost estimate.
func WithCostEstimator(fn CostEstimator) PoolOption {
	return func(p *Pool) { p.estimate = fn }
}

// WithGate sets the per-scope admission gate.
func WithGate(g Gate) PoolOption {
	return func(p *Pool) { p.gate = g }
}

// WithOpLogger sets the operation log destination.
func WithOpLogger(l OpLogger) PoolOption {
	return func(p *Pool) { p.oplogger = l }
}

// WithMiddleware sets the middleware applied around every execution,
// outermost first.
func WithMiddleware(mws ...middleware.Middleware) PoolOption {
	return func(p *Pool) { p.mw = middleware.Chain(mws...) }
}

// WithShutdownTimeout bounds how long Stop waits for an in-flight batch.
func WithShutdownTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.shutdownTimeout = d }
}

// NewPool creates the processing loop. The limiter, gate, and op logger
// may be nil, which disables the corresponding step.
func NewPool(
	store job.Store,
	limiter Limiter,
	executor Executor,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		store:           store,
		limiter:         limiter,
		executor:        executor,
		logger:          logger,
		retry:           backoff.DefaultStrategy(),
		calc:            backoff.NewCalculator(ratelimit.DefaultWindow),
		estimate:        DefaultCostEstimator,
		mw:              middleware.Chain(),
		pollInterval:    time.Minute,
		batchSize:       10,
		shutdownTimeout: 30 * time.Second,
		workerID:        id.NewWorkerID(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the loop's unique worker identifier, recorded on every
// claim.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Metrics returns a snapshot of the loop counters.
func (p *Pool) Metrics() Metrics {
	return Metrics{
		Processed: p.processed.Load(),
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
		Deferred:  p.deferred.Load(),
	}
}

// Start launches the tick loop. It returns immediately and is a no-op if
// the loop is already running.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})

	p.logger.Info("worker starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Duration("poll_interval", p.pollInterval),
		slog.Int("batch_size", p.batchSize),
	)

	go p.run(p.stopCh, p.done)

	return nil
}

// Stop closes the tick loop and waits for the in-flight batch, bounded by
// the shutdown timeout and the context deadline. Jobs are never
// interrupted mid-execution; on timeout the batch keeps draining in the
// background and Stop returns the context error.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	stopCh, done := p.stopCh, p.done
	p.mu.Unlock()

	p.logger.Info("worker stopping", slog.String("worker_id", p.workerID.String()))
	close(stopCh)

	if p.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.shutdownTimeout)
		defer cancel()
	}

	select {
	case <-done:
		p.logger.Info("worker stopped", slog.String("worker_id", p.workerID.String()))
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker shutdown timed out with a batch in flight",
			slog.String("worker_id", p.workerID.String()))
		return ctx.Err()
	}
}

// run ticks immediately, then on every poll interval until stopped.
func (p *Pool) run(stopCh, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	p.tick(context.Background())

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			p.tick(context.Background())
		}
	}
}

// tick claims one batch and processes it to completion. A store failure
// logs and waits for the next tick.
func (p *Pool) tick(ctx context.Context) {
	jobs, err := p.store.Dequeue(ctx, p.workerID, p.batchSize)
	if err != nil {
		p.logger.Error("dequeue failed", slog.String("error", err.Error()))
		return
	}
	if len(jobs) == 0 {
		return
	}

	start := time.Now()
	p.record(oplog.Entry{
		Op:    oplog.OpBatchStart,
		Input: fmt.Sprintf("size=%d", len(jobs)),
	})

	for _, j := range jobs {
		p.process(ctx, j)
	}

	p.record(oplog.Entry{
		Op:      oplog.OpBatchEnd,
		Input:   fmt.Sprintf("size=%d", len(jobs)),
		Elapsed: time.Since(start),
	})
}

// process runs the admission steps and execution for one claimed job.
func (p *Pool) process(ctx context.Context, j *job.Job) {
	cost := p.estimate(j)

	if p.gate != nil {
		if !p.gate.Acquire(j.ScopeID) {
			p.deferJob(ctx, j, p.pollInterval, "scope gate full")
			return
		}
		defer p.gate.Release(j.ScopeID)
	}

	if p.limiter != nil {
		check := oplog.Entry{
			JobID: j.ID,
			Step:  1,
			Op:    oplog.OpRateLimitCheck,
			Input: fmt.Sprintf("requests=%d tokens=%d", cost.Requests, cost.Tokens),
		}
		if !p.limiter.TryConsume(cost.Requests, cost.Tokens) {
			delay := p.calc.Delay(cost, p.limiter.Status())
			check.Output = fmt.Sprintf("deferred %s", delay.Round(time.Millisecond))
			p.record(check)
			p.deferJob(ctx, j, delay, "rate limit capacity")
			return
		}
		check.Output = "granted"
		p.record(check)
	}

	p.execute(ctx, j)
}

// deferJob returns a claimed job to pending without touching its retry
// budget. Deferral is scheduling, not failure.
func (p *Pool) deferJob(ctx context.Context, j *job.Job, delay time.Duration, reason string) {
	p.deferred.Add(1)

	runAt := time.Now().UTC().Add(delay)
	if err := p.store.Reschedule(ctx, j.ID, runAt); err != nil {
		p.logger.Error("reschedule failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	p.logger.Info("job deferred",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", j.Type),
		slog.String("reason", reason),
		slog.Duration("delay", delay),
		slog.Time("run_at", runAt),
	)
}

// execute runs the job through middleware and the executor, then routes
// the normalized outcome.
func (p *Pool) execute(ctx context.Context, j *job.Job) {
	terminal := func(ctx context.Context) (*job.Result, error) {
		return p.executor.Execute(ctx, j)
	}

	start := time.Now()
	res, err := p.mw(ctx, j, terminal)
	elapsed := time.Since(start)

	r := normalize(res, err)
	p.processed.Add(1)

	entry := oplog.Entry{
		JobID:   j.ID,
		Step:    2,
		Op:      oplog.OpExecute,
		Input:   fmt.Sprintf("attempt=%d", j.RetryCount+1),
		Elapsed: elapsed,
		Tokens:  r.TokensUsed,
	}
	if !r.Success {
		entry.Status = oplog.StatusError
		entry.Output = r.Err
	}
	p.record(entry)

	if r.Success {
		p.succeeded.Add(1)
		p.finishSuccess(ctx, j, r, elapsed)
		return
	}

	p.failed.Add(1)
	p.finishFailure(ctx, j, r)
}

// finishSuccess completes the job, or parks it for review when the
// enqueuer asked for manual gating.
func (p *Pool) finishSuccess(ctx context.Context, j *job.Job, r *job.Result, elapsed time.Duration) {
	if j.ReviewRequired {
		if err := p.store.RequireReview(ctx, j.ID, r); err != nil {
			p.logger.Error("failed to park job for review",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
			return
		}
		p.logger.Info("job awaiting review",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", j.Type),
			slog.Duration("elapsed", elapsed),
			slog.Int64("tokens_used", r.TokensUsed),
		)
		return
	}

	if err := p.store.Complete(ctx, j.ID, r); err != nil {
		p.logger.Error("failed to complete job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	p.logger.Info("job completed",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", j.Type),
		slog.Duration("elapsed", elapsed),
		slog.Int64("tokens_used", r.TokensUsed),
	)
}

// finishFailure spends one unit of the retry budget: a retry is scheduled
// with backoff when budget remains, otherwise the job fails permanently.
func (p *Pool) finishFailure(ctx context.Context, j *job.Job, r *job.Result) {
	attempt := j.RetryCount + 1
	delay := p.retry.Delay(attempt)
	runAt := time.Now().UTC().Add(delay)

	retried, err := p.store.RetryOrFail(ctx, j.ID, runAt, r.Err)
	if err != nil {
		p.logger.Error("failed to record job failure",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	if retried {
		p.logger.Warn("job failed, retry scheduled",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", j.Type),
			slog.Int("attempt", attempt),
			slog.Int("max_retries", j.MaxRetries),
			slog.Duration("delay", delay),
			slog.String("error", r.Err),
		)
		return
	}

	p.logger.Error("job failed permanently",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", j.Type),
		slog.Int("attempt", attempt),
		slog.String("error", r.Err),
	)
}

func (p *Pool) record(e oplog.Entry) {
	if p.oplogger != nil {
		p.oplogger.Record(e)
	}
}
