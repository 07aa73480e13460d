package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emergent-company/pace"
	"github.com/emergent-company/pace/backoff"
	"github.com/emergent-company/pace/id"
	"github.com/emergent-company/pace/job"
	"github.com/emergent-company/pace/middleware"
	"github.com/emergent-company/pace/oplog"
	"github.com/emergent-company/pace/ratelimit"
	"github.com/emergent-company/pace/sched"
	"github.com/emergent-company/pace/scope"
	"github.com/emergent-company/pace/store"
	"github.com/emergent-company/pace/worker"
)

// Option configures an Engine.
type Option func(*Engine) error

// WithStore sets the persistence backend. Required.
func WithStore(s store.Store) Option {
	return func(e *Engine) error {
		e.store = s
		return nil
	}
}

// WithExecutor sets the executor invoked for each claimed job. Required to
// start the worker loop; an engine without one still serves enqueues and
// reads.
func WithExecutor(ex worker.Executor) Option {
	return func(e *Engine) error {
		e.executor = ex
		return nil
	}
}

// WithConfig replaces the default configuration.
func WithConfig(cfg pace.Config) Option {
	return func(e *Engine) error {
		e.cfg = cfg
		return nil
	}
}

// WithLogger sets the logger shared by all subsystems.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) error {
		if logger != nil {
			e.logger = logger
		}
		return nil
	}
}

// WithOpSinks registers additional op-log sinks beyond the built-in slog
// and store sinks.
func WithOpSinks(sinks ...oplog.Sink) Option {
	return func(e *Engine) error {
		e.sinks = append(e.sinks, sinks...)
		return nil
	}
}

// WithGate sets the per-scope admission gate consulted by the worker loop.
func WithGate(g worker.Gate) Option {
	return func(e *Engine) error {
		e.gate = g
		return nil
	}
}

// WithMiddleware appends execution middleware after the default stack.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(e *Engine) error {
		e.mws = append(e.mws, mws...)
		return nil
	}
}

// WithOpLogRetention overrides how long op-log entries are kept before the
// retention task purges them.
func WithOpLogRetention(d time.Duration) Option {
	return func(e *Engine) error {
		e.retention = d
		return nil
	}
}

// ──────────────────────────────────────────────────
// Engine
// ──────────────────────────────────────────────────

// Engine is the central coordinator. It owns the rate limiter, the op
// logger, the worker loop, and the maintenance scheduler, and exposes the
// queue operations hosts call.
//
// Create one with New and functional options, then Start it. All methods
// are safe for concurrent use.
type Engine struct {
	cfg    pace.Config
	logger *slog.Logger
	store  store.Store

	executor  worker.Executor
	gate      worker.Gate
	mws       []middleware.Middleware
	sinks     []oplog.Sink
	retention time.Duration

	limiter   *ratelimit.Limiter
	ops       *oplog.Logger
	pool      *worker.Pool
	scheduler *sched.Scheduler

	mu      sync.Mutex
	started bool
}

// New creates an Engine. The store option is required; everything else has
// a default. The worker loop is assembled here but does not run until
// Start.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:    pace.DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.store == nil {
		return nil, pace.ErrNoStore
	}

	e.limiter = ratelimit.New(
		e.cfg.RequestsPerMinute,
		e.cfg.TokensPerMinute,
		ratelimit.WithWindow(e.cfg.Window),
	)

	opOpts := []oplog.Option{
		oplog.WithSink(oplog.NewSlogSink(e.logger)),
		oplog.WithSink(oplog.NewStoreSink(e.store)),
	}
	for _, s := range e.sinks {
		opOpts = append(opOpts, oplog.WithSink(s))
	}
	e.ops = oplog.New(e.logger, opOpts...)

	// Default middleware stack: recover, tracing, metrics, logging, scope.
	// Host middleware runs innermost.
	all := []middleware.Middleware{
		middleware.Recover(e.logger),
		middleware.Tracing(),
		middleware.Metrics(),
		middleware.Logging(e.logger),
		middleware.Scope(),
	}
	all = append(all, e.mws...)

	poolOpts := []worker.PoolOption{
		worker.WithPollInterval(e.cfg.PollInterval),
		worker.WithBatchSize(e.cfg.BatchSize),
		worker.WithRetryStrategy(backoff.NewExponentialWithJitter(e.cfg.RetryBackoffBase, e.cfg.RetryBackoffCap)),
		worker.WithCalculator(backoff.NewCalculator(e.cfg.Window, backoff.WithCeiling(e.cfg.DeferCeiling))),
		worker.WithOpLogger(e.ops),
		worker.WithMiddleware(all...),
		worker.WithShutdownTimeout(e.cfg.ShutdownTimeout),
	}
	if e.gate != nil {
		poolOpts = append(poolOpts, worker.WithGate(e.gate))
	}
	e.pool = worker.NewPool(e.store, e.limiter, e.executor, e.logger, poolOpts...)

	e.scheduler = sched.NewScheduler(e.logger)
	sweep := sched.NewStaleSweepTask(e.store, e.ops, e.cfg.StaleThreshold, e.logger)
	if err := e.scheduler.AddIntervalTask("sweep.stale", e.cfg.SweepInterval, sweep.Run); err != nil {
		return nil, fmt.Errorf("pace/engine: register sweep task: %w", err)
	}
	prune := sched.NewOpLogRetentionTask(e.store, e.retention, e.logger)
	if err := e.scheduler.AddIntervalTask("oplog.retention", e.cfg.SweepInterval, prune.Run); err != nil {
		return nil, fmt.Errorf("pace/engine: register retention task: %w", err)
	}

	return e, nil
}

// Start pings the store, then launches the maintenance scheduler and the
// worker loop. When WorkerEnabled is false the loop is skipped and the
// engine serves enqueues and reads only. Starting a started engine is a
// no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return nil
	}
	if e.cfg.WorkerEnabled && e.executor == nil {
		return pace.ErrNoExecutor
	}

	if err := e.store.Ping(ctx); err != nil {
		return fmt.Errorf("pace/engine: ping store: %w", err)
	}
	if err := e.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("pace/engine: start scheduler: %w", err)
	}
	if e.cfg.WorkerEnabled {
		if err := e.pool.Start(ctx); err != nil {
			return fmt.Errorf("pace/engine: start worker: %w", err)
		}
	}

	e.started = true
	e.logger.Info("engine started",
		slog.Bool("worker_enabled", e.cfg.WorkerEnabled),
		slog.String("worker_id", e.pool.WorkerID().String()),
	)
	return nil
}

// Stop shuts everything down in reverse order: the worker loop first,
// bounded by the shutdown timeout, then the scheduler, the op logger, and
// the store. Errors are logged as they occur and the first one is
// returned. Stopping a stopped engine is a no-op.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	e.mu.Unlock()

	var firstErr error
	fail := func(stage string, err error) {
		e.logger.Error("engine stop error",
			slog.String("stage", stage),
			slog.String("error", err.Error()),
		)
		if firstErr == nil {
			firstErr = err
		}
	}

	if e.cfg.WorkerEnabled {
		if err := e.pool.Stop(ctx); err != nil {
			fail("worker", err)
		}
	}
	if err := e.scheduler.Stop(ctx); err != nil {
		fail("scheduler", err)
	}
	if err := e.ops.Close(ctx); err != nil {
		fail("oplog", err)
	}
	if err := e.store.Close(); err != nil {
		fail("store", err)
	}

	if firstErr == nil {
		e.logger.Info("engine stopped")
	}
	return firstErr
}

// ──────────────────────────────────────────────────
// Queue operations
// ──────────────────────────────────────────────────

// Enqueue persists a job in pending status. A missing ID, timestamps,
// status, or retry budget is filled in first, so hosts may pass a bare
// &job.Job{Type: ..., Payload: ...}.
func (e *Engine) Enqueue(ctx context.Context, j *job.Job) error {
	if j == nil {
		return fmt.Errorf("pace/engine: enqueue: nil job")
	}
	if j.Type == "" {
		return fmt.Errorf("pace/engine: enqueue: job type required")
	}
	if j.ID.IsNil() {
		j.ID = id.NewJobID()
	}
	if j.CreatedAt.IsZero() {
		j.Entity = pace.NewEntity()
	}
	if j.Status == "" {
		j.Status = job.StatusPending
	}
	if j.MaxRetries == 0 {
		j.MaxRetries = job.DefaultMaxRetries
	}
	if j.OrgID == "" && j.ScopeID == "" {
		j.OrgID, j.ScopeID = scope.Capture(ctx)
	}

	if err := e.store.Enqueue(ctx, j); err != nil {
		return err
	}

	e.logger.Debug("job enqueued",
		slog.String("job_id", j.ID.String()),
		slog.String("type", j.Type),
	)
	return nil
}

// Cancel cancels a pending job. Running and finished jobs yield
// pace.ErrInvalidTransition.
func (e *Engine) Cancel(ctx context.Context, jobID id.JobID) error {
	if err := e.store.Cancel(ctx, jobID); err != nil {
		return err
	}
	e.logger.Debug("job cancelled", slog.String("job_id", jobID.String()))
	return nil
}

// Get retrieves a job by ID.
func (e *Engine) Get(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return e.store.Get(ctx, jobID)
}

// List returns jobs matching the options, oldest first.
func (e *Engine) List(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	return e.store.List(ctx, opts)
}

// Stats returns per-status queue counts.
func (e *Engine) Stats(ctx context.Context) (job.Stats, error) {
	return e.store.Stats(ctx)
}

// OpLog returns the op-log entries recorded for a job, oldest first, up to
// limit. A zero limit means no limit.
func (e *Engine) OpLog(ctx context.Context, jobID id.JobID, limit int) ([]*oplog.Entry, error) {
	return e.store.ListByJob(ctx, jobID, limit)
}

// ──────────────────────────────────────────────────
// Introspection
// ──────────────────────────────────────────────────

// RateLimit returns a snapshot of the shared rate limiter.
func (e *Engine) RateLimit() ratelimit.Status {
	return e.limiter.Status()
}

// WorkerMetrics returns a snapshot of the worker loop counters.
func (e *Engine) WorkerMetrics() worker.Metrics {
	return e.pool.Metrics()
}

// WorkerID returns the identifier the worker loop stamps on its claims.
func (e *Engine) WorkerID() id.WorkerID {
	return e.pool.WorkerID()
}

// Health reports whether the store is reachable.
func (e *Engine) Health(ctx context.Context) error {
	if err := e.store.Ping(ctx); err != nil {
		return fmt.Errorf("pace/engine: health: %w", err)
	}
	return nil
}

// Store returns the engine's store.
func (e *Engine) Store() store.Store { return e.store }

// Scheduler returns the maintenance scheduler so hosts can register their
// own tasks before Start.
func (e *Engine) Scheduler() *sched.Scheduler { return e.scheduler }

// OpLogger returns the engine's op logger for host-recorded entries.
func (e *Engine) OpLogger() *oplog.Logger { return e.ops }

// Config returns a copy of the engine's configuration.
func (e *Engine) Config() pace.Config { return e.cfg }

// Logger returns the engine's logger.
func (e *Engine) Logger() *slog.Logger { return e.logger }
