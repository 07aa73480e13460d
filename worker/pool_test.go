package worker_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emergent-company/pace/backoff"
	"github.com/emergent-company/pace/job"
	"github.com/emergent-company/pace/middleware"
	"github.com/emergent-company/pace/oplog"
	"github.com/emergent-company/pace/ratelimit"
	"github.com/emergent-company/pace/store/memory"
	"github.com/emergent-company/pace/worker"
)

func setupTestPool(t *testing.T, pollInterval time.Duration, exec worker.ExecutorFunc, opts ...worker.PoolOption) (
	*worker.Pool, *memory.Store,
) {
	t.Helper()
	logger := slog.Default()
	s := memory.New()
	limiter := ratelimit.New(1000, 1_000_000)

	base := []worker.PoolOption{
		worker.WithPollInterval(pollInterval),
		worker.WithRetryStrategy(backoff.NewConstant(10 * time.Millisecond)),
	}
	pool := worker.NewPool(s, limiter, exec, logger, append(base, opts...)...)

	return pool, s
}

func noopExec(_ context.Context, _ *job.Job) (*job.Result, error) {
	return &job.Result{Success: true}, nil
}

func TestPool_StartStop(t *testing.T) {
	pool, _ := setupTestPool(t, 50*time.Millisecond, noopExec)

	err := pool.Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	// Double start should be no-op.
	err = pool.Start(context.Background())
	if err != nil {
		t.Fatalf("unexpected double-start error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = pool.Stop(ctx)
	if err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}

	// Double stop should be no-op.
	err = pool.Stop(ctx)
	if err != nil {
		t.Fatalf("unexpected double-stop error: %v", err)
	}
}

func TestPool_Restart(t *testing.T) {
	pool, _ := setupTestPool(t, 50*time.Millisecond, noopExec)

	for range 2 {
		if err := pool.Start(context.Background()); err != nil {
			t.Fatalf("start error: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := pool.Stop(ctx); err != nil {
			t.Fatalf("stop error: %v", err)
		}
		cancel()
	}
}

func TestPool_ProcessesJob(t *testing.T) {
	var processed atomic.Bool
	pool, s := setupTestPool(t, 10*time.Millisecond, func(_ context.Context, j *job.Job) (*job.Result, error) {
		if string(j.Payload) != `{"doc":"readme"}` {
			t.Errorf("payload = %s, want %s", j.Payload, `{"doc":"readme"}`)
		}
		processed.Store(true)
		return &job.Result{Success: true, Output: []byte(`{"summary":"short"}`), TokensUsed: 42}, nil
	})

	j := job.New("summarize", []byte(`{"doc":"readme"}`))
	if err := s.Enqueue(context.Background(), j); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for !processed.Load() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for job to be processed")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	got, err := s.Get(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get job error: %v", err)
	}
	if got.Status != job.StatusCompleted {
		t.Errorf("job status = %q, want %q", got.Status, job.StatusCompleted)
	}
	if got.FinishedAt == nil {
		t.Error("expected FinishedAt to be set")
	}
	if string(got.Output) != `{"summary":"short"}` {
		t.Errorf("output = %s, want %s", got.Output, `{"summary":"short"}`)
	}
	if got.TokensUsed != 42 {
		t.Errorf("tokens used = %d, want 42", got.TokensUsed)
	}

	m := pool.Metrics()
	if m.Processed != 1 || m.Succeeded != 1 || m.Failed != 0 || m.Deferred != 0 {
		t.Errorf("metrics = %+v, want processed=1 succeeded=1", m)
	}
}

func TestPool_RetriesFailedJob(t *testing.T) {
	var attempts atomic.Int64
	pool, s := setupTestPool(t, 10*time.Millisecond, func(_ context.Context, _ *job.Job) (*job.Result, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("model overloaded")
		}
		return &job.Result{Success: true}, nil
	})

	j := job.New("summarize", nil, job.WithMaxRetries(1))
	if err := s.Enqueue(context.Background(), j); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for attempts.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for retry, attempts = %d", attempts.Load())
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	got, err := s.Get(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get job error: %v", err)
	}
	if got.Status != job.StatusCompleted {
		t.Errorf("job status = %q, want %q", got.Status, job.StatusCompleted)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", got.RetryCount)
	}
}

func TestPool_FailsJobPermanently(t *testing.T) {
	var processed atomic.Bool
	pool, s := setupTestPool(t, 10*time.Millisecond, func(_ context.Context, _ *job.Job) (*job.Result, error) {
		processed.Store(true)
		return nil, errors.New("llm unavailable")
	})

	j := job.New("summarize", nil, job.WithMaxRetries(0))
	if err := s.Enqueue(context.Background(), j); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for !processed.Load() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for job to be processed")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	got, err := s.Get(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get job error: %v", err)
	}
	if got.Status != job.StatusFailed {
		t.Errorf("job status = %q, want %q", got.Status, job.StatusFailed)
	}
	if got.LastError != "llm unavailable" {
		t.Errorf("last error = %q, want %q", got.LastError, "llm unavailable")
	}
	if got.FinishedAt == nil {
		t.Error("expected FinishedAt to be set")
	}

	if m := pool.Metrics(); m.Failed != 1 {
		t.Errorf("failed count = %d, want 1", m.Failed)
	}
}

func TestPool_ParksJobForReview(t *testing.T) {
	var processed atomic.Bool
	pool, s := setupTestPool(t, 10*time.Millisecond, func(_ context.Context, _ *job.Job) (*job.Result, error) {
		processed.Store(true)
		return &job.Result{Success: true, Output: []byte(`{"draft":true}`)}, nil
	})

	j := job.New("summarize", nil, job.WithReview())
	if err := s.Enqueue(context.Background(), j); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for !processed.Load() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for job to be processed")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	got, err := s.Get(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get job error: %v", err)
	}
	if got.Status != job.StatusRequiresReview {
		t.Errorf("job status = %q, want %q", got.Status, job.StatusRequiresReview)
	}
	if got.FinishedAt == nil {
		t.Error("expected FinishedAt to be set")
	}
}

func TestPool_DefersOnRateLimit(t *testing.T) {
	logger := slog.Default()
	s := memory.New()

	// Zero capacity: every consume attempt is denied.
	limiter := ratelimit.New(0, 0)

	pool := worker.NewPool(s, limiter, worker.ExecutorFunc(func(_ context.Context, _ *job.Job) (*job.Result, error) {
		t.Error("executor must not run when the limiter denies")
		return nil, nil
	}), logger,
		worker.WithPollInterval(10*time.Millisecond),
	)

	j := job.New("summarize", nil, job.WithCostEstimate(500))
	if err := s.Enqueue(context.Background(), j); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}

	// The deferral shows up as a future scheduled_at on a pending job.
	deadline := time.After(5 * time.Second)
	for {
		got, err := s.Get(context.Background(), j.ID)
		if err != nil {
			t.Fatalf("get job error: %v", err)
		}
		if got.Status == job.StatusPending && got.ScheduledAt != nil {
			if !got.ScheduledAt.After(time.Now().UTC()) {
				t.Errorf("scheduled_at = %v, want a future time", got.ScheduledAt)
			}
			if got.RetryCount != 0 {
				t.Errorf("retry count = %d, want 0 after deferral", got.RetryCount)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for deferral")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	m := pool.Metrics()
	if m.Deferred == 0 {
		t.Error("expected deferred count > 0")
	}
	if m.Processed != 0 {
		t.Errorf("processed = %d, want 0", m.Processed)
	}
}

func TestPool_PartialCapacityDefersRemainder(t *testing.T) {
	logger := slog.Default()
	s := memory.New()

	// Capacity for two requests; the third job in the batch has to wait
	// for the next window.
	limiter := ratelimit.New(2, 1000)

	var executed atomic.Int64
	pool := worker.NewPool(s, limiter, worker.ExecutorFunc(func(_ context.Context, _ *job.Job) (*job.Result, error) {
		executed.Add(1)
		return &job.Result{Success: true}, nil
	}), logger,
		worker.WithPollInterval(10*time.Millisecond),
		worker.WithBatchSize(10),
	)

	var jobs []*job.Job
	for range 3 {
		j := job.New("summarize", nil, job.WithCostEstimate(100))
		if err := s.Enqueue(context.Background(), j); err != nil {
			t.Fatalf("enqueue error: %v", err)
		}
		jobs = append(jobs, j)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		var completed, deferred int
		for _, j := range jobs {
			got, err := s.Get(context.Background(), j.ID)
			if err != nil {
				t.Fatalf("get job error: %v", err)
			}
			switch {
			case got.Status == job.StatusCompleted:
				completed++
			case got.Status == job.StatusPending && got.ScheduledAt != nil && got.ScheduledAt.After(time.Now().UTC()):
				deferred++
				if got.RetryCount != 0 {
					t.Errorf("deferred job retry count = %d, want 0", got.RetryCount)
				}
			}
		}
		if completed == 2 && deferred == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out: completed=%d deferred=%d, want completed=2 deferred=1", completed, deferred)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	if n := executed.Load(); n != 2 {
		t.Errorf("executor ran %d times, want 2", n)
	}
	m := pool.Metrics()
	if m.Processed != 2 || m.Succeeded != 2 || m.Deferred != 1 {
		t.Errorf("metrics = %+v, want processed=2 succeeded=2 deferred=1", m)
	}
}

func TestPool_DefersOnScopeGate(t *testing.T) {
	gate := &closedGate{}

	pool, s := setupTestPool(t, 10*time.Millisecond, func(_ context.Context, _ *job.Job) (*job.Result, error) {
		t.Error("executor must not run when the gate denies")
		return nil, nil
	}, worker.WithGate(gate))

	j := job.New("summarize", nil, job.WithScope("tenant-7"))
	if err := s.Enqueue(context.Background(), j); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for gate.acquires.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for gate check")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	if scope := gate.lastScope.Load(); scope == nil || *scope != "tenant-7" {
		t.Errorf("gate saw scope %v, want %q", scope, "tenant-7")
	}
	if gate.releases.Load() != 0 {
		t.Error("a denied acquire must not be released")
	}

	got, err := s.Get(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get job error: %v", err)
	}
	if got.Status != job.StatusPending {
		t.Errorf("job status = %q, want %q", got.Status, job.StatusPending)
	}
	if pool.Metrics().Deferred == 0 {
		t.Error("expected deferred count > 0")
	}
}

func TestPool_RecordsOpLog(t *testing.T) {
	rec := &recordingOpLog{}

	var processed atomic.Bool
	pool, s := setupTestPool(t, 10*time.Millisecond, func(_ context.Context, _ *job.Job) (*job.Result, error) {
		processed.Store(true)
		return &job.Result{Success: true, TokensUsed: 7}, nil
	}, worker.WithOpLogger(rec))

	j := job.New("summarize", nil)
	if err := s.Enqueue(context.Background(), j); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for !processed.Load() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for job to be processed")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	entries := rec.snapshot()
	wantOps := []string{oplog.OpBatchStart, oplog.OpRateLimitCheck, oplog.OpExecute, oplog.OpBatchEnd}
	if len(entries) != len(wantOps) {
		t.Fatalf("got %d entries, want %d: %+v", len(entries), len(wantOps), entries)
	}
	for i, want := range wantOps {
		if entries[i].Op != want {
			t.Errorf("entries[%d].Op = %q, want %q", i, entries[i].Op, want)
		}
	}

	check := entries[1]
	if check.JobID.String() != j.ID.String() {
		t.Errorf("ratelimit entry job = %q, want %q", check.JobID, j.ID)
	}
	if check.Step != 1 {
		t.Errorf("ratelimit entry step = %d, want 1", check.Step)
	}
	if check.Output != "granted" {
		t.Errorf("ratelimit entry output = %q, want %q", check.Output, "granted")
	}

	exec := entries[2]
	if exec.Step != 2 {
		t.Errorf("execute entry step = %d, want 2", exec.Step)
	}
	if exec.Tokens != 7 {
		t.Errorf("execute entry tokens = %d, want 7", exec.Tokens)
	}
	if exec.Status == oplog.StatusError {
		t.Error("execute entry marked as error for a successful run")
	}

	// Batch entries are not tied to a job.
	if !entries[0].JobID.IsNil() || !entries[3].JobID.IsNil() {
		t.Error("batch entries must not carry a job ID")
	}
}

func TestPool_AppliesMiddleware(t *testing.T) {
	var wrapped atomic.Bool
	tag := func(ctx context.Context, j *job.Job, next middleware.Handler) (*job.Result, error) {
		if j.Type != "summarize" {
			t.Errorf("middleware saw job type %q, want %q", j.Type, "summarize")
		}
		wrapped.Store(true)
		return next(ctx)
	}

	var processed atomic.Bool
	pool, s := setupTestPool(t, 10*time.Millisecond, func(_ context.Context, _ *job.Job) (*job.Result, error) {
		processed.Store(true)
		return &job.Result{Success: true}, nil
	}, worker.WithMiddleware(tag))

	j := job.New("summarize", nil)
	if err := s.Enqueue(context.Background(), j); err != nil {
		t.Fatalf("enqueue error: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for !processed.Load() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for job to be processed")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("stop error: %v", err)
	}

	if !wrapped.Load() {
		t.Error("expected middleware to run around the executor")
	}
}

func TestPool_GracefulShutdown(t *testing.T) {
	pool, _ := setupTestPool(t, 50*time.Millisecond, noopExec)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}

	// Allow the loop to start polling.
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("graceful shutdown failed: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// closedGate denies every acquire and records what it saw.
type closedGate struct {
	acquires  atomic.Int64
	releases  atomic.Int64
	lastScope atomic.Pointer[string]
}

func (g *closedGate) Acquire(scope string) bool {
	g.acquires.Add(1)
	g.lastScope.Store(&scope)
	return false
}

func (g *closedGate) Release(_ string) {
	g.releases.Add(1)
}

// recordingOpLog captures entries in order.
type recordingOpLog struct {
	mu      sync.Mutex
	entries []oplog.Entry
}

func (r *recordingOpLog) Record(e oplog.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recordingOpLog) snapshot() []oplog.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]oplog.Entry(nil), r.entries...)
}
