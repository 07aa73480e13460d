package sched_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/emergent-company/pace/id"
	"github.com/emergent-company/pace/job"
	"github.com/emergent-company/pace/oplog"
	"github.com/emergent-company/pace/sched"
	"github.com/emergent-company/pace/store/memory"
)

// recordingOps captures op-log entries from maintenance tasks.
type recordingOps struct {
	mu      sync.Mutex
	entries []oplog.Entry
}

func (r *recordingOps) Record(e oplog.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recordingOps) snapshot() []oplog.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]oplog.Entry(nil), r.entries...)
}

func TestStaleSweepTask_RecoversStaleJobs(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	ops := &recordingOps{}

	j := job.New("summarize", nil)
	if err := s.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.Dequeue(ctx, id.NewWorkerID(), 1); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	// Let the claim age past a short threshold.
	time.Sleep(120 * time.Millisecond)

	task := sched.NewStaleSweepTask(s, ops, 50*time.Millisecond, nil)
	if err := task.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := s.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != job.StatusPending {
		t.Errorf("job status = %q, want %q", got.Status, job.StatusPending)
	}

	entries := ops.snapshot()
	if len(entries) != 1 {
		t.Fatalf("got %d op entries, want 1", len(entries))
	}
	if entries[0].Op != oplog.OpStaleSweep {
		t.Errorf("entry op = %q, want %q", entries[0].Op, oplog.OpStaleSweep)
	}
	if entries[0].Output != "recovered=1" {
		t.Errorf("entry output = %q, want %q", entries[0].Output, "recovered=1")
	}
}

func TestStaleSweepTask_QuietWhenNothingStale(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	ops := &recordingOps{}

	j := job.New("summarize", nil)
	if err := s.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.Dequeue(ctx, id.NewWorkerID(), 1); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	// Fresh claim, generous threshold: nothing to recover.
	task := sched.NewStaleSweepTask(s, ops, time.Hour, nil)
	if err := task.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := s.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != job.StatusRunning {
		t.Errorf("job status = %q, want %q", got.Status, job.StatusRunning)
	}
	if entries := ops.snapshot(); len(entries) != 0 {
		t.Errorf("got %d op entries, want 0", len(entries))
	}
}

func TestOpLogRetentionTask_PurgesOldEntries(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	jobID := id.NewJobID()
	old := &oplog.Entry{
		ID:    id.NewEntryID(),
		JobID: jobID,
		Op:    oplog.OpExecute,
		At:    time.Now().UTC().Add(-8 * 24 * time.Hour),
	}
	recent := &oplog.Entry{
		ID:    id.NewEntryID(),
		JobID: jobID,
		Op:    oplog.OpExecute,
		At:    time.Now().UTC(),
	}
	for _, e := range []*oplog.Entry{old, recent} {
		if err := s.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	// Zero retention falls back to the 7-day default.
	task := sched.NewOpLogRetentionTask(s, 0, nil)
	if err := task.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	entries, err := s.ListByJob(ctx, jobID, 0)
	if err != nil {
		t.Fatalf("ListByJob: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].ID.String() != recent.ID.String() {
		t.Error("retention purged the wrong entry")
	}
}
