package sched

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emergent-company/pace/job"
	"github.com/emergent-company/pace/oplog"
)

// DefaultRetention is how long op-log entries are kept when no option
// overrides it.
const DefaultRetention = 7 * 24 * time.Hour

// Recorder receives op-log entries from maintenance tasks.
// *oplog.Logger satisfies it.
type Recorder interface {
	Record(e oplog.Entry)
}

// ──────────────────────────────────────────────────
// Stale sweep
// ──────────────────────────────────────────────────

// StaleSweepTask returns running jobs with an expired claim to pending.
// A crashed or partitioned worker leaves its claims behind; the sweep
// bounds how long they stay invisible to other workers.
type StaleSweepTask struct {
	store     job.Store
	ops       Recorder
	threshold time.Duration
	logger    *slog.Logger
}

// NewStaleSweepTask creates the sweep. The recorder may be nil.
func NewStaleSweepTask(store job.Store, ops Recorder, threshold time.Duration, logger *slog.Logger) *StaleSweepTask {
	if logger == nil {
		logger = slog.Default()
	}
	return &StaleSweepTask{
		store:     store,
		ops:       ops,
		threshold: threshold,
		logger:    logger,
	}
}

// Run reclaims stale jobs and records the sweep when anything was
// recovered.
func (t *StaleSweepTask) Run(ctx context.Context) error {
	n, err := t.store.RecoverStale(ctx, t.threshold)
	if err != nil {
		return fmt.Errorf("pace/sched: recover stale: %w", err)
	}
	if n == 0 {
		return nil
	}

	if t.ops != nil {
		t.ops.Record(oplog.Entry{
			Op:     oplog.OpStaleSweep,
			Input:  fmt.Sprintf("threshold=%s", t.threshold),
			Output: fmt.Sprintf("recovered=%d", n),
		})
	}

	t.logger.Info("stale jobs recovered",
		slog.Int64("count", n),
		slog.Duration("threshold", t.threshold),
	)
	return nil
}

// ──────────────────────────────────────────────────
// Op-log retention
// ──────────────────────────────────────────────────

// OpLogRetentionTask ages out op-log entries. Jobs are never deleted;
// only their operational history expires.
type OpLogRetentionTask struct {
	store     oplog.Store
	retention time.Duration
	logger    *slog.Logger
}

// NewOpLogRetentionTask creates the retention task. A non-positive
// retention falls back to DefaultRetention.
func NewOpLogRetentionTask(store oplog.Store, retention time.Duration, logger *slog.Logger) *OpLogRetentionTask {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpLogRetentionTask{
		store:     store,
		retention: retention,
		logger:    logger,
	}
}

// Run purges entries older than the retention period.
func (t *OpLogRetentionTask) Run(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-t.retention)

	n, err := t.store.Purge(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pace/sched: purge op log: %w", err)
	}
	if n > 0 {
		t.logger.Info("op log entries purged",
			slog.Int64("count", n),
			slog.Time("cutoff", cutoff),
		)
	}
	return nil
}
