package oplog

import (
	"context"
	"time"

	"github.com/emergent-company/pace/id"
)

// Store defines the persistence contract for op-log entries.
type Store interface {
	// Append persists a new entry.
	Append(ctx context.Context, e *Entry) error

	// ListByJob returns entries for a job, oldest first, up to limit.
	// Zero limit means no limit.
	ListByJob(ctx context.Context, jobID id.JobID, limit int) ([]*Entry, error)

	// Purge deletes entries recorded before the cutoff and returns how
	// many were removed. Jobs are never deleted; op-log entries age out.
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}
