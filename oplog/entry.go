package oplog

import (
	"time"

	"github.com/emergent-company/pace/id"
)

// Status classifies an entry as a success or an error observation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Operation names recorded by the worker loop. Entries are not limited to
// this set; maintenance tasks and hosts may record their own.
const (
	OpBatchStart     = "batch.start"
	OpBatchEnd       = "batch.end"
	OpRateLimitCheck = "ratelimit.check"
	OpExecute        = "execute"
	OpStaleSweep     = "sweep.stale"
)

// Entry is a single op-log record. Written once, never mutated.
//
// JobID is nil for batch-level entries. Step orders entries within one
// processing pass of a job; batch entries carry step zero.
type Entry struct {
	ID      id.EntryID    `json:"id"`
	JobID   id.JobID      `json:"job_id,omitempty"`
	Step    int           `json:"step,omitempty"`
	Op      string        `json:"op"`
	Status  Status        `json:"status"`
	Input   string        `json:"input,omitempty"`
	Output  string        `json:"output,omitempty"`
	Elapsed time.Duration `json:"elapsed,omitempty"`
	Tokens  int64         `json:"tokens,omitempty"`
	At      time.Time     `json:"at"`
}
