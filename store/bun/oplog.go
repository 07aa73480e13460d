package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/emergent-company/pace/id"
	"github.com/emergent-company/pace/oplog"
)

// Append persists a new op-log entry.
func (s *Store) Append(ctx context.Context, e *oplog.Entry) error {
	m := toEntryModel(e)
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	if err != nil {
		return fmt.Errorf("pace/bun: append entry: %w", err)
	}
	return nil
}

// ListByJob returns entries for a job, oldest first, up to limit.
func (s *Store) ListByJob(ctx context.Context, jobID id.JobID, limit int) ([]*oplog.Entry, error) {
	var models []entryModel
	q := s.db.NewSelect().Model(&models).
		Where("job_id = ?", jobID.String()).
		Order("at ASC", "id ASC")

	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("pace/bun: list entries: %w", err)
	}

	entries := make([]*oplog.Entry, 0, len(models))
	for i := range models {
		e, convErr := fromEntryModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("pace/bun: list entries convert: %w", convErr)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Purge deletes entries recorded before the cutoff.
func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.NewDelete().
		TableExpr("pace_op_log").
		Where("at < ?", olderThan.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("pace/bun: purge entries: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows, nil
}
