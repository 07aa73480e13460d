package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/emergent-company/pace/id"
	"github.com/emergent-company/pace/oplog"
)

const entryColumns = `id, job_id, step, op, status, input, output, elapsed, tokens, at`

// Append persists a new op-log entry.
func (s *Store) Append(ctx context.Context, e *oplog.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pace_op_log (
			id, job_id, step, op, status, input, output, elapsed, tokens, at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)`,
		e.ID.String(), e.JobID.String(), e.Step, e.Op, string(e.Status),
		e.Input, e.Output, e.Elapsed.Nanoseconds(), e.Tokens, e.At,
	)
	if err != nil {
		return fmt.Errorf("pace/postgres: append entry: %w", err)
	}
	return nil
}

// ListByJob returns entries for a job, oldest first, up to limit.
func (s *Store) ListByJob(ctx context.Context, jobID id.JobID, limit int) ([]*oplog.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM pace_op_log WHERE job_id = $1 ORDER BY at ASC, id ASC`
	args := []interface{}{jobID.String()}

	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pace/postgres: list entries: %w", err)
	}
	defer rows.Close()

	var entries []*oplog.Entry
	for rows.Next() {
		e, scanErr := scanEntry(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("pace/postgres: scan entry row: %w", scanErr)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pace/postgres: iterate entry rows: %w", err)
	}
	return entries, nil
}

// Purge deletes entries recorded before the cutoff.
func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM pace_op_log WHERE at < $1`,
		olderThan.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("pace/postgres: purge entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanEntry scans a single op-log row.
func scanEntry(row pgx.Row) (*oplog.Entry, error) {
	var (
		e         oplog.Entry
		idStr     string
		jobStr    string
		statusStr string
		elapsedNs int64
	)
	err := row.Scan(
		&idStr, &jobStr, &e.Step, &e.Op, &statusStr,
		&e.Input, &e.Output, &elapsedNs, &e.Tokens, &e.At,
	)
	if err != nil {
		return nil, err
	}

	e.Status = oplog.Status(statusStr)
	e.Elapsed = time.Duration(elapsedNs)

	parsedID, parseErr := id.ParseEntryID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("pace/postgres: parse entry id %q: %w", idStr, parseErr)
	}
	e.ID = parsedID

	if jobStr != "" {
		parsedJob, jobErr := id.ParseJobID(jobStr)
		if jobErr == nil {
			e.JobID = parsedJob
		}
	}

	return &e, nil
}
