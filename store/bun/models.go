package bunstore

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/emergent-company/pace"
	"github.com/emergent-company/pace/id"
	"github.com/emergent-company/pace/job"
	"github.com/emergent-company/pace/oplog"
)

// ── Job model ─────────────────────────────────────────────────────

type jobModel struct {
	bun.BaseModel `bun:"table:pace_jobs"`

	ID             string     `bun:"id,pk"`
	OrgID          string     `bun:"org_id,notnull,default:''"`
	ScopeID        string     `bun:"scope_id,notnull,default:''"`
	Type           string     `bun:"type,notnull"`
	Payload        []byte     `bun:"payload,type:bytea"`
	Status         string     `bun:"status,notnull,default:'pending'"`
	ScheduledAt    *time.Time `bun:"scheduled_at"`
	StartedAt      *time.Time `bun:"started_at"`
	FinishedAt     *time.Time `bun:"finished_at"`
	RetryCount     int        `bun:"retry_count,notnull,default:0"`
	MaxRetries     int        `bun:"max_retries,notnull,default:3"`
	CostEstimate   int64      `bun:"cost_estimate,notnull,default:0"`
	TokensUsed     int64      `bun:"tokens_used,notnull,default:0"`
	ReviewRequired bool       `bun:"review_required,notnull,default:false"`
	Output         []byte     `bun:"output,type:bytea"`
	LastError      string     `bun:"last_error,notnull,default:''"`
	ClaimedBy      string     `bun:"claimed_by,notnull,default:''"`
	CreatedAt      time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt      time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
}

func toJobModel(j *job.Job) *jobModel {
	return &jobModel{
		ID:             j.ID.String(),
		OrgID:          j.OrgID,
		ScopeID:        j.ScopeID,
		Type:           j.Type,
		Payload:        j.Payload,
		Status:         string(j.Status),
		ScheduledAt:    j.ScheduledAt,
		StartedAt:      j.StartedAt,
		FinishedAt:     j.FinishedAt,
		RetryCount:     j.RetryCount,
		MaxRetries:     j.MaxRetries,
		CostEstimate:   j.CostEstimate,
		TokensUsed:     j.TokensUsed,
		ReviewRequired: j.ReviewRequired,
		Output:         j.Output,
		LastError:      j.LastError,
		ClaimedBy:      j.ClaimedBy.String(),
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
	}
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	parsedID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("pace/bun: parse job id %q: %w", m.ID, err)
	}

	j := &job.Job{
		Entity: pace.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             parsedID,
		OrgID:          m.OrgID,
		ScopeID:        m.ScopeID,
		Type:           m.Type,
		Payload:        m.Payload,
		Status:         job.Status(m.Status),
		ScheduledAt:    m.ScheduledAt,
		StartedAt:      m.StartedAt,
		FinishedAt:     m.FinishedAt,
		RetryCount:     m.RetryCount,
		MaxRetries:     m.MaxRetries,
		CostEstimate:   m.CostEstimate,
		TokensUsed:     m.TokensUsed,
		ReviewRequired: m.ReviewRequired,
		Output:         m.Output,
		LastError:      m.LastError,
	}

	if m.ClaimedBy != "" {
		parsedWorker, wErr := id.ParseWorkerID(m.ClaimedBy)
		if wErr == nil {
			j.ClaimedBy = parsedWorker
		}
	}

	return j, nil
}

// ── Op-log entry model ────────────────────────────────────────────

type entryModel struct {
	bun.BaseModel `bun:"table:pace_op_log"`

	ID      string    `bun:"id,pk"`
	JobID   string    `bun:"job_id,notnull,default:''"`
	Step    int       `bun:"step,notnull,default:0"`
	Op      string    `bun:"op,notnull"`
	Status  string    `bun:"status,notnull,default:''"`
	Input   string    `bun:"input,notnull,default:''"`
	Output  string    `bun:"output,notnull,default:''"`
	Elapsed int64     `bun:"elapsed,notnull,default:0"`
	Tokens  int64     `bun:"tokens,notnull,default:0"`
	At      time.Time `bun:"at,notnull,default:current_timestamp"`
}

func toEntryModel(e *oplog.Entry) *entryModel {
	return &entryModel{
		ID:      e.ID.String(),
		JobID:   e.JobID.String(),
		Step:    e.Step,
		Op:      e.Op,
		Status:  string(e.Status),
		Input:   e.Input,
		Output:  e.Output,
		Elapsed: e.Elapsed.Nanoseconds(),
		Tokens:  e.Tokens,
		At:      e.At,
	}
}

func fromEntryModel(m *entryModel) (*oplog.Entry, error) {
	parsedID, err := id.ParseEntryID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("pace/bun: parse entry id %q: %w", m.ID, err)
	}

	e := &oplog.Entry{
		ID:      parsedID,
		Step:    m.Step,
		Op:      m.Op,
		Status:  oplog.Status(m.Status),
		Input:   m.Input,
		Output:  m.Output,
		Elapsed: time.Duration(m.Elapsed),
		Tokens:  m.Tokens,
		At:      m.At,
	}

	if m.JobID != "" {
		parsedJob, jErr := id.ParseJobID(m.JobID)
		if jErr == nil {
			e.JobID = parsedJob
		}
	}

	return e, nil
}
