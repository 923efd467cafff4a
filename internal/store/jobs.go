package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/televibe/televibe/internal/common/errors"
)

type jobRow struct {
	ID            string     `db:"id"`
	SessionID     string     `db:"session_id"`
	ProjectID     string     `db:"project_id"`
	RawInput      string     `db:"raw_input"`
	Instruction   string     `db:"instruction"`
	Status        string     `db:"status"`
	ApprovalScope string     `db:"approval_scope"`
	ApprovalState string     `db:"approval_state"`
	LogPath       string     `db:"log_path"`
	ResultSummary string     `db:"result_summary"`
	FilesChanged  string     `db:"files_changed"`
	Error         string     `db:"error_message"`
	CreatedAt     time.Time  `db:"created_at"`
	StartedAt     *time.Time `db:"started_at"`
	FinishedAt    *time.Time `db:"finished_at"`
}

func (r *jobRow) toModel() *Job {
	return &Job{
		ID:            r.ID,
		SessionID:     r.SessionID,
		ProjectID:     r.ProjectID,
		RawInput:      r.RawInput,
		Instruction:   r.Instruction,
		Status:        JobStatus(r.Status),
		ApprovalScope: r.ApprovalScope,
		ApprovalState: r.ApprovalState,
		LogPath:       r.LogPath,
		ResultSummary: r.ResultSummary,
		FilesChanged:  unmarshalStrings(r.FilesChanged),
		Error:         r.Error,
		CreatedAt:     r.CreatedAt,
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
	}
}

// CreateJob inserts a job. The id is assigned here when empty.
func (s *Store) CreateJob(ctx context.Context, j *Job) error {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.Status == "" {
		j.Status = JobQueued
	}
	j.CreatedAt = time.Now().UTC()

	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO jobs (id, session_id, project_id, raw_input, instruction, status,
			approval_scope, approval_state, log_path, result_summary, files_changed,
			error_message, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.SessionID, j.ProjectID, j.RawInput, j.Instruction, string(j.Status),
		j.ApprovalScope, j.ApprovalState, j.LogPath, j.ResultSummary,
		marshalStrings(j.FilesChanged), j.Error,
		isoTime(j.CreatedAt), isoTimePtr(j.StartedAt), isoTimePtr(j.FinishedAt))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob returns a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	var row jobRow
	err := s.pool.Reader().GetContext(ctx, &row, `SELECT * FROM jobs WHERE id = ?`, id)
	if isNoRows(err) {
		return nil, apperrors.NotFound("job", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return row.toModel(), nil
}

// UpdateJob rewrites the mutable fields of a job record.
func (s *Store) UpdateJob(ctx context.Context, j *Job) error {
	res, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE jobs SET status = ?, approval_scope = ?, approval_state = ?, log_path = ?,
			result_summary = ?, files_changed = ?, error_message = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		string(j.Status), j.ApprovalScope, j.ApprovalState, j.LogPath,
		j.ResultSummary, marshalStrings(j.FilesChanged), j.Error,
		isoTimePtr(j.StartedAt), isoTimePtr(j.FinishedAt), j.ID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("job", j.ID)
	}
	return nil
}

// ListJobsBySession returns a session's jobs, newest first. limit <= 0 means
// no limit.
func (s *Store) ListJobsBySession(ctx context.Context, sessionID string, limit int) ([]*Job, error) {
	query := `SELECT * FROM jobs WHERE session_id = ? ORDER BY created_at DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.selectJobs(ctx, query, args...)
}

// ListRunningJobs returns jobs in the running status.
func (s *Store) ListRunningJobs(ctx context.Context) ([]*Job, error) {
	return s.selectJobs(ctx,
		`SELECT * FROM jobs WHERE status = ? ORDER BY created_at`, string(JobRunning))
}

// ListJobsWaitingApproval returns jobs paused on a pending approval.
func (s *Store) ListJobsWaitingApproval(ctx context.Context) ([]*Job, error) {
	return s.selectJobs(ctx,
		`SELECT * FROM jobs WHERE status = ? ORDER BY created_at`, string(JobWaitingApproval))
}

func (s *Store) selectJobs(ctx context.Context, query string, args ...any) ([]*Job, error) {
	var rows []jobRow
	if err := s.pool.Reader().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select jobs: %w", err)
	}
	out := make([]*Job, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// DeleteJob removes a job record. Used to roll back a submit that lost the
// busy-session race.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	res, err := s.pool.Writer().ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("job", id)
	}
	return nil
}
