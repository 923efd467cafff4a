package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/televibe/televibe/internal/common/errors"
)

type approvalRow struct {
	ID          string     `db:"id"`
	JobID       string     `db:"job_id"`
	SessionID   string     `db:"session_id"`
	ProjectID   string     `db:"project_id"`
	Type        string     `db:"type"`
	Description string     `db:"description"`
	Details     string     `db:"details"`
	State       string     `db:"state"`
	ResolvedBy  string     `db:"resolved_by"`
	ResolvedAt  *time.Time `db:"resolved_at"`
	ChatID      int64      `db:"chat_id"`
	MessageID   int        `db:"message_id"`
	CreatedAt   time.Time  `db:"created_at"`
}

func (r *approvalRow) toModel() *Approval {
	return &Approval{
		ID:          r.ID,
		JobID:       r.JobID,
		SessionID:   r.SessionID,
		ProjectID:   r.ProjectID,
		Type:        ApprovalType(r.Type),
		Description: r.Description,
		Details:     unmarshalDetails(r.Details),
		State:       ApprovalState(r.State),
		ResolvedBy:  r.ResolvedBy,
		ResolvedAt:  r.ResolvedAt,
		ChatID:      r.ChatID,
		MessageID:   r.MessageID,
		CreatedAt:   r.CreatedAt,
	}
}

// CreateApproval inserts a pending approval.
func (s *Store) CreateApproval(ctx context.Context, a *Approval) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.State == "" {
		a.State = ApprovalPending
	}
	a.CreatedAt = time.Now().UTC()

	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO approvals (id, job_id, session_id, project_id, type, description,
			details, state, resolved_by, resolved_at, chat_id, message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.JobID, a.SessionID, a.ProjectID, string(a.Type), a.Description,
		marshalDetails(a.Details), string(a.State), a.ResolvedBy,
		isoTimePtr(a.ResolvedAt), a.ChatID, a.MessageID, isoTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

// GetApproval returns an approval by id.
func (s *Store) GetApproval(ctx context.Context, id string) (*Approval, error) {
	var row approvalRow
	err := s.pool.Reader().GetContext(ctx, &row, `SELECT * FROM approvals WHERE id = ?`, id)
	if isNoRows(err) {
		return nil, apperrors.NotFound("approval", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return row.toModel(), nil
}

// GetPendingApprovalByJob returns the pending approval for a job, if any.
func (s *Store) GetPendingApprovalByJob(ctx context.Context, jobID string) (*Approval, error) {
	var row approvalRow
	err := s.pool.Reader().GetContext(ctx, &row,
		`SELECT * FROM approvals WHERE job_id = ? AND state = ? ORDER BY created_at DESC LIMIT 1`,
		jobID, string(ApprovalPending))
	if isNoRows(err) {
		return nil, apperrors.NotFound("pending approval for job", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get pending approval: %w", err)
	}
	return row.toModel(), nil
}

// ListPendingApprovals returns pending approvals, oldest first. sessionID
// narrows to one session when non-empty.
func (s *Store) ListPendingApprovals(ctx context.Context, sessionID string) ([]*Approval, error) {
	query := `SELECT * FROM approvals WHERE state = ?`
	args := []any{string(ApprovalPending)}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at ASC`

	var rows []approvalRow
	if err := s.pool.Reader().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select approvals: %w", err)
	}
	out := make([]*Approval, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// SetApprovalMessage stores the chat locator of the approval prompt so it
// can be edited in place on resolution.
func (s *Store) SetApprovalMessage(ctx context.Context, id string, chatID int64, messageID int) error {
	res, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE approvals SET chat_id = ?, message_id = ? WHERE id = ?`, chatID, messageID, id)
	if err != nil {
		return fmt.Errorf("set approval message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("approval", id)
	}
	return nil
}

// ResolveApproval moves a pending approval to approved or denied. Resolving
// a non-pending approval is a conflict; resolution is final.
func (s *Store) ResolveApproval(ctx context.Context, id string, state ApprovalState, resolvedBy string) (*Approval, error) {
	if state != ApprovalApproved && state != ApprovalDenied {
		return nil, apperrors.Validation("state", fmt.Sprintf("cannot resolve to %q", state))
	}
	now := time.Now().UTC()
	res, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE approvals SET state = ?, resolved_by = ?, resolved_at = ?
		WHERE id = ? AND state = ?`,
		string(state), resolvedBy, isoTime(now), id, string(ApprovalPending))
	if err != nil {
		return nil, fmt.Errorf("resolve approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		cur, getErr := s.GetApproval(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, apperrors.Conflict(fmt.Sprintf("approval %s already %s", id, cur.State))
	}
	return s.GetApproval(ctx, id)
}
