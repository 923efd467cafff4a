package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	apperrors "github.com/televibe/televibe/internal/common/errors"
)

type sessionRow struct {
	ID             string         `db:"id"`
	ProjectID      string         `db:"project_id"`
	WorkspacePath  string         `db:"workspace_path"`
	Branch         string         `db:"branch"`
	State          string         `db:"state"`
	Mode           string         `db:"mode"`
	CurrentJobID   sql.NullString `db:"current_job_id"`
	LastActivityAt time.Time      `db:"last_activity_at"`
	LastSummary    string         `db:"last_summary"`
	TaskIDs        string         `db:"task_ids"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r *sessionRow) toModel() *Session {
	sess := &Session{
		ID:             r.ID,
		ProjectID:      r.ProjectID,
		WorkspacePath:  r.WorkspacePath,
		Branch:         r.Branch,
		State:          SessionState(r.State),
		Mode:           ExecutionMode(r.Mode),
		LastActivityAt: r.LastActivityAt,
		LastSummary:    r.LastSummary,
		TaskIDs:        unmarshalStrings(r.TaskIDs),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.CurrentJobID.Valid {
		id := r.CurrentJobID.String
		sess.CurrentJobID = &id
	}
	return sess
}

// NextSessionNumber returns max(n)+1 over existing S<n> ids, starting at 1.
// Numbers are never reused while a session with a higher number exists.
func (s *Store) NextSessionNumber(ctx context.Context) (int, error) {
	var n int
	err := s.pool.Reader().GetContext(ctx, &n,
		`SELECT COALESCE(MAX(CAST(SUBSTR(id, 2) AS INTEGER)), 0) + 1 FROM sessions`)
	if err != nil {
		return 0, fmt.Errorf("next session number: %w", err)
	}
	return n, nil
}

// CreateSession inserts a session record. The id must already be assigned.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.State == "" {
		sess.State = SessionIdle
	}
	if sess.Mode == "" {
		sess.Mode = ModeWorktree
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.LastActivityAt.IsZero() {
		sess.LastActivityAt = now
	}

	var jobID any
	if sess.CurrentJobID != nil {
		jobID = *sess.CurrentJobID
	}
	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO sessions (id, project_id, workspace_path, branch, state, mode,
			current_job_id, last_activity_at, last_summary, task_ids, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ProjectID, sess.WorkspacePath, sess.Branch, string(sess.State),
		string(sess.Mode), jobID, isoTime(sess.LastActivityAt), sess.LastSummary,
		marshalStrings(sess.TaskIDs), isoTime(sess.CreatedAt), isoTime(sess.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession returns a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var row sessionRow
	err := s.pool.Reader().GetContext(ctx, &row, `SELECT * FROM sessions WHERE id = ?`, id)
	if isNoRows(err) {
		return nil, apperrors.NotFound("session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return row.toModel(), nil
}

// ListSessions returns all sessions ordered by most recent activity.
func (s *Store) ListSessions(ctx context.Context) ([]*Session, error) {
	return s.selectSessions(ctx, `SELECT * FROM sessions ORDER BY last_activity_at DESC`)
}

// ListActiveSessions returns non-closing sessions, most recently active first.
func (s *Store) ListActiveSessions(ctx context.Context) ([]*Session, error) {
	return s.selectSessions(ctx,
		`SELECT * FROM sessions WHERE state != ? ORDER BY last_activity_at DESC`,
		string(SessionClosing))
}

// ListSessionsByProject returns a project's sessions, most recently active first.
func (s *Store) ListSessionsByProject(ctx context.Context, projectID string) ([]*Session, error) {
	return s.selectSessions(ctx,
		`SELECT * FROM sessions WHERE project_id = ? ORDER BY last_activity_at DESC`,
		projectID)
}

func (s *Store) selectSessions(ctx context.Context, query string, args ...any) ([]*Session, error) {
	var rows []sessionRow
	if err := s.pool.Reader().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select sessions: %w", err)
	}
	out := make([]*Session, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// UpdateSession rewrites the mutable fields of a session record.
func (s *Store) UpdateSession(ctx context.Context, sess *Session) error {
	sess.UpdatedAt = time.Now().UTC()
	var jobID any
	if sess.CurrentJobID != nil {
		jobID = *sess.CurrentJobID
	}
	res, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE sessions SET state = ?, mode = ?, current_job_id = ?, last_activity_at = ?,
			last_summary = ?, task_ids = ?, branch = ?, updated_at = ?
		WHERE id = ?`,
		string(sess.State), string(sess.Mode), jobID, isoTime(sess.LastActivityAt),
		sess.LastSummary, marshalStrings(sess.TaskIDs), sess.Branch,
		isoTime(sess.UpdatedAt), sess.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("session", sess.ID)
	}
	return nil
}

// SetSessionState transitions a session and stamps activity.
func (s *Store) SetSessionState(ctx context.Context, id string, state SessionState) error {
	now := isoTime(time.Now().UTC())
	res, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE sessions SET state = ?, last_activity_at = ?, updated_at = ? WHERE id = ?`,
		string(state), now, now, id)
	if err != nil {
		return fmt.Errorf("set session state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("session", id)
	}
	return nil
}

// SetSessionJob sets or clears the session's current job back-reference and,
// when state is non-empty, transitions the session in the same write.
func (s *Store) SetSessionJob(ctx context.Context, id string, jobID *string, state SessionState) error {
	now := isoTime(time.Now().UTC())
	var jid any
	if jobID != nil {
		jid = *jobID
	}
	var (
		res sql.Result
		err error
	)
	if state != "" {
		res, err = s.pool.Writer().ExecContext(ctx, `
			UPDATE sessions SET current_job_id = ?, state = ?, last_activity_at = ?, updated_at = ?
			WHERE id = ?`, jid, string(state), now, now, id)
	} else {
		res, err = s.pool.Writer().ExecContext(ctx, `
			UPDATE sessions SET current_job_id = ?, last_activity_at = ?, updated_at = ?
			WHERE id = ?`, jid, now, now, id)
	}
	if err != nil {
		return fmt.Errorf("set session job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("session", id)
	}
	return nil
}

// TouchSession bumps last_activity_at.
func (s *Store) TouchSession(ctx context.Context, id string) error {
	now := isoTime(time.Now().UTC())
	_, err := s.pool.Writer().ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = ?, updated_at = ? WHERE id = ?`, now, now, id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// DeleteSession removes a session record; job history cascades away with it.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.pool.Writer().ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("session", id)
	}
	return nil
}
