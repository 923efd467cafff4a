package store

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/televibe/televibe/internal/common/errors"
)

type taskRow struct {
	ID          string    `db:"id"`
	ProjectID   string    `db:"project_id"`
	Title       string    `db:"title"`
	Description string    `db:"description"`
	Status      string    `db:"status"`
	Priority    string    `db:"priority"`
	Assignee    string    `db:"assignee"`
	SessionID   string    `db:"session_id"`
	Branch      string    `db:"branch"`
	Tags        string    `db:"tags"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r *taskRow) toModel() *Task {
	return &Task{
		ID:          r.ID,
		ProjectID:   r.ProjectID,
		Title:       r.Title,
		Description: r.Description,
		Status:      TaskStatus(r.Status),
		Priority:    TaskPriority(r.Priority),
		Assignee:    r.Assignee,
		SessionID:   r.SessionID,
		Branch:      r.Branch,
		Tags:        unmarshalStrings(r.Tags),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// UpsertTask inserts or replaces a task by id. Task ids come from the task
// files themselves, so re-importing a directory is idempotent.
func (s *Store) UpsertTask(ctx context.Context, t *Task) error {
	if t.Status == "" {
		t.Status = TaskTodo
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, title, description, status, priority,
			assignee, session_id, branch, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			status = excluded.status,
			priority = excluded.priority,
			assignee = excluded.assignee,
			session_id = excluded.session_id,
			branch = excluded.branch,
			tags = excluded.tags,
			updated_at = excluded.updated_at`,
		t.ID, t.ProjectID, t.Title, t.Description, string(t.Status), string(t.Priority),
		t.Assignee, t.SessionID, t.Branch, marshalStrings(t.Tags),
		isoTime(t.CreatedAt), isoTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

// GetTask returns a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	var row taskRow
	err := s.pool.Reader().GetContext(ctx, &row, `SELECT * FROM tasks WHERE id = ?`, id)
	if isNoRows(err) {
		return nil, apperrors.NotFound("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return row.toModel(), nil
}

// ListTasksByProject returns all of a project's tasks, newest first.
func (s *Store) ListTasksByProject(ctx context.Context, projectID string) ([]*Task, error) {
	return s.selectTasks(ctx,
		`SELECT * FROM tasks WHERE project_id = ? ORDER BY created_at DESC`, projectID)
}

// ListPendingTasksByProject returns tasks that are not done, ordered by
// priority (critical first) then oldest first.
func (s *Store) ListPendingTasksByProject(ctx context.Context, projectID string) ([]*Task, error) {
	return s.selectTasks(ctx, `
		SELECT * FROM tasks
		WHERE project_id = ? AND status != ?
		ORDER BY CASE priority
			WHEN 'critical' THEN 0
			WHEN 'high' THEN 1
			WHEN 'medium' THEN 2
			WHEN 'low' THEN 3
			ELSE 4
		END, created_at ASC`,
		projectID, string(TaskDone))
}

func (s *Store) selectTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	var rows []taskRow
	if err := s.pool.Reader().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select tasks: %w", err)
	}
	out := make([]*Task, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// DeleteTask removes a task record.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.pool.Writer().ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("task", id)
	}
	return nil
}
