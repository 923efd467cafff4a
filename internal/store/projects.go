package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/televibe/televibe/internal/common/errors"
)

// CreateProject registers a repository. RepoPath must be unique.
func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.DefaultBranch == "" {
		p.DefaultBranch = "main"
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.pool.Writer().ExecContext(ctx, `
		INSERT INTO projects (id, name, repo_path, remote_url, default_branch, task_dir, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.RepoPath, p.RemoteURL, p.DefaultBranch, p.TaskDir,
		isoTime(p.CreatedAt), isoTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

// GetProject returns a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := s.pool.Reader().GetContext(ctx, &p, `SELECT * FROM projects WHERE id = ?`, id)
	if isNoRows(err) {
		return nil, apperrors.NotFound("project", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &p, nil
}

// GetProjectByName returns a project by its display name.
func (s *Store) GetProjectByName(ctx context.Context, name string) (*Project, error) {
	var p Project
	err := s.pool.Reader().GetContext(ctx, &p, `SELECT * FROM projects WHERE name = ?`, name)
	if isNoRows(err) {
		return nil, apperrors.NotFound("project", name)
	}
	if err != nil {
		return nil, fmt.Errorf("get project by name: %w", err)
	}
	return &p, nil
}

// ListProjects returns all projects ordered by name.
func (s *Store) ListProjects(ctx context.Context) ([]*Project, error) {
	var out []*Project
	if err := s.pool.Reader().SelectContext(ctx, &out, `SELECT * FROM projects ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return out, nil
}

// UpdateProject rewrites the mutable fields of a project.
func (s *Store) UpdateProject(ctx context.Context, p *Project) error {
	p.UpdatedAt = time.Now().UTC()
	res, err := s.pool.Writer().ExecContext(ctx, `
		UPDATE projects SET name = ?, remote_url = ?, default_branch = ?, task_dir = ?, updated_at = ?
		WHERE id = ?`,
		p.Name, p.RemoteURL, p.DefaultBranch, p.TaskDir, isoTime(p.UpdatedAt), p.ID)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("project", p.ID)
	}
	return nil
}

// DeleteProject removes a project. It refuses while any non-closing session
// still references the project.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	var n int
	err := s.pool.Reader().GetContext(ctx, &n,
		`SELECT COUNT(*) FROM sessions WHERE project_id = ?`, id)
	if err != nil {
		return fmt.Errorf("count project sessions: %w", err)
	}
	if n > 0 {
		return apperrors.Conflict(fmt.Sprintf("project %s has %d open session(s)", id, n))
	}
	res, err := s.pool.Writer().ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return apperrors.NotFound("project", id)
	}
	return nil
}
