// Package session manages session lifecycle: isolated workspaces bound to
// branches, the session state machine, and the single-active-job invariant.
package session

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/televibe/televibe/internal/common/errors"
	"github.com/televibe/televibe/internal/common/logger"
	"github.com/televibe/televibe/internal/store"
	"github.com/televibe/televibe/internal/workspace"
)

// Config holds branch naming settings.
type Config struct {
	// BranchPrefix prefixes generated session branches, e.g. "televibe/".
	BranchPrefix string
	// DefaultBranch is the base branch fallback when a project has none.
	DefaultBranch string
}

// Manager owns session lifecycle over the store and the workspace
// provisioner. Safe for concurrent use; per-session mutation races are
// resolved by the store's single-writer connection.
type Manager struct {
	store       *store.Store
	provisioner *workspace.Provisioner
	config      Config
	logger      *logger.Logger
}

// NewManager creates a session manager.
func NewManager(st *store.Store, prov *workspace.Provisioner, cfg Config, log *logger.Logger) *Manager {
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "televibe/"
	}
	if cfg.DefaultBranch == "" {
		cfg.DefaultBranch = "main"
	}
	return &Manager{
		store:       st,
		provisioner: prov,
		config:      cfg,
		logger:      log.WithFields(zap.String("component", "session-manager")),
	}
}

// CreateRequest describes a session to create.
type CreateRequest struct {
	ProjectID string
	// Branch overrides the generated branch name when non-empty.
	Branch string
	// DisplayName, when set, contributes a slug to the generated branch.
	DisplayName string
	// Mode defaults to the isolated worktree mode.
	Mode store.ExecutionMode
}

// Create allocates the next session id, resolves the branch, provisions the
// workspace, and inserts the session in idle state. A partial failure rolls
// back whatever was created.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*store.Session, error) {
	project, err := m.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}

	mode := req.Mode
	if mode == "" {
		mode = store.ModeWorktree
	}
	if mode != store.ModeWorktree && mode != store.ModeDirect {
		return nil, apperrors.Validation("mode", fmt.Sprintf("unknown execution mode %q", mode))
	}

	n, err := m.store.NextSessionNumber(ctx)
	if err != nil {
		return nil, err
	}
	id := fmt.Sprintf("S%d", n)

	branch := req.Branch
	if branch == "" {
		branch = m.config.BranchPrefix + id
		if slug := slugify(req.DisplayName); slug != "" {
			branch += "-" + slug
		}
	}

	base := project.DefaultBranch
	if base == "" {
		base = m.config.DefaultBranch
	}

	sess := &store.Session{
		ID:        id,
		ProjectID: project.ID,
		Branch:    branch,
		Mode:      mode,
		State:     store.SessionIdle,
	}

	if mode == store.ModeDirect {
		sess.WorkspacePath = project.RepoPath
	} else {
		sess.WorkspacePath = m.provisioner.SessionPath(id)
		if err := m.provisioner.Create(ctx, workspace.CreateRequest{
			RepoPath:   project.RepoPath,
			Path:       sess.WorkspacePath,
			Branch:     branch,
			BaseBranch: base,
		}); err != nil {
			return nil, err
		}
	}

	if err := m.store.CreateSession(ctx, sess); err != nil {
		if mode == store.ModeWorktree {
			if _, rmErr := m.provisioner.Remove(ctx, project.RepoPath, sess.WorkspacePath, true); rmErr != nil {
				m.logger.Error("rollback of session workspace failed",
					zap.String("session_id", id), zap.Error(rmErr))
			}
		}
		return nil, err
	}

	m.logger.Info("session created",
		zap.String("session_id", id),
		zap.String("project_id", project.ID),
		zap.String("branch", branch),
		zap.String("mode", string(mode)))
	return sess, nil
}

// Close tears a session down: refuses while a job is running unless forced,
// removes the workspace, and deletes the record. A missing project or
// workspace does not block the teardown.
func (m *Manager) Close(ctx context.Context, sessionID string, force bool) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if !force && (sess.State == store.SessionRunning || sess.State == store.SessionBlocked) {
		jobID := ""
		if sess.CurrentJobID != nil {
			jobID = *sess.CurrentJobID
		}
		return apperrors.Busy(sessionID, jobID)
	}

	if err := m.store.SetSessionState(ctx, sessionID, store.SessionClosing); err != nil {
		return err
	}

	if sess.Mode == store.ModeWorktree {
		repoPath := ""
		if project, err := m.store.GetProject(ctx, sess.ProjectID); err == nil {
			repoPath = project.RepoPath
		} else {
			m.logger.Warn("closing session of a missing project, cleaning workspace only",
				zap.String("session_id", sessionID),
				zap.String("project_id", sess.ProjectID))
		}
		if repoPath != "" {
			removed, err := m.provisioner.Remove(ctx, repoPath, sess.WorkspacePath, true)
			if err != nil {
				return fmt.Errorf("remove workspace: %w", err)
			}
			if !removed {
				m.logger.Info("workspace already gone",
					zap.String("session_id", sessionID),
					zap.String("path", sess.WorkspacePath))
			}
		}
	}

	// Detach tasks that still point at this session.
	for _, taskID := range sess.TaskIDs {
		if task, err := m.store.GetTask(ctx, taskID); err == nil && task.SessionID == sessionID {
			task.SessionID = ""
			if err := m.store.UpsertTask(ctx, task); err != nil {
				m.logger.Warn("failed to detach task on close",
					zap.String("task_id", taskID), zap.Error(err))
			}
		}
	}

	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	m.logger.Info("session closed", zap.String("session_id", sessionID), zap.Bool("force", force))
	return nil
}

// SwitchActive points a user's active-session preference at the session.
func (m *Manager) SwitchActive(ctx context.Context, userID int64, sessionID string) error {
	if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		return err
	}
	prefs, err := m.store.GetPreferences(ctx, userID)
	if err != nil {
		return err
	}
	prefs.ActiveSessionID = sessionID
	return m.store.SavePreferences(ctx, prefs)
}

// ActiveSession resolves a user's active session, if set and still present.
func (m *Manager) ActiveSession(ctx context.Context, userID int64) (*store.Session, error) {
	prefs, err := m.store.GetPreferences(ctx, userID)
	if err != nil {
		return nil, err
	}
	if prefs.ActiveSessionID == "" {
		return nil, apperrors.NotFound("active session for user", fmt.Sprintf("%d", userID))
	}
	return m.store.GetSession(ctx, prefs.ActiveSessionID)
}

// AttachTask links a task to a session in both directions. Idempotent.
func (m *Manager) AttachTask(ctx context.Context, sessionID, taskID string) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	if !contains(sess.TaskIDs, taskID) {
		sess.TaskIDs = append(sess.TaskIDs, taskID)
		if err := m.store.UpdateSession(ctx, sess); err != nil {
			return err
		}
	}
	if task.SessionID != sessionID {
		task.SessionID = sessionID
		if err := m.store.UpsertTask(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

// DetachTask removes the session↔task link. Idempotent.
func (m *Manager) DetachTask(ctx context.Context, sessionID, taskID string) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if contains(sess.TaskIDs, taskID) {
		kept := sess.TaskIDs[:0]
		for _, id := range sess.TaskIDs {
			if id != taskID {
				kept = append(kept, id)
			}
		}
		sess.TaskIDs = kept
		if err := m.store.UpdateSession(ctx, sess); err != nil {
			return err
		}
	}
	if task, err := m.store.GetTask(ctx, taskID); err == nil && task.SessionID == sessionID {
		task.SessionID = ""
		if err := m.store.UpsertTask(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

// EnrichInstruction prepends the session context block the assistant needs
// to orient itself. The caller keeps the original text as raw_input.
func (m *Manager) EnrichInstruction(sess *store.Session, project *store.Project, text string) string {
	var b strings.Builder
	b.WriteString("## Session context\n")
	fmt.Fprintf(&b, "- Session: %s\n", sess.ID)
	fmt.Fprintf(&b, "- Project: %s\n", project.ID)
	fmt.Fprintf(&b, "- Branch: %s\n", sess.Branch)
	fmt.Fprintf(&b, "- Mode: %s\n", sess.Mode)
	fmt.Fprintf(&b, "- Workspace: %s\n", sess.WorkspacePath)
	b.WriteString("\n")
	b.WriteString(text)
	return b.String()
}

// BeginJob enforces the single-active-job invariant and transitions the
// session to running with jobID as current. A session that already has a
// non-terminal job yields a busy-session error.
func (m *Manager) BeginJob(ctx context.Context, sessionID, jobID string) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.State == store.SessionClosing {
		return apperrors.Conflict(fmt.Sprintf("session %s is closing", sessionID))
	}
	if sess.CurrentJobID != nil {
		current, err := m.store.GetJob(ctx, *sess.CurrentJobID)
		if err == nil && !current.Status.Terminal() {
			return apperrors.Busy(sessionID, current.ID)
		}
	}
	return m.store.SetSessionJob(ctx, sessionID, &jobID, store.SessionRunning)
}

// Block moves a session to blocked while its job awaits approval.
func (m *Manager) Block(ctx context.Context, sessionID string) error {
	return m.store.SetSessionState(ctx, sessionID, store.SessionBlocked)
}

// Resume moves a blocked session back to running after approval.
func (m *Manager) Resume(ctx context.Context, sessionID string) error {
	return m.store.SetSessionState(ctx, sessionID, store.SessionRunning)
}

// Release idles the session after its job terminalizes, clearing the
// current-job back-reference and recording the last result summary.
func (m *Manager) Release(ctx context.Context, sessionID, summary string) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.State = store.SessionIdle
	sess.CurrentJobID = nil
	if summary != "" {
		sess.LastSummary = summary
	}
	return m.store.UpdateSession(ctx, sess)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// slugify reduces a display name to a short branch-safe slug.
func slugify(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	lastDash := true
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > 24 {
		slug = strings.Trim(slug[:24], "-")
	}
	return slug
}
