// Package workspace provisions isolated git worktrees for sessions.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/televibe/televibe/internal/common/errors"
	"github.com/televibe/televibe/internal/common/logger"
)

// Provisioner runs git worktree operations. Mutations on the same
// repository are serialized with a per-repository mutex; operations on
// different repositories proceed concurrently.
type Provisioner struct {
	baseDir string
	logger  *logger.Logger

	repoLocks  map[string]*sync.Mutex
	repoLockMu sync.Mutex
}

// CreateRequest describes a worktree to provision.
type CreateRequest struct {
	RepoPath string // project repository
	Path     string // target worktree directory, must not exist
	Branch   string // branch to check out or create
	// BaseBranch is the starting point when Branch does not exist yet.
	// Empty means the repository's current HEAD.
	BaseBranch string
}

// Worktree is one entry of `git worktree list`.
type Worktree struct {
	Path   string
	Head   string
	Branch string
}

// NewProvisioner creates a Provisioner that places session workspaces under
// baseDir.
func NewProvisioner(baseDir string, log *logger.Logger) (*Provisioner, error) {
	if log == nil {
		log = logger.Default()
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace base directory: %w", err)
	}
	return &Provisioner{
		baseDir:   baseDir,
		logger:    log.WithFields(zap.String("component", "workspace")),
		repoLocks: make(map[string]*sync.Mutex),
	}, nil
}

// BaseDir returns the directory session workspaces are created under.
func (p *Provisioner) BaseDir() string { return p.baseDir }

// SessionPath returns the workspace directory for a session id.
func (p *Provisioner) SessionPath(sessionID string) string {
	return filepath.Join(p.baseDir, sessionID)
}

func (p *Provisioner) repoLock(repoPath string) *sync.Mutex {
	p.repoLockMu.Lock()
	defer p.repoLockMu.Unlock()
	if lock, ok := p.repoLocks[repoPath]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	p.repoLocks[repoPath] = lock
	return lock
}

// Create provisions a worktree. The target path must not already exist; the
// branch is created from BaseBranch when it does not exist in the repository.
func (p *Provisioner) Create(ctx context.Context, req CreateRequest) error {
	if req.RepoPath == "" || req.Path == "" || req.Branch == "" {
		return apperrors.Validation("request", "repoPath, path, and branch are required")
	}
	if !p.isGitRepo(ctx, req.RepoPath) {
		return apperrors.Validation("repoPath", fmt.Sprintf("%s is not a git repository", req.RepoPath))
	}
	if _, err := os.Stat(req.Path); err == nil {
		return apperrors.Conflict(fmt.Sprintf("workspace path already exists: %s", req.Path))
	}

	lock := p.repoLock(req.RepoPath)
	lock.Lock()
	defer lock.Unlock()

	args := []string{"worktree", "add"}
	if p.branchExists(ctx, req.RepoPath, req.Branch) {
		args = append(args, req.Path, req.Branch)
	} else {
		args = append(args, "-b", req.Branch, req.Path)
		if req.BaseBranch != "" {
			args = append(args, req.BaseBranch)
		}
	}

	if out, err := p.git(ctx, req.RepoPath, args...); err != nil {
		return fmt.Errorf("git worktree add: %w: %s", err, strings.TrimSpace(out))
	}

	p.logger.Info("worktree created",
		zap.String("repo", req.RepoPath),
		zap.String("path", req.Path),
		zap.String("branch", req.Branch))
	return nil
}

// Remove deletes a worktree. It is idempotent: removing a worktree that does
// not exist returns removed=false and no error. force permits removal with
// uncommitted changes.
func (p *Provisioner) Remove(ctx context.Context, repoPath, path string, force bool) (removed bool, err error) {
	lock := p.repoLock(repoPath)
	lock.Lock()
	defer lock.Unlock()

	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)

	out, gitErr := p.git(ctx, repoPath, args...)
	if gitErr != nil {
		if !p.isKnownWorktree(ctx, repoPath, path) {
			p.logger.Info("worktree did not exist, nothing to remove",
				zap.String("repo", repoPath), zap.String("path", path))
			// Clean up any stale administrative entry.
			_, _ = p.git(ctx, repoPath, "worktree", "prune")
			return false, nil
		}
		return false, fmt.Errorf("git worktree remove: %w: %s", gitErr, strings.TrimSpace(out))
	}

	p.logger.Info("worktree removed",
		zap.String("repo", repoPath), zap.String("path", path), zap.Bool("force", force))
	return true, nil
}

// List enumerates the repository's worktrees via the porcelain format.
func (p *Provisioner) List(ctx context.Context, repoPath string) ([]Worktree, error) {
	out, err := p.git(ctx, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git worktree list: %w", err)
	}
	return parseWorktreeList(out), nil
}

// parseWorktreeList parses `git worktree list --porcelain` output. Entries
// are blank-line separated blocks of "key value" lines.
func parseWorktreeList(out string) []Worktree {
	var (
		result  []Worktree
		current *Worktree
	)
	flush := func() {
		if current != nil {
			result = append(result, *current)
			current = nil
		}
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			current = &Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case current == nil:
			continue
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			ref := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(ref, "refs/heads/")
		}
	}
	flush()
	return result
}

func (p *Provisioner) isKnownWorktree(ctx context.Context, repoPath, path string) bool {
	list, err := p.List(ctx, repoPath)
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	for _, wt := range list {
		if wt.Path == abs || wt.Path == path {
			return true
		}
	}
	return false
}

func (p *Provisioner) isGitRepo(ctx context.Context, repoPath string) bool {
	_, err := p.git(ctx, repoPath, "rev-parse", "--git-dir")
	return err == nil
}

func (p *Provisioner) branchExists(ctx context.Context, repoPath, branch string) bool {
	_, err := p.git(ctx, repoPath, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

func (p *Provisioner) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}
