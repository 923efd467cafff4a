package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/televibe/televibe/internal/common/errors"
	"github.com/televibe/televibe/internal/common/logger"
)

func newTestProvisioner(t *testing.T) *Provisioner {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	p, err := NewProvisioner(filepath.Join(t.TempDir(), "workspaces"), log)
	require.NoError(t, err)
	return p
}

// initRepo creates a git repository with one commit on main.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", ".")
	run("commit", "-m", "initial")
	return dir
}

func TestCreateAndList(t *testing.T) {
	p := newTestProvisioner(t)
	repo := initRepo(t)
	ctx := context.Background()

	wtPath := p.SessionPath("S1")
	err := p.Create(ctx, CreateRequest{
		RepoPath: repo, Path: wtPath, Branch: "televibe/S1", BaseBranch: "main",
	})
	require.NoError(t, err)
	assert.DirExists(t, wtPath)

	list, err := p.List(ctx, repo)
	require.NoError(t, err)
	require.Len(t, list, 2, "main checkout plus the new worktree")

	var found bool
	for _, wt := range list {
		if wt.Branch == "televibe/S1" {
			found = true
			assert.NotEmpty(t, wt.Head)
		}
	}
	assert.True(t, found)
}

func TestCreateFailsWhenPathExists(t *testing.T) {
	p := newTestProvisioner(t)
	repo := initRepo(t)
	ctx := context.Background()

	wtPath := p.SessionPath("S1")
	require.NoError(t, os.MkdirAll(wtPath, 0o755))

	err := p.Create(ctx, CreateRequest{RepoPath: repo, Path: wtPath, Branch: "televibe/S1"})
	assert.True(t, apperrors.IsConflict(err))
}

func TestCreateChecksOutExistingBranch(t *testing.T) {
	p := newTestProvisioner(t)
	repo := initRepo(t)
	ctx := context.Background()

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = repo
		require.NoError(t, cmd.Run())
	}
	run("branch", "feature/existing")

	err := p.Create(ctx, CreateRequest{
		RepoPath: repo, Path: p.SessionPath("S1"), Branch: "feature/existing",
	})
	require.NoError(t, err)

	status, err := p.Status(ctx, p.SessionPath("S1"))
	require.NoError(t, err)
	assert.Equal(t, "feature/existing", status.Branch)
}

func TestRemoveIdempotent(t *testing.T) {
	p := newTestProvisioner(t)
	repo := initRepo(t)
	ctx := context.Background()

	wtPath := p.SessionPath("S1")
	require.NoError(t, p.Create(ctx, CreateRequest{
		RepoPath: repo, Path: wtPath, Branch: "televibe/S1", BaseBranch: "main",
	}))

	removed, err := p.Remove(ctx, repo, wtPath, false)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.NoDirExists(t, wtPath)

	removed, err = p.Remove(ctx, repo, wtPath, false)
	require.NoError(t, err)
	assert.False(t, removed, "second removal reports nothing to do")
}

func TestRemoveDirtyNeedsForce(t *testing.T) {
	p := newTestProvisioner(t)
	repo := initRepo(t)
	ctx := context.Background()

	wtPath := p.SessionPath("S1")
	require.NoError(t, p.Create(ctx, CreateRequest{
		RepoPath: repo, Path: wtPath, Branch: "televibe/S1", BaseBranch: "main",
	}))
	require.NoError(t, os.WriteFile(filepath.Join(wtPath, "dirty.txt"), []byte("x"), 0o644))

	_, err := p.Remove(ctx, repo, wtPath, false)
	require.Error(t, err, "uncommitted changes block plain removal")

	removed, err := p.Remove(ctx, repo, wtPath, true)
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestStatusCounts(t *testing.T) {
	p := newTestProvisioner(t)
	repo := initRepo(t)
	ctx := context.Background()

	wtPath := p.SessionPath("S1")
	require.NoError(t, p.Create(ctx, CreateRequest{
		RepoPath: repo, Path: wtPath, Branch: "televibe/S1", BaseBranch: "main",
	}))

	status, err := p.Status(ctx, wtPath)
	require.NoError(t, err)
	assert.Equal(t, "televibe/S1", status.Branch)
	assert.True(t, status.Clean())

	// One unstaged modification, one staged file, one untracked file.
	require.NoError(t, os.WriteFile(filepath.Join(wtPath, "README.md"), []byte("changed\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(wtPath, "staged.txt"), []byte("s"), 0o644))
	addCmd := exec.Command("git", "add", "staged.txt")
	addCmd.Dir = wtPath
	require.NoError(t, addCmd.Run())
	require.NoError(t, os.WriteFile(filepath.Join(wtPath, "untracked.txt"), []byte("u"), 0o644))

	status, err = p.Status(ctx, wtPath)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Unstaged)
	assert.Equal(t, 1, status.Staged)
	assert.Equal(t, 1, status.Untracked)
	assert.False(t, status.Clean())
}

func TestParseWorktreeList(t *testing.T) {
	out := `worktree /repo
HEAD 1111111111111111111111111111111111111111
branch refs/heads/main

worktree /workspaces/S1
HEAD 2222222222222222222222222222222222222222
branch refs/heads/televibe/S1

worktree /workspaces/detached
HEAD 3333333333333333333333333333333333333333
detached
`
	list := parseWorktreeList(out)
	require.Len(t, list, 3)
	assert.Equal(t, "main", list[0].Branch)
	assert.Equal(t, "televibe/S1", list[1].Branch)
	assert.Empty(t, list[2].Branch)
}
