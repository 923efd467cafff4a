package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/televibe/televibe/internal/common/errors"
	"github.com/televibe/televibe/internal/common/logger"
	"github.com/televibe/televibe/internal/common/sqlite"
	"github.com/televibe/televibe/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	pool, err := db.Open(db.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	s, err := New(context.Background(), pool, log)
	require.NoError(t, err)
	return s
}

func seedProject(t *testing.T, s *Store, name string) *Project {
	t.Helper()
	p := &Project{Name: name, RepoPath: "/tmp/" + name}
	require.NoError(t, s.CreateProject(context.Background(), p))
	return p
}

func seedSession(t *testing.T, s *Store, projectID string) *Session {
	t.Helper()
	ctx := context.Background()
	n, err := s.NextSessionNumber(ctx)
	require.NoError(t, err)
	sess := &Session{
		ID:            sessionID(n),
		ProjectID:     projectID,
		WorkspacePath: "/tmp/ws",
		Branch:        "televibe/test",
	}
	require.NoError(t, s.CreateSession(ctx, sess))
	return sess
}

func sessionID(n int) string {
	return "S" + string(rune('0'+n))
}

func TestInitSchemaIdempotent(t *testing.T) {
	pool, err := db.Open(db.MemoryPath)
	require.NoError(t, err)
	defer pool.Close()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = New(ctx, pool, log)
	require.NoError(t, err)
	_, err = New(ctx, pool, log)
	require.NoError(t, err, "schema and migrations must be re-runnable")
}

func TestProjectCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := seedProject(t, s, "demo")
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "main", p.DefaultBranch)

	got, err := s.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "demo", got.Name)
	assert.Equal(t, "/tmp/demo", got.RepoPath)

	got.Name = "renamed"
	require.NoError(t, s.UpdateProject(ctx, got))
	byName, err := s.GetProjectByName(ctx, "renamed")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byName.ID)

	_, err = s.GetProject(ctx, "missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestDeleteProjectRefusesWithSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := seedProject(t, s, "busy")
	sess := seedSession(t, s, p.ID)

	err := s.DeleteProject(ctx, p.ID)
	assert.True(t, apperrors.IsConflict(err))

	require.NoError(t, s.DeleteSession(ctx, sess.ID))
	require.NoError(t, s.DeleteProject(ctx, p.ID))
}

func TestNextSessionNumber(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.NextSessionNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p := seedProject(t, s, "num")
	require.NoError(t, s.CreateSession(ctx, &Session{
		ID: "S7", ProjectID: p.ID, WorkspacePath: "/tmp/a", Branch: "b",
	}))
	n, err = s.NextSessionNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, n, "numbering continues past the highest live session")
}

func TestSessionLifecycleFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := seedProject(t, s, "life")
	sess := seedSession(t, s, p.ID)
	assert.Equal(t, SessionIdle, sess.State)
	assert.Equal(t, ModeWorktree, sess.Mode)

	jobID := "job-1"
	job := &Job{ID: jobID, SessionID: sess.ID, ProjectID: p.ID, RawInput: "x", Instruction: "x"}
	require.NoError(t, s.CreateJob(ctx, job))

	require.NoError(t, s.SetSessionJob(ctx, sess.ID, &jobID, SessionRunning))
	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CurrentJobID)
	assert.Equal(t, jobID, *got.CurrentJobID)
	assert.Equal(t, SessionRunning, got.State)

	require.NoError(t, s.SetSessionJob(ctx, sess.ID, nil, SessionIdle))
	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, got.CurrentJobID)
	assert.Equal(t, SessionIdle, got.State)
}

func TestListActiveSessionsOrderAndFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := seedProject(t, s, "order")
	older := &Session{ID: "S1", ProjectID: p.ID, WorkspacePath: "/tmp/1", Branch: "b1",
		LastActivityAt: time.Now().UTC().Add(-time.Hour)}
	require.NoError(t, s.CreateSession(ctx, older))
	newer := &Session{ID: "S2", ProjectID: p.ID, WorkspacePath: "/tmp/2", Branch: "b2"}
	require.NoError(t, s.CreateSession(ctx, newer))
	closing := &Session{ID: "S3", ProjectID: p.ID, WorkspacePath: "/tmp/3", Branch: "b3",
		State: SessionClosing}
	require.NoError(t, s.CreateSession(ctx, closing))

	active, err := s.ListActiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "S2", active[0].ID)
	assert.Equal(t, "S1", active[1].ID)

	byProject, err := s.ListSessionsByProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, byProject, 3)
}

func TestJobQueriesAndRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := seedProject(t, s, "jobs")
	sess := seedSession(t, s, p.ID)

	var ids []string
	for i := 0; i < 3; i++ {
		j := &Job{SessionID: sess.ID, ProjectID: p.ID, RawInput: "raw", Instruction: "full"}
		require.NoError(t, s.CreateJob(ctx, j))
		ids = append(ids, j.ID)
		time.Sleep(2 * time.Millisecond)
	}

	limited, err := s.ListJobsBySession(ctx, sess.ID, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, ids[2], limited[0].ID, "newest first")

	now := time.Now().UTC()
	j, err := s.GetJob(ctx, ids[0])
	require.NoError(t, err)
	j.Status = JobRunning
	j.StartedAt = &now
	j.FilesChanged = []string{"a.go", "b.go"}
	require.NoError(t, s.UpdateJob(ctx, j))

	running, err := s.ListRunningJobs(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, ids[0], running[0].ID)
	assert.Equal(t, []string{"a.go", "b.go"}, running[0].FilesChanged)
	require.NotNil(t, running[0].StartedAt)
	assert.WithinDuration(t, now, *running[0].StartedAt, time.Second)

	j.Status = JobWaitingApproval
	require.NoError(t, s.UpdateJob(ctx, j))
	waiting, err := s.ListJobsWaitingApproval(ctx)
	require.NoError(t, err)
	assert.Len(t, waiting, 1)
}

func TestPendingTasksPriorityOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s, "tasks")

	mk := func(id string, pr TaskPriority, st TaskStatus) {
		require.NoError(t, s.UpsertTask(ctx, &Task{
			ID: id, ProjectID: p.ID, Title: id, Priority: pr, Status: st,
		}))
		time.Sleep(2 * time.Millisecond)
	}
	mk("t-low", PriorityLow, TaskTodo)
	mk("t-crit", PriorityCritical, TaskTodo)
	mk("t-med-1", PriorityMedium, TaskTodo)
	mk("t-med-2", PriorityMedium, TaskBlocked)
	mk("t-done", PriorityCritical, TaskDone)

	pending, err := s.ListPendingTasksByProject(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, pending, 4)
	assert.Equal(t, "t-crit", pending[0].ID)
	assert.Equal(t, "t-med-1", pending[1].ID, "equal priority orders oldest first")
	assert.Equal(t, "t-med-2", pending[2].ID)
	assert.Equal(t, "t-low", pending[3].ID)
}

func TestUpsertTaskIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedProject(t, s, "upsert")

	task := &Task{ID: "T-1", ProjectID: p.ID, Title: "first", Tags: []string{"infra"}}
	require.NoError(t, s.UpsertTask(ctx, task))
	task.Title = "second"
	task.Status = TaskInProgress
	require.NoError(t, s.UpsertTask(ctx, task))

	got, err := s.GetTask(ctx, "T-1")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Title)
	assert.Equal(t, TaskInProgress, got.Status)
	assert.Equal(t, []string{"infra"}, got.Tags)

	all, err := s.ListTasksByProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestApprovalResolutionIsFinal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := seedProject(t, s, "appr")
	sess := seedSession(t, s, p.ID)
	job := &Job{SessionID: sess.ID, ProjectID: p.ID, RawInput: "r", Instruction: "i"}
	require.NoError(t, s.CreateJob(ctx, job))

	a := &Approval{
		JobID: job.ID, SessionID: sess.ID, ProjectID: p.ID,
		Type: ApprovalShellCommand, Description: "run rm -rf build",
		Details: map[string]any{"command": "rm -rf build"},
	}
	require.NoError(t, s.CreateApproval(ctx, a))
	assert.Equal(t, ApprovalPending, a.State)

	pending, err := s.ListPendingApprovals(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "rm -rf build", pending[0].Details["command"])

	byJob, err := s.GetPendingApprovalByJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, byJob.ID)

	resolved, err := s.ResolveApproval(ctx, a.ID, ApprovalApproved, "alice")
	require.NoError(t, err)
	assert.Equal(t, ApprovalApproved, resolved.State)
	assert.Equal(t, "alice", resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = s.ResolveApproval(ctx, a.ID, ApprovalDenied, "bob")
	assert.True(t, apperrors.IsConflict(err), "resolution is final")

	_, err = s.ResolveApproval(ctx, a.ID, ApprovalPending, "bob")
	assert.True(t, apperrors.IsValidation(err))

	pending, err = s.ListPendingApprovals(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPreferencesDefaultsAndSave(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	prefs, err := s.GetPreferences(ctx, 42)
	require.NoError(t, err)
	assert.True(t, prefs.Notify)
	assert.Equal(t, "normal", prefs.TrackerPreset)

	prefs.Notify = false
	prefs.TrackerPreset = "debug"
	prefs.ActiveSessionID = "S1"
	require.NoError(t, s.SavePreferences(ctx, prefs))

	got, err := s.GetPreferences(ctx, 42)
	require.NoError(t, err)
	assert.False(t, got.Notify)
	assert.Equal(t, "debug", got.TrackerPreset)
	assert.Equal(t, "S1", got.ActiveSessionID)
}

func TestMigrateAddsColumnsToOldDatabase(t *testing.T) {
	pool, err := db.Open(db.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	// A preferences table from before tracker overrides existed.
	_, err = pool.Writer().Exec(`CREATE TABLE user_preferences (
		user_id           INTEGER PRIMARY KEY,
		model_id          TEXT NOT NULL DEFAULT '',
		model_provider    TEXT NOT NULL DEFAULT '',
		active_session_id TEXT NOT NULL DEFAULT '',
		notify            INTEGER NOT NULL DEFAULT 1,
		tracker_preset    TEXT NOT NULL DEFAULT 'normal',
		updated_at        TIMESTAMP NOT NULL
	)`)
	require.NoError(t, err)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	s, err := New(context.Background(), pool, log)
	require.NoError(t, err)

	exists, err := sqlite.ColumnExists(pool.Writer().DB, "user_preferences", "tracker_overrides")
	require.NoError(t, err)
	assert.True(t, exists, "migration adds the missing column")

	ctx := context.Background()
	require.NoError(t, s.SavePreferences(ctx, &UserPreferences{
		UserID:           7,
		TrackerPreset:    "verbose",
		TrackerOverrides: `{"show_cost":true}`,
	}))
	prefs, err := s.GetPreferences(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, `{"show_cost":true}`, prefs.TrackerOverrides)
}
