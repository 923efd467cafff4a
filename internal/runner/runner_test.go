package runner

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/televibe/televibe/internal/approval"
	"github.com/televibe/televibe/internal/chat"
	apperrors "github.com/televibe/televibe/internal/common/errors"
	"github.com/televibe/televibe/internal/common/logger"
	"github.com/televibe/televibe/internal/db"
	"github.com/televibe/televibe/internal/events/bus"
	"github.com/televibe/televibe/internal/session"
	"github.com/televibe/televibe/internal/store"
	"github.com/televibe/televibe/internal/workspace"
	"github.com/televibe/televibe/pkg/stream"
)

// fakeExecutor hands out scripted handles so runner behavior can be driven
// without a real assistant binary.
type fakeExecutor struct {
	mu      sync.Mutex
	handles []*fakeHandle
}

func (e *fakeExecutor) Start(_ context.Context, spec Spec) (Handle, error) {
	h := newFakeHandle(spec)
	e.mu.Lock()
	e.handles = append(e.handles, h)
	e.mu.Unlock()
	return h, nil
}

// handle waits for the executor to produce its nth handle.
func (e *fakeExecutor) handle(t *testing.T, n int) *fakeHandle {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		if len(e.handles) > n {
			h := e.handles[n]
			e.mu.Unlock()
			return h
		}
		e.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("executor never produced handle %d", n)
	return nil
}

type fakeHandle struct {
	spec  Spec
	lines chan string
	perms chan PermissionRequest
	done  chan struct{}

	mu         sync.Mutex
	exitCode   int
	finished   bool
	terminated bool
	killed     bool
	ignoreTerm bool
	allowed    []string
	denied     []string
}

func newFakeHandle(spec Spec) *fakeHandle {
	return &fakeHandle{
		spec:  spec,
		lines: make(chan string, 64),
		perms: make(chan PermissionRequest, 4),
		done:  make(chan struct{}),
	}
}

func (h *fakeHandle) Lines() <-chan string                  { return h.lines }
func (h *fakeHandle) Permissions() <-chan PermissionRequest { return h.perms }

func (h *fakeHandle) Allow(id string) error {
	h.mu.Lock()
	h.allowed = append(h.allowed, id)
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) DenyPermission(id, _ string) error {
	h.mu.Lock()
	h.denied = append(h.denied, id)
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) Terminate() error {
	h.mu.Lock()
	h.terminated = true
	ignore := h.ignoreTerm
	h.mu.Unlock()
	if !ignore {
		h.finish(143)
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	h.finish(137)
	return nil
}

func (h *fakeHandle) Wait() (int, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, nil
}

func (h *fakeHandle) emit(lines ...string) {
	for _, l := range lines {
		h.lines <- l
	}
}

func (h *fakeHandle) requestPermission(req PermissionRequest) {
	h.perms <- req
}

func (h *fakeHandle) finish(code int) {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	h.finished = true
	h.exitCode = code
	h.mu.Unlock()
	close(h.lines)
	close(h.perms)
	close(h.done)
}

func (h *fakeHandle) wasTerminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

// recordingSink captures runner callbacks.
type recordingSink struct {
	mu        sync.Mutex
	events    []stream.Event
	progress  []Progress
	completed []*store.Job
}

func (s *recordingSink) OnProgress(p Progress) {
	s.mu.Lock()
	s.progress = append(s.progress, p)
	s.mu.Unlock()
}

func (s *recordingSink) OnEvent(e stream.Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *recordingSink) OnComplete(j *store.Job) {
	s.mu.Lock()
	s.completed = append(s.completed, j)
	s.mu.Unlock()
}

func (s *recordingSink) completedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed)
}

type fixture struct {
	store    *store.Store
	sessions *session.Manager
	gate     *approval.Gate
	runner   *Runner
	executor *fakeExecutor
	sink     *recordingSink
	recorder *chat.Recorder
	project  *store.Project
	bus      bus.EventBus
}

func newFixture(t *testing.T, maxConcurrent int) *fixture {
	t.Helper()
	ctx := context.Background()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	pool, err := db.Open(db.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	st, err := store.New(ctx, pool, log)
	require.NoError(t, err)

	prov, err := workspace.NewProvisioner(filepath.Join(t.TempDir(), "ws"), log)
	require.NoError(t, err)
	sessions := session.NewManager(st, prov, session.Config{}, log)

	recorder := chat.NewRecorder()
	eventBus := bus.NewMemoryEventBus(log)
	gate := approval.NewGate(st, sessions, recorder, eventBus, log)

	executor := &fakeExecutor{}
	r, err := New(st, sessions, gate, eventBus, executor, Config{
		LogsDir:          filepath.Join(t.TempDir(), "logs"),
		MaxConcurrent:    maxConcurrent,
		ProgressInterval: 10 * time.Millisecond,
		TerminateGrace:   200 * time.Millisecond,
	}, log)
	require.NoError(t, err)
	sink := &recordingSink{}
	r.SetSink(sink)

	project := &store.Project{Name: "demo", RepoPath: t.TempDir()}
	require.NoError(t, st.CreateProject(ctx, project))

	return &fixture{
		store: st, sessions: sessions, gate: gate, runner: r,
		executor: executor, sink: sink, recorder: recorder, project: project,
		bus: eventBus,
	}
}

func (f *fixture) newSession(t *testing.T, id string) *store.Session {
	t.Helper()
	sess := &store.Session{
		ID: id, ProjectID: f.project.ID,
		WorkspacePath: "/tmp/ws-" + id, Branch: "televibe/" + id,
	}
	require.NoError(t, f.store.CreateSession(context.Background(), sess))
	return sess
}

func waitJobStatus(t *testing.T, st *store.Store, jobID string, want store.JobStatus) *store.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last *store.Job
	for time.Now().Before(deadline) {
		job, err := st.GetJob(context.Background(), jobID)
		require.NoError(t, err)
		last = job
		if job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s (last: %s)", jobID, want, last.Status)
	return nil
}

func waitSessionState(t *testing.T, st *store.Store, sessionID string, want store.SessionState) *store.Session {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := st.GetSession(context.Background(), sessionID)
		require.NoError(t, err)
		if sess.State == want {
			return sess
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s never reached %s", sessionID, want)
	return nil
}

func TestSubmitRunSucceed(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	sess := f.newSession(t, "S1")

	job, err := f.runner.Submit(ctx, sess.ID, "print hello", 100)
	require.NoError(t, err)
	assert.Contains(t, job.Instruction, "Session: S1")
	assert.Contains(t, job.Instruction, "print hello")
	assert.Equal(t, "print hello", job.RawInput)

	h := f.executor.handle(t, 0)
	assert.Equal(t, sess.WorkspacePath, h.spec.WorkDir)
	h.emit(
		`{"type":"system","subtype":"init","session_id":"x","model":"sonnet"}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"Hello!"}]}}`,
		`{"type":"result","subtype":"success","is_error":false,"num_turns":1,"duration_ms":10}`,
	)
	h.finish(0)

	done := waitJobStatus(t, f.store, job.ID, store.JobDone)
	assert.Contains(t, done.ResultSummary, "Hello!")
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.FinishedAt)
	assert.False(t, done.FinishedAt.Before(*done.StartedAt))

	got := waitSessionState(t, f.store, sess.ID, store.SessionIdle)
	assert.Nil(t, got.CurrentJobID)
	assert.Contains(t, got.LastSummary, "Hello!")

	// Raw lines were mirrored to the job log.
	data, err := os.ReadFile(done.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"Hello!"`)
}

func TestSecondSubmitRefusedBusy(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	sess := f.newSession(t, "S1")

	job, err := f.runner.Submit(ctx, sess.ID, "first", 100)
	require.NoError(t, err)
	f.executor.handle(t, 0)

	_, err = f.runner.Submit(ctx, sess.ID, "other", 100)
	assert.True(t, apperrors.IsBusy(err))

	jobs, err := f.store.ListJobsBySession(ctx, sess.ID, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "no new job row after a busy refusal")
	assert.Equal(t, job.ID, jobs[0].ID)
}

func TestSubmitRefusedAtCapacity(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	s1 := f.newSession(t, "S1")
	s2 := f.newSession(t, "S2")

	_, err := f.runner.Submit(ctx, s1.ID, "long task", 100)
	require.NoError(t, err)
	f.executor.handle(t, 0)

	_, err = f.runner.Submit(ctx, s2.ID, "another", 100)
	assert.True(t, apperrors.IsCapacity(err), "cap exceeded yields a capacity error, not a queue")
}

func TestCancelMidRun(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	sess := f.newSession(t, "S1")

	job, err := f.runner.Submit(ctx, sess.ID, "run forever", 100)
	require.NoError(t, err)

	h := f.executor.handle(t, 0)
	h.emit(
		`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"sleep 100"}}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t2","name":"Read","input":{"file_path":"a.go"}}]}}`,
	)
	waitJobStatus(t, f.store, job.ID, store.JobRunning)

	require.NoError(t, f.runner.Cancel(ctx, job.ID))

	canceled := waitJobStatus(t, f.store, job.ID, store.JobCanceled)
	require.NotNil(t, canceled.FinishedAt)
	assert.True(t, h.wasTerminated())
	waitSessionState(t, f.store, sess.ID, store.SessionIdle)
}

func TestCancelTerminalJobIsConflict(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	sess := f.newSession(t, "S1")

	job, err := f.runner.Submit(ctx, sess.ID, "quick", 100)
	require.NoError(t, err)
	h := f.executor.handle(t, 0)
	h.finish(0)
	done := waitJobStatus(t, f.store, job.ID, store.JobDone)

	err = f.runner.Cancel(ctx, job.ID)
	assert.True(t, apperrors.IsConflict(err))

	after, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, done.FinishedAt.Unix(), after.FinishedAt.Unix(), "timestamps unchanged")
}

func TestNonZeroExitFails(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	sess := f.newSession(t, "S1")

	job, err := f.runner.Submit(ctx, sess.ID, "doomed", 100)
	require.NoError(t, err)
	h := f.executor.handle(t, 0)
	h.finish(2)

	failed := waitJobStatus(t, f.store, job.ID, store.JobFailed)
	assert.Equal(t, "Process exited with code 2", failed.Error)
	waitSessionState(t, f.store, sess.ID, store.SessionIdle)
}

func TestApprovalApproveResumesJob(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	sess := f.newSession(t, "S1")

	job, err := f.runner.Submit(ctx, sess.ID, "deploy it", 100)
	require.NoError(t, err)
	h := f.executor.handle(t, 0)

	h.requestPermission(PermissionRequest{
		ID: "req-1", ToolName: "Bash", Input: map[string]any{"command": "make deploy"},
	})

	waitJobStatus(t, f.store, job.ID, store.JobWaitingApproval)
	waitSessionState(t, f.store, sess.ID, store.SessionBlocked)

	pending, err := f.store.ListPendingApprovals(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, job.ID, pending[0].JobID)
	assert.Equal(t, store.ApprovalShellCommand, pending[0].Type)

	_, err = f.gate.Approve(ctx, pending[0].ID, "user")
	require.NoError(t, err)

	waitJobStatus(t, f.store, job.ID, store.JobRunning)
	waitSessionState(t, f.store, sess.ID, store.SessionRunning)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		n := len(h.allowed)
		h.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.mu.Lock()
	assert.Equal(t, []string{"req-1"}, h.allowed)
	h.mu.Unlock()

	h.emit(`{"type":"result","subtype":"success","is_error":false}`)
	h.finish(0)
	waitJobStatus(t, f.store, job.ID, store.JobDone)
	waitSessionState(t, f.store, sess.ID, store.SessionIdle)
}

func TestApprovalDenyCancelsJob(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	sess := f.newSession(t, "S1")

	job, err := f.runner.Submit(ctx, sess.ID, "dangerous", 100)
	require.NoError(t, err)
	h := f.executor.handle(t, 0)

	h.requestPermission(PermissionRequest{
		ID: "req-1", ToolName: "Bash", Input: map[string]any{"command": "rm -rf /"},
	})
	waitJobStatus(t, f.store, job.ID, store.JobWaitingApproval)

	pending, err := f.store.ListPendingApprovals(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = f.gate.Deny(ctx, pending[0].ID, "user", "no")
	require.NoError(t, err)

	canceled := waitJobStatus(t, f.store, job.ID, store.JobCanceled)
	assert.Equal(t, "Denied by user: no", canceled.Error)
	waitSessionState(t, f.store, sess.ID, store.SessionIdle)

	// Terminate runs on the runner goroutine after Deny returns.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !h.wasTerminated() {
		time.Sleep(5 * time.Millisecond)
	}
	assert.True(t, h.wasTerminated(), "child is signaled on denial")
}

func TestJobProgressPublishedToBus(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	sess := f.newSession(t, "S1")

	var mu sync.Mutex
	var got []*bus.Event
	_, err := f.bus.Subscribe(bus.SubjectJobProgress, func(_ context.Context, e *bus.Event) error {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	job, err := f.runner.Submit(ctx, sess.ID, "long task", 100)
	require.NoError(t, err)
	h := f.executor.handle(t, 0)
	h.emit(`{"type":"assistant","message":{"content":[{"type":"text","text":"working"}]}}`)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	require.NotEmpty(t, got, "progress snapshots reach the bus")
	assert.Equal(t, job.ID, got[0].JobID)
	assert.Equal(t, sess.ID, got[0].SessionID)
	mu.Unlock()

	h.finish(0)
	waitJobStatus(t, f.store, job.ID, store.JobDone)
}

func TestProgressAndFilesAggregation(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	sess := f.newSession(t, "S1")

	job, err := f.runner.Submit(ctx, sess.ID, "edit files", 100)
	require.NoError(t, err)
	h := f.executor.handle(t, 0)
	h.emit(
		`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"Edit","input":{"file_path":"b.go"}}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t2","name":"Edit","input":{"file_path":"a.go"}}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"All edits applied."}]}}`,
	)
	h.finish(0)

	done := waitJobStatus(t, f.store, job.ID, store.JobDone)
	assert.Equal(t, []string{"a.go", "b.go"}, done.FilesChanged)

	require.Eventually(t, func() bool { return f.sink.completedCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	assert.NotEmpty(t, f.sink.events)
	assert.Equal(t, store.JobDone, f.sink.completed[0].Status)
}

func TestReconcileFailsOrphanedJobs(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	sess := f.newSession(t, "S1")

	job := &store.Job{SessionID: sess.ID, ProjectID: f.project.ID, RawInput: "x",
		Instruction: "x", Status: store.JobRunning}
	require.NoError(t, f.store.CreateJob(ctx, job))
	jobID := job.ID
	require.NoError(t, f.store.SetSessionJob(ctx, sess.ID, &jobID, store.SessionRunning))

	require.NoError(t, f.runner.Reconcile(ctx))

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, got.Status)
	assert.Equal(t, "orphaned by restart", got.Error)

	s, err := f.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionIdle, s.State)
}
