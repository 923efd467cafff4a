package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/televibe/televibe/internal/approval"
	"github.com/televibe/televibe/internal/common/constants"
	apperrors "github.com/televibe/televibe/internal/common/errors"
	"github.com/televibe/televibe/internal/common/logger"
	"github.com/televibe/televibe/internal/events/bus"
	"github.com/televibe/televibe/internal/session"
	"github.com/televibe/televibe/internal/store"
	"github.com/televibe/televibe/pkg/stream"
)

// Config holds runner settings.
type Config struct {
	// LogsDir receives one raw event log per job.
	LogsDir string
	// MaxConcurrent caps in-flight jobs across all sessions.
	MaxConcurrent int
	// ProgressInterval rate-limits progress callbacks. Zero means the
	// default of 3 seconds.
	ProgressInterval time.Duration
	// TerminateGrace is how long a terminated child gets before SIGKILL.
	// Zero means the default of 5 seconds.
	TerminateGrace time.Duration
}

// Runner submits, executes, and cancels jobs.
type Runner struct {
	store    *store.Store
	sessions *session.Manager
	gate     *approval.Gate
	bus      bus.EventBus
	executor Executor
	logger   *logger.Logger
	config   Config

	sem  *semaphore.Weighted
	sink ProgressSink

	mu     sync.Mutex
	active map[string]*activeJob
}

type activeJob struct {
	job    *store.Job
	handle Handle
	cancel context.CancelFunc

	cancelMu sync.Mutex
	canceled bool
}

func (a *activeJob) markCanceled() {
	a.cancelMu.Lock()
	a.canceled = true
	a.cancelMu.Unlock()
}

func (a *activeJob) wasCanceled() bool {
	a.cancelMu.Lock()
	defer a.cancelMu.Unlock()
	return a.canceled
}

// New creates a Runner.
func New(st *store.Store, sessions *session.Manager, gate *approval.Gate, eventBus bus.EventBus,
	executor Executor, cfg Config, log *logger.Logger) (*Runner, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = constants.ProgressInterval
	}
	if cfg.TerminateGrace <= 0 {
		cfg.TerminateGrace = constants.ChildGrace
	}
	if cfg.LogsDir == "" {
		return nil, apperrors.Validation("logsDir", "logs directory is required")
	}
	if err := os.MkdirAll(cfg.LogsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create logs directory: %w", err)
	}
	return &Runner{
		store:    st,
		sessions: sessions,
		gate:     gate,
		bus:      eventBus,
		executor: executor,
		logger:   log.WithFields(zap.String("component", "job-runner")),
		config:   cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		active:   make(map[string]*activeJob),
	}, nil
}

// SetSink wires the progress consumer. Call before submitting jobs.
func (r *Runner) SetSink(sink ProgressSink) {
	if sink == nil {
		sink = NopSink{}
	}
	r.sink = sink
}

func (r *Runner) progressSink() ProgressSink {
	if r.sink == nil {
		return NopSink{}
	}
	return r.sink
}

// Submit creates a job for the session and starts executing it on its own
// goroutine. It returns once the job record exists and the session is marked
// running. A session with a non-terminal job yields a busy error; exceeding
// the global cap yields a capacity error, never a queue.
func (r *Runner) Submit(ctx context.Context, sessionID, rawInput string, chatID int64) (*store.Job, error) {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.CurrentJobID != nil {
		if current, err := r.store.GetJob(ctx, *sess.CurrentJobID); err == nil && !current.Status.Terminal() {
			return nil, apperrors.Busy(sessionID, current.ID)
		}
	}
	project, err := r.store.GetProject(ctx, sess.ProjectID)
	if err != nil {
		return nil, err
	}

	if !r.sem.TryAcquire(1) {
		return nil, apperrors.Capacity(r.config.MaxConcurrent)
	}

	jobID := uuid.New().String()
	job := &store.Job{
		ID:          jobID,
		SessionID:   sess.ID,
		ProjectID:   project.ID,
		RawInput:    rawInput,
		Instruction: r.sessions.EnrichInstruction(sess, project, rawInput),
		Status:      store.JobQueued,
		LogPath: filepath.Join(r.config.LogsDir,
			fmt.Sprintf("%s_%s.log", jobID, time.Now().UTC().Format("20060102T150405"))),
	}
	if err := r.store.CreateJob(ctx, job); err != nil {
		r.sem.Release(1)
		return nil, err
	}
	if err := r.sessions.BeginJob(ctx, sess.ID, job.ID); err != nil {
		if delErr := r.store.DeleteJob(ctx, job.ID); delErr != nil {
			r.logger.Warn("failed to roll back refused job",
				zap.String("job_id", job.ID), zap.Error(delErr))
		}
		r.sem.Release(1)
		return nil, err
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	aj := &activeJob{job: job, cancel: cancel}
	r.mu.Lock()
	r.active[job.ID] = aj
	r.mu.Unlock()

	go r.execute(jobCtx, aj, sess, chatID)
	return job, nil
}

// Cancel stops a job: terminate, bounded grace, then kill. The job ends in
// canceled and the session idles regardless of signal delivery. Canceling a
// terminal job is a conflict.
func (r *Runner) Cancel(ctx context.Context, jobID string) error {
	r.mu.Lock()
	aj, running := r.active[jobID]
	r.mu.Unlock()

	if running {
		aj.markCanceled()
		aj.cancel()
		r.logger.Info("job cancellation requested", zap.String("job_id", jobID))
		return nil
	}

	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return apperrors.Conflict(fmt.Sprintf("job %s is already %s", jobID, job.Status))
	}

	// No live child (e.g. orphaned by a restart): terminalize directly.
	now := time.Now().UTC()
	job.Status = store.JobCanceled
	job.FinishedAt = &now
	if err := r.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	return r.sessions.Release(ctx, job.SessionID, "")
}

// Reconcile fails jobs left non-terminal by a previous process and idles
// their sessions. Called once at startup, before new submissions.
func (r *Runner) Reconcile(ctx context.Context) error {
	running, err := r.store.ListRunningJobs(ctx)
	if err != nil {
		return err
	}
	waiting, err := r.store.ListJobsWaitingApproval(ctx)
	if err != nil {
		return err
	}
	for _, job := range append(running, waiting...) {
		now := time.Now().UTC()
		job.Status = store.JobFailed
		job.Error = "orphaned by restart"
		job.FinishedAt = &now
		if err := r.store.UpdateJob(ctx, job); err != nil {
			return err
		}
		if err := r.sessions.Release(ctx, job.SessionID, ""); err != nil {
			r.logger.Warn("failed to release session during reconcile",
				zap.String("session_id", job.SessionID), zap.Error(err))
		}
		r.logger.Info("orphaned job failed during reconcile", zap.String("job_id", job.ID))
	}
	return nil
}

func (r *Runner) execute(ctx context.Context, aj *activeJob, sess *store.Session, chatID int64) {
	job := aj.job
	log := r.logger.WithSessionID(sess.ID).WithJobID(job.ID)
	defer func() {
		r.mu.Lock()
		delete(r.active, job.ID)
		r.mu.Unlock()
		r.sem.Release(1)
	}()

	now := time.Now().UTC()
	job.Status = store.JobRunning
	job.StartedAt = &now
	if err := r.store.UpdateJob(ctx, job); err != nil {
		log.Error("failed to mark job running", zap.Error(err))
		r.finalize(job, sess, store.JobFailed, "", err.Error(), nil)
		return
	}
	r.publish(bus.SubjectJobStarted, job, nil)

	handle, err := r.executor.Start(ctx, Spec{
		Instruction: job.Instruction,
		WorkDir:     sess.WorkspacePath,
		Env:         minimalEnv(),
	})
	if err != nil {
		r.finalize(job, sess, store.JobFailed, "", fmt.Sprintf("failed to start assistant: %v", err), nil)
		return
	}
	aj.handle = handle

	logFile, err := os.Create(job.LogPath)
	if err != nil {
		log.WithError(err).Warn("failed to open job log")
	}
	defer func() {
		if logFile != nil {
			_ = logFile.Close()
		}
	}()

	parser := stream.NewParser(sess.ID, job.ID)
	agg := newAggregate()
	sink := r.progressSink()
	lastProgress := time.Time{}

	lines := handle.Lines()
	perms := handle.Permissions()

loop:
	for lines != nil || perms != nil {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if logFile != nil {
				_, _ = logFile.WriteString(line + "\n")
			}
			for _, event := range parser.ParseLine(line) {
				sink.OnEvent(event)
				agg.apply(event)
			}
			if time.Since(lastProgress) >= r.config.ProgressInterval {
				lastProgress = time.Now()
				p := agg.snapshot(job.ID, sess.ID)
				sink.OnProgress(p)
				r.publish(bus.SubjectJobProgress, job, map[string]any{
					"tool_count":    p.ToolCount,
					"message_count": p.MessageCount,
					"files":         len(p.Files),
					"elapsed_ms":    p.Elapsed.Milliseconds(),
				})
			}
		case req, ok := <-perms:
			if !ok {
				perms = nil
				continue
			}
			if !r.handlePermission(ctx, job, sess, chatID, handle, req) {
				break loop
			}
		case <-ctx.Done():
			r.stopChild(handle)
			break loop
		}
	}

	exitCode, waitErr := handle.Wait()

	// The job may already be terminal: an approval denial terminalizes it
	// through the gate. Never overwrite a terminal status.
	current, err := r.store.GetJob(context.Background(), job.ID)
	if err == nil && current.Status.Terminal() {
		current.FilesChanged = agg.touchedFiles()
		sink.OnComplete(current)
		r.publish(bus.SubjectJobCompleted, current, map[string]any{"status": string(current.Status)})
		return
	}

	switch {
	case aj.wasCanceled():
		r.finalize(job, sess, store.JobCanceled, agg.summary(500), "", agg.touchedFiles())
	case waitErr != nil:
		r.finalize(job, sess, store.JobFailed, "", waitErr.Error(), agg.touchedFiles())
	case exitCode == 0:
		r.finalize(job, sess, store.JobDone, agg.summary(500), "", agg.touchedFiles())
	default:
		r.finalize(job, sess, store.JobFailed, agg.summary(500),
			fmt.Sprintf("Process exited with code %d", exitCode), agg.touchedFiles())
	}
}

// handlePermission runs the approval interlock for one permission request.
// Returns false when the job must stop (denial).
func (r *Runner) handlePermission(ctx context.Context, job *store.Job, sess *store.Session,
	chatID int64, handle Handle, req PermissionRequest) bool {

	approvalType, description := classifyPermission(req)
	a, err := r.gate.Open(ctx, approval.OpenRequest{
		Job:         job,
		Type:        approvalType,
		Description: description,
		Details:     req.Input,
		ChatID:      chatID,
	})
	if err != nil {
		r.logger.Error("failed to open approval, denying tool use",
			zap.String("job_id", job.ID), zap.Error(err))
		_ = handle.DenyPermission(req.ID, "approval could not be opened")
		return true
	}

	res, err := r.gate.Wait(ctx, a.ID)
	if err != nil {
		// Cancellation while blocked: the finalizer handles the rest.
		_ = handle.DenyPermission(req.ID, "job canceled")
		return false
	}

	if !res.Approved {
		_ = handle.DenyPermission(req.ID, res.Reason)
		r.stopChild(handle)
		return false
	}

	job.Status = store.JobRunning
	if err := r.store.UpdateJob(ctx, job); err != nil {
		r.logger.Warn("failed to mark job running after approval",
			zap.String("job_id", job.ID), zap.Error(err))
	}
	if err := r.sessions.Resume(ctx, sess.ID); err != nil {
		r.logger.Warn("failed to resume session after approval",
			zap.String("session_id", sess.ID), zap.Error(err))
	}
	if err := handle.Allow(req.ID); err != nil {
		r.logger.Error("failed to deliver approval to child",
			zap.String("job_id", job.ID), zap.Error(err))
	}
	return true
}

// stopChild terminates the child, waits out the grace period, then kills.
func (r *Runner) stopChild(handle Handle) {
	_ = handle.Terminate()
	done := make(chan struct{})
	go func() {
		_, _ = handle.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(r.config.TerminateGrace):
		_ = handle.Kill()
	}
}

// finalize terminalizes the job and releases the session.
func (r *Runner) finalize(job *store.Job, sess *store.Session, status store.JobStatus,
	summary, errMsg string, files []string) {

	ctx := context.Background()
	log := r.logger.WithSessionID(sess.ID).WithJobID(job.ID)
	now := time.Now().UTC()
	job.Status = status
	job.ResultSummary = summary
	job.Error = errMsg
	job.FilesChanged = files
	job.FinishedAt = &now
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	if err := r.store.UpdateJob(ctx, job); err != nil {
		log.WithError(err).Error("failed to terminalize job")
	}
	if err := r.sessions.Release(ctx, sess.ID, summary); err != nil {
		log.WithError(err).Error("failed to release session")
	}

	r.progressSink().OnComplete(job)
	r.publish(bus.SubjectJobCompleted, job, map[string]any{"status": string(status)})
	log.Info("job terminalized", zap.String("status", string(status)))
}

func (r *Runner) publish(subject string, job *store.Job, data map[string]any) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(context.Background(), subject,
		bus.NewEvent(subject, job.SessionID, job.ID, data)); err != nil {
		r.logger.Debug("failed to publish job event", zap.Error(err))
	}
}

// minimalEnv is the child environment: process search path, user home, and
// an entrypoint marker. Nothing else leaks through.
func minimalEnv() []string {
	return []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
		"TELEVIBE=1",
	}
}

// classifyPermission maps a tool request to an approval type.
func classifyPermission(req PermissionRequest) (store.ApprovalType, string) {
	switch req.ToolName {
	case "Bash":
		command, _ := req.Input["command"].(string)
		if strings.Contains(command, "git push") {
			return store.ApprovalGitPush, "Push to the remote repository"
		}
		return store.ApprovalShellCommand, "Run a shell command"
	case "Write", "Edit", "MultiEdit", "NotebookEdit":
		path, _ := req.Input["file_path"].(string)
		if path != "" {
			return store.ApprovalFileWrite, "Write to " + path
		}
		return store.ApprovalFileWrite, "Write to a file"
	case "WebFetch", "WebSearch":
		return store.ApprovalExternalRequest, "Reach an external service"
	default:
		return store.ApprovalDangerousEdit, "Use tool " + req.ToolName
	}
}
