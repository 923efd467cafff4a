// Package store provides the SQLite-backed persistent state for Televibe:
// projects, sessions, tasks, jobs, approvals, and per-user preferences.
package store

import "time"

// SessionState is the finite state of a session.
type SessionState string

const (
	SessionIdle    SessionState = "idle"
	SessionRunning SessionState = "running"
	SessionBlocked SessionState = "blocked"
	SessionClosing SessionState = "closing"
)

// ExecutionMode selects where a session's jobs run.
type ExecutionMode string

const (
	// ModeWorktree runs jobs in an isolated working copy (default, safe).
	ModeWorktree ExecutionMode = "worktree"
	// ModeDirect runs jobs directly in the project repository.
	ModeDirect ExecutionMode = "direct"
)

// JobStatus is the lifecycle status of a job.
type JobStatus string

const (
	JobQueued          JobStatus = "queued"
	JobRunning         JobStatus = "running"
	JobWaitingApproval JobStatus = "waiting_approval"
	JobDone            JobStatus = "done"
	JobFailed          JobStatus = "failed"
	JobCanceled        JobStatus = "canceled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobDone, JobFailed, JobCanceled:
		return true
	}
	return false
}

// TaskStatus is the workflow status of an imported task.
type TaskStatus string

const (
	TaskTodo        TaskStatus = "todo"
	TaskInProgress  TaskStatus = "in-progress"
	TaskBlocked     TaskStatus = "blocked"
	TaskNeedsReview TaskStatus = "needs-review"
	TaskDone        TaskStatus = "done"
)

// TaskPriority orders pending tasks.
type TaskPriority string

const (
	PriorityLow      TaskPriority = "low"
	PriorityMedium   TaskPriority = "medium"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// Rank returns the sort rank of a priority; lower sorts first.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

// ApprovalType classifies a privileged action awaiting consent.
type ApprovalType string

const (
	ApprovalShellCommand    ApprovalType = "shell-command"
	ApprovalFileWrite       ApprovalType = "file-write"
	ApprovalGitPush         ApprovalType = "git-push"
	ApprovalDeploy          ApprovalType = "deploy"
	ApprovalDangerousEdit   ApprovalType = "dangerous-edit"
	ApprovalExternalRequest ApprovalType = "external-request"
)

// Valid reports whether t is a member of the closed approval-type set.
func (t ApprovalType) Valid() bool {
	switch t {
	case ApprovalShellCommand, ApprovalFileWrite, ApprovalGitPush,
		ApprovalDeploy, ApprovalDangerousEdit, ApprovalExternalRequest:
		return true
	}
	return false
}

// ApprovalState is the resolution state of an approval.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalDenied   ApprovalState = "denied"
)

// Project is a registered repository.
type Project struct {
	ID            string    `db:"id"`
	Name          string    `db:"name"`
	RepoPath      string    `db:"repo_path"`
	RemoteURL     string    `db:"remote_url"`
	DefaultBranch string    `db:"default_branch"`
	TaskDir       string    `db:"task_dir"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// Session is a bounded piece of work bound to one isolated working copy on
// one branch of one project. IDs have the form S<n>.
type Session struct {
	ID             string        `db:"id"`
	ProjectID      string        `db:"project_id"`
	WorkspacePath  string        `db:"workspace_path"`
	Branch         string        `db:"branch"`
	State          SessionState  `db:"state"`
	Mode           ExecutionMode `db:"mode"`
	CurrentJobID   *string       `db:"current_job_id"`
	LastActivityAt time.Time     `db:"last_activity_at"`
	LastSummary    string        `db:"last_summary"`
	TaskIDs        []string      `db:"-"`
	CreatedAt      time.Time     `db:"created_at"`
	UpdatedAt      time.Time     `db:"updated_at"`
}

// Task is imported from a markdown task file; the core only stores it.
type Task struct {
	ID          string       `db:"id"`
	ProjectID   string       `db:"project_id"`
	Title       string       `db:"title"`
	Description string       `db:"description"`
	Status      TaskStatus   `db:"status"`
	Priority    TaskPriority `db:"priority"`
	Assignee    string       `db:"assignee"`
	SessionID   string       `db:"session_id"`
	Branch      string       `db:"branch"`
	Tags        []string     `db:"-"`
	CreatedAt   time.Time    `db:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at"`
}

// Job is one instruction submitted to the assistant within a session.
// RawInput is the user's original text; Instruction is the context-enriched
// text actually sent to the assistant.
type Job struct {
	ID            string     `db:"id"`
	SessionID     string     `db:"session_id"`
	ProjectID     string     `db:"project_id"`
	RawInput      string     `db:"raw_input"`
	Instruction   string     `db:"instruction"`
	Status        JobStatus  `db:"status"`
	ApprovalScope string     `db:"approval_scope"`
	ApprovalState string     `db:"approval_state"`
	LogPath       string     `db:"log_path"`
	ResultSummary string     `db:"result_summary"`
	FilesChanged  []string   `db:"-"`
	Error         string     `db:"error_message"`
	CreatedAt     time.Time  `db:"created_at"`
	StartedAt     *time.Time `db:"started_at"`
	FinishedAt    *time.Time `db:"finished_at"`
}

// Approval is a deliberate pause in a job awaiting explicit user consent.
// ChatID/MessageID locate the chat prompt so it can be edited in place.
type Approval struct {
	ID          string         `db:"id"`
	JobID       string         `db:"job_id"`
	SessionID   string         `db:"session_id"`
	ProjectID   string         `db:"project_id"`
	Type        ApprovalType   `db:"type"`
	Description string         `db:"description"`
	Details     map[string]any `db:"-"`
	State       ApprovalState  `db:"state"`
	ResolvedBy  string         `db:"resolved_by"`
	ResolvedAt  *time.Time     `db:"resolved_at"`
	ChatID      int64          `db:"chat_id"`
	MessageID   int            `db:"message_id"`
	CreatedAt   time.Time      `db:"created_at"`
}

// UserPreferences holds per-user settings mutated by the chat collaborator.
type UserPreferences struct {
	UserID           int64     `db:"user_id"`
	ModelID          string    `db:"model_id"`
	ModelProvider    string    `db:"model_provider"`
	ActiveSessionID  string    `db:"active_session_id"`
	Notify           bool      `db:"notify"`
	TrackerPreset    string    `db:"tracker_preset"`
	TrackerOverrides string    `db:"tracker_overrides"`
	UpdatedAt        time.Time `db:"updated_at"`
}
