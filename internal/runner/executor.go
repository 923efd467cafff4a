// Package runner executes jobs: it spawns the coding assistant for one
// instruction in one session, parses its event stream, reports progress,
// and handles cancellation and the approval interlock.
package runner

import "context"

// Spec describes one assistant invocation.
type Spec struct {
	// Instruction is the context-enriched text sent to the assistant.
	Instruction string
	// WorkDir is the session workspace the assistant runs in.
	WorkDir string
	// Env is the minimal child environment.
	Env []string
}

// PermissionRequest is a privileged action the assistant asks consent for
// mid-stream. Only the sdk executor produces these.
type PermissionRequest struct {
	ID       string
	ToolName string
	Input    map[string]any
}

// Handle is one live assistant invocation.
type Handle interface {
	// Lines streams the merged stdout/stderr, one line at a time. The
	// channel closes when the child's output ends.
	Lines() <-chan string
	// Permissions streams mid-run permission requests. Nil when the
	// executor has no permission channel.
	Permissions() <-chan PermissionRequest
	// Allow lets the child proceed past a permission request.
	Allow(requestID string) error
	// DenyPermission refuses a permission request with a reason.
	DenyPermission(requestID, reason string) error
	// Terminate asks the child to exit gracefully.
	Terminate() error
	// Kill forcibly ends the child.
	Kill() error
	// Wait blocks until the child exits and returns its exit code.
	Wait() (int, error)
}

// Executor starts assistant invocations. Implementations: subprocess
// (one-shot -p invocation) and sdk (bidirectional stream-json with a
// permission control channel). Both speak the same event protocol.
type Executor interface {
	Start(ctx context.Context, spec Spec) (Handle, error)
}
