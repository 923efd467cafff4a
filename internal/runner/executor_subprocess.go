package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
)

const maxLineSize = 10 * 1024 * 1024 // generous: single events can carry whole files

// SubprocessExecutor runs the assistant as a one-shot child process:
//
//	claude -p <instruction> --output-format stream-json
//
// stdout and stderr are merged into one line stream. There is no permission
// channel; the assistant applies its own defaults for privileged actions.
type SubprocessExecutor struct {
	// Bin is the assistant executable, default "claude".
	Bin string
}

// NewSubprocessExecutor creates a SubprocessExecutor.
func NewSubprocessExecutor(bin string) *SubprocessExecutor {
	if bin == "" {
		bin = "claude"
	}
	return &SubprocessExecutor{Bin: bin}
}

func (e *SubprocessExecutor) Start(ctx context.Context, spec Spec) (Handle, error) {
	cmd := exec.CommandContext(ctx, e.Bin,
		"-p", spec.Instruction,
		"--output-format", "stream-json",
		"--verbose")
	cmd.Dir = spec.WorkDir
	cmd.Env = spec.Env
	// The runner owns termination; don't let context cancellation race it.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", e.Bin, err)
	}

	h := &processHandle{
		cmd:   cmd,
		lines: make(chan string, 64),
		done:  make(chan struct{}),
	}
	go h.readLines(stdout)
	return h, nil
}

type processHandle struct {
	cmd   *exec.Cmd
	lines chan string
	done  chan struct{}

	waitOnce sync.Once
	exitCode int
	waitErr  error
}

// readLines pumps child output into the line channel. The done channel
// unblocks a pending send once the runner has stopped draining, so the
// goroutine never outlives Wait.
func (h *processHandle) readLines(r io.Reader) {
	defer close(h.lines)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		select {
		case h.lines <- scanner.Text():
		case <-h.done:
			return
		}
	}
}

func (h *processHandle) Lines() <-chan string                  { return h.lines }
func (h *processHandle) Permissions() <-chan PermissionRequest { return nil }

func (h *processHandle) Allow(string) error {
	return fmt.Errorf("subprocess executor has no permission channel")
}

func (h *processHandle) DenyPermission(string, string) error {
	return fmt.Errorf("subprocess executor has no permission channel")
}

func (h *processHandle) Terminate() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Signal(syscall.SIGTERM)
}

func (h *processHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

func (h *processHandle) Wait() (int, error) {
	h.waitOnce.Do(func() {
		close(h.done)
		err := h.cmd.Wait()
		if err == nil {
			h.exitCode = 0
			return
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			h.exitCode = exitErr.ExitCode()
			return
		}
		h.exitCode = -1
		h.waitErr = err
	})
	return h.exitCode, h.waitErr
}
