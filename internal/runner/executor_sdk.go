package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
)

// SDKExecutor runs the assistant with a bidirectional stream-json channel:
// permission checks surface as control_request lines on stdout and are
// answered with control_response lines on stdin, so privileged actions can
// be held for user consent instead of being auto-resolved by the child.
type SDKExecutor struct {
	Bin string
}

// NewSDKExecutor creates an SDKExecutor.
func NewSDKExecutor(bin string) *SDKExecutor {
	if bin == "" {
		bin = "claude"
	}
	return &SDKExecutor{Bin: bin}
}

func (e *SDKExecutor) Start(ctx context.Context, spec Spec) (Handle, error) {
	cmd := exec.CommandContext(ctx, e.Bin,
		"-p", spec.Instruction,
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--permission-prompt-tool", "stdio",
		"--verbose")
	cmd.Dir = spec.WorkDir
	cmd.Env = spec.Env
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", e.Bin, err)
	}

	h := &sdkHandle{
		processHandle: processHandle{cmd: cmd, lines: make(chan string, 64)},
		stdin:         stdin,
		permissions:   make(chan PermissionRequest, 8),
	}
	go h.readLoop(stdout)
	return h, nil
}

type sdkHandle struct {
	processHandle
	stdin       io.WriteCloser
	stdinMu     sync.Mutex
	permissions chan PermissionRequest
}

// control messages on the wire.
type controlRequestLine struct {
	Type      string             `json:"type"`
	RequestID string             `json:"request_id"`
	Request   controlRequestBody `json:"request"`
}

type controlRequestBody struct {
	Subtype  string         `json:"subtype"`
	ToolName string         `json:"tool_name"`
	Input    map[string]any `json:"input"`
}

type controlResponseLine struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Response  controlResponse `json:"response"`
}

type controlResponse struct {
	Subtype string            `json:"subtype"`
	Result  *permissionResult `json:"result,omitempty"`
}

type permissionResult struct {
	Behavior string `json:"behavior"`
	Message  string `json:"message,omitempty"`
}

// readLoop splits control traffic from protocol events: can_use_tool
// requests go to the permission channel, everything else passes through as
// plain lines for the event parser.
func (h *sdkHandle) readLoop(r io.Reader) {
	defer close(h.lines)
	defer close(h.permissions)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()

		var ctrl controlRequestLine
		if err := json.Unmarshal([]byte(line), &ctrl); err == nil &&
			ctrl.Type == "control_request" && ctrl.Request.Subtype == "can_use_tool" {
			h.permissions <- PermissionRequest{
				ID:       ctrl.RequestID,
				ToolName: ctrl.Request.ToolName,
				Input:    ctrl.Request.Input,
			}
			continue
		}
		h.lines <- line
	}
}

func (h *sdkHandle) Permissions() <-chan PermissionRequest { return h.permissions }

func (h *sdkHandle) Allow(requestID string) error {
	return h.respond(controlResponseLine{
		Type:      "control_response",
		RequestID: requestID,
		Response: controlResponse{
			Subtype: "success",
			Result:  &permissionResult{Behavior: "allow"},
		},
	})
}

func (h *sdkHandle) DenyPermission(requestID, reason string) error {
	return h.respond(controlResponseLine{
		Type:      "control_response",
		RequestID: requestID,
		Response: controlResponse{
			Subtype: "success",
			Result:  &permissionResult{Behavior: "deny", Message: reason},
		},
	})
}

func (h *sdkHandle) respond(resp controlResponseLine) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal control response: %w", err)
	}
	h.stdinMu.Lock()
	defer h.stdinMu.Unlock()
	if _, err := h.stdin.Write(append(data, '\n')); err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			return nil
		}
		return fmt.Errorf("write control response: %w", err)
	}
	return nil
}
