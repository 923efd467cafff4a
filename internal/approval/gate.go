// Package approval implements the consent gate: privileged actions requested
// by the assistant pause the job until a user approves or denies them.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/televibe/televibe/internal/chat"
	apperrors "github.com/televibe/televibe/internal/common/errors"
	"github.com/televibe/televibe/internal/common/logger"
	"github.com/televibe/televibe/internal/events/bus"
	"github.com/televibe/televibe/internal/session"
	"github.com/televibe/televibe/internal/store"
)

// Resolution is the outcome delivered to a waiting job.
type Resolution struct {
	Approved bool
	By       string
	Reason   string
}

// Gate owns approval records and the hand-off between the chat side
// (approve/deny) and the job awaiting the outcome.
type Gate struct {
	store     *store.Store
	sessions  *session.Manager
	messenger chat.Messenger
	bus       bus.EventBus
	logger    *logger.Logger

	mu      sync.Mutex
	waiters map[string]chan Resolution
}

// NewGate creates an approval gate.
func NewGate(st *store.Store, sessions *session.Manager, messenger chat.Messenger, eventBus bus.EventBus, log *logger.Logger) *Gate {
	return &Gate{
		store:     st,
		sessions:  sessions,
		messenger: messenger,
		bus:       eventBus,
		logger:    log.WithFields(zap.String("component", "approval-gate")),
		waiters:   make(map[string]chan Resolution),
	}
}

// OpenRequest describes a privileged action needing consent.
type OpenRequest struct {
	Job         *store.Job
	Type        store.ApprovalType
	Description string
	Details     map[string]any
	// ChatID is where the consent prompt is posted.
	ChatID int64
}

// Open validates the request, creates a pending approval, moves the job to
// waiting-approval and the session to blocked, and posts the consent prompt.
func (g *Gate) Open(ctx context.Context, req OpenRequest) (*store.Approval, error) {
	if !req.Type.Valid() {
		return nil, apperrors.Validation("type", fmt.Sprintf("unknown approval type %q", req.Type))
	}
	if req.Job == nil {
		return nil, apperrors.Validation("job", "job is required")
	}
	if req.Job.Status.Terminal() {
		return nil, apperrors.Conflict(fmt.Sprintf("job %s is already %s", req.Job.ID, req.Job.Status))
	}

	a := &store.Approval{
		JobID:       req.Job.ID,
		SessionID:   req.Job.SessionID,
		ProjectID:   req.Job.ProjectID,
		Type:        req.Type,
		Description: req.Description,
		Details:     req.Details,
		ChatID:      req.ChatID,
	}
	if err := g.store.CreateApproval(ctx, a); err != nil {
		return nil, err
	}

	req.Job.Status = store.JobWaitingApproval
	req.Job.ApprovalScope = string(req.Type)
	req.Job.ApprovalState = string(store.ApprovalPending)
	if err := g.store.UpdateJob(ctx, req.Job); err != nil {
		return nil, err
	}
	if err := g.sessions.Block(ctx, req.Job.SessionID); err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.waiters[a.ID] = make(chan Resolution, 1)
	g.mu.Unlock()

	log := g.logger.WithSessionID(a.SessionID).WithJobID(a.JobID)
	if req.ChatID != 0 {
		msgID, err := g.messenger.SendMessage(ctx, req.ChatID, g.promptText(a), promptKeyboard(a))
		if err != nil {
			log.Error("failed to post approval prompt",
				zap.String("approval_id", a.ID), zap.Error(err))
		} else {
			a.MessageID = msgID
			if err := g.store.SetApprovalMessage(ctx, a.ID, req.ChatID, msgID); err != nil {
				log.Warn("failed to store approval prompt locator",
					zap.String("approval_id", a.ID), zap.Error(err))
			}
		}
	}

	g.publish(ctx, bus.SubjectApprovalOpened, a, "")
	log.Info("approval opened",
		zap.String("approval_id", a.ID),
		zap.String("type", string(a.Type)))
	return a, nil
}

// Approve resolves a pending approval in the affirmative. The job stays in
// waiting-approval; the runner's interlock resumes it.
func (g *Gate) Approve(ctx context.Context, approvalID, by string) (*store.Approval, error) {
	a, err := g.store.ResolveApproval(ctx, approvalID, store.ApprovalApproved, by)
	if err != nil {
		return nil, err
	}

	if job, jobErr := g.store.GetJob(ctx, a.JobID); jobErr == nil {
		job.ApprovalState = string(store.ApprovalApproved)
		if err := g.store.UpdateJob(ctx, job); err != nil {
			g.logger.Warn("failed to snapshot approval state on job",
				zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	g.editPrompt(ctx, a, fmt.Sprintf("✅ Approved by %s", by))
	g.deliver(a.ID, Resolution{Approved: true, By: by})
	g.publish(ctx, bus.SubjectApprovalResolved, a, "")
	return a, nil
}

// Deny resolves a pending approval in the negative: the job terminalizes as
// canceled with a denial error and the session idles. The runner's interlock
// additionally stops the child process.
func (g *Gate) Deny(ctx context.Context, approvalID, by, reason string) (*store.Approval, error) {
	a, err := g.store.ResolveApproval(ctx, approvalID, store.ApprovalDenied, by)
	if err != nil {
		return nil, err
	}

	denial := "Denied by " + by
	if reason != "" {
		denial += ": " + reason
	}

	if job, jobErr := g.store.GetJob(ctx, a.JobID); jobErr == nil && !job.Status.Terminal() {
		now := time.Now().UTC()
		job.Status = store.JobCanceled
		job.ApprovalState = string(store.ApprovalDenied)
		job.Error = denial
		job.FinishedAt = &now
		if err := g.store.UpdateJob(ctx, job); err != nil {
			g.logger.Error("failed to cancel denied job",
				zap.String("job_id", job.ID), zap.Error(err))
		}
		if err := g.sessions.Release(ctx, a.SessionID, ""); err != nil {
			g.logger.Warn("failed to idle session after denial",
				zap.String("session_id", a.SessionID), zap.Error(err))
		}
	}

	g.editPrompt(ctx, a, "❌ "+denial)
	g.deliver(a.ID, Resolution{Approved: false, By: by, Reason: reason})
	g.publish(ctx, bus.SubjectApprovalResolved, a, denial)
	return a, nil
}

// Wait blocks until the approval resolves or ctx is done. The runner calls
// this from the job goroutine while the job sits in waiting-approval.
func (g *Gate) Wait(ctx context.Context, approvalID string) (Resolution, error) {
	g.mu.Lock()
	ch, ok := g.waiters[approvalID]
	g.mu.Unlock()
	if !ok {
		// Approval predates this process (restart); poll the store.
		return g.waitViaStore(ctx, approvalID)
	}

	select {
	case res := <-ch:
		g.mu.Lock()
		delete(g.waiters, approvalID)
		g.mu.Unlock()
		return res, nil
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	}
}

// waitViaStore polls for resolutions made before this process started.
func (g *Gate) waitViaStore(ctx context.Context, approvalID string) (Resolution, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		a, err := g.store.GetApproval(ctx, approvalID)
		if err != nil {
			return Resolution{}, err
		}
		if a.State != store.ApprovalPending {
			return Resolution{Approved: a.State == store.ApprovalApproved, By: a.ResolvedBy}, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return Resolution{}, ctx.Err()
		}
	}
}

func (g *Gate) deliver(approvalID string, res Resolution) {
	g.mu.Lock()
	ch, ok := g.waiters[approvalID]
	g.mu.Unlock()
	if ok {
		select {
		case ch <- res:
		default:
		}
	}
}

func (g *Gate) editPrompt(ctx context.Context, a *store.Approval, status string) {
	if a.ChatID == 0 || a.MessageID == 0 {
		return
	}
	text := g.promptText(a) + "\n\n" + status
	if err := g.messenger.EditMessage(ctx, a.ChatID, a.MessageID, text, nil); err != nil && !chat.IsNotModified(err) {
		g.logger.Warn("failed to edit approval prompt",
			zap.String("approval_id", a.ID), zap.Error(err))
	}
}

func (g *Gate) promptText(a *store.Approval) string {
	text := fmt.Sprintf("🔐 Approval needed (%s)\nSession %s · Job %s\n\n%s",
		a.Type, a.SessionID, shortID(a.JobID), a.Description)
	if cmd, ok := a.Details["command"].(string); ok && cmd != "" {
		text += "\n\n`" + cmd + "`"
	}
	return text
}

func promptKeyboard(a *store.Approval) chat.Keyboard {
	return chat.Keyboard{{
		{Text: "✅ Approve", Data: "approve:" + a.ID},
		{Text: "❌ Deny", Data: "deny:" + a.ID},
	}}
}

func (g *Gate) publish(ctx context.Context, subject string, a *store.Approval, note string) {
	if g.bus == nil {
		return
	}
	data := map[string]any{
		"approval_id": a.ID,
		"type":        string(a.Type),
		"state":       string(a.State),
	}
	if note != "" {
		data["note"] = note
	}
	if err := g.bus.Publish(ctx, subject, bus.NewEvent(subject, a.SessionID, a.JobID, data)); err != nil {
		g.logger.Debug("failed to publish approval event", zap.Error(err))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
