// Package bus carries job and approval lifecycle notifications between the
// runner, the tracker, and the status API.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects published by the runner and the approval gate.
const (
	SubjectJobStarted       = "televibe.job.started"
	SubjectJobProgress      = "televibe.job.progress"
	SubjectJobCompleted     = "televibe.job.completed"
	SubjectApprovalOpened   = "televibe.approval.opened"
	SubjectApprovalResolved = "televibe.approval.resolved"
)

// Event is one lifecycle notification.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	JobID     string         `json:"job_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event with a fresh id and timestamp.
func NewEvent(eventType, sessionID, jobID string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		SessionID: sessionID,
		JobID:     jobID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler consumes one event. Handlers run on bus goroutines and must not
// block for long.
type Handler func(ctx context.Context, event *Event) error

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
}

// EventBus publishes and subscribes to lifecycle events. Subjects use
// NATS-style tokens; subscription patterns may contain the wildcards
// * (one token) and > (rest of subject).
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}
