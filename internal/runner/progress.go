package runner

import (
	"sort"
	"strings"
	"time"

	"github.com/televibe/televibe/internal/store"
	"github.com/televibe/televibe/pkg/stream"
)

// Progress is the aggregate view of a running job, delivered to sinks at
// most once per rate-limit interval.
type Progress struct {
	JobID        string
	SessionID    string
	CurrentTool  string
	ToolCount    int
	MessageCount int
	LastMessage  string
	Files        []string
	Elapsed      time.Duration
}

// ProgressSink receives job lifecycle callbacks. The tracker is the primary
// consumer. Implementations must tolerate concurrent calls from different
// job goroutines.
type ProgressSink interface {
	OnProgress(p Progress)
	OnEvent(e stream.Event)
	OnComplete(job *store.Job)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) OnProgress(Progress)   {}
func (NopSink) OnEvent(stream.Event)  {}
func (NopSink) OnComplete(*store.Job) {}

// aggregate accumulates per-job progress from parsed events. Owned by one
// job goroutine; no locking needed.
type aggregate struct {
	started      time.Time
	currentTool  string
	toolCount    int
	messageCount int
	lastMessage  string
	files        map[string]struct{}
	tailTexts    []string
	result       *stream.Event
}

func newAggregate() *aggregate {
	return &aggregate{started: time.Now(), files: make(map[string]struct{})}
}

// summaryTail is how many trailing text events feed the result summary.
const summaryTail = 3

func (a *aggregate) apply(e stream.Event) {
	switch e.Kind {
	case stream.KindAssistantText:
		a.messageCount++
		a.lastMessage = e.Text
		a.tailTexts = append(a.tailTexts, e.Text)
		if len(a.tailTexts) > summaryTail {
			a.tailTexts = a.tailTexts[len(a.tailTexts)-summaryTail:]
		}
	case stream.KindToolUse:
		a.toolCount++
		a.currentTool = e.ToolName
		if path, ok := e.ToolInput["file_path"].(string); ok && path != "" {
			a.files[path] = struct{}{}
		}
	case stream.KindToolResult:
		a.currentTool = ""
	case stream.KindSystemResult:
		ev := e
		a.result = &ev
	}
}

func (a *aggregate) snapshot(jobID, sessionID string) Progress {
	return Progress{
		JobID:        jobID,
		SessionID:    sessionID,
		CurrentTool:  a.currentTool,
		ToolCount:    a.toolCount,
		MessageCount: a.messageCount,
		LastMessage:  a.lastMessage,
		Files:        a.touchedFiles(),
		Elapsed:      time.Since(a.started),
	}
}

func (a *aggregate) touchedFiles() []string {
	out := make([]string, 0, len(a.files))
	for f := range a.files {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// summary concatenates the trailing text events, capped at maxLen.
func (a *aggregate) summary(maxLen int) string {
	s := strings.TrimSpace(strings.Join(a.tailTexts, "\n"))
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}
