package tracker

import (
	"sort"
	"time"

	"github.com/televibe/televibe/internal/store"
	"github.com/televibe/televibe/pkg/stream"
)

// Status is the tracker-side lifecycle of a job view. It is looser than the
// job status in the store: "starting" covers the window between submission
// and the first event.
type Status string

const (
	StatusStarting        Status = "starting"
	StatusRunning         Status = "running"
	StatusWaitingApproval Status = "waiting-approval"
	StatusDone            Status = "done"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// Terminal reports whether the view has reached its final state.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

func statusIcon(s Status) string {
	switch s {
	case StatusStarting:
		return "🚀"
	case StatusRunning:
		return "⚙️"
	case StatusWaitingApproval:
		return "⏳"
	case StatusDone:
		return "✅"
	case StatusFailed:
		return "❌"
	case StatusCancelled:
		return "⏹️"
	default:
		return "•"
	}
}

// statusFromJob maps a terminal job status onto the view status.
func statusFromJob(s store.JobStatus) Status {
	switch s {
	case store.JobDone:
		return StatusDone
	case store.JobFailed:
		return StatusFailed
	case store.JobCanceled:
		return StatusCancelled
	case store.JobWaitingApproval:
		return StatusWaitingApproval
	default:
		return StatusRunning
	}
}

// maxBufferedEvents bounds the retained event window. Only the rendering
// tail matters; older events survive as the "…N earlier" count.
const maxBufferedEvents = 100

// jobView is the per-job tracker state. It lives from the first event (or
// explicit Track call) until the terminal render and reply, strictly shorter
// than the job record. All access goes through the Tracker's lock.
type jobView struct {
	jobID       string
	sessionID   string
	projectName string
	instruction string

	chatID    int64
	messageID int

	started     time.Time
	events      []stream.Event
	totalEvents int

	files        map[string]struct{}
	turns        int
	inputTokens  int
	outputTokens int
	cost         float64

	status     Status
	result     string
	errMsg     string
	paused     bool
	lastUpdate time.Time

	config Config

	// edit scheduling: at most one in-flight edit goroutine per view.
	editing bool
	dirty   bool
}

func newJobView(jobID, sessionID, projectName, instruction string, chatID int64, cfg Config) *jobView {
	return &jobView{
		jobID:       jobID,
		sessionID:   sessionID,
		projectName: projectName,
		instruction: instruction,
		chatID:      chatID,
		started:     time.Now(),
		files:       make(map[string]struct{}),
		status:      StatusStarting,
		config:      cfg,
	}
}

// absorb applies one event: stats always, the buffer only when the config
// admits the event.
func (v *jobView) absorb(e stream.Event) {
	if v.status == StatusStarting {
		v.status = StatusRunning
	}
	switch e.Kind {
	case stream.KindToolUse:
		if path, ok := e.ToolInput["file_path"].(string); ok && path != "" {
			v.files[path] = struct{}{}
		}
	case stream.KindSystemResult:
		v.turns = e.NumTurns
		v.inputTokens = e.InputTokens
		v.outputTokens = e.OutputTokens
		v.cost = e.CostUSD
	}
	v.lastUpdate = time.Now()

	if !v.config.ShouldShow(e) {
		return
	}
	v.totalEvents++
	v.events = append(v.events, e)
	if len(v.events) > maxBufferedEvents {
		v.events = v.events[len(v.events)-maxBufferedEvents:]
	}
}

func (v *jobView) elapsed() time.Duration {
	return time.Since(v.started)
}

func (v *jobView) fileList() []string {
	out := make([]string, 0, len(v.files))
	for f := range v.files {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
