package tracker

import (
	"context"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/televibe/televibe/internal/chat"
	apperrors "github.com/televibe/televibe/internal/common/errors"
	"github.com/televibe/televibe/internal/common/logger"
	"github.com/televibe/televibe/internal/events/bus"
	"github.com/televibe/televibe/internal/runner"
	"github.com/televibe/televibe/internal/store"
	"github.com/televibe/televibe/pkg/stream"
)

// configCacheTTL bounds how stale a cached per-chat config can get before
// preferences are re-read.
const configCacheTTL = 5 * time.Minute

// Tracker maintains one live chat message per job and keeps it current as
// events arrive. It implements runner.ProgressSink.
type Tracker struct {
	store     *store.Store
	messenger chat.Messenger
	logger    *logger.Logger
	limiter   *editLimiter
	configs   *gocache.Cache

	mu    sync.Mutex
	views map[string]*jobView
}

// New creates a Tracker. editInterval zero means the 1500ms default.
func New(st *store.Store, messenger chat.Messenger, editInterval time.Duration, log *logger.Logger) *Tracker {
	return &Tracker{
		store:     st,
		messenger: messenger,
		logger:    log.WithFields(zap.String("component", "tracker")),
		limiter:   newEditLimiter(editInterval),
		configs:   gocache.New(configCacheTTL, 10*time.Minute),
		views:     make(map[string]*jobView),
	}
}

// Track registers a job for live tracking and posts the initial message.
// Call it right after a successful submit; events for untracked jobs are
// dropped silently.
func (t *Tracker) Track(ctx context.Context, job *store.Job, projectName string, chatID int64) error {
	cfg := t.configFor(ctx, chatID)
	v := newJobView(job.ID, job.SessionID, projectName, job.RawInput, chatID, cfg)

	text, kb := render(v)
	msgID, err := t.messenger.SendMessage(ctx, chatID, text, kb)
	if err != nil {
		// Sends get one retry; edits later will self-heal the content.
		t.logger.Warn("tracker send failed, retrying once", zap.Error(err))
		if msgID, err = t.messenger.SendMessage(ctx, chatID, text, kb); err != nil {
			return err
		}
	}
	v.messageID = msgID

	t.mu.Lock()
	t.views[job.ID] = v
	t.mu.Unlock()
	return nil
}

// configFor resolves the chat's tracker config: preset plus overrides from
// the stored preferences, cached briefly.
func (t *Tracker) configFor(ctx context.Context, chatID int64) Config {
	key := cacheKey(chatID)
	if cached, ok := t.configs.Get(key); ok {
		return cached.(Config)
	}

	cfg := DefaultConfig()
	prefs, err := t.store.GetPreferences(ctx, chatID)
	if err != nil {
		t.logger.Warn("failed to load preferences, using defaults", zap.Error(err))
	} else {
		if preset, perr := Preset(prefs.TrackerPreset); perr == nil {
			cfg = preset
		}
		if merged, merr := ApplyOverrides(cfg, prefs.TrackerOverrides); merr == nil {
			cfg = merged
		} else {
			t.logger.Warn("bad tracker overrides ignored",
				zap.Int64("chat_id", chatID), zap.Error(merr))
		}
	}

	t.configs.Set(key, cfg, gocache.DefaultExpiration)
	return cfg
}

// SubscribeBus attaches the tracker to approval lifecycle notifications so
// a blocked job's message shows the waiting state even though no stream
// event arrives while the child is suspended.
func (t *Tracker) SubscribeBus(b bus.EventBus) error {
	_, err := b.Subscribe("televibe.approval.>", func(_ context.Context, e *bus.Event) error {
		t.mu.Lock()
		v, ok := t.views[e.JobID]
		if ok && !v.status.Terminal() {
			switch e.Type {
			case bus.SubjectApprovalOpened:
				v.status = StatusWaitingApproval
			case bus.SubjectApprovalResolved:
				v.status = StatusRunning
			}
		}
		t.mu.Unlock()
		if ok {
			t.scheduleEdit(e.JobID)
		}
		return nil
	})
	return err
}

// InvalidateConfig drops a chat's cached config after a preference change.
func (t *Tracker) InvalidateConfig(chatID int64) {
	t.configs.Delete(cacheKey(chatID))
}

func cacheKey(chatID int64) string {
	return "cfg:" + strconv.FormatInt(chatID, 10)
}

// Pause stops in-place edits for a job's message until Resume. The message
// gets one immediate edit so the keyboard flips.
func (t *Tracker) Pause(jobID string) error {
	return t.setPaused(jobID, true)
}

// Resume re-enables in-place edits for a job's message.
func (t *Tracker) Resume(jobID string) error {
	return t.setPaused(jobID, false)
}

func (t *Tracker) setPaused(jobID string, paused bool) error {
	t.mu.Lock()
	v, ok := t.views[jobID]
	if !ok {
		t.mu.Unlock()
		return apperrors.NotFound("job", jobID)
	}
	v.paused = paused
	text, kb := render(v)
	chatID, msgID := v.chatID, v.messageID
	t.mu.Unlock()

	return t.editNow(chatID, msgID, text, kb)
}

// OnEvent folds one stream event into the job's view and schedules an edit.
func (t *Tracker) OnEvent(e stream.Event) {
	t.mu.Lock()
	v, ok := t.views[e.JobID]
	if !ok {
		t.mu.Unlock()
		return
	}
	v.absorb(e)
	t.mu.Unlock()
	t.scheduleEdit(e.JobID)
}

// OnProgress refreshes the elapsed-time view even when no new event passed
// the filters.
func (t *Tracker) OnProgress(p runner.Progress) {
	t.mu.Lock()
	_, ok := t.views[p.JobID]
	t.mu.Unlock()
	if ok {
		t.scheduleEdit(p.JobID)
	}
}

// OnComplete performs the terminal render: one forced edit of the tracker
// message, then a sibling completion reply. The view is freed afterwards.
func (t *Tracker) OnComplete(job *store.Job) {
	t.mu.Lock()
	v, ok := t.views[job.ID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.views, job.ID)

	v.status = statusFromJob(job.Status)
	v.result = job.ResultSummary
	v.errMsg = job.Error
	for _, f := range job.FilesChanged {
		v.files[f] = struct{}{}
	}
	text, kb := render(v)
	reply := completionReply(v)
	chatID, msgID := v.chatID, v.messageID
	t.mu.Unlock()

	ctx := context.Background()
	err := t.limiter.do(ctx, chatID, msgID, true, func() error {
		return t.messenger.EditMessage(ctx, chatID, msgID, text, kb)
	})
	if err != nil && !chat.IsNotModified(err) {
		t.logger.Warn("terminal tracker edit failed",
			zap.String("job_id", job.ID), zap.Error(err))
	}

	if _, err := t.messenger.ReplyToMessage(ctx, chatID, msgID, reply); err != nil {
		t.logger.Warn("completion reply failed, retrying once",
			zap.String("job_id", job.ID), zap.Error(err))
		if _, err := t.messenger.ReplyToMessage(ctx, chatID, msgID, reply); err != nil {
			t.logger.Error("completion reply failed",
				zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	t.limiter.forget(chatID, msgID)
}

// scheduleEdit ensures at most one edit goroutine per view; further changes
// while an edit is in flight coalesce into a single follow-up edit.
func (t *Tracker) scheduleEdit(jobID string) {
	t.mu.Lock()
	v, ok := t.views[jobID]
	if !ok || v.paused {
		t.mu.Unlock()
		return
	}
	if v.editing {
		v.dirty = true
		t.mu.Unlock()
		return
	}
	v.editing = true
	t.mu.Unlock()

	go t.editLoop(jobID)
}

func (t *Tracker) editLoop(jobID string) {
	ctx := context.Background()
	for {
		t.mu.Lock()
		v, ok := t.views[jobID]
		if !ok {
			t.mu.Unlock()
			return
		}
		if v.paused {
			v.editing = false
			t.mu.Unlock()
			return
		}
		v.dirty = false
		text, kb := render(v)
		chatID, msgID := v.chatID, v.messageID
		t.mu.Unlock()

		err := t.limiter.do(ctx, chatID, msgID, false, func() error {
			return t.messenger.EditMessage(ctx, chatID, msgID, text, kb)
		})
		if err != nil && !chat.IsNotModified(err) {
			t.logger.Debug("tracker edit failed",
				zap.String("job_id", jobID), zap.Error(err))
		}

		t.mu.Lock()
		v, ok = t.views[jobID]
		if !ok || !v.dirty || v.paused {
			if ok {
				v.editing = false
			}
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()
	}
}

func (t *Tracker) editNow(chatID int64, msgID int, text string, kb chat.Keyboard) error {
	ctx := context.Background()
	err := t.limiter.do(ctx, chatID, msgID, true, func() error {
		return t.messenger.EditMessage(ctx, chatID, msgID, text, kb)
	})
	if chat.IsNotModified(err) {
		return nil
	}
	return err
}

