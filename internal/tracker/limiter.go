package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/televibe/televibe/internal/common/constants"
)

// editLimiter spaces in-place edits of a chat message. Callers for the same
// message serialize on a per-message mutex; a caller arriving inside the
// quiet window sleeps until the window ends. Forced edits skip the wait but
// still serialize.
type editLimiter struct {
	interval time.Duration

	mu      sync.Mutex
	entries map[string]*limiterEntry
}

type limiterEntry struct {
	mu   sync.Mutex
	last time.Time
}

func newEditLimiter(interval time.Duration) *editLimiter {
	if interval <= 0 {
		interval = constants.EditInterval
	}
	return &editLimiter{interval: interval, entries: make(map[string]*limiterEntry)}
}

func (l *editLimiter) entry(chatID int64, messageID int) *limiterEntry {
	key := fmt.Sprintf("%d:%d", chatID, messageID)
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &limiterEntry{}
		l.entries[key] = e
	}
	return e
}

// do runs fn under the message's mutex, after waiting out the remainder of
// the quiet window unless force is set.
func (l *editLimiter) do(ctx context.Context, chatID int64, messageID int, force bool, fn func() error) error {
	e := l.entry(chatID, messageID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if !force {
		if wait := l.interval - time.Since(e.last); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	err := fn()
	e.last = time.Now()
	return err
}

// forget drops a message's limiter entry once the message stops changing.
func (l *editLimiter) forget(chatID int64, messageID int) {
	key := fmt.Sprintf("%d:%d", chatID, messageID)
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
}
