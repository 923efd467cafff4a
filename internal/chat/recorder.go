package chat

import (
	"context"
	"sync"
)

// Recorder is an in-memory Messenger for tests: it stores every message and
// edit, and reproduces the transport's "not modified" behavior on no-op
// edits.
type Recorder struct {
	mu     sync.Mutex
	nextID int
	msgs   map[int64]map[int]*RecordedMessage

	// SendErr / EditErr, when set, are returned by the next call.
	SendErr error
	EditErr error
}

// RecordedMessage is the current content of one message plus its history.
type RecordedMessage struct {
	ChatID   int64
	ID       int
	Text     string
	Keyboard Keyboard
	ReplyTo  int
	Edits    int
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{msgs: make(map[int64]map[int]*RecordedMessage)}
}

func (r *Recorder) SendMessage(_ context.Context, chatID int64, text string, keyboard Keyboard) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SendErr != nil {
		err := r.SendErr
		r.SendErr = nil
		return 0, err
	}
	r.nextID++
	msg := &RecordedMessage{ChatID: chatID, ID: r.nextID, Text: text, Keyboard: keyboard}
	if r.msgs[chatID] == nil {
		r.msgs[chatID] = make(map[int]*RecordedMessage)
	}
	r.msgs[chatID][msg.ID] = msg
	return msg.ID, nil
}

func (r *Recorder) EditMessage(_ context.Context, chatID int64, messageID int, text string, keyboard Keyboard) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.EditErr != nil {
		err := r.EditErr
		r.EditErr = nil
		return err
	}
	msg, ok := r.msgs[chatID][messageID]
	if !ok {
		return ErrMessageNotFound
	}
	if msg.Text == text && keyboardEqual(msg.Keyboard, keyboard) {
		return ErrNotModified
	}
	msg.Text = text
	msg.Keyboard = keyboard
	msg.Edits++
	return nil
}

func (r *Recorder) ReplyToMessage(_ context.Context, chatID int64, replyTo int, text string) (int, error) {
	id, err := r.SendMessage(context.Background(), chatID, text, nil)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	r.msgs[chatID][id].ReplyTo = replyTo
	r.mu.Unlock()
	return id, nil
}

// Message returns a copy of a recorded message, or nil when absent.
func (r *Recorder) Message(chatID int64, messageID int) *RecordedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.msgs[chatID][messageID]
	if !ok {
		return nil
	}
	cp := *msg
	return &cp
}

// Messages returns copies of all messages in a chat, in send order.
func (r *Recorder) Messages(chatID int64) []RecordedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []RecordedMessage
	for id := 1; id <= r.nextID; id++ {
		if msg, ok := r.msgs[chatID][id]; ok {
			out = append(out, *msg)
		}
	}
	return out
}

func keyboardEqual(a, b Keyboard) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false
		}
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				return false
			}
		}
	}
	return true
}
