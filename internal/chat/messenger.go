// Package chat defines the transport seam between Televibe and the chat
// front end. The concrete client (Telegram or otherwise) lives outside the
// core; everything here works against the Messenger interface.
package chat

import (
	"context"
	"errors"
	"strings"
)

// Button is one inline keyboard button; Data is the callback payload.
type Button struct {
	Text string
	Data string
}

// Keyboard is rows of buttons attached to a message.
type Keyboard [][]Button

// Messenger sends and edits chat messages. Implementations must be safe for
// concurrent use; the tracker edits many messages from job goroutines.
type Messenger interface {
	// SendMessage posts a new message and returns its id.
	SendMessage(ctx context.Context, chatID int64, text string, keyboard Keyboard) (int, error)
	// EditMessage replaces the text and keyboard of an existing message.
	// Editing a message to identical content returns an error satisfying
	// IsNotModified.
	EditMessage(ctx context.Context, chatID int64, messageID int, text string, keyboard Keyboard) error
	// ReplyToMessage posts a message threaded under an existing one.
	ReplyToMessage(ctx context.Context, chatID int64, replyTo int, text string) (int, error)
}

// ErrNotModified reports an edit whose content matched the current message.
var ErrNotModified = errors.New("message is not modified")

// IsNotModified reports whether err is a no-op edit. Transport
// implementations may surface their own phrasing of the condition, so the
// check also matches on message text.
func IsNotModified(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotModified) {
		return true
	}
	return strings.Contains(err.Error(), "message is not modified")
}
