package chat

import "errors"

// ErrMessageNotFound reports an edit or reply targeting an unknown message.
var ErrMessageNotFound = errors.New("message not found")
