package chat

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/televibe/televibe/internal/common/logger"
)

// LogMessenger is a Messenger that mirrors all traffic to the log. Used for
// headless runs where no chat transport is attached; the tracker and the
// approval gate still work, their output just lands in the log stream.
type LogMessenger struct {
	logger *logger.Logger

	mu     sync.Mutex
	nextID int
}

// NewLogMessenger creates a LogMessenger.
func NewLogMessenger(log *logger.Logger) *LogMessenger {
	return &LogMessenger{logger: log.WithFields(zap.String("component", "chat-log"))}
}

func (m *LogMessenger) SendMessage(_ context.Context, chatID int64, text string, _ Keyboard) (int, error) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.mu.Unlock()
	m.logger.Info("chat send",
		zap.Int64("chat_id", chatID), zap.Int("message_id", id), zap.String("text", text))
	return id, nil
}

func (m *LogMessenger) EditMessage(_ context.Context, chatID int64, messageID int, text string, _ Keyboard) error {
	m.logger.Debug("chat edit",
		zap.Int64("chat_id", chatID), zap.Int("message_id", messageID), zap.String("text", text))
	return nil
}

func (m *LogMessenger) ReplyToMessage(_ context.Context, chatID int64, replyTo int, text string) (int, error) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.mu.Unlock()
	m.logger.Info("chat reply",
		zap.Int64("chat_id", chatID), zap.Int("reply_to", replyTo), zap.String("text", text))
	return id, nil
}
