// Package events selects the event bus implementation from configuration.
package events

import (
	"fmt"
	"strings"

	"github.com/televibe/televibe/internal/common/config"
	"github.com/televibe/televibe/internal/common/logger"
	"github.com/televibe/televibe/internal/events/bus"
)

// Provide builds the configured event bus: NATS when a URL is set, the
// in-process bus otherwise. The returned cleanup closes the bus.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		return natsBus, func() error { natsBus.Close(); return nil }, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	return memBus, func() error { memBus.Close(); return nil }, nil
}
