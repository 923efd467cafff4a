// Package supervisor handles the file-based hand-off with the outer watchdog
// process: the restart notice it writes before restarting us, and the health
// flag we touch once setup completes.
package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// RestartState is written by the supervisor before it restarts the process,
// so the new process can tell affected chats what happened.
type RestartState struct {
	Reason      string    `json:"reason"`
	NotifyChats []int64   `json:"notify_chats"`
	RestartedAt time.Time `json:"restarted_at"`
}

// ConsumeRestartState reads and deletes the restart notice. A missing file
// means a clean start and yields (nil, nil).
func ConsumeRestartState(path string) (*RestartState, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read restart state: %w", err)
	}

	var state RestartState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse restart state: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("consume restart state: %w", err)
	}
	return &state, nil
}

// TouchHealthFlag marks initial setup as complete for the supervisor.
func TouchHealthFlag(path string) error {
	return os.WriteFile(path, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644)
}
