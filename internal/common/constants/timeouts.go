// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for various operations.
const (
	// ChildGrace is how long the runner waits between SIGTERM and SIGKILL
	// when stopping an assistant child process.
	ChildGrace = 5 * time.Second

	// ProgressInterval is the minimum spacing between progress callbacks
	// emitted by the job runner.
	ProgressInterval = 3 * time.Second

	// EditInterval is the default minimum spacing between in-place edits
	// of a tracker chat message.
	EditInterval = 1500 * time.Millisecond

	// SessionCloseTimeout bounds workspace removal during session close.
	SessionCloseTimeout = 2 * time.Minute
)
