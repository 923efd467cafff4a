// Package stream parses the line-delimited JSON stream emitted by the coding
// assistant CLI into typed events.
package stream

import "time"

// EventKind identifies one of the event families on the wire.
type EventKind string

const (
	// KindSystemInit is the stream preamble: assistant session id and model.
	KindSystemInit EventKind = "system_init"
	// KindSystemResult is the stream epilogue: outcome, duration, cost, turns.
	KindSystemResult EventKind = "system_result"
	// KindAssistantText is visible assistant prose.
	KindAssistantText EventKind = "assistant_text"
	// KindAssistantThinking is the assistant's reasoning channel.
	KindAssistantThinking EventKind = "assistant_thinking"
	// KindToolUse is a tool invocation with its input payload.
	KindToolUse EventKind = "tool_use"
	// KindToolResult is the outcome of an earlier tool invocation.
	KindToolResult EventKind = "tool_result"
)

// Event is one parsed stream event, enriched with the session and job it
// belongs to.
type Event struct {
	Kind      EventKind
	SessionID string
	JobID     string
	Timestamp time.Time

	// System init fields.
	AssistantSessionID string
	Model              string
	Tools              []string
	Cwd                string

	// Text carries assistant text, thinking content, or tool result output.
	Text string

	// Tool fields. On KindToolResult, ToolName is back-filled from the
	// matching KindToolUse via the tool_use_id correlation.
	ToolID    string
	ToolName  string
	ToolInput map[string]any
	IsError   bool

	// System result fields.
	Subtype      string
	ErrorMessage string
	DurationMS   int64
	CostUSD      float64
	NumTurns     int
	InputTokens  int
	OutputTokens int
}
