package tracker

import (
	"fmt"
	"strings"

	"github.com/televibe/televibe/internal/chat"
	"github.com/televibe/televibe/pkg/stream"
)

const (
	// maxMessageLength is the chat transport's hard text limit.
	maxMessageLength = 4000
	truncationMarker = "\n...truncated"

	progressBarCells = 20
)

// readLikeTools are collapsed when they repeat back to back.
var readLikeTools = map[string]bool{"Read": true, "Glob": true, "Grep": true}

// render produces the tracker message text and its keyboard for the current
// view state. Callers hold the tracker lock.
func render(v *jobView) (string, chat.Keyboard) {
	var b strings.Builder

	// Header.
	fmt.Fprintf(&b, "%s %s · %s", statusIcon(v.status), v.sessionID, v.projectName)
	if v.status == StatusWaitingApproval {
		b.WriteString(" · waiting for approval")
	}
	b.WriteString("\n")
	b.WriteString(truncate(v.instruction, 120))
	b.WriteString("\n")

	// Event log window.
	window := v.events
	if n := v.config.MaxEventsDisplayed; n > 0 && len(window) > n {
		window = window[len(window)-n:]
	}
	if hidden := v.totalEvents - len(window); hidden > 0 {
		fmt.Fprintf(&b, "\n…%d earlier\n", hidden)
	} else if len(window) > 0 {
		b.WriteString("\n")
	}
	for _, line := range eventLines(window, v.config) {
		b.WriteString(line)
		b.WriteString("\n")
	}

	// Progress bar, while the job is still moving.
	if v.config.ShowProgressBar && !v.status.Terminal() {
		filled := v.totalEvents + v.turns
		if filled > progressBarCells {
			filled = progressBarCells
		}
		b.WriteString("\n")
		b.WriteString(strings.Repeat("▰", filled))
		b.WriteString(strings.Repeat("▱", progressBarCells-filled))
		b.WriteString("\n")
	}

	// Stats.
	if stats := statsLine(v); stats != "" {
		b.WriteString("\n")
		b.WriteString(stats)
		b.WriteString("\n")
	}

	// Completion footer.
	if v.status.Terminal() {
		b.WriteString("\n")
		b.WriteString(footer(v))
		b.WriteString("\n")
	}

	return capLength(b.String()), keyboardFor(v)
}

// eventLines formats the display window, folding consecutive read-like tool
// starts into a single counted line when configured.
func eventLines(window []stream.Event, cfg Config) []string {
	var lines []string
	for i := 0; i < len(window); i++ {
		e := window[i]
		if cfg.CollapseRepeatedTools && e.Kind == stream.KindToolUse && readLikeTools[e.ToolName] {
			count := 1
			for i+1 < len(window) &&
				window[i+1].Kind == stream.KindToolUse &&
				window[i+1].ToolName == e.ToolName {
				count++
				i++
			}
			if count > 1 {
				lines = append(lines, fmt.Sprintf("%s %s ×%d", toolIcon(e.ToolName), e.ToolName, count))
				continue
			}
		}
		if line := eventLine(e, cfg); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func eventLine(e stream.Event, cfg Config) string {
	switch e.Kind {
	case stream.KindSystemInit:
		if e.Model != "" {
			return "⚡ " + e.Model
		}
		return "⚡ started"
	case stream.KindSystemResult:
		return ""
	case stream.KindAssistantText:
		return "💬 " + truncate(e.Text, cfg.AISpeechMaxLength)
	case stream.KindAssistantThinking:
		return "💭 " + truncate(e.Text, cfg.AISpeechMaxLength)
	case stream.KindToolUse:
		return toolLine(e, cfg)
	case stream.KindToolResult:
		icon := "↳"
		if e.IsError {
			icon = "⚠️"
		}
		return icon + " " + truncate(firstLine(e.Text), cfg.ResultMaxLength)
	default:
		return ""
	}
}

func toolLine(e stream.Event, cfg Config) string {
	line := toolIcon(e.ToolName) + " " + e.ToolName
	if cfg.ToolDisplayMode == ToolDisplayMinimal {
		return line
	}
	if detail := toolDetail(e, cfg); detail != "" {
		line += " " + detail
	}
	return line
}

// toolDetail picks the most telling argument of a tool invocation.
func toolDetail(e stream.Event, cfg Config) string {
	if cmd, ok := e.ToolInput["command"].(string); ok && cfg.ShowBashCommands {
		return "`" + truncate(firstLine(cmd), cfg.BashCommandMaxLength) + "`"
	}
	if path, ok := e.ToolInput["file_path"].(string); ok && cfg.ShowFilePaths {
		return truncatePath(path, cfg)
	}
	if cfg.ToolDisplayMode != ToolDisplayDetailed {
		return ""
	}
	for _, key := range []string{"pattern", "url", "query", "prompt"} {
		if val, ok := e.ToolInput[key].(string); ok && val != "" {
			return truncate(firstLine(val), 60)
		}
	}
	return ""
}

func toolIcon(name string) string {
	switch name {
	case "Bash":
		return "💻"
	case "Read", "Glob", "Grep":
		return "📖"
	case "Write", "Edit", "MultiEdit", "NotebookEdit":
		return "✏️"
	case "WebFetch", "WebSearch":
		return "🌐"
	case "Task":
		return "🤖"
	default:
		return "🔧"
	}
}

func statsLine(v *jobView) string {
	var parts []string
	cfg := v.config
	if cfg.ShowElapsedTime {
		parts = append(parts, fmt.Sprintf("⏱ %ds", int(v.elapsed().Seconds())))
	}
	if cfg.ShowFileCount && len(v.files) > 0 {
		parts = append(parts, fmt.Sprintf("📁 %d files", len(v.files)))
	}
	if cfg.ShowTurnCount && v.turns > 0 {
		parts = append(parts, fmt.Sprintf("🔁 %d turns", v.turns))
	}
	if cfg.ShowTokenCount && (v.inputTokens > 0 || v.outputTokens > 0) {
		parts = append(parts, fmt.Sprintf("🔣 %d/%d tokens", v.inputTokens, v.outputTokens))
	}
	if cfg.ShowCost && v.cost > 0 {
		parts = append(parts, fmt.Sprintf("💲 $%.4f", v.cost))
	}
	return strings.Join(parts, " · ")
}

func footer(v *jobView) string {
	switch v.status {
	case StatusDone:
		return "✅ Done"
	case StatusFailed:
		if v.errMsg != "" {
			return "❌ Failed: " + truncate(v.errMsg, 200)
		}
		return "❌ Failed"
	case StatusCancelled:
		return "⏹️ Cancelled"
	default:
		return ""
	}
}

func keyboardFor(v *jobView) chat.Keyboard {
	id := v.jobID
	if v.status.Terminal() {
		return chat.Keyboard{{
			{Text: "📄 Summary", Data: "summary:" + id},
			{Text: "🗒 Logs", Data: "logs:" + id},
		}}
	}
	pauseResume := chat.Button{Text: "⏸ Pause", Data: "pause:" + id}
	if v.paused {
		pauseResume = chat.Button{Text: "▶️ Resume", Data: "resume:" + id}
	}
	return chat.Keyboard{{
		pauseResume,
		{Text: "⏹ Cancel", Data: "cancel:" + id},
	}}
}

// completionReply builds the sibling message posted after the terminal edit.
func completionReply(v *jobView) string {
	var b strings.Builder
	switch v.status {
	case StatusDone:
		b.WriteString("✅ Job Done\n")
		files := v.fileList()
		if len(files) > 0 {
			fmt.Fprintf(&b, "📁 %d file(s): %s", len(files), strings.Join(head(files, 3), ", "))
			if rest := len(files) - 3; rest > 0 {
				fmt.Fprintf(&b, " and %d more", rest)
			}
			b.WriteString("\n")
		}
		if v.result != "" {
			b.WriteString(truncate(v.result, 500))
			b.WriteString("\n")
		}
	case StatusFailed:
		b.WriteString("❌ Job Failed\n")
		if v.errMsg != "" {
			b.WriteString(truncate(v.errMsg, 500))
			b.WriteString("\n")
		}
	case StatusCancelled:
		b.WriteString("⏹️ Job Cancelled\n")
	}
	if stats := statsLine(v); stats != "" {
		b.WriteString(stats)
	}
	return capLength(strings.TrimRight(b.String(), "\n"))
}

func capLength(s string) string {
	if len(s) <= maxMessageLength {
		return s
	}
	return s[:maxMessageLength-len(truncationMarker)] + truncationMarker
}

func truncate(s string, max int) string {
	if max <= 0 {
		max = 200
	}
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

func truncatePath(path string, cfg Config) string {
	max := cfg.PathMaxLength
	if max <= 0 {
		max = 40
	}
	if len(path) <= max || !cfg.TruncatePaths {
		return path
	}
	// Keep the tail: file names matter more than directory prefixes.
	return "…" + path[len(path)-max+1:]
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func head(list []string, n int) []string {
	if len(list) <= n {
		return list
	}
	return list[:n]
}
