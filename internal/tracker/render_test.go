package tracker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/televibe/televibe/pkg/stream"
)

func testView(cfg Config) *jobView {
	return newJobView("job-1", "S1", "demo", "fix the parser", 100, cfg)
}

func TestRenderFilteredEventLog(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ShowToolStart = false
	cfg.ShowAISpeech = true
	v := testView(cfg)

	v.absorb(stream.Event{Kind: stream.KindToolUse, ToolName: "Bash",
		ToolInput: map[string]any{"command": "ls"}})
	v.absorb(stream.Event{Kind: stream.KindAssistantText, Text: "done"})

	text, _ := render(v)
	var speechLines, toolLines int
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "💬") {
			speechLines++
		}
		if strings.HasPrefix(line, "💻") {
			toolLines++
		}
	}
	assert.Equal(t, 1, speechLines, "exactly one speech line")
	assert.Zero(t, toolLines, "no tool line when tool-start is off")
	assert.Contains(t, text, "done")
}

func TestRenderLengthCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AISpeechMaxLength = 4000
	cfg.MaxEventsDisplayed = 50
	v := testView(cfg)
	for i := 0; i < 10; i++ {
		v.absorb(stream.Event{Kind: stream.KindAssistantText, Text: strings.Repeat("x", 900)})
	}
	text, _ := render(v)
	assert.LessOrEqual(t, len(text), maxMessageLength)
	assert.True(t, strings.HasSuffix(text, truncationMarker))
}

func TestRenderEarlierIndicator(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEventsDisplayed = 2
	v := testView(cfg)
	for i := 0; i < 5; i++ {
		v.absorb(stream.Event{Kind: stream.KindAssistantText, Text: "line"})
	}
	text, _ := render(v)
	assert.Contains(t, text, "…3 earlier")
}

func TestRenderCollapsesReadLikeTools(t *testing.T) {
	cfg := DefaultConfig()
	v := testView(cfg)
	for i := 0; i < 3; i++ {
		v.absorb(stream.Event{Kind: stream.KindToolUse, ToolName: "Read",
			ToolInput: map[string]any{"file_path": "a.go"}})
	}
	v.absorb(stream.Event{Kind: stream.KindToolUse, ToolName: "Bash",
		ToolInput: map[string]any{"command": "go test"}})

	text, _ := render(v)
	assert.Contains(t, text, "📖 Read ×3")
	assert.Equal(t, 1, strings.Count(text, "Read"), "folded into one line")
	assert.Contains(t, text, "💻 Bash")
}

func TestRenderProgressBarOnlyWhileRunning(t *testing.T) {
	cfg := DefaultConfig()
	v := testView(cfg)
	v.absorb(stream.Event{Kind: stream.KindAssistantText, Text: "working"})
	text, _ := render(v)
	assert.Contains(t, text, "▰")
	assert.Contains(t, text, "▱")

	v.status = StatusDone
	text, _ = render(v)
	assert.NotContains(t, text, "▱")
	assert.Contains(t, text, "✅ Done")
}

func TestRenderKeyboardByStatus(t *testing.T) {
	v := testView(DefaultConfig())
	v.status = StatusRunning

	_, kb := render(v)
	require.Len(t, kb, 1)
	assert.Equal(t, "pause:job-1", kb[0][0].Data)
	assert.Equal(t, "cancel:job-1", kb[0][1].Data)

	v.paused = true
	_, kb = render(v)
	assert.Equal(t, "resume:job-1", kb[0][0].Data)

	v.status = StatusDone
	_, kb = render(v)
	assert.Equal(t, "summary:job-1", kb[0][0].Data)
	assert.Equal(t, "logs:job-1", kb[0][1].Data)
}

func TestCompletionReplyVariants(t *testing.T) {
	v := testView(DefaultConfig())
	v.status = StatusDone
	v.result = "All tests pass."
	for _, f := range []string{"a.go", "b.go", "c.go", "d.go", "e.go"} {
		v.files[f] = struct{}{}
	}
	reply := completionReply(v)
	assert.Contains(t, reply, "✅ Job Done")
	assert.Contains(t, reply, "5 file(s)")
	assert.Contains(t, reply, "a.go, b.go, c.go")
	assert.Contains(t, reply, "and 2 more")
	assert.Contains(t, reply, "All tests pass.")

	v.status = StatusFailed
	v.errMsg = "Process exited with code 2"
	assert.Contains(t, completionReply(v), "❌ Job Failed")
	assert.Contains(t, completionReply(v), "code 2")

	v.status = StatusCancelled
	assert.Contains(t, completionReply(v), "⏹️ Job Cancelled")
}

func TestTruncatePathKeepsTail(t *testing.T) {
	cfg := Config{TruncatePaths: true, PathMaxLength: 12}
	got := truncatePath("/very/long/prefix/main.go", cfg)
	assert.True(t, strings.HasSuffix(got, "main.go"))
	assert.True(t, strings.HasPrefix(got, "…"))
	assert.LessOrEqual(t, len([]rune(got)), 12)

	cfg.TruncatePaths = false
	assert.Equal(t, "/very/long/prefix/main.go", truncatePath("/very/long/prefix/main.go", cfg))
}
