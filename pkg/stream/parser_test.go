package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSystemInit(t *testing.T) {
	p := NewParser("S1", "job-1")
	events := p.ParseLine(`{"type":"system","subtype":"init","session_id":"abc123","model":"sonnet","tools":["Bash","Read"],"cwd":"/work/S1"}`)
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, KindSystemInit, e.Kind)
	assert.Equal(t, "abc123", e.AssistantSessionID)
	assert.Equal(t, "sonnet", e.Model)
	assert.Equal(t, []string{"Bash", "Read"}, e.Tools)
	assert.Equal(t, "/work/S1", e.Cwd)
	assert.Equal(t, "S1", e.SessionID)
	assert.Equal(t, "job-1", e.JobID)
	assert.False(t, e.Timestamp.IsZero())
}

func TestParseSystemNonInitIgnored(t *testing.T) {
	p := NewParser("S1", "job-1")
	assert.Empty(t, p.ParseLine(`{"type":"system","subtype":"compact_boundary"}`))
}

func TestParseResult(t *testing.T) {
	p := NewParser("S1", "job-1")
	events := p.ParseLine(`{"type":"result","subtype":"success","result":"All done","is_error":false,"duration_ms":4200,"total_cost_usd":0.12,"num_turns":7,"usage":{"input_tokens":1500,"output_tokens":300}}`)
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, KindSystemResult, e.Kind)
	assert.Equal(t, "success", e.Subtype)
	assert.Equal(t, "All done", e.Text)
	assert.Equal(t, int64(4200), e.DurationMS)
	assert.Equal(t, 0.12, e.CostUSD)
	assert.Equal(t, 7, e.NumTurns)
	assert.Equal(t, 1500, e.InputTokens)
	assert.Equal(t, 300, e.OutputTokens)
}

func TestParseResultErrorVariant(t *testing.T) {
	p := NewParser("S1", "job-1")
	events := p.ParseLine(`{"type":"result","subtype":"error","is_error":true,"error_message":"rate limited","cost_usd":0.01}`)
	require.Len(t, events, 1)
	e := events[0]
	assert.True(t, e.IsError)
	assert.Equal(t, "rate limited", e.ErrorMessage)
	assert.Equal(t, 0.01, e.CostUSD)
}

func TestParseAssistantMultipleBlocks(t *testing.T) {
	p := NewParser("S1", "job-1")
	line := `{"type":"assistant","message":{"role":"assistant","content":[` +
		`{"type":"thinking","thinking":"let me check"},` +
		`{"type":"text","text":"Looking at the file."},` +
		`{"type":"tool_use","id":"tu_1","name":"Read","input":{"file_path":"main.go"}}]}}`
	events := p.ParseLine(line)
	require.Len(t, events, 3, "one line may carry several events")
	assert.Equal(t, KindAssistantThinking, events[0].Kind)
	assert.Equal(t, "let me check", events[0].Text)
	assert.Equal(t, KindAssistantText, events[1].Kind)
	assert.Equal(t, KindToolUse, events[2].Kind)
	assert.Equal(t, "Read", events[2].ToolName)
	assert.Equal(t, "main.go", events[2].ToolInput["file_path"])
}

func TestToolResultCorrelation(t *testing.T) {
	p := NewParser("S1", "job-1")
	p.ParseLine(`{"type":"assistant","message":{"content":[{"type":"tool_use","id":"tu_9","name":"Bash","input":{"command":"ls"}}]}}`)

	events := p.ParseLine(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu_9","content":"file.txt","is_error":false}]}}`)
	require.Len(t, events, 1)
	assert.Equal(t, KindToolResult, events[0].Kind)
	assert.Equal(t, "Bash", events[0].ToolName, "name back-filled from the tool_use id")
	assert.Equal(t, "file.txt", events[0].Text)
}

func TestToolResultUnknownIDHasNoName(t *testing.T) {
	p := NewParser("S1", "job-1")
	events := p.ParseLine(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"never-seen","content":"x"}]}}`)
	require.Len(t, events, 1)
	assert.Empty(t, events[0].ToolName)
}

func TestToolResultBlockListContent(t *testing.T) {
	p := NewParser("S1", "job-1")
	events := p.ParseLine(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu_1","content":[{"type":"text","text":"line one"},{"type":"text","text":"line two"}]}]}}`)
	require.Len(t, events, 1)
	assert.Equal(t, "line one\nline two", events[0].Text)
}

func TestToolResultErrorFlag(t *testing.T) {
	p := NewParser("S1", "job-1")
	events := p.ParseLine(`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tu_1","content":"boom","is_error":true}]}}`)
	require.Len(t, events, 1)
	assert.True(t, events[0].IsError)
}

func TestParserIsTotal(t *testing.T) {
	p := NewParser("S1", "job-1")
	for _, line := range []string{
		"",
		"   ",
		"plain text, not json",
		"{broken json",
		`{"type":"something_else","data":1}`,
		`{"type":"assistant"}`,
		`{"type":"user","message":{"content":[{"type":"text","text":"ordinary user text"}]}}`,
		`[1,2,3]`,
	} {
		assert.Empty(t, p.ParseLine(line), "line %q must yield no events", line)
	}
}

func TestEmptyTextBlocksSkipped(t *testing.T) {
	p := NewParser("S1", "job-1")
	events := p.ParseLine(`{"type":"assistant","message":{"content":[{"type":"text","text":""},{"type":"text","text":"kept"}]}}`)
	require.Len(t, events, 1)
	assert.Equal(t, "kept", events[0].Text)
}
