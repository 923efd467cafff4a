package stream

import (
	"encoding/json"
	"strings"
	"time"
)

// Parser turns raw stream lines into events. It is total: a line that is
// blank, malformed, or of an unknown type yields an empty slice, never an
// error. A single line may yield several events (one per content block).
//
// The parser remembers tool_use ids so later tool results can be attributed
// to the tool that produced them. Not safe for concurrent use; the runner
// owns one parser per job.
type Parser struct {
	sessionID string
	jobID     string
	toolNames map[string]string
	now       func() time.Time
}

// NewParser creates a parser that stamps every event with the given session
// and job ids.
func NewParser(sessionID, jobID string) *Parser {
	return &Parser{
		sessionID: sessionID,
		jobID:     jobID,
		toolNames: make(map[string]string),
		now:       time.Now,
	}
}

type rawLine struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	Model     string          `json:"model"`
	Tools     []string        `json:"tools"`
	Cwd       string          `json:"cwd"`
	Message   *rawMessage     `json:"message"`
	Result    json.RawMessage `json:"result"`
	ErrorMsg  string          `json:"error_message"`
	IsError   bool            `json:"is_error"`
	Duration  int64           `json:"duration_ms"`
	CostUSD   float64         `json:"cost_usd"`
	TotalCost float64         `json:"total_cost_usd"`
	NumTurns  int             `json:"num_turns"`
	Usage     *rawUsage       `json:"usage"`
}

type rawUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type rawMessage struct {
	Role    string            `json:"role"`
	Content []rawContentBlock `json:"content"`
}

type rawContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     map[string]any  `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// ParseLine parses one stream line.
func (p *Parser) ParseLine(line string) []Event {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "{") {
		return nil
	}

	var raw rawLine
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil
	}

	switch raw.Type {
	case "system":
		if raw.Subtype != "init" {
			return nil
		}
		return []Event{p.event(Event{
			Kind:               KindSystemInit,
			AssistantSessionID: raw.SessionID,
			Model:              raw.Model,
			Tools:              raw.Tools,
			Cwd:                raw.Cwd,
		})}
	case "result":
		e := Event{
			Kind:         KindSystemResult,
			Subtype:      raw.Subtype,
			Text:         decodeResultText(raw.Result),
			ErrorMessage: raw.ErrorMsg,
			IsError:      raw.IsError,
			DurationMS:   raw.Duration,
			CostUSD:      raw.CostUSD,
			NumTurns:     raw.NumTurns,
		}
		// Newer CLI builds report total_cost_usd instead of cost_usd.
		if e.CostUSD == 0 {
			e.CostUSD = raw.TotalCost
		}
		if raw.Usage != nil {
			e.InputTokens = raw.Usage.InputTokens
			e.OutputTokens = raw.Usage.OutputTokens
		}
		return []Event{p.event(e)}
	case "assistant":
		return p.parseAssistant(raw.Message)
	case "user":
		return p.parseUser(raw.Message)
	default:
		return nil
	}
}

func (p *Parser) parseAssistant(msg *rawMessage) []Event {
	if msg == nil {
		return nil
	}
	var events []Event
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			events = append(events, p.event(Event{Kind: KindAssistantText, Text: block.Text}))
		case "thinking":
			if block.Thinking == "" {
				continue
			}
			events = append(events, p.event(Event{Kind: KindAssistantThinking, Text: block.Thinking}))
		case "tool_use":
			p.toolNames[block.ID] = block.Name
			events = append(events, p.event(Event{
				Kind:      KindToolUse,
				ToolID:    block.ID,
				ToolName:  block.Name,
				ToolInput: block.Input,
			}))
		}
	}
	return events
}

func (p *Parser) parseUser(msg *rawMessage) []Event {
	if msg == nil {
		return nil
	}
	var events []Event
	for _, block := range msg.Content {
		if block.Type != "tool_result" {
			continue
		}
		events = append(events, p.event(Event{
			Kind:     KindToolResult,
			ToolID:   block.ToolUseID,
			ToolName: p.toolNames[block.ToolUseID],
			Text:     decodeToolResultContent(block.Content),
			IsError:  block.IsError,
		}))
	}
	return events
}

func (p *Parser) event(e Event) Event {
	e.SessionID = p.sessionID
	e.JobID = p.jobID
	e.Timestamp = p.now()
	return e
}

// decodeResultText handles the result field being either a plain string or
// an arbitrary JSON value.
func decodeResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// decodeToolResultContent handles tool result content being a string or a
// list of content blocks.
func decodeToolResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []rawContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}
