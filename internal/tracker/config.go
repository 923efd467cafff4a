// Package tracker mirrors a running job into a single chat message that is
// edited in place as events stream in, and posts a completion reply when the
// job terminalizes.
package tracker

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/televibe/televibe/pkg/stream"
)

// ToolDisplayMode controls how much of a tool invocation the event log shows.
type ToolDisplayMode string

const (
	ToolDisplayMinimal  ToolDisplayMode = "minimal"
	ToolDisplayNormal   ToolDisplayMode = "normal"
	ToolDisplayDetailed ToolDisplayMode = "detailed"
)

// Config is a user's tracker configuration: which event categories survive
// into the rendered view and how the view is laid out. Zero values are not
// useful on their own; start from a preset and apply overrides.
type Config struct {
	// Category toggles.
	ShowAISpeech   bool `json:"show_ai_speech"`
	ShowAIThinking bool `json:"show_ai_thinking"`
	ShowToolStart  bool `json:"show_tool_start"`
	ShowToolResult bool `json:"show_tool_result"`
	ShowToolErrors bool `json:"show_tool_errors"`
	ShowApprovals  bool `json:"show_approvals"`

	// Tool filters. An empty whitelist admits every tool.
	ToolWhitelist      []string `json:"tool_whitelist"`
	ToolBlacklist      []string `json:"tool_blacklist"`
	ShowResultForTools []string `json:"show_result_for_tools"`

	// Display.
	AISpeechMaxLength    int             `json:"ai_speech_max_length"`
	ToolDisplayMode      ToolDisplayMode `json:"tool_display_mode"`
	ShowFilePaths        bool            `json:"show_file_paths"`
	TruncatePaths        bool            `json:"truncate_paths"`
	PathMaxLength        int             `json:"path_max_length"`
	ShowBashCommands     bool            `json:"show_bash_commands"`
	BashCommandMaxLength int             `json:"bash_command_max_length"`
	ParseTestOutput      bool            `json:"parse_test_output"`
	ResultMaxLength      int             `json:"result_max_length"`

	// Progress and stats.
	ShowProgressBar bool `json:"show_progress_bar"`
	ShowElapsedTime bool `json:"show_elapsed_time"`
	ShowFileCount   bool `json:"show_file_count"`
	ShowTurnCount   bool `json:"show_turn_count"`
	ShowTokenCount  bool `json:"show_token_count"`
	ShowCost        bool `json:"show_cost"`

	// Buffer.
	MaxEventsDisplayed    int  `json:"max_events_displayed"`
	CollapseRepeatedTools bool `json:"collapse_repeated_tools"`

	// Rate limit.
	UpdateIntervalMS int `json:"update_interval_ms"`
}

// presets are the named starting points users pick from.
var presets = map[string]Config{
	"minimal": {
		ShowToolErrors:  true,
		ToolDisplayMode: ToolDisplayMinimal,
		ShowElapsedTime: true,
		ResultMaxLength: 200,

		MaxEventsDisplayed:    4,
		CollapseRepeatedTools: true,
		UpdateIntervalMS:      3000,
	},
	"normal": {
		ShowAISpeech:   true,
		ShowToolStart:  true,
		ShowToolErrors: true,
		ShowApprovals:  true,

		AISpeechMaxLength:    200,
		ToolDisplayMode:      ToolDisplayNormal,
		ShowFilePaths:        true,
		TruncatePaths:        true,
		PathMaxLength:        40,
		ShowBashCommands:     true,
		BashCommandMaxLength: 60,
		ResultMaxLength:      300,

		ShowProgressBar: true,
		ShowElapsedTime: true,
		ShowFileCount:   true,
		ShowTurnCount:   true,

		MaxEventsDisplayed:    8,
		CollapseRepeatedTools: true,
		UpdateIntervalMS:      1500,
	},
	"verbose": {
		ShowAISpeech:   true,
		ShowToolStart:  true,
		ShowToolResult: true,
		ShowToolErrors: true,
		ShowApprovals:  true,

		AISpeechMaxLength:    400,
		ToolDisplayMode:      ToolDisplayDetailed,
		ShowFilePaths:        true,
		PathMaxLength:        80,
		ShowBashCommands:     true,
		BashCommandMaxLength: 120,
		ParseTestOutput:      true,
		ResultMaxLength:      500,

		ShowProgressBar: true,
		ShowElapsedTime: true,
		ShowFileCount:   true,
		ShowTurnCount:   true,
		ShowTokenCount:  true,
		ShowCost:        true,

		MaxEventsDisplayed: 15,
		UpdateIntervalMS:   1500,
	},
	"debug": {
		ShowAISpeech:   true,
		ShowAIThinking: true,
		ShowToolStart:  true,
		ShowToolResult: true,
		ShowToolErrors: true,
		ShowApprovals:  true,

		AISpeechMaxLength:    500,
		ToolDisplayMode:      ToolDisplayDetailed,
		ShowFilePaths:        true,
		PathMaxLength:        120,
		ShowBashCommands:     true,
		BashCommandMaxLength: 200,
		ParseTestOutput:      true,
		ResultMaxLength:      800,

		ShowProgressBar: true,
		ShowElapsedTime: true,
		ShowFileCount:   true,
		ShowTurnCount:   true,
		ShowTokenCount:  true,
		ShowCost:        true,

		MaxEventsDisplayed: 20,
		UpdateIntervalMS:   1500,
	},
	"speech": {
		ShowAISpeech:   true,
		ShowToolErrors: true,

		AISpeechMaxLength: 500,
		ToolDisplayMode:   ToolDisplayMinimal,
		ResultMaxLength:   300,

		ShowElapsedTime: true,
		ShowTurnCount:   true,

		MaxEventsDisplayed:    6,
		CollapseRepeatedTools: true,
		UpdateIntervalMS:      2000,
	},
	"tools": {
		ShowToolStart:  true,
		ShowToolResult: true,
		ShowToolErrors: true,

		ToolDisplayMode:      ToolDisplayDetailed,
		ShowFilePaths:        true,
		PathMaxLength:        60,
		ShowBashCommands:     true,
		BashCommandMaxLength: 100,
		ResultMaxLength:      400,

		ShowProgressBar: true,
		ShowElapsedTime: true,
		ShowFileCount:   true,

		MaxEventsDisplayed:    12,
		CollapseRepeatedTools: true,
		UpdateIntervalMS:      1500,
	},
}

// Preset returns a copy of the named preset configuration.
func Preset(name string) (Config, error) {
	cfg, ok := presets[name]
	if !ok {
		return Config{}, fmt.Errorf("unknown tracker preset %q", name)
	}
	return cfg, nil
}

// PresetNames lists the available presets, sorted.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultConfig is the configuration used when a user has no preferences.
func DefaultConfig() Config {
	return presets["normal"]
}

// ApplyOverrides layers a JSON object of per-field overrides onto cfg. The
// field names are the json tags above; unknown keys are ignored.
func ApplyOverrides(cfg Config, overrides string) (Config, error) {
	if overrides == "" || overrides == "{}" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(overrides), &cfg); err != nil {
		return cfg, fmt.Errorf("parse tracker overrides: %w", err)
	}
	return cfg, nil
}

// ShouldShow decides whether an event survives into the rendered buffer.
func (c Config) ShouldShow(e stream.Event) bool {
	switch e.Kind {
	case stream.KindSystemInit, stream.KindSystemResult:
		return true
	case stream.KindAssistantText:
		return c.ShowAISpeech
	case stream.KindAssistantThinking:
		return c.ShowAIThinking
	case stream.KindToolUse:
		if !c.ShowToolStart {
			return false
		}
		if len(c.ToolWhitelist) > 0 && !contains(c.ToolWhitelist, e.ToolName) {
			return false
		}
		return !contains(c.ToolBlacklist, e.ToolName)
	case stream.KindToolResult:
		if e.IsError && c.ShowToolErrors {
			return true
		}
		return c.ShowToolResult || contains(c.ShowResultForTools, e.ToolName)
	default:
		return false
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
