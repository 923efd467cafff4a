// Package config provides configuration management for Televibe.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// ExecutorType selects how the assistant child is driven.
type ExecutorType string

const (
	// ExecutorSubprocess runs the assistant as a one-shot subprocess.
	ExecutorSubprocess ExecutorType = "subprocess"
	// ExecutorSDK runs the assistant with a bidirectional stream-json control channel.
	ExecutorSDK ExecutorType = "sdk"
)

// Config holds all configuration sections for Televibe.
type Config struct {
	Root     string         `mapstructure:"root"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Worktree WorktreeConfig `mapstructure:"worktree"`
	Server   ServerConfig   `mapstructure:"server"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// TelegramConfig holds the chat transport configuration. The core is agnostic
// to the transport; these values are passed through to the chat collaborator.
type TelegramConfig struct {
	BotToken       string  `mapstructure:"botToken"`
	AllowedChatIDs []int64 `mapstructure:"allowedChatIds"`
}

// JobsConfig holds job runner configuration.
type JobsConfig struct {
	MaxConcurrent int    `mapstructure:"maxConcurrent"`
	ExecutorType  string `mapstructure:"executorType"`
	AssistantBin  string `mapstructure:"assistantBin"`
}

// WorktreeConfig holds Git worktree configuration for session workspaces.
type WorktreeConfig struct {
	DefaultBranch string `mapstructure:"defaultBranch"` // Fallback base branch when a project has none
	BranchPrefix  string `mapstructure:"branchPrefix"`  // Prefix for generated session branches
}

// ServerConfig holds the read-only HTTP status API configuration.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// NATSConfig holds NATS messaging configuration. Empty URL means the
// in-memory event bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// TracingConfig holds OTLP trace export configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// Executor returns the configured executor type.
func (j *JobsConfig) Executor() ExecutorType {
	return ExecutorType(j.ExecutorType)
}

// ExpandedRoot returns the state root with a leading ~ expanded.
func (c *Config) ExpandedRoot() (string, error) {
	root := c.Root
	if root == "~" || strings.HasPrefix(root, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		root = filepath.Join(home, strings.TrimPrefix(root, "~"))
	}
	return root, nil
}

// StateDir returns the <root>/.televibe directory.
func (c *Config) StateDir() (string, error) {
	root, err := c.ExpandedRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, ".televibe"), nil
}

// DatabasePath returns the path of the persistent store.
func (c *Config) DatabasePath() (string, error) {
	dir, err := c.StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "state.db"), nil
}

// LogsDir returns the per-job log directory.
func (c *Config) LogsDir() (string, error) {
	dir, err := c.StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "logs"), nil
}

// WorkspacesDir returns the per-session workspace directory.
func (c *Config) WorkspacesDir() (string, error) {
	dir, err := c.StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "workspaces"), nil
}

// RestartStatePath returns the supervisor hand-off file path.
func (c *Config) RestartStatePath() (string, error) {
	dir, err := c.StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "restart_state.json"), nil
}

// HealthFlagPath returns the file touched once initial setup completes.
func (c *Config) HealthFlagPath() (string, error) {
	dir, err := c.StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "health.flag"), nil
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if env := os.Getenv("TELEVIBE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("root", "~")

	// Telegram defaults: token is required, chat allow-list defaults to empty
	v.SetDefault("telegram.botToken", "")
	v.SetDefault("telegram.allowedChatIds", []int64{})

	// Job runner defaults
	v.SetDefault("jobs.maxConcurrent", 3)
	v.SetDefault("jobs.executorType", string(ExecutorSubprocess))
	v.SetDefault("jobs.assistantBin", "claude")

	// Worktree defaults
	v.SetDefault("worktree.defaultBranch", "main")
	v.SetDefault("worktree.branchPrefix", "televibe/")

	// Status API defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8790)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TELEVIBE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/televibe/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TELEVIBE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("telegram.botToken", "TELEVIBE_TELEGRAM_BOT_TOKEN")
	_ = v.BindEnv("telegram.allowedChatIds", "TELEVIBE_TELEGRAM_ALLOWED_CHAT_IDS")
	_ = v.BindEnv("jobs.maxConcurrent", "TELEVIBE_JOBS_MAX_CONCURRENT")
	_ = v.BindEnv("jobs.executorType", "TELEVIBE_JOBS_EXECUTOR_TYPE")
	_ = v.BindEnv("jobs.assistantBin", "TELEVIBE_JOBS_ASSISTANT_BIN")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/televibe/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Telegram.BotToken == "" {
		errs = append(errs, "telegram.botToken is required")
	}

	if cfg.Jobs.MaxConcurrent <= 0 {
		errs = append(errs, "jobs.maxConcurrent must be positive")
	}
	switch cfg.Jobs.Executor() {
	case ExecutorSubprocess, ExecutorSDK:
	default:
		errs = append(errs, "jobs.executorType must be one of: subprocess, sdk")
	}

	if cfg.Server.Enabled && (cfg.Server.Port <= 0 || cfg.Server.Port > 65535) {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warning, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
