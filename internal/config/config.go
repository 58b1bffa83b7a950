// Package config loads the runtime configuration from YAML with
// environment variable expansion.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the metagen runtime.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	LLM       LLMConfig       `yaml:"llm"`
	Agents    AgentsConfig    `yaml:"agents"`
	Tools     ToolsConfig     `yaml:"tools"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Tasks is the catalog of named tasks the meta agent can delegate.
	Tasks []TaskConfig `yaml:"tasks"`
}

// TaskConfig declares one delegable task.
type TaskConfig struct {
	ID          string   `yaml:"id"`
	Description string   `yaml:"description"`
	Prompt      string   `yaml:"prompt"`
	Inputs      []string `yaml:"inputs"`
}

// ServerConfig controls the HTTP/SSE transport.
type ServerConfig struct {
	Host     string `yaml:"host"`
	HTTPPort int    `yaml:"http_port"`

	// SessionIdleTimeout drops session queues with no consumer activity.
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
}

// DatabaseConfig selects the turn/tool-usage store backend.
type DatabaseConfig struct {
	// Driver is one of "postgres", "sqlite", or "memory".
	Driver string `yaml:"driver"`

	// URL is the postgres connection string (postgres driver).
	URL string `yaml:"url"`

	// Path is the database file path (sqlite driver).
	Path string `yaml:"path"`

	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// LLMConfig configures the generator provider.
type LLMConfig struct {
	// Provider is one of "anthropic" or "openai".
	Provider  string `yaml:"provider"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	MaxTokens int    `yaml:"max_tokens"`
}

// AgentsConfig bounds the conversation loop.
type AgentsConfig struct {
	MaxIterations    int  `yaml:"max_iterations"`
	MaxToolsPerTurn  int  `yaml:"max_tools_per_turn"`
	MaxRepeatedCalls int  `yaml:"max_repeated_calls"`
	ShowToolResults  bool `yaml:"show_tool_results"`
}

// ToolsConfig controls approval policy and tool execution.
type ToolsConfig struct {
	RequireApproval  bool          `yaml:"require_approval"`
	AutoApproveTools []string      `yaml:"auto_approve_tools"`
	ApprovalTimeout  time.Duration `yaml:"approval_timeout"`
	ExecTimeout      time.Duration `yaml:"exec_timeout"`

	// WorkspaceRoot confines the read_file tool.
	WorkspaceRoot string `yaml:"workspace_root"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`
	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// TelemetryConfig controls OpenTelemetry trace export.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "127.0.0.1",
			HTTPPort:           8080,
			SessionIdleTimeout: 30 * time.Minute,
		},
		Database: DatabaseConfig{
			Driver:          "memory",
			MaxConnections:  10,
			ConnMaxLifetime: time.Hour,
		},
		LLM: LLMConfig{
			Provider:  "anthropic",
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 4096,
		},
		Agents: AgentsConfig{
			MaxIterations:    50,
			MaxToolsPerTurn:  100,
			MaxRepeatedCalls: 3,
			ShowToolResults:  true,
		},
		Tools: ToolsConfig{
			RequireApproval:  false,
			ApprovalTimeout:  30 * time.Second,
			ExecTimeout:      60 * time.Second,
			WorkspaceRoot:    ".",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "metagen",
		},
	}
}

// Load reads a YAML config file, expanding ${ENV} references, and merges
// it over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for the postgres driver")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}

	if c.Agents.MaxIterations <= 0 {
		return fmt.Errorf("agents.max_iterations must be positive")
	}
	if c.Agents.MaxToolsPerTurn <= 0 {
		return fmt.Errorf("agents.max_tools_per_turn must be positive")
	}
	if c.Agents.MaxRepeatedCalls <= 0 {
		return fmt.Errorf("agents.max_repeated_calls must be positive")
	}
	if c.Tools.ApprovalTimeout <= 0 {
		return fmt.Errorf("tools.approval_timeout must be positive")
	}

	seen := make(map[string]bool, len(c.Tasks))
	for _, task := range c.Tasks {
		if task.ID == "" {
			return fmt.Errorf("tasks entries require an id")
		}
		if seen[task.ID] {
			return fmt.Errorf("duplicate task id %q", task.ID)
		}
		seen[task.ID] = true
	}
	return nil
}
