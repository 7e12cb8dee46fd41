package config

import (
	"fmt"
	"time"
)

// Config represents the main Runloom configuration
type Config struct {
	// HTTP server
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Run store
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Execution bounds
	Run RunConfig `json:"run" mapstructure:"run"`

	// Model provider
	Model ModelConfig `json:"model" mapstructure:"model"`

	// Tool settings
	Tools ToolsConfig `json:"tools" mapstructure:"tools"`

	// Streaming
	Stream StreamConfig `json:"stream" mapstructure:"stream"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
}

// Addr returns the listen address in host:port form
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig selects and configures the run store backend
type StoreConfig struct {
	Driver string `json:"driver" mapstructure:"driver"` // sqlite, memory
	Path   string `json:"path" mapstructure:"path"`     // sqlite database file
}

// RunConfig bounds run execution
type RunConfig struct {
	MaxIterations      int    `json:"max_iterations" mapstructure:"max_iterations"`
	TimeoutSeconds     int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	ToolTimeoutSeconds int    `json:"tool_timeout_seconds" mapstructure:"tool_timeout_seconds"`
	JanitorSchedule    string `json:"janitor_schedule" mapstructure:"janitor_schedule"`
}

// Timeout returns the run wall-clock bound
func (r RunConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// ToolTimeout returns the per-tool-call bound
func (r RunConfig) ToolTimeout() time.Duration {
	return time.Duration(r.ToolTimeoutSeconds) * time.Second
}

// ModelConfig holds model provider configuration
type ModelConfig struct {
	Provider     string  `json:"provider" mapstructure:"provider"` // anthropic, openai
	Name         string  `json:"name" mapstructure:"name"`
	APIKey       string  `json:"api_key" mapstructure:"api_key"`
	SystemPrompt string  `json:"system_prompt" mapstructure:"system_prompt"`
	MaxTokens    int     `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature  float64 `json:"temperature" mapstructure:"temperature"`

	// Transient-failure retry policy
	MaxAttempts   int `json:"max_attempts" mapstructure:"max_attempts"`
	BackoffBaseMS int `json:"backoff_base_ms" mapstructure:"backoff_base_ms"`
}

// Backoff returns the base delay between model call retries
func (m ModelConfig) Backoff() time.Duration {
	return time.Duration(m.BackoffBaseMS) * time.Millisecond
}

// ToolsConfig holds tool configuration
type ToolsConfig struct {
	Disabled       []string `json:"disabled" mapstructure:"disabled"`
	SearchEndpoint string   `json:"search_endpoint" mapstructure:"search_endpoint"`
}

// StreamConfig holds stream transport configuration
type StreamConfig struct {
	Buffer           int `json:"buffer" mapstructure:"buffer"`
	HeartbeatSeconds int `json:"heartbeat_seconds" mapstructure:"heartbeat_seconds"`
}

// Heartbeat returns the keep-alive interval for idle streams
func (s StreamConfig) Heartbeat() time.Duration {
	return time.Duration(s.HeartbeatSeconds) * time.Second
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Run: RunConfig{
			MaxIterations:      10,
			TimeoutSeconds:     300,
			ToolTimeoutSeconds: 30,
			JanitorSchedule:    "@every 1m",
		},
		Model: ModelConfig{
			Provider:      "anthropic",
			Name:          "claude-sonnet-4-20250514",
			MaxTokens:     4096,
			Temperature:   0.7,
			MaxAttempts:   3,
			BackoffBaseMS: 1000,
		},
		Stream: StreamConfig{
			Buffer:           64,
			HeartbeatSeconds: 15,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
	}
}
