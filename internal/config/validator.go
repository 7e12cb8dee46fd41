package config

import (
	"fmt"
	"strings"
)

// Validate checks a configuration for values the process cannot start
// with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("sqlite store requires a path")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	if c.Run.MaxIterations <= 0 {
		return fmt.Errorf("run max_iterations must be positive")
	}
	if c.Run.TimeoutSeconds <= 0 {
		return fmt.Errorf("run timeout_seconds must be positive")
	}
	if c.Run.ToolTimeoutSeconds <= 0 {
		return fmt.Errorf("run tool_timeout_seconds must be positive")
	}

	if err := validateProvider(c.Model); err != nil {
		return err
	}

	if c.Model.MaxAttempts <= 0 {
		return fmt.Errorf("model max_attempts must be positive")
	}

	return nil
}

func validateProvider(m ModelConfig) error {
	if m.Name == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	if m.APIKey == "" {
		return fmt.Errorf("%s API key cannot be empty", m.Provider)
	}

	switch m.Provider {
	case "anthropic":
		if !strings.HasPrefix(m.APIKey, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(m.APIKey, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	default:
		return fmt.Errorf("unknown model provider %q", m.Provider)
	}

	return nil
}
