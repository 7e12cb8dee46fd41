// Package provider abstracts the model backends that decide what a run
// does next. A decision is either a final answer or a single tool call.
package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Message is one entry of the transcript sent to the model.
type Message struct {
	Role       string     // system, user, assistant or tool
	Content    string
	ToolCallID string     // set on tool role messages
	ToolCalls  []ToolCall // set on assistant messages that invoked tools
}

// ToolCall is a model's request to invoke a named tool.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolSpec describes a tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// Request carries everything the model needs for one decision.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []ToolSpec
	MaxTokens    int
	Temperature  float64
}

// Usage reports token consumption for a single call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Decision is the model's next move. ToolCall nil means Content is the
// final answer. When the model asks for several tools at once only the
// first is honored, one tool call per step.
type Decision struct {
	Content  string    `json:"content,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
	Usage    Usage     `json:"usage"`
}

// Decider makes one model call and returns the resulting decision.
type Decider interface {
	Name() string
	Decide(ctx context.Context, req Request) (*Decision, error)
}

// IsRetryable reports whether a model call failure is transient. Rate
// limits, server errors and connection resets qualify. Auth and request
// shape errors do not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()

	if strings.Contains(msg, "ECONNRESET") || strings.Contains(msg, "ETIMEDOUT") ||
		strings.Contains(msg, "connection reset") || strings.Contains(msg, "EOF") {
		return true
	}
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") {
		return true
	}
	if strings.Contains(msg, "500") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "504") ||
		strings.Contains(msg, "overloaded") {
		return true
	}
	return false
}

// Retrying wraps a Decider with bounded exponential backoff on
// transient failures.
type Retrying struct {
	inner       Decider
	maxAttempts int
	baseDelay   time.Duration
	logger      zerolog.Logger
}

// WithRetry wraps d so transient failures are retried up to maxAttempts
// total attempts, sleeping baseDelay, 2x, 4x between them. Zero values
// fall back to 3 attempts and a 1s base delay.
func WithRetry(d Decider, maxAttempts int, baseDelay time.Duration, logger zerolog.Logger) *Retrying {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &Retrying{
		inner:       d,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		logger:      logger.With().Str("component", "provider").Logger(),
	}
}

func (r *Retrying) Name() string {
	return r.inner.Name()
}

func (r *Retrying) Decide(ctx context.Context, req Request) (*Decision, error) {
	var lastErr error

	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		decision, err := r.inner.Decide(ctx, req)
		if err == nil {
			return decision, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return nil, err
		}
		if attempt == r.maxAttempts-1 {
			break
		}

		delay := r.baseDelay * (1 << attempt)
		r.logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying model call after transient error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("model call failed after %d attempts: %w", r.maxAttempts, lastErr)
}
