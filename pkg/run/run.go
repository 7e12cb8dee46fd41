package run

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a run
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is absorbing
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a status change is legal. Transitions are
// monotonic: queued -> running -> {completed | failed}. The queued ->
// failed edge covers a run cancelled before it was ever claimed.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusQueued:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// StepType categorizes an execution step
type StepType string

const (
	StepLLMCall     StepType = "llm_call"
	StepToolCall    StepType = "tool_call"
	StepToolResult  StepType = "tool_result"
	StepError       StepType = "error"
	StepFinalAnswer StepType = "final_answer"
)

// Run represents one end-to-end execution of an agent against an input
type Run struct {
	ID             string     `json:"id"`
	AgentID        string     `json:"agent_id"`
	UserID         string     `json:"user_id"`
	ConversationID string     `json:"conversation_id,omitempty"`
	InputText      string     `json:"input_text"`
	OutputText     string     `json:"output_text,omitempty"`
	Status         Status     `json:"status"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Step is one atomic recorded event within a run. Steps are immutable once
// appended: all fields are populated at append time.
type Step struct {
	ID           string          `json:"id"`
	RunID        string          `json:"run_id"`
	StepNumber   int             `json:"step_number"`
	Type         StepType        `json:"step_type"`
	InputData    json.RawMessage `json:"input_data,omitempty"`
	OutputData   json.RawMessage `json:"output_data,omitempty"`
	ToolName     string          `json:"tool_name,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	DurationMS   int64           `json:"duration_ms,omitempty"`
}

// Turn is a single prior exchange supplied by the conversation loader
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
