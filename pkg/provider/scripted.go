package provider

import (
	"context"
	"fmt"
	"sync"
)

// ScriptStep is one canned reply of a Scripted decider. Err takes
// precedence, then the decision.
type ScriptStep struct {
	Decision *Decision
	Err      error
}

// Scripted replays a fixed sequence of decisions. Tests use it in place
// of a real model backend. Once the script is exhausted further calls
// fail.
type Scripted struct {
	mu       sync.Mutex
	steps    []ScriptStep
	next     int
	Requests []Request
}

func NewScripted(steps ...ScriptStep) *Scripted {
	return &Scripted{steps: steps}
}

// Answer is a script step that returns a final answer.
func Answer(content string) ScriptStep {
	return ScriptStep{Decision: &Decision{Content: content}}
}

// CallTool is a script step that requests a tool invocation.
func CallTool(name string, args map[string]interface{}) ScriptStep {
	return ScriptStep{Decision: &Decision{
		ToolCall: &ToolCall{ID: fmt.Sprintf("call_%s", name), Name: name, Arguments: args},
	}}
}

// Fail is a script step that returns an error.
func Fail(err error) ScriptStep {
	return ScriptStep{Err: err}
}

func (s *Scripted) Name() string {
	return "scripted"
}

func (s *Scripted) Decide(_ context.Context, req Request) (*Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Requests = append(s.Requests, req)
	if s.next >= len(s.steps) {
		return nil, fmt.Errorf("scripted decider exhausted after %d calls", len(s.steps))
	}
	step := s.steps[s.next]
	s.next++

	if step.Err != nil {
		return nil, step.Err
	}
	return step.Decision, nil
}

// Calls reports how many decisions have been served.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
