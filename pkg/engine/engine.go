// Package engine drives a run through its reasoning loop: claim the
// run, alternate model decisions and tool invocations, record every
// step in the ledger and finish in exactly one terminal status.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/runloom/runloom/internal/metrics"
	"github.com/runloom/runloom/pkg/conversation"
	"github.com/runloom/runloom/pkg/ledger"
	"github.com/runloom/runloom/pkg/provider"
	"github.com/runloom/runloom/pkg/run"
	"github.com/runloom/runloom/pkg/store"
	"github.com/runloom/runloom/pkg/tool"
)

// Config bounds a run's execution.
type Config struct {
	Model         string
	SystemPrompt  string
	MaxTokens     int
	Temperature   float64
	MaxIterations int
	RunTimeout    time.Duration
	ToolTimeout   time.Duration
}

// DefaultConfig returns the bounds applied when fields are zero.
func DefaultConfig() Config {
	return Config{
		Model:         "claude-sonnet-4-20250514",
		MaxTokens:     4096,
		MaxIterations: 10,
		RunTimeout:    5 * time.Minute,
		ToolTimeout:   30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Model == "" {
		c.Model = def.Model
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = def.MaxTokens
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = def.MaxIterations
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = def.RunTimeout
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = def.ToolTimeout
	}
	return c
}

// activeRun tracks one in-flight execution so Cancel can reach it.
// Cancellation is a flag, never a context cancel: the run context
// carries only the wall-clock deadline, so an in-flight model or tool
// call runs to completion and its outcome is recorded before the flag
// is observed.
type activeRun struct {
	cancelled chan struct{}
	once      sync.Once
}

func (a *activeRun) requestCancel() {
	a.once.Do(func() {
		close(a.cancelled)
	})
}

func (a *activeRun) cancelRequested() bool {
	select {
	case <-a.cancelled:
		return true
	default:
		return false
	}
}

// Engine owns the execution loop for all runs of this process.
type Engine struct {
	store    store.Store
	ledger   *ledger.Ledger
	registry *tool.Registry
	decider  provider.Decider
	conv     conversation.Loader
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	cfg      Config

	mu     sync.Mutex
	active map[string]*activeRun
}

func New(
	st store.Store,
	led *ledger.Ledger,
	registry *tool.Registry,
	decider provider.Decider,
	conv conversation.Loader,
	m *metrics.Metrics,
	logger zerolog.Logger,
	cfg Config,
) *Engine {
	return &Engine{
		store:    st,
		ledger:   led,
		registry: registry,
		decider:  decider,
		conv:     conv,
		metrics:  m,
		logger:   logger.With().Str("component", "engine").Logger(),
		cfg:      cfg.withDefaults(),
		active:   make(map[string]*activeRun),
	}
}

// Start claims and executes one run to a terminal state. A run already
// claimed by another caller fails with run.ErrAlreadyRunning, which is
// a duplicate start signal and not a process error.
func (e *Engine) Start(ctx context.Context, runID string) error {
	r, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if r == nil {
		return run.ErrNotFound
	}

	startedAt := time.Now().UTC()
	if err := e.store.ClaimRun(ctx, runID, startedAt); err != nil {
		return err
	}
	r.Status = run.StatusRunning
	r.StartedAt = &startedAt
	e.ledger.PublishStatus(r)

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.RunTimeout)
	active := &activeRun{cancelled: make(chan struct{})}

	e.mu.Lock()
	e.active[runID] = active
	e.mu.Unlock()

	e.metrics.RunsActive.Inc()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.active, runID)
		e.mu.Unlock()
		e.metrics.RunsActive.Dec()
	}()

	e.logger.Info().
		Str("run_id", runID).
		Str("agent_id", r.AgentID).
		Msg("Run claimed")

	e.execute(runCtx, r, active)
	return nil
}

// Cancel requests cooperative cancellation of an in-flight run. It
// returns false when no live execution owns the run in this process.
func (e *Engine) Cancel(runID string) bool {
	e.mu.Lock()
	active, ok := e.active[runID]
	e.mu.Unlock()

	if !ok {
		return false
	}
	active.requestCancel()
	e.logger.Info().Str("run_id", runID).Msg("Run cancellation requested")
	return true
}

// CancelQueued finalizes a run that was never claimed. It claims the
// row first so the transition stays monotonic, and loses cleanly to a
// concurrent Start with run.ErrAlreadyRunning.
func (e *Engine) CancelQueued(ctx context.Context, runID string) error {
	if err := e.store.ClaimRun(ctx, runID, time.Now().UTC()); err != nil {
		return err
	}

	r, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if r == nil {
		return run.ErrNotFound
	}
	return e.finishFailed(ctx, r, "cancelled")
}

// RecoverInterrupted force-fails every run left in running status. It
// is called once at startup, before any new run is claimed, so every
// running row is ownerless by construction.
func (e *Engine) RecoverInterrupted(ctx context.Context) (int, error) {
	stale, err := e.store.ListRunning(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to scan for interrupted runs: %w", err)
	}

	recovered := 0
	for i := range stale {
		r := &stale[i]
		if err := e.finishFailed(ctx, r, "interrupted"); err != nil {
			e.logger.Error().Err(err).Str("run_id", r.ID).Msg("Failed to recover interrupted run")
			continue
		}
		recovered++
		e.logger.Warn().Str("run_id", r.ID).Msg("Force-failed interrupted run")
	}
	return recovered, nil
}

// execute runs the reasoning loop. All exits from this function leave
// the run in a terminal status.
func (e *Engine) execute(ctx context.Context, r *run.Run, active *activeRun) {
	start := time.Now()
	defer func() {
		e.metrics.RunDuration.WithLabelValues(r.AgentID).Observe(time.Since(start).Seconds())
	}()

	messages, err := e.buildContext(ctx, r)
	if err != nil {
		e.appendErrorStep(ctx, r.ID, "", fmt.Sprintf("failed to load conversation: %v", err))
		e.fail(ctx, r, "conversation load failed")
		return
	}

	specs := e.toolSpecs()

	for iteration := 1; iteration <= e.cfg.MaxIterations; iteration++ {
		if e.checkInterrupted(ctx, r, active) {
			return
		}

		decision, callDuration, err := e.decide(ctx, messages, specs)
		if err != nil {
			if e.checkInterrupted(ctx, r, active) {
				return
			}
			e.appendErrorStep(ctx, r.ID, "", fmt.Sprintf("model call failed: %v", err))
			e.fail(ctx, r, fmt.Sprintf("model call failed: %v", err))
			return
		}

		e.appendStep(ctx, &run.Step{
			RunID:      r.ID,
			Type:       run.StepLLMCall,
			InputData:  mustJSON(llmCallInput{Model: e.cfg.Model, Messages: len(messages), Tools: len(specs)}),
			OutputData: mustJSON(decision),
			StartedAt:  time.Now().UTC().Add(-callDuration),
			DurationMS: callDuration.Milliseconds(),
		})
		e.metrics.RunIterations.Observe(float64(iteration))

		if e.checkInterrupted(ctx, r, active) {
			return
		}

		if decision.ToolCall == nil {
			e.appendStep(ctx, &run.Step{
				RunID:      r.ID,
				Type:       run.StepFinalAnswer,
				OutputData: mustJSON(map[string]string{"text": decision.Content}),
				StartedAt:  time.Now().UTC(),
			})
			e.complete(ctx, r, decision.Content)
			return
		}

		feedback, fatal := e.invokeTool(ctx, r, decision.ToolCall)
		if fatal != "" {
			e.fail(ctx, r, fatal)
			return
		}
		if e.checkInterrupted(ctx, r, active) {
			return
		}

		messages = append(messages,
			provider.Message{Role: "assistant", Content: decision.Content, ToolCalls: []provider.ToolCall{*decision.ToolCall}},
			provider.Message{Role: "tool", ToolCallID: decision.ToolCall.ID, Content: feedback},
		)
	}

	e.appendErrorStep(ctx, r.ID, "", "iteration limit exceeded")
	e.fail(ctx, r, "iteration limit exceeded")
}

// invokeTool runs one tool call and records its steps. It returns the
// feedback string for the next model iteration, or a non-empty fatal
// message when the run must fail.
func (e *Engine) invokeTool(ctx context.Context, r *run.Run, tc *provider.ToolCall) (feedback, fatal string) {
	e.appendStep(ctx, &run.Step{
		RunID:     r.ID,
		Type:      run.StepToolCall,
		ToolName:  tc.Name,
		InputData: mustJSON(map[string]interface{}{"name": tc.Name, "arguments": tc.Arguments}),
		StartedAt: time.Now().UTC(),
	})

	handle, err := e.registry.Resolve(tc.Name)
	if err != nil {
		e.metrics.ToolInvocationsTotal.WithLabelValues(tc.Name, "not_found").Inc()
		e.appendErrorStep(ctx, r.ID, tc.Name, err.Error())
		return fmt.Sprintf("tool error: %v", err), ""
	}

	result, err := e.registry.Invoke(ctx, handle, tc.Arguments, e.cfg.ToolTimeout)
	switch {
	case err == nil:
		e.metrics.ToolInvocationsTotal.WithLabelValues(tc.Name, "success").Inc()
		e.metrics.ToolDuration.WithLabelValues(tc.Name).Observe(result.Duration.Seconds())
		e.appendStep(ctx, &run.Step{
			RunID:      r.ID,
			Type:       run.StepToolResult,
			ToolName:   tc.Name,
			OutputData: mustJSON(result),
			StartedAt:  time.Now().UTC().Add(-result.Duration),
			DurationMS: result.Duration.Milliseconds(),
		})
		return string(mustJSON(result.Output)), ""

	case errors.Is(err, context.DeadlineExceeded):
		// The run deadline and the per-call deadline both surface here.
		// Either way the run is out of time.
		e.metrics.ToolInvocationsTotal.WithLabelValues(tc.Name, "timeout").Inc()
		e.appendErrorStep(ctx, r.ID, tc.Name, err.Error())
		return "", "timeout"

	case tool.IsValidation(err):
		e.metrics.ToolInvocationsTotal.WithLabelValues(tc.Name, "invalid_args").Inc()
		e.appendErrorStep(ctx, r.ID, tc.Name, err.Error())
		return fmt.Sprintf("tool error: %v", err), ""

	default:
		e.metrics.ToolInvocationsTotal.WithLabelValues(tc.Name, "error").Inc()
		e.appendErrorStep(ctx, r.ID, tc.Name, err.Error())
		return fmt.Sprintf("tool error: %v", err), ""
	}
}

// decide performs the model call, the first of the loop's two
// suspension points.
func (e *Engine) decide(ctx context.Context, messages []provider.Message, specs []provider.ToolSpec) (*provider.Decision, time.Duration, error) {
	start := time.Now()
	decision, err := e.decider.Decide(ctx, provider.Request{
		Model:        e.cfg.Model,
		SystemPrompt: e.cfg.SystemPrompt,
		Messages:     messages,
		Tools:        specs,
		MaxTokens:    e.cfg.MaxTokens,
		Temperature:  e.cfg.Temperature,
	})
	return decision, time.Since(start), err
}

// checkInterrupted observes cancellation and deadline between loop
// iterations and after each suspension point. When either fired it
// finalizes the run and reports true.
func (e *Engine) checkInterrupted(ctx context.Context, r *run.Run, active *activeRun) bool {
	if active.cancelRequested() {
		e.appendErrorStep(ctx, r.ID, "", "cancelled")
		e.fail(ctx, r, "cancelled")
		return true
	}
	if err := ctx.Err(); err != nil {
		reason := "timeout"
		if errors.Is(err, context.Canceled) {
			reason = "cancelled"
		}
		e.appendErrorStep(ctx, r.ID, "", reason)
		e.fail(ctx, r, reason)
		return true
	}
	return false
}

func (e *Engine) buildContext(ctx context.Context, r *run.Run) ([]provider.Message, error) {
	var messages []provider.Message

	if r.ConversationID != "" && e.conv != nil {
		turns, err := e.conv.Load(ctx, r.ConversationID)
		if err != nil {
			return nil, err
		}
		for _, t := range turns {
			messages = append(messages, provider.Message{Role: t.Role, Content: t.Content})
		}
	}

	return append(messages, provider.Message{Role: "user", Content: r.InputText}), nil
}

func (e *Engine) toolSpecs() []provider.ToolSpec {
	defs := e.registry.List()
	specs := make([]provider.ToolSpec, 0, len(defs))
	for _, def := range defs {
		if !def.Enabled {
			continue
		}
		specs = append(specs, provider.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.InputSchema(),
		})
	}
	return specs
}

// complete finishes the run successfully and records the exchange back
// into its conversation.
func (e *Engine) complete(ctx context.Context, r *run.Run, output string) {
	completedAt := time.Now().UTC()
	if err := e.store.FinishRun(context.WithoutCancel(ctx), r.ID, run.StatusCompleted, output, "", completedAt); err != nil {
		// Lost the race against a concurrent cancel. The other writer
		// already published a terminal status.
		e.logger.Warn().Err(err).Str("run_id", r.ID).Msg("Run finished elsewhere first")
		return
	}

	r.Status = run.StatusCompleted
	r.OutputText = output
	r.CompletedAt = &completedAt
	e.ledger.PublishStatus(r)
	e.metrics.RunsTotal.WithLabelValues(r.AgentID, string(run.StatusCompleted)).Inc()

	if recorder, ok := e.conv.(conversation.Recorder); ok && r.ConversationID != "" {
		turns := []run.Turn{
			{Role: "user", Content: r.InputText},
			{Role: "assistant", Content: output},
		}
		if err := recorder.Record(context.WithoutCancel(ctx), r.ConversationID, turns); err != nil {
			e.logger.Error().Err(err).Str("run_id", r.ID).Msg("Failed to record conversation turns")
		}
	}

	e.logger.Info().Str("run_id", r.ID).Msg("Run completed")
}

func (e *Engine) fail(ctx context.Context, r *run.Run, errMsg string) {
	if err := e.finishFailed(ctx, r, errMsg); err != nil {
		e.logger.Warn().Err(err).Str("run_id", r.ID).Msg("Run finished elsewhere first")
		return
	}
	e.logger.Info().Str("run_id", r.ID).Str("error", errMsg).Msg("Run failed")
}

func (e *Engine) finishFailed(ctx context.Context, r *run.Run, errMsg string) error {
	completedAt := time.Now().UTC()
	if err := e.store.FinishRun(context.WithoutCancel(ctx), r.ID, run.StatusFailed, "", errMsg, completedAt); err != nil {
		return err
	}

	r.Status = run.StatusFailed
	r.ErrorMessage = errMsg
	r.CompletedAt = &completedAt
	e.ledger.PublishStatus(r)
	e.metrics.RunsTotal.WithLabelValues(r.AgentID, string(run.StatusFailed)).Inc()
	return nil
}

func (e *Engine) appendStep(ctx context.Context, st *run.Step) {
	// Steps are appended fully formed after their operation finished,
	// so append time is completion time.
	if st.CompletedAt == nil {
		now := time.Now().UTC()
		st.CompletedAt = &now
	}
	// A run that timed out or was cancelled still records what
	// happened: ledger writes survive the loop context.
	if _, err := e.ledger.Append(context.WithoutCancel(ctx), st); err != nil {
		e.logger.Error().Err(err).Str("run_id", st.RunID).Msg("Failed to append step")
		return
	}
	e.metrics.StepsTotal.WithLabelValues(string(st.Type)).Inc()
}

func (e *Engine) appendErrorStep(ctx context.Context, runID, toolName, errMsg string) {
	e.appendStep(ctx, &run.Step{
		RunID:        runID,
		Type:         run.StepError,
		ToolName:     toolName,
		ErrorMessage: errMsg,
		StartedAt:    time.Now().UTC(),
	})
}

type llmCallInput struct {
	Model    string `json:"model"`
	Messages int    `json:"messages"`
	Tools    int    `json:"tools"`
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}
	return data
}
