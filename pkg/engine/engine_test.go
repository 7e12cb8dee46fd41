package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runloom/runloom/internal/metrics"
	"github.com/runloom/runloom/pkg/conversation"
	"github.com/runloom/runloom/pkg/eventbus"
	"github.com/runloom/runloom/pkg/ledger"
	"github.com/runloom/runloom/pkg/provider"
	"github.com/runloom/runloom/pkg/run"
	"github.com/runloom/runloom/pkg/store"
	"github.com/runloom/runloom/pkg/tool"
)

type fixture struct {
	store    store.Store
	bus      *eventbus.Bus
	ledger   *ledger.Ledger
	registry *tool.Registry
	engine   *Engine
}

func newFixture(t *testing.T, decider provider.Decider, cfg Config) *fixture {
	t.Helper()

	st := store.NewMemoryStore()
	bus := eventbus.New(zerolog.Nop())
	led := ledger.New(st, bus, zerolog.Nop())
	registry := tool.NewRegistry(zerolog.Nop())

	require.NoError(t, registry.Register(tool.Definition{
		Name:        "web_search",
		Description: "Search the web",
		Enabled:     true,
		Parameters: []tool.Parameter{
			{Name: "query", Type: "string", Description: "Search query", Required: true},
		},
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"results": []string{"the answer is 42"}}, nil
		},
	}))

	eng := New(st, led, registry, decider, &conversation.StaticLoader{}, metrics.NewMetrics(), zerolog.Nop(), cfg)
	return &fixture{store: st, bus: bus, ledger: led, registry: registry, engine: eng}
}

func (f *fixture) createRun(t *testing.T, input string) *run.Run {
	t.Helper()
	r := &run.Run{
		ID:        uuid.NewString(),
		AgentID:   "agent-1",
		UserID:    "user-1",
		InputText: input,
		Status:    run.StatusQueued,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateRun(context.Background(), r))
	return r
}

func (f *fixture) finalRun(t *testing.T, id string) *run.Run {
	t.Helper()
	r, err := f.store.GetRun(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, r)
	return r
}

func stepTypes(steps []run.Step) []run.StepType {
	types := make([]run.StepType, len(steps))
	for i, s := range steps {
		types[i] = s.Type
	}
	return types
}

func requireGapFree(t *testing.T, steps []run.Step) {
	t.Helper()
	for i, s := range steps {
		require.Equal(t, i+1, s.StepNumber, "step numbers must be a gap-free 1..N sequence")
	}
}

func TestRunCompletesWithoutTools(t *testing.T) {
	f := newFixture(t, provider.NewScripted(provider.Answer("4")), Config{})
	r := f.createRun(t, "2+2?")

	require.NoError(t, f.engine.Start(context.Background(), r.ID))

	final := f.finalRun(t, r.ID)
	assert.Equal(t, run.StatusCompleted, final.Status)
	assert.Equal(t, "4", final.OutputText)
	assert.Empty(t, final.ErrorMessage)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.CompletedAt)

	steps, err := f.ledger.Read(context.Background(), r.ID)
	require.NoError(t, err)
	requireGapFree(t, steps)
	assert.Equal(t, []run.StepType{run.StepLLMCall, run.StepFinalAnswer}, stepTypes(steps))
}

func TestRunCompletesWithToolUse(t *testing.T) {
	decider := provider.NewScripted(
		provider.CallTool("web_search", map[string]interface{}{"query": "meaning of life"}),
		provider.Answer("42"),
	)
	f := newFixture(t, decider, Config{})
	r := f.createRun(t, "what is the meaning of life?")

	require.NoError(t, f.engine.Start(context.Background(), r.ID))

	final := f.finalRun(t, r.ID)
	assert.Equal(t, run.StatusCompleted, final.Status)
	assert.Equal(t, "42", final.OutputText)

	steps, err := f.ledger.Read(context.Background(), r.ID)
	require.NoError(t, err)
	requireGapFree(t, steps)
	assert.Equal(t, []run.StepType{
		run.StepLLMCall,
		run.StepToolCall,
		run.StepToolResult,
		run.StepLLMCall,
		run.StepFinalAnswer,
	}, stepTypes(steps))
	assert.Equal(t, "web_search", steps[1].ToolName)
	for _, s := range steps {
		assert.NotNil(t, s.CompletedAt, "steps are appended fully formed")
	}

	// The tool result must be fed back into the next model call.
	require.Equal(t, 2, decider.Calls())
	second := decider.Requests[1]
	require.NotEmpty(t, second.Messages)
	assert.Equal(t, "tool", second.Messages[len(second.Messages)-1].Role)
	assert.Contains(t, second.Messages[len(second.Messages)-1].Content, "the answer is 42")
}

func TestToolTimeoutFailsRun(t *testing.T) {
	decider := provider.NewScripted(
		provider.CallTool("sleeper", map[string]interface{}{}),
	)
	f := newFixture(t, decider, Config{ToolTimeout: 30 * time.Millisecond})

	require.NoError(t, f.registry.Register(tool.Definition{
		Name:        "sleeper",
		Description: "Blocks until cancelled",
		Enabled:     true,
		Handler: func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	r := f.createRun(t, "take your time")
	require.NoError(t, f.engine.Start(context.Background(), r.ID))

	final := f.finalRun(t, r.ID)
	assert.Equal(t, run.StatusFailed, final.Status)
	assert.Equal(t, "timeout", final.ErrorMessage)
	assert.Empty(t, final.OutputText)

	steps, err := f.ledger.Read(context.Background(), r.ID)
	require.NoError(t, err)
	requireGapFree(t, steps)
	assert.NotContains(t, stepTypes(steps), run.StepFinalAnswer)
	last := steps[len(steps)-1]
	assert.Equal(t, run.StepError, last.Type)
	assert.Equal(t, "sleeper", last.ToolName)
}

func TestInterruptedRunsAreForceFailed(t *testing.T) {
	f := newFixture(t, provider.NewScripted(), Config{})
	ctx := context.Background()

	// A run claimed by a process that died leaves a running row with no
	// owner.
	orphan := f.createRun(t, "doomed")
	require.NoError(t, f.store.ClaimRun(ctx, orphan.ID, time.Now().UTC()))
	queued := f.createRun(t, "untouched")

	recovered, err := f.engine.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	final := f.finalRun(t, orphan.ID)
	assert.Equal(t, run.StatusFailed, final.Status)
	assert.Equal(t, "interrupted", final.ErrorMessage)

	assert.Equal(t, run.StatusQueued, f.finalRun(t, queued.ID).Status)
}

func TestDuplicateStartIsRejected(t *testing.T) {
	f := newFixture(t, provider.NewScripted(provider.Answer("ok")), Config{})
	ctx := context.Background()

	r := f.createRun(t, "once only")
	require.NoError(t, f.store.ClaimRun(ctx, r.ID, time.Now().UTC()))

	err := f.engine.Start(ctx, r.ID)
	require.ErrorIs(t, err, run.ErrAlreadyRunning)
}

func TestStartUnknownRun(t *testing.T) {
	f := newFixture(t, provider.NewScripted(), Config{})
	err := f.engine.Start(context.Background(), "missing")
	require.ErrorIs(t, err, run.ErrNotFound)
}

// slowDecider delays each decision so a run can outlive its wall-clock
// deadline while every individual call still succeeds.
type slowDecider struct {
	delay time.Duration
	inner provider.Decider
}

func (d *slowDecider) Name() string { return d.inner.Name() }

func (d *slowDecider) Decide(ctx context.Context, req provider.Request) (*provider.Decision, error) {
	time.Sleep(d.delay)
	return d.inner.Decide(ctx, req)
}

func TestRunTimeoutFailsRun(t *testing.T) {
	scripted := provider.NewScripted(
		provider.CallTool("web_search", map[string]interface{}{"query": "first"}),
		provider.CallTool("web_search", map[string]interface{}{"query": "second"}),
		provider.Answer("never reached"),
	)
	decider := &slowDecider{delay: 60 * time.Millisecond, inner: scripted}
	f := newFixture(t, decider, Config{RunTimeout: 40 * time.Millisecond})

	r := f.createRun(t, "slow reasoning")
	require.NoError(t, f.engine.Start(context.Background(), r.ID))

	final := f.finalRun(t, r.ID)
	assert.Equal(t, run.StatusFailed, final.Status)
	assert.Equal(t, "timeout", final.ErrorMessage)

	steps, err := f.ledger.Read(context.Background(), r.ID)
	require.NoError(t, err)
	requireGapFree(t, steps)
	assert.NotContains(t, stepTypes(steps), run.StepFinalAnswer)

	last := steps[len(steps)-1]
	assert.Equal(t, run.StepError, last.Type)
	assert.Equal(t, "timeout", last.ErrorMessage)
}

func TestCancellationObservedAfterToolCall(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	decider := provider.NewScripted(
		provider.CallTool("slow", map[string]interface{}{}),
		provider.Answer("never reached"),
	)
	f := newFixture(t, decider, Config{})

	// The handler deliberately ignores its context: cancellation must
	// not reach into an in-flight call.
	require.NoError(t, f.registry.Register(tool.Definition{
		Name:        "slow",
		Description: "Waits for the test to release it",
		Enabled:     true,
		Handler: func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
			close(started)
			<-release
			return "tool finished fine", nil
		},
	}))

	r := f.createRun(t, "slow work")

	done := make(chan error, 1)
	go func() {
		done <- f.engine.Start(context.Background(), r.ID)
	}()

	<-started
	require.True(t, f.engine.Cancel(r.ID))
	close(release)
	require.NoError(t, <-done)

	final := f.finalRun(t, r.ID)
	assert.Equal(t, run.StatusFailed, final.Status)
	assert.Equal(t, "cancelled", final.ErrorMessage)

	// The in-flight tool call finished, no new model call started.
	assert.Equal(t, 1, decider.Calls())

	steps, err := f.ledger.Read(context.Background(), r.ID)
	require.NoError(t, err)
	requireGapFree(t, steps)

	// The tool's real result is recorded before the run finalizes.
	assert.Equal(t, []run.StepType{
		run.StepLLMCall,
		run.StepToolCall,
		run.StepToolResult,
		run.StepError,
	}, stepTypes(steps))
	assert.Contains(t, string(steps[2].OutputData), "tool finished fine")

	last := steps[len(steps)-1]
	assert.Equal(t, run.StepError, last.Type)
	assert.Equal(t, "cancelled", last.ErrorMessage)
}

func TestCancelAfterCompletionIsNoop(t *testing.T) {
	f := newFixture(t, provider.NewScripted(provider.Answer("done")), Config{})
	r := f.createRun(t, "quick")

	require.NoError(t, f.engine.Start(context.Background(), r.ID))
	assert.False(t, f.engine.Cancel(r.ID))
	assert.Equal(t, run.StatusCompleted, f.finalRun(t, r.ID).Status)
}

func TestInvalidToolArgsAreFedBack(t *testing.T) {
	decider := provider.NewScripted(
		provider.CallTool("web_search", map[string]interface{}{"pages": 7}),
		provider.Answer("I could not search, sorry."),
	)
	f := newFixture(t, decider, Config{})
	r := f.createRun(t, "look this up")

	require.NoError(t, f.engine.Start(context.Background(), r.ID))

	final := f.finalRun(t, r.ID)
	assert.Equal(t, run.StatusCompleted, final.Status)

	steps, err := f.ledger.Read(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, []run.StepType{
		run.StepLLMCall,
		run.StepToolCall,
		run.StepError,
		run.StepLLMCall,
		run.StepFinalAnswer,
	}, stepTypes(steps))

	second := decider.Requests[1]
	lastMsg := second.Messages[len(second.Messages)-1]
	assert.Equal(t, "tool", lastMsg.Role)
	assert.Contains(t, lastMsg.Content, "invalid arguments")
}

func TestUnknownToolIsFedBack(t *testing.T) {
	decider := provider.NewScripted(
		provider.CallTool("teleport", map[string]interface{}{}),
		provider.Answer("no such capability"),
	)
	f := newFixture(t, decider, Config{})
	r := f.createRun(t, "beam me up")

	require.NoError(t, f.engine.Start(context.Background(), r.ID))

	final := f.finalRun(t, r.ID)
	assert.Equal(t, run.StatusCompleted, final.Status)

	steps, err := f.ledger.Read(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Contains(t, stepTypes(steps), run.StepError)
}

func TestIterationLimitFailsRun(t *testing.T) {
	decider := provider.NewScripted(
		provider.CallTool("web_search", map[string]interface{}{"query": "first"}),
		provider.CallTool("web_search", map[string]interface{}{"query": "second"}),
		provider.Answer("never reached"),
	)
	f := newFixture(t, decider, Config{MaxIterations: 2})
	r := f.createRun(t, "loop forever")

	require.NoError(t, f.engine.Start(context.Background(), r.ID))

	final := f.finalRun(t, r.ID)
	assert.Equal(t, run.StatusFailed, final.Status)
	assert.Equal(t, "iteration limit exceeded", final.ErrorMessage)

	steps, err := f.ledger.Read(context.Background(), r.ID)
	require.NoError(t, err)
	requireGapFree(t, steps)
	assert.NotContains(t, stepTypes(steps), run.StepFinalAnswer)
}

func TestModelFailureFailsRun(t *testing.T) {
	fatal := errors.New("401 invalid x-api-key")
	f := newFixture(t, provider.NewScripted(provider.Fail(fatal)), Config{})
	r := f.createRun(t, "hello")

	require.NoError(t, f.engine.Start(context.Background(), r.ID))

	final := f.finalRun(t, r.ID)
	assert.Equal(t, run.StatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "model call failed")

	steps, err := f.ledger.Read(context.Background(), r.ID)
	require.NoError(t, err)
	require.NotEmpty(t, steps)
	assert.Equal(t, run.StepError, steps[len(steps)-1].Type)
}

func TestConversationHistoryIsIncluded(t *testing.T) {
	decider := provider.NewScripted(provider.Answer("as I said, Paris"))
	f := newFixture(t, decider, Config{})

	loader := &conversation.StaticLoader{Turns: map[string][]run.Turn{
		"conv-1": {
			{Role: "user", Content: "capital of France?"},
			{Role: "assistant", Content: "Paris"},
		},
	}}
	f.engine.conv = loader

	r := &run.Run{
		ID:             uuid.NewString(),
		AgentID:        "agent-1",
		UserID:         "user-1",
		ConversationID: "conv-1",
		InputText:      "repeat that",
		Status:         run.StatusQueued,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateRun(context.Background(), r))
	require.NoError(t, f.engine.Start(context.Background(), r.ID))

	require.Equal(t, 1, decider.Calls())
	msgs := decider.Requests[0].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "capital of France?", msgs[0].Content)
	assert.Equal(t, "Paris", msgs[1].Content)
	assert.Equal(t, "repeat that", msgs[2].Content)
}

func TestStatusEventsArePublished(t *testing.T) {
	f := newFixture(t, provider.NewScripted(provider.Answer("done")), Config{})
	r := f.createRun(t, "observe me")

	sub := f.bus.Subscribe(r.ID)
	require.NoError(t, f.engine.Start(context.Background(), r.ID))

	var statuses []run.Status
	for ev := range sub.C {
		if ev.Type == eventbus.EventStatus {
			statuses = append(statuses, ev.Run.Status)
		}
	}
	assert.Equal(t, []run.Status{run.StatusRunning, run.StatusCompleted}, statuses)
}
