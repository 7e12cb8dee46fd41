package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runloom/runloom/pkg/run"
)

func backends(t *testing.T) map[string]Store {
	sqlite, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func newQueuedRun() *run.Run {
	return &run.Run{
		ID:        uuid.NewString(),
		AgentID:   "agent-1",
		UserID:    "user-1",
		InputText: "2+2?",
		Status:    run.StatusQueued,
		CreatedAt: time.Now().UTC(),
	}
}

func TestRunLifecycle(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := newQueuedRun()
			require.NoError(t, s.CreateRun(ctx, r))

			got, err := s.GetRun(ctx, r.ID)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, run.StatusQueued, got.Status)
			assert.Nil(t, got.StartedAt)

			require.NoError(t, s.ClaimRun(ctx, r.ID, time.Now().UTC()))
			got, err = s.GetRun(ctx, r.ID)
			require.NoError(t, err)
			assert.Equal(t, run.StatusRunning, got.Status)
			assert.NotNil(t, got.StartedAt)

			require.NoError(t, s.FinishRun(ctx, r.ID, run.StatusCompleted, "4", "", time.Now().UTC()))
			got, err = s.GetRun(ctx, r.ID)
			require.NoError(t, err)
			assert.Equal(t, run.StatusCompleted, got.Status)
			assert.Equal(t, "4", got.OutputText)
			assert.Empty(t, got.ErrorMessage)
			assert.NotNil(t, got.CompletedAt)
		})
	}
}

func TestClaimRace(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := newQueuedRun()
			require.NoError(t, s.CreateRun(ctx, r))

			require.NoError(t, s.ClaimRun(ctx, r.ID, time.Now().UTC()))

			err := s.ClaimRun(ctx, r.ID, time.Now().UTC())
			assert.ErrorIs(t, err, run.ErrAlreadyRunning)

			// A finished run can never be reclaimed either
			require.NoError(t, s.FinishRun(ctx, r.ID, run.StatusCompleted, "done", "", time.Now().UTC()))
			err = s.ClaimRun(ctx, r.ID, time.Now().UTC())
			assert.ErrorIs(t, err, run.ErrAlreadyRunning)
		})
	}
}

func TestClaimMissingRun(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := s.ClaimRun(context.Background(), "nope", time.Now().UTC())
			assert.ErrorIs(t, err, run.ErrNotFound)
		})
	}
}

func TestTerminalIsAbsorbing(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := newQueuedRun()
			require.NoError(t, s.CreateRun(ctx, r))
			require.NoError(t, s.ClaimRun(ctx, r.ID, time.Now().UTC()))
			require.NoError(t, s.FinishRun(ctx, r.ID, run.StatusCompleted, "done", "", time.Now().UTC()))

			// A racing cancel arrives after natural completion
			err := s.FinishRun(ctx, r.ID, run.StatusFailed, "", "cancelled", time.Now().UTC())
			assert.ErrorIs(t, err, run.ErrInvalidTransition)

			got, err := s.GetRun(ctx, r.ID)
			require.NoError(t, err)
			assert.Equal(t, run.StatusCompleted, got.Status)
			assert.Equal(t, "done", got.OutputText)
		})
	}
}

func TestFinishRejectsNonTerminalStatus(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := s.FinishRun(context.Background(), "x", run.StatusRunning, "", "", time.Now().UTC())
			assert.ErrorIs(t, err, run.ErrInvalidTransition)
		})
	}
}

func TestAppendStepNumbering(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := newQueuedRun()
			require.NoError(t, s.CreateRun(ctx, r))

			for i := 0; i < 5; i++ {
				st := &run.Step{
					ID:        uuid.NewString(),
					RunID:     r.ID,
					Type:      run.StepLLMCall,
					InputData: []byte(`{"prompt":"hi"}`),
					StartedAt: time.Now().UTC(),
				}
				n, err := s.AppendStep(ctx, st)
				require.NoError(t, err)
				assert.Equal(t, i+1, n)
				assert.Equal(t, i+1, st.StepNumber)
			}

			steps, err := s.ListSteps(ctx, r.ID)
			require.NoError(t, err)
			require.Len(t, steps, 5)
			for i, st := range steps {
				assert.Equal(t, i+1, st.StepNumber)
			}
		})
	}
}

func TestListRuns(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC()
			for i := 0; i < 3; i++ {
				r := newQueuedRun()
				r.CreatedAt = base.Add(time.Duration(i) * time.Second)
				if i == 2 {
					r.AgentID = "agent-2"
				}
				require.NoError(t, s.CreateRun(ctx, r))
			}

			all, err := s.ListRuns(ctx, ListFilter{UserID: "user-1"})
			require.NoError(t, err)
			assert.Len(t, all, 3)
			// Newest first
			assert.True(t, !all[0].CreatedAt.Before(all[1].CreatedAt))

			filtered, err := s.ListRuns(ctx, ListFilter{UserID: "user-1", AgentID: "agent-2"})
			require.NoError(t, err)
			assert.Len(t, filtered, 1)

			limited, err := s.ListRuns(ctx, ListFilter{UserID: "user-1", Limit: 2})
			require.NoError(t, err)
			assert.Len(t, limited, 2)
		})
	}
}

func TestListRunning(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r1 := newQueuedRun()
			r2 := newQueuedRun()
			require.NoError(t, s.CreateRun(ctx, r1))
			require.NoError(t, s.CreateRun(ctx, r2))
			require.NoError(t, s.ClaimRun(ctx, r1.ID, time.Now().UTC()))

			running, err := s.ListRunning(ctx)
			require.NoError(t, err)
			require.Len(t, running, 1)
			assert.Equal(t, r1.ID, running[0].ID)
		})
	}
}
