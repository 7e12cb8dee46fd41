package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runloom/runloom/pkg/provider"
	"github.com/runloom/runloom/pkg/run"
)

func TestJanitor(t *testing.T) {
	t.Run("rejects bad schedule", func(t *testing.T) {
		f := newFixture(t, provider.NewScripted(), Config{})

		_, err := NewJanitor(f.engine, "not a schedule", time.Minute)
		require.Error(t, err)
	})

	t.Run("force fails stale ownerless run", func(t *testing.T) {
		f := newFixture(t, provider.NewScripted(), Config{RunTimeout: time.Second})
		ctx := context.Background()

		stale := f.createRun(t, "stale")
		startedAt := time.Now().UTC().Add(-time.Hour)
		require.NoError(t, f.store.ClaimRun(ctx, stale.ID, startedAt))

		queued := f.createRun(t, "still queued")

		j, err := NewJanitor(f.engine, "@every 1h", time.Minute)
		require.NoError(t, err)
		j.sweep()

		got := f.finalRun(t, stale.ID)
		assert.Equal(t, run.StatusFailed, got.Status)
		assert.Equal(t, "interrupted", got.ErrorMessage)

		untouched := f.finalRun(t, queued.ID)
		assert.Equal(t, run.StatusQueued, untouched.Status)
	})

	t.Run("leaves fresh and owned runs alone", func(t *testing.T) {
		f := newFixture(t, provider.NewScripted(), Config{RunTimeout: time.Hour})
		ctx := context.Background()

		fresh := f.createRun(t, "fresh")
		require.NoError(t, f.store.ClaimRun(ctx, fresh.ID, time.Now().UTC()))

		owned := f.createRun(t, "owned")
		require.NoError(t, f.store.ClaimRun(ctx, owned.ID, time.Now().UTC().Add(-2*time.Hour)))
		f.engine.mu.Lock()
		f.engine.active[owned.ID] = &activeRun{cancelled: make(chan struct{})}
		f.engine.mu.Unlock()

		j, err := NewJanitor(f.engine, "@every 1h", time.Minute)
		require.NoError(t, err)
		j.sweep()

		assert.Equal(t, run.StatusRunning, f.finalRun(t, fresh.ID).Status)
		assert.Equal(t, run.StatusRunning, f.finalRun(t, owned.ID).Status)
	})
}
