package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"rate limited", errors.New("429 Too Many Requests"), true},
		{"rate limit text", errors.New("rate limit exceeded, slow down"), true},
		{"server error", errors.New("received 503 from upstream"), true},
		{"overloaded", errors.New("overloaded_error: try again"), true},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"bad api key", errors.New("401 invalid x-api-key"), false},
		{"bad request", errors.New("400 max_tokens required"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.retryable, IsRetryable(tc.err))
		})
	}
}

func TestWithRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		inner := NewScripted(
			Fail(errors.New("503 upstream hiccup")),
			Fail(errors.New("rate limit")),
			Answer("done"),
		)
		d := WithRetry(inner, 3, time.Millisecond, zerolog.Nop())

		decision, err := d.Decide(ctx, Request{Model: "test"})
		require.NoError(t, err)
		assert.Equal(t, "done", decision.Content)
		assert.Equal(t, 3, inner.Calls())
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		inner := NewScripted(
			Fail(errors.New("503")),
			Fail(errors.New("503")),
			Fail(errors.New("503")),
		)
		d := WithRetry(inner, 3, time.Millisecond, zerolog.Nop())

		_, err := d.Decide(ctx, Request{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "after 3 attempts")
		assert.Equal(t, 3, inner.Calls())
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		fatal := errors.New("401 invalid x-api-key")
		inner := NewScripted(Fail(fatal))
		d := WithRetry(inner, 3, time.Millisecond, zerolog.Nop())

		_, err := d.Decide(ctx, Request{})
		require.ErrorIs(t, err, fatal)
		assert.Equal(t, 1, inner.Calls())
	})

	t.Run("cancellation interrupts backoff", func(t *testing.T) {
		inner := NewScripted(
			Fail(errors.New("503")),
			Answer("never reached"),
		)
		d := WithRetry(inner, 3, time.Minute, zerolog.Nop())

		cctx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		_, err := d.Decide(cctx, Request{})
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, inner.Calls())
	})
}
