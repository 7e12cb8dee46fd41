package tool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(zerolog.Nop())
}

func echoDefinition() Definition {
	return Definition{
		Name:        "echo",
		Description: "Returns its input",
		Enabled:     true,
		Parameters: []Parameter{
			{Name: "text", Type: "string", Description: "Text to echo back", Required: true},
			{Name: "repeat", Type: "integer", Description: "How many times to repeat"},
		},
		Handler: func(_ context.Context, args map[string]interface{}) (interface{}, error) {
			text, _ := args["text"].(string)
			n := intArg(args, "repeat", 1)
			return strings.Repeat(text, n), nil
		},
	}
}

func TestRegistryRegister(t *testing.T) {
	t.Run("registers a valid definition", func(t *testing.T) {
		reg := newTestRegistry(t)
		require.NoError(t, reg.Register(echoDefinition()))

		h, err := reg.Resolve("echo")
		require.NoError(t, err)
		assert.Equal(t, "echo", h.Name())
	})

	t.Run("rejects duplicate names", func(t *testing.T) {
		reg := newTestRegistry(t)
		require.NoError(t, reg.Register(echoDefinition()))

		err := reg.Register(echoDefinition())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already registered")
	})

	t.Run("rejects missing handler", func(t *testing.T) {
		reg := newTestRegistry(t)
		def := echoDefinition()
		def.Handler = nil

		require.Error(t, reg.Register(def))
	})

	t.Run("rejects unknown parameter type", func(t *testing.T) {
		reg := newTestRegistry(t)
		def := echoDefinition()
		def.Parameters[0].Type = "tuple"

		require.Error(t, reg.Register(def))
	})
}

func TestRegistryResolve(t *testing.T) {
	t.Run("unknown tool", func(t *testing.T) {
		reg := newTestRegistry(t)

		_, err := reg.Resolve("nope")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("disabled tool", func(t *testing.T) {
		reg := newTestRegistry(t)
		require.NoError(t, reg.Register(echoDefinition()))
		require.NoError(t, reg.SetEnabled("echo", false))

		_, err := reg.Resolve("echo")
		require.ErrorIs(t, err, ErrDisabled)

		require.NoError(t, reg.SetEnabled("echo", true))
		_, err = reg.Resolve("echo")
		require.NoError(t, err)
	})
}

func TestRegistryList(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.Register(echoDefinition()))

	disabled := echoDefinition()
	disabled.Name = "archive"
	require.NoError(t, reg.Register(disabled))
	require.NoError(t, reg.SetEnabled("archive", false))

	defs := reg.List()
	require.Len(t, defs, 2)
	assert.Equal(t, "archive", defs[0].Name)
	assert.False(t, defs[0].Enabled)
	assert.Equal(t, "echo", defs[1].Name)
	assert.True(t, defs[1].Enabled)

	for _, def := range defs {
		assert.Nil(t, def.Handler, "listed definitions must not expose handlers")
	}
}

func TestRegistryInvoke(t *testing.T) {
	t.Run("happy path", func(t *testing.T) {
		reg := newTestRegistry(t)
		require.NoError(t, reg.Register(echoDefinition()))
		h, err := reg.Resolve("echo")
		require.NoError(t, err)

		res, err := reg.Invoke(context.Background(), h, map[string]interface{}{"text": "ha", "repeat": float64(3)}, 0)
		require.NoError(t, err)
		assert.Equal(t, "hahaha", res.Output)
		assert.False(t, res.Truncated)
		assert.Greater(t, res.Duration, time.Duration(0))
	})

	t.Run("missing required argument", func(t *testing.T) {
		reg := newTestRegistry(t)
		require.NoError(t, reg.Register(echoDefinition()))
		h, err := reg.Resolve("echo")
		require.NoError(t, err)

		_, err = reg.Invoke(context.Background(), h, map[string]interface{}{}, 0)
		require.Error(t, err)
		assert.True(t, IsValidation(err))

		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "echo", ve.Tool)
		assert.NotEmpty(t, ve.Causes)
	})

	t.Run("wrong argument type", func(t *testing.T) {
		reg := newTestRegistry(t)
		require.NoError(t, reg.Register(echoDefinition()))
		h, err := reg.Resolve("echo")
		require.NoError(t, err)

		_, err = reg.Invoke(context.Background(), h, map[string]interface{}{"text": 42}, 0)
		assert.True(t, IsValidation(err))
	})

	t.Run("unexpected argument", func(t *testing.T) {
		reg := newTestRegistry(t)
		require.NoError(t, reg.Register(echoDefinition()))
		h, err := reg.Resolve("echo")
		require.NoError(t, err)

		_, err = reg.Invoke(context.Background(), h, map[string]interface{}{"text": "hi", "volume": 11}, 0)
		assert.True(t, IsValidation(err))
	})

	t.Run("handler error is returned", func(t *testing.T) {
		reg := newTestRegistry(t)
		boom := errors.New("backend unavailable")
		require.NoError(t, reg.Register(Definition{
			Name:        "flaky",
			Description: "Always fails",
			Enabled:     true,
			Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
				return nil, boom
			},
		}))
		h, err := reg.Resolve("flaky")
		require.NoError(t, err)

		_, err = reg.Invoke(context.Background(), h, nil, 0)
		require.ErrorIs(t, err, boom)
	})

	t.Run("timeout", func(t *testing.T) {
		reg := newTestRegistry(t)
		require.NoError(t, reg.Register(Definition{
			Name:        "sleeper",
			Description: "Blocks until cancelled",
			Enabled:     true,
			Handler: func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}))
		h, err := reg.Resolve("sleeper")
		require.NoError(t, err)

		_, err = reg.Invoke(context.Background(), h, nil, 20*time.Millisecond)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("oversized output is truncated", func(t *testing.T) {
		reg := newTestRegistry(t)
		require.NoError(t, reg.Register(Definition{
			Name:        "firehose",
			Description: "Returns a large payload",
			Enabled:     true,
			Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
				return strings.Repeat("x", maxOutputBytes*2), nil
			},
		}))
		h, err := reg.Resolve("firehose")
		require.NoError(t, err)

		res, err := reg.Invoke(context.Background(), h, nil, 0)
		require.NoError(t, err)
		assert.True(t, res.Truncated)

		str, ok := res.Output.(string)
		require.True(t, ok)
		assert.LessOrEqual(t, len(str), maxOutputBytes)
	})
}

func TestRegisterBuiltins(t *testing.T) {
	searchSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "golang", r.URL.Query().Get("q"))
		fmt.Fprint(w, `{"AbstractText":"Go is a programming language.","AbstractURL":"https://go.dev","RelatedTopics":[{"Text":"Gopher","FirstURL":"https://go.dev/blog/gopher"}]}`)
	}))
	defer searchSrv.Close()

	reg := newTestRegistry(t)
	require.NoError(t, RegisterBuiltins(reg, Options{
		HTTPClient:     searchSrv.Client(),
		SearchEndpoint: searchSrv.URL,
	}))

	names := make([]string, 0, 3)
	for _, def := range reg.List() {
		names = append(names, def.Name)
	}
	assert.ElementsMatch(t, []string{"web_search", "http_fetch", "clock"}, names)

	t.Run("web_search", func(t *testing.T) {
		h, err := reg.Resolve("web_search")
		require.NoError(t, err)

		res, err := reg.Invoke(context.Background(), h, map[string]interface{}{"query": "golang"}, 0)
		require.NoError(t, err)

		out, ok := res.Output.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "golang", out["query"])
		assert.Equal(t, 2, out["count"])
	})

	t.Run("http_fetch", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
			fmt.Fprint(w, "short and stout")
		}))
		defer srv.Close()

		h, err := reg.Resolve("http_fetch")
		require.NoError(t, err)

		res, err := reg.Invoke(context.Background(), h, map[string]interface{}{"url": srv.URL}, 0)
		require.NoError(t, err)

		out, ok := res.Output.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, http.StatusTeapot, out["status"])
		assert.Equal(t, "short and stout", out["body"])
	})

	t.Run("http_fetch rejects non-http schemes", func(t *testing.T) {
		h, err := reg.Resolve("http_fetch")
		require.NoError(t, err)

		_, err = reg.Invoke(context.Background(), h, map[string]interface{}{"url": "file:///etc/passwd"}, 0)
		require.Error(t, err)
	})

	t.Run("clock", func(t *testing.T) {
		h, err := reg.Resolve("clock")
		require.NoError(t, err)

		res, err := reg.Invoke(context.Background(), h, nil, 0)
		require.NoError(t, err)

		out, ok := res.Output.(map[string]interface{})
		require.True(t, ok)
		assert.NotEmpty(t, out["iso"])
	})
}
