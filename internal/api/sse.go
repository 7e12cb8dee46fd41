package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/runloom/runloom/pkg/eventbus"
	"github.com/runloom/runloom/pkg/run"
)

// streamEvents serves a run's event stream over SSE: full ledger replay
// first, then live events, closing after the terminal status event.
func (s *Server) streamEvents(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("id")

	events, err := s.streamer.Follow(ctx, runID)
	if err != nil {
		if errors.Is(err, run.ErrNotFound) {
			return c.JSON(http.StatusNotFound, errorResponse{Error: "run not found"})
		}
		s.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to open event stream")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to open stream"})
	}

	s.metrics.StreamSubscribers.Inc()
	defer s.metrics.StreamSubscribers.Dec()

	h := c.Response().Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			// Client went away. The run keeps executing.
			return nil

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeSSEEvent(c, ev); err != nil {
				return nil
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprint(c.Response().Writer, ": heartbeat\n\n"); err != nil {
				return nil
			}
			c.Response().Flush()
		}
	}
}

func writeSSEEvent(c echo.Context, ev eventbus.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	name := string(ev.Type)
	if ev.Type == eventbus.EventStep && ev.Step != nil {
		name = string(ev.Step.Type)
	}

	if _, err := fmt.Fprintf(c.Response().Writer, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}
