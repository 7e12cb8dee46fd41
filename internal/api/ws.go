package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/runloom/runloom/pkg/run"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamWebSocket serves the same replay-then-live event stream as the
// SSE endpoint, one JSON message per event. The server closes the
// socket after the terminal event.
func (s *Server) streamWebSocket(c echo.Context) error {
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

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return nil
	}
	defer conn.Close()

	clientID, _ := gonanoid.New()
	s.metrics.StreamSubscribers.Inc()
	defer s.metrics.StreamSubscribers.Dec()

	s.logger.Debug().
		Str("client_id", clientID).
		Str("run_id", runID).
		Msg("WebSocket subscriber attached")

	// Reader goroutine: the client sends nothing meaningful, but reads
	// are required to notice disconnects and answer control frames.
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
					s.logger.Debug().Err(err).Str("client_id", clientID).Msg("WebSocket read error")
				}
				return
			}
		}
	}()

	ping := time.NewTicker(s.heartbeat)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-disconnected:
			// Client hung up. The run keeps executing.
			return nil

		case ev, ok := <-events:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				return nil
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug().Err(err).Str("client_id", clientID).Msg("WebSocket write failed")
				return nil
			}

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return nil
			}
		}
	}
}
