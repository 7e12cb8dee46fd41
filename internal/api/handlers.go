package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/runloom/runloom/pkg/run"
	"github.com/runloom/runloom/pkg/store"
)

type createRunRequest struct {
	AgentID        string `json:"agent_id"`
	UserID         string `json:"user_id"`
	InputText      string `json:"input_text"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type runResponse struct {
	*run.Run
	Steps []run.Step `json:"steps,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) createRun(c echo.Context) error {
	var req createRunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}
	if req.AgentID == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "agent_id is required"})
	}
	if req.InputText == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "input_text is required"})
	}

	r := &run.Run{
		ID:             uuid.NewString(),
		AgentID:        req.AgentID,
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		InputText:      req.InputText,
		Status:         run.StatusQueued,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateRun(c.Request().Context(), r); err != nil {
		s.logger.Error().Err(err).Msg("Failed to create run")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to create run"})
	}

	// Execution is detached from the request: the run outlives the
	// HTTP exchange and clients observe it via the stream endpoints.
	go func() {
		if err := s.engine.Start(context.Background(), r.ID); err != nil {
			s.logger.Error().Err(err).Str("run_id", r.ID).Msg("Run start failed")
		}
	}()

	return c.JSON(http.StatusCreated, runResponse{Run: r})
}

func (s *Server) getRun(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	r, err := s.store.GetRun(ctx, id)
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", id).Msg("Failed to get run")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to get run"})
	}
	if r == nil {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "run not found"})
	}

	steps, err := s.store.ListSteps(ctx, id)
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", id).Msg("Failed to list steps")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to list steps"})
	}

	return c.JSON(http.StatusOK, runResponse{Run: r, Steps: steps})
}

func (s *Server) listRuns(c echo.Context) error {
	filter := store.ListFilter{
		UserID:  c.QueryParam("user_id"),
		AgentID: c.QueryParam("agent_id"),
		Limit:   queryInt(c, "limit", 50),
		Offset:  queryInt(c, "offset", 0),
	}

	runs, err := s.store.ListRuns(c.Request().Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list runs")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to list runs"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{"runs": runs})
}

// cancelRun requests cooperative cancellation and reports the current
// run state. The status stays running until the engine observes the
// flag, or is already terminal when the race was lost.
func (s *Server) cancelRun(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	r, err := s.store.GetRun(ctx, id)
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", id).Msg("Failed to get run")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to get run"})
	}
	if r == nil {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "run not found"})
	}

	if r.Status.CanTransition(run.StatusFailed) {
		if !s.engine.Cancel(id) && r.Status == run.StatusQueued {
			// Never claimed, nothing will observe the flag. Fail it
			// directly so it cannot start later.
			err := s.engine.CancelQueued(ctx, id)
			if err != nil && !errors.Is(err, run.ErrAlreadyRunning) {
				s.logger.Error().Err(err).Str("run_id", id).Msg("Failed to cancel queued run")
			}
		}
		// Re-read so callers see any terminal state reached meanwhile.
		if updated, err := s.store.GetRun(ctx, id); err == nil && updated != nil {
			r = updated
		}
	}

	return c.JSON(http.StatusOK, runResponse{Run: r})
}

func (s *Server) listTools(c echo.Context) error {
	defs := s.registry.List()

	type toolView struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description"`
		Enabled     bool                   `json:"enabled"`
		InputSchema map[string]interface{} `json:"input_schema"`
	}
	views := make([]toolView, 0, len(defs))
	for _, def := range defs {
		views = append(views, toolView{
			Name:        def.Name,
			Description: def.Description,
			Enabled:     def.Enabled,
			InputSchema: def.InputSchema(),
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{"tools": views})
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": Version})
}

func queryInt(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
