package http

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/pulsed/internal/ingest"
	"github.com/fyrsmithlabs/pulsed/internal/logging"
)

// defaultWindowMinutes applies when window_minutes is omitted.
const defaultWindowMinutes = 60

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleStoreEvent accepts one event from a client.
func (s *Server) handleStoreEvent(c echo.Context) error {
	var req ingest.StoreEventRequest
	if err := c.Bind(&req); err != nil {
		return bindError(err)
	}
	ctx := logging.WithSessionID(c.Request().Context(), req.SessionID)

	resp, err := s.ingest.StoreEvent(ctx, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, resp)
}

// handleSync records a heartbeat and returns the election outcome.
func (s *Server) handleSync(c echo.Context) error {
	var req ingest.SyncRequest
	if err := c.Bind(&req); err != nil {
		return bindError(err)
	}
	ctx := logging.WithClientID(logging.WithSessionID(c.Request().Context(), req.SessionID), req.ClientID)

	res, err := s.ingest.SyncSession(ctx, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// handleLeave removes a client from a session.
func (s *Server) handleLeave(c echo.Context) error {
	var req LeaveRequest
	if err := c.Bind(&req); err != nil {
		return bindError(err)
	}
	if err := s.ingest.LeaveSession(c.Request().Context(), req.SessionID, req.ClientID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleStatus(c echo.Context) error {
	st, err := s.registry.Status(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

// handleWindow returns decrypted events from the trailing window.
func (s *Server) handleWindow(c echo.Context) error {
	minutes := defaultWindowMinutes
	if raw := c.QueryParam("window_minutes"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return &requestError{Field: "window_minutes", Reason: "must be an integer"}
		}
		minutes = n
	}

	w, err := s.query.GetWindow(c.Request().Context(), c.Param("session_id"), minutes)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, w)
}

// handleWipe deletes a session's events. It requires confirm=true.
func (s *Server) handleWipe(c echo.Context) error {
	confirm := false
	if raw := c.QueryParam("confirm"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return &requestError{Field: "confirm", Reason: "must be true or false"}
		}
		confirm = v
	}

	sessionID := c.Param("session_id")
	n, err := s.query.Wipe(c.Request().Context(), sessionID, confirm)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, WipeResponse{SessionID: sessionID, Deleted: n})
}

func (s *Server) handleFlow(c echo.Context) error {
	res, err := s.query.GetFlowState(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleStuck(c echo.Context) error {
	res, err := s.query.GetStuckSignal(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleEnergy(c echo.Context) error {
	res, err := s.query.GetEnergy(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleBreak(c echo.Context) error {
	res, err := s.query.GetBreakSuggestion(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// bindError keeps echo's own status for unsupported media types and
// oversized bodies, and reports everything else as a malformed body.
func bindError(err error) error {
	if he, ok := err.(*echo.HTTPError); ok && he.Code != http.StatusBadRequest {
		return he
	}
	return &requestError{Field: "body", Reason: "must be a JSON object matching the request schema"}
}
