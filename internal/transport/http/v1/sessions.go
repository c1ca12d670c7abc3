package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/protocol"
)

// CreateSessionRequest is the body of POST /v1/sessions.
type CreateSessionRequest struct {
	EngineID   string `json:"engineId"`
	TemplateID string `json:"templateId,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
}

// CreateSessionResponse carries the session and its initial snapshot.
type CreateSessionResponse struct {
	Session  domain.SessionInfo        `json:"session"`
	Resumed  bool                      `json:"resumed"`
	Snapshot *protocol.SnapshotMessage `json:"snapshot"`
}

// CreateSession creates or resumes a session.
// POST /v1/sessions
func (h *Handler) CreateSession(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	ctx := c.Request().Context()
	sess, resumed, err := h.service.CreateSession(ctx, req.EngineID, req.TemplateID, req.SessionID)
	if err != nil {
		return fail(c, err)
	}
	snap, err := h.service.Snapshot(sess.ID)
	if err != nil {
		return fail(c, err)
	}

	status := http.StatusCreated
	if resumed {
		status = http.StatusOK
	}
	return c.JSON(status, CreateSessionResponse{Session: sess.Info(), Resumed: resumed, Snapshot: snap})
}

// GetSession returns session info.
// GET /v1/sessions/:session_id
func (h *Handler) GetSession(c echo.Context) error {
	info, err := h.service.SessionInfo(c.Param("session_id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

// DeleteSession destroys a session and its workspace.
// DELETE /v1/sessions/:session_id
func (h *Handler) DeleteSession(c echo.Context) error {
	if err := h.service.DestroySession(c.Request().Context(), c.Param("session_id")); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// GetSnapshot returns a full workspace snapshot.
// GET /v1/sessions/:session_id/snapshot
func (h *Handler) GetSnapshot(c echo.Context) error {
	snap, err := h.service.Snapshot(c.Param("session_id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}
