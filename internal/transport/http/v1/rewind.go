package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
)

// RewindRequest is the body of POST /v1/sessions/:session_id/rewind.
type RewindRequest struct {
	MessageID string `json:"messageId"`
	Edit      bool   `json:"edit,omitempty"`
}

// Rewind truncates the session to a message checkpoint.
// POST /v1/sessions/:session_id/rewind
func (h *Handler) Rewind(c echo.Context) error {
	var req RewindRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.MessageID == "" {
		return badRequest(c, "messageId is required")
	}

	res, err := h.service.Rewind(c.Request().Context(), c.Param("session_id"), req.MessageID, req.Edit)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// AckRequest is the body of POST /v1/sessions/:session_id/ack.
type AckRequest struct {
	Seq int64 `json:"seq"`
}

// Ack records the highest applied sequence.
// POST /v1/sessions/:session_id/ack
func (h *Handler) Ack(c echo.Context) error {
	var req AckRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	acked, err := h.service.Ack(c.Param("session_id"), req.Seq)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int64{"ackedSeq": acked})
}

// PushFilesRequest is the body of POST /v1/sessions/:session_id/files.
type PushFilesRequest struct {
	Ops []domain.FsPatchOp `json:"ops"`
}

// PushFiles applies locally edited files to the workspace.
// POST /v1/sessions/:session_id/files
func (h *Handler) PushFiles(c echo.Context) error {
	var req PushFilesRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	seq, err := h.service.Push(c.Request().Context(), c.Param("session_id"), req.Ops)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int64{"seq": seq})
}
