package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// GetSessionMessages returns a page of the message log.
// GET /v1/sessions/:session_id/messages?limit=&skip=
func (h *Handler) GetSessionMessages(c echo.Context) error {
	limit := 0
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}
	skip := 0
	if s := c.QueryParam("skip"); s != "" {
		if val, err := strconv.Atoi(s); err == nil {
			skip = val
		}
	}

	list, err := h.service.ListMessages(c.Request().Context(), c.Param("session_id"), limit, skip)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

// GetRunEvents returns the journaled events of a run.
// GET /v1/runs/:run_id/events?after_ts=&limit=
func (h *Handler) GetRunEvents(c echo.Context) error {
	limit := 100
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}
	afterTs := int64(0)
	if t := c.QueryParam("after_ts"); t != "" {
		if val, err := strconv.ParseInt(t, 10, 64); err == nil {
			afterTs = val
		}
	}

	events, err := h.service.GetRunEvents(c.Request().Context(), c.Param("run_id"), afterTs, limit)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"events": events,
	})
}
