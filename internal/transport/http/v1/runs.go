package v1

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/hub"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/protocol"
)

// StartRunRequest is the body of POST /v1/sessions/:session_id/runs.
type StartRunRequest struct {
	Prompt      string              `json:"prompt"`
	Attachments []domain.Attachment `json:"attachments,omitempty"`
}

// StartRun admits a run and streams every broadcast of the session as
// server-sent events until the run finishes or fails.
// POST /v1/sessions/:session_id/runs
func (h *Handler) StartRun(c echo.Context) error {
	sessionID := c.Param("session_id")
	var req StartRunRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	// Attach first so run/started is not missed.
	stream := hub.NewStreamChannel(h.streamBuffer)
	if _, err := h.service.Attach(sessionID, stream); err != nil {
		return fail(c, err)
	}
	defer func() {
		h.service.Detach(sessionID, stream.ID())
		_ = stream.Close()
	}()

	ctx := c.Request().Context()
	runID, err := h.service.StartRun(ctx, sessionID, req.Prompt, req.Attachments)
	if err != nil {
		return fail(c, err)
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Run-Id", runID)
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.Writer.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming not supported")
	}
	flusher.Flush()

	for {
		select {
		case frame := <-stream.Frames():
			done, err := writeFrame(w, frame, runID)
			if err != nil {
				return nil
			}
			flusher.Flush()
			if done {
				return nil
			}
		case <-stream.Done():
			// Dropped by the session; deliver what was queued.
			for {
				select {
				case frame := <-stream.Frames():
					if done, err := writeFrame(w, frame, runID); err != nil || done {
						flusher.Flush()
						return nil
					}
				default:
					flusher.Flush()
					return nil
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// writeFrame writes one broadcast as an SSE event named by its type and
// reports whether it ends the stream for runID.
func writeFrame(w *echo.Response, frame []byte, runID string) (bool, error) {
	var env protocol.Envelope
	_ = json.Unmarshal(frame, &env)
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Type, frame); err != nil {
		return false, err
	}
	terminal := env.Type == protocol.TypeRunFinished || env.Type == protocol.TypeRunError
	return terminal && env.RunID == runID, nil
}

// CancelRun cancels an active run.
// POST /v1/sessions/:session_id/runs/:run_id/cancel
func (h *Handler) CancelRun(c echo.Context) error {
	sessionID := c.Param("session_id")
	runID := c.Param("run_id")
	if err := h.service.CancelRun(c.Request().Context(), sessionID, runID); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"run_id": runID,
		"status": domain.RunStatusCancelled,
	})
}

// GetRun returns the journaled run.
// GET /v1/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.service.GetRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, run)
}
