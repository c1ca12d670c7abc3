// Package agentclient talks to an external agent server over HTTP, reading
// run events from an SSE stream.
package agentclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/agent"
)

// WorkspaceHeader carries the workspace scope of every call.
const WorkspaceHeader = "X-Workspace-Dir"

// SSEEvent represents a parsed SSE event.
type SSEEvent struct {
	Event string
	Data  string
}

// Client is an HTTP client for the agent server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new agent client. timeout bounds a whole run.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type invokeRequest struct {
	Workspace string `json:"workspace"`
	agent.RunRequest
}

// Run calls /invoke and forwards every streamed event to onEvent.
func (c *Client) Run(ctx context.Context, req agent.RunRequest, onEvent agent.EventHandler) (*agent.RunResult, error) {
	dir, err := agent.WorkspaceFromContext(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(invokeRequest{Workspace: dir, RunRequest: req})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set(WorkspaceHeader, dir)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to invoke agent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("agent returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	result := &agent.RunResult{SessionHandle: req.SessionHandle}
	finished := false
	err = c.parseSSE(resp.Body, func(event SSEEvent) error {
		ev := agent.Event{Type: event.Event}
		if event.Data != "" {
			ev.Data = json.RawMessage(event.Data)
		}

		switch ev.Type {
		case agent.EventSession:
			var data agent.SessionData
			if err := ev.Decode(&data); err == nil && data.SessionHandle != "" {
				result.SessionHandle = data.SessionHandle
			}
		case agent.EventFinished:
			var data agent.FinishedData
			if err := ev.Decode(&data); err != nil {
				return fmt.Errorf("failed to parse finished event: %w", err)
			}
			finished = true
			result.Result = data.Result
			result.UserMessageID = data.UserMessageID
			result.AssistantMessageID = data.AssistantMessageID
			if data.SessionHandle != "" {
				result.SessionHandle = data.SessionHandle
			}
		case agent.EventError:
			var data agent.ErrorData
			if err := ev.Decode(&data); err != nil || data.Message == "" {
				data.Message = event.Data
			}
			if onEvent != nil {
				_ = onEvent(ev)
			}
			return fmt.Errorf("agent error: %s", data.Message)
		}

		if onEvent != nil {
			return onEvent(ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !finished {
		return nil, fmt.Errorf("agent stream ended without a finished event")
	}
	return result, nil
}

// parseSSE parses an SSE stream and calls the handler for each event.
func (c *Client) parseSSE(reader io.Reader, handler func(SSEEvent) error) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	var event SSEEvent

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line marks end of event
		if line == "" {
			if event.Event != "" || event.Data != "" {
				if err := handler(event); err != nil {
					return err
				}
				event = SSEEvent{}
			}
			continue
		}

		if strings.HasPrefix(line, "event:") {
			event.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if event.Data != "" {
				event.Data += "\n" + data
			} else {
				event.Data = data
			}
		}
	}

	if event.Event != "" || event.Data != "" {
		if err := handler(event); err != nil {
			return err
		}
	}

	return scanner.Err()
}

// Messages fetches the conversation of an agent session.
func (c *Client) Messages(ctx context.Context, handle string) ([]agent.Turn, error) {
	var turns []agent.Turn
	if err := c.call(ctx, http.MethodGet, "/sessions/"+url.PathEscape(handle)+"/messages", nil, &turns); err != nil {
		return nil, err
	}
	return turns, nil
}

// Revert reverts an agent session to messageID.
func (c *Client) Revert(ctx context.Context, handle, messageID string) error {
	body := map[string]string{"messageId": messageID}
	return c.call(ctx, http.MethodPost, "/sessions/"+url.PathEscape(handle)+"/revert", body, nil)
}

// Cleanup removes reverted turns of an agent session.
func (c *Client) Cleanup(ctx context.Context, handle string) error {
	return c.call(ctx, http.MethodPost, "/sessions/"+url.PathEscape(handle)+"/cleanup", nil, nil)
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	dir, err := agent.WorkspaceFromContext(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(WorkspaceHeader, dir)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("agent request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("agent returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode agent response: %w", err)
	}
	return nil
}

var _ agent.Agent = (*Client)(nil)
