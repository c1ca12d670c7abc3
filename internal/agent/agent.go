// Package agent defines the contract of the external code-generation agent.
package agent

import (
	"context"
	"encoding/json"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
)

// Event types emitted by an agent during a run.
const (
	EventSession   = "session"
	EventTextDelta = "text-delta"
	EventText      = "text"
	EventToolStart = "tool-start"
	EventTool      = "tool"
	EventFinished  = "finished"
	EventError     = "error"
)

// Tool states reported in tool parts and events.
const (
	ToolPending   = "pending"
	ToolRunning   = "running"
	ToolCompleted = "completed"
	ToolError     = "error"
)

// Event is one tagged agent event. It is re-broadcast to clients as is.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SessionData announces the agent's own session handle.
type SessionData struct {
	SessionHandle string `json:"sessionHandle"`
}

// TextData carries streamed or complete text of one text part.
type TextData struct {
	PartID string `json:"partId,omitempty"`
	Text   string `json:"text"`
}

// ToolData describes a tool invocation as it starts or changes state.
type ToolData struct {
	CallID string         `json:"callId"`
	Tool   string         `json:"tool"`
	State  string         `json:"state,omitempty"`
	Title  string         `json:"title,omitempty"`
	Input  map[string]any `json:"input,omitempty"`
	Start  int64          `json:"start,omitempty"`
	End    int64          `json:"end,omitempty"`
}

// FinishedData closes a run.
type FinishedData struct {
	Result             string `json:"result,omitempty"`
	SessionHandle      string `json:"sessionHandle,omitempty"`
	UserMessageID      string `json:"userMessageId,omitempty"`
	AssistantMessageID string `json:"assistantMessageId,omitempty"`
}

// ErrorData reports an agent failure.
type ErrorData struct {
	Message string `json:"message"`
}

// NewEvent builds an event with a JSON-encoded payload.
func NewEvent(eventType string, data any) Event {
	raw, _ := json.Marshal(data)
	return Event{Type: eventType, Data: raw}
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// RunRequest is the input of one agent run.
type RunRequest struct {
	Prompt        string              `json:"prompt"`
	System        string              `json:"system,omitempty"`
	SessionHandle string              `json:"sessionHandle,omitempty"`
	Attachments   []domain.Attachment `json:"attachments,omitempty"`
}

// RunResult is returned when a run completes.
type RunResult struct {
	Result             string
	SessionHandle      string
	UserMessageID      string
	AssistantMessageID string
}

// EventHandler is called for every event of a run, in order.
type EventHandler func(Event) error

// Agent is the external code-generation agent. Every call must run inside
// WithWorkspace for the workspace it concerns.
type Agent interface {
	// Run executes one prompt against the workspace in scope.
	Run(ctx context.Context, req RunRequest, onEvent EventHandler) (*RunResult, error)
	// Messages returns the conversation of an agent session, oldest first.
	Messages(ctx context.Context, handle string) ([]Turn, error)
	// Revert rolls the session back so messageID is its last turn.
	Revert(ctx context.Context, handle, messageID string) error
	// Cleanup physically removes reverted turns and their file changes.
	Cleanup(ctx context.Context, handle string) error
}
