// Package protocol defines the JSON envelopes exchanged between clients and the session server.
package protocol

import (
	"encoding/json"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
)

// Message types from server to client
const (
	TypeSessionCreated = "session/created"
	TypeFsSnapshot     = "fs/snapshot"
	TypeFsPatch        = "fs/patch"
	TypeRunStarted     = "run/started"
	TypeAgentEvent     = "agent/event"
	TypeRunFinished    = "run/finished"
	TypeRunError       = "run/error"
	TypeMessagesList   = "messages/list"
	TypeMessageUpdated = "message/updated"
	TypeError          = "error"
)

// Message types from client to server
const (
	TypeSessionCreate   = "session/create"
	TypeRunStart        = "run/start"
	TypeRunCancel       = "run/cancel"
	TypeFsAck           = "fs/ack"
	TypeSnapshotRequest = "fs/snapshot-request"
	TypeSessionRewind   = "session/rewind"
	TypeFsPush          = "fs/push"
	// TypeMessagesList doubles as the client request type.
)

// Error codes
const (
	ErrorCodeInvalidMessage  = "invalid_message"
	ErrorCodeSessionNotFound = "session_not_found"
	ErrorCodeRunInProgress   = "run_in_progress"
	ErrorCodeRunNotFound     = "run_not_found"
	ErrorCodeUnknownEngine   = "unknown_engine"
	ErrorCodeInternalError   = "internal_error"
)

// Envelope is used for parsing the discriminator before type dispatch.
type Envelope struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	RunID     string `json:"runId,omitempty"`
}

// SessionCreatedMessage acknowledges session/create.
type SessionCreatedMessage struct {
	Type    string             `json:"type"`
	Session domain.SessionInfo `json:"session"`
	Resumed bool               `json:"resumed"`
}

// SnapshotMessage carries a full workspace snapshot.
type SnapshotMessage struct {
	Type      string                      `json:"type"`
	SessionID string                      `json:"sessionId"`
	Seq       int64                       `json:"seq"`
	Files     map[string]domain.FileEntry `json:"files"`
}

// PatchMessage carries one sequenced batch of filesystem ops.
type PatchMessage struct {
	Type      string             `json:"type"`
	SessionID string             `json:"sessionId"`
	RunID     string             `json:"runId"`
	Seq       int64              `json:"seq"`
	Ops       []domain.FsPatchOp `json:"ops"`
}

// RunStartedMessage announces an admitted run.
type RunStartedMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	RunID     string `json:"runId"`
}

// AgentEventMessage re-broadcasts one agent event verbatim.
type AgentEventMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	RunID     string          `json:"runId"`
	Event     json.RawMessage `json:"event"`
}

// RunFinishedMessage announces the end of a run.
type RunFinishedMessage struct {
	Type         string `json:"type"`
	SessionID    string `json:"sessionId"`
	RunID        string `json:"runId"`
	FinishReason string `json:"finishReason"`
}

// RunErrorMessage announces a failed run.
type RunErrorMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	RunID     string `json:"runId,omitempty"`
	Message   string `json:"message"`
}

// MessagesListMessage carries a page of client messages.
type MessagesListMessage struct {
	Type      string                 `json:"type"`
	SessionID string                 `json:"sessionId"`
	Messages  []domain.ClientMessage `json:"messages"`
	HasMore   bool                   `json:"hasMore"`
	Replace   bool                   `json:"replace,omitempty"`
}

// MessageUpdatedMessage carries a single new or changed client message.
// When PrevID is set the message replaces the one stored under that id.
type MessageUpdatedMessage struct {
	Type      string               `json:"type"`
	SessionID string               `json:"sessionId"`
	Message   domain.ClientMessage `json:"message"`
	PrevID    string               `json:"prevId,omitempty"`
}

// ErrorMessage is sent to the offending caller only.
type ErrorMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// SessionCreateRequest is sent by client to create or resume a session.
type SessionCreateRequest struct {
	Type       string `json:"type"`
	EngineID   string `json:"engineId"`
	TemplateID string `json:"templateId,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
}

// RunStartRequest is sent by client to start a run.
type RunStartRequest struct {
	Type        string              `json:"type"`
	SessionID   string              `json:"sessionId"`
	Prompt      string              `json:"prompt"`
	Attachments []domain.Attachment `json:"attachments,omitempty"`
}

// RunCancelRequest is sent by client to cancel a run.
type RunCancelRequest struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	RunID     string `json:"runId"`
}

// AckRequest acknowledges every patch up to Seq.
type AckRequest struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Seq       int64  `json:"seq"`
}

// SnapshotRequest asks for a fresh fs/snapshot.
type SnapshotRequest struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// MessagesListRequest asks for a page of the message log.
type MessagesListRequest struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Limit     int    `json:"limit"`
	Skip      int    `json:"skip"`
}

// RewindRequest rewinds the session to a message checkpoint.
type RewindRequest struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Edit      bool   `json:"edit,omitempty"`
}

// PushRequest pushes locally edited files back to the server.
type PushRequest struct {
	Type      string             `json:"type"`
	SessionID string             `json:"sessionId"`
	Ops       []domain.FsPatchOp `json:"ops"`
}
