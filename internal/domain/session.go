package domain

import "time"

// SessionMeta is the small, durable part of a session persisted next to its workspace.
type SessionMeta struct {
	SessionID     string    `json:"session_id"`
	EngineID      string    `json:"engine_id"`
	TemplateID    string    `json:"template_id,omitempty"`
	AgentHandle   string    `json:"agent_handle,omitempty"`
	HeadMessageID string    `json:"head_message_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SessionInfo is the externally visible view of a live session.
type SessionInfo struct {
	SessionID     string    `json:"sessionId"`
	EngineID      string    `json:"engineId"`
	TemplateID    string    `json:"templateId,omitempty"`
	HeadMessageID string    `json:"headMessageId,omitempty"`
	CurrentRunID  string    `json:"currentRunId,omitempty"`
	Seq           int64     `json:"seq"`
	AckedSeq      int64     `json:"ackedSeq"`
	Clients       int       `json:"clients"`
	CreatedAt     time.Time `json:"createdAt"`
}
