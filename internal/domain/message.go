package domain

import (
	"encoding/json"
	"time"
)

// ActivityData describes the tool behind an activity.
type ActivityData struct {
	Tool  string `json:"tool"`
	Title string `json:"title"`
	Path  string `json:"path,omitempty"`
}

// Activity summarizes one tool invocation of an agent turn.
type Activity struct {
	ID        string       `json:"id"`
	Type      string       `json:"type"`
	Timestamp int64        `json:"timestamp"`
	Completed bool         `json:"completed"`
	CallID    string       `json:"callId"`
	Data      ActivityData `json:"data"`
}

// ClientMessage is one conversation turn in client-facing shape.
type ClientMessage struct {
	ID         string     `json:"id"`
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Timestamp  int64      `json:"timestamp"`
	Activities []Activity `json:"activities,omitempty"`
}

// Message is a persisted row of a session's message log.
type Message struct {
	MessageID  string          `json:"message_id"`
	SessionID  string          `json:"session_id"`
	RunID      string          `json:"run_id,omitempty"`
	Role       Role            `json:"role"`
	Content    string          `json:"content"`
	Activities json.RawMessage `json:"activities,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ToClient converts a persisted row into the client-facing shape.
func (m Message) ToClient() ClientMessage {
	out := ClientMessage{
		ID:        m.MessageID,
		Role:      m.Role,
		Content:   m.Content,
		Timestamp: m.CreatedAt.UnixMilli(),
	}
	if len(m.Activities) > 0 {
		_ = json.Unmarshal(m.Activities, &out.Activities)
	}
	return out
}

// MessageFromClient converts a client message into a persisted row.
func MessageFromClient(sessionID string, m ClientMessage) Message {
	row := Message{
		MessageID: m.ID,
		SessionID: sessionID,
		Role:      m.Role,
		Content:   m.Content,
		CreatedAt: time.UnixMilli(m.Timestamp),
	}
	if len(m.Activities) > 0 {
		row.Activities, _ = json.Marshal(m.Activities)
	}
	return row
}
