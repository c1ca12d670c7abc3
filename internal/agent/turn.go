package agent

// Roles of conversation turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Part types.
const (
	PartText = "text"
	PartTool = "tool"
)

// Turn is one message of the agent's conversation.
type Turn struct {
	ID       string   `json:"id"`
	Role     string   `json:"role"`
	ParentID string   `json:"parentId,omitempty"`
	Time     TurnTime `json:"time"`
	Parts    []Part   `json:"parts"`
}

// TurnTime holds unix millisecond timestamps.
type TurnTime struct {
	Created   int64 `json:"created"`
	Completed int64 `json:"completed,omitempty"`
}

// Part is a sub-part of a turn: a text span or a tool invocation.
type Part struct {
	ID     string     `json:"id"`
	Type   string     `json:"type"`
	Text   string     `json:"text,omitempty"`
	CallID string     `json:"callId,omitempty"`
	Tool   string     `json:"tool,omitempty"`
	State  *ToolState `json:"state,omitempty"`
}

// ToolState is the state of a tool part.
type ToolState struct {
	Status string         `json:"status"`
	Title  string         `json:"title,omitempty"`
	Input  map[string]any `json:"input,omitempty"`
	Time   ToolTime       `json:"time"`
}

// ToolTime holds unix millisecond timestamps of a tool invocation.
type ToolTime struct {
	Start int64 `json:"start,omitempty"`
	End   int64 `json:"end,omitempty"`
}
