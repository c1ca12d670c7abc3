// Package domain defines the core domain models shared by the server and the sync client.
package domain

// RunStatus represents the status of a run in the run journal.
type RunStatus string

const (
	RunStatusCreated   RunStatus = "CREATED"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusDone      RunStatus = "DONE"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
)

// EventType represents the type of a journaled run event.
type EventType string

const (
	EventTypeRunStarted   EventType = "run_started"
	EventTypeUserInput    EventType = "user_input"
	EventTypeAgentEvent   EventType = "agent_event"
	EventTypePatchFlushed EventType = "patch_flushed"
	EventTypeRunDone      EventType = "run_done"
	EventTypeRunFailed    EventType = "run_failed"
	EventTypeRunCancelled EventType = "run_cancelled"
)

// PatchOpKind is the kind of a filesystem patch operation.
type PatchOpKind string

const (
	OpWrite  PatchOpKind = "write"
	OpDelete PatchOpKind = "delete"
	OpMkdir  PatchOpKind = "mkdir"
)

// Encoding is the content encoding of a file entry or write op.
type Encoding string

const (
	EncodingUTF8   Encoding = "utf-8"
	EncodingBase64 Encoding = "base64"
)

// Role is the author of a client-facing message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Finish reasons reported in run/finished.
const (
	FinishReasonCompleted = "completed"
	FinishReasonCancelled = "cancelled"
)
