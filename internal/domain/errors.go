package domain

import "errors"

var (
	// ErrSessionNotFound is returned when an operation names an unknown session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrRunInProgress is returned when a session already has an admitted run.
	ErrRunInProgress = errors.New("run already in progress")
	// ErrRunNotFound is returned when a run id is unknown or already finished.
	ErrRunNotFound = errors.New("run not found")
	// ErrUnknownEngine is returned when the engine or template id is not in the catalog.
	ErrUnknownEngine = errors.New("unknown engine")
	// ErrInvalidPatchOp is returned for malformed patch operations.
	ErrInvalidPatchOp = errors.New("invalid patch op")
	// ErrInvalidPath is returned for paths escaping the workspace root.
	ErrInvalidPath = errors.New("invalid workspace path")
	// ErrInvalidRequest is returned for requests missing required fields.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNothingToRewind is returned when a session has no agent conversation yet.
	ErrNothingToRewind = errors.New("nothing to rewind")
)
