package service

import (
	"context"
	"sync"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
)

// RunContext is the liveness state of one admitted run. Every callback of
// the run emits through it, so nothing reaches clients once the run is
// aborted or finished.
type RunContext struct {
	RunID     string
	SessionID string

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	aborted  bool
	finished bool

	userMessage domain.ClientMessage
}

func newRunContext(parent context.Context, sessionID, runID string) *RunContext {
	ctx, cancel := context.WithCancel(parent)
	return &RunContext{RunID: runID, SessionID: sessionID, ctx: ctx, cancel: cancel}
}

// Live reports whether the run may still emit.
func (rc *RunContext) Live() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return !rc.aborted && !rc.finished
}

// Aborted reports whether the run was cancelled.
func (rc *RunContext) Aborted() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.aborted
}

// Emit runs fn only while the run is live.
func (rc *RunContext) Emit(fn func()) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.aborted || rc.finished {
		return false
	}
	fn()
	return true
}

// Abort marks the run cancelled and cancels its context. It reports false
// when the run had already finished or been aborted.
func (rc *RunContext) Abort() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.aborted || rc.finished {
		return false
	}
	rc.aborted = true
	rc.cancel()
	return true
}

// Finish runs fn as the run's terminal step unless the run was aborted.
func (rc *RunContext) Finish(fn func()) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.aborted || rc.finished {
		return false
	}
	rc.finished = true
	fn()
	return true
}
