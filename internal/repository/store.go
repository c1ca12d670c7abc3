// Package repository persists session metadata, the message log and the run journal.
package repository

import (
	"context"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
)

// Store defines the interface for data persistence.
type Store interface {
	// Session metadata
	SaveSessionMeta(ctx context.Context, meta *domain.SessionMeta) error
	GetSessionMeta(ctx context.Context, sessionID string) (*domain.SessionMeta, error)
	DeleteSession(ctx context.Context, sessionID string) error

	// Message log
	CreateMessage(ctx context.Context, message *domain.Message) error
	ListMessages(ctx context.Context, sessionID string, limit, skip int) ([]domain.Message, int, error)
	ReplaceMessages(ctx context.Context, sessionID string, messages []domain.Message) error
	RenameMessage(ctx context.Context, sessionID, oldID, newID string) error

	// Run journal
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) error
	UpdateRunCompleted(ctx context.Context, runID string, status domain.RunStatus, errData []byte) error
	CreateEvent(ctx context.Context, event *domain.Event) error
	GetEvents(ctx context.Context, runID string, afterTs int64, limit int) ([]domain.Event, error)

	// Lifecycle
	Close() error
}
