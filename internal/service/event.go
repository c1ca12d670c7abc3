package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
)

// recordEvent records an event to the store.
func (s *Service) recordEvent(ctx context.Context, runID string, eventType domain.EventType, payload interface{}) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	event := &domain.Event{
		EventID: "evt_" + uuid.New().String()[:8],
		RunID:   runID,
		Ts:      time.Now().UnixMilli(),
		Type:    eventType,
		Payload: payloadBytes,
	}

	return s.store.CreateEvent(ctx, event)
}

// journal records a run event, logging instead of failing.
func (s *Service) journal(runID string, eventType domain.EventType, payload interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.recordEvent(ctx, runID, eventType, payload); err != nil {
		s.logger.Error("failed to record run event",
			zap.String("run_id", runID), zap.String("event_type", string(eventType)), zap.Error(err))
	}
}

// completeRunRecord sets the terminal status of a journaled run.
func (s *Service) completeRunRecord(runID string, status domain.RunStatus, errData []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.UpdateRunCompleted(ctx, runID, status, errData); err != nil {
		s.logger.Error("failed to update run status", zap.String("run_id", runID), zap.Error(err))
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrRunNotFound) || errors.Is(err, domain.ErrSessionNotFound)
}

// GetRunEvents returns a run's journaled events after afterTs, oldest first.
func (s *Service) GetRunEvents(ctx context.Context, runID string, afterTs int64, limit int) ([]domain.Event, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	events, err := s.store.GetEvents(ctx, runID, afterTs, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get run events: %w", err)
	}
	return events, nil
}
