package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/protocol"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/session"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 500
)

// ListMessages returns a page of the message log counted from the newest
// end: skip newest messages are skipped and up to limit earlier ones are
// returned oldest first.
func (s *Service) ListMessages(ctx context.Context, sessionID string, limit, skip int) (*protocol.MessagesListMessage, error) {
	if _, err := s.registry.Get(sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}
	if skip < 0 {
		skip = 0
	}

	rows, total, err := s.store.ListMessages(ctx, sessionID, limit, skip)
	if err != nil {
		return nil, err
	}
	msgs := make([]domain.ClientMessage, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, row.ToClient())
	}
	return &protocol.MessagesListMessage{
		Type:      protocol.TypeMessagesList,
		SessionID: sessionID,
		Messages:  msgs,
		HasMore:   total > skip+len(rows),
	}, nil
}

// saveMessage stores a message; failures are logged and do not block the run.
func (s *Service) saveMessage(ctx context.Context, sessionID, runID string, msg domain.ClientMessage) {
	row := domain.MessageFromClient(sessionID, msg)
	row.RunID = runID
	if err := s.store.CreateMessage(ctx, &row); err != nil {
		s.logger.Error("failed to save message",
			zap.String("session_id", sessionID), zap.String("message_id", msg.ID), zap.Error(err))
	}
}

// renameUserMessage re-keys the run's prompt under the agent's own message
// id so rewind targets match what clients display.
func (s *Service) renameUserMessage(ctx context.Context, sess *session.Session, rc *RunContext, agentID string) {
	prev := rc.userMessage.ID
	if err := s.store.RenameMessage(ctx, sess.ID, prev, agentID); err != nil {
		s.logger.Error("failed to rename user message",
			zap.String("session_id", sess.ID), zap.String("message_id", prev), zap.Error(err))
		return
	}
	rc.userMessage.ID = agentID
	_ = sess.Broadcast(protocol.MessageUpdatedMessage{
		Type:      protocol.TypeMessageUpdated,
		SessionID: sess.ID,
		Message:   rc.userMessage,
		PrevID:    prev,
	})
}
