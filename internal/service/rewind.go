package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kllilizxc/GameMakerAgent-sub000/internal/agent"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/domain"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/protocol"
	"github.com/kllilizxc/GameMakerAgent-sub000/internal/transform"
)

// RewindResult is the state a session was rewound to.
type RewindResult struct {
	Messages []domain.ClientMessage    `json:"messages"`
	Snapshot *protocol.SnapshotMessage `json:"snapshot"`
}

// Rewind truncates the conversation and the workspace to messageID. With
// edit set and messageID naming an assistant turn, the session rewinds to
// the prompt that turn answered. Clients receive the new message list as a
// replacement and a fresh snapshot.
func (s *Service) Rewind(ctx context.Context, sessionID, messageID string, edit bool) (*RewindResult, error) {
	if messageID == "" {
		return nil, fmt.Errorf("%w: messageId is required", domain.ErrInvalidRequest)
	}
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	handle := sess.Meta().AgentHandle
	if handle == "" {
		return nil, fmt.Errorf("%w: session %s has no agent conversation", domain.ErrNothingToRewind, sessionID)
	}

	// Hold the run slot so no run starts against a half-reverted workspace.
	slot := "rewind_" + uuid.New().String()[:8]
	if err := sess.StartRun(slot); err != nil {
		return nil, err
	}
	defer sess.ClearRun(slot)

	var turns []agent.Turn
	target := messageID
	err = agent.WithWorkspace(ctx, sess.Dir, func(ctx context.Context) error {
		if edit {
			current, err := s.agent.Messages(ctx, handle)
			if err != nil {
				return err
			}
			target = editTarget(current, messageID)
		}
		if err := s.agent.Revert(ctx, handle, target); err != nil {
			return fmt.Errorf("revert: %w", err)
		}
		if err := s.agent.Cleanup(ctx, handle); err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
		var err error
		turns, err = s.agent.Messages(ctx, handle)
		return err
	})
	if err != nil {
		s.logger.Error("rewind failed",
			zap.String("session_id", sessionID), zap.String("message_id", target), zap.Error(err))
		return nil, fmt.Errorf("failed to rewind: %w", err)
	}

	msgs := transform.Messages(turns)
	rows := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		rows = append(rows, domain.MessageFromClient(sessionID, m))
	}
	if err := s.store.ReplaceMessages(ctx, sessionID, rows); err != nil {
		return nil, fmt.Errorf("failed to replace message log: %w", err)
	}

	head := ""
	if len(msgs) > 0 {
		head = msgs[len(msgs)-1].ID
	}
	sess.UpdateMeta(func(m *domain.SessionMeta) { m.HeadMessageID = head })
	if err := s.registry.Persist(ctx, sess); err != nil {
		s.logger.Error("failed to persist session after rewind", zap.String("session_id", sessionID), zap.Error(err))
	}

	_ = sess.Broadcast(protocol.MessagesListMessage{
		Type:      protocol.TypeMessagesList,
		SessionID: sessionID,
		Messages:  msgs,
		Replace:   true,
	})
	snap, err := s.broadcastSnapshot(sess)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot after rewind: %w", err)
	}

	s.metrics.Rewound()
	s.logger.Info("session rewound",
		zap.String("session_id", sessionID), zap.String("message_id", target), zap.Int("messages", len(msgs)))
	return &RewindResult{Messages: msgs, Snapshot: snap}, nil
}

// editTarget maps an assistant turn onto its parent prompt.
func editTarget(turns []agent.Turn, messageID string) string {
	for _, t := range turns {
		if t.ID == messageID && t.Role == agent.RoleAssistant && t.ParentID != "" {
			return t.ParentID
		}
	}
	return messageID
}
